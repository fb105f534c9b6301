// Relationship dynamics: every line nudges how the speaker and the people it addresses feel
// about each other.
package engine

import (
	"time"

	"github.com/talgya/chorus/internal/model"
)

// Bond deltas per exchange.
const (
	trustStep     = 0.02
	affinityStep  = 0.06
	respectStep   = 0.01
	mentionBoost  = 0.02
	rivalAffinity = -0.4
)

// newRelation starts a bond slightly positive.
func newRelation(from, to string, now time.Time) model.Relation {
	return model.Relation{
		SubjectID: from,
		TargetID:  to,
		Trust:     0.1,
		Affinity:  0.05,
		Respect:   0.2,
		Stage:     model.StageStranger,
		UpdatedAt: now,
	}
}

// strengthenBond applies one exchange with the given sentiment to the bond from → to.
// A direct mention weighs more than simply speaking after someone.
func strengthenBond(r *model.Relation, sentiment float64, mentioned bool, now time.Time) {
	r.Interactions++
	weight := 1.0
	if mentioned {
		weight = 1.5
		r.Respect += mentionBoost
	}

	if sentiment >= 0 {
		r.Trust += trustStep * weight * (1 + sentiment)
	} else {
		r.Trust += trustStep * weight * sentiment * 2
	}
	r.Affinity += affinityStep * weight * sentiment
	r.Respect += respectStep

	r.Trust = clamp01(r.Trust)
	r.Respect = clamp01(r.Respect)
	if r.Affinity > 1 {
		r.Affinity = 1
	}
	if r.Affinity < -1 {
		r.Affinity = -1
	}
	r.Stage = stageFor(*r)
	r.UpdatedAt = now
}

// stageFor classifies a bond.
func stageFor(r model.Relation) model.RelationStage {
	switch {
	case r.Affinity <= rivalAffinity:
		return model.StageRival
	case r.Interactions < 3:
		return model.StageStranger
	case r.Trust >= 0.7 && r.Affinity >= 0.5:
		return model.StageCloseFriend
	case r.Trust >= 0.4 && r.Affinity >= 0.2:
		return model.StageFriend
	default:
		return model.StageAcquaintance
	}
}

// bondUpdates returns the relations touched by one line: speaker and previous speaker in both
// directions, and speaker towards everyone mentioned. existing is keyed by subject and target.
func bondUpdates(existing map[[2]string]model.Relation, speakerID, previousID string,
	mentioned map[string]bool, sentiment float64, now time.Time) []model.Relation {

	touched := make(map[[2]string]model.Relation)
	apply := func(from, to string, isMention bool) {
		if from == "" || to == "" || from == to {
			return
		}
		key := [2]string{from, to}
		r, ok := touched[key]
		if !ok {
			r, ok = existing[key]
			if !ok {
				r = newRelation(from, to, now)
			}
		}
		strengthenBond(&r, sentiment, isMention, now)
		touched[key] = r
	}

	apply(speakerID, previousID, mentioned[previousID])
	apply(previousID, speakerID, false)
	for id := range mentioned {
		if id != previousID {
			apply(speakerID, id, true)
		}
	}

	out := make([]model.Relation, 0, len(touched))
	for _, r := range touched {
		out = append(out, r)
	}
	return out
}
