package director

import (
	"fmt"
	"sort"

	"github.com/talgya/chorus/internal/model"
	"github.com/talgya/chorus/internal/narrative"
)

// phaseTone is the default mood of each arc phase.
var phaseTone = map[model.ArcPhase]string{
	model.ArcSetup:      "curious",
	model.ArcRising:     "tense",
	model.ArcClimax:     "urgent",
	model.ArcFalling:    "somber",
	model.ArcResolution: "reflective",
}

// Heuristic decides without a model. It is deterministic in its input.
func Heuristic(in Input) Decision {
	report := narrative.Report{}
	if in.Report != nil {
		report = *in.Report
	}

	dec := Decision{Source: "heuristic"}

	// Macro: tension and engagement drive progress; a stalled scene barely moves.
	delta := 0.01 + 0.04*report.Metrics.Tension + 0.02*report.Metrics.Engagement
	if report.Has(narrative.WarnRepetition, narrative.SeverityHigh) {
		delta = 0.005
	}
	if report.TensionDelta > 0.2 {
		delta += 0.03
	}
	dec.ProgressDelta = clamp(delta, minProgressStep, maxProgressStep)
	dec.Arc = advance(in.World.Rules.Arc, dec.ProgressDelta)

	// Micro: tone follows the phase, pacing the warnings.
	dec.Tone = phaseTone[dec.Arc.Phase]
	dec.Pacing = "steady"
	switch {
	case report.Has(narrative.WarnFlatTension, narrative.SeverityMedium),
		report.Has(narrative.WarnLowEngagement, narrative.SeverityMedium):
		dec.Pacing = "quick"
		dec.Note = "Raise the stakes: someone should ask a pointed question."
	case dec.Arc.Phase == model.ArcClimax:
		dec.Pacing = "quick"
	case dec.Arc.Phase == model.ArcResolution || dec.Arc.Phase == model.ArcFalling:
		dec.Pacing = "slow"
	}
	if report.Has(narrative.WarnRepetition, narrative.SeverityMedium) {
		dec.Note = "Change the subject; nobody should repeat what was already said."
	}

	// Meso: develop whoever has been left out.
	quiet := quietest(in, dominantSpeaker(report))
	if len(quiet) > 0 {
		dec.SuggestedSpeakerID = quiet[0].ID
		dec.FocusAgentIDs = []string{quiet[0].ID}
		dec.FocusTurns = DefaultFocusTurns
		dec.FocusNote = fmt.Sprintf("Give %s room to speak.", quiet[0].Name)
		if w := report.Worst(); w != nil && w.Kind == narrative.WarnDominance && len(quiet) > 1 {
			dec.FocusAgentIDs = append(dec.FocusAgentIDs, quiet[1].ID)
			dec.FocusNote = fmt.Sprintf("Let %s and %s carry the next exchange.", quiet[0].Name, quiet[1].Name)
		}
	}

	dec.Rationale = fmt.Sprintf("phase %s at %.2f, tension %.2f, %d warnings",
		dec.Arc.Phase, dec.Arc.Progress, report.Metrics.Tension, len(report.Warnings))
	return dec
}

func dominantSpeaker(r narrative.Report) string {
	for _, w := range r.Warnings {
		if w.Kind == narrative.WarnDominance {
			return w.AgentID
		}
	}
	return ""
}

// quietest orders eligible characters by recent participation, fewest first. The last
// speaker and the dominant one are excluded unless nobody else is on the roster; ties go
// to higher tiers.
func quietest(in Input, dominant string) []Character {
	var out []Character
	for _, c := range in.Roster {
		if (c.ID == in.LastSpeakerID || c.ID == dominant) && len(in.Roster) > 1 {
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Participation != out[j].Participation {
			return out[i].Participation < out[j].Participation
		}
		return out[i].Importance.Rank() > out[j].Importance.Rank()
	})
	return out
}
