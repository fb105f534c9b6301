package director

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/talgya/chorus/internal/model"
)

// Score weights.
const (
	weightParticipation = 0.5
	weightDepth         = 0.3
	weightEmphasis      = 0.2
)

// Tier thresholds. Entering a tier needs a higher score than staying in it.
const (
	enterMain      = 0.6
	stayMain       = 0.5
	enterSecondary = 0.3
	staySecondary  = 0.22
)

// ImportanceScore combines the three signals, each expected in [0, 1].
func ImportanceScore(participation, depth, emphasis float64) float64 {
	return clamp(weightParticipation*participation+weightDepth*depth+weightEmphasis*emphasis, 0, 1)
}

// NextTier returns the tier for score given the current tier. NextTier(NextTier(c, s), s)
// always equals NextTier(c, s).
func NextTier(current model.ImportanceLevel, score float64) model.ImportanceLevel {
	switch {
	case score >= enterMain:
		return model.ImportanceMain
	case current == model.ImportanceMain && score >= stayMain:
		return model.ImportanceMain
	case score >= enterSecondary:
		return model.ImportanceSecondary
	case current.Rank() >= model.ImportanceSecondary.Rank() && score >= staySecondary:
		return model.ImportanceSecondary
	default:
		return model.ImportanceFiller
	}
}

// ImportanceStore persists tier changes.
type ImportanceStore interface {
	UpdateImportance(ctx context.Context, worldID, agentID string, level model.ImportanceLevel, score float64) error
}

// TierChange records one promotion or demotion.
type TierChange struct {
	AgentID string                `json:"agent_id"`
	From    model.ImportanceLevel `json:"from"`
	To      model.ImportanceLevel `json:"to"`
	Score   float64               `json:"score"`
}

// ImportanceManager recomputes tiers for a world's roster.
type ImportanceManager struct {
	Store ImportanceStore
	now   func() time.Time
}

func NewImportanceManager(store ImportanceStore) *ImportanceManager {
	return &ImportanceManager{Store: store, now: time.Now}
}

// Recalculate scores every active member and writes the ones whose tier moved.
// participation counts recent lines per agent; direction may be nil.
func (m *ImportanceManager) Recalculate(ctx context.Context, worldID string, members []model.WorldAgent,
	participation map[string]int, relations []model.Relation, direction *model.SceneDirection) ([]TierChange, error) {

	now := m.now()
	maxLines := 0
	inWorld := make(map[string]bool, len(members))
	for _, wa := range members {
		inWorld[wa.AgentID] = true
		if participation[wa.AgentID] > maxLines {
			maxLines = participation[wa.AgentID]
		}
	}
	depths := relationDepths(relations, inWorld)

	var changes []TierChange
	for _, wa := range members {
		if !wa.IsActive {
			continue
		}
		p := 0.0
		if maxLines > 0 {
			p = float64(participation[wa.AgentID]) / float64(maxLines)
		}
		score := ImportanceScore(p, depths[wa.AgentID], emphasis(wa, direction, now))

		current := wa.Importance
		if current == "" {
			current = model.ImportanceSecondary
		}
		next := NextTier(current, score)
		if next == current {
			continue
		}
		if err := m.Store.UpdateImportance(ctx, worldID, wa.AgentID, next, score); err != nil {
			return changes, fmt.Errorf("update importance %s: %w", wa.AgentID, err)
		}
		slog.Info("importance changed", "world", worldID, "agent", wa.AgentID, "from", current, "to", next, "score", score)
		changes = append(changes, TierChange{AgentID: wa.AgentID, From: current, To: next, Score: score})
	}
	return changes, nil
}

// relationDepths averages the depth of each agent's relations with other world members,
// counting both directions.
func relationDepths(rels []model.Relation, inWorld map[string]bool) map[string]float64 {
	sum := make(map[string]float64)
	n := make(map[string]int)
	for _, r := range rels {
		if !inWorld[r.SubjectID] || !inWorld[r.TargetID] {
			continue
		}
		d := r.Depth()
		sum[r.SubjectID] += d
		n[r.SubjectID]++
		sum[r.TargetID] += d
		n[r.TargetID]++
	}
	out := make(map[string]float64, len(sum))
	for id, s := range sum {
		out[id] = s / float64(n[id])
	}
	return out
}

func emphasis(wa model.WorldAgent, d *model.SceneDirection, now time.Time) float64 {
	e := 0.0
	if wa.FocusActive(now) {
		e = 0.75
	}
	if d == nil {
		return e
	}
	for _, id := range d.FocusAgentIDs {
		if id == wa.AgentID {
			e = 0.75
		}
	}
	if d.SuggestedSpeakerID == wa.AgentID {
		e = 1
	}
	return e
}
