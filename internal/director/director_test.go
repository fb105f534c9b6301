package director

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/chorus/internal/llm"
	"github.com/talgya/chorus/internal/model"
	"github.com/talgya/chorus/internal/narrative"
)

func sceneInput() Input {
	return Input{
		World: model.World{ID: "w1", Name: "Saltmarsh", StoryMode: true,
			Rules: model.WorldRules{Arc: model.StoryArc{Phase: model.ArcRising, Progress: 0.5}}},
		Total:         42,
		LastSpeakerID: "a",
		Roster: []Character{
			{ID: "a", Name: "Ada", Importance: model.ImportanceMain, Participation: 5},
			{ID: "b", Name: "Bram", Importance: model.ImportanceSecondary, Participation: 1},
			{ID: "c", Name: "Cole", Importance: model.ImportanceFiller, Participation: 2},
		},
		Recent: []llm.Line{{Speaker: "Ada", Content: "The tide is wrong tonight."}},
		Relations: []model.Relation{
			{SubjectID: "a", TargetID: "b", Trust: 0.7, Affinity: 0.4, Respect: 0.6, Stage: model.StageFriend},
		},
	}
}

func reply(text string) llm.Generator {
	return llm.GeneratorFunc(func(ctx context.Context, prompt string, opts llm.Options) (llm.Result, error) {
		return llm.Result{Text: text}, nil
	})
}

func TestEvaluateUsesModelDecision(t *testing.T) {
	d := New(reply(`Here you go:
{"rationale": "Bram has been silent.",
 "macro": {"progress_delta": 0.1},
 "meso": {"focus": ["bram", "Nobody"], "focus_turns": 0, "note": "Bram knows about the boat."},
 "micro": {"tone": "Uneasy", "pacing": "slow", "next_speaker": "Bram"}}`), "", time.Second)

	dec, err := d.Evaluate(context.Background(), sceneInput())
	require.NoError(t, err)
	assert.Equal(t, "llm", dec.Source)
	assert.Equal(t, []string{"b"}, dec.FocusAgentIDs)
	assert.Equal(t, DefaultFocusTurns, dec.FocusTurns)
	assert.Equal(t, "b", dec.SuggestedSpeakerID)
	assert.Equal(t, "uneasy", dec.Tone)
	assert.InDelta(t, 0.6, dec.Arc.Progress, 1e-9)
	assert.Equal(t, model.ArcClimax, dec.Arc.Phase)

	dir := dec.Direction(42)
	assert.Equal(t, model.LevelMicro, dir.Level)
	assert.Equal(t, 42, dir.DecidedAtTurn)
	assert.Contains(t, dir.Note, "boat")
}

func TestEvaluateFallsBackOnInvalidOutput(t *testing.T) {
	cases := map[string]string{
		"not json":        "I think Bram should talk.",
		"bad pacing":      `{"rationale":"","macro":{"progress_delta":0},"meso":{},"micro":{"tone":"calm","pacing":"frantic"}}`,
		"huge step":       `{"rationale":"","macro":{"progress_delta":0.9},"meso":{},"micro":{"tone":"calm","pacing":"slow"}}`,
		"unknown speaker": `{"rationale":"","macro":{"progress_delta":0},"meso":{},"micro":{"tone":"calm","pacing":"slow","next_speaker":"Zed"}}`,
	}
	for name, text := range cases {
		t.Run(name, func(t *testing.T) {
			dec, err := New(reply(text), "", time.Second).Evaluate(context.Background(), sceneInput())
			require.NoError(t, err)
			assert.Equal(t, "heuristic", dec.Source)
		})
	}
}

func TestEvaluateDropsLastSpeakerSuggestion(t *testing.T) {
	d := New(reply(`{"rationale":"","macro":{"progress_delta":0.02},"meso":{},"micro":{"tone":"wry","pacing":"steady","next_speaker":"Ada"}}`), "", time.Second)
	dec, err := d.Evaluate(context.Background(), sceneInput())
	require.NoError(t, err)
	assert.Equal(t, "llm", dec.Source)
	assert.Empty(t, dec.SuggestedSpeakerID)
}

func TestEvaluateGeneratorFailure(t *testing.T) {
	failing := llm.GeneratorFunc(func(ctx context.Context, prompt string, opts llm.Options) (llm.Result, error) {
		if err := ctx.Err(); err != nil {
			return llm.Result{}, err
		}
		return llm.Result{}, errors.New("overloaded")
	})
	d := New(failing, "", time.Second)

	dec, err := d.Evaluate(context.Background(), sceneInput())
	require.NoError(t, err)
	assert.Equal(t, "heuristic", dec.Source)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = d.Evaluate(ctx, sceneInput())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHeuristicFocusesQuietCharacters(t *testing.T) {
	in := sceneInput()
	in.World.Rules.Arc = model.StoryArc{}
	in.Roster[0].Participation = 8
	in.Roster[1].Participation = 1
	in.Roster[2].Participation = 3
	in.Report = &narrative.Report{
		SampleSize: 12,
		Warnings:   []narrative.Warning{{Kind: narrative.WarnDominance, Severity: narrative.SeverityHigh, AgentID: "a"}},
	}

	dec := Heuristic(in)
	assert.Equal(t, "heuristic", dec.Source)
	assert.Equal(t, "b", dec.SuggestedSpeakerID)
	assert.Equal(t, []string{"b", "c"}, dec.FocusAgentIDs)
	assert.Equal(t, model.ArcSetup, dec.Arc.Phase)
	assert.Equal(t, "curious", dec.Tone)
	assert.Equal(t, "steady", dec.Pacing)

	// Same input, same decision.
	assert.Equal(t, dec, Heuristic(in))
}

func TestHeuristicNeverSuggestsDominantOrLastSpeaker(t *testing.T) {
	in := sceneInput()
	in.LastSpeakerID = "b"
	in.Roster[0].Participation = 0
	in.Report = &narrative.Report{
		Warnings: []narrative.Warning{{Kind: narrative.WarnDominance, Severity: narrative.SeverityMedium, AgentID: "a"}},
	}
	dec := Heuristic(in)
	assert.Equal(t, "c", dec.SuggestedSpeakerID)
	assert.NotContains(t, dec.FocusAgentIDs, "a")
}

func TestNextTierHysteresis(t *testing.T) {
	cases := []struct {
		from  model.ImportanceLevel
		score float64
		want  model.ImportanceLevel
	}{
		{model.ImportanceFiller, 0.65, model.ImportanceMain},
		{model.ImportanceSecondary, 0.55, model.ImportanceSecondary},
		{model.ImportanceMain, 0.55, model.ImportanceMain},
		{model.ImportanceMain, 0.4, model.ImportanceSecondary},
		{model.ImportanceFiller, 0.25, model.ImportanceFiller},
		{model.ImportanceSecondary, 0.25, model.ImportanceSecondary},
		{model.ImportanceSecondary, 0.2, model.ImportanceFiller},
		{model.ImportanceMain, 0.1, model.ImportanceFiller},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, NextTier(c.from, c.score), "%s at %.2f", c.from, c.score)
	}
}

func TestNextTierIsIdempotent(t *testing.T) {
	tiers := []model.ImportanceLevel{model.ImportanceFiller, model.ImportanceSecondary, model.ImportanceMain}
	for _, tier := range tiers {
		for i := 0; i <= 100; i++ {
			s := float64(i) / 100
			once := NextTier(tier, s)
			assert.Equal(t, once, NextTier(once, s), "%s at %.2f", tier, s)
		}
	}
}

type memImportance struct {
	writes int
	levels map[string]model.ImportanceLevel
}

func (m *memImportance) UpdateImportance(_ context.Context, _, agentID string, level model.ImportanceLevel, _ float64) error {
	m.writes++
	m.levels[agentID] = level
	return nil
}

func TestRecalculateWritesOnlyChangedTiers(t *testing.T) {
	store := &memImportance{levels: map[string]model.ImportanceLevel{}}
	mgr := NewImportanceManager(store)

	members := []model.WorldAgent{
		{WorldID: "w1", AgentID: "a", IsActive: true, Importance: model.ImportanceFiller},
		{WorldID: "w1", AgentID: "b", IsActive: true, Importance: model.ImportanceSecondary},
		{WorldID: "w1", AgentID: "c", IsActive: false, Importance: model.ImportanceMain},
	}
	participation := map[string]int{"a": 10}
	rels := []model.Relation{{SubjectID: "a", TargetID: "b", Trust: 0.5, Affinity: 0.5, Respect: 0.5}}
	dir := &model.SceneDirection{SuggestedSpeakerID: "a"}

	changes, err := mgr.Recalculate(context.Background(), "w1", members, participation, rels, dir)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, model.ImportanceMain, store.levels["a"])
	assert.Equal(t, model.ImportanceFiller, store.levels["b"])
	_, touched := store.levels["c"]
	assert.False(t, touched)

	for i := range members {
		if lvl, ok := store.levels[members[i].AgentID]; ok {
			members[i].Importance = lvl
		}
	}
	changes, err = mgr.Recalculate(context.Background(), "w1", members, participation, rels, dir)
	require.NoError(t, err)
	assert.Empty(t, changes)
	assert.Equal(t, 2, store.writes)
}
