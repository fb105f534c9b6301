package narrative

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/chorus/internal/cache"
	"github.com/talgya/chorus/internal/entropy"
	"github.com/talgya/chorus/internal/model"
	"github.com/talgya/chorus/internal/notify"
)

func lines(speakers []string, contents []string, sentiment float64) []model.Interaction {
	out := make([]model.Interaction, len(speakers))
	for i := range speakers {
		out[i] = model.Interaction{
			ID:        fmt.Sprintf("i%d", i),
			SpeakerID: speakers[i],
			Content:   contents[i%len(contents)],
			Turn:      i + 1,
			Sentiment: sentiment,
		}
	}
	return out
}

func TestContentWordsDropsStopwords(t *testing.T) {
	words := ContentWords("Did you see the lighthouse keeper at the harbor?")
	assert.Contains(t, words, "lighthouse")
	assert.Contains(t, words, "harbor")
	assert.NotContains(t, words, "the")
	assert.NotContains(t, words, "you")
}

func TestSentimentDirection(t *testing.T) {
	assert.Greater(t, Sentiment("I love this, thank you, it is wonderful"), 0.0)
	assert.Less(t, Sentiment("You liar, I hate you and I blame you"), 0.0)
	assert.Equal(t, 0.0, Sentiment("The table is made of oak."))
}

func TestEmotionForTracksSentiment(t *testing.T) {
	e := EmotionFor("This is terrible! I hate it!", -0.9, model.Emotion{})
	assert.Less(t, e.Valence, 0.0)
	assert.Greater(t, e.Arousal, 0.3)
	assert.Contains(t, []string{"anger", "sadness"}, e.Dominant)
}

func TestAnalyzeFlagsRepetitionAndDominance(t *testing.T) {
	speakers := []string{"a", "a", "b", "a", "a", "a", "a", "a", "c", "a"}
	window := lines(speakers, []string{"the harbor lights are flickering again tonight"}, 0)

	r := Analyze(window, 3)
	assert.InDelta(t, 1.0, r.Metrics.Repetition, 1e-9)
	assert.True(t, r.Has(WarnRepetition, SeverityCritical))
	assert.True(t, r.Has(WarnDominance, SeverityHigh))
	assert.Less(t, r.Metrics.SpeakerBalance, 0.7)
	assert.Equal(t, 8, r.Participation["a"])

	worst := r.Worst()
	require.NotNil(t, worst)
	assert.Equal(t, SeverityCritical, worst.Severity)
}

func TestAnalyzeHealthyConversation(t *testing.T) {
	window := []model.Interaction{
		{SpeakerID: "a", Content: "Where did you find that strange brass compass?", Sentiment: 0.2},
		{SpeakerID: "b", Content: "Buried under the floorboards of my grandmother's cottage, wrapped in oilcloth.", Sentiment: 0.1},
		{SpeakerID: "c", Content: "Nonsense. Compasses like that belonged to smugglers, everyone knows it!", Sentiment: -0.4},
		{SpeakerID: "a", Content: "Are you calling her a smuggler? Careful.", Sentiment: -0.5},
		{SpeakerID: "b", Content: "Maybe she was. It would explain the locked cellar and the midnight visitors.", Sentiment: 0.0},
		{SpeakerID: "c", Content: "Then we should open that cellar before anyone else does.", Sentiment: 0.3},
	}
	r := Analyze(window, 3)
	assert.Less(t, r.Metrics.Repetition, 0.35)
	assert.InDelta(t, 1.0, r.Metrics.SpeakerBalance, 1e-9)
	assert.False(t, r.Has(WarnRepetition, SeverityMedium))
	assert.False(t, r.Has(WarnDominance, SeverityLow))
	for _, v := range []float64{r.Metrics.Repetition, r.Metrics.Tension, r.Metrics.Engagement, r.Metrics.SpeakerBalance} {
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 1.0)
	}
}

func TestAnalyzeFlatTension(t *testing.T) {
	speakers := make([]string, 12)
	contents := make([]string, 12)
	for i := range speakers {
		speakers[i] = []string{"a", "b", "c"}[i%3]
		contents[i] = fmt.Sprintf("remark number %d about item%d", i, i)
	}
	r := Analyze(lines(speakers, contents, 0), 3)
	assert.True(t, r.Has(WarnFlatTension, SeverityMedium))
}

func TestRegistryTracksTrend(t *testing.T) {
	reg := NewRegistry()
	a := reg.For("w1")
	assert.Same(t, a, reg.For("w1"))

	a.Analyze(lines([]string{"a", "b"}, []string{"calm words"}, 0), 2)
	r := a.Analyze(lines([]string{"a", "b"}, []string{"calm words"}, -1), 2)
	assert.Greater(t, r.TensionDelta, 0.0)

	reg.Forget("w1")
	assert.NotSame(t, a, reg.For("w1"))
}

func TestEvaluateNeedsWarnings(t *testing.T) {
	g := NewGenerator(entropy.NewFixed(0))
	roster := []Participant{{ID: "a", Name: "Ada"}, {ID: "b", Name: "Bram"}}
	assert.Nil(t, g.Evaluate(Report{}, roster, nil, 10))

	low := Report{Warnings: []Warning{{Kind: WarnFlatTension, Severity: SeverityLow}}}
	assert.Nil(t, g.Evaluate(low, roster, nil, 10))
}

func TestEvaluateCastsQuietCharacters(t *testing.T) {
	g := NewGenerator(entropy.NewFixed(0))
	g.Templates = []Template{DefaultTemplates[0]}
	roster := []Participant{{ID: "a", Name: "Ada"}, {ID: "b", Name: "Bram"}, {ID: "c", Name: "Cole"}}
	report := Report{Warnings: []Warning{{Kind: WarnDominance, Severity: SeverityHigh, AgentID: "a"}}}

	ev := g.Evaluate(report, roster, map[string]int{"a": 8, "b": 1, "c": 3}, 40)
	require.NotNil(t, ev)
	assert.Equal(t, []string{"b", "c"}, ev.InvolvedAgentIDs)
	assert.Equal(t, 40, ev.TriggerTurn)
	assert.Contains(t, ev.Prompt, "Bram")
	assert.NotContains(t, ev.Prompt, "{a}")
}

func TestEventExpiry(t *testing.T) {
	for trigger := 0; trigger < 50; trigger += 7 {
		ev := &model.ActiveEvent{TriggerTurn: trigger}
		assert.False(t, ev.Expired(trigger+2))
		assert.True(t, ev.Expired(trigger+3))
		assert.True(t, ev.Expired(trigger+10))
	}
}

type memEventStore struct{ events map[string]*model.ActiveEvent }

func (m *memEventStore) SetEmergentEvent(_ context.Context, id string, e *model.ActiveEvent) error {
	m.events[id] = e
	return nil
}

func TestApplierWritesEverywhere(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	c := cache.NewRedis(client, "t")
	c.SaveState(ctx, &model.CachedWorldState{World: model.World{ID: "w1"}})

	store := &memEventStore{events: map[string]*model.ActiveEvent{}}
	rec := &notify.Recorder{}
	app := &EventApplier{Store: store, Cache: c, Publisher: rec}

	ev := &model.ActiveEvent{TemplateID: "interrupt-storm", Prompt: "A storm breaks.", TriggerTurn: 20}
	require.NoError(t, app.Apply(ctx, "w1", ev))

	assert.Equal(t, ev, store.events["w1"])
	cached, ok := c.GetState(ctx, "w1")
	require.True(t, ok)
	require.NotNil(t, cached.World.EmergentEvent)
	assert.Equal(t, 20, cached.World.EmergentEvent.TriggerTurn)
	require.Len(t, c.TempEvents(ctx, "w1"), 1)
	assert.Len(t, rec.OfType(notify.TypeEmergentEvent), 1)

	require.NoError(t, app.Clear(ctx, "w1"))
	assert.Nil(t, store.events["w1"])
	cached, _ = c.GetState(ctx, "w1")
	assert.Nil(t, cached.World.EmergentEvent)
}
