package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/chorus/internal/cache"
	"github.com/talgya/chorus/internal/entropy"
	"github.com/talgya/chorus/internal/llm"
	"github.com/talgya/chorus/internal/memory"
	"github.com/talgya/chorus/internal/model"
	"github.com/talgya/chorus/internal/notify"
	"github.com/talgya/chorus/internal/persistence"
)

type fixture struct {
	engine *Engine
	db     *persistence.DB
	events *notify.Recorder
}

func newFixture(t *testing.T, gen llm.Generator, c cache.StateCache) *fixture {
	t.Helper()
	db, err := persistence.Open(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	rec := &notify.Recorder{}
	e := New(Deps{
		Store:     db,
		Cache:     c,
		Publisher: rec,
		Generator: gen,
		Memory:    memory.NewService(db, nil),
		Rand:      entropy.NewFixed(),
	}, Options{Owner: "test-engine", MemoryRecall: 3})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.Shutdown(ctx)
	})
	return &fixture{engine: e, db: db, events: rec}
}

func (f *fixture) seed(t *testing.T, w *model.World, names ...string) {
	t.Helper()
	ctx := context.Background()
	if w.Name == "" {
		w.Name = "Saltmarsh"
	}
	require.NoError(t, f.db.CreateWorld(ctx, w))
	for _, name := range names {
		a := &model.Agent{ID: w.ID + "-" + name, Name: name, Personality: model.Personality{Extraversion: 0.5}}
		require.NoError(t, f.db.SaveAgent(ctx, a))
		require.NoError(t, f.db.AddWorldAgent(ctx, model.WorldAgent{WorldID: w.ID, AgentID: a.ID, IsActive: true}))
	}
}

// counting returns a generator producing distinct lines.
func counting() llm.Generator {
	var n atomic.Int64
	return llm.GeneratorFunc(func(ctx context.Context, prompt string, opts llm.Options) (llm.Result, error) {
		i := n.Add(1)
		return llm.Result{Text: fmt.Sprintf("Line %d about the lanterns on the pier.", i)}, nil
	})
}

func TestScoreCandidatesExcludesLastSpeaker(t *testing.T) {
	in := SpeakerInput{
		Candidates: []Candidate{
			{ID: "a", Name: "Ada", Participation: 5},
			{ID: "b", Name: "Bram", Participation: 1},
			{ID: "c", Name: "Cole", Participation: 0},
		},
		LastSpeakerID: "a",
	}
	scored := ScoreCandidates(in)
	require.Len(t, scored, 2)
	for _, s := range scored {
		assert.NotEqual(t, "a", s.ID)
	}
	assert.Equal(t, "c", scored[0].ID)
}

func TestMentionedAgentReachesLotteryPool(t *testing.T) {
	var cands []Candidate
	for _, name := range []string{"Ada", "Bram", "Cole", "Dora", "Eli"} {
		cands = append(cands, Candidate{ID: name, Name: name, Participation: 2, Arousal: 0.5, Extraversion: 0.5})
	}
	cands[3].Arousal = 1
	cands[4].Arousal = 1

	scored := ScoreCandidates(SpeakerInput{
		Candidates:    cands,
		LastSpeakerID: "Ada",
		LastMessage:   "What do you think, bram?",
	})
	require.Len(t, scored, 4)
	top := []string{scored[0].ID, scored[1].ID, scored[2].ID}
	assert.Contains(t, top, "Bram")
	assert.NotContains(t, top, "Ada")
	assert.Equal(t, "Bram", scored[0].ID)
}

func TestSelectSpeaker(t *testing.T) {
	only := []Candidate{{ID: "a", Name: "Ada"}}
	got, ok := SelectSpeaker(SpeakerInput{Candidates: only, LastSpeakerID: "a"}, entropy.NewFixed())
	require.True(t, ok)
	assert.Equal(t, "a", got.ID)

	_, ok = SelectSpeaker(SpeakerInput{}, entropy.NewFixed())
	assert.False(t, ok)

	cands := []Candidate{
		{ID: "a", Name: "Ada", Participation: 4},
		{ID: "b", Name: "Bram", Participation: 0, Arousal: 1},
		{ID: "c", Name: "Cole", Participation: 1},
		{ID: "d", Name: "Dora", Participation: 3},
		{ID: "e", Name: "Eli", Participation: 4},
	}
	in := SpeakerInput{Candidates: cands, LastSpeakerID: "e"}
	scored := ScoreCandidates(in)
	pool := map[string]bool{scored[0].ID: true, scored[1].ID: true, scored[2].ID: true}

	first, ok := SelectSpeaker(in, entropy.NewFixed(0))
	require.True(t, ok)
	assert.Equal(t, scored[0].ID, first.ID)

	for _, v := range []float64{0.2, 0.5, 0.8, 0.999} {
		got, ok := SelectSpeaker(in, entropy.NewFixed(v))
		require.True(t, ok)
		assert.True(t, pool[got.ID], "draw %.3f picked %s outside the top three", v, got.ID)
		assert.NotEqual(t, "e", got.ID)
	}
}

func TestSuggestedSpeakerWins(t *testing.T) {
	cands := []Candidate{
		{ID: "a", Name: "Ada", Participation: 0, Arousal: 1, Extraversion: 1},
		{ID: "b", Name: "Bram", Participation: 3},
	}
	scored := ScoreCandidates(SpeakerInput{
		Candidates: cands,
		Direction:  &model.SceneDirection{SuggestedSpeakerID: "b"},
	})
	assert.Equal(t, "b", scored[0].ID)
}

func TestMentionsWholeWordsOnly(t *testing.T) {
	cands := []Candidate{{ID: "a", Name: "Ada"}, {ID: "b", Name: "Bram"}, {ID: "m", Name: "Mary Ann"}}

	got := Mentions("Adamant as ever, ADA? The bramble is thick. Ask mary ann.", cands)
	assert.Equal(t, map[string]bool{"a": true, "m": true}, got)
	assert.Empty(t, Mentions("", cands))
	assert.Empty(t, Mentions("nobody here", nil))
}

func TestActiveDirectionDropsStaleSuggestion(t *testing.T) {
	w := model.World{SceneDirection: &model.SceneDirection{SuggestedSpeakerID: "b", Tone: "tense", DecidedAtTurn: 10}}
	assert.Equal(t, "b", activeDirection(w, 11).SuggestedSpeakerID)
	stale := activeDirection(w, 13)
	assert.Empty(t, stale.SuggestedSpeakerID)
	assert.Equal(t, "tense", stale.Tone)
	assert.Equal(t, "b", w.SceneDirection.SuggestedSpeakerID)
}

func TestPushDistinct(t *testing.T) {
	got := pushDistinct([]string{"a", "b", "c"}, "a", 3)
	assert.Equal(t, []string{"b", "c", "a"}, got)
	got = pushDistinct(got, "d", 3)
	assert.Equal(t, []string{"c", "a", "d"}, got)
}

func TestBondUpdates(t *testing.T) {
	now := time.Now()
	rels := bondUpdates(nil, "a", "b", map[string]bool{"c": true}, 0.5, now)
	require.Len(t, rels, 3)
	byKey := map[[2]string]model.Relation{}
	for _, r := range rels {
		byKey[[2]string{r.SubjectID, r.TargetID}] = r
	}
	ab, ok := byKey[[2]string{"a", "b"}]
	require.True(t, ok)
	ac := byKey[[2]string{"a", "c"}]
	assert.Greater(t, ac.Respect, ab.Respect)
	assert.Equal(t, 1, ab.Interactions)
	assert.Equal(t, model.StageStranger, ab.Stage)

	r := newRelation("a", "b", now)
	for i := 0; i < 30; i++ {
		strengthenBond(&r, 1, true, now)
	}
	assert.Equal(t, model.StageCloseFriend, r.Stage)
	for i := 0; i < 40; i++ {
		strengthenBond(&r, -1, false, now)
	}
	assert.Equal(t, model.StageRival, r.Stage)
}

func TestTurnTotalsMatchRows(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, counting(), cache.Noop{})
	f.seed(t, &model.World{ID: "w1"}, "Ada", "Bram", "Cole")

	for i := 0; i < 7; i++ {
		require.NoError(t, f.engine.ExecuteSimulationTurn(ctx, "w1"))
	}

	rows, err := f.db.CountInteractions(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 7, rows)

	st, err := f.db.GetSimulationState(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, 7, st.TotalInteractions)

	synced, err := f.db.SyncSimulationState(ctx, *st)
	require.NoError(t, err)
	assert.Equal(t, rows, synced.TotalInteractions)

	recent, err := f.db.RecentInteractions(ctx, "w1", 10)
	require.NoError(t, err)
	for i := 1; i < len(recent); i++ {
		assert.NotEqual(t, recent[i-1].SpeakerID, recent[i].SpeakerID, "speaker repeated at turn %d", recent[i].Turn)
		assert.Equal(t, recent[i-1].Turn+1, recent[i].Turn)
	}
	assert.Len(t, f.events.OfType(notify.TypeInteraction), 7)
	// Turn 5 runs the director.
	assert.NotEmpty(t, f.events.OfType(notify.TypeSceneDirection))

	w, err := f.db.GetWorld(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, w.SceneDirection)
	assert.Equal(t, 5, w.SceneDirection.DecidedAtTurn)
	assert.Greater(t, w.Rules.Arc.Progress, 0.0)
}

func TestGenerationFailureWritesPlaceholder(t *testing.T) {
	ctx := context.Background()
	failing := llm.GeneratorFunc(func(ctx context.Context, prompt string, opts llm.Options) (llm.Result, error) {
		return llm.Result{}, errors.New("upstream 529")
	})
	f := newFixture(t, failing, cache.Noop{})
	f.seed(t, &model.World{ID: "w1"}, "Ada", "Bram")

	require.NoError(t, f.engine.ExecuteSimulationTurn(ctx, "w1"))

	recent, err := f.db.RecentInteractions(ctx, "w1", 5)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.True(t, recent[0].Placeholder)
	assert.Contains(t, recent[0].Content, "pauses")

	st, err := f.db.GetSimulationState(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.TotalInteractions)
}

func TestTurnBuildsRelationsAndMemories(t *testing.T) {
	ctx := context.Background()
	gen := llm.GeneratorFunc(func(ctx context.Context, prompt string, opts llm.Options) (llm.Result, error) {
		return llm.Result{Text: "I love how Cole keeps the lanterns lit, thank you!"}, nil
	})
	f := newFixture(t, gen, cache.Noop{})
	f.seed(t, &model.World{ID: "w1"}, "Ada", "Bram", "Cole")

	require.NoError(t, f.engine.ExecuteSimulationTurn(ctx, "w1"))
	require.NoError(t, f.engine.ExecuteSimulationTurn(ctx, "w1"))

	rels, err := f.db.RelationsFor(ctx, []string{"w1-Ada", "w1-Bram", "w1-Cole"})
	require.NoError(t, err)
	assert.NotEmpty(t, rels)
	assert.NotEmpty(t, f.events.OfType(notify.TypeRelationUpdate))

	remembered := 0
	for _, id := range []string{"w1-Ada", "w1-Bram", "w1-Cole"} {
		n, err := f.db.CountMemories(ctx, id)
		require.NoError(t, err)
		remembered += n
	}
	assert.GreaterOrEqual(t, remembered, 2)
}

func TestPausedWorldRefusesTurns(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, counting(), cache.Noop{})
	f.seed(t, &model.World{ID: "w1"}, "Ada", "Bram")
	require.NoError(t, f.db.SetWorldStatus(ctx, "w1", model.StatusPaused, true, "operator"))

	err := f.engine.ExecuteSimulationTurn(ctx, "w1")
	assert.ErrorIs(t, err, model.ErrWorldPaused)

	err = f.engine.StartSimulation(ctx, "w1")
	assert.ErrorIs(t, err, model.ErrWorldPaused)

	rows, err := f.db.CountInteractions(ctx, "w1")
	require.NoError(t, err)
	assert.Zero(t, rows)
}

func TestStartNeedsTwoActiveAgents(t *testing.T) {
	f := newFixture(t, counting(), cache.Noop{})
	f.seed(t, &model.World{ID: "w1"}, "Ada")

	err := f.engine.StartSimulation(context.Background(), "w1")
	assert.ErrorIs(t, err, model.ErrInsufficientAgents)
	assert.False(t, f.engine.IsRunning("w1"))
}

func TestStartTwiceAndPause(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, counting(), cache.Noop{})
	f.seed(t, &model.World{ID: "w1", AutoMode: true, InteractionDelay: int64(time.Hour / time.Millisecond)}, "Ada", "Bram")

	require.NoError(t, f.engine.StartSimulation(ctx, "w1"))
	assert.True(t, f.engine.IsRunning("w1"))
	assert.Equal(t, []string{"w1"}, f.engine.RunningWorlds())

	err := f.engine.StartSimulation(ctx, "w1")
	assert.ErrorIs(t, err, model.ErrAlreadyRunning)

	rows, err := f.db.CountInteractions(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 1, rows, "start runs one turn immediately")

	require.NoError(t, f.engine.PauseSimulation(ctx, "w1"))
	assert.False(t, f.engine.IsRunning("w1"))

	w, err := f.db.GetWorld(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPaused, w.Status)
	assert.True(t, w.IsPaused)

	assert.ErrorIs(t, f.engine.StartSimulation(ctx, "w1"), model.ErrWorldPaused)
	require.NoError(t, f.engine.ResumeWorld(ctx, "w1"))
	require.NoError(t, f.engine.StartSimulation(ctx, "w1"))
	require.NoError(t, f.engine.StopSimulation(ctx, "w1"))

	w, err = f.db.GetWorld(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusStopped, w.Status)
	assert.False(t, w.IsPaused)
}

func TestManualStartReleasesSlot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, counting(), cache.Noop{})
	f.seed(t, &model.World{ID: "w1"}, "Ada", "Bram")

	require.NoError(t, f.engine.StartSimulation(ctx, "w1"))
	assert.False(t, f.engine.IsRunning("w1"))
	require.NoError(t, f.engine.StartSimulation(ctx, "w1"))

	rows, err := f.db.CountInteractions(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 2, rows)
}

func TestInteractionLimitStopsWorld(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, counting(), cache.Noop{})
	f.seed(t, &model.World{ID: "w1", MaxInteractions: 2}, "Ada", "Bram")

	for i := 0; i < 3; i++ {
		require.NoError(t, f.engine.ExecuteSimulationTurn(ctx, "w1"))
	}
	rows, err := f.db.CountInteractions(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 2, rows)

	w, err := f.db.GetWorld(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusStopped, w.Status)
}

func newRedisCache(t *testing.T) (*cache.Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return cache.NewRedis(client, "test"), mr
}

func TestTurnWritesThroughCache(t *testing.T) {
	ctx := context.Background()
	rc, _ := newRedisCache(t)
	f := newFixture(t, counting(), rc)
	f.seed(t, &model.World{ID: "w1"}, "Ada", "Bram")

	require.NoError(t, f.engine.ExecuteSimulationTurn(ctx, "w1"))
	cached, ok := rc.GetState(ctx, "w1")
	require.True(t, ok)
	assert.Equal(t, 1, cached.State.TotalInteractions)
	assert.Len(t, cached.Recent, 1)
	assert.True(t, rc.IsDirty(ctx, "w1"))

	// The second turn reads its context from the cache.
	require.NoError(t, f.engine.ExecuteSimulationTurn(ctx, "w1"))
	cached, ok = rc.GetState(ctx, "w1")
	require.True(t, ok)
	assert.Equal(t, 2, cached.State.TotalInteractions)
	assert.Len(t, cached.Recent, 2)
	assert.NotEqual(t, cached.Recent[0].SpeakerID, cached.Recent[1].SpeakerID)

	_, held := rc.GetLastActivity(ctx, "w1")
	assert.True(t, held)
}

func TestLockedWorldSkipsTurn(t *testing.T) {
	ctx := context.Background()
	rc, _ := newRedisCache(t)
	f := newFixture(t, counting(), rc)
	f.seed(t, &model.World{ID: "w1"}, "Ada", "Bram")

	ok, err := rc.AcquireLock(ctx, "w1", "someone-else")
	require.NoError(t, err)
	require.True(t, ok)

	err = f.engine.ExecuteSimulationTurn(ctx, "w1")
	assert.ErrorIs(t, err, model.ErrLocked)

	_, err = rc.ReleaseLock(ctx, "w1", "someone-else")
	require.NoError(t, err)
	require.NoError(t, f.engine.ExecuteSimulationTurn(ctx, "w1"))

	ok, err = rc.AcquireLock(ctx, "w1", "after")
	require.NoError(t, err)
	assert.True(t, ok, "turn released its lock")
}

func TestTempEventsAreConsumed(t *testing.T) {
	ctx := context.Background()
	rc, _ := newRedisCache(t)
	var prompts []string
	gen := llm.GeneratorFunc(func(ctx context.Context, prompt string, opts llm.Options) (llm.Result, error) {
		prompts = append(prompts, prompt)
		return llm.Result{Text: "Did you hear that?"}, nil
	})
	f := newFixture(t, gen, rc)
	f.seed(t, &model.World{ID: "w1"}, "Ada", "Bram")

	rc.PushTempEvent(ctx, "w1", cache.TempEvent{Prompt: "A bell rings out over the water.",
		AddedAt: time.Now().Add(-time.Minute)})

	require.NoError(t, f.engine.ExecuteSimulationTurn(ctx, "w1"))
	require.NoError(t, f.engine.ExecuteSimulationTurn(ctx, "w1"))
	require.Len(t, prompts, 2)
	assert.Contains(t, prompts[0], "A bell rings out")
	assert.NotContains(t, prompts[1], "A bell rings out")
	assert.Empty(t, rc.TempEvents(ctx, "w1"))
}

func TestJoinAndLeaveWorld(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, counting(), cache.Noop{})
	f.seed(t, &model.World{ID: "w1"}, "Ada")

	assert.ErrorIs(t, f.engine.StartSimulation(ctx, "w1"), model.ErrInsufficientAgents)

	cole := &model.Agent{Name: "Cole"}
	require.NoError(t, f.engine.JoinWorld(ctx, "w1", cole))
	assert.NotEmpty(t, cole.ID)
	require.Len(t, f.events.OfType(notify.TypeAgentJoined), 1)

	require.NoError(t, f.engine.ExecuteSimulationTurn(ctx, "w1"))

	require.NoError(t, f.engine.LeaveWorld(ctx, "w1", cole.ID))
	require.Len(t, f.events.OfType(notify.TypeAgentLeft), 1)

	require.NoError(t, f.engine.ExecuteSimulationTurn(ctx, "w1"))
	w, err := f.db.GetWorld(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, w.IsPaused)
	assert.Equal(t, "fewer than 2 active agents", w.PauseReason)

	rows, err := f.db.CountInteractions(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 1, rows)

	assert.ErrorIs(t, f.engine.JoinWorld(ctx, "missing", &model.Agent{Name: "Dee"}), model.ErrWorldNotFound)
}

func TestPauseDuringTurnSurvivesTurnWrite(t *testing.T) {
	ctx := context.Background()
	rc, _ := newRedisCache(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int64
	gen := llm.GeneratorFunc(func(ctx context.Context, prompt string, opts llm.Options) (llm.Result, error) {
		if calls.Add(1) == 2 {
			close(entered)
			<-release
		}
		return llm.Result{Text: "The tide is turning early tonight."}, nil
	})
	f := newFixture(t, gen, rc)
	f.seed(t, &model.World{ID: "w1"}, "Ada", "Bram")

	// The first turn fills the cache so the second reads its context from there.
	require.NoError(t, f.engine.ExecuteSimulationTurn(ctx, "w1"))

	turnErr := make(chan error, 1)
	go func() { turnErr <- f.engine.ExecuteSimulationTurn(ctx, "w1") }()
	<-entered

	pauseErr := make(chan error, 1)
	go func() { pauseErr <- f.engine.PauseWithReason(ctx, "w1", "operator") }()
	time.Sleep(50 * time.Millisecond)
	close(release)

	require.NoError(t, <-turnErr)
	require.NoError(t, <-pauseErr)

	cached, ok := rc.GetState(ctx, "w1")
	require.True(t, ok)
	assert.True(t, cached.World.IsPaused)
	assert.Equal(t, model.StatusPaused, cached.World.Status)
	assert.Equal(t, "operator", cached.World.PauseReason)

	err := f.engine.ExecuteSimulationTurn(ctx, "w1")
	assert.ErrorIs(t, err, model.ErrWorldPaused)

	rows, err := f.db.CountInteractions(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 2, rows)
}

func TestTurnKeepsPauseRecordedElsewhere(t *testing.T) {
	ctx := context.Background()
	rc, _ := newRedisCache(t)
	paused := false
	var f *fixture
	gen := llm.GeneratorFunc(func(ctx context.Context, prompt string, opts llm.Options) (llm.Result, error) {
		if !paused {
			paused = true
			// Another process pauses the world in the store only.
			require.NoError(t, f.db.SetWorldStatus(ctx, "w1", model.StatusPaused, true, "remote"))
		}
		return llm.Result{Text: "Someone left the gate open."}, nil
	})
	f = newFixture(t, gen, rc)
	f.seed(t, &model.World{ID: "w1"}, "Ada", "Bram")

	require.NoError(t, f.engine.ExecuteSimulationTurn(ctx, "w1"))
	cached, ok := rc.GetState(ctx, "w1")
	require.True(t, ok)
	assert.True(t, cached.World.IsPaused)
	assert.Equal(t, "remote", cached.World.PauseReason)

	assert.ErrorIs(t, f.engine.ExecuteSimulationTurn(ctx, "w1"), model.ErrWorldPaused)
}

func TestEmergentEventExpiresAfterLifetime(t *testing.T) {
	ctx := context.Background()
	rc, _ := newRedisCache(t)
	f := newFixture(t, counting(), rc)
	f.seed(t, &model.World{ID: "w1"}, "Ada", "Bram")
	require.NoError(t, f.db.SetEmergentEvent(ctx, "w1", &model.ActiveEvent{
		TemplateID:  "fog-rolls-in",
		Kind:        model.EventDisturbance,
		Name:        "Fog rolls in",
		Prompt:      "A thick fog swallows the harbor.",
		TriggerTurn: 0,
		CreatedAt:   time.Now(),
	}))

	for turn := 1; turn <= model.EventLifetimeTurns; turn++ {
		require.NoError(t, f.engine.ExecuteSimulationTurn(ctx, "w1"))
		w, err := f.db.GetWorld(ctx, "w1")
		require.NoError(t, err)
		cached, ok := rc.GetState(ctx, "w1")
		require.True(t, ok)
		if turn < model.EventLifetimeTurns {
			assert.NotNil(t, w.EmergentEvent, "turn %d", turn)
			assert.NotNil(t, cached.World.EmergentEvent, "turn %d", turn)
			continue
		}
		assert.Nil(t, w.EmergentEvent, "cleared by the turn that ends its lifetime")
		assert.Nil(t, cached.World.EmergentEvent)
	}
}
