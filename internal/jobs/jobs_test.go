package jobs

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/chorus/internal/cache"
	"github.com/talgya/chorus/internal/entropy"
	"github.com/talgya/chorus/internal/llm"
	"github.com/talgya/chorus/internal/model"
	"github.com/talgya/chorus/internal/narrative"
	"github.com/talgya/chorus/internal/notify"
	"github.com/talgya/chorus/internal/persistence"
)

func openDB(t *testing.T) *persistence.DB {
	t.Helper()
	db, err := persistence.Open(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newRedis(t *testing.T) *cache.Redis {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return cache.NewRedis(client, "jobs")
}

func seedWorld(t *testing.T, db *persistence.DB, w *model.World) {
	t.Helper()
	ctx := context.Background()
	if w.Name == "" {
		w.Name = "Saltmarsh"
	}
	require.NoError(t, db.CreateWorld(ctx, w))
	for _, name := range []string{"Ada", "Bram", "Cole"} {
		a := &model.Agent{ID: w.ID + "-" + name, Name: name}
		require.NoError(t, db.SaveAgent(ctx, a))
		require.NoError(t, db.AddWorldAgent(ctx, model.WorldAgent{WorldID: w.ID, AgentID: a.ID, IsActive: true}))
	}
}

func record(t *testing.T, db *persistence.DB, worldID string, n int, content func(i int) string) {
	t.Helper()
	ctx := context.Background()
	base := time.Now().Add(-time.Duration(n) * time.Second)
	for i := 1; i <= n; i++ {
		require.NoError(t, db.RecordTurn(ctx, model.Interaction{
			ID:        fmt.Sprintf("%s-%05d", worldID, i),
			WorldID:   worldID,
			SpeakerID: worldID + "-Ada",
			Content:   content(i),
			Turn:      i,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}, &model.SimulationState{WorldID: worldID, CurrentTurn: i, TotalInteractions: i}))
	}
}

// funcJob adapts a function to Job.
type funcJob struct {
	name string
	run  func(ctx context.Context) (Metrics, error)
}

func (j funcJob) Name() string                             { return j.name }
func (j funcJob) Run(ctx context.Context) (Metrics, error) { return j.run(ctx) }

type countingAlerter struct {
	mu    sync.Mutex
	calls []int
}

func (a *countingAlerter) Alert(_ string, consecutive int, _ error) {
	a.mu.Lock()
	a.calls = append(a.calls, consecutive)
	a.mu.Unlock()
}

type fakeRunner struct {
	running map[string]bool
	paused  map[string]string
}

func (f *fakeRunner) IsRunning(id string) bool { return f.running[id] }

func (f *fakeRunner) PauseWithReason(_ context.Context, id, reason string) error {
	if f.paused == nil {
		f.paused = make(map[string]string)
	}
	f.paused[id] = reason
	return nil
}

func TestScheduleNext(t *testing.T) {
	now := time.Date(2026, 3, 10, 4, 30, 0, 0, time.UTC)

	assert.Equal(t, now.Add(5*time.Minute), Every(5*time.Minute).Next(now))
	assert.Equal(t, time.Date(2026, 3, 11, 3, 0, 0, 0, time.UTC), DailyAt(3, 0).Next(now))
	assert.Equal(t, time.Date(2026, 3, 10, 6, 15, 0, 0, time.UTC), DailyAt(6, 15).Next(now))

	s, err := ParseDaily("03:00")
	require.NoError(t, err)
	assert.Equal(t, "daily 03:00", s.String())
	_, err = ParseDaily("3am")
	assert.Error(t, err)
}

func TestManagerRejectsUnknownAndDuplicate(t *testing.T) {
	m := NewManager(nil)
	job := funcJob{name: "noop", run: func(context.Context) (Metrics, error) { return Metrics{}, nil }}
	require.NoError(t, m.Register(job, Every(time.Hour), 0))
	assert.ErrorIs(t, m.Register(job, Every(time.Hour), 0), ErrDuplicateJob)

	_, err := m.RunJobManually(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownJob)

	st, ok := m.Stats("noop")
	require.True(t, ok)
	assert.Equal(t, time.Hour, st.MaxDuration)
	assert.Equal(t, StateIdle, st.State)
}

func TestManagerDoesNotReenter(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var mu sync.Mutex
	runs := 0

	m := NewManager(nil)
	require.NoError(t, m.Register(funcJob{name: "slow", run: func(ctx context.Context) (Metrics, error) {
		mu.Lock()
		runs++
		mu.Unlock()
		close(started)
		<-release
		return Metrics{Processed: 7}, nil
	}}, Every(time.Hour), time.Minute))

	done := make(chan Metrics)
	go func() {
		got, _ := m.RunJobManually(context.Background(), "slow")
		done <- got
	}()
	<-started

	st, _ := m.Stats("slow")
	assert.Equal(t, StateRunning, st.State)

	again, err := m.RunJobManually(context.Background(), "slow")
	require.NoError(t, err)
	assert.Equal(t, 0, again.Processed)

	close(release)
	first := <-done
	assert.Equal(t, 7, first.Processed)

	mu.Lock()
	assert.Equal(t, 1, runs)
	mu.Unlock()
	st, _ = m.Stats("slow")
	assert.Equal(t, 1, st.Runs)
	require.NotNil(t, st.Last)
	assert.Equal(t, 7, st.Last.Processed)
}

func TestManagerAbortsAtMaxDuration(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.Register(funcJob{name: "long", run: func(ctx context.Context) (Metrics, error) {
		var metrics Metrics
		for {
			if metrics.abort(ctx) {
				return metrics, nil
			}
			metrics.Processed++
			time.Sleep(5 * time.Millisecond)
		}
	}}, Every(time.Hour), 30*time.Millisecond))

	got, err := m.RunJobManually(context.Background(), "long")
	require.NoError(t, err)
	assert.True(t, got.Aborted)
	assert.Positive(t, got.Processed)

	st, _ := m.Stats("long")
	assert.Equal(t, 0, st.Failures)
}

func TestManagerAlertsAfterConsecutiveFailures(t *testing.T) {
	alerter := &countingAlerter{}
	fail := true
	m := NewManager(alerter)
	require.NoError(t, m.Register(funcJob{name: "flaky", run: func(context.Context) (Metrics, error) {
		if fail {
			return Metrics{}, errors.New("store down")
		}
		return Metrics{}, nil
	}}, Every(time.Hour), 0))

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := m.RunJobManually(ctx, "flaky")
		assert.Error(t, err)
	}
	assert.Empty(t, alerter.calls)

	_, err := m.RunJobManually(ctx, "flaky")
	assert.Error(t, err)
	assert.Equal(t, []int{3}, alerter.calls)

	st, _ := m.Stats("flaky")
	assert.Equal(t, 3, st.ConsecutiveFailures)
	assert.Equal(t, "store down", st.LastError)

	fail = false
	_, err = m.RunJobManually(ctx, "flaky")
	require.NoError(t, err)
	st, _ = m.Stats("flaky")
	assert.Equal(t, 0, st.ConsecutiveFailures)
	assert.Equal(t, 3, st.Failures)
	assert.Equal(t, 4, st.Runs)
}

func TestManagerRunsOnSchedule(t *testing.T) {
	var mu sync.Mutex
	runs := 0
	m := NewManager(nil)
	require.NoError(t, m.Register(funcJob{name: "tick", run: func(context.Context) (Metrics, error) {
		mu.Lock()
		runs++
		mu.Unlock()
		return Metrics{}, nil
	}}, Every(10*time.Millisecond), time.Second))

	m.Start(context.Background())
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return runs >= 2
	}, 2*time.Second, 5*time.Millisecond)
	m.Stop()

	all := m.AllStats()
	require.Len(t, all, 1)
	assert.Equal(t, "tick", all[0].Name)
}

func TestSyncIsIdempotent(t *testing.T) {
	db := openDB(t)
	c := newRedis(t)
	ctx := context.Background()
	w := &model.World{ID: "w1"}
	seedWorld(t, db, w)
	record(t, db, "w1", 4, func(i int) string { return fmt.Sprintf("line %d", i) })

	// The cache claims more than the rows support; the store recomputes.
	c.SaveState(ctx, &model.CachedWorldState{
		World: *w,
		State: model.SimulationState{WorldID: "w1", CurrentTurn: 4, TotalInteractions: 6, LastSpeakerID: "w1-Bram"},
	})
	c.MarkDirty(ctx, "w1")

	job := &Sync{Store: db, Cache: c, Owner: "sync-test"}
	m, err := job.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Affected)
	assert.False(t, c.IsDirty(ctx, "w1"))

	first, err := db.GetSimulationState(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 4, first.TotalInteractions)
	assert.Equal(t, "w1-Bram", first.LastSpeakerID)

	cached, ok := c.GetState(ctx, "w1")
	require.True(t, ok)
	assert.Equal(t, 4, cached.State.TotalInteractions)

	m, err = job.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, m.Processed)

	second, err := db.GetSimulationState(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, first.TotalInteractions, second.TotalInteractions)
	assert.Equal(t, first.CurrentTurn, second.CurrentTurn)
	assert.Equal(t, first.LastSpeakerID, second.LastSpeakerID)
}

func TestSyncSkipsLockedAndClearsOrphans(t *testing.T) {
	db := openDB(t)
	c := newRedis(t)
	ctx := context.Background()
	seedWorld(t, db, &model.World{ID: "w1"})

	c.SaveState(ctx, &model.CachedWorldState{State: model.SimulationState{WorldID: "w1", TotalInteractions: 1}})
	c.MarkDirty(ctx, "w1")
	ok, err := c.AcquireLock(ctx, "w1", "engine")
	require.NoError(t, err)
	require.True(t, ok)

	c.SaveState(ctx, &model.CachedWorldState{State: model.SimulationState{WorldID: "ghost", TotalInteractions: 3}})
	c.MarkDirty(ctx, "ghost")

	m, err := (&Sync{Store: db, Cache: c, Owner: "sync-test"}).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Processed)
	assert.Equal(t, 1, m.Skipped)
	assert.Equal(t, 1, m.Details["orphaned"])

	assert.True(t, c.IsDirty(ctx, "w1"))
	_, ok = c.GetState(ctx, "ghost")
	assert.False(t, ok)
}

func TestJobLocksAreOwnedApartFromEngine(t *testing.T) {
	db := openDB(t)
	c := newRedis(t)
	ctx := context.Background()
	seedWorld(t, db, &model.World{ID: "w1"})
	c.SaveState(ctx, &model.CachedWorldState{State: model.SimulationState{WorldID: "w1", TotalInteractions: 1}})
	c.MarkDirty(ctx, "w1")

	job := &Sync{Store: db, Cache: c}
	job.Owner = LockOwner("node-1", job)
	assert.Equal(t, "node-1:sync", job.Owner)

	// An engine turn holds the world: the job skips it and leaves the lock alone.
	ok, err := c.AcquireLock(ctx, "w1", "node-1")
	require.NoError(t, err)
	require.True(t, ok)
	m, err := job.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Skipped)
	released, err := c.ReleaseLock(ctx, "w1", "node-1")
	require.NoError(t, err)
	assert.True(t, released, "engine still held its lock")

	// A lock the job holds survives the engine's release.
	ok, err = c.AcquireLock(ctx, "w1", job.Owner)
	require.NoError(t, err)
	require.True(t, ok)
	released, err = c.ReleaseLock(ctx, "w1", "node-1")
	require.NoError(t, err)
	assert.False(t, released)
	ok, err = c.AcquireLock(ctx, "w1", "node-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSyncWithoutCacheDoesNothing(t *testing.T) {
	m, err := (&Sync{Store: openDB(t), Cache: cache.Noop{}}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Metrics{}, m)
}

func TestCleanupOnEmptyCache(t *testing.T) {
	m, err := (&Cleanup{Cache: newRedis(t), Engine: &fakeRunner{}}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, m.Processed)
	assert.Equal(t, 0, m.Affected)
	assert.Equal(t, 0, m.Failed)
	assert.Equal(t, 0, m.Details["orphan_locks"])
}

func TestCleanupEvictsIdleCleanWorlds(t *testing.T) {
	c := newRedis(t)
	ctx := context.Background()
	old := time.Now().Add(-3 * time.Hour)

	c.SaveState(ctx, &model.CachedWorldState{State: model.SimulationState{WorldID: "idle"}, CachedAt: old})
	c.SaveState(ctx, &model.CachedWorldState{State: model.SimulationState{WorldID: "dirty"}, CachedAt: old})
	c.MarkDirty(ctx, "dirty")
	c.SaveState(ctx, &model.CachedWorldState{State: model.SimulationState{WorldID: "running"}, CachedAt: old})
	c.SaveState(ctx, &model.CachedWorldState{State: model.SimulationState{WorldID: "fresh"}})

	job := &Cleanup{Cache: c, Engine: &fakeRunner{running: map[string]bool{"running": true}}}
	m, err := job.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, m.Processed)
	assert.Equal(t, 1, m.Affected)
	assert.Equal(t, 2, m.Skipped)

	_, ok := c.GetState(ctx, "idle")
	assert.False(t, ok)
	for _, id := range []string{"dirty", "running", "fresh"} {
		_, ok := c.GetState(ctx, id)
		assert.True(t, ok, id)
	}
}

func TestAutoPausePrefersCacheActivity(t *testing.T) {
	db := openDB(t)
	c := newRedis(t)
	ctx := context.Background()
	stale := time.Now().Add(-30 * time.Hour)

	for _, id := range []string{"cached", "stored", "busy"} {
		seedWorld(t, db, &model.World{ID: id, Status: model.StatusRunning})
		require.NoError(t, db.TouchWorldActivity(ctx, id, stale))
	}
	c.TouchActivity(ctx, "cached", time.Now().Add(-10*time.Minute))

	runner := &fakeRunner{running: map[string]bool{"busy": true}}
	m, err := (&AutoPause{Store: db, Cache: c, Engine: runner}).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, m.Processed)
	assert.Equal(t, 1, m.Affected)
	assert.Equal(t, 1, m.Skipped)

	assert.Contains(t, runner.paused, "stored")
	assert.NotContains(t, runner.paused, "cached")
	assert.NotContains(t, runner.paused, "busy")
	assert.Contains(t, runner.paused["stored"], "inactive since")
}

func TestConsolidationBoundsInteractions(t *testing.T) {
	db := openDB(t)
	c := newRedis(t)
	ctx := context.Background()
	seedWorld(t, db, &model.World{ID: "w1"})
	record(t, db, "w1", 150, func(i int) string { return fmt.Sprintf("Ada recalls storm number %d.", i) })

	w, err := db.GetWorld(ctx, "w1")
	require.NoError(t, err)
	c.SaveState(ctx, &model.CachedWorldState{World: *w, State: model.SimulationState{WorldID: "w1", TotalInteractions: 150}})

	gen := llm.GeneratorFunc(func(ctx context.Context, prompt string, opts llm.Options) (llm.Result, error) {
		return llm.Result{Text: "Ada talked about storms for a long while."}, nil
	})
	dir := t.TempDir()
	job := &Consolidation{Store: db, Cache: c, Generator: gen, Archive: &Archive{Dir: dir}, Owner: "jobs", Above: 120}

	m, err := job.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Affected)
	assert.Equal(t, 50, m.Details["interactions_removed"])

	n, err := db.CountInteractions(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, DefaultKeepInteractions, n)

	st, err := db.GetSimulationState(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 150, st.TotalInteractions)
	assert.Equal(t, 50, st.ConsolidatedInteractions)

	w, err = db.GetWorld(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, w.Rules.Summaries, 1)
	sum := w.Rules.Summaries[0]
	assert.Equal(t, 1, sum.FromTurn)
	assert.Equal(t, 50, sum.ToTurn)
	assert.Equal(t, "Ada talked about storms for a long while.", sum.Text)
	assert.False(t, sum.Fallback)

	cached, ok := c.GetState(ctx, "w1")
	require.True(t, ok)
	assert.Equal(t, 50, cached.State.ConsolidatedInteractions)
	assert.Len(t, cached.World.Rules.Summaries, 1)

	archived, err := ReadArchive(filepath.Join(dir, "w1", "turns-00000001-00000050.jsonl.zst"))
	require.NoError(t, err)
	require.Len(t, archived, 50)
	assert.Equal(t, "Ada recalls storm number 1.", archived[0].Content)

	// Below the threshold now, so a second run changes nothing.
	m, err = job.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, m.Processed)
}

func TestConsolidationFallsBackWithoutGenerator(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	seedWorld(t, db, &model.World{ID: "w1"})
	record(t, db, "w1", 30, func(i int) string { return fmt.Sprintf("line %d", i) })

	job := &Consolidation{Store: db, Cache: cache.Noop{}, Owner: "jobs", Above: 20, Keep: 10}
	m, err := job.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Details["fallback_summaries"])

	w, err := db.GetWorld(ctx, "w1")
	require.NoError(t, err)
	require.Len(t, w.Rules.Summaries, 1)
	assert.True(t, w.Rules.Summaries[0].Fallback)
	assert.Contains(t, w.Rules.Summaries[0].Text, "Ada (20)")
}

func TestEmergentTriggersOnStaleScene(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	seedWorld(t, db, &model.World{ID: "w1", StoryMode: true, Status: model.StatusRunning})
	seedWorld(t, db, &model.World{ID: "w2", StoryMode: false, Status: model.StatusRunning})
	for _, id := range []string{"w1", "w2"} {
		record(t, db, id, 12, func(int) string { return "the harbor lights are flickering again tonight" })
	}

	rec := &notify.Recorder{}
	events := narrative.NewGenerator(entropy.NewFixed(0))
	job := &Emergent{
		Store:     db,
		Cache:     cache.Noop{},
		Analyzers: narrative.NewRegistry(),
		Events:    events,
		Applier:   &narrative.EventApplier{Store: db, Cache: cache.Noop{}, Publisher: rec},
		Owner:     "jobs",
	}
	m, err := job.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Processed)
	assert.Equal(t, 1, m.Affected)

	w, err := db.GetWorld(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, w.EmergentEvent)
	assert.Equal(t, 12, w.EmergentEvent.TriggerTurn)
	assert.Len(t, rec.OfType(notify.TypeEmergentEvent), 1)

	// The event is still active, so the next sweep leaves the world alone.
	m, err = job.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, m.Affected)
}
