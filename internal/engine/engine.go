// Package engine runs world simulations: one sequential turn loop per running world, each
// turn selecting a speaker, generating a line and persisting it under the world's lock.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/talgya/chorus/internal/cache"
	"github.com/talgya/chorus/internal/director"
	"github.com/talgya/chorus/internal/entropy"
	"github.com/talgya/chorus/internal/llm"
	"github.com/talgya/chorus/internal/memory"
	"github.com/talgya/chorus/internal/model"
	"github.com/talgya/chorus/internal/narrative"
	"github.com/talgya/chorus/internal/notify"
	"github.com/talgya/chorus/internal/persistence"
)

// Store is the durable state the engine reads and writes. *persistence.DB implements it.
type Store interface {
	GetWorld(ctx context.Context, id string) (*model.World, error)
	SetWorldStatus(ctx context.Context, id string, status model.WorldStatus, paused bool, reason string) error
	SetSceneDirection(ctx context.Context, id string, d *model.SceneDirection) error
	SetEmergentEvent(ctx context.Context, id string, e *model.ActiveEvent) error
	SetStoryArc(ctx context.Context, id string, arc model.StoryArc) error

	ListRoster(ctx context.Context, worldID string) ([]persistence.RosterEntry, error)
	SaveAgent(ctx context.Context, a *model.Agent) error
	AddWorldAgent(ctx context.Context, wa model.WorldAgent) error
	SetAgentActive(ctx context.Context, worldID, agentID string, active bool) error
	UpdateAgentEmotion(ctx context.Context, agentID string, e model.Emotion) error
	UpdateImportance(ctx context.Context, worldID, agentID string, level model.ImportanceLevel, score float64) error
	SetFocus(ctx context.Context, worldID string, agentIDs []string, until time.Time) error
	RelationsFor(ctx context.Context, agentIDs []string) ([]model.Relation, error)
	UpsertRelations(ctx context.Context, rels []model.Relation) error

	GetSimulationState(ctx context.Context, worldID string) (*model.SimulationState, error)
	UpsertSimulationState(ctx context.Context, s *model.SimulationState) error
	RecordTurn(ctx context.Context, in model.Interaction, state *model.SimulationState) error
	RecentInteractions(ctx context.Context, worldID string, limit int) ([]model.Interaction, error)
}

// Deps are the shared handles an engine is built from. Store and Cache are required.
type Deps struct {
	Store     Store
	Cache     cache.StateCache
	Publisher notify.Publisher
	Generator llm.Generator       // nil writes placeholder lines
	Director  *director.Director  // nil uses heuristics only
	Memory    *memory.Service     // nil disables episodic memory
	Events    *narrative.Generator
	Analyzers *narrative.Registry
	Rand      entropy.Source
}

// Options tune turn behavior.
type Options struct {
	Owner             string        // Lock owner id; random when empty
	Model             string        // Generation model override
	MaxTokens         int           // Per line
	Temperature       float64       // Per line
	GenerationTimeout time.Duration // Must stay below cache.LockTTL
	MinDelay          time.Duration // Floor for auto-mode intervals
	AnalysisEvery     int           // Analyze and consider events every N interactions
	MemoryRecall      int           // Memories shown to the speaker
	FocusTurnLength   time.Duration // Wall-clock length of one focused turn

	// ShouldDirectorEvaluate decides, from the interaction total, whether the director runs
	// after a turn.
	ShouldDirectorEvaluate func(total int) bool
}

// DefaultShouldDirectorEvaluate runs the director every 5 interactions early in a story and
// every 15 once it is established.
func DefaultShouldDirectorEvaluate(total int) bool {
	if total <= 0 {
		return false
	}
	if total < 50 {
		return total%5 == 0
	}
	return total%15 == 0
}

func (o *Options) normalize() {
	if o.Owner == "" {
		o.Owner = "engine-" + uuid.NewString()
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = 200
	}
	if o.Temperature <= 0 {
		o.Temperature = 0.9
	}
	if o.GenerationTimeout <= 0 || o.GenerationTimeout >= cache.LockTTL {
		o.GenerationTimeout = 90 * time.Second
	}
	if o.MinDelay <= 0 {
		o.MinDelay = 500 * time.Millisecond
	}
	if o.AnalysisEvery <= 0 {
		o.AnalysisEvery = 10
	}
	if o.MemoryRecall < 0 {
		o.MemoryRecall = 0
	}
	if o.FocusTurnLength <= 0 {
		o.FocusTurnLength = 10 * time.Second
	}
	if o.ShouldDirectorEvaluate == nil {
		o.ShouldDirectorEvaluate = DefaultShouldDirectorEvaluate
	}
}

// worldRun is the handle of one world's turn loop.
type worldRun struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Engine owns every running world in this process.
type Engine struct {
	deps       Deps
	opts       Options
	applier    *narrative.EventApplier
	importance *director.ImportanceManager

	base     context.Context
	shutdown context.CancelFunc

	mu      sync.Mutex
	runs    map[string]*worldRun
	turnMus map[string]*sync.Mutex
	wg      sync.WaitGroup

	now func() time.Time
}

// New builds an engine. Missing optional deps get working defaults.
func New(deps Deps, opts Options) *Engine {
	opts.normalize()
	if deps.Publisher == nil {
		deps.Publisher = notify.Discard{}
	}
	if deps.Cache == nil {
		deps.Cache = cache.Noop{}
	}
	if deps.Rand == nil {
		deps.Rand = entropy.Crypto{}
	}
	if deps.Events == nil {
		deps.Events = narrative.NewGenerator(deps.Rand)
	}
	if deps.Analyzers == nil {
		deps.Analyzers = narrative.NewRegistry()
	}
	if deps.Director == nil {
		deps.Director = director.New(nil, "", 0)
	}

	base, cancel := context.WithCancel(context.Background())
	return &Engine{
		deps:       deps,
		opts:       opts,
		applier:    &narrative.EventApplier{Store: deps.Store, Cache: deps.Cache, Publisher: deps.Publisher},
		importance: director.NewImportanceManager(deps.Store),
		base:       base,
		shutdown:   cancel,
		runs:       make(map[string]*worldRun),
		turnMus:    make(map[string]*sync.Mutex),
		now:        time.Now,
	}
}

// Owner is the id this engine takes world locks under.
func (e *Engine) Owner() string { return e.opts.Owner }

// Applier returns the event applier shared with the emergent events job.
func (e *Engine) Applier() *narrative.EventApplier { return e.applier }

// IsRunning reports whether this process has a turn loop for the world.
func (e *Engine) IsRunning(worldID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.runs[worldID]
	return ok
}

// RunningWorlds lists the worlds with an active turn loop.
func (e *Engine) RunningWorlds() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.runs))
	for id := range e.runs {
		ids = append(ids, id)
	}
	return ids
}

// StartSimulation marks a world RUNNING, executes one turn immediately and, in auto mode,
// keeps taking turns every InteractionDelay until paused or stopped.
func (e *Engine) StartSimulation(ctx context.Context, worldID string) error {
	run, err := e.reserve(worldID)
	if err != nil {
		return err
	}
	keep := false
	defer func() {
		if !keep {
			e.release(worldID, run)
		}
	}()

	w, err := e.deps.Store.GetWorld(ctx, worldID)
	if err != nil {
		return fmt.Errorf("start %s: %w", worldID, err)
	}
	if w.IsPaused {
		return fmt.Errorf("start %s: %w", worldID, model.ErrWorldPaused)
	}
	roster, err := e.deps.Store.ListRoster(ctx, worldID)
	if err != nil {
		return fmt.Errorf("start %s: %w", worldID, err)
	}
	active := 0
	for _, entry := range roster {
		if entry.Membership.IsActive {
			active++
		}
	}
	if active < 2 {
		return fmt.Errorf("start %s: %w", worldID, model.ErrInsufficientAgents)
	}

	unlock, err := e.lock(ctx, worldID)
	if err != nil {
		return fmt.Errorf("start %s: %w", worldID, err)
	}
	state, err := e.prepareRun(ctx, w)
	unlock()
	if err != nil {
		return fmt.Errorf("start %s: %w", worldID, err)
	}

	e.deps.Publisher.Publish(worldID, notify.Event{Type: notify.TypeStatus, Data: statusPayload(w, state)})
	slog.Info("simulation started", "world", worldID, "auto", w.AutoMode, "total", state.TotalInteractions)

	if err := e.ExecuteSimulationTurn(ctx, worldID); err != nil {
		slog.Warn("first turn failed", "world", worldID, "error", err)
	}

	if !w.AutoMode || !e.IsRunning(worldID) {
		return nil
	}
	keep = true
	delay := w.Delay()
	if delay < e.opts.MinDelay {
		delay = e.opts.MinDelay
	}
	e.wg.Add(1)
	go e.loop(worldID, delay, run)
	return nil
}

// prepareRun creates or resumes the world's state, flips it to RUNNING and seeds the cache.
func (e *Engine) prepareRun(ctx context.Context, w *model.World) (*model.SimulationState, error) {
	now := e.now()
	state, err := e.deps.Store.GetSimulationState(ctx, w.ID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		state = &model.SimulationState{WorldID: w.ID, StartedAt: now}
	} else {
		state.ResumedAt = now
		if state.StartedAt.IsZero() {
			state.StartedAt = now
		}
	}
	state.LastUpdated = now
	if err := e.deps.Store.UpsertSimulationState(ctx, state); err != nil {
		return nil, err
	}
	if err := e.deps.Store.SetWorldStatus(ctx, w.ID, model.StatusRunning, false, ""); err != nil {
		return nil, err
	}
	w.Status = model.StatusRunning
	w.IsPaused = false
	w.PauseReason = ""

	recent, err := e.deps.Store.RecentInteractions(ctx, w.ID, HistoryWindow)
	if err != nil {
		return nil, err
	}
	e.deps.Cache.SaveState(ctx, &model.CachedWorldState{World: *w, State: *state, Recent: recent, CachedAt: now})
	return state, nil
}

// loop takes a turn every interval until the run is cancelled.
func (e *Engine) loop(worldID string, every time.Duration, run *worldRun) {
	defer e.wg.Done()
	defer close(run.done)

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-run.ctx.Done():
			slog.Debug("turn loop exiting", "world", worldID)
			return
		case <-t.C:
			err := e.ExecuteSimulationTurn(run.ctx, worldID)
			switch {
			case err == nil:
			case errors.Is(err, context.Canceled):
				return
			case errors.Is(err, model.ErrLocked):
				slog.Debug("turn skipped, world locked elsewhere", "world", worldID)
			default:
				slog.Warn("turn failed", "world", worldID, "error", err)
			}
		}
	}
}

// PauseSimulation stops the world's turn loop and records it as PAUSED. Pausing a world
// that is not running only records the status.
func (e *Engine) PauseSimulation(ctx context.Context, worldID string) error {
	return e.PauseWithReason(ctx, worldID, "")
}

// PauseWithReason pauses a world and records why. A paused world needs ResumeWorld before it
// can start again. It waits for an in-flight turn so the turn's cache write cannot undo it.
func (e *Engine) PauseWithReason(ctx context.Context, worldID, reason string) error {
	e.halt(worldID)
	mu := e.turnMutex(worldID)
	mu.Lock()
	defer mu.Unlock()
	return e.transition(ctx, worldID, model.StatusPaused, true, reason)
}

// StopSimulation ends the world's run. A stopped world starts again with StartSimulation.
func (e *Engine) StopSimulation(ctx context.Context, worldID string) error {
	e.halt(worldID)
	mu := e.turnMutex(worldID)
	mu.Lock()
	defer mu.Unlock()
	return e.transition(ctx, worldID, model.StatusStopped, false, "")
}

// pause is PauseWithReason for callers already holding the world's turn mutex.
func (e *Engine) pause(ctx context.Context, worldID, reason string) error {
	e.halt(worldID)
	return e.transition(ctx, worldID, model.StatusPaused, true, reason)
}

// ResumeWorld clears the pause flag so StartSimulation may run the world again.
func (e *Engine) ResumeWorld(ctx context.Context, worldID string) error {
	mu := e.turnMutex(worldID)
	mu.Lock()
	defer mu.Unlock()

	w, err := e.deps.Store.GetWorld(ctx, worldID)
	if err != nil {
		return fmt.Errorf("resume %s: %w", worldID, err)
	}
	if err := e.deps.Store.SetWorldStatus(ctx, worldID, model.StatusPaused, false, ""); err != nil {
		return fmt.Errorf("resume %s: %w", worldID, err)
	}
	if cached, ok := e.deps.Cache.GetState(ctx, worldID); ok {
		cached.World.IsPaused = false
		cached.World.PauseReason = ""
		e.deps.Cache.SaveState(ctx, cached)
	}
	w.IsPaused = false
	w.PauseReason = ""
	e.deps.Publisher.Publish(worldID, notify.Event{Type: notify.TypeStatus, Data: statusPayload(w, nil)})
	return nil
}

// transition persists a terminal status with its timestamp. It is idempotent.
func (e *Engine) transition(ctx context.Context, worldID string, status model.WorldStatus, paused bool, reason string) error {
	w, err := e.deps.Store.GetWorld(ctx, worldID)
	if err != nil {
		return fmt.Errorf("%s %s: %w", status, worldID, err)
	}
	if err := e.deps.Store.SetWorldStatus(ctx, worldID, status, paused, reason); err != nil {
		return fmt.Errorf("%s %s: %w", status, worldID, err)
	}
	w.Status, w.IsPaused, w.PauseReason = status, paused, reason

	now := e.now()
	state, err := e.deps.Store.GetSimulationState(ctx, worldID)
	if err != nil {
		return fmt.Errorf("%s %s: %w", status, worldID, err)
	}
	if state != nil {
		if status == model.StatusStopped {
			state.StoppedAt = now
		} else {
			state.PausedAt = now
		}
		state.LastUpdated = now
		if err := e.deps.Store.UpsertSimulationState(ctx, state); err != nil {
			return fmt.Errorf("%s %s: %w", status, worldID, err)
		}
	}

	if cached, ok := e.deps.Cache.GetState(ctx, worldID); ok {
		cached.World.Status, cached.World.IsPaused, cached.World.PauseReason = status, paused, reason
		if state != nil {
			cached.State.PausedAt, cached.State.StoppedAt = state.PausedAt, state.StoppedAt
		}
		e.deps.Cache.SaveState(ctx, cached)
	}

	e.deps.Publisher.Publish(worldID, notify.Event{Type: notify.TypeStatus, Data: statusPayload(w, state)})
	slog.Info("simulation status changed", "world", worldID, "status", status, "reason", reason)
	return nil
}

// Shutdown cancels every turn loop and waits for in-flight turns, or for ctx.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	for id, run := range e.runs {
		run.cancel()
		delete(e.runs, id)
	}
	e.mu.Unlock()
	e.shutdown()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// reserve claims the world's run slot so concurrent starts see AlreadyRunning.
func (e *Engine) reserve(worldID string) (*worldRun, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.runs[worldID]; ok {
		return nil, fmt.Errorf("start %s: %w", worldID, model.ErrAlreadyRunning)
	}
	ctx, cancel := context.WithCancel(e.base)
	run := &worldRun{ctx: ctx, cancel: cancel, done: make(chan struct{})}
	e.runs[worldID] = run
	return run, nil
}

// release frees a reserved slot that never started a loop.
func (e *Engine) release(worldID string, run *worldRun) {
	e.mu.Lock()
	if e.runs[worldID] == run {
		delete(e.runs, worldID)
	}
	e.mu.Unlock()
	run.cancel()
}

// halt cancels the world's loop without waiting, so a turn may halt its own world.
func (e *Engine) halt(worldID string) {
	e.mu.Lock()
	run, ok := e.runs[worldID]
	delete(e.runs, worldID)
	e.mu.Unlock()
	if ok {
		run.cancel()
	}
}

// turnMutex returns the in-process mutex serializing a world's turns.
func (e *Engine) turnMutex(worldID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.turnMus[worldID]
	if !ok {
		m = &sync.Mutex{}
		e.turnMus[worldID] = m
	}
	return m
}

// lock takes the world's distributed lock once. When the cache is down the engine runs
// store-only under its in-process mutex.
func (e *Engine) lock(ctx context.Context, worldID string) (func(), error) {
	ok, err := e.deps.Cache.AcquireLock(ctx, worldID, e.opts.Owner)
	if err != nil {
		if errors.Is(err, model.ErrCacheUnavailable) {
			slog.Warn("lock unavailable, continuing store-only", "world", worldID, "error", err)
			return func() {}, nil
		}
		return nil, err
	}
	if !ok {
		return nil, model.ErrLocked
	}
	return func() {
		// Release must outlive a cancelled turn context.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := e.deps.Cache.ReleaseLock(rctx, worldID, e.opts.Owner); err != nil {
			slog.Warn("lock release failed", "world", worldID, "error", err)
		}
	}, nil
}

// heartbeat refreshes the world's lock every third of its TTL until stop is closed.
func (e *Engine) heartbeat(ctx context.Context, worldID string, stop <-chan struct{}) {
	t := time.NewTicker(cache.LockTTL / 3)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			ok, err := e.deps.Cache.RefreshLock(ctx, worldID, e.opts.Owner)
			if err != nil {
				slog.Warn("lock refresh failed", "world", worldID, "error", err)
			} else if !ok {
				slog.Error("lock lost during turn", "world", worldID)
			}
		}
	}
}

func statusPayload(w *model.World, s *model.SimulationState) map[string]any {
	p := map[string]any{
		"status":    w.Status,
		"is_paused": w.IsPaused,
	}
	if w.PauseReason != "" {
		p["pause_reason"] = w.PauseReason
	}
	if s != nil {
		p["total_interactions"] = s.TotalInteractions
	}
	return p
}
