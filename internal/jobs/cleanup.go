package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/talgya/chorus/internal/cache"
)

// Runner is the engine as the jobs see it.
type Runner interface {
	IsRunning(worldID string) bool
	PauseWithReason(ctx context.Context, worldID, reason string) error
}

// Cleanup evicts the cached state of idle worlds, sweeps orphan locks and prunes old temp
// events. It does nothing without a live cache.
type Cleanup struct {
	Cache         cache.StateCache
	Engine        Runner
	InactiveAfter time.Duration // Default 1h
	TempEventAge  time.Duration // Default 1h

	now func() time.Time
}

func (j *Cleanup) Name() string { return "cleanup" }

func (j *Cleanup) Run(ctx context.Context) (Metrics, error) {
	var m Metrics
	if !j.Cache.Available() {
		slog.Debug("cleanup skipped, no live cache")
		return m, nil
	}
	inactive := j.InactiveAfter
	if inactive <= 0 {
		inactive = time.Hour
	}
	eventAge := j.TempEventAge
	if eventAge <= 0 {
		eventAge = cache.TempEventTTL
	}
	now := time.Now()
	if j.now != nil {
		now = j.now()
	}

	ids, err := j.Cache.ActiveWorldIDs(ctx)
	if err != nil {
		return m, fmt.Errorf("list cached worlds: %w", err)
	}
	for _, id := range ids {
		if m.abort(ctx) {
			return m, nil
		}
		m.Processed++
		if j.Engine != nil && j.Engine.IsRunning(id) {
			m.Skipped++
			continue
		}
		// Dirty state waits for Sync so nothing unsynced is dropped.
		if j.Cache.IsDirty(ctx, id) {
			m.Skipped++
			continue
		}
		last, ok := j.Cache.GetLastActivity(ctx, id)
		if ok && now.Sub(last) <= inactive {
			continue
		}
		if err := j.Cache.ClearWorldState(ctx, id); err != nil {
			m.fail(id, err)
			continue
		}
		m.Affected++
		slog.Debug("evicted idle world from cache", "world", id)
	}

	locks, err := j.Cache.CleanupOrphanLocks(ctx)
	if err != nil {
		m.fail("locks", err)
	}
	m.add("orphan_locks", locks)

	eventWorlds, err := j.Cache.TempEventWorldIDs(ctx)
	if err != nil {
		m.fail("temp-events", err)
	}
	pruned := 0
	for _, id := range eventWorlds {
		if m.abort(ctx) {
			break
		}
		n, err := j.Cache.PruneTempEvents(ctx, id, eventAge)
		if err != nil {
			m.fail(id, err)
			continue
		}
		pruned += n
	}
	m.add("temp_events_pruned", pruned)
	return m, nil
}
