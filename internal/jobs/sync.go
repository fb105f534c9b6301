package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/talgya/chorus/internal/cache"
	"github.com/talgya/chorus/internal/model"
)

// SyncStore is the store side of Sync.
type SyncStore interface {
	SyncSimulationState(ctx context.Context, s model.SimulationState) (*model.SimulationState, error)
}

// Sync converges dirty cached worlds into the store under each world's lock.
type Sync struct {
	Store SyncStore
	Cache cache.StateCache
	Owner string // Lock owner, distinct from the engine's; see LockOwner
}

func (j *Sync) Name() string { return "sync" }

func (j *Sync) Run(ctx context.Context) (Metrics, error) {
	var m Metrics
	if !j.Cache.Available() {
		return m, nil
	}
	ids, err := j.Cache.DirtyWorldIDs(ctx)
	if err != nil {
		return m, fmt.Errorf("list dirty worlds: %w", err)
	}
	for _, id := range ids {
		if m.abort(ctx) {
			break
		}
		m.Processed++
		synced, err := j.syncWorld(ctx, id)
		switch {
		case errors.Is(err, model.ErrLocked):
			m.Skipped++
		case errors.Is(err, model.ErrWorldNotFound):
			m.add("orphaned", 1)
		case err != nil:
			m.fail(id, err)
		case synced:
			m.Affected++
		default:
			m.Skipped++
		}
	}
	return m, nil
}

// syncWorld writes one world's cached state back. It reports whether anything was written.
func (j *Sync) syncWorld(ctx context.Context, worldID string) (bool, error) {
	ok, err := j.Cache.AcquireLock(ctx, worldID, j.Owner)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, model.ErrLocked
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, err := j.Cache.ReleaseLock(rctx, worldID, j.Owner); err != nil {
			slog.Warn("sync lock release failed", "world", worldID, "error", err)
		}
	}()

	cached, ok := j.Cache.GetState(ctx, worldID)
	if !ok {
		// The projection expired; there is nothing newer than the store left to write.
		j.Cache.ClearDirty(ctx, worldID)
		return false, nil
	}

	stored, err := j.Store.SyncSimulationState(ctx, cached.State)
	if errors.Is(err, model.ErrWorldNotFound) {
		slog.Warn("cached world missing from store, clearing cache", "world", worldID)
		if cerr := j.Cache.ClearWorldState(ctx, worldID); cerr != nil {
			return false, cerr
		}
		return false, err
	}
	if err != nil {
		return false, err
	}

	if stored.TotalInteractions != cached.State.TotalInteractions ||
		stored.ConsolidatedInteractions != cached.State.ConsolidatedInteractions {
		slog.Info("sync corrected cached totals", "world", worldID,
			"cached", cached.State.TotalInteractions, "stored", stored.TotalInteractions)
	}
	cached.State = *stored
	j.Cache.SaveState(ctx, cached)
	j.Cache.ClearDirty(ctx, worldID)
	return true, nil
}
