package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/talgya/chorus/internal/cache"
	"github.com/talgya/chorus/internal/model"
	"github.com/talgya/chorus/internal/narrative"
	"github.com/talgya/chorus/internal/persistence"
)

const emergentWindow = 20

// EmergentStore is the store side of the emergent event sweep.
type EmergentStore interface {
	ListStoryWorlds(ctx context.Context) ([]*model.World, error)
	ListRoster(ctx context.Context, worldID string) ([]persistence.RosterEntry, error)
	RecentInteractions(ctx context.Context, worldID string, limit int) ([]model.Interaction, error)
	GetSimulationState(ctx context.Context, worldID string) (*model.SimulationState, error)
}

// Emergent looks at recently active story worlds between turns and triggers an event when
// the scene is going stale.
type Emergent struct {
	Store     EmergentStore
	Cache     cache.StateCache
	Analyzers *narrative.Registry
	Events    *narrative.Generator
	Applier   *narrative.EventApplier
	Owner     string

	ActiveWithin time.Duration // Default 2h

	now func() time.Time
}

func (j *Emergent) Name() string { return "emergent-events" }

func (j *Emergent) Run(ctx context.Context) (Metrics, error) {
	var m Metrics
	within := j.ActiveWithin
	if within <= 0 {
		within = 2 * time.Hour
	}
	now := time.Now()
	if j.now != nil {
		now = j.now()
	}

	worlds, err := j.Store.ListStoryWorlds(ctx)
	if err != nil {
		return m, fmt.Errorf("list story worlds: %w", err)
	}
	for _, w := range worlds {
		if m.abort(ctx) {
			return m, nil
		}
		if w.IsPaused || w.Status == model.StatusStopped {
			continue
		}
		last := w.LastActivityAt
		if t, ok := j.Cache.GetLastActivity(ctx, w.ID); ok {
			last = t
		}
		if now.Sub(last) > within {
			continue
		}
		m.Processed++

		triggered, err := j.evaluate(ctx, w)
		switch {
		case errors.Is(err, model.ErrLocked):
			m.Skipped++
		case err != nil:
			m.fail(w.ID, err)
		case triggered:
			m.Affected++
		}
	}
	return m, nil
}

func (j *Emergent) evaluate(ctx context.Context, w *model.World) (bool, error) {
	total, err := j.total(ctx, w.ID)
	if err != nil {
		return false, err
	}
	if !w.EmergentEvent.Expired(total) {
		return false, nil
	}

	ok, err := j.Cache.AcquireLock(ctx, w.ID, j.Owner)
	if err != nil && !errors.Is(err, model.ErrCacheUnavailable) {
		return false, err
	}
	if err == nil && !ok {
		return false, model.ErrLocked
	}
	if err == nil {
		defer func() {
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if _, err := j.Cache.ReleaseLock(rctx, w.ID, j.Owner); err != nil {
				slog.Warn("emergent lock release failed", "world", w.ID, "error", err)
			}
		}()
	}

	window, err := j.Store.RecentInteractions(ctx, w.ID, emergentWindow)
	if err != nil {
		return false, err
	}
	if len(window) == 0 {
		return false, nil
	}
	roster, err := j.Store.ListRoster(ctx, w.ID)
	if err != nil {
		return false, err
	}
	cast := make([]narrative.Participant, 0, len(roster))
	for _, e := range roster {
		if e.Membership.IsActive {
			cast = append(cast, narrative.Participant{ID: e.Agent.ID, Name: e.Agent.Name})
		}
	}
	if len(cast) < 2 {
		return false, nil
	}

	report := j.Analyzers.For(w.ID).Analyze(window, len(cast))
	ev := j.Events.Evaluate(report, cast, report.Participation, total)
	if ev == nil {
		return false, nil
	}
	if err := j.Applier.Apply(ctx, w.ID, ev); err != nil {
		return false, err
	}
	slog.Info("emergent event triggered between turns", "world", w.ID, "template", ev.TemplateID)
	return true, nil
}

// total prefers the cached interaction total, which may be ahead of the store's.
func (j *Emergent) total(ctx context.Context, worldID string) (int, error) {
	if cached, ok := j.Cache.GetState(ctx, worldID); ok {
		return cached.State.TotalInteractions, nil
	}
	st, err := j.Store.GetSimulationState(ctx, worldID)
	if err != nil {
		return 0, err
	}
	if st == nil {
		return 0, nil
	}
	return st.TotalInteractions, nil
}
