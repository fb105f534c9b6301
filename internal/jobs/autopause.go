package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/talgya/chorus/internal/cache"
	"github.com/talgya/chorus/internal/model"
)

// WorldLister lists worlds by status.
type WorldLister interface {
	ListWorldsByStatus(ctx context.Context, status model.WorldStatus) ([]*model.World, error)
}

// AutoPause pauses RUNNING worlds nobody has touched for Threshold.
type AutoPause struct {
	Store     WorldLister
	Cache     cache.StateCache
	Engine    Runner
	Threshold time.Duration // Default 24h

	now func() time.Time
}

func (j *AutoPause) Name() string { return "auto-pause" }

func (j *AutoPause) Run(ctx context.Context) (Metrics, error) {
	var m Metrics
	threshold := j.Threshold
	if threshold <= 0 {
		threshold = 24 * time.Hour
	}
	now := time.Now()
	if j.now != nil {
		now = j.now()
	}

	worlds, err := j.Store.ListWorldsByStatus(ctx, model.StatusRunning)
	if err != nil {
		return m, fmt.Errorf("list running worlds: %w", err)
	}
	for _, w := range worlds {
		if m.abort(ctx) {
			return m, nil
		}
		m.Processed++
		if j.Engine.IsRunning(w.ID) {
			m.Skipped++
			continue
		}

		last, source := j.lastActivity(ctx, w)
		if now.Sub(last) <= threshold {
			continue
		}
		reason := fmt.Sprintf("inactive since %s", humanize.Time(last))
		if last.IsZero() {
			reason = "never active"
		}
		if err := j.Engine.PauseWithReason(ctx, w.ID, reason); err != nil {
			m.fail(w.ID, err)
			continue
		}
		m.Affected++
		slog.Info("auto-paused idle world", "world", w.ID, "last_activity", last, "source", source)
	}
	return m, nil
}

// lastActivity prefers the cache marker and falls back to the store's timestamps.
func (j *AutoPause) lastActivity(ctx context.Context, w *model.World) (time.Time, string) {
	if j.Cache != nil {
		if t, ok := j.Cache.GetLastActivity(ctx, w.ID); ok {
			return t, "cache"
		}
	}
	if !w.LastActivityAt.IsZero() {
		return w.LastActivityAt, "store"
	}
	return w.UpdatedAt, "store"
}
