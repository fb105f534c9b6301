package cache

import (
	"context"
	"time"

	"github.com/talgya/chorus/internal/model"
)

// Noop is the cache used when no live server is available. Reads miss, writes vanish and
// locks always succeed, leaving the engine's in-process mutex as the only exclusion.
type Noop struct{}

var _ StateCache = Noop{}

func (Noop) Available() bool { return false }

func (Noop) SaveState(context.Context, *model.CachedWorldState) {}

func (Noop) GetState(context.Context, string) (*model.CachedWorldState, bool) { return nil, false }

func (Noop) MarkDirty(context.Context, string) {}
func (Noop) IsDirty(context.Context, string) bool { return false }
func (Noop) ClearDirty(context.Context, string) {}
func (Noop) TouchActivity(context.Context, string, time.Time) {}

func (Noop) GetLastActivity(context.Context, string) (time.Time, bool) { return time.Time{}, false }

func (Noop) AcquireLock(context.Context, string, string) (bool, error) { return true, nil }
func (Noop) RefreshLock(context.Context, string, string) (bool, error) { return true, nil }
func (Noop) ReleaseLock(context.Context, string, string) (bool, error) { return true, nil }
func (Noop) CleanupOrphanLocks(context.Context) (int, error) { return 0, nil }

func (Noop) ClearWorldState(context.Context, string) error { return nil }
func (Noop) ActiveWorldIDs(context.Context) ([]string, error) { return nil, nil }
func (Noop) DirtyWorldIDs(context.Context) ([]string, error) { return nil, nil }
func (Noop) TempEventWorldIDs(context.Context) ([]string, error) { return nil, nil }
func (Noop) PushTempEvent(context.Context, string, TempEvent) {}
func (Noop) TempEvents(context.Context, string) []TempEvent { return nil }

func (Noop) PruneTempEvents(context.Context, string, time.Duration) (int, error) { return 0, nil }
func (Noop) PruneTempEventsBefore(context.Context, string, time.Time) (int, error) { return 0, nil }
