// Package cache keeps a world's hot state, dirty flags, locks and activity markers in a fast
// key-value store. Two implementations exist: Redis when a server is reachable, and Noop, which
// degrades every operation so the engine runs store-only.
package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/talgya/chorus/internal/model"
)

const (
	StateTTL       = 2 * time.Hour
	LockTTL        = 5 * time.Minute
	ActivityTTL    = 24 * time.Hour
	TempEventTTL   = time.Hour
	orphanLockTTL  = 60 * time.Second
	defaultKeyRoot = "chorus"
)

// TempEvent is a prompt fragment queued for a world's next turns.
type TempEvent struct {
	Prompt  string    `json:"prompt"`
	Source  string    `json:"source,omitempty"`
	AddedAt time.Time `json:"added_at"`
}

// StateCache is the contract shared by the live and no-op caches.
//
// Writes that only speed things up (state, dirty, activity, temp events) log failures and
// return nothing. Lock operations and scans return errors because callers make decisions on them.
// Errors caused by the backing server wrap model.ErrCacheUnavailable.
type StateCache interface {
	// Available reports whether a live cache backs this instance.
	Available() bool

	SaveState(ctx context.Context, s *model.CachedWorldState)
	GetState(ctx context.Context, worldID string) (*model.CachedWorldState, bool)

	MarkDirty(ctx context.Context, worldID string)
	IsDirty(ctx context.Context, worldID string) bool
	ClearDirty(ctx context.Context, worldID string)

	AcquireLock(ctx context.Context, worldID, owner string) (bool, error)
	RefreshLock(ctx context.Context, worldID, owner string) (bool, error)
	ReleaseLock(ctx context.Context, worldID, owner string) (bool, error)
	CleanupOrphanLocks(ctx context.Context) (int, error)

	TouchActivity(ctx context.Context, worldID string, at time.Time)
	GetLastActivity(ctx context.Context, worldID string) (time.Time, bool)

	ClearWorldState(ctx context.Context, worldID string) error
	ActiveWorldIDs(ctx context.Context) ([]string, error)
	DirtyWorldIDs(ctx context.Context) ([]string, error)

	PushTempEvent(ctx context.Context, worldID string, ev TempEvent)
	TempEvents(ctx context.Context, worldID string) []TempEvent
	TempEventWorldIDs(ctx context.Context) ([]string, error)
	PruneTempEvents(ctx context.Context, worldID string, maxAge time.Duration) (int, error)
	PruneTempEventsBefore(ctx context.Context, worldID string, at time.Time) (int, error)
}

// Options configures New.
type Options struct {
	Addr        string
	Password    string
	DB          int
	KeyPrefix   string
	DialTimeout time.Duration
}

// New connects to Redis and returns the live cache, or Noop when no address is configured
// or the server does not answer a ping.
func New(ctx context.Context, opts Options) StateCache {
	if opts.Addr == "" {
		slog.Info("fast cache disabled, running store-only")
		return Noop{}
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 3 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: opts.DialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		slog.Warn("fast cache unreachable, running store-only", "addr", opts.Addr, "error", err)
		client.Close()
		return Noop{}
	}
	slog.Info("fast cache connected", "addr", opts.Addr)
	return NewRedis(client, opts.KeyPrefix)
}
