package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/talgya/chorus/internal/model"
)

// Release and refresh only touch the lock while the caller still owns it.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// Redis is the live StateCache.
type Redis struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

var _ StateCache = (*Redis)(nil)

// NewRedis wraps an already-connected client. Keys are namespaced under prefix.
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = defaultKeyRoot
	}
	return &Redis{client: client, prefix: prefix, now: time.Now}
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Available() bool { return true }

func (r *Redis) key(worldID, kind string) string {
	return r.prefix + ":world:" + worldID + ":" + kind
}

func unavailable(op string, err error) error {
	return fmt.Errorf("cache %s: %w: %w", op, model.ErrCacheUnavailable, err)
}

func (r *Redis) SaveState(ctx context.Context, s *model.CachedWorldState) {
	if s == nil {
		return
	}
	if s.CachedAt.IsZero() {
		s.CachedAt = r.now()
	}
	b, err := json.Marshal(s)
	if err != nil {
		slog.Warn("cache state marshal failed", "world", s.World.ID, "error", err)
		return
	}
	if err := r.client.Set(ctx, r.key(s.World.ID, "state"), b, StateTTL).Err(); err != nil {
		slog.Warn("cache save state failed", "world", s.World.ID, "error", err)
		return
	}
	r.TouchActivity(ctx, s.World.ID, s.CachedAt)
}

func (r *Redis) GetState(ctx context.Context, worldID string) (*model.CachedWorldState, bool) {
	b, err := r.client.Get(ctx, r.key(worldID, "state")).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		slog.Warn("cache get state failed", "world", worldID, "error", err)
		return nil, false
	}
	var s model.CachedWorldState
	if err := json.Unmarshal(b, &s); err != nil {
		slog.Warn("cache state corrupt, ignoring", "world", worldID, "error", err)
		return nil, false
	}
	return &s, true
}

func (r *Redis) MarkDirty(ctx context.Context, worldID string) {
	if err := r.client.Set(ctx, r.key(worldID, "dirty"), "1", StateTTL).Err(); err != nil {
		slog.Warn("cache mark dirty failed", "world", worldID, "error", err)
	}
}

func (r *Redis) IsDirty(ctx context.Context, worldID string) bool {
	n, err := r.client.Exists(ctx, r.key(worldID, "dirty")).Result()
	if err != nil {
		slog.Warn("cache dirty check failed", "world", worldID, "error", err)
		return false
	}
	return n > 0
}

func (r *Redis) ClearDirty(ctx context.Context, worldID string) {
	if err := r.client.Del(ctx, r.key(worldID, "dirty")).Err(); err != nil {
		slog.Warn("cache clear dirty failed", "world", worldID, "error", err)
	}
}

// AcquireLock sets the world's lock to owner if nobody holds it.
func (r *Redis) AcquireLock(ctx context.Context, worldID, owner string) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.key(worldID, "lock"), owner, LockTTL).Result()
	if err != nil {
		return false, unavailable("acquire lock", err)
	}
	return ok, nil
}

// RefreshLock extends the lock's expiry back to LockTTL if owner still holds it.
func (r *Redis) RefreshLock(ctx context.Context, worldID, owner string) (bool, error) {
	n, err := refreshScript.Run(ctx, r.client, []string{r.key(worldID, "lock")}, owner, LockTTL.Milliseconds()).Int()
	if err != nil {
		return false, unavailable("refresh lock", err)
	}
	return n == 1, nil
}

// ReleaseLock deletes the lock only if owner holds it.
func (r *Redis) ReleaseLock(ctx context.Context, worldID, owner string) (bool, error) {
	n, err := releaseScript.Run(ctx, r.client, []string{r.key(worldID, "lock")}, owner).Int()
	if err != nil {
		return false, unavailable("release lock", err)
	}
	return n == 1, nil
}

// CleanupOrphanLocks deletes locks that are about to expire anyway (or carry no expiry).
// Live owners refresh well before this window, so anything this close is treated as abandoned.
func (r *Redis) CleanupOrphanLocks(ctx context.Context) (int, error) {
	keys, err := r.scan(ctx, r.prefix+":world:*:lock")
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, k := range keys {
		ttl, err := r.client.TTL(ctx, k).Result()
		if err != nil {
			return removed, unavailable("lock ttl", err)
		}
		// -2: already gone. -1: no expiry set.
		if ttl == -2 || ttl >= orphanLockTTL {
			continue
		}
		if err := r.client.Del(ctx, k).Err(); err != nil {
			return removed, unavailable("delete lock", err)
		}
		removed++
	}
	return removed, nil
}

func (r *Redis) TouchActivity(ctx context.Context, worldID string, at time.Time) {
	if at.IsZero() {
		at = r.now()
	}
	if err := r.client.Set(ctx, r.key(worldID, "activity"), at.UnixMilli(), ActivityTTL).Err(); err != nil {
		slog.Warn("cache touch activity failed", "world", worldID, "error", err)
	}
}

func (r *Redis) GetLastActivity(ctx context.Context, worldID string) (time.Time, bool) {
	v, err := r.client.Get(ctx, r.key(worldID, "activity")).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false
	}
	if err != nil {
		slog.Warn("cache get activity failed", "world", worldID, "error", err)
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// ClearWorldState removes every ephemeral key of a world except its lock.
func (r *Redis) ClearWorldState(ctx context.Context, worldID string) error {
	err := r.client.Del(ctx,
		r.key(worldID, "state"),
		r.key(worldID, "dirty"),
		r.key(worldID, "activity"),
		r.key(worldID, "events"),
	).Err()
	if err != nil {
		return unavailable("clear world", err)
	}
	return nil
}

func (r *Redis) ActiveWorldIDs(ctx context.Context) ([]string, error) {
	return r.worldIDs(ctx, "state")
}

func (r *Redis) DirtyWorldIDs(ctx context.Context) ([]string, error) {
	return r.worldIDs(ctx, "dirty")
}

func (r *Redis) TempEventWorldIDs(ctx context.Context) ([]string, error) {
	return r.worldIDs(ctx, "events")
}

func (r *Redis) worldIDs(ctx context.Context, kind string) ([]string, error) {
	keys, err := r.scan(ctx, r.prefix+":world:*:"+kind)
	if err != nil {
		return nil, err
	}
	head := r.prefix + ":world:"
	tail := ":" + kind
	seen := make(map[string]bool, len(keys))
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		id := strings.TrimSuffix(strings.TrimPrefix(k, head), tail)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids, nil
}

func (r *Redis) scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, unavailable("scan "+pattern, err)
	}
	return keys, nil
}

func (r *Redis) PushTempEvent(ctx context.Context, worldID string, ev TempEvent) {
	if ev.AddedAt.IsZero() {
		ev.AddedAt = r.now()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("temp event marshal failed", "world", worldID, "error", err)
		return
	}
	key := r.key(worldID, "events")
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, key, b)
		p.Expire(ctx, key, TempEventTTL)
		return nil
	})
	if err != nil {
		slog.Warn("push temp event failed", "world", worldID, "error", err)
	}
}

func (r *Redis) TempEvents(ctx context.Context, worldID string) []TempEvent {
	raw, err := r.client.LRange(ctx, r.key(worldID, "events"), 0, -1).Result()
	if err != nil {
		slog.Warn("read temp events failed", "world", worldID, "error", err)
		return nil
	}
	events := make([]TempEvent, 0, len(raw))
	for _, s := range raw {
		var ev TempEvent
		if err := json.Unmarshal([]byte(s), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events
}

// PruneTempEvents drops queued events older than maxAge and returns how many were removed.
func (r *Redis) PruneTempEvents(ctx context.Context, worldID string, maxAge time.Duration) (int, error) {
	cutoff := r.now().Add(-maxAge)
	return r.pruneTempEvents(ctx, worldID, func(ev TempEvent) bool { return ev.AddedAt.Before(cutoff) })
}

// PruneTempEventsBefore drops queued events added at or before at. Turns pass the AddedAt of
// the last event they consumed, so the cutoff never depends on either clock's drift.
func (r *Redis) PruneTempEventsBefore(ctx context.Context, worldID string, at time.Time) (int, error) {
	return r.pruneTempEvents(ctx, worldID, func(ev TempEvent) bool { return !ev.AddedAt.After(at) })
}

func (r *Redis) pruneTempEvents(ctx context.Context, worldID string, drop func(TempEvent) bool) (int, error) {
	key := r.key(worldID, "events")
	raw, err := r.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return 0, unavailable("read temp events", err)
	}
	keep := make([]any, 0, len(raw))
	for _, s := range raw {
		var ev TempEvent
		if err := json.Unmarshal([]byte(s), &ev); err != nil || drop(ev) {
			continue
		}
		keep = append(keep, s)
	}
	removed := len(raw) - len(keep)
	if removed == 0 {
		return 0, nil
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, key)
		if len(keep) > 0 {
			p.RPush(ctx, key, keep...)
			p.Expire(ctx, key, TempEventTTL)
		}
		return nil
	})
	if err != nil {
		return 0, unavailable("rewrite temp events", err)
	}
	return removed, nil
}
