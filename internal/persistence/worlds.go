package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/talgya/chorus/internal/model"
)

type worldRow struct {
	ID               string `db:"id"`
	Name             string `db:"name"`
	Status           string `db:"status"`
	AutoMode         bool   `db:"auto_mode"`
	InteractionDelay int64  `db:"interaction_delay_ms"`
	MaxInteractions  int    `db:"max_interactions"`
	StoryMode        bool   `db:"story_mode"`
	IsPaused         bool   `db:"is_paused"`
	PauseReason      string `db:"pause_reason"`
	SceneDirection   string `db:"scene_direction_json"`
	EmergentEvent    string `db:"emergent_event_json"`
	Rules            string `db:"rules_json"`
	LastActivityAt   int64  `db:"last_activity_at"`
	CreatedAt        int64  `db:"created_at"`
	UpdatedAt        int64  `db:"updated_at"`
}

const worldColumns = `id, name, status, auto_mode, interaction_delay_ms, max_interactions, story_mode,
	is_paused, pause_reason, scene_direction_json, emergent_event_json, rules_json,
	last_activity_at, created_at, updated_at`

func (r worldRow) toModel() (*model.World, error) {
	w := &model.World{
		ID:               r.ID,
		Name:             r.Name,
		Status:           model.WorldStatus(r.Status),
		AutoMode:         r.AutoMode,
		InteractionDelay: r.InteractionDelay,
		MaxInteractions:  r.MaxInteractions,
		StoryMode:        r.StoryMode,
		IsPaused:         r.IsPaused,
		PauseReason:      r.PauseReason,
		LastActivityAt:   fromMillis(r.LastActivityAt),
		CreatedAt:        fromMillis(r.CreatedAt),
		UpdatedAt:        fromMillis(r.UpdatedAt),
	}
	if r.SceneDirection != "" {
		w.SceneDirection = &model.SceneDirection{}
		if err := json.Unmarshal([]byte(r.SceneDirection), w.SceneDirection); err != nil {
			return nil, fmt.Errorf("world %s scene direction: %w", r.ID, err)
		}
	}
	if r.EmergentEvent != "" {
		w.EmergentEvent = &model.ActiveEvent{}
		if err := json.Unmarshal([]byte(r.EmergentEvent), w.EmergentEvent); err != nil {
			return nil, fmt.Errorf("world %s emergent event: %w", r.ID, err)
		}
	}
	if r.Rules != "" {
		if err := json.Unmarshal([]byte(r.Rules), &w.Rules); err != nil {
			return nil, fmt.Errorf("world %s rules: %w", r.ID, err)
		}
	}
	return w, nil
}

// CreateWorld inserts a new world. Status defaults to PAUSED.
func (db *DB) CreateWorld(ctx context.Context, w *model.World) error {
	now := time.Now()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
	if w.Status == "" {
		w.Status = model.StatusPaused
	}
	rules, err := json.Marshal(w.Rules)
	if err != nil {
		return fmt.Errorf("marshal rules: %w", err)
	}

	_, err = db.conn.ExecContext(ctx, `INSERT INTO worlds (`+worldColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Name, string(w.Status), w.AutoMode, w.InteractionDelay, w.MaxInteractions, w.StoryMode,
		w.IsPaused, w.PauseReason,
		marshalOptional(w.SceneDirection, w.SceneDirection == nil),
		marshalOptional(w.EmergentEvent, w.EmergentEvent == nil),
		string(rules), toMillis(w.LastActivityAt), toMillis(w.CreatedAt), toMillis(w.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert world %s: %w", w.ID, err)
	}
	return nil
}

// GetWorld loads a world by id. Returns model.ErrWorldNotFound if absent.
func (db *DB) GetWorld(ctx context.Context, id string) (*model.World, error) {
	var row worldRow
	err := db.conn.GetContext(ctx, &row, "SELECT "+worldColumns+" FROM worlds WHERE id = ?", id)
	if isNoRows(err) {
		return nil, fmt.Errorf("world %s: %w", id, model.ErrWorldNotFound)
	}
	if err != nil {
		return nil, storeErr("get world", err)
	}
	return row.toModel()
}

// HasWorlds reports whether any world has been created.
func (db *DB) HasWorlds(ctx context.Context) (bool, error) {
	var count int
	if err := db.conn.GetContext(ctx, &count, "SELECT COUNT(*) FROM worlds"); err != nil {
		return false, storeErr("count worlds", err)
	}
	return count > 0, nil
}

// ListWorlds returns every world ordered by id.
func (db *DB) ListWorlds(ctx context.Context) ([]*model.World, error) {
	return db.selectWorlds(ctx, "SELECT "+worldColumns+" FROM worlds ORDER BY id")
}

// ListWorldsByStatus returns the worlds currently in the given status.
func (db *DB) ListWorldsByStatus(ctx context.Context, status model.WorldStatus) ([]*model.World, error) {
	return db.selectWorlds(ctx, "SELECT "+worldColumns+" FROM worlds WHERE status = ? ORDER BY id", string(status))
}

// ListStoryWorlds returns running, unpaused worlds with story mode enabled.
func (db *DB) ListStoryWorlds(ctx context.Context) ([]*model.World, error) {
	return db.selectWorlds(ctx, "SELECT "+worldColumns+` FROM worlds
		WHERE story_mode = 1 AND status = ? AND is_paused = 0 ORDER BY id`, string(model.StatusRunning))
}

func (db *DB) selectWorlds(ctx context.Context, query string, args ...any) ([]*model.World, error) {
	var rows []worldRow
	if err := db.conn.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, storeErr("select worlds", err)
	}
	worlds := make([]*model.World, 0, len(rows))
	for _, r := range rows {
		w, err := r.toModel()
		if err != nil {
			return nil, err
		}
		worlds = append(worlds, w)
	}
	return worlds, nil
}

// SetWorldStatus records a status transition along with the pause flag and reason.
func (db *DB) SetWorldStatus(ctx context.Context, id string, status model.WorldStatus, paused bool, reason string) error {
	return db.updateWorld(ctx, id, "status = ?, is_paused = ?, pause_reason = ?", string(status), paused, reason)
}

// SetSceneDirection stores the director's hint, or clears it when d is nil.
func (db *DB) SetSceneDirection(ctx context.Context, id string, d *model.SceneDirection) error {
	return db.updateWorld(ctx, id, "scene_direction_json = ?", marshalOptional(d, d == nil))
}

// SetEmergentEvent stores the active event, or clears it when e is nil.
func (db *DB) SetEmergentEvent(ctx context.Context, id string, e *model.ActiveEvent) error {
	return db.updateWorld(ctx, id, "emergent_event_json = ?", marshalOptional(e, e == nil))
}

// SetStoryArc replaces the arc inside the world's rules.
func (db *DB) SetStoryArc(ctx context.Context, id string, arc model.StoryArc) error {
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return storeErr("begin", err)
	}
	defer tx.Rollback()

	var raw string
	if err := tx.GetContext(ctx, &raw, "SELECT rules_json FROM worlds WHERE id = ?", id); err != nil {
		if isNoRows(err) {
			return fmt.Errorf("world %s: %w", id, model.ErrWorldNotFound)
		}
		return storeErr("get rules", err)
	}
	var rules model.WorldRules
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &rules); err != nil {
			return fmt.Errorf("world %s rules: %w", id, err)
		}
	}
	rules.Arc = arc
	b, err := json.Marshal(rules)
	if err != nil {
		return fmt.Errorf("marshal rules: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE worlds SET rules_json = ?, updated_at = ? WHERE id = ?",
		string(b), toMillis(time.Now()), id); err != nil {
		return storeErr("update rules", err)
	}
	return tx.Commit()
}

// TouchWorldActivity records the last time the world produced an interaction.
func (db *DB) TouchWorldActivity(ctx context.Context, id string, at time.Time) error {
	return db.updateWorld(ctx, id, "last_activity_at = ?", toMillis(at))
}

func (db *DB) updateWorld(ctx context.Context, id, set string, args ...any) error {
	args = append(args, toMillis(time.Now()), id)
	res, err := db.conn.ExecContext(ctx, "UPDATE worlds SET "+set+", updated_at = ? WHERE id = ?", args...)
	if err != nil {
		return storeErr("update world", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("world %s: %w", id, model.ErrWorldNotFound)
	}
	return nil
}
