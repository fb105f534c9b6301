package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/talgya/chorus/internal/model"
)

type interactionRow struct {
	ID             string  `db:"id"`
	WorldID        string  `db:"world_id"`
	SpeakerID      string  `db:"speaker_id"`
	Content        string  `db:"content"`
	Turn           int     `db:"turn_number"`
	SpeakerEmotion string  `db:"speaker_emotion"`
	Sentiment      float64 `db:"sentiment"`
	Placeholder    bool    `db:"placeholder"`
	CreatedAt      int64   `db:"created_at"`
}

const interactionColumns = `id, world_id, speaker_id, content, turn_number, speaker_emotion, sentiment, placeholder, created_at`

func (r interactionRow) toModel() model.Interaction {
	return model.Interaction{
		ID:             r.ID,
		WorldID:        r.WorldID,
		SpeakerID:      r.SpeakerID,
		Content:        r.Content,
		Turn:           r.Turn,
		SpeakerEmotion: r.SpeakerEmotion,
		Sentiment:      r.Sentiment,
		Placeholder:    r.Placeholder,
		CreatedAt:      fromMillis(r.CreatedAt),
	}
}

// RecordTurn persists one interaction and bumps the world's activity timestamp in a single
// transaction. Re-recording an interaction id is a no-op, so a retried turn never doubles a row.
// When state is non-nil it is upserted in the same transaction.
func (db *DB) RecordTurn(ctx context.Context, in model.Interaction, state *model.SimulationState) error {
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now()
	}
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return storeErr("begin", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO world_interactions (`+interactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		in.ID, in.WorldID, in.SpeakerID, in.Content, in.Turn, in.SpeakerEmotion, in.Sentiment,
		in.Placeholder, toMillis(in.CreatedAt)); err != nil {
		return storeErr("insert interaction", err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE worlds SET last_activity_at = ?, updated_at = ? WHERE id = ?",
		toMillis(in.CreatedAt), toMillis(time.Now()), in.WorldID); err != nil {
		return storeErr("touch world", err)
	}
	if state != nil {
		if err := upsertState(ctx, tx, state); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return storeErr("commit turn", err)
	}
	return nil
}

// RecentInteractions returns up to limit of the newest interactions in chronological order.
func (db *DB) RecentInteractions(ctx context.Context, worldID string, limit int) ([]model.Interaction, error) {
	var rows []interactionRow
	err := db.conn.SelectContext(ctx, &rows, `SELECT `+interactionColumns+` FROM (
			SELECT `+interactionColumns+` FROM world_interactions WHERE world_id = ?
			ORDER BY turn_number DESC, created_at DESC LIMIT ?
		) ORDER BY turn_number, created_at`, worldID, limit)
	if err != nil {
		return nil, storeErr("recent interactions", err)
	}
	return toInteractions(rows), nil
}

// OldestInteractions returns up to limit of the oldest interactions in chronological order.
func (db *DB) OldestInteractions(ctx context.Context, worldID string, limit int) ([]model.Interaction, error) {
	var rows []interactionRow
	err := db.conn.SelectContext(ctx, &rows, `SELECT `+interactionColumns+` FROM world_interactions
		WHERE world_id = ? ORDER BY turn_number, created_at LIMIT ?`, worldID, limit)
	if err != nil {
		return nil, storeErr("oldest interactions", err)
	}
	return toInteractions(rows), nil
}

func toInteractions(rows []interactionRow) []model.Interaction {
	out := make([]model.Interaction, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out
}

// CountInteractions returns the number of interaction rows stored for the world.
func (db *DB) CountInteractions(ctx context.Context, worldID string) (int, error) {
	var n int
	if err := db.conn.GetContext(ctx, &n, "SELECT COUNT(*) FROM world_interactions WHERE world_id = ?", worldID); err != nil {
		return 0, storeErr("count interactions", err)
	}
	return n, nil
}

// WorldsWithInteractionsAbove lists ids of worlds holding more than threshold interaction rows.
func (db *DB) WorldsWithInteractionsAbove(ctx context.Context, threshold int) ([]string, error) {
	var ids []string
	err := db.conn.SelectContext(ctx, &ids, `SELECT world_id FROM world_interactions
		GROUP BY world_id HAVING COUNT(*) > ? ORDER BY world_id`, threshold)
	if err != nil {
		return nil, storeErr("worlds above threshold", err)
	}
	return ids, nil
}

// ConsolidateInteractions appends summary to the world's summary history, deletes the summarized
// rows and credits the deleted count to the state's consolidated counter, all in one transaction.
// The interaction total is left untouched so it never decreases.
func (db *DB) ConsolidateInteractions(ctx context.Context, worldID string, ids []string, summary model.NarrativeSummary) (int, error) {
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return 0, storeErr("begin", err)
	}
	defer tx.Rollback()

	var raw string
	if err := tx.GetContext(ctx, &raw, "SELECT rules_json FROM worlds WHERE id = ?", worldID); err != nil {
		if isNoRows(err) {
			return 0, fmt.Errorf("world %s: %w", worldID, model.ErrWorldNotFound)
		}
		return 0, storeErr("get rules", err)
	}
	var rules model.WorldRules
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &rules); err != nil {
			return 0, fmt.Errorf("world %s rules: %w", worldID, err)
		}
	}

	deleted := 0
	if len(ids) > 0 {
		query, args, err := sqlx.In("DELETE FROM world_interactions WHERE world_id = ? AND id IN (?)", worldID, ids)
		if err != nil {
			return 0, fmt.Errorf("build delete: %w", err)
		}
		res, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
		if err != nil {
			return 0, storeErr("delete interactions", err)
		}
		n, _ := res.RowsAffected()
		deleted = int(n)
	}

	if summary.CreatedAt.IsZero() {
		summary.CreatedAt = time.Now()
	}
	summary.Count = deleted
	rules.Summaries = append(rules.Summaries, summary)
	b, err := json.Marshal(rules)
	if err != nil {
		return 0, fmt.Errorf("marshal rules: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE worlds SET rules_json = ?, updated_at = ? WHERE id = ?",
		string(b), toMillis(time.Now()), worldID); err != nil {
		return 0, storeErr("update rules", err)
	}

	state, err := getState(ctx, tx, worldID)
	if err != nil {
		return 0, err
	}
	if state == nil {
		state = &model.SimulationState{WorldID: worldID}
	}
	var remaining int
	if err := tx.GetContext(ctx, &remaining, "SELECT COUNT(*) FROM world_interactions WHERE world_id = ?", worldID); err != nil {
		return 0, storeErr("count interactions", err)
	}
	state.ConsolidatedInteractions += deleted
	if floor := remaining + state.ConsolidatedInteractions; state.TotalInteractions < floor {
		state.TotalInteractions = floor
	}
	state.LastUpdated = time.Now()
	if err := upsertState(ctx, tx, state); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, storeErr("commit consolidation", err)
	}
	return deleted, nil
}
