package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/talgya/chorus/internal/model"
)

type stateRow struct {
	WorldID                  string `db:"world_id"`
	CurrentTurn              int    `db:"current_turn"`
	TotalInteractions        int    `db:"total_interactions"`
	ConsolidatedInteractions int    `db:"consolidated_interactions"`
	LastSpeakerID            string `db:"last_speaker_id"`
	ActiveSpeakers           string `db:"active_speakers_json"`
	RecentTopics             string `db:"recent_topics_json"`
	LastUpdated              int64  `db:"last_updated"`
	StartedAt                int64  `db:"started_at"`
	PausedAt                 int64  `db:"paused_at"`
	ResumedAt                int64  `db:"resumed_at"`
	StoppedAt                int64  `db:"stopped_at"`
}

const stateColumns = `world_id, current_turn, total_interactions, consolidated_interactions, last_speaker_id,
	active_speakers_json, recent_topics_json, last_updated, started_at, paused_at, resumed_at, stopped_at`

func (r stateRow) toModel() (*model.SimulationState, error) {
	s := &model.SimulationState{
		WorldID:                  r.WorldID,
		CurrentTurn:              r.CurrentTurn,
		TotalInteractions:        r.TotalInteractions,
		ConsolidatedInteractions: r.ConsolidatedInteractions,
		LastSpeakerID:            r.LastSpeakerID,
		LastUpdated:              fromMillis(r.LastUpdated),
		StartedAt:                fromMillis(r.StartedAt),
		PausedAt:                 fromMillis(r.PausedAt),
		ResumedAt:                fromMillis(r.ResumedAt),
		StoppedAt:                fromMillis(r.StoppedAt),
	}
	if r.ActiveSpeakers != "" {
		if err := json.Unmarshal([]byte(r.ActiveSpeakers), &s.ActiveSpeakers); err != nil {
			return nil, fmt.Errorf("state %s active speakers: %w", r.WorldID, err)
		}
	}
	if r.RecentTopics != "" {
		if err := json.Unmarshal([]byte(r.RecentTopics), &s.RecentTopics); err != nil {
			return nil, fmt.Errorf("state %s recent topics: %w", r.WorldID, err)
		}
	}
	return s, nil
}

// GetSimulationState loads the world's state. Returns nil, nil when no state exists yet.
func (db *DB) GetSimulationState(ctx context.Context, worldID string) (*model.SimulationState, error) {
	return getState(ctx, db.conn, worldID)
}

func getState(ctx context.Context, q sqlx.QueryerContext, worldID string) (*model.SimulationState, error) {
	var row stateRow
	err := sqlx.GetContext(ctx, q, &row, "SELECT "+stateColumns+" FROM simulation_states WHERE world_id = ?", worldID)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get state", err)
	}
	return row.toModel()
}

// UpsertSimulationState atomically creates or replaces the world's state. The turn and
// interaction counters never move backwards.
func (db *DB) UpsertSimulationState(ctx context.Context, s *model.SimulationState) error {
	return upsertState(ctx, db.conn, s)
}

func upsertState(ctx context.Context, e sqlx.ExecerContext, s *model.SimulationState) error {
	speakers, err := json.Marshal(nonNil(s.ActiveSpeakers))
	if err != nil {
		return fmt.Errorf("marshal active speakers: %w", err)
	}
	topics, err := json.Marshal(nonNil(s.RecentTopics))
	if err != nil {
		return fmt.Errorf("marshal recent topics: %w", err)
	}
	_, err = e.ExecContext(ctx, `INSERT INTO simulation_states (`+stateColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(world_id) DO UPDATE SET
			current_turn = MAX(current_turn, excluded.current_turn),
			total_interactions = MAX(total_interactions, excluded.total_interactions),
			consolidated_interactions = MAX(consolidated_interactions, excluded.consolidated_interactions),
			last_speaker_id = excluded.last_speaker_id,
			active_speakers_json = excluded.active_speakers_json,
			recent_topics_json = excluded.recent_topics_json,
			last_updated = excluded.last_updated,
			started_at = excluded.started_at,
			paused_at = excluded.paused_at,
			resumed_at = excluded.resumed_at,
			stopped_at = excluded.stopped_at`,
		s.WorldID, s.CurrentTurn, s.TotalInteractions, s.ConsolidatedInteractions, s.LastSpeakerID,
		string(speakers), string(topics), toMillis(s.LastUpdated),
		toMillis(s.StartedAt), toMillis(s.PausedAt), toMillis(s.ResumedAt), toMillis(s.StoppedAt))
	if err != nil {
		return storeErr("upsert state", err)
	}
	return nil
}

// SyncSimulationState writes a cached state back to the store. The interaction total is
// recomputed from the rows actually present plus those removed by consolidation, so the
// store never trusts a stale cached counter. The stored result is returned.
func (db *DB) SyncSimulationState(ctx context.Context, s model.SimulationState) (*model.SimulationState, error) {
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return nil, storeErr("begin", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.GetContext(ctx, &exists, "SELECT COUNT(*) FROM worlds WHERE id = ?", s.WorldID); err != nil {
		return nil, storeErr("check world", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("world %s: %w", s.WorldID, model.ErrWorldNotFound)
	}

	var rows int
	if err := tx.GetContext(ctx, &rows, "SELECT COUNT(*) FROM world_interactions WHERE world_id = ?", s.WorldID); err != nil {
		return nil, storeErr("count interactions", err)
	}
	current, err := getState(ctx, tx, s.WorldID)
	if err != nil {
		return nil, err
	}
	if current != nil && current.ConsolidatedInteractions > s.ConsolidatedInteractions {
		s.ConsolidatedInteractions = current.ConsolidatedInteractions
	}
	s.TotalInteractions = rows + s.ConsolidatedInteractions
	if s.CurrentTurn < s.TotalInteractions {
		s.CurrentTurn = s.TotalInteractions
	}
	if s.LastUpdated.IsZero() {
		s.LastUpdated = time.Now()
	}

	if err := upsertState(ctx, tx, &s); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, storeErr("commit sync", err)
	}
	return &s, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
