// Package persistence provides SQLite-based durable storage for worlds, agents and interactions.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/talgya/chorus/internal/model"
)

// DB wraps a SQLite connection for world state persistence.
type DB struct {
	conn *sqlx.DB
}

// Open opens or creates a SQLite database at the given path.
func Open(path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("open db: empty path")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("open db: %w", err)
		}
	}

	conn, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One writer connection; transactions below never query outside their tx.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	db := &DB{conn: conn}
	if err := db.pragmas(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("pragmas: %w", err)
	}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks that the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	if err := db.conn.PingContext(ctx); err != nil {
		return storeErr("ping", err)
	}
	return nil
}

func (db *DB) pragmas() error {
	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	} {
		if _, err := db.conn.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS worlds (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		auto_mode INTEGER NOT NULL DEFAULT 0,
		interaction_delay_ms INTEGER NOT NULL DEFAULT 5000,
		max_interactions INTEGER NOT NULL DEFAULT 0,
		story_mode INTEGER NOT NULL DEFAULT 0,
		is_paused INTEGER NOT NULL DEFAULT 0,
		pause_reason TEXT NOT NULL DEFAULT '',
		scene_direction_json TEXT NOT NULL DEFAULT '',
		emergent_event_json TEXT NOT NULL DEFAULT '',
		rules_json TEXT NOT NULL DEFAULT '{}',
		last_activity_at INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS simulation_states (
		world_id TEXT PRIMARY KEY REFERENCES worlds(id) ON DELETE CASCADE,
		current_turn INTEGER NOT NULL DEFAULT 0,
		total_interactions INTEGER NOT NULL DEFAULT 0,
		consolidated_interactions INTEGER NOT NULL DEFAULT 0,
		last_speaker_id TEXT NOT NULL DEFAULT '',
		active_speakers_json TEXT NOT NULL DEFAULT '[]',
		recent_topics_json TEXT NOT NULL DEFAULT '[]',
		last_updated INTEGER NOT NULL DEFAULT 0,
		started_at INTEGER NOT NULL DEFAULT 0,
		paused_at INTEGER NOT NULL DEFAULT 0,
		resumed_at INTEGER NOT NULL DEFAULT 0,
		stopped_at INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		personality_json TEXT NOT NULL,
		emotion_json TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS world_agents (
		world_id TEXT NOT NULL REFERENCES worlds(id) ON DELETE CASCADE,
		agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
		is_active INTEGER NOT NULL DEFAULT 1,
		importance_level TEXT NOT NULL DEFAULT 'secondary',
		importance_score REAL NOT NULL DEFAULT 0,
		is_focused INTEGER NOT NULL DEFAULT 0,
		focused_until INTEGER NOT NULL DEFAULT 0,
		joined_at INTEGER NOT NULL,
		PRIMARY KEY (world_id, agent_id)
	);

	CREATE TABLE IF NOT EXISTS world_interactions (
		id TEXT PRIMARY KEY,
		world_id TEXT NOT NULL REFERENCES worlds(id) ON DELETE CASCADE,
		speaker_id TEXT NOT NULL,
		content TEXT NOT NULL,
		turn_number INTEGER NOT NULL,
		speaker_emotion TEXT NOT NULL DEFAULT '',
		sentiment REAL NOT NULL DEFAULT 0,
		placeholder INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agent_relations (
		subject_id TEXT NOT NULL,
		target_id TEXT NOT NULL,
		trust REAL NOT NULL DEFAULT 0,
		affinity REAL NOT NULL DEFAULT 0,
		respect REAL NOT NULL DEFAULT 0,
		stage TEXT NOT NULL DEFAULT 'stranger',
		interactions INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (subject_id, target_id)
	);

	CREATE TABLE IF NOT EXISTS episodic_memories (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		world_id TEXT NOT NULL,
		event TEXT NOT NULL,
		involved_json TEXT NOT NULL DEFAULT '[]',
		turn_number INTEGER NOT NULL,
		importance REAL NOT NULL,
		arousal REAL NOT NULL,
		embedding BLOB,
		consolidated INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_interactions_world_turn ON world_interactions(world_id, turn_number);
	CREATE INDEX IF NOT EXISTS idx_worlds_status ON worlds(status);
	CREATE INDEX IF NOT EXISTS idx_world_agents_world ON world_agents(world_id);
	CREATE INDEX IF NOT EXISTS idx_memories_agent ON episodic_memories(agent_id, created_at);
	`
	_, err := db.conn.Exec(schema)
	return err
}

// storeErr tags a driver failure as a store outage for errors.Is checks upstream.
func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, model.ErrStoreUnavailable, err)
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func marshalOptional(v any, isNil bool) string {
	if isNil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		slog.Warn("marshal column failed", "error", err)
		return ""
	}
	return string(b)
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
