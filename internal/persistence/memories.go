package persistence

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/talgya/chorus/internal/model"
)

type memoryRow struct {
	ID           string  `db:"id"`
	AgentID      string  `db:"agent_id"`
	WorldID      string  `db:"world_id"`
	Event        string  `db:"event"`
	Involved     string  `db:"involved_json"`
	Turn         int     `db:"turn_number"`
	Importance   float64 `db:"importance"`
	Arousal      float64 `db:"arousal"`
	Embedding    []byte  `db:"embedding"`
	Consolidated bool    `db:"consolidated"`
	CreatedAt    int64   `db:"created_at"`
}

const memoryColumns = `id, agent_id, world_id, event, involved_json, turn_number, importance, arousal,
	embedding, consolidated, created_at`

// SaveMemory stores one episodic memory.
func (db *DB) SaveMemory(ctx context.Context, m model.EpisodicMemory) error {
	return insertMemory(ctx, db.conn, m)
}

func insertMemory(ctx context.Context, e sqlx.ExecerContext, m model.EpisodicMemory) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	involved, err := json.Marshal(nonNil(m.InvolvedAgentIDs))
	if err != nil {
		return fmt.Errorf("marshal involved: %w", err)
	}
	_, err = e.ExecContext(ctx, `INSERT INTO episodic_memories (`+memoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		m.ID, m.AgentID, m.WorldID, m.Event, string(involved), m.Turn, m.Importance, m.Arousal,
		encodeEmbedding(m.Embedding), m.Consolidated, toMillis(m.CreatedAt))
	if err != nil {
		return storeErr("insert memory", err)
	}
	return nil
}

// AgentMemories returns an agent's memories, newest first. limit <= 0 returns all of them.
func (db *DB) AgentMemories(ctx context.Context, agentID string, limit int) ([]model.EpisodicMemory, error) {
	query := "SELECT " + memoryColumns + " FROM episodic_memories WHERE agent_id = ? ORDER BY created_at DESC, id"
	args := []any{agentID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	var rows []memoryRow
	if err := db.conn.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, storeErr("select memories", err)
	}
	out := make([]model.EpisodicMemory, 0, len(rows))
	for _, r := range rows {
		m := model.EpisodicMemory{
			ID:           r.ID,
			AgentID:      r.AgentID,
			WorldID:      r.WorldID,
			Event:        r.Event,
			Turn:         r.Turn,
			Importance:   r.Importance,
			Arousal:      r.Arousal,
			Embedding:    decodeEmbedding(r.Embedding),
			Consolidated: r.Consolidated,
			CreatedAt:    fromMillis(r.CreatedAt),
		}
		if r.Involved != "" {
			if err := json.Unmarshal([]byte(r.Involved), &m.InvolvedAgentIDs); err != nil {
				return nil, fmt.Errorf("memory %s involved: %w", r.ID, err)
			}
		}
		out = append(out, m)
	}
	return out, nil
}

// CountMemories returns how many memories an agent holds.
func (db *DB) CountMemories(ctx context.Context, agentID string) (int, error) {
	var n int
	if err := db.conn.GetContext(ctx, &n, "SELECT COUNT(*) FROM episodic_memories WHERE agent_id = ?", agentID); err != nil {
		return 0, storeErr("count memories", err)
	}
	return n, nil
}

// MemoryAgents lists the ids of agents that hold more than threshold memories.
func (db *DB) MemoryAgents(ctx context.Context, threshold int) ([]string, error) {
	var ids []string
	err := db.conn.SelectContext(ctx, &ids, `SELECT agent_id FROM episodic_memories
		GROUP BY agent_id HAVING COUNT(*) > ? ORDER BY agent_id`, threshold)
	if err != nil {
		return nil, storeErr("memory agents", err)
	}
	return ids, nil
}

// ReplaceMemories deletes the given memories and inserts merged in their place atomically.
// This is the only path that hard-deletes episodic memories.
func (db *DB) ReplaceMemories(ctx context.Context, ids []string, merged model.EpisodicMemory) error {
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return storeErr("begin", err)
	}
	defer tx.Rollback()

	if len(ids) > 0 {
		query, args, err := sqlx.In("DELETE FROM episodic_memories WHERE id IN (?)", ids)
		if err != nil {
			return fmt.Errorf("build delete: %w", err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return storeErr("delete memories", err)
		}
	}
	if err := insertMemory(ctx, tx, merged); err != nil {
		return err
	}
	return tx.Commit()
}

// encodeEmbedding packs a vector as little-endian float32s.
func encodeEmbedding(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeEmbedding(b []byte) []float32 {
	if len(b) < 4 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}
