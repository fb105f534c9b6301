package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/talgya/chorus/internal/model"
)

// RosterEntry is an agent together with its membership in one world.
type RosterEntry struct {
	Agent      model.Agent      `json:"agent"`
	Membership model.WorldAgent `json:"membership"`
}

// SaveAgent inserts or replaces an agent's identity and personality.
func (db *DB) SaveAgent(ctx context.Context, a *model.Agent) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	personality, err := json.Marshal(a.Personality)
	if err != nil {
		return fmt.Errorf("marshal personality: %w", err)
	}
	emotion, err := json.Marshal(a.Emotion)
	if err != nil {
		return fmt.Errorf("marshal emotion: %w", err)
	}
	_, err = db.conn.ExecContext(ctx, `INSERT INTO agents (id, name, personality_json, emotion_json, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, personality_json = excluded.personality_json`,
		a.ID, a.Name, string(personality), string(emotion), toMillis(a.CreatedAt))
	if err != nil {
		return storeErr("save agent", err)
	}
	return nil
}

// AddWorldAgent joins an agent to a world (or reactivates an existing membership).
func (db *DB) AddWorldAgent(ctx context.Context, wa model.WorldAgent) error {
	if wa.JoinedAt.IsZero() {
		wa.JoinedAt = time.Now()
	}
	if wa.Importance == "" {
		wa.Importance = model.ImportanceSecondary
	}
	_, err := db.conn.ExecContext(ctx, `INSERT INTO world_agents
		(world_id, agent_id, is_active, importance_level, importance_score, is_focused, focused_until, joined_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(world_id, agent_id) DO UPDATE SET is_active = excluded.is_active`,
		wa.WorldID, wa.AgentID, wa.IsActive, string(wa.Importance), wa.ImportanceScore,
		wa.IsFocused, toMillis(wa.FocusedUntil), toMillis(wa.JoinedAt))
	if err != nil {
		return storeErr("add world agent", err)
	}
	return nil
}

// SetAgentActive toggles an agent's participation in a world.
func (db *DB) SetAgentActive(ctx context.Context, worldID, agentID string, active bool) error {
	res, err := db.conn.ExecContext(ctx, "UPDATE world_agents SET is_active = ? WHERE world_id = ? AND agent_id = ?",
		active, worldID, agentID)
	if err != nil {
		return storeErr("set agent active", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("agent %s not in world %s", agentID, worldID)
	}
	return nil
}

type rosterRow struct {
	AgentID         string  `db:"agent_id"`
	Name            string  `db:"name"`
	Personality     string  `db:"personality_json"`
	Emotion         string  `db:"emotion_json"`
	CreatedAt       int64   `db:"created_at"`
	WorldID         string  `db:"world_id"`
	IsActive        bool    `db:"is_active"`
	Importance      string  `db:"importance_level"`
	ImportanceScore float64 `db:"importance_score"`
	IsFocused       bool    `db:"is_focused"`
	FocusedUntil    int64   `db:"focused_until"`
	JoinedAt        int64   `db:"joined_at"`
}

// ListRoster returns every agent that belongs to the world, active or not, ordered by join time.
func (db *DB) ListRoster(ctx context.Context, worldID string) ([]RosterEntry, error) {
	var rows []rosterRow
	err := db.conn.SelectContext(ctx, &rows, `SELECT
			a.id AS agent_id, a.name, a.personality_json, a.emotion_json, a.created_at,
			wa.world_id, wa.is_active, wa.importance_level, wa.importance_score,
			wa.is_focused, wa.focused_until, wa.joined_at
		FROM world_agents wa JOIN agents a ON a.id = wa.agent_id
		WHERE wa.world_id = ?
		ORDER BY wa.joined_at, a.id`, worldID)
	if err != nil {
		return nil, storeErr("list roster", err)
	}

	roster := make([]RosterEntry, 0, len(rows))
	for _, r := range rows {
		entry := RosterEntry{
			Agent: model.Agent{ID: r.AgentID, Name: r.Name, CreatedAt: fromMillis(r.CreatedAt)},
			Membership: model.WorldAgent{
				WorldID:         r.WorldID,
				AgentID:         r.AgentID,
				IsActive:        r.IsActive,
				Importance:      model.ImportanceLevel(r.Importance),
				ImportanceScore: r.ImportanceScore,
				IsFocused:       r.IsFocused,
				FocusedUntil:    fromMillis(r.FocusedUntil),
				JoinedAt:        fromMillis(r.JoinedAt),
			},
		}
		if err := json.Unmarshal([]byte(r.Personality), &entry.Agent.Personality); err != nil {
			return nil, fmt.Errorf("agent %s personality: %w", r.AgentID, err)
		}
		if r.Emotion != "" {
			if err := json.Unmarshal([]byte(r.Emotion), &entry.Agent.Emotion); err != nil {
				return nil, fmt.Errorf("agent %s emotion: %w", r.AgentID, err)
			}
		}
		roster = append(roster, entry)
	}
	return roster, nil
}

// UpdateAgentEmotion stores an agent's latest emotional snapshot.
func (db *DB) UpdateAgentEmotion(ctx context.Context, agentID string, e model.Emotion) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal emotion: %w", err)
	}
	if _, err := db.conn.ExecContext(ctx, "UPDATE agents SET emotion_json = ? WHERE id = ?", string(b), agentID); err != nil {
		return storeErr("update emotion", err)
	}
	return nil
}

// UpdateImportance writes an agent's recomputed importance tier and score.
func (db *DB) UpdateImportance(ctx context.Context, worldID, agentID string, level model.ImportanceLevel, score float64) error {
	_, err := db.conn.ExecContext(ctx, `UPDATE world_agents SET importance_level = ?, importance_score = ?
		WHERE world_id = ? AND agent_id = ?`, string(level), score, worldID, agentID)
	if err != nil {
		return storeErr("update importance", err)
	}
	return nil
}

// SetFocus marks the given agents as focused until the deadline and clears focus on everyone else in the world.
func (db *DB) SetFocus(ctx context.Context, worldID string, agentIDs []string, until time.Time) error {
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return storeErr("begin", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "UPDATE world_agents SET is_focused = 0, focused_until = 0 WHERE world_id = ?", worldID); err != nil {
		return storeErr("clear focus", err)
	}
	if len(agentIDs) > 0 {
		query, args, err := sqlx.In(`UPDATE world_agents SET is_focused = 1, focused_until = ?
			WHERE world_id = ? AND agent_id IN (?)`, toMillis(until), worldID, agentIDs)
		if err != nil {
			return fmt.Errorf("build focus query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return storeErr("set focus", err)
		}
	}
	return tx.Commit()
}

type relationRow struct {
	SubjectID    string  `db:"subject_id"`
	TargetID     string  `db:"target_id"`
	Trust        float64 `db:"trust"`
	Affinity     float64 `db:"affinity"`
	Respect      float64 `db:"respect"`
	Stage        string  `db:"stage"`
	Interactions int     `db:"interactions"`
	UpdatedAt    int64   `db:"updated_at"`
}

// RelationsFor returns every relation whose subject is one of the given agents.
func (db *DB) RelationsFor(ctx context.Context, agentIDs []string) ([]model.Relation, error) {
	if len(agentIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`SELECT subject_id, target_id, trust, affinity, respect, stage, interactions, updated_at
		FROM agent_relations WHERE subject_id IN (?) ORDER BY subject_id, target_id`, agentIDs)
	if err != nil {
		return nil, fmt.Errorf("build relations query: %w", err)
	}
	var rows []relationRow
	if err := db.conn.SelectContext(ctx, &rows, db.conn.Rebind(query), args...); err != nil {
		return nil, storeErr("select relations", err)
	}
	rels := make([]model.Relation, 0, len(rows))
	for _, r := range rows {
		rels = append(rels, model.Relation{
			SubjectID:    r.SubjectID,
			TargetID:     r.TargetID,
			Trust:        r.Trust,
			Affinity:     r.Affinity,
			Respect:      r.Respect,
			Stage:        model.RelationStage(r.Stage),
			Interactions: r.Interactions,
			UpdatedAt:    fromMillis(r.UpdatedAt),
		})
	}
	return rels, nil
}

// UpsertRelations writes relations in one transaction.
func (db *DB) UpsertRelations(ctx context.Context, rels []model.Relation) error {
	if len(rels) == 0 {
		return nil
	}
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return storeErr("begin", err)
	}
	defer tx.Rollback()

	for _, r := range rels {
		_, err := tx.ExecContext(ctx, `INSERT INTO agent_relations
			(subject_id, target_id, trust, affinity, respect, stage, interactions, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(subject_id, target_id) DO UPDATE SET
				trust = excluded.trust, affinity = excluded.affinity, respect = excluded.respect,
				stage = excluded.stage, interactions = excluded.interactions, updated_at = excluded.updated_at`,
			r.SubjectID, r.TargetID, r.Trust, r.Affinity, r.Respect, string(r.Stage), r.Interactions, toMillis(r.UpdatedAt))
		if err != nil {
			return storeErr(fmt.Sprintf("upsert relation %s->%s", r.SubjectID, r.TargetID), err)
		}
	}
	return tx.Commit()
}
