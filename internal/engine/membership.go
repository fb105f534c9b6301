package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/talgya/chorus/internal/model"
	"github.com/talgya/chorus/internal/notify"
)

// JoinWorld saves the agent if it is new and makes it an active member of the world.
// It takes effect from the next turn.
func (e *Engine) JoinWorld(ctx context.Context, worldID string, a *model.Agent) error {
	if strings.TrimSpace(a.Name) == "" {
		return fmt.Errorf("join %s: agent name required", worldID)
	}
	if _, err := e.deps.Store.GetWorld(ctx, worldID); err != nil {
		return fmt.Errorf("join %s: %w", worldID, err)
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = e.now()
	}
	if err := e.deps.Store.SaveAgent(ctx, a); err != nil {
		return fmt.Errorf("join %s: %w", worldID, err)
	}
	if err := e.deps.Store.AddWorldAgent(ctx, model.WorldAgent{
		WorldID:  worldID,
		AgentID:  a.ID,
		IsActive: true,
		JoinedAt: e.now(),
	}); err != nil {
		return fmt.Errorf("join %s: %w", worldID, err)
	}
	e.deps.Publisher.Publish(worldID, notify.Event{Type: notify.TypeAgentJoined, Data: map[string]any{
		"agent_id": a.ID,
		"name":     a.Name,
	}})
	slog.Info("agent joined world", "world", worldID, "agent", a.ID, "name", a.Name)
	return nil
}

// LeaveWorld deactivates an agent's membership. Its history and relationships stay.
// A running world left with fewer than 2 active agents pauses on its next turn.
func (e *Engine) LeaveWorld(ctx context.Context, worldID, agentID string) error {
	if err := e.deps.Store.SetAgentActive(ctx, worldID, agentID, false); err != nil {
		return fmt.Errorf("leave %s: %w", worldID, err)
	}
	e.deps.Publisher.Publish(worldID, notify.Event{Type: notify.TypeAgentLeft, Data: map[string]any{
		"agent_id": agentID,
	}})
	slog.Info("agent left world", "world", worldID, "agent", agentID)
	return nil
}
