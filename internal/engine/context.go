package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/talgya/chorus/internal/cache"
	"github.com/talgya/chorus/internal/model"
	"github.com/talgya/chorus/internal/persistence"
)

// HistoryWindow is how many recent interactions a turn sees.
const HistoryWindow = 20

// InteractionContext is the snapshot a turn works from. The cache and store paths build
// the same shape.
type InteractionContext struct {
	World      model.World
	State      model.SimulationState
	Roster     []persistence.RosterEntry // Active members only
	Recent     []model.Interaction       // Chronological, at most HistoryWindow
	Relations  []model.Relation          // Among roster members
	TempEvents []cache.TempEvent
	FromCache  bool
}

// Participation counts lines per speaker in the recent window.
func (ic *InteractionContext) Participation() map[string]int {
	p := make(map[string]int, len(ic.Roster))
	for _, in := range ic.Recent {
		p[in.SpeakerID]++
	}
	return p
}

// Names maps agent ids to names for the roster.
func (ic *InteractionContext) Names() map[string]string {
	names := make(map[string]string, len(ic.Roster))
	for _, e := range ic.Roster {
		names[e.Agent.ID] = e.Agent.Name
	}
	return names
}

// Member returns the roster entry for an agent.
func (ic *InteractionContext) Member(agentID string) (persistence.RosterEntry, bool) {
	for _, e := range ic.Roster {
		if e.Agent.ID == agentID {
			return e, true
		}
	}
	return persistence.RosterEntry{}, false
}

// loadContext reads a world's turn context, cache first. A hit saves the world, state and
// history queries; the roster and relations always come from the store.
func (e *Engine) loadContext(ctx context.Context, worldID string) (*InteractionContext, error) {
	ic := &InteractionContext{}

	if cached, ok := e.deps.Cache.GetState(ctx, worldID); ok && cached.World.ID == worldID {
		ic.World = cached.World
		ic.State = cached.State
		ic.Recent = lastN(cached.Recent, HistoryWindow)
		ic.FromCache = true
	} else {
		w, err := e.deps.Store.GetWorld(ctx, worldID)
		if err != nil {
			return nil, fmt.Errorf("load world: %w", err)
		}
		ic.World = *w

		st, err := e.deps.Store.GetSimulationState(ctx, worldID)
		if err != nil {
			return nil, fmt.Errorf("load state: %w", err)
		}
		if st == nil {
			st = &model.SimulationState{WorldID: worldID}
		}
		ic.State = *st

		recent, err := e.deps.Store.RecentInteractions(ctx, worldID, HistoryWindow)
		if err != nil {
			return nil, fmt.Errorf("load history: %w", err)
		}
		ic.Recent = recent
	}

	roster, err := e.deps.Store.ListRoster(ctx, worldID)
	if err != nil {
		return nil, fmt.Errorf("load roster: %w", err)
	}
	ids := make([]string, 0, len(roster))
	for _, entry := range roster {
		if entry.Membership.IsActive {
			ic.Roster = append(ic.Roster, entry)
			ids = append(ids, entry.Agent.ID)
		}
	}

	if len(ids) > 0 {
		rels, err := e.deps.Store.RelationsFor(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("load relations: %w", err)
		}
		member := make(map[string]bool, len(ids))
		for _, id := range ids {
			member[id] = true
		}
		for _, r := range rels {
			if member[r.SubjectID] && member[r.TargetID] {
				ic.Relations = append(ic.Relations, r)
			}
		}
	}

	ic.TempEvents = e.deps.Cache.TempEvents(ctx, worldID)
	slog.Debug("turn context loaded", "world", worldID, "cache_hit", ic.FromCache,
		"roster", len(ic.Roster), "history", len(ic.Recent))
	return ic, nil
}

// cacheProjection builds the cached view of a context.
func (ic *InteractionContext) cacheProjection() *model.CachedWorldState {
	return &model.CachedWorldState{
		World:  ic.World,
		State:  ic.State,
		Recent: lastN(ic.Recent, HistoryWindow),
	}
}

func lastN(in []model.Interaction, n int) []model.Interaction {
	if len(in) <= n {
		return in
	}
	return in[len(in)-n:]
}
