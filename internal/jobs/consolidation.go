package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/talgya/chorus/internal/cache"
	"github.com/talgya/chorus/internal/llm"
	"github.com/talgya/chorus/internal/memory"
	"github.com/talgya/chorus/internal/model"
	"github.com/talgya/chorus/internal/persistence"
)

// Consolidation defaults.
const (
	DefaultConsolidateAbove = 1000
	DefaultKeepInteractions = 100
	DefaultMemoryLimit      = 200
	DefaultKeepMemories     = 100
	summaryTimeout          = 60 * time.Second
)

// ConsolidationStore is the store side of consolidation.
type ConsolidationStore interface {
	GetWorld(ctx context.Context, id string) (*model.World, error)
	ListRoster(ctx context.Context, worldID string) ([]persistence.RosterEntry, error)
	WorldsWithInteractionsAbove(ctx context.Context, threshold int) ([]string, error)
	CountInteractions(ctx context.Context, worldID string) (int, error)
	OldestInteractions(ctx context.Context, worldID string, limit int) ([]model.Interaction, error)
	ConsolidateInteractions(ctx context.Context, worldID string, ids []string, summary model.NarrativeSummary) (int, error)
	GetSimulationState(ctx context.Context, worldID string) (*model.SimulationState, error)
	MemoryAgents(ctx context.Context, threshold int) ([]string, error)
}

// Consolidation condenses the oldest dialogue of busy worlds into a narrative summary,
// archives and deletes the summarized rows, then folds old episodic memories.
type Consolidation struct {
	Store     ConsolidationStore
	Cache     cache.StateCache
	Generator llm.Generator // nil always uses the templated summary
	Memory    *memory.Service
	Archive   *Archive // nil skips archiving
	Owner     string

	Above        int // Worlds with more rows than this are consolidated
	Keep         int // Newest rows kept
	MemoryLimit  int // Agents with more memories than this are folded
	KeepMemories int
}

func (j *Consolidation) Name() string { return "consolidation" }

func (j *Consolidation) defaults() {
	if j.Above <= 0 {
		j.Above = DefaultConsolidateAbove
	}
	if j.Keep <= 0 {
		j.Keep = DefaultKeepInteractions
	}
	if j.MemoryLimit <= 0 {
		j.MemoryLimit = DefaultMemoryLimit
	}
	if j.KeepMemories <= 0 {
		j.KeepMemories = DefaultKeepMemories
	}
}

func (j *Consolidation) Run(ctx context.Context) (Metrics, error) {
	j.defaults()
	var m Metrics

	ids, err := j.Store.WorldsWithInteractionsAbove(ctx, j.Above)
	if err != nil {
		return m, fmt.Errorf("list busy worlds: %w", err)
	}
	for _, id := range ids {
		if m.abort(ctx) {
			return m, nil
		}
		m.Processed++
		removed, fallback, err := j.consolidateWorld(ctx, id)
		switch {
		case errors.Is(err, model.ErrLocked):
			m.Skipped++
		case err != nil:
			m.fail(id, err)
		case removed > 0:
			m.Affected++
			m.add("interactions_removed", removed)
			if fallback {
				m.add("fallback_summaries", 1)
			}
		}
	}

	if j.Memory == nil {
		return m, nil
	}
	agents, err := j.Store.MemoryAgents(ctx, j.MemoryLimit)
	if err != nil {
		m.fail("memories", err)
		return m, nil
	}
	for _, agentID := range agents {
		if m.abort(ctx) {
			return m, nil
		}
		n, err := j.Memory.Consolidate(ctx, agentID, j.KeepMemories)
		if err != nil {
			m.fail(agentID, err)
			continue
		}
		m.add("memories_folded", n)
	}
	return m, nil
}

// consolidateWorld summarizes and removes everything but the newest Keep rows.
func (j *Consolidation) consolidateWorld(ctx context.Context, worldID string) (int, bool, error) {
	ok, err := j.Cache.AcquireLock(ctx, worldID, j.Owner)
	if err != nil && !errors.Is(err, model.ErrCacheUnavailable) {
		return 0, false, err
	}
	if err == nil && !ok {
		return 0, false, model.ErrLocked
	}
	if err == nil {
		defer func() {
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if _, err := j.Cache.ReleaseLock(rctx, worldID, j.Owner); err != nil {
				slog.Warn("consolidation lock release failed", "world", worldID, "error", err)
			}
		}()
	}

	count, err := j.Store.CountInteractions(ctx, worldID)
	if err != nil {
		return 0, false, err
	}
	excess := count - j.Keep
	if excess <= 0 {
		return 0, false, nil
	}
	w, err := j.Store.GetWorld(ctx, worldID)
	if err != nil {
		return 0, false, err
	}
	rows, err := j.Store.OldestInteractions(ctx, worldID, excess)
	if err != nil {
		return 0, false, err
	}
	if len(rows) == 0 {
		return 0, false, nil
	}
	names, err := j.names(ctx, worldID)
	if err != nil {
		return 0, false, err
	}

	summary := model.NarrativeSummary{
		FromTurn:  rows[0].Turn,
		ToTurn:    rows[len(rows)-1].Turn,
		CreatedAt: time.Now(),
	}
	summary.Text, err = j.summarize(ctx, w.Name, rows, names)
	if err != nil {
		slog.Warn("using templated summary", "world", worldID,
			"error", fmt.Errorf("%w: %w", model.ErrConsolidationSummaryFailed, err))
		summary.Text = templatedSummary(rows, names)
		summary.Fallback = true
	}

	if j.Archive != nil {
		path, size, err := j.Archive.Write(worldID, rows)
		if err != nil {
			return 0, false, fmt.Errorf("archive: %w", err)
		}
		slog.Info("archived consolidated interactions", "world", worldID, "rows", len(rows),
			"path", path, "size", humanize.Bytes(uint64(size)))
	}

	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	removed, err := j.Store.ConsolidateInteractions(ctx, worldID, ids, summary)
	if err != nil {
		return 0, false, err
	}
	summary.Count = removed
	j.refreshCache(ctx, worldID, summary)

	slog.Info("world consolidated", "world", worldID, "removed", humanize.Comma(int64(removed)),
		"kept", j.Keep, "fallback", summary.Fallback)
	return removed, summary.Fallback, nil
}

func (j *Consolidation) summarize(ctx context.Context, worldName string, rows []model.Interaction, names map[string]string) (string, error) {
	if j.Generator == nil {
		return "", llm.ErrDisabled
	}
	lines := make([]llm.Line, 0, len(rows))
	for _, r := range rows {
		if r.Placeholder {
			continue
		}
		lines = append(lines, llm.Line{Speaker: nameOf(names, r.SpeakerID), Content: r.Content})
	}
	if len(lines) == 0 {
		return "", errors.New("only placeholder lines")
	}
	sctx, cancel := context.WithTimeout(ctx, summaryTimeout)
	defer cancel()
	return llm.Summarize(sctx, j.Generator, worldName, lines)
}

// refreshCache mirrors the new summary and consolidated count into the cached projection
// without moving its activity time.
func (j *Consolidation) refreshCache(ctx context.Context, worldID string, summary model.NarrativeSummary) {
	cached, ok := j.Cache.GetState(ctx, worldID)
	if !ok {
		return
	}
	st, err := j.Store.GetSimulationState(ctx, worldID)
	if err != nil || st == nil {
		// Stale is safe here; Sync takes the larger consolidated count.
		return
	}
	cached.State.ConsolidatedInteractions = st.ConsolidatedInteractions
	cached.World.Rules.Summaries = append(cached.World.Rules.Summaries, summary)
	j.Cache.SaveState(ctx, cached)
}

func (j *Consolidation) names(ctx context.Context, worldID string) (map[string]string, error) {
	roster, err := j.Store.ListRoster(ctx, worldID)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(roster))
	for _, e := range roster {
		names[e.Agent.ID] = e.Agent.Name
	}
	return names, nil
}

func nameOf(names map[string]string, id string) string {
	if n, ok := names[id]; ok {
		return n
	}
	return id
}

// templatedSummary describes a range of dialogue from counts alone.
func templatedSummary(rows []model.Interaction, names map[string]string) string {
	counts := make(map[string]int)
	for _, r := range rows {
		counts[nameOf(names, r.SpeakerID)]++
	}
	speakers := make([]string, 0, len(counts))
	for s := range counts {
		speakers = append(speakers, s)
	}
	sort.Slice(speakers, func(a, b int) bool {
		if counts[speakers[a]] != counts[speakers[b]] {
			return counts[speakers[a]] > counts[speakers[b]]
		}
		return speakers[a] < speakers[b]
	})
	if len(speakers) > 4 {
		speakers = speakers[:4]
	}
	parts := make([]string, len(speakers))
	for i, s := range speakers {
		parts[i] = fmt.Sprintf("%s (%d)", s, counts[s])
	}
	return fmt.Sprintf("Turns %d to %d: %s lines of conversation, mostly from %s.",
		rows[0].Turn, rows[len(rows)-1].Turn, humanize.Comma(int64(len(rows))), strings.Join(parts, ", "))
}
