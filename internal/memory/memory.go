// Package memory records what agents experience and recalls the memories most relevant
// to a scene. Memories fade over time but never below a floor, and are only removed by
// folding them into a consolidated memory.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/talgya/chorus/internal/model"
)

// Recall weights.
const (
	weightSimilarity = 0.6
	weightImportance = 0.3
	weightRecency    = 0.1
)

const (
	// DefaultHalfLife is how long an unrecalled memory takes to lose half its importance.
	DefaultHalfLife = 72 * time.Hour
	// DecayFloor is the smallest fraction of importance a memory keeps.
	DecayFloor = 0.1
	// recallScan bounds how many recent memories a recall considers.
	recallScan = 200
	// keepImportance spares memories at or above it from consolidation.
	keepImportance = 0.8
	maxMergedLen   = 1200
)

// Store is the durable side of the memory service.
type Store interface {
	SaveMemory(ctx context.Context, m model.EpisodicMemory) error
	AgentMemories(ctx context.Context, agentID string, limit int) ([]model.EpisodicMemory, error)
	CountMemories(ctx context.Context, agentID string) (int, error)
	ReplaceMemories(ctx context.Context, ids []string, merged model.EpisodicMemory) error
}

// Recalled is a memory with its retrieval score.
type Recalled struct {
	Memory model.EpisodicMemory
	Score  float64
}

// Service records and recalls episodic memories.
type Service struct {
	store    Store
	embedder Embedder
	halfLife time.Duration
	now      func() time.Time
}

// NewService returns a service. A nil embedder uses HashEmbedder.
func NewService(store Store, embedder Embedder) *Service {
	if embedder == nil {
		embedder = HashEmbedder{}
	}
	return &Service{store: store, embedder: embedder, halfLife: DefaultHalfLife, now: time.Now}
}

// Record embeds and stores a memory. A failed embedding stores the memory without a vector.
func (s *Service) Record(ctx context.Context, m model.EpisodicMemory) (model.EpisodicMemory, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	m.Importance = clamp01(m.Importance)
	m.Arousal = clamp01(m.Arousal)
	if m.Embedding == nil {
		v, err := s.embedder.Embed(ctx, m.Event)
		if err != nil {
			slog.Warn("memory embedding failed", "agent", m.AgentID, "error", err)
		}
		m.Embedding = v
	}
	if err := s.store.SaveMemory(ctx, m); err != nil {
		return m, fmt.Errorf("record memory: %w", err)
	}
	return m, nil
}

// Decay returns the fraction of importance a memory of the given age keeps.
func (s *Service) Decay(age time.Duration) float64 {
	if age <= 0 {
		return 1
	}
	return math.Max(DecayFloor, math.Pow(0.5, age.Hours()/s.halfLife.Hours()))
}

// Recall returns up to k of the agent's memories ranked against query.
func (s *Service) Recall(ctx context.Context, agentID, query string, k int) ([]Recalled, error) {
	if k <= 0 {
		return nil, nil
	}
	mems, err := s.store.AgentMemories(ctx, agentID, recallScan)
	if err != nil {
		return nil, fmt.Errorf("recall: %w", err)
	}
	if len(mems) == 0 {
		return nil, nil
	}
	qv, err := s.embedder.Embed(ctx, query)
	if err != nil {
		slog.Warn("query embedding failed, ranking without similarity", "agent", agentID, "error", err)
	}

	now := s.now()
	out := make([]Recalled, len(mems))
	for i, m := range mems {
		age := now.Sub(m.CreatedAt)
		sim := math.Max(0, Cosine(qv, m.Embedding))
		recency := 1 / (1 + age.Hours()/24)
		if age < 0 {
			recency = 1
		}
		score := weightSimilarity*sim + weightImportance*m.Importance*s.Decay(age) + weightRecency*recency
		out[i] = Recalled{Memory: m, Score: score}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// Consolidate folds the agent's older, less important memories into one consolidated
// memory once the agent holds more than keep. The newest keep memories and anything at or
// above keepImportance survive untouched. Returns how many memories were folded.
func (s *Service) Consolidate(ctx context.Context, agentID string, keep int) (int, error) {
	n, err := s.store.CountMemories(ctx, agentID)
	if err != nil {
		return 0, fmt.Errorf("consolidate: %w", err)
	}
	if n <= keep {
		return 0, nil
	}
	mems, err := s.store.AgentMemories(ctx, agentID, 0)
	if err != nil {
		return 0, fmt.Errorf("consolidate: %w", err)
	}
	if len(mems) <= keep {
		return 0, nil
	}

	var fold []model.EpisodicMemory
	for _, m := range mems[keep:] {
		if m.Importance < keepImportance {
			fold = append(fold, m)
		}
	}
	if len(fold) < 2 {
		return 0, nil
	}

	merged := s.merge(ctx, agentID, fold)
	ids := make([]string, len(fold))
	for i, m := range fold {
		ids[i] = m.ID
	}
	if err := s.store.ReplaceMemories(ctx, ids, merged); err != nil {
		return 0, fmt.Errorf("consolidate: %w", err)
	}
	slog.Info("memories consolidated", "agent", agentID, "folded", len(fold))
	return len(fold), nil
}

// merge builds the consolidated memory for fold, which is ordered newest first.
func (s *Service) merge(ctx context.Context, agentID string, fold []model.EpisodicMemory) model.EpisodicMemory {
	merged := model.EpisodicMemory{
		ID:           uuid.NewString(),
		AgentID:      agentID,
		WorldID:      fold[0].WorldID,
		Turn:         fold[0].Turn,
		Consolidated: true,
		CreatedAt:    fold[0].CreatedAt,
	}

	seen := make(map[string]bool)
	var arousal float64
	events := make([]string, 0, len(fold))
	for i := len(fold) - 1; i >= 0; i-- {
		m := fold[i]
		merged.Importance = math.Max(merged.Importance, m.Importance)
		arousal += m.Arousal
		for _, id := range m.InvolvedAgentIDs {
			if !seen[id] {
				seen[id] = true
				merged.InvolvedAgentIDs = append(merged.InvolvedAgentIDs, id)
			}
		}
		events = append(events, m.Event)
	}
	merged.Arousal = arousal / float64(len(fold))

	text := fmt.Sprintf("Looking back on %d moments: %s", len(fold), strings.Join(events, " / "))
	if len(text) > maxMergedLen {
		text = text[:maxMergedLen] + "…"
	}
	merged.Event = text

	if v, err := s.embedder.Embed(ctx, text); err == nil {
		merged.Embedding = v
	}
	return merged
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
