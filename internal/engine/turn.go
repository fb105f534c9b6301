package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/talgya/chorus/internal/llm"
	"github.com/talgya/chorus/internal/model"
	"github.com/talgya/chorus/internal/narrative"
	"github.com/talgya/chorus/internal/notify"
)

const (
	activeSpeakerWindow = 5
	recentTopicWindow   = 8
	summariesShown      = 3
)

// ExecuteSimulationTurn runs one turn: pick a speaker, generate its line and persist it with
// the updated state. Only the interaction write is fatal; everything after it is best-effort.
func (e *Engine) ExecuteSimulationTurn(ctx context.Context, worldID string) error {
	mu := e.turnMutex(worldID)
	mu.Lock()
	defer mu.Unlock()

	unlock, err := e.lock(ctx, worldID)
	if err != nil {
		return fmt.Errorf("turn %s: %w", worldID, err)
	}
	defer unlock()

	stop := make(chan struct{})
	defer close(stop)
	go e.heartbeat(ctx, worldID, stop)

	ic, err := e.loadContext(ctx, worldID)
	if err != nil {
		return fmt.Errorf("turn %s: %w", worldID, err)
	}

	// Status changes made by this turn must land even after the run is cancelled.
	detached := context.WithoutCancel(ctx)

	if ic.World.IsPaused {
		e.halt(worldID)
		if ic.World.Status != model.StatusPaused {
			if err := e.transition(detached, worldID, model.StatusPaused, true, ic.World.PauseReason); err != nil {
				slog.Warn("persist pause failed", "world", worldID, "error", err)
			}
		}
		return fmt.Errorf("turn %s: %w", worldID, model.ErrWorldPaused)
	}
	if limit := ic.World.MaxInteractions; limit > 0 && ic.State.TotalInteractions >= limit {
		slog.Info("interaction limit reached", "world", worldID, "limit", limit)
		e.halt(worldID)
		return e.transition(detached, worldID, model.StatusStopped, false, "")
	}

	total := ic.State.TotalInteractions
	e.expireEvent(ctx, ic, total)

	if len(ic.Roster) < 2 {
		slog.Warn("too few active agents, pausing", "world", worldID, "roster", len(ic.Roster))
		return e.pause(detached, worldID, "fewer than 2 active agents")
	}

	now := e.now()
	candidates := e.candidates(ic, now)
	lastMessage := ""
	if n := len(ic.Recent); n > 0 {
		lastMessage = ic.Recent[n-1].Content
	}
	pick, ok := SelectSpeaker(SpeakerInput{
		Candidates:    candidates,
		LastSpeakerID: ic.State.LastSpeakerID,
		LastMessage:   lastMessage,
		StoryMode:     ic.World.StoryMode,
		Direction:     activeDirection(ic.World, total),
	}, e.deps.Rand)
	if !ok {
		slog.Warn("no eligible speaker, pausing", "world", worldID, "roster", len(ic.Roster))
		return e.pause(detached, worldID, "no eligible speaker")
	}
	speaker, _ := ic.Member(pick.ID)

	line, placeholder, err := e.generate(ctx, ic, speaker.Agent, speaker.Membership.Importance, lastMessage)
	if err != nil {
		return fmt.Errorf("turn %s: %w", worldID, err)
	}

	now = e.now()
	emotion := speaker.Agent.Emotion
	sentiment := 0.0
	if !placeholder {
		sentiment = narrative.Sentiment(line)
		emotion = narrative.EmotionFor(line, sentiment, speaker.Agent.Emotion)
	}
	in := model.Interaction{
		ID:             uuid.NewString(),
		WorldID:        worldID,
		SpeakerID:      pick.ID,
		Content:        line,
		Turn:           total + 1,
		SpeakerEmotion: emotion.Dominant,
		Sentiment:      sentiment,
		Placeholder:    placeholder,
		CreatedAt:      now,
	}

	previousID := ic.State.LastSpeakerID
	state := ic.State
	state.TotalInteractions = total + 1
	state.CurrentTurn = max(state.CurrentTurn+1, state.TotalInteractions)
	state.LastSpeakerID = pick.ID
	state.ActiveSpeakers = pushDistinct(state.ActiveSpeakers, pick.ID, activeSpeakerWindow)
	if !placeholder {
		state.RecentTopics = pushTopics(state.RecentTopics, line)
	}
	state.LastUpdated = now

	if err := e.deps.Store.RecordTurn(ctx, in, &state); err != nil {
		return fmt.Errorf("turn %s: %w", worldID, err)
	}

	ic.State = state
	ic.Recent = lastN(append(ic.Recent, in), HistoryWindow)
	ic.World.LastActivityAt = now
	e.expireEvent(detached, ic, state.TotalInteractions)
	e.refreshStatus(detached, ic)

	proj := ic.cacheProjection()
	proj.CachedAt = now
	e.deps.Cache.SaveState(detached, proj)
	e.deps.Cache.MarkDirty(detached, worldID)

	e.deps.Publisher.Publish(worldID, notify.Event{Type: notify.TypeInteraction, Data: map[string]any{
		"interaction":  in,
		"speaker_name": speaker.Agent.Name,
	}})
	slog.Debug("turn recorded", "world", worldID, "turn", in.Turn, "speaker", speaker.Agent.Name,
		"placeholder", placeholder)

	if !placeholder {
		if err := e.deps.Store.UpdateAgentEmotion(detached, pick.ID, emotion); err != nil {
			slog.Warn("update emotion failed", "agent", pick.ID, "error", err)
		}
	}
	if n := len(ic.TempEvents); n > 0 {
		// Drop what this turn consumed; anything queued since stays for the next one.
		if _, err := e.deps.Cache.PruneTempEventsBefore(detached, worldID, ic.TempEvents[n-1].AddedAt); err != nil {
			slog.Debug("consume temp events failed", "world", worldID, "error", err)
		}
	}

	mentioned := Mentions(line, candidates)
	delete(mentioned, pick.ID)
	if !placeholder {
		e.updateRelations(detached, ic, pick.ID, previousID, mentioned, sentiment, now)
		e.remember(detached, ic, in, emotion, previousID, mentioned)
	}
	e.afterTurn(detached, ic)
	return nil
}

// expireEvent clears the world's emergent event once it has lived its turns.
func (e *Engine) expireEvent(ctx context.Context, ic *InteractionContext, total int) {
	ev := ic.World.EmergentEvent
	if ev == nil || !ev.Expired(total) {
		return
	}
	if err := e.applier.Clear(ctx, ic.World.ID); err != nil {
		slog.Warn("clear expired event failed", "world", ic.World.ID, "error", err)
		return
	}
	slog.Debug("emergent event expired", "world", ic.World.ID, "template", ev.TemplateID, "total", total)
	ic.World.EmergentEvent = nil
}

// refreshStatus copies the stored run status over the turn's snapshot. A pause recorded by
// another process while the turn ran must survive the turn's cache write.
func (e *Engine) refreshStatus(ctx context.Context, ic *InteractionContext) {
	w, err := e.deps.Store.GetWorld(ctx, ic.World.ID)
	if err != nil {
		slog.Debug("status refresh failed", "world", ic.World.ID, "error", err)
		return
	}
	ic.World.Status, ic.World.IsPaused, ic.World.PauseReason = w.Status, w.IsPaused, w.PauseReason
}

// candidates builds the speaker pool from the active roster.
func (e *Engine) candidates(ic *InteractionContext, now time.Time) []Candidate {
	part := ic.Participation()
	out := make([]Candidate, 0, len(ic.Roster))
	for _, entry := range ic.Roster {
		out = append(out, Candidate{
			ID:            entry.Agent.ID,
			Name:          entry.Agent.Name,
			Participation: part[entry.Agent.ID],
			Arousal:       entry.Agent.Emotion.Arousal,
			Extraversion:  entry.Agent.Personality.ExtraversionNormalized(),
			Importance:    entry.Membership.Importance,
			Focused:       entry.Membership.FocusActive(now),
		})
	}
	return out
}

// generate produces the speaker's line. Generation failures become a placeholder line; only
// cancellation of ctx is returned as an error.
func (e *Engine) generate(ctx context.Context, ic *InteractionContext, speaker model.Agent,
	importance model.ImportanceLevel, lastMessage string) (string, bool, error) {

	if e.deps.Generator == nil {
		return placeholderLine(speaker.Name), true, nil
	}

	dc := e.dialogueContext(ctx, ic, speaker, importance, lastMessage)
	system, user := llm.DialoguePrompt(dc)

	gctx, cancel := context.WithTimeout(ctx, e.opts.GenerationTimeout)
	defer cancel()
	res, err := e.deps.Generator.Generate(gctx, user, llm.Options{
		Model:       e.opts.Model,
		Temperature: e.opts.Temperature,
		MaxTokens:   e.opts.MaxTokens,
		System:      system,
	})
	if err == nil {
		if text := llm.CleanLine(res.Text, speaker.Name); text != "" {
			return text, false, nil
		}
		err = errors.New("empty line")
	}
	if ctx.Err() != nil {
		return "", false, ctx.Err()
	}
	slog.Warn("generation failed, writing placeholder", "world", ic.World.ID, "speaker", speaker.Name,
		"error", fmt.Errorf("%w: %w", model.ErrGenerationFailed, err))
	return placeholderLine(speaker.Name), true, nil
}

func placeholderLine(name string) string {
	return fmt.Sprintf("(%s pauses, lost in thought.)", name)
}

// dialogueContext gathers what the speaker sees. Memory recall failures are skipped.
func (e *Engine) dialogueContext(ctx context.Context, ic *InteractionContext, speaker model.Agent,
	importance model.ImportanceLevel, lastMessage string) *llm.DialogueContext {

	names := ic.Names()
	dc := &llm.DialogueContext{
		WorldName:  ic.World.Name,
		Speaker:    speaker,
		Importance: importance,
		Direction:  ic.World.SceneDirection,
	}
	for _, entry := range ic.Roster {
		if entry.Agent.ID != speaker.ID {
			dc.OtherNames = append(dc.OtherNames, entry.Agent.Name)
		}
	}
	for _, in := range ic.Recent {
		dc.History = append(dc.History, llm.Line{Speaker: nameOr(names, in.SpeakerID), Content: in.Content})
	}

	summaries := ic.World.Rules.Summaries
	if len(summaries) > summariesShown {
		summaries = summaries[len(summaries)-summariesShown:]
	}
	for _, s := range summaries {
		dc.Summaries = append(dc.Summaries, s.Text)
	}

	for _, r := range ic.Relations {
		if r.SubjectID != speaker.ID {
			continue
		}
		dc.Relations = append(dc.Relations, fmt.Sprintf("%s (%s, trust %.2f, affinity %.2f)",
			nameOr(names, r.TargetID), strings.ReplaceAll(string(r.Stage), "_", " "), r.Trust, r.Affinity))
	}

	if e.deps.Memory != nil && e.opts.MemoryRecall > 0 && lastMessage != "" {
		recalled, err := e.deps.Memory.Recall(ctx, speaker.ID, lastMessage, e.opts.MemoryRecall)
		if err != nil {
			slog.Debug("memory recall failed", "agent", speaker.ID, "error", err)
		}
		for _, m := range recalled {
			dc.Memories = append(dc.Memories, m.Memory.Event)
		}
	}

	if ev := ic.World.EmergentEvent; ev != nil {
		dc.EventPrompt = ev.Prompt
	}
	for _, t := range ic.TempEvents {
		if t.Prompt != "" {
			dc.Nudges = append(dc.Nudges, t.Prompt)
		}
	}
	return dc
}

func nameOr(names map[string]string, id string) string {
	if n, ok := names[id]; ok {
		return n
	}
	return id
}

// pushDistinct appends id as the most recent entry, keeping at most n distinct ids.
func pushDistinct(list []string, id string, n int) []string {
	out := make([]string, 0, n)
	for _, x := range list {
		if x != id {
			out = append(out, x)
		}
	}
	out = append(out, id)
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

// pushTopics records the line's leading content words as recent topics.
func pushTopics(topics []string, line string) []string {
	words := narrative.ContentWords(line)
	if len(words) > 3 {
		words = words[:3]
	}
	for _, w := range words {
		topics = pushDistinct(topics, w, recentTopicWindow)
	}
	return topics
}
