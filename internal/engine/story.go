package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/talgya/chorus/internal/director"
	"github.com/talgya/chorus/internal/llm"
	"github.com/talgya/chorus/internal/model"
	"github.com/talgya/chorus/internal/narrative"
	"github.com/talgya/chorus/internal/notify"
)

// suggestionTurns is how long a director's next-speaker suggestion keeps its bonus.
const suggestionTurns = 2

// activeDirection returns the world's direction with a stale speaker suggestion dropped.
func activeDirection(w model.World, total int) *model.SceneDirection {
	d := w.SceneDirection
	if d == nil || d.SuggestedSpeakerID == "" || total-d.DecidedAtTurn <= suggestionTurns {
		return d
	}
	cp := *d
	cp.SuggestedSpeakerID = ""
	return &cp
}

// updateRelations writes the bonds touched by a line and announces them.
func (e *Engine) updateRelations(ctx context.Context, ic *InteractionContext, speakerID, previousID string,
	mentioned map[string]bool, sentiment float64, now time.Time) {

	existing := make(map[[2]string]model.Relation, len(ic.Relations))
	for _, r := range ic.Relations {
		existing[[2]string{r.SubjectID, r.TargetID}] = r
	}
	rels := bondUpdates(existing, speakerID, previousID, mentioned, sentiment, now)
	if len(rels) == 0 {
		return
	}
	if err := e.deps.Store.UpsertRelations(ctx, rels); err != nil {
		slog.Warn("update relations failed", "world", ic.World.ID, "error", err)
		return
	}

	for _, r := range rels {
		existing[[2]string{r.SubjectID, r.TargetID}] = r
	}
	ic.Relations = ic.Relations[:0]
	for _, r := range existing {
		ic.Relations = append(ic.Relations, r)
	}
	e.deps.Publisher.Publish(ic.World.ID, notify.Event{Type: notify.TypeRelationUpdate, Data: rels})
}

// remember stores what the line meant to the speaker and to everyone it named.
func (e *Engine) remember(ctx context.Context, ic *InteractionContext, in model.Interaction,
	emotion model.Emotion, previousID string, mentioned map[string]bool) {

	if e.deps.Memory == nil {
		return
	}
	names := ic.Names()
	speaker := nameOr(names, in.SpeakerID)
	importance := clamp01(0.3 + 0.4*abs(in.Sentiment) + 0.3*emotion.Arousal)

	var involved []string
	if previousID != "" && previousID != in.SpeakerID {
		involved = append(involved, previousID)
	}
	for id := range mentioned {
		if id != previousID {
			involved = append(involved, id)
		}
	}

	event := fmt.Sprintf("I said: %s", in.Content)
	if previousID != "" && previousID != in.SpeakerID {
		event = fmt.Sprintf("I answered %s: %s", nameOr(names, previousID), in.Content)
	}
	mems := []model.EpisodicMemory{{
		AgentID: in.SpeakerID, Event: event, InvolvedAgentIDs: involved,
		Importance: importance, Arousal: emotion.Arousal,
	}}
	for id := range mentioned {
		mems = append(mems, model.EpisodicMemory{
			AgentID:          id,
			Event:            fmt.Sprintf("%s spoke of me: %s", speaker, in.Content),
			InvolvedAgentIDs: []string{in.SpeakerID},
			Importance:       clamp01(importance + 0.1),
			Arousal:          emotion.Arousal,
		})
	}
	for _, m := range mems {
		m.WorldID = in.WorldID
		m.Turn = in.Turn
		m.CreatedAt = in.CreatedAt
		if _, err := e.deps.Memory.Record(ctx, m); err != nil {
			slog.Warn("record memory failed", "agent", m.AgentID, "error", err)
		}
	}
}

// afterTurn runs the story hooks: analysis and emergent events on their cadence, then the
// director. Failures are logged and never undo the turn.
func (e *Engine) afterTurn(ctx context.Context, ic *InteractionContext) {
	worldID := ic.World.ID
	total := ic.State.TotalInteractions

	var report *narrative.Report
	if total%e.opts.AnalysisEvery == 0 {
		r := e.deps.Analyzers.For(worldID).Analyze(ic.Recent, len(ic.Roster))
		report = &r
		slog.Debug("scene analyzed", "world", worldID, "tension", r.Metrics.Tension,
			"engagement", r.Metrics.Engagement, "warnings", len(r.Warnings))

		if ic.World.EmergentEvent.Expired(total) {
			if ev := e.deps.Events.Evaluate(r, participants(ic), ic.Participation(), total); ev != nil {
				if err := e.applier.Apply(ctx, worldID, ev); err != nil {
					slog.Warn("apply emergent event failed", "world", worldID, "error", err)
				} else {
					slog.Info("emergent event triggered", "world", worldID, "template", ev.TemplateID)
					ic.World.EmergentEvent = ev
				}
			}
		}
	}

	if e.opts.ShouldDirectorEvaluate(total) {
		if err := e.direct(ctx, ic, report); err != nil {
			slog.Warn("director evaluation failed", "world", worldID, "error", err)
		}
	}
}

// direct asks the director for a decision and applies it to the world and its roster.
func (e *Engine) direct(ctx context.Context, ic *InteractionContext, report *narrative.Report) error {
	worldID := ic.World.ID
	total := ic.State.TotalInteractions
	now := e.now()

	if report == nil {
		if last, ok := e.deps.Analyzers.For(worldID).Last(); ok {
			report = &last
		}
	}

	names := ic.Names()
	part := ic.Participation()
	in := director.Input{
		World:         ic.World,
		Total:         total,
		LastSpeakerID: ic.State.LastSpeakerID,
		Relations:     ic.Relations,
		Report:        report,
	}
	for _, entry := range ic.Roster {
		in.Roster = append(in.Roster, director.Character{
			ID:            entry.Agent.ID,
			Name:          entry.Agent.Name,
			Importance:    entry.Membership.Importance,
			Participation: part[entry.Agent.ID],
			Focused:       entry.Membership.FocusActive(now),
		})
	}
	for _, r := range ic.Recent {
		in.Recent = append(in.Recent, llm.Line{Speaker: nameOr(names, r.SpeakerID), Content: r.Content})
	}

	dec, err := e.deps.Director.Evaluate(ctx, in)
	if err != nil {
		return err
	}
	dir := dec.Direction(total)
	if err := e.deps.Store.SetSceneDirection(ctx, worldID, dir); err != nil {
		return err
	}
	if err := e.deps.Store.SetStoryArc(ctx, worldID, dec.Arc); err != nil {
		return err
	}
	ic.World.SceneDirection = dir
	ic.World.Rules.Arc = dec.Arc

	if len(dec.FocusAgentIDs) > 0 {
		turn := ic.World.Delay()
		if turn <= 0 {
			turn = e.opts.FocusTurnLength
		}
		until := now.Add(time.Duration(dec.FocusTurns) * turn)
		if err := e.deps.Store.SetFocus(ctx, worldID, dec.FocusAgentIDs, until); err != nil {
			slog.Warn("set focus failed", "world", worldID, "error", err)
		} else {
			focused := make(map[string]bool, len(dec.FocusAgentIDs))
			for _, id := range dec.FocusAgentIDs {
				focused[id] = true
			}
			for i := range ic.Roster {
				m := &ic.Roster[i].Membership
				m.IsFocused = focused[m.AgentID]
				if m.IsFocused {
					m.FocusedUntil = until
				}
			}
		}
	}

	if cached, ok := e.deps.Cache.GetState(ctx, worldID); ok {
		cached.World.SceneDirection = dir
		cached.World.Rules.Arc = dec.Arc
		e.deps.Cache.SaveState(ctx, cached)
	}
	e.deps.Publisher.Publish(worldID, notify.Event{Type: notify.TypeSceneDirection, Data: map[string]any{
		"direction": dir,
		"arc":       dec.Arc,
		"source":    dec.Source,
		"rationale": dec.Rationale,
	}})
	slog.Info("scene directed", "world", worldID, "source", dec.Source, "phase", dec.Arc.Phase,
		"progress", dec.Arc.Progress, "tone", dec.Tone, "focus", strings.Join(dec.FocusAgentIDs, ","))

	members := make([]model.WorldAgent, 0, len(ic.Roster))
	for _, entry := range ic.Roster {
		members = append(members, entry.Membership)
	}
	changes, err := e.importance.Recalculate(ctx, worldID, members, part, ic.Relations, dir)
	if err != nil {
		slog.Warn("importance recalculation failed", "world", worldID, "error", err)
	}
	for _, c := range changes {
		for i := range ic.Roster {
			if ic.Roster[i].Agent.ID == c.AgentID {
				ic.Roster[i].Membership.Importance = c.To
				ic.Roster[i].Membership.ImportanceScore = c.Score
			}
		}
	}
	return nil
}

func participants(ic *InteractionContext) []narrative.Participant {
	out := make([]narrative.Participant, 0, len(ic.Roster))
	for _, entry := range ic.Roster {
		out = append(out, narrative.Participant{ID: entry.Agent.ID, Name: entry.Agent.Name})
	}
	return out
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
