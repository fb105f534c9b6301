package narrative

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/talgya/chorus/internal/cache"
	"github.com/talgya/chorus/internal/entropy"
	"github.com/talgya/chorus/internal/model"
	"github.com/talgya/chorus/internal/notify"
)

// Template is a scripted disruption. Prompt and Description may reference involved
// characters as {a} and {b}.
type Template struct {
	ID          string
	Kind        model.EventKind
	Name        string
	Description string
	Prompt      string
	Cast        int           // Characters involved, 1 or 2
	Triggers    []WarningKind // Conditions this template answers
}

// DefaultTemplates is the built-in event library.
var DefaultTemplates = []Template{
	{
		ID: "bump-doorway", Kind: model.EventBumpInto, Name: "Collision in the doorway", Cast: 2,
		Description: "{a} and {b} nearly knock each other over.",
		Prompt:      "{a} has just collided with {b} in a doorway, spilling what {a} was carrying. React to it.",
		Triggers:    []WarningKind{WarnDominance, WarnLowEngagement},
	},
	{
		ID: "bump-old-acquaintance", Kind: model.EventBumpInto, Name: "Unexpected reunion", Cast: 2,
		Description: "{a} recognizes {b} from somewhere long ago.",
		Prompt:      "{a} suddenly realizes they have met {b} before, years ago, under odd circumstances.",
		Triggers:    []WarningKind{WarnRepetition, WarnFlatTension},
	},
	{
		ID: "interrupt-messenger", Kind: model.EventInterruption, Name: "Urgent message", Cast: 1,
		Description: "A breathless messenger arrives looking for {a}.",
		Prompt:      "A messenger has just burst in with urgent news for {a}. The news is unsettling.",
		Triggers:    []WarningKind{WarnRepetition, WarnLowEngagement},
	},
	{
		ID: "interrupt-storm", Kind: model.EventInterruption, Name: "Sudden storm", Cast: 1,
		Description: "A storm breaks overhead; {a} is caught outside.",
		Prompt:      "A violent storm has just broken out and {a} came in soaked. Everyone has to deal with it.",
		Triggers:    []WarningKind{WarnFlatTension, WarnLowEngagement},
	},
	{
		ID: "coincidence-same-letter", Kind: model.EventCoincidence, Name: "Matching letters", Cast: 2,
		Description: "{a} and {b} discover they received the same anonymous letter.",
		Prompt:      "{a} and {b} have each just found an identical anonymous letter. Who sent it?",
		Triggers:    []WarningKind{WarnDominance, WarnRepetition},
	},
	{
		ID: "revelation-secret", Kind: model.EventRevelation, Name: "A secret slips", Cast: 1,
		Description: "{a} lets slip something they had kept hidden.",
		Prompt:      "{a} has accidentally revealed a secret they were hiding. The others noticed.",
		Triggers:    []WarningKind{WarnFlatTension, WarnRepetition},
	},
	{
		ID: "disturbance-noise", Kind: model.EventDisturbance, Name: "Crash next door", Cast: 1,
		Description: "A loud crash comes from the next room; {a} goes pale.",
		Prompt:      "There was just a loud crash from the next room, and {a} seems to know what caused it.",
		Triggers:    []WarningKind{WarnFlatTension, WarnDominance},
	},
}

// Participant is a candidate character for an event.
type Participant struct {
	ID   string
	Name string
}

// Generator decides whether a report warrants an emergent event.
type Generator struct {
	Templates []Template
	Rand      entropy.Source
	now       func() time.Time
}

// NewGenerator returns a generator over the default library.
func NewGenerator(rng entropy.Source) *Generator {
	return &Generator{Templates: DefaultTemplates, Rand: rng, now: time.Now}
}

// triggerChance is the probability of firing given the worst matching severity.
func triggerChance(s Severity) float64 {
	switch s {
	case SeverityCritical:
		return 1
	case SeverityHigh:
		return 0.8
	case SeverityMedium:
		return 0.5
	default:
		return 0
	}
}

// Evaluate returns an event to inject, or nil. roster lists active characters and
// participation counts their recent turns; quieter characters are cast first.
func (g *Generator) Evaluate(report Report, roster []Participant, participation map[string]int, total int) *model.ActiveEvent {
	if len(roster) == 0 {
		return nil
	}

	worst := Severity("")
	var eligible []Template
	for _, t := range g.Templates {
		if t.Cast > len(roster) {
			continue
		}
		matched := false
		for _, w := range report.Warnings {
			if !w.Severity.AtLeast(SeverityMedium) || !containsKind(t.Triggers, w.Kind) {
				continue
			}
			matched = true
			if worst == "" || w.Severity.rank() > worst.rank() {
				worst = w.Severity
			}
		}
		if matched {
			eligible = append(eligible, t)
		}
	}
	if len(eligible) == 0 {
		return nil
	}
	if g.Rand.Float64() >= triggerChance(worst) {
		return nil
	}

	t := eligible[entropy.Intn(g.Rand, len(eligible))]
	cast := g.cast(roster, participation, t.Cast, report)

	ids := make([]string, len(cast))
	for i, p := range cast {
		ids[i] = p.ID
	}
	return &model.ActiveEvent{
		TemplateID:       t.ID,
		Kind:             t.Kind,
		Name:             t.Name,
		Description:      fill(t.Description, cast),
		Prompt:           fill(t.Prompt, cast),
		InvolvedAgentIDs: ids,
		TriggerTurn:      total,
		CreatedAt:        g.now(),
	}
}

// cast picks n characters, least active first, never the dominating speaker when avoidable.
// Ties are broken randomly.
func (g *Generator) cast(roster []Participant, participation map[string]int, n int, report Report) []Participant {
	dominant := ""
	for _, w := range report.Warnings {
		if w.Kind == WarnDominance {
			dominant = w.AgentID
		}
	}
	pool := make([]Participant, len(roster))
	copy(pool, roster)
	jitter := make(map[string]float64, len(pool))
	for _, p := range pool {
		jitter[p.ID] = g.Rand.Float64()
	}
	sort.SliceStable(pool, func(i, j int) bool {
		a, b := pool[i], pool[j]
		if (a.ID == dominant) != (b.ID == dominant) {
			return b.ID == dominant
		}
		if participation[a.ID] != participation[b.ID] {
			return participation[a.ID] < participation[b.ID]
		}
		return jitter[a.ID] < jitter[b.ID]
	})
	return pool[:n]
}

func fill(s string, cast []Participant) string {
	r := s
	if len(cast) > 0 {
		r = strings.ReplaceAll(r, "{a}", cast[0].Name)
	}
	if len(cast) > 1 {
		r = strings.ReplaceAll(r, "{b}", cast[1].Name)
	}
	return r
}

func containsKind(kinds []WarningKind, k WarningKind) bool {
	for _, x := range kinds {
		if x == k {
			return true
		}
	}
	return false
}

// EventStore is the durable side of applying an event.
type EventStore interface {
	SetEmergentEvent(ctx context.Context, worldID string, e *model.ActiveEvent) error
}

// EventApplier attaches an event to a world everywhere it is read from.
type EventApplier struct {
	Store     EventStore
	Cache     cache.StateCache
	Publisher notify.Publisher
}

// Apply writes the event onto the world in the store and the cached projection, queues its
// prompt for the next turn and announces it. The store write is the only fatal step.
func (a *EventApplier) Apply(ctx context.Context, worldID string, ev *model.ActiveEvent) error {
	if err := a.Store.SetEmergentEvent(ctx, worldID, ev); err != nil {
		return fmt.Errorf("apply event %s: %w", ev.TemplateID, err)
	}
	if cached, ok := a.Cache.GetState(ctx, worldID); ok {
		cached.World.EmergentEvent = ev
		a.Cache.SaveState(ctx, cached)
	}
	a.Cache.PushTempEvent(ctx, worldID, cache.TempEvent{Prompt: ev.Prompt, Source: ev.TemplateID, AddedAt: ev.CreatedAt})
	if a.Publisher != nil {
		a.Publisher.Publish(worldID, notify.Event{Type: notify.TypeEmergentEvent, Data: ev})
	}
	return nil
}

// Clear removes the world's event from the store and the cached projection.
func (a *EventApplier) Clear(ctx context.Context, worldID string) error {
	if err := a.Store.SetEmergentEvent(ctx, worldID, nil); err != nil {
		return fmt.Errorf("clear event: %w", err)
	}
	if cached, ok := a.Cache.GetState(ctx, worldID); ok && cached.World.EmergentEvent != nil {
		cached.World.EmergentEvent = nil
		a.Cache.SaveState(ctx, cached)
	}
	return nil
}
