// Package director decides how a story should move: arc progress (macro), which
// characters to develop (meso) and the tone, pacing and next speaker of the scene (micro).
package director

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/talgya/chorus/internal/llm"
	"github.com/talgya/chorus/internal/model"
	"github.com/talgya/chorus/internal/narrative"
)

const systemPrompt = `You are the Director of an ongoing ensemble conversation between fictional characters.

Your role: read the recent scene and steer it with light touches. You never write dialogue. You decide where the story is heading and hint at how the next few lines should feel.

## Decision levels

1. MACRO: how far the story arc advanced since your last look. Small steps. A quiet exchange is 0.0 to 0.03, a turning point 0.1 or more. Negative values are allowed when the story stalled and should back off a climax.
2. MESO: which one to three characters deserve development over the next turns (usually someone under-used or a relationship about to change), and for how many turns.
3. MICRO: the tone of the next lines (one or two words), the pacing ("slow", "steady" or "quick"), and optionally who should speak next.

## Response Format

Respond with ONLY valid JSON (no markdown, no explanation outside the JSON):
{
  "rationale": "One or two sentences on what the scene needs.",
  "macro": {"progress_delta": 0.04},
  "meso": {"focus": ["Bram"], "focus_turns": 6, "note": "Bram's loyalty to Ada is being tested."},
  "micro": {"tone": "uneasy", "pacing": "slow", "next_speaker": "Bram", "note": "Let the silence sit before anyone answers."}
}

## Important Rules

- Use character names exactly as listed.
- Prefer characters who have spoken little when choosing focus.
- Never pick the character who spoke last as next_speaker.
- Keep notes in-world and short.`

// Defaults for a decision.
const (
	DefaultFocusTurns = 6
	maxFocusTurns     = 20
	maxFocus          = 3
	maxProgressStep   = 0.25
	minProgressStep   = -0.1
)

// Character is the director's view of one roster member.
type Character struct {
	ID            string
	Name          string
	Importance    model.ImportanceLevel
	Participation int // Lines in the recent window
	Focused       bool
}

// Input is the summarized context for one evaluation.
type Input struct {
	World         model.World
	Total         int
	LastSpeakerID string
	Roster        []Character
	Recent        []llm.Line // Chronological
	Relations     []model.Relation
	Report        *narrative.Report
}

// Decision is the outcome of an evaluation.
type Decision struct {
	Source    string `json:"source"` // "llm" or "heuristic"
	Rationale string `json:"rationale"`

	// Macro
	ProgressDelta float64        `json:"progress_delta"`
	Arc           model.StoryArc `json:"arc"`

	// Meso
	FocusAgentIDs []string `json:"focus_agent_ids,omitempty"`
	FocusTurns    int      `json:"focus_turns"`
	FocusNote     string   `json:"focus_note,omitempty"`

	// Micro
	Tone               string `json:"tone"`
	Pacing             string `json:"pacing"`
	SuggestedSpeakerID string `json:"suggested_speaker_id,omitempty"`
	Note               string `json:"note,omitempty"`
}

// Direction converts the decision into the scene direction stored on the world.
func (d Decision) Direction(turn int) *model.SceneDirection {
	level := model.LevelMicro
	switch {
	case d.SuggestedSpeakerID == "" && len(d.FocusAgentIDs) > 0:
		level = model.LevelMeso
	case d.SuggestedSpeakerID == "" && d.Arc.Phase != "":
		level = model.LevelMacro
	}
	note := d.Note
	if d.FocusNote != "" {
		note = strings.TrimSpace(note + " " + d.FocusNote)
	}
	return &model.SceneDirection{
		Level:              level,
		Tone:               d.Tone,
		Pacing:             d.Pacing,
		SuggestedSpeakerID: d.SuggestedSpeakerID,
		FocusAgentIDs:      d.FocusAgentIDs,
		Note:               note,
		DecidedAtTurn:      turn,
	}
}

// Director evaluates scenes with a model when one is configured and with heuristics otherwise.
type Director struct {
	gen       llm.Generator
	modelName string
	timeout   time.Duration
}

// New returns a director. A nil generator means heuristics only.
func New(gen llm.Generator, modelName string, timeout time.Duration) *Director {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Director{gen: gen, modelName: modelName, timeout: timeout}
}

// Evaluate returns a decision for the scene. Model failures and invalid output fall back to
// heuristics; only cancellation of ctx is returned as an error.
func (d *Director) Evaluate(ctx context.Context, in Input) (Decision, error) {
	if d.gen == nil || len(in.Roster) == 0 {
		return Heuristic(in), nil
	}

	dec, err := d.decide(ctx, in)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Decision{}, ctxErr
		}
		slog.Warn("director falling back to heuristics", "world", in.World.ID, "error", err)
		return Heuristic(in), nil
	}
	return dec, nil
}

func (d *Director) decide(ctx context.Context, in Input) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	prompt := formatContext(in)
	slog.Debug("director prompt", "world", in.World.ID, "length", len(prompt))

	res, err := d.gen.Generate(ctx, prompt, llm.Options{
		Model:       d.modelName,
		System:      systemPrompt,
		Temperature: 0.4,
		MaxTokens:   400,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("director call: %w", err)
	}

	raw, err := llm.ExtractJSONObject(res.Text)
	if err != nil {
		return Decision{}, err
	}
	parsed, err := parseDecision(raw)
	if err != nil {
		return Decision{}, err
	}

	dec, err := enforceGuardrails(parsed, in)
	if err != nil {
		return Decision{}, fmt.Errorf("guardrail violation: %w", err)
	}
	return dec, nil
}

// enforceGuardrails resolves names to roster ids and clamps the decision within safe bounds.
func enforceGuardrails(p *llmDecision, in Input) (Decision, error) {
	byName := make(map[string]string, len(in.Roster))
	for _, c := range in.Roster {
		byName[strings.ToLower(c.Name)] = c.ID
		byName[strings.ToLower(c.ID)] = c.ID
	}
	resolve := func(name string) string {
		return byName[strings.ToLower(strings.TrimSpace(name))]
	}

	dec := Decision{
		Source:        "llm",
		Rationale:     p.Rationale,
		ProgressDelta: clamp(p.Macro.ProgressDelta, minProgressStep, maxProgressStep),
		FocusTurns:    p.Meso.FocusTurns,
		FocusNote:     p.Meso.Note,
		Tone:          strings.ToLower(strings.TrimSpace(p.Micro.Tone)),
		Pacing:        p.Micro.Pacing,
		Note:          p.Micro.Note,
	}
	dec.Arc = advance(in.World.Rules.Arc, dec.ProgressDelta)

	seen := make(map[string]bool)
	for _, name := range p.Meso.Focus {
		id := resolve(name)
		if id == "" {
			slog.Warn("director named unknown character", "world", in.World.ID, "name", name)
			continue
		}
		if !seen[id] && len(dec.FocusAgentIDs) < maxFocus {
			seen[id] = true
			dec.FocusAgentIDs = append(dec.FocusAgentIDs, id)
		}
	}
	if len(dec.FocusAgentIDs) > 0 && dec.FocusTurns <= 0 {
		dec.FocusTurns = DefaultFocusTurns
	}
	if dec.FocusTurns > maxFocusTurns {
		dec.FocusTurns = maxFocusTurns
	}

	if p.Micro.NextSpeaker != "" {
		id := resolve(p.Micro.NextSpeaker)
		switch {
		case id == "":
			return Decision{}, fmt.Errorf("unknown next speaker %q", p.Micro.NextSpeaker)
		case id == in.LastSpeakerID && len(in.Roster) > 1:
			slog.Warn("director suggested last speaker, dropping", "world", in.World.ID, "speaker", id)
		default:
			dec.SuggestedSpeakerID = id
		}
	}
	if dec.Tone == "" {
		return Decision{}, errors.New("empty tone")
	}
	return dec, nil
}

// advance applies a progress step to an arc. Progress is bounded to [0, 1].
func advance(arc model.StoryArc, delta float64) model.StoryArc {
	arc.Progress = clamp(arc.Progress+delta, 0, 1)
	arc.Phase = model.PhaseForProgress(arc.Progress)
	return arc
}

// formatContext builds a concise prompt from the scene.
func formatContext(in Input) string {
	var b strings.Builder

	arc := in.World.Rules.Arc
	if arc.Phase == "" {
		arc.Phase = model.PhaseForProgress(arc.Progress)
	}
	fmt.Fprintf(&b, "## Story (%s)\n", in.World.Name)
	fmt.Fprintf(&b, "Arc phase: %s | Progress: %.2f | Total lines so far: %d\n", arc.Phase, arc.Progress, in.Total)
	if n := len(in.World.Rules.Summaries); n > 0 {
		fmt.Fprintf(&b, "Earlier: %s\n", in.World.Rules.Summaries[n-1].Text)
	}
	b.WriteString("\n")

	names := make(map[string]string, len(in.Roster))
	fmt.Fprintf(&b, "## Characters\n")
	for _, c := range in.Roster {
		names[c.ID] = c.Name
		last := ""
		if c.ID == in.LastSpeakerID {
			last = ", spoke last"
		}
		fmt.Fprintf(&b, "- %s (%s): %d recent lines%s\n", c.Name, c.Importance, c.Participation, last)
	}
	b.WriteString("\n")

	if highlights := relationHighlights(in.Relations, names, 5); len(highlights) > 0 {
		fmt.Fprintf(&b, "## Relationships\n")
		for _, h := range highlights {
			fmt.Fprintf(&b, "- %s\n", h)
		}
		b.WriteString("\n")
	}

	if r := in.Report; r != nil && r.SampleSize > 0 {
		m := r.Metrics
		fmt.Fprintf(&b, "## Scene health\n")
		fmt.Fprintf(&b, "Repetition %.2f | Tension %.2f (%+.2f) | Engagement %.2f | Balance %.2f\n",
			m.Repetition, m.Tension, r.TensionDelta, m.Engagement, m.SpeakerBalance)
		for _, w := range r.Warnings {
			fmt.Fprintf(&b, "Warning (%s): %s\n", w.Severity, w.Message)
		}
		b.WriteString("\n")
	}

	if len(in.Recent) > 0 {
		fmt.Fprintf(&b, "## Recent lines\n")
		for _, l := range in.Recent {
			fmt.Fprintf(&b, "%s: %s\n", l.Speaker, l.Content)
		}
	}
	return b.String()
}

// relationHighlights returns the deepest relations as readable lines.
func relationHighlights(rels []model.Relation, names map[string]string, n int) []string {
	type scored struct {
		r     model.Relation
		depth float64
	}
	var list []scored
	for _, r := range rels {
		if names[r.SubjectID] == "" || names[r.TargetID] == "" {
			continue
		}
		list = append(list, scored{r, r.Depth()})
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].depth > list[j].depth })
	var out []string
	for i := 0; i < len(list) && i < n; i++ {
		r := list[i].r
		out = append(out, fmt.Sprintf("%s → %s: %s (trust %.2f, affinity %+.2f)",
			names[r.SubjectID], names[r.TargetID], r.Stage, r.Trust, r.Affinity))
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
