// Dialogue turn prompts: the persona goes in the system prompt, the scene in the user prompt.
package llm

import (
	"fmt"
	"strings"

	"github.com/talgya/chorus/internal/model"
)

// Line is one prior utterance shown to the speaker.
type Line struct {
	Speaker string
	Content string
}

// DialogueContext is everything a speaking agent sees before its turn.
type DialogueContext struct {
	WorldName   string
	Speaker     model.Agent
	Importance  model.ImportanceLevel
	OtherNames  []string
	History     []Line
	Summaries   []string // Condensed earlier conversation, oldest first
	Relations   []string // "Bram (friend, trust 0.62)"
	Memories    []string // Recalled episodic memories, most relevant first
	Direction   *model.SceneDirection
	EventPrompt string
	Nudges      []string // Queued prompt fragments from the temp-event queue
}

// DialoguePrompt returns the system and user prompts for one dialogue turn.
func DialoguePrompt(dc *DialogueContext) (system, user string) {
	return dialogueSystemPrompt(dc), dialogueUserPrompt(dc)
}

func dialogueSystemPrompt(dc *DialogueContext) string {
	p := dc.Speaker.Personality
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a character in %s.", dc.Speaker.Name, dc.WorldName)
	if len(dc.OtherNames) > 0 {
		fmt.Fprintf(&b, " Also present: %s.", strings.Join(dc.OtherNames, ", "))
	}
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "Personality (0-1): openness %.2f, conscientiousness %.2f, extraversion %.2f, agreeableness %.2f, neuroticism %.2f.\n",
		trait(p.Openness), trait(p.Conscientiousness), trait(p.Extraversion), trait(p.Agreeableness), trait(p.Neuroticism))
	if len(p.Traits) > 0 {
		fmt.Fprintf(&b, "Traits: %s.\n", strings.Join(p.Traits, ", "))
	}
	if p.Backstory != "" {
		fmt.Fprintf(&b, "Backstory: %s\n", p.Backstory)
	}
	if p.Voice != "" {
		fmt.Fprintf(&b, "Speaking style: %s\n", p.Voice)
	}
	if e := dc.Speaker.Emotion; e.Dominant != "" {
		fmt.Fprintf(&b, "Right now you feel %s (arousal %.2f).\n", e.Dominant, e.Arousal)
	}

	b.WriteString(`
Reply with a single line of dialogue as this character: 1-3 sentences, no stage directions,
no name prefix, no quotation marks. Stay in character, move the conversation forward and do
not repeat what was just said.`)
	return b.String()
}

func dialogueUserPrompt(dc *DialogueContext) string {
	var b strings.Builder

	if len(dc.Summaries) > 0 {
		b.WriteString("Earlier, in summary:\n")
		for _, s := range dc.Summaries {
			fmt.Fprintf(&b, "- %s\n", s)
		}
		b.WriteString("\n")
	}

	if len(dc.Relations) > 0 {
		b.WriteString("How you feel about the others:\n")
		for _, r := range dc.Relations {
			fmt.Fprintf(&b, "- %s\n", r)
		}
		b.WriteString("\n")
	}

	if len(dc.Memories) > 0 {
		b.WriteString("Things you remember:\n")
		for _, m := range dc.Memories {
			fmt.Fprintf(&b, "- %s\n", m)
		}
		b.WriteString("\n")
	}

	if d := dc.Direction; d != nil {
		b.WriteString("Scene direction:")
		if d.Tone != "" {
			fmt.Fprintf(&b, " tone %s.", d.Tone)
		}
		if d.Pacing != "" {
			fmt.Fprintf(&b, " pacing %s.", d.Pacing)
		}
		if d.Note != "" {
			fmt.Fprintf(&b, " %s", d.Note)
		}
		b.WriteString("\n\n")
	}

	if dc.EventPrompt != "" {
		fmt.Fprintf(&b, "Something just happened: %s\n\n", dc.EventPrompt)
	}
	for _, n := range dc.Nudges {
		if n != dc.EventPrompt {
			fmt.Fprintf(&b, "Also: %s\n", n)
		}
	}
	if len(dc.Nudges) > 0 {
		b.WriteString("\n")
	}

	if len(dc.History) == 0 {
		b.WriteString("The conversation is just beginning.\n\n")
	} else {
		b.WriteString("Conversation so far:\n")
		for _, l := range dc.History {
			fmt.Fprintf(&b, "%s: %s\n", l.Speaker, l.Content)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "What does %s say next?", dc.Speaker.Name)
	return b.String()
}

func trait(v float64) float64 {
	if v > 1 {
		v /= 100
	}
	return v
}

// CleanLine strips the wrapping a model sometimes adds around a line of dialogue:
// a leading "Name:" prefix and surrounding quotes.
func CleanLine(text, speaker string) string {
	s := strings.TrimSpace(text)
	if prefix := speaker + ":"; strings.HasPrefix(s, prefix) {
		s = strings.TrimSpace(s[len(prefix):])
	}
	s = strings.Trim(s, "\"“”")
	return strings.TrimSpace(s)
}

// ExtractJSONObject returns the outermost {...} span in a response that may include prose.
func ExtractJSONObject(response string) (string, error) {
	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start == -1 || end == -1 || end <= start {
		return "", fmt.Errorf("no JSON object found in response")
	}
	return response[start : end+1], nil
}
