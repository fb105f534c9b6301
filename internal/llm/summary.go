// Consolidation summaries: condense a run of old dialogue into one narrative paragraph.
package llm

import (
	"context"
	"fmt"
	"strings"
)

const summarySystem = `You are the chronicler of an ongoing ensemble conversation.
Condense the transcript you are given into one paragraph of 3-5 sentences of past-tense prose.
Keep names, decisions, conflicts and changes in relationships. Drop small talk.
Do not mention transcripts, summaries or the simulation.`

// maxTranscriptChars bounds the prompt for very long consolidation batches.
const maxTranscriptChars = 24000

// Summarize asks gen for a narrative paragraph covering lines. An empty answer is an error.
func Summarize(ctx context.Context, gen Generator, worldName string, lines []Line) (string, error) {
	if gen == nil {
		return "", ErrDisabled
	}
	var b strings.Builder
	fmt.Fprintf(&b, "World: %s\n\nTranscript:\n", worldName)
	for _, l := range lines {
		entry := fmt.Sprintf("%s: %s\n", l.Speaker, l.Content)
		if b.Len()+len(entry) > maxTranscriptChars {
			b.WriteString("[...]\n")
			break
		}
		b.WriteString(entry)
	}

	res, err := gen.Generate(ctx, b.String(), Options{System: summarySystem, MaxTokens: 400, Temperature: 0.3})
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	text := strings.TrimSpace(res.Text)
	if text == "" {
		return "", fmt.Errorf("summarize: empty response")
	}
	return text, nil
}
