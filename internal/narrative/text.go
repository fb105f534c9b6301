// Package narrative measures conversation quality and injects emergent events when it sags.
package narrative

import (
	"strings"
	"unicode"

	"github.com/orsinium-labs/stopwords"

	"github.com/talgya/chorus/internal/model"
)

var english = stopwords.MustGet("en")

// Tokens lower-cases text and splits it into words.
func Tokens(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

// ContentWords returns the words of text that carry meaning: no stopwords, nothing shorter than 3 letters.
func ContentWords(text string) []string {
	var out []string
	for _, w := range Tokens(text) {
		w = strings.Trim(w, "'")
		if len(w) < 3 || english.Contains(w) {
			continue
		}
		out = append(out, w)
	}
	return out
}

var (
	positiveWords = wordSet("love", "glad", "happy", "great", "good", "wonderful", "thank", "thanks", "hope",
		"beautiful", "friend", "agree", "yes", "laugh", "kind", "warm", "trust", "excited", "delighted",
		"brilliant", "calm", "safe", "proud", "together", "welcome", "fine", "sure", "lovely", "enjoy")
	negativeWords = wordSet("hate", "angry", "sad", "afraid", "fear", "terrible", "awful", "bad", "wrong",
		"never", "liar", "lie", "stop", "enough", "fault", "blame", "hurt", "danger", "threat", "betray",
		"cold", "dead", "worse", "worst", "furious", "scared", "alone", "refuse", "no", "leave")
	intensifiers = wordSet("very", "really", "so", "too", "extremely", "absolutely", "utterly")
)

func wordSet(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

// Sentiment scores text from -1 (hostile) to 1 (warm) with a small lexicon.
func Sentiment(text string) float64 {
	score, hits := 0.0, 0
	boost := 1.0
	for _, w := range Tokens(text) {
		switch {
		case intensifiers[w]:
			boost = 1.5
			continue
		case positiveWords[w]:
			score += boost
			hits++
		case negativeWords[w]:
			score -= boost
			hits++
		}
		boost = 1
	}
	if hits == 0 {
		return 0
	}
	s := score / float64(hits+1)
	if s > 1 {
		return 1
	}
	if s < -1 {
		return -1
	}
	return s
}

// EmotionFor derives the speaker's emotional snapshot from what they just said.
// Arousal rises with exclamation, questions and strong sentiment.
func EmotionFor(text string, sentiment float64, prev model.Emotion) model.Emotion {
	arousal := 0.2 + 0.5*abs(sentiment)
	arousal += 0.1 * float64(min(strings.Count(text, "!"), 3))
	if strings.Contains(text, "?") {
		arousal += 0.05
	}
	// Smooth against the previous snapshot so one line does not swing the mood.
	arousal = clamp01(0.6*arousal + 0.4*prev.Arousal)
	valence := clampSigned(0.6*sentiment + 0.4*prev.Valence)

	dominant := "neutral"
	switch {
	case valence > 0.35 && arousal > 0.5:
		dominant = "excitement"
	case valence > 0.2:
		dominant = "joy"
	case valence < -0.35 && arousal > 0.5:
		dominant = "anger"
	case valence < -0.2:
		dominant = "sadness"
	case arousal > 0.6:
		dominant = "surprise"
	}
	return model.Emotion{Arousal: arousal, Valence: valence, Dominant: dominant}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func clamp01(v float64) float64 {
	return max(0, min(1, v))
}

func clampSigned(v float64) float64 {
	return max(-1, min(1, v))
}
