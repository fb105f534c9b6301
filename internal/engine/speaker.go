package engine

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/coregx/ahocorasick"

	"github.com/talgya/chorus/internal/entropy"
	"github.com/talgya/chorus/internal/model"
)

// Speaker score bonuses.
const (
	bonusBalance    = 10.0
	bonusArousal    = 5.0
	bonusExtravert  = 3.0
	bonusMention    = 15.0
	bonusMain       = 20.0
	bonusSecondary  = 8.0
	bonusSuggested  = 50.0
	bonusFocused    = 12.0
	lotteryPoolSize = 3
)

// Candidate is an active agent eligible to speak.
type Candidate struct {
	ID            string
	Name          string
	Participation int     // Lines in the recent window
	Arousal       float64 // 0.0–1.0
	Extraversion  float64 // 0.0–1.0
	Importance    model.ImportanceLevel
	Focused       bool // Focus window still open
}

// SpeakerInput is everything speaker selection reads.
type SpeakerInput struct {
	Candidates    []Candidate
	LastSpeakerID string
	LastMessage   string
	StoryMode     bool
	Direction     *model.SceneDirection
}

// Scored is a candidate with its selection score.
type Scored struct {
	Candidate
	Score float64
}

// ScoreCandidates scores every candidate except the previous speaker, highest first.
func ScoreCandidates(in SpeakerInput) []Scored {
	if len(in.Candidates) == 0 {
		return nil
	}

	total := 0
	for _, c := range in.Candidates {
		total += c.Participation
	}
	avg := float64(total) / float64(len(in.Candidates))

	mentioned := Mentions(in.LastMessage, in.Candidates)

	suggested := ""
	if in.Direction != nil {
		suggested = in.Direction.SuggestedSpeakerID
	}

	var out []Scored
	for _, c := range in.Candidates {
		if c.ID == in.LastSpeakerID {
			continue
		}
		s := bonusBalance * max(0, avg-float64(c.Participation))
		s += bonusArousal * clamp01(c.Arousal)
		s += bonusExtravert * clamp01(c.Extraversion)
		if mentioned[c.ID] {
			s += bonusMention
		}
		if in.StoryMode {
			switch c.Importance {
			case model.ImportanceMain:
				s += bonusMain
			case model.ImportanceSecondary:
				s += bonusSecondary
			}
		}
		if suggested != "" && c.ID == suggested {
			s += bonusSuggested
		}
		if c.Focused {
			s += bonusFocused
		}
		out = append(out, Scored{Candidate: c, Score: s})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// SelectSpeaker picks the next speaker. A lone candidate is returned unconditionally;
// otherwise the previous speaker is excluded and one of the top three is drawn with
// probability proportional to score. ok is false when nobody qualifies.
func SelectSpeaker(in SpeakerInput, rng entropy.Source) (Candidate, bool) {
	if len(in.Candidates) == 1 {
		return in.Candidates[0], true
	}
	scored := ScoreCandidates(in)
	if len(scored) == 0 {
		return Candidate{}, false
	}
	pool := scored
	if len(pool) > lotteryPoolSize {
		pool = pool[:lotteryPoolSize]
	}

	sum := 0.0
	for _, s := range pool {
		sum += s.Score
	}
	if sum <= 0 {
		return pool[entropy.Intn(rng, len(pool))].Candidate, true
	}
	draw := rng.Float64() * sum
	for _, s := range pool {
		draw -= s.Score
		if draw < 0 {
			return s.Candidate, true
		}
	}
	return pool[len(pool)-1].Candidate, true
}

// Mentions returns the ids of candidates whose name appears in text as a whole word,
// ignoring case.
func Mentions(text string, candidates []Candidate) map[string]bool {
	found := make(map[string]bool)
	if text == "" || len(candidates) == 0 {
		return found
	}

	var patterns []string
	var owners [][]string
	index := make(map[string]int)
	for _, c := range candidates {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" {
			continue
		}
		if i, ok := index[name]; ok {
			owners[i] = append(owners[i], c.ID)
			continue
		}
		index[name] = len(patterns)
		patterns = append(patterns, name)
		owners = append(owners, []string{c.ID})
	}
	if len(patterns) == 0 {
		return found
	}

	ac, err := ahocorasick.NewBuilder().
		AddStrings(patterns).
		SetMatchKind(ahocorasick.LeftmostLongest).
		SetPrefilter(true).
		Build()
	if err != nil {
		return found
	}

	haystack := strings.ToLower(text)
	for _, m := range ac.FindAllOverlapping([]byte(haystack)) {
		if !wordBoundary(haystack, m.Start, m.End) {
			continue
		}
		for _, id := range owners[m.PatternID] {
			found[id] = true
		}
	}
	return found
}

// wordBoundary reports whether s[start:end] is not glued to letters or digits on either side.
func wordBoundary(s string, start, end int) bool {
	if start > 0 {
		r, _ := utf8.DecodeLastRuneInString(s[:start])
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	if end < len(s) {
		r, _ := utf8.DecodeRuneInString(s[end:])
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
