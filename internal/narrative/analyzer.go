package narrative

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/talgya/chorus/internal/model"
)

// WindowSize is how many recent interactions one analysis pass reads.
const WindowSize = 20

// Severity grades a warning.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool { return s.rank() >= other.rank() }

// WarningKind names the condition a warning flags.
type WarningKind string

const (
	WarnRepetition    WarningKind = "repetition"
	WarnDominance     WarningKind = "dominance"
	WarnFlatTension   WarningKind = "flat_tension"
	WarnLowEngagement WarningKind = "low_engagement"
)

// Warning is a crossed quality threshold.
type Warning struct {
	Kind     WarningKind `json:"kind"`
	Severity Severity    `json:"severity"`
	Message  string      `json:"message"`
	AgentID  string      `json:"agent_id,omitempty"` // Dominating speaker, when relevant
}

// Metrics are the derived quality scores, each in [0, 1].
type Metrics struct {
	Repetition     float64 `json:"repetition"`
	Tension        float64 `json:"tension"`
	Engagement     float64 `json:"engagement"`
	SpeakerBalance float64 `json:"speaker_balance"`
}

// Report is the outcome of one analysis pass.
type Report struct {
	Metrics       Metrics        `json:"metrics"`
	Warnings      []Warning      `json:"warnings,omitempty"`
	Participation map[string]int `json:"participation"`
	SampleSize    int            `json:"sample_size"`
	TensionDelta  float64        `json:"tension_delta"` // Change since the previous pass for this world
	AnalyzedAt    time.Time      `json:"analyzed_at"`
}

// Worst returns the most severe warning, or nil.
func (r *Report) Worst() *Warning {
	var worst *Warning
	for i := range r.Warnings {
		if worst == nil || r.Warnings[i].Severity.rank() > worst.Severity.rank() {
			worst = &r.Warnings[i]
		}
	}
	return worst
}

// Has reports whether a warning of the given kind at or above floor is present.
func (r *Report) Has(kind WarningKind, floor Severity) bool {
	for _, w := range r.Warnings {
		if w.Kind == kind && w.Severity.AtLeast(floor) {
			return true
		}
	}
	return false
}

// Analyze computes metrics and warnings for a chronological window of interactions.
// roster is the number of active agents in the world. The result depends only on its inputs.
func Analyze(window []model.Interaction, roster int) Report {
	if len(window) > WindowSize {
		window = window[len(window)-WindowSize:]
	}
	r := Report{
		Participation: make(map[string]int),
		SampleSize:    len(window),
		AnalyzedAt:    time.Now(),
	}
	if len(window) == 0 {
		r.Metrics = Metrics{Engagement: 0, SpeakerBalance: 1}
		return r
	}
	for _, in := range window {
		r.Participation[in.SpeakerID]++
	}

	words := make([]map[string]bool, len(window))
	for i, in := range window {
		words[i] = setOf(ContentWords(in.Content))
	}

	r.Metrics.Repetition = repetition(words)
	var sentimentSD float64
	r.Metrics.Tension, sentimentSD = tension(window)
	r.Metrics.Engagement = engagement(window, words)
	r.Metrics.SpeakerBalance = balance(r.Participation, roster)

	r.Warnings = warnings(r, roster, sentimentSD)
	return r
}

// repetition is the mean, over each message, of its highest word overlap with the five before it.
func repetition(words []map[string]bool) float64 {
	if len(words) < 2 {
		return 0
	}
	total := 0.0
	for i := 1; i < len(words); i++ {
		best := 0.0
		for j := max(0, i-5); j < i; j++ {
			best = max(best, jaccard(words[i], words[j]))
		}
		total += best
	}
	return total / float64(len(words)-1)
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if b[w] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// tension blends how hostile and how volatile the sentiment is. Also returns the sentiment spread.
func tension(window []model.Interaction) (float64, float64) {
	n := float64(len(window))
	var sum, neg, absSum float64
	for _, in := range window {
		sum += in.Sentiment
		absSum += math.Abs(in.Sentiment)
		if in.Sentiment < 0 {
			neg -= in.Sentiment
		}
	}
	mean := sum / n
	var variance float64
	for _, in := range window {
		d := in.Sentiment - mean
		variance += d * d
	}
	sd := math.Sqrt(variance / n)
	t := 0.45*(neg/n) + 0.2*(absSum/n) + 0.35*math.Min(1, 2*sd)
	return clamp01(t), sd
}

// engagement rewards substantial lines, questions and varied vocabulary.
func engagement(window []model.Interaction, words []map[string]bool) float64 {
	var lengthScore, questions float64
	vocab := make(map[string]bool)
	totalWords := 0
	for i, in := range window {
		lengthScore += math.Min(1, float64(len(Tokens(in.Content)))/25)
		if strings.Contains(in.Content, "?") {
			questions++
		}
		for w := range words[i] {
			vocab[w] = true
		}
		totalWords += len(words[i])
	}
	n := float64(len(window))
	diversity := 0.0
	if totalWords > 0 {
		diversity = float64(len(vocab)) / float64(totalWords)
	}
	questionRate := math.Min(1, 2*questions/n)
	return clamp01(0.4*lengthScore/n + 0.3*questionRate + 0.3*diversity)
}

// balance is the normalized entropy of turn shares across the roster. 1 means perfectly even.
func balance(participation map[string]int, roster int) float64 {
	if roster < len(participation) {
		roster = len(participation)
	}
	if roster < 2 {
		return 1
	}
	total := 0
	for _, c := range participation {
		total += c
	}
	h := 0.0
	for _, c := range participation {
		p := float64(c) / float64(total)
		h -= p * math.Log(p)
	}
	return clamp01(h / math.Log(float64(roster)))
}

func warnings(r Report, roster int, sentimentSD float64) []Warning {
	var out []Warning
	m := r.Metrics

	switch {
	case m.Repetition >= 0.7:
		out = append(out, Warning{Kind: WarnRepetition, Severity: SeverityCritical, Message: "conversation is looping"})
	case m.Repetition >= 0.5:
		out = append(out, Warning{Kind: WarnRepetition, Severity: SeverityHigh, Message: "lines heavily repeat recent wording"})
	case m.Repetition >= 0.35:
		out = append(out, Warning{Kind: WarnRepetition, Severity: SeverityMedium, Message: "wording is starting to repeat"})
	}

	if r.SampleSize >= 6 && roster >= 2 {
		top, topCount := topSpeaker(r.Participation)
		share := float64(topCount) / float64(r.SampleSize)
		fair := 1 / float64(roster)
		switch {
		case share >= 0.7 && share > 1.5*fair:
			out = append(out, Warning{Kind: WarnDominance, Severity: SeverityHigh, AgentID: top, Message: "one speaker dominates"})
		case share >= 0.5 && share > 1.5*fair:
			out = append(out, Warning{Kind: WarnDominance, Severity: SeverityMedium, AgentID: top, Message: "one speaker takes most turns"})
		}
	}

	if r.SampleSize >= 10 && sentimentSD < 0.05 && m.Tension < 0.15 {
		out = append(out, Warning{Kind: WarnFlatTension, Severity: SeverityMedium, Message: "tension has flatlined"})
	} else if r.SampleSize >= 10 && sentimentSD < 0.1 && m.Tension < 0.2 {
		out = append(out, Warning{Kind: WarnFlatTension, Severity: SeverityLow, Message: "little dramatic movement"})
	}

	switch {
	case r.SampleSize >= 5 && m.Engagement < 0.2:
		out = append(out, Warning{Kind: WarnLowEngagement, Severity: SeverityHigh, Message: "lines are short and flat"})
	case r.SampleSize >= 5 && m.Engagement < 0.3:
		out = append(out, Warning{Kind: WarnLowEngagement, Severity: SeverityMedium, Message: "engagement is dropping"})
	}
	return out
}

func topSpeaker(participation map[string]int) (string, int) {
	ids := make([]string, 0, len(participation))
	for id := range participation {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	best, count := "", -1
	for _, id := range ids {
		if participation[id] > count {
			best, count = id, participation[id]
		}
	}
	return best, count
}

func setOf(words []string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

// Analyzer runs analysis for one world and remembers the previous report for trend.
type Analyzer struct {
	mu   sync.Mutex
	last *Report
}

// Analyze runs the pure analysis and fills in the tension trend.
func (a *Analyzer) Analyze(window []model.Interaction, roster int) Report {
	r := Analyze(window, roster)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.last != nil {
		r.TensionDelta = r.Metrics.Tension - a.last.Metrics.Tension
	}
	a.last = &r
	return r
}

// Last returns the previous report, if any.
func (a *Analyzer) Last() (Report, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.last == nil {
		return Report{}, false
	}
	return *a.last, true
}

// Registry hands out one Analyzer per world.
type Registry struct {
	mu        sync.Mutex
	analyzers map[string]*Analyzer
}

func NewRegistry() *Registry {
	return &Registry{analyzers: make(map[string]*Analyzer)}
}

// For returns the world's analyzer, creating it on first use.
func (r *Registry) For(worldID string) *Analyzer {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.analyzers[worldID]
	if !ok {
		a = &Analyzer{}
		r.analyzers[worldID] = a
	}
	return a
}

// Forget drops a world's analyzer.
func (r *Registry) Forget(worldID string) {
	r.mu.Lock()
	delete(r.analyzers, worldID)
	r.mu.Unlock()
}
