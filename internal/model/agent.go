package model

import "time"

// Agent is a character that can join worlds and speak.
type Agent struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Personality Personality `json:"personality"`
	Emotion     Emotion     `json:"emotion"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Personality holds Big Five traits plus free-form persona material.
// Traits are stored 0.0–1.0; values above 1 are read as a 0–100 scale.
type Personality struct {
	Openness          float64  `json:"openness" yaml:"openness"`
	Conscientiousness float64  `json:"conscientiousness" yaml:"conscientiousness"`
	Extraversion      float64  `json:"extraversion" yaml:"extraversion"`
	Agreeableness     float64  `json:"agreeableness" yaml:"agreeableness"`
	Neuroticism       float64  `json:"neuroticism" yaml:"neuroticism"`
	Traits            []string `json:"traits,omitempty" yaml:"traits"`
	Backstory         string   `json:"backstory,omitempty" yaml:"backstory"`
	Voice             string   `json:"voice,omitempty" yaml:"voice"` // Speaking style hint
}

// ExtraversionNormalized returns extraversion clamped to 0.0–1.0.
func (p Personality) ExtraversionNormalized() float64 {
	return normalizeTrait(p.Extraversion)
}

func normalizeTrait(v float64) float64 {
	if v > 1 {
		v /= 100
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Emotion is an agent's current emotional snapshot.
type Emotion struct {
	Arousal  float64 `json:"arousal"`  // 0.0–1.0
	Valence  float64 `json:"valence"`  // -1.0–1.0
	Dominant string  `json:"dominant"` // e.g. "joy", "anger", "neutral"
}

// ImportanceLevel is an agent's narrative tier inside a world.
type ImportanceLevel string

const (
	ImportanceMain      ImportanceLevel = "main"
	ImportanceSecondary ImportanceLevel = "secondary"
	ImportanceFiller    ImportanceLevel = "filler"
)

// Rank orders tiers: filler < secondary < main.
func (l ImportanceLevel) Rank() int {
	switch l {
	case ImportanceMain:
		return 2
	case ImportanceSecondary:
		return 1
	default:
		return 0
	}
}

// WorldAgent joins an agent to a world.
type WorldAgent struct {
	WorldID         string          `json:"world_id"`
	AgentID         string          `json:"agent_id"`
	IsActive        bool            `json:"is_active"`
	Importance      ImportanceLevel `json:"importance_level"`
	ImportanceScore float64         `json:"importance_score"`
	IsFocused       bool            `json:"is_focused"`
	FocusedUntil    time.Time       `json:"focused_until"`
	JoinedAt        time.Time       `json:"joined_at"`
}

// FocusActive reports whether the director's focus on this agent is still in effect.
func (wa *WorldAgent) FocusActive(now time.Time) bool {
	return wa.IsFocused && now.Before(wa.FocusedUntil)
}

// Interaction is one immutable line of dialogue.
type Interaction struct {
	ID             string    `json:"id"`
	WorldID        string    `json:"world_id"`
	SpeakerID      string    `json:"speaker_id"`
	Content        string    `json:"content"`
	Turn           int       `json:"turn"`
	SpeakerEmotion string    `json:"speaker_emotion"`
	Sentiment      float64   `json:"sentiment"` // -1.0–1.0
	Placeholder    bool      `json:"placeholder,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// RelationStage is the coarse state of a directed relationship.
type RelationStage string

const (
	StageStranger     RelationStage = "stranger"
	StageAcquaintance RelationStage = "acquaintance"
	StageFriend       RelationStage = "friend"
	StageCloseFriend  RelationStage = "close_friend"
	StageRival        RelationStage = "rival"
)

// Relation is the directed bond from Subject towards Target.
type Relation struct {
	SubjectID    string        `json:"subject_id"`
	TargetID     string        `json:"target_id"`
	Trust        float64       `json:"trust"`    // 0.0–1.0
	Affinity     float64       `json:"affinity"` // -1.0–1.0
	Respect      float64       `json:"respect"`  // 0.0–1.0
	Stage        RelationStage `json:"stage"`
	Interactions int           `json:"interactions"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Depth is a 0.0–1.0 measure of how developed the relationship is.
func (r Relation) Depth() float64 {
	d := (r.Trust + abs(r.Affinity) + r.Respect) / 3
	if d > 1 {
		return 1
	}
	return d
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// EpisodicMemory is one remembered event for an agent.
type EpisodicMemory struct {
	ID               string    `json:"id"`
	AgentID          string    `json:"agent_id"`
	WorldID          string    `json:"world_id"`
	Event            string    `json:"event"`
	InvolvedAgentIDs []string  `json:"involved_agent_ids,omitempty"`
	Turn             int       `json:"turn"`
	Importance       float64   `json:"importance"` // 0.0–1.0
	Arousal          float64   `json:"arousal"`    // 0.0–1.0
	Embedding        []float32 `json:"-"`
	Consolidated     bool      `json:"consolidated,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}
