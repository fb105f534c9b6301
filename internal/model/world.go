// Package model defines the records shared by the engine, the store, the cache and the jobs.
package model

import "time"

// WorldStatus is the lifecycle status of a world's simulation.
type WorldStatus string

const (
	StatusRunning WorldStatus = "RUNNING"
	StatusPaused  WorldStatus = "PAUSED"
	StatusStopped WorldStatus = "STOPPED"
)

// World is a persistent space in which agents converse.
type World struct {
	ID               string      `json:"id"`
	Name             string      `json:"name"`
	Status           WorldStatus `json:"status"`
	AutoMode         bool        `json:"auto_mode"`
	InteractionDelay int64       `json:"interaction_delay_ms"` // Milliseconds between auto-mode turns
	MaxInteractions  int         `json:"max_interactions"`     // 0 = unlimited
	StoryMode        bool        `json:"story_mode"`
	IsPaused         bool        `json:"is_paused"`
	PauseReason      string      `json:"pause_reason,omitempty"`

	SceneDirection *SceneDirection `json:"scene_direction,omitempty"`
	EmergentEvent  *ActiveEvent    `json:"emergent_event,omitempty"`
	Rules          WorldRules      `json:"rules"`

	LastActivityAt time.Time `json:"last_activity_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Delay returns the auto-mode interval as a duration.
func (w *World) Delay() time.Duration {
	return time.Duration(w.InteractionDelay) * time.Millisecond
}

// WorldRules is the typed metadata attached to a world.
type WorldRules struct {
	Summaries []NarrativeSummary `json:"summaries,omitempty"`
	Arc       StoryArc           `json:"arc"`
	Extra     map[string]string  `json:"extra,omitempty"`
}

// NarrativeSummary condenses a range of interactions removed by consolidation.
type NarrativeSummary struct {
	FromTurn  int       `json:"from_turn"`
	ToTurn    int       `json:"to_turn"`
	Count     int       `json:"count"`
	Text      string    `json:"text"`
	Fallback  bool      `json:"fallback,omitempty"` // Templated text used because summarization failed
	CreatedAt time.Time `json:"created_at"`
}

// ArcPhase is the macro position of a world's story.
type ArcPhase string

const (
	ArcSetup      ArcPhase = "setup"
	ArcRising     ArcPhase = "rising"
	ArcClimax     ArcPhase = "climax"
	ArcFalling    ArcPhase = "falling"
	ArcResolution ArcPhase = "resolution"
)

// StoryArc tracks story progress across director evaluations.
type StoryArc struct {
	Phase    ArcPhase `json:"phase"`
	Progress float64  `json:"progress"` // 0.0–1.0
}

// PhaseForProgress maps arc progress onto a phase.
func PhaseForProgress(p float64) ArcPhase {
	switch {
	case p < 0.15:
		return ArcSetup
	case p < 0.55:
		return ArcRising
	case p < 0.75:
		return ArcClimax
	case p < 0.9:
		return ArcFalling
	default:
		return ArcResolution
	}
}

// DirectionLevel is the granularity at which the director made a decision.
type DirectionLevel string

const (
	LevelMacro DirectionLevel = "macro"
	LevelMeso  DirectionLevel = "meso"
	LevelMicro DirectionLevel = "micro"
)

// SceneDirection is the director's current hint for the scene.
type SceneDirection struct {
	Level              DirectionLevel `json:"level"`
	Tone               string         `json:"tone"`
	Pacing             string         `json:"pacing"`
	SuggestedSpeakerID string         `json:"suggested_speaker_id,omitempty"`
	FocusAgentIDs      []string       `json:"focus_agent_ids,omitempty"`
	Note               string         `json:"note,omitempty"`
	DecidedAtTurn      int            `json:"decided_at_turn"`
}

// EventKind is the closed set of emergent event types.
type EventKind string

const (
	EventBumpInto     EventKind = "bump_into"
	EventInterruption EventKind = "interruption"
	EventCoincidence  EventKind = "coincidence"
	EventRevelation   EventKind = "revelation"
	EventDisturbance  EventKind = "disturbance"
)

// ActiveEvent is an emergent event attached to a world until it expires.
type ActiveEvent struct {
	TemplateID       string    `json:"template_id"`
	Kind             EventKind `json:"kind"`
	Name             string    `json:"name"`
	Description      string    `json:"description"`
	Prompt           string    `json:"prompt"`
	InvolvedAgentIDs []string  `json:"involved_agent_ids"`
	TriggerTurn      int       `json:"trigger_turn"`
	CreatedAt        time.Time `json:"created_at"`
}

// EventLifetimeTurns is how many interactions an emergent event stays active.
const EventLifetimeTurns = 3

// Expired reports whether the event should be cleared at the given interaction total.
func (e *ActiveEvent) Expired(total int) bool {
	return e == nil || total-e.TriggerTurn >= EventLifetimeTurns
}

// SimulationState is the per-world turn bookkeeping.
type SimulationState struct {
	WorldID                  string    `json:"world_id"`
	CurrentTurn              int       `json:"current_turn"`
	TotalInteractions        int       `json:"total_interactions"`
	ConsolidatedInteractions int       `json:"consolidated_interactions"` // Rows removed by consolidation
	LastSpeakerID            string    `json:"last_speaker_id,omitempty"`
	ActiveSpeakers           []string  `json:"active_speakers,omitempty"`
	RecentTopics             []string  `json:"recent_topics,omitempty"`
	LastUpdated              time.Time `json:"last_updated"`
	StartedAt                time.Time `json:"started_at"`
	PausedAt                 time.Time `json:"paused_at"`
	ResumedAt                time.Time `json:"resumed_at"`
	StoppedAt                time.Time `json:"stopped_at"`
}

// CachedWorldState is the denormalized projection kept in the fast cache.
// It is never authoritative: the store wins on miss or conflict.
type CachedWorldState struct {
	World    World           `json:"world"`
	State    SimulationState `json:"state"`
	Recent   []Interaction   `json:"recent"`
	CachedAt time.Time       `json:"cached_at"`
}
