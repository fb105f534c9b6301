package model

import "errors"

// Engine, store and cache failures surfaced to callers. Wrap with fmt.Errorf("%w")
// and test with errors.Is.
var (
	ErrAlreadyRunning             = errors.New("simulation already running")
	ErrLocked                     = errors.New("world is locked by another owner")
	ErrInsufficientAgents         = errors.New("at least 2 active agents are required")
	ErrWorldPaused                = errors.New("world is paused")
	ErrWorldNotFound              = errors.New("world not found")
	ErrGenerationFailed           = errors.New("text generation failed")
	ErrCacheUnavailable           = errors.New("fast cache unavailable")
	ErrStoreUnavailable           = errors.New("durable store unavailable")
	ErrConsolidationSummaryFailed = errors.New("consolidation summary failed")
)
