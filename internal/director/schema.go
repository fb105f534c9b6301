package director

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// decisionSchema bounds what a model may ask for. Names are resolved to ids afterwards.
const decisionSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["rationale", "macro", "meso", "micro"],
  "properties": {
    "rationale": {"type": "string", "maxLength": 600},
    "macro": {
      "type": "object",
      "required": ["progress_delta"],
      "properties": {
        "progress_delta": {"type": "number", "minimum": -0.1, "maximum": 0.25}
      }
    },
    "meso": {
      "type": "object",
      "properties": {
        "focus": {"type": "array", "maxItems": 3, "items": {"type": "string", "minLength": 1}},
        "focus_turns": {"type": "integer", "minimum": 0, "maximum": 30},
        "note": {"type": "string", "maxLength": 300}
      }
    },
    "micro": {
      "type": "object",
      "required": ["tone", "pacing"],
      "properties": {
        "tone": {"type": "string", "minLength": 1, "maxLength": 40},
        "pacing": {"enum": ["slow", "steady", "quick"]},
        "next_speaker": {"type": "string"},
        "note": {"type": "string", "maxLength": 300}
      }
    }
  }
}`

var compiledSchema = jsonschema.MustCompileString("chorus://director/decision.schema.json", decisionSchema)

// llmDecision is the wire shape the model is asked to produce.
type llmDecision struct {
	Rationale string `json:"rationale"`
	Macro     struct {
		ProgressDelta float64 `json:"progress_delta"`
	} `json:"macro"`
	Meso struct {
		Focus      []string `json:"focus"`
		FocusTurns int      `json:"focus_turns"`
		Note       string   `json:"note"`
	} `json:"meso"`
	Micro struct {
		Tone        string `json:"tone"`
		Pacing      string `json:"pacing"`
		NextSpeaker string `json:"next_speaker"`
		Note        string `json:"note"`
	} `json:"micro"`
}

// parseDecision validates raw JSON against the schema before decoding it.
func parseDecision(raw string) (*llmDecision, error) {
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("decode decision: %w", err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("invalid decision: %w", err)
	}
	var d llmDecision
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return nil, fmt.Errorf("decode decision: %w", err)
	}
	return &d, nil
}
