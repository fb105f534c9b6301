package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/talgya/chorus/internal/jobs"
	"github.com/talgya/chorus/internal/model"
)

// ActionResult is the response from the world action endpoints.
type ActionResult struct {
	World       string `json:"world"`
	Action      string `json:"action"`
	RunningHere bool   `json:"running_here"`
}

// JobRun is the response from POST /api/v1/jobs/{name}/run.
type JobRun struct {
	Job     string       `json:"job"`
	Metrics jobs.Metrics `json:"metrics"`
}

// Actor drives the service through the admin endpoints.
type Actor struct {
	BaseURL    string
	AdminKey   string
	HTTPClient *http.Client
}

// NewActor creates an Actor targeting the given API base URL with admin auth.
func NewActor(baseURL, adminKey string) *Actor {
	return &Actor{
		BaseURL:  baseURL,
		AdminKey: adminKey,
		HTTPClient: &http.Client{
			// Manual turns and job runs wait for generation.
			Timeout: 10 * time.Minute,
		},
	}
}

// WorldAction posts one of start, pause, stop, resume or turn for a world.
func (a *Actor) WorldAction(ctx context.Context, worldID, action string) (*ActionResult, error) {
	switch action {
	case "start", "pause", "stop", "resume", "turn":
	default:
		return nil, fmt.Errorf("unknown world action %q", action)
	}
	var res ActionResult
	path := "/api/v1/worlds/" + url.PathEscape(worldID) + "/" + action
	if err := a.post(ctx, path, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Nudge queues a one-off prompt for the world's next turn.
func (a *Actor) Nudge(ctx context.Context, worldID, prompt string) error {
	path := "/api/v1/worlds/" + url.PathEscape(worldID) + "/nudge"
	return a.post(ctx, path, map[string]string{"prompt": prompt}, nil)
}

// Join adds an agent to a world and returns it with its assigned id.
func (a *Actor) Join(ctx context.Context, worldID string, agent model.Agent) (*model.Agent, error) {
	var out model.Agent
	path := "/api/v1/worlds/" + url.PathEscape(worldID) + "/agents"
	if err := a.post(ctx, path, agent, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Leave deactivates an agent's membership.
func (a *Actor) Leave(ctx context.Context, worldID, agentID string) error {
	path := "/api/v1/worlds/" + url.PathEscape(worldID) + "/agents/" + url.PathEscape(agentID) + "/leave"
	return a.post(ctx, path, nil, nil)
}

// RunJob triggers a job immediately and returns its metrics.
func (a *Actor) RunJob(ctx context.Context, name string) (*JobRun, error) {
	var run JobRun
	err := a.post(ctx, "/api/v1/jobs/"+url.PathEscape(name)+"/run", nil, &run)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (a *Actor) post(ctx context.Context, path string, payload, target any) error {
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			return fmt.Errorf("marshal %s: %w", path, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+path, &body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.AdminKey)

	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError("POST", path, resp)
	}
	if target == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
