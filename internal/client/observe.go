// Package client talks to a running chorus service over its HTTP API. It backs the
// worldctl operator CLI.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/talgya/chorus/internal/jobs"
	"github.com/talgya/chorus/internal/model"
	"github.com/talgya/chorus/internal/persistence"
)

// Status mirrors GET /api/v1/status.
type Status struct {
	Name              string         `json:"name"`
	Worlds            int            `json:"worlds"`
	WorldsByStatus    map[string]int `json:"worlds_by_status"`
	Paused            int            `json:"paused"`
	RunningHere       []string       `json:"running_here"`
	TotalInteractions int            `json:"total_interactions"`
	StoreOK           bool           `json:"store_ok"`
	CacheLive         bool           `json:"cache_live"`
	FailingJobs       []string       `json:"failing_jobs"`
	Subscribers       int            `json:"subscribers"`
}

// WorldSummary mirrors items from GET /api/v1/worlds.
type WorldSummary struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Status    model.WorldStatus `json:"status"`
	IsPaused  bool              `json:"is_paused"`
	AutoMode  bool              `json:"auto_mode"`
	StoryMode bool              `json:"story_mode"`
	Running   bool              `json:"running_here"`
}

// WorldDetail mirrors GET /api/v1/worlds/{id}.
type WorldDetail struct {
	World        model.World               `json:"world"`
	State        *model.SimulationState    `json:"state"`
	StateSource  string                    `json:"state_source"`
	Roster       []persistence.RosterEntry `json:"roster"`
	Recent       []model.Interaction       `json:"recent"`
	RunningHere  bool                      `json:"running_here"`
	LastActivity *time.Time                `json:"last_activity,omitempty"`
	Dirty        bool                      `json:"dirty"`
}

// Observer fetches service state from the API.
type Observer struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewObserver creates an Observer targeting the given API base URL.
func NewObserver(baseURL string) *Observer {
	return &Observer{
		BaseURL: baseURL,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Status fetches the aggregate service status.
func (o *Observer) Status(ctx context.Context) (*Status, error) {
	var st Status
	if err := o.fetchJSON(ctx, "/api/v1/status", &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Worlds lists every world the store knows.
func (o *Observer) Worlds(ctx context.Context) ([]WorldSummary, error) {
	var out []WorldSummary
	if err := o.fetchJSON(ctx, "/api/v1/worlds", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// World fetches one world with its state, roster and latest lines.
func (o *Observer) World(ctx context.Context, id string) (*WorldDetail, error) {
	var wd WorldDetail
	if err := o.fetchJSON(ctx, "/api/v1/worlds/"+url.PathEscape(id), &wd); err != nil {
		return nil, err
	}
	return &wd, nil
}

// Jobs lists the registered maintenance jobs.
func (o *Observer) Jobs(ctx context.Context) ([]jobs.Stats, error) {
	var out []jobs.Stats
	if err := o.fetchJSON(ctx, "/api/v1/jobs", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Job fetches one job's stats.
func (o *Observer) Job(ctx context.Context, name string) (*jobs.Stats, error) {
	var st jobs.Stats
	if err := o.fetchJSON(ctx, "/api/v1/jobs/"+url.PathEscape(name), &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// fetchJSON GETs a path and decodes the JSON response into target.
func (o *Observer) fetchJSON(ctx context.Context, path string, target any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := o.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError("GET", path, resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// APIError is a non-2xx answer from the service.
type APIError struct {
	Method  string
	Path    string
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s returned %d: %s", e.Method, e.Path, e.Code, e.Message)
}

func statusError(method, path string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := string(body)
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	return &APIError{Method: method, Path: path, Code: resp.StatusCode, Message: msg}
}
