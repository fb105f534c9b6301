// Package llm provides text generation for dialogue turns, director decisions and
// consolidation summaries, backed by the Anthropic Messages API.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/talgya/chorus/internal/model"
)

const (
	defaultAPIURL = "https://api.anthropic.com/v1/messages"
	apiVersion    = "2023-06-01"
	DefaultModel  = "claude-haiku-4-5-20251001"
)

// ErrDisabled is returned by a nil or keyless client.
var ErrDisabled = errors.New("LLM client not configured")

// Options tune a single generation call.
type Options struct {
	Model       string
	Temperature float64
	MaxTokens   int
	System      string
}

// Result is the generated text.
type Result struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// Generator produces text for a prompt. Implementations may be slow and may fail;
// callers own timeouts through ctx and never assume retries.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts Options) (Result, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, prompt string, opts Options) (Result, error)

func (f GeneratorFunc) Generate(ctx context.Context, prompt string, opts Options) (Result, error) {
	return f(ctx, prompt, opts)
}

// Config configures NewClient.
type Config struct {
	APIKey       string
	Model        string
	MaxPerMinute int
	Timeout      time.Duration
	BaseURL      string // Overrides the Messages endpoint, mostly for tests
}

// Client wraps the Anthropic Messages API.
type Client struct {
	apiKey     string
	model      string
	url        string
	httpClient *http.Client

	// Rate limiting: max calls per minute.
	mu        sync.Mutex
	callCount int
	resetAt   time.Time
	maxPerMin int
}

// NewClient creates a new API client.
// Returns nil if the API key is empty (LLM features disabled).
func NewClient(cfg Config) *Client {
	if cfg.APIKey == "" {
		return nil
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxPerMinute <= 0 {
		cfg.MaxPerMinute = 60
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultAPIURL
	}
	return &Client{
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		url:        cfg.BaseURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		maxPerMin:  cfg.MaxPerMinute,
	}
}

// Enabled returns true if the client has a valid API key.
func (c *Client) Enabled() bool {
	return c != nil && c.apiKey != ""
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type request struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature *float64  `json:"temperature,omitempty"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
}

type response struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Generate sends prompt as a single user message. Every failure wraps model.ErrGenerationFailed.
func (c *Client) Generate(ctx context.Context, prompt string, opts Options) (Result, error) {
	if !c.Enabled() {
		return Result{}, fmt.Errorf("%w: %w", model.ErrGenerationFailed, ErrDisabled)
	}
	if err := c.take(); err != nil {
		return Result{}, fmt.Errorf("%w: %w", model.ErrGenerationFailed, err)
	}

	req := request{
		Model:     c.model,
		MaxTokens: opts.MaxTokens,
		System:    opts.System,
		Messages:  []Message{{Role: "user", Content: prompt}},
	}
	if opts.Model != "" {
		req.Model = opts.Model
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = 300
	}
	if opts.Temperature > 0 {
		t := opts.Temperature
		req.Temperature = &t
	}

	res, err := c.do(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", model.ErrGenerationFailed, err)
	}
	return res, nil
}

func (c *Client) take() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if now.After(c.resetAt) {
		c.callCount = 0
		c.resetAt = now.Add(time.Minute)
	}
	if c.callCount >= c.maxPerMin {
		return fmt.Errorf("rate limit exceeded (%d calls/min)", c.maxPerMin)
	}
	c.callCount++
	return nil
}

func (c *Client) do(ctx context.Context, req request) (Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("API call: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("API error %d: %s", resp.StatusCode, string(respBody))
	}

	var apiResp response
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return Result{}, fmt.Errorf("unmarshal response: %w", err)
	}
	if len(apiResp.Content) == 0 {
		return Result{}, fmt.Errorf("empty response")
	}

	slog.Debug("llm call",
		"model", req.Model,
		"input_tokens", apiResp.Usage.InputTokens,
		"output_tokens", apiResp.Usage.OutputTokens,
	)
	return Result{
		Text:         apiResp.Content[0].Text,
		InputTokens:  apiResp.Usage.InputTokens,
		OutputTokens: apiResp.Usage.OutputTokens,
	}, nil
}
