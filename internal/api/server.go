// Package api provides the HTTP control plane for worlds and jobs.
// GET endpoints are public (read-only observation).
// POST endpoints require a bearer token (admin control plane).
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/talgya/chorus/internal/cache"
	"github.com/talgya/chorus/internal/jobs"
	"github.com/talgya/chorus/internal/model"
	"github.com/talgya/chorus/internal/notify"
	"github.com/talgya/chorus/internal/persistence"
)

const (
	defaultRecent = 20
	maxRecent     = 200
)

// Runner is the engine surface the API drives.
type Runner interface {
	StartSimulation(ctx context.Context, worldID string) error
	PauseSimulation(ctx context.Context, worldID string) error
	StopSimulation(ctx context.Context, worldID string) error
	ResumeWorld(ctx context.Context, worldID string) error
	ExecuteSimulationTurn(ctx context.Context, worldID string) error
	JoinWorld(ctx context.Context, worldID string, a *model.Agent) error
	LeaveWorld(ctx context.Context, worldID, agentID string) error
	IsRunning(worldID string) bool
	RunningWorlds() []string
}

// Store is the read side of the durable store.
type Store interface {
	GetWorld(ctx context.Context, id string) (*model.World, error)
	ListWorlds(ctx context.Context) ([]*model.World, error)
	GetSimulationState(ctx context.Context, worldID string) (*model.SimulationState, error)
	ListRoster(ctx context.Context, worldID string) ([]persistence.RosterEntry, error)
	RecentInteractions(ctx context.Context, worldID string, limit int) ([]model.Interaction, error)
	Ping(ctx context.Context) error
}

// Server serves the control plane over HTTP.
type Server struct {
	Engine      Runner
	Store       Store
	Cache       cache.StateCache
	Jobs        *jobs.Manager
	Hub         *notify.Hub
	Port        int
	AdminKey    string // Bearer token for POST endpoints. Empty = POST disabled.
	CORSOrigins []string

	JobRunsPerHour int // Manual job runs per client per hour
	TurnsPerMinute int // Manual turns per client per minute

	srv *http.Server
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	jobLimiter := NewRateLimiter(orDefault(s.JobRunsPerHour, 30), time.Hour)
	turnLimiter := NewRateLimiter(orDefault(s.TurnsPerMinute, 60), time.Minute)

	mux := http.NewServeMux()

	// Public endpoints (GET, read-only).
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/worlds", s.handleWorlds)
	mux.HandleFunc("GET /api/v1/worlds/{id}", s.handleWorld)
	mux.HandleFunc("GET /api/v1/worlds/{id}/interactions", s.handleInteractions)
	mux.HandleFunc("GET /api/v1/worlds/{id}/stream", s.handleStream)
	mux.HandleFunc("GET /api/v1/jobs", s.handleJobs)
	mux.HandleFunc("GET /api/v1/jobs/{name}", s.handleJob)

	// Admin endpoints (POST, require bearer token).
	mux.HandleFunc("POST /api/v1/worlds/{id}/start", s.adminOnly(s.worldAction("start", s.Engine.StartSimulation)))
	mux.HandleFunc("POST /api/v1/worlds/{id}/pause", s.adminOnly(s.worldAction("pause", s.Engine.PauseSimulation)))
	mux.HandleFunc("POST /api/v1/worlds/{id}/stop", s.adminOnly(s.worldAction("stop", s.Engine.StopSimulation)))
	mux.HandleFunc("POST /api/v1/worlds/{id}/resume", s.adminOnly(s.worldAction("resume", s.Engine.ResumeWorld)))
	mux.HandleFunc("POST /api/v1/worlds/{id}/turn",
		s.adminOnly(RateLimitMiddleware(turnLimiter, s.worldAction("turn", s.Engine.ExecuteSimulationTurn))))
	mux.HandleFunc("POST /api/v1/worlds/{id}/nudge", s.adminOnly(s.handleNudge))
	mux.HandleFunc("POST /api/v1/worlds/{id}/agents", s.adminOnly(s.handleJoin))
	mux.HandleFunc("POST /api/v1/worlds/{id}/agents/{agent}/leave", s.adminOnly(s.handleLeave))
	mux.HandleFunc("POST /api/v1/jobs/{name}/run", s.adminOnly(RateLimitMiddleware(jobLimiter, s.handleRunJob)))

	return corsMiddleware(s.CORSOrigins, mux)
}

// Start begins serving the HTTP API in a goroutine.
func (s *Server) Start() {
	addr := fmt.Sprintf(":%d", s.Port)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("HTTP API starting", "addr", addr, "admin_auth", s.AdminKey != "")

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// corsMiddleware adds CORS headers for allowed frontend origins.
// Localhost dev servers are always allowed.
func corsMiddleware(origins []string, next http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:5173": true,
		"http://localhost:3000": true,
	}
	for _, origin := range origins {
		allowedOrigins[origin] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// checkBearerToken returns true if the request has a valid admin bearer token.
func (s *Server) checkBearerToken(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.AdminKey
}

// adminOnly wraps a handler to require bearer token auth.
func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.AdminKey == "" {
			http.Error(w, "admin endpoints disabled (no CHORUS_ADMIN_KEY set)", http.StatusForbidden)
			return
		}
		if !s.checkBearerToken(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// statusFor maps engine and store failures onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrWorldNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrAlreadyRunning),
		errors.Is(err, model.ErrLocked),
		errors.Is(err, model.ErrWorldPaused):
		return http.StatusConflict
	case errors.Is(err, model.ErrInsufficientAgents):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrGenerationFailed):
		return http.StatusBadGateway
	case errors.Is(err, model.ErrStoreUnavailable), errors.Is(err, model.ErrCacheUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, jobs.ErrUnknownJob):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= 500 {
		slog.Warn("request failed", "status", code, "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	worlds, err := s.Store.ListWorlds(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	byStatus := map[model.WorldStatus]int{}
	paused := 0
	total := 0
	for _, wd := range worlds {
		byStatus[wd.Status]++
		if wd.IsPaused {
			paused++
		}
		if st, err := s.Store.GetSimulationState(ctx, wd.ID); err == nil && st != nil {
			total += st.TotalInteractions
		}
	}
	running := s.Engine.RunningWorlds()
	sort.Strings(running)

	storeOK := s.Store.Ping(ctx) == nil
	status := map[string]any{
		"name":               "chorus",
		"worlds":             len(worlds),
		"worlds_by_status":   byStatus,
		"paused":             paused,
		"running_here":       running,
		"total_interactions": total,
		"store_ok":           storeOK,
		"cache_live":         s.Cache != nil && s.Cache.Available(),
	}
	if s.Jobs != nil {
		failing := []string{}
		for _, st := range s.Jobs.AllStats() {
			if st.ConsecutiveFailures > 0 {
				failing = append(failing, st.Name)
			}
		}
		status["failing_jobs"] = failing
	}
	if s.Hub != nil {
		subs := 0
		for _, wd := range worlds {
			subs += s.Hub.Subscribers(wd.ID)
		}
		status["subscribers"] = subs
	}
	writeJSON(w, status)
}

func (s *Server) handleWorlds(w http.ResponseWriter, r *http.Request) {
	worlds, err := s.Store.ListWorlds(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	type summary struct {
		ID        string            `json:"id"`
		Name      string            `json:"name"`
		Status    model.WorldStatus `json:"status"`
		IsPaused  bool              `json:"is_paused"`
		AutoMode  bool              `json:"auto_mode"`
		StoryMode bool              `json:"story_mode"`
		Running   bool              `json:"running_here"`
	}
	out := make([]summary, 0, len(worlds))
	for _, wd := range worlds {
		out = append(out, summary{
			ID: wd.ID, Name: wd.Name, Status: wd.Status, IsPaused: wd.IsPaused,
			AutoMode: wd.AutoMode, StoryMode: wd.StoryMode, Running: s.Engine.IsRunning(wd.ID),
		})
	}
	writeJSON(w, out)
}

// handleWorld reports a world's status, preferring the cached projection when it is fresher.
func (s *Server) handleWorld(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	world, err := s.Store.GetWorld(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	state, err := s.Store.GetSimulationState(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	source := "store"
	if s.Cache != nil {
		if cached, ok := s.Cache.GetState(ctx, id); ok && (state == nil || cached.State.TotalInteractions >= state.TotalInteractions) {
			state = &cached.State
			source = "cache"
		}
	}
	roster, err := s.Store.ListRoster(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	recent, err := s.Store.RecentInteractions(ctx, id, 5)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]any{
		"world":        world,
		"state":        state,
		"state_source": source,
		"roster":       roster,
		"recent":       recent,
		"running_here": s.Engine.IsRunning(id),
	}
	if s.Cache != nil {
		if last, ok := s.Cache.GetLastActivity(ctx, id); ok {
			resp["last_activity"] = last
		}
		resp["dirty"] = s.Cache.IsDirty(ctx, id)
	}
	writeJSON(w, resp)
}

func (s *Server) handleInteractions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	limit := defaultRecent
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxRecent)
	}
	if _, err := s.Store.GetWorld(ctx, id); err != nil {
		writeError(w, err)
		return
	}
	rows, err := s.Store.RecentInteractions(ctx, id, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, rows)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.Hub == nil {
		http.Error(w, "streaming disabled", http.StatusServiceUnavailable)
		return
	}
	if _, err := s.Store.GetWorld(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	s.Hub.ServeWS(w, r, id)
}

// worldAction adapts an engine operation to a POST handler. The operation outlives a
// disconnecting client so a started turn is never cut short by it.
func (s *Server) worldAction(name string, op func(ctx context.Context, worldID string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := op(context.WithoutCancel(r.Context()), id); err != nil {
			writeError(w, err)
			return
		}
		slog.Info("world action", "action", name, "world", id)
		writeJSON(w, map[string]any{"world": id, "action": name, "running_here": s.Engine.IsRunning(id)})
	}
}

// handleNudge queues a prompt fragment for the world's next turn.
func (s *Server) handleNudge(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Prompt string `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		http.Error(w, "prompt required", http.StatusBadRequest)
		return
	}
	if _, err := s.Store.GetWorld(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	if s.Cache == nil || !s.Cache.Available() {
		http.Error(w, "nudges need the fast cache", http.StatusServiceUnavailable)
		return
	}
	s.Cache.PushTempEvent(r.Context(), id, cache.TempEvent{Prompt: req.Prompt, Source: "operator", AddedAt: time.Now()})
	writeJSON(w, map[string]any{"world": id, "queued": true})
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var a model.Agent
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(a.Name) == "" {
		http.Error(w, "name required", http.StatusBadRequest)
		return
	}
	if err := s.Engine.JoinWorld(r.Context(), id, &a); err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(a)
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	id, agent := r.PathValue("id"), r.PathValue("agent")
	if err := s.Engine.LeaveWorld(r.Context(), id, agent); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"world": id, "agent_id": agent, "active": false})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if s.Jobs == nil {
		writeJSON(w, []jobs.Stats{})
		return
	}
	writeJSON(w, s.Jobs.AllStats())
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if s.Jobs == nil {
		writeError(w, fmt.Errorf("%s: %w", name, jobs.ErrUnknownJob))
		return
	}
	st, ok := s.Jobs.Stats(name)
	if !ok {
		writeError(w, fmt.Errorf("%s: %w", name, jobs.ErrUnknownJob))
		return
	}
	writeJSON(w, st)
}

// handleRunJob runs a job now and returns its metrics. A job that is already running
// answers with its last metrics.
func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if s.Jobs == nil {
		writeError(w, fmt.Errorf("%s: %w", name, jobs.ErrUnknownJob))
		return
	}
	metrics, err := s.Jobs.RunJobManually(context.WithoutCancel(r.Context()), name)
	if err != nil {
		if errors.Is(err, jobs.ErrUnknownJob) {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]any{"job": name, "error": err.Error(), "metrics": metrics})
		return
	}
	writeJSON(w, map[string]any{"job": name, "metrics": metrics})
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
