package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/chorus/internal/cache"
	"github.com/talgya/chorus/internal/engine"
	"github.com/talgya/chorus/internal/entropy"
	"github.com/talgya/chorus/internal/jobs"
	"github.com/talgya/chorus/internal/llm"
	"github.com/talgya/chorus/internal/model"
	"github.com/talgya/chorus/internal/notify"
	"github.com/talgya/chorus/internal/persistence"
)

const testKey = "test-admin"

type countJob struct{ runs int }

func (j *countJob) Name() string { return "count" }

func (j *countJob) Run(context.Context) (jobs.Metrics, error) {
	j.runs++
	return jobs.Metrics{Processed: j.runs}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *persistence.DB) {
	t.Helper()
	db, err := persistence.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	hub := notify.NewHub()
	gen := llm.GeneratorFunc(func(ctx context.Context, prompt string, opts llm.Options) (llm.Result, error) {
		return llm.Result{Text: "The tide is turning early tonight."}, nil
	})
	eng := engine.New(engine.Deps{
		Store:     db,
		Cache:     cache.Noop{},
		Publisher: hub,
		Generator: gen,
		Rand:      entropy.NewFixed(),
	}, engine.Options{Owner: "api-test"})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		eng.Shutdown(ctx)
	})

	mgr := jobs.NewManager(nil)
	require.NoError(t, mgr.Register(&countJob{}, jobs.Every(time.Hour), time.Minute))

	s := &Server{
		Engine:         eng,
		Store:          db,
		Cache:          cache.Noop{},
		Jobs:           mgr,
		Hub:            hub,
		AdminKey:       testKey,
		JobRunsPerHour: 2,
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts, db
}

func seed(t *testing.T, db *persistence.DB, id string, names ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, db.CreateWorld(ctx, &model.World{ID: id, Name: "World " + id}))
	for _, name := range names {
		a := &model.Agent{ID: id + "-" + name, Name: name}
		require.NoError(t, db.SaveAgent(ctx, a))
		require.NoError(t, db.AddWorldAgent(ctx, model.WorldAgent{WorldID: id, AgentID: a.ID, IsActive: true}))
	}
}

func post(t *testing.T, ts *httptest.Server, path, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func getJSON(t *testing.T, ts *httptest.Server, path string, out any) int {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestAdminEndpointsNeedToken(t *testing.T) {
	ts, db := newTestServer(t)
	seed(t, db, "w1", "Ada", "Bram")

	assert.Equal(t, http.StatusUnauthorized, post(t, ts, "/api/v1/worlds/w1/turn", "", "").StatusCode)
	assert.Equal(t, http.StatusUnauthorized, post(t, ts, "/api/v1/worlds/w1/turn", "wrong", "").StatusCode)
	assert.Equal(t, http.StatusOK, post(t, ts, "/api/v1/worlds/w1/turn", testKey, "").StatusCode)
}

func TestWorldLifecycleOverHTTP(t *testing.T) {
	ts, db := newTestServer(t)
	seed(t, db, "w1", "Ada", "Bram")
	seed(t, db, "solo", "Ada")

	assert.Equal(t, http.StatusNotFound, post(t, ts, "/api/v1/worlds/missing/start", testKey, "").StatusCode)
	assert.Equal(t, http.StatusUnprocessableEntity, post(t, ts, "/api/v1/worlds/solo/start", testKey, "").StatusCode)

	require.Equal(t, http.StatusOK, post(t, ts, "/api/v1/worlds/w1/start", testKey, "").StatusCode)
	require.Equal(t, http.StatusOK, post(t, ts, "/api/v1/worlds/w1/turn", testKey, "").StatusCode)

	var rows []model.Interaction
	require.Equal(t, http.StatusOK, getJSON(t, ts, "/api/v1/worlds/w1/interactions?limit=10", &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, 1, rows[0].Turn)
	assert.Equal(t, "The tide is turning early tonight.", rows[1].Content)

	require.Equal(t, http.StatusOK, post(t, ts, "/api/v1/worlds/w1/pause", testKey, "").StatusCode)
	assert.Equal(t, http.StatusConflict, post(t, ts, "/api/v1/worlds/w1/start", testKey, "").StatusCode)
	require.Equal(t, http.StatusOK, post(t, ts, "/api/v1/worlds/w1/resume", testKey, "").StatusCode)

	var status struct {
		World struct {
			Status   model.WorldStatus `json:"status"`
			IsPaused bool              `json:"is_paused"`
		} `json:"world"`
		State struct {
			TotalInteractions int `json:"total_interactions"`
		} `json:"state"`
		Source string `json:"state_source"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, ts, "/api/v1/worlds/w1", &status))
	assert.Equal(t, model.StatusPaused, status.World.Status)
	assert.False(t, status.World.IsPaused)
	assert.Equal(t, 2, status.State.TotalInteractions)
	assert.Equal(t, "store", status.Source)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, ts, "/api/v1/worlds/w1/interactions?limit=x", nil))
}

func TestJoinAndLeaveOverHTTP(t *testing.T) {
	ts, db := newTestServer(t)
	seed(t, db, "w1", "Ada")

	resp := post(t, ts, "/api/v1/worlds/w1/agents", testKey, `{"name":"Cole","personality":{"extraversion":0.9}}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var joined model.Agent
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&joined))
	assert.NotEmpty(t, joined.ID)

	require.Equal(t, http.StatusOK, post(t, ts, "/api/v1/worlds/w1/start", testKey, "").StatusCode)
	require.Equal(t, http.StatusOK,
		post(t, ts, fmt.Sprintf("/api/v1/worlds/w1/agents/%s/leave", joined.ID), testKey, "").StatusCode)
	assert.Equal(t, http.StatusBadRequest, post(t, ts, "/api/v1/worlds/w1/agents", testKey, `{"name":" "}`).StatusCode)
}

func TestNudgeNeedsLiveCache(t *testing.T) {
	ts, db := newTestServer(t)
	seed(t, db, "w1", "Ada", "Bram")

	assert.Equal(t, http.StatusBadRequest, post(t, ts, "/api/v1/worlds/w1/nudge", testKey, `{"prompt":""}`).StatusCode)
	assert.Equal(t, http.StatusServiceUnavailable,
		post(t, ts, "/api/v1/worlds/w1/nudge", testKey, `{"prompt":"A bell rings."}`).StatusCode)
}

func TestJobEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)

	var all []jobs.Stats
	require.Equal(t, http.StatusOK, getJSON(t, ts, "/api/v1/jobs", &all))
	require.Len(t, all, 1)
	assert.Equal(t, "count", all[0].Name)
	assert.Equal(t, http.StatusNotFound, getJSON(t, ts, "/api/v1/jobs/nope", nil))

	resp := post(t, ts, "/api/v1/jobs/count/run", testKey, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var run struct {
		Job     string       `json:"job"`
		Metrics jobs.Metrics `json:"metrics"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&run))
	assert.Equal(t, 1, run.Metrics.Processed)

	var st jobs.Stats
	require.Equal(t, http.StatusOK, getJSON(t, ts, "/api/v1/jobs/count", &st))
	assert.Equal(t, 1, st.Runs)

	assert.Equal(t, http.StatusNotFound, post(t, ts, "/api/v1/jobs/nope/run", testKey, "").StatusCode)
	limited := post(t, ts, "/api/v1/jobs/count/run", testKey, "")
	assert.Equal(t, http.StatusTooManyRequests, limited.StatusCode)
	assert.NotEmpty(t, limited.Header.Get("Retry-After"))
}

func TestStatusAggregates(t *testing.T) {
	ts, db := newTestServer(t)
	seed(t, db, "w1", "Ada", "Bram")
	seed(t, db, "w2", "Ada", "Bram")
	require.Equal(t, http.StatusOK, post(t, ts, "/api/v1/worlds/w1/turn", testKey, "").StatusCode)

	var status map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, ts, "/api/v1/status", &status))
	assert.EqualValues(t, 2, status["worlds"])
	assert.EqualValues(t, 1, status["total_interactions"])
	assert.Equal(t, true, status["store_ok"])
	assert.Equal(t, false, status["cache_live"])
}

func TestStatusForSentinels(t *testing.T) {
	cases := map[error]int{
		model.ErrWorldNotFound:      http.StatusNotFound,
		model.ErrAlreadyRunning:     http.StatusConflict,
		model.ErrLocked:             http.StatusConflict,
		model.ErrWorldPaused:        http.StatusConflict,
		model.ErrInsufficientAgents: http.StatusUnprocessableEntity,
		model.ErrGenerationFailed:   http.StatusBadGateway,
		model.ErrStoreUnavailable:   http.StatusServiceUnavailable,
		jobs.ErrUnknownJob:          http.StatusNotFound,
	}
	for err, code := range cases {
		assert.Equal(t, code, statusFor(fmt.Errorf("wrapped: %w", err)), err.Error())
	}
	assert.Equal(t, http.StatusInternalServerError, statusFor(fmt.Errorf("boom")))
}

func TestRateLimiterWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(2, time.Minute)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"))
	assert.Equal(t, 61, rl.RetryAfter("a"))

	now = now.Add(time.Minute)
	assert.True(t, rl.Allow("a"))
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.7:5123"
	assert.Equal(t, "10.0.0.7", clientIP(r))
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", clientIP(r))
}
