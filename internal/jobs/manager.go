// Package jobs runs the periodic maintenance work that keeps the cache and the store converged
// and bounded: sync, cleanup, auto-pause, consolidation and emergent events.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// AlertThreshold is the number of consecutive failures that raises an alert.
const AlertThreshold = 3

var (
	ErrUnknownJob   = errors.New("unknown job")
	ErrDuplicateJob = errors.New("job already registered")
)

// State is a job's run state.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
)

// Metrics is what one run reports. Counters are per world unless a job says otherwise.
type Metrics struct {
	Processed int            `json:"processed"`
	Affected  int            `json:"affected"`
	Skipped   int            `json:"skipped"`
	Failed    int            `json:"failed"`
	Errors    []string       `json:"errors,omitempty"`
	Details   map[string]int `json:"details,omitempty"`
	Aborted   bool           `json:"aborted,omitempty"` // Hit the max duration; counters are partial
	StartedAt time.Time      `json:"started_at"`
	Duration  time.Duration  `json:"duration"`
}

const maxRecordedErrors = 20

// fail counts a per-world failure and keeps its message.
func (m *Metrics) fail(worldID string, err error) {
	m.Failed++
	if len(m.Errors) < maxRecordedErrors {
		m.Errors = append(m.Errors, fmt.Sprintf("%s: %v", worldID, err))
	}
}

func (m *Metrics) add(key string, n int) {
	if m.Details == nil {
		m.Details = make(map[string]int)
	}
	m.Details[key] += n
}

// abort marks the run as cut short if ctx has expired and reports whether it did.
func (m *Metrics) abort(ctx context.Context) bool {
	if ctx.Err() != nil {
		m.Aborted = true
		return true
	}
	return false
}

// Job is one periodic task. Run returns an error only when the whole run failed; per-world
// failures belong in the metrics.
type Job interface {
	Name() string
	Run(ctx context.Context) (Metrics, error)
}

// LockOwner derives a job's world-lock owner from the process owner. Each job gets its own id
// so neither the job nor the engine can release a lock the other holds.
func LockOwner(base string, j Job) string {
	return base + ":" + j.Name()
}

// Schedule is either a fixed interval or a daily wall-clock time.
type Schedule struct {
	Every  time.Duration
	Daily  bool
	Hour   int
	Minute int
}

// Every returns an interval schedule.
func Every(d time.Duration) Schedule { return Schedule{Every: d} }

// DailyAt returns a schedule firing once a day at hour:minute local time.
func DailyAt(hour, minute int) Schedule { return Schedule{Daily: true, Hour: hour, Minute: minute} }

// ParseDaily reads "HH:MM".
func ParseDaily(s string) (Schedule, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return Schedule{}, fmt.Errorf("daily time %q: %w", s, err)
	}
	return DailyAt(t.Hour(), t.Minute()), nil
}

// Next returns the first firing strictly after now.
func (s Schedule) Next(now time.Time) time.Time {
	if !s.Daily {
		return now.Add(s.Every)
	}
	next := time.Date(now.Year(), now.Month(), now.Day(), s.Hour, s.Minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func (s Schedule) String() string {
	if s.Daily {
		return fmt.Sprintf("daily %02d:%02d", s.Hour, s.Minute)
	}
	return "every " + s.Every.String()
}

// Stats is the observable state of one job.
type Stats struct {
	Name                string        `json:"name"`
	State               State         `json:"state"`
	Schedule            string        `json:"schedule"`
	MaxDuration         time.Duration `json:"max_duration"`
	Runs                int           `json:"runs"`
	Failures            int           `json:"failures"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastRun             time.Time     `json:"last_run"`
	LastError           string        `json:"last_error,omitempty"`
	NextRun             time.Time     `json:"next_run"`
	Last                *Metrics      `json:"last,omitempty"`
}

// Alerter is told when a job keeps failing.
type Alerter interface {
	Alert(job string, consecutive int, err error)
}

// LogAlerter raises alerts as error logs.
type LogAlerter struct{}

func (LogAlerter) Alert(job string, consecutive int, err error) {
	slog.Error("job failing repeatedly", "job", job, "consecutive_failures", consecutive,
		"severity", "critical", "error", err)
}

type entry struct {
	job         Job
	schedule    Schedule
	maxDuration time.Duration
	stats       Stats
}

// Manager registers jobs, runs them on their schedules and keeps their stats.
type Manager struct {
	alerter Alerter

	mu      sync.Mutex
	jobs    map[string]*entry
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	now func() time.Time
}

// NewManager returns a manager. A nil alerter logs alerts.
func NewManager(alerter Alerter) *Manager {
	if alerter == nil {
		alerter = LogAlerter{}
	}
	return &Manager{alerter: alerter, jobs: make(map[string]*entry), now: time.Now}
}

// Register adds a job. maxDuration bounds each run; zero means one hour.
func (m *Manager) Register(job Job, schedule Schedule, maxDuration time.Duration) error {
	if maxDuration <= 0 {
		maxDuration = time.Hour
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	name := job.Name()
	if _, ok := m.jobs[name]; ok {
		return fmt.Errorf("%s: %w", name, ErrDuplicateJob)
	}
	e := &entry{
		job:         job,
		schedule:    schedule,
		maxDuration: maxDuration,
		stats:       Stats{Name: name, State: StateIdle, Schedule: schedule.String(), MaxDuration: maxDuration},
	}
	m.jobs[name] = e
	if m.started {
		slog.Warn("job registered after start, it will only run manually", "job", name)
	}
	return nil
}

// Start launches one timer goroutine per registered job. Stop or cancelling ctx ends them.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.started = true
	names := make([]string, 0, len(m.jobs))
	for name := range m.jobs {
		names = append(names, name)
	}
	m.mu.Unlock()

	sort.Strings(names)
	for _, name := range names {
		m.wg.Add(1)
		go m.schedule(ctx, name)
	}
	slog.Info("job manager started", "jobs", len(names))
}

// Stop cancels the timers and waits for running jobs to return.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	slog.Info("job manager stopped")
}

func (m *Manager) schedule(ctx context.Context, name string) {
	defer m.wg.Done()
	for {
		m.mu.Lock()
		e := m.jobs[name]
		next := e.schedule.Next(m.now())
		e.stats.NextRun = next
		m.mu.Unlock()

		t := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
			if _, err := m.run(ctx, name); err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("scheduled job failed", "job", name, "error", err)
			}
		}
	}
}

// RunJobManually runs a job now. A job that is already running is not started again; its
// last metrics are returned instead.
func (m *Manager) RunJobManually(ctx context.Context, name string) (Metrics, error) {
	return m.run(ctx, name)
}

func (m *Manager) run(ctx context.Context, name string) (Metrics, error) {
	m.mu.Lock()
	e, ok := m.jobs[name]
	if !ok {
		m.mu.Unlock()
		return Metrics{}, fmt.Errorf("%s: %w", name, ErrUnknownJob)
	}
	if e.stats.State == StateRunning {
		var last Metrics
		if e.stats.Last != nil {
			last = *e.stats.Last
		}
		m.mu.Unlock()
		slog.Info("job already running, returning last metrics", "job", name)
		return last, nil
	}
	e.stats.State = StateRunning
	maxDuration := e.maxDuration
	m.mu.Unlock()

	start := m.now()
	rctx, cancel := context.WithTimeout(ctx, maxDuration)
	metrics, err := e.job.Run(rctx)
	if err == nil && rctx.Err() == context.DeadlineExceeded {
		metrics.Aborted = true
	}
	cancel()
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		// Running out of budget is an abort, not a failure.
		metrics.Aborted = true
		err = nil
	}
	metrics.StartedAt = start
	metrics.Duration = m.now().Sub(start)

	m.mu.Lock()
	e.stats.State = StateIdle
	e.stats.Runs++
	e.stats.LastRun = start
	e.stats.Last = &metrics
	consecutive := 0
	if err != nil {
		e.stats.Failures++
		e.stats.ConsecutiveFailures++
		e.stats.LastError = err.Error()
		consecutive = e.stats.ConsecutiveFailures
	} else {
		e.stats.ConsecutiveFailures = 0
		e.stats.LastError = ""
	}
	m.mu.Unlock()

	if err != nil {
		slog.Warn("job failed", "job", name, "consecutive_failures", consecutive, "error", err)
		if consecutive >= AlertThreshold {
			m.alerter.Alert(name, consecutive, err)
		}
		return metrics, err
	}

	slog.Info("job finished", "job", name,
		"processed", humanize.Comma(int64(metrics.Processed)),
		"affected", humanize.Comma(int64(metrics.Affected)),
		"skipped", metrics.Skipped, "failed", metrics.Failed,
		"aborted", metrics.Aborted, "took", metrics.Duration.Round(time.Millisecond))
	return metrics, nil
}

// Stats returns one job's stats.
func (m *Manager) Stats(name string) (Stats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.jobs[name]
	if !ok {
		return Stats{}, false
	}
	return e.snapshot(), true
}

// AllStats returns every job's stats ordered by name.
func (m *Manager) AllStats() []Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Stats, 0, len(m.jobs))
	for _, e := range m.jobs {
		out = append(out, e.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (e *entry) snapshot() Stats {
	s := e.stats
	if s.Last != nil {
		last := *s.Last
		s.Last = &last
	}
	return s
}
