package queue

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config defines per-task-type admission limits.
type Config struct {
	// Task is the registered task name the limits apply to.
	Task string `mapstructure:"task" validate:"required"`

	// MaxConcurrency limits how many jobs of this task may run
	// simultaneously in the local worker pool. Zero means no task-specific
	// limit (the pool-wide ceiling still applies).
	MaxConcurrency int `mapstructure:"max_concurrency" validate:"min=0"`

	// RateLimit is the maximum sustained executions per second. Zero
	// disables rate limiting.
	RateLimit float64 `mapstructure:"rate_limit" validate:"min=0"`

	// RateBurst is the burst size for the token-bucket rate limiter.
	// Defaults to 1 if RateLimit is set but RateBurst is zero.
	RateBurst int `mapstructure:"rate_burst" validate:"min=0"`
}

type taskState struct {
	config  Config
	limiter *rate.Limiter
	active  int
}

// Manager gates job execution by task type. It is safe for concurrent use.
type Manager struct {
	mu    sync.Mutex
	tasks map[string]*taskState
}

// NewManager creates a Manager with the given task configurations.
// Tasks not listed here have no limits.
func NewManager(configs ...Config) *Manager {
	m := &Manager{
		tasks: make(map[string]*taskState, len(configs)),
	}
	for _, cfg := range configs {
		m.tasks[cfg.Task] = newTaskState(cfg)
	}
	return m
}

func newTaskState(cfg Config) *taskState {
	ts := &taskState{config: cfg}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		ts.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return ts
}

// Acquire checks rate limits and concurrency for task. If the job may
// proceed it increments the active counter and returns true; the caller
// MUST call Release when the job completes. When denied, retryAfter is a
// hint for when the task could be admitted again (zero if unknown).
func (m *Manager) Acquire(task string) (ok bool, retryAfter time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := m.tasks[task]
	if ts == nil {
		return true, 0
	}
	if ts.config.MaxConcurrency > 0 && ts.active >= ts.config.MaxConcurrency {
		return false, 0
	}
	if ts.limiter != nil {
		r := ts.limiter.Reserve()
		if d := r.Delay(); d > 0 {
			r.Cancel()
			return false, d
		}
	}
	ts.active++
	return true, 0
}

// Release decrements the active job count for task.
func (m *Manager) Release(task string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ts := m.tasks[task]; ts != nil && ts.active > 0 {
		ts.active--
	}
}

// SetConfig dynamically updates (or creates) a task configuration.
func (m *Manager) SetConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.tasks[cfg.Task]
	ts := newTaskState(cfg)

	// Preserve current active count if reconfiguring.
	if existing != nil {
		ts.active = existing.active
	}
	m.tasks[cfg.Task] = ts
}

// ActiveCount returns the current number of active jobs for task.
func (m *Manager) ActiveCount(task string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ts := m.tasks[task]; ts != nil {
		return ts.active
	}
	return 0
}
