package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sethvargo/go-retry"

	"github.com/xraph/jobq/job"
	"github.com/xraph/jobq/worker"
)

// Status is the liveness of an engine.
type Status string

const (
	Healthy   Status = "healthy"
	Degraded  Status = "degraded"
	Unhealthy Status = "unhealthy"
)

// Snapshot is a point-in-time view of the queue and the local pool.
type Snapshot struct {
	Pending          int64         `json:"pending"`
	Deferred         int64         `json:"deferred"`
	Running          int64         `json:"running"`
	Succeeded        int64         `json:"succeeded"`
	Failed           int64         `json:"failed"`
	Retried          int64         `json:"retried"`
	RetryRate        float64       `json:"retry_rate_per_minute"`
	OldestPendingAge time.Duration `json:"oldest_pending_age"`
	InFlight         int           `json:"in_flight"`
	Slots            int           `json:"slots"`
	StalledSlots     int           `json:"stalled_slots"`
	SampledAt        time.Time     `json:"sampled_at"`
	// Stale is set when the store could not be read and the counts are
	// those of the last good sample.
	Stale bool `json:"stale,omitempty"`
}

// Report is a liveness verdict with the reasons behind it.
type Report struct {
	Status   Status   `json:"status"`
	Reasons  []string `json:"reasons,omitempty"`
	Snapshot Snapshot `json:"snapshot"`
}

// Source is what the reporter reads from the store.
type Source interface {
	QueueStats(ctx context.Context) (job.QueueStats, error)
	CountTransitions(ctx context.Context) (job.Counts, error)
	Ping(ctx context.Context) error
}

// Pool is what the reporter reads from the local worker pool.
type Pool interface {
	Size() int
	InFlight() int
	Stalled(grace time.Duration) []worker.Slot
}

// Config holds the liveness thresholds.
type Config struct {
	DegradedQueueDepth int64
	// DegradedRetryRate is in retries per minute.
	DegradedRetryRate float64
	StallGrace        time.Duration
	SampleInterval    time.Duration
	PingRetries       uint64
}

// DefaultConfig returns the reporter defaults.
func DefaultConfig() Config {
	return Config{
		DegradedQueueDepth: 1000,
		DegradedRetryRate:  60,
		StallGrace:         30 * time.Second,
		SampleInterval:     5 * time.Second,
		PingRetries:        2,
	}
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithConfig sets the thresholds.
func WithConfig(cfg Config) Option {
	return func(r *Reporter) { r.cfg = cfg }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reporter) { r.logger = l }
}

// WithRegisterer publishes the reporter's gauges to reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(r *Reporter) { r.registerer = reg }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Reporter) { r.now = now }
}

type retrySample struct {
	at    time.Time
	count int64
}

// Reporter samples queue and pool state.
type Reporter struct {
	source     Source
	pool       Pool
	cfg        Config
	logger     *slog.Logger
	registerer prometheus.Registerer
	now        func() time.Time
	gauges     *gauges

	mu     sync.Mutex
	last   Snapshot
	window []retrySample
}

// New creates a Reporter. pool may be nil for a process that only
// produces jobs.
func New(source Source, pool Pool, opts ...Option) *Reporter {
	r := &Reporter{
		source: source,
		pool:   pool,
		cfg:    DefaultConfig(),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.registerer != nil {
		r.gauges = newGauges(r.registerer)
	}
	return r
}

// Snapshot samples the store and the pool. If the store cannot be read it
// returns the last good sample, marked Stale, with fresh pool figures.
func (r *Reporter) Snapshot(ctx context.Context) Snapshot {
	snap, err := r.sample(ctx)
	if err == nil {
		return snap
	}

	r.logger.Warn("health sample failed, serving last snapshot", slog.String("error", err.Error()))
	r.mu.Lock()
	snap = r.last
	r.mu.Unlock()
	snap.Stale = true
	r.fillPool(&snap)
	return snap
}

func (r *Reporter) sample(ctx context.Context) (Snapshot, error) {
	st, err := r.source.QueueStats(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("queue stats: %w", err)
	}
	counts, err := r.source.CountTransitions(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("transition counts: %w", err)
	}

	now := r.now()
	snap := Snapshot{
		Pending:   st.Pending,
		Deferred:  st.Deferred,
		Running:   st.Running,
		Succeeded: counts[job.StateSucceeded],
		Failed:    counts[job.StateFailed],
		Retried:   counts[job.StateRetrying],
		SampledAt: now,
	}
	if !st.OldestEligible.IsZero() && now.After(st.OldestEligible) {
		snap.OldestPendingAge = now.Sub(st.OldestEligible)
	}
	r.fillPool(&snap)

	r.mu.Lock()
	snap.RetryRate = r.retryRate(now, snap.Retried)
	r.last = snap
	r.mu.Unlock()
	return snap, nil
}

func (r *Reporter) fillPool(snap *Snapshot) {
	if r.pool == nil {
		return
	}
	snap.Slots = r.pool.Size()
	snap.InFlight = r.pool.InFlight()
	if r.cfg.StallGrace > 0 {
		snap.StalledSlots = len(r.pool.Stalled(r.cfg.StallGrace))
	}
}

// retryRate records count and returns retries per minute over the last
// minute of samples. Callers hold r.mu.
func (r *Reporter) retryRate(now time.Time, count int64) float64 {
	r.window = append(r.window, retrySample{at: now, count: count})

	// Keep one sample at or beyond the window edge as the baseline.
	cutoff := now.Add(-time.Minute)
	drop := 0
	for drop < len(r.window)-1 && !r.window[drop+1].at.After(cutoff) {
		drop++
	}
	r.window = r.window[drop:]

	first := r.window[0]
	elapsed := now.Sub(first.at)
	if elapsed < time.Second {
		return 0
	}
	delta := count - first.count
	if delta < 0 {
		return 0
	}
	return float64(delta) / elapsed.Minutes()
}

// LivenessProbe returns the engine's liveness status.
func (r *Reporter) LivenessProbe(ctx context.Context) Status {
	return r.Liveness(ctx).Status
}

// Liveness returns the liveness status with the reasons for it.
func (r *Reporter) Liveness(ctx context.Context) Report {
	if err := r.ping(ctx); err != nil {
		rep := Report{Status: Unhealthy, Reasons: []string{"store unreachable: " + err.Error()}}
		r.mu.Lock()
		rep.Snapshot = r.last
		r.mu.Unlock()
		rep.Snapshot.Stale = true
		r.publish(rep)
		return rep
	}

	snap := r.Snapshot(ctx)
	rep := Report{Status: Healthy, Snapshot: snap}
	if snap.Stale {
		rep.Status = Unhealthy
		rep.Reasons = append(rep.Reasons, "store unreadable")
		r.publish(rep)
		return rep
	}
	if r.cfg.DegradedQueueDepth > 0 && snap.Pending > r.cfg.DegradedQueueDepth {
		rep.Reasons = append(rep.Reasons, fmt.Sprintf("pending %d exceeds %d", snap.Pending, r.cfg.DegradedQueueDepth))
	}
	if r.cfg.DegradedRetryRate > 0 && snap.RetryRate > r.cfg.DegradedRetryRate {
		rep.Reasons = append(rep.Reasons, fmt.Sprintf("retry rate %.1f/min exceeds %.1f", snap.RetryRate, r.cfg.DegradedRetryRate))
	}
	if snap.StalledSlots > 0 {
		rep.Reasons = append(rep.Reasons, fmt.Sprintf("%d stalled slots", snap.StalledSlots))
	}
	if len(rep.Reasons) > 0 {
		rep.Status = Degraded
	}
	r.publish(rep)
	return rep
}

func (r *Reporter) ping(ctx context.Context) error {
	b := retry.WithMaxRetries(r.cfg.PingRetries, retry.NewConstant(50*time.Millisecond))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		if err := r.source.Ping(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			return retry.RetryableError(err)
		}
		return nil
	})
}

// Run refreshes the snapshot and the gauges every SampleInterval until
// ctx is done.
func (r *Reporter) Run(ctx context.Context) {
	interval := r.cfg.SampleInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		rep := r.Liveness(ctx)
		if rep.Status != Healthy {
			r.logger.Warn("engine not healthy",
				slog.String("status", string(rep.Status)),
				slog.Any("reasons", rep.Reasons),
			)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Reporter) publish(rep Report) {
	if r.gauges != nil {
		r.gauges.set(rep)
	}
}
