package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/xraph/jobq"
	"github.com/xraph/jobq/id"
	"github.com/xraph/jobq/job"
)

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithResultTTL sets how long terminal results stay readable.
func WithResultTTL(d time.Duration) Option {
	return func(r *Registry) { r.ttl = d }
}

// WithRetry bounds the local retry of transient backend errors: at most
// attempts retries, starting at base and doubling.
func WithRetry(attempts uint64, base time.Duration) Option {
	return func(r *Registry) {
		r.retries = attempts
		r.retryBase = base
	}
}

// WithClock replaces time.Now for the timestamps the registry records.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// Registry records job state transitions and serves results.
type Registry struct {
	store     job.ResultStore
	logger    *slog.Logger
	ttl       time.Duration
	retries   uint64
	retryBase time.Duration
	retryMax  time.Duration
	now       func() time.Time
}

// New creates a Registry over store.
func New(store job.ResultStore, opts ...Option) *Registry {
	r := &Registry{
		store:     store,
		logger:    slog.Default(),
		ttl:       5 * time.Minute,
		retries:   4,
		retryBase: 50 * time.Millisecond,
		retryMax:  2 * time.Second,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RecordTransition moves jobID to state to. The move and the recording
// of u happen atomically against the current stored state; a move the
// state machine forbids returns a *jobq.TransitionError and changes
// nothing.
func (r *Registry) RecordTransition(ctx context.Context, jobID id.JobID, to job.State, u job.Update) (*job.Result, error) {
	if u.At.IsZero() {
		u.At = r.now().UTC()
	}

	// A write that reached the backend but whose reply was lost would be
	// rejected as a self-transition on retry.
	replay := false
	var out *job.Result
	err := r.do(ctx, "record transition", func(ctx context.Context) error {
		res, err := r.store.UpdateResult(ctx, jobID, func(cur *job.Result) (*job.Result, error) {
			if replay && cur != nil && cur.State == to && cur.UpdatedAt.Equal(u.At) {
				return cur, nil
			}
			next := cur
			if next == nil {
				next = &job.Result{JobID: jobID}
			}
			if err := next.Apply(to, u, r.ttl); err != nil {
				return nil, err
			}
			return next, nil
		})
		replay = true
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	if err != nil {
		if errors.Is(err, jobq.ErrInvalidTransition) {
			r.logger.Error("rejected job state transition",
				slog.String("job_id", jobID.String()),
				slog.String("to", string(to)),
				slog.String("error", err.Error()),
			)
		}
		return nil, err
	}
	return out, nil
}

// Get returns the current result of jobID.
func (r *Registry) Get(ctx context.Context, jobID id.JobID) (*job.Result, error) {
	var out *job.Result
	err := r.do(ctx, "get result", func(ctx context.Context) error {
		res, err := r.store.GetResult(ctx, jobID)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

// Counts returns the number of transitions recorded into each state.
func (r *Registry) Counts(ctx context.Context) (job.Counts, error) {
	var out job.Counts
	err := r.do(ctx, "count transitions", func(ctx context.Context) error {
		c, err := r.store.CountTransitions(ctx)
		if err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

// Sweep reclaims results whose TTL has elapsed.
func (r *Registry) Sweep(ctx context.Context) (int, error) {
	n, err := r.store.PurgeExpired(ctx, r.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("registry: sweep: %w", err)
	}
	return n, nil
}

// RunSweeper calls Sweep every interval until ctx is done.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.Sweep(ctx)
			if err != nil {
				r.logger.Warn("result sweep failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				r.logger.Debug("reclaimed expired results", slog.Int("count", n))
			}
		}
	}
}

// do runs fn, retrying while it fails with jobq.ErrStoreUnavailable.
func (r *Registry) do(ctx context.Context, op string, fn func(context.Context) error) error {
	b := retry.NewExponential(r.retryBase)
	b = retry.WithCappedDuration(r.retryMax, b)
	b = retry.WithMaxRetries(r.retries, b)

	err := retry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		if errors.Is(err, jobq.ErrStoreUnavailable) {
			r.logger.Debug("registry backend unavailable, retrying",
				slog.String("op", op),
				slog.String("error", err.Error()),
			)
			return retry.RetryableError(err)
		}
		return err
	})
	if errors.Is(err, jobq.ErrStoreUnavailable) {
		return fmt.Errorf("%w: %s: %w", jobq.ErrRegistryUnreachable, op, err)
	}
	return err
}
