package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/xraph/jobq"
	"github.com/xraph/jobq/ext"
	"github.com/xraph/jobq/id"
	"github.com/xraph/jobq/job"
)

// Heartbeater refreshes the liveness of a claim in the queue store.
type Heartbeater interface {
	Heartbeat(ctx context.Context, c *job.Claim) error
}

// Slot is a snapshot of one execution slot. JobID is nil while the slot
// is idle.
type Slot struct {
	ID            int
	JobID         id.JobID
	Lease         string
	Attempt       int
	StartedAt     time.Time
	LastHeartbeat time.Time
}

// Busy reports whether the slot is executing a job.
func (s Slot) Busy() bool { return !s.JobID.IsNil() }

type slot struct {
	claim     *job.Claim
	cancel    context.CancelCauseFunc
	startedAt time.Time
	lastBeat  time.Time
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of slots.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) { p.size = n }
}

// WithHeartbeatInterval sets how often busy slots report liveness. A zero
// value disables heartbeats.
func WithHeartbeatInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.heartbeatInterval = d }
}

// WithHeartbeater sets where slot heartbeats are recorded besides the
// slot itself.
func WithHeartbeater(h Heartbeater) PoolOption {
	return func(p *Pool) { p.heartbeater = h }
}

// WithExtensions sets the extension registry notified when an attempt
// starts.
func WithExtensions(r *ext.Registry) PoolOption {
	return func(p *Pool) { p.extensions = r }
}

// Pool is a fixed set of C execution slots. Run blocks until a slot is
// free, executes the claim in it and returns the outcome.
type Pool struct {
	executor          *Executor
	extensions        *ext.Registry
	heartbeater       Heartbeater
	size              int
	heartbeatInterval time.Duration
	logger            *slog.Logger

	sem   *semaphore.Weighted
	freed chan struct{}

	mu    sync.Mutex
	slots []*slot
}

// NewPool creates a worker pool.
func NewPool(executor *Executor, logger *slog.Logger, opts ...PoolOption) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		executor:          executor,
		size:              10,
		heartbeatInterval: 5 * time.Second,
		logger:            logger,
		freed:             make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.size < 1 {
		p.size = 1
	}
	p.sem = semaphore.NewWeighted(int64(p.size))
	p.slots = make([]*slot, p.size)
	return p
}

// Size returns the number of slots.
func (p *Pool) Size() int { return p.size }

// Idle returns the number of slots not executing a job.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.slots {
		if s == nil {
			n++
		}
	}
	return n
}

// InFlight returns the number of busy slots.
func (p *Pool) InFlight() int { return p.size - p.Idle() }

// Freed is signalled whenever a slot becomes idle.
func (p *Pool) Freed() <-chan struct{} { return p.freed }

// Run executes c in a free slot, waiting for one if all are busy. If ctx
// ends before a slot frees up the claim is not executed and the outcome
// is Interrupted.
func (p *Pool) Run(ctx context.Context, c *job.Claim) Outcome {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return Outcome{Kind: Interrupted, Err: err}
	}
	defer func() {
		p.sem.Release(1)
		select {
		case p.freed <- struct{}{}:
		default:
		}
	}()

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	idx := p.occupy(c, cancel)
	defer p.vacate(idx)

	if p.extensions != nil {
		p.extensions.EmitJobStarted(runCtx, c.Job, c.Attempt)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	if p.heartbeatInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.beat(runCtx, idx, c, stop)
		}()
	}

	out := p.executor.Execute(runCtx, c)
	close(stop)
	wg.Wait()
	return out
}

// beat refreshes the slot's heartbeat while the attempt is within its
// timeout. A slot that outlives its timeout stops beating, which is what
// lets the dispatcher see it as stalled.
func (p *Pool) beat(ctx context.Context, idx int, c *job.Claim, stop <-chan struct{}) {
	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if c.Job.Timeout > 0 && now.Sub(start) > c.Job.Timeout {
				continue
			}
			p.mu.Lock()
			if s := p.slots[idx]; s != nil && s.claim == c {
				s.lastBeat = now
			}
			p.mu.Unlock()

			if p.heartbeater == nil {
				continue
			}
			if err := p.heartbeater.Heartbeat(ctx, c); err != nil {
				if errors.Is(err, jobq.ErrClaimNotHeld) {
					p.logger.Warn("claim lost, abandoning attempt",
						slog.String("job_id", c.Job.ID.String()),
						slog.Int("attempt", c.Attempt),
					)
					p.CancelClaim(c.Job.ID, c.Lease, jobq.ErrStalled)
					return
				}
				p.logger.Warn("heartbeat failed",
					slog.String("job_id", c.Job.ID.String()),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func (p *Pool) occupy(c *job.Claim, cancel context.CancelCauseFunc) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	for i, s := range p.slots {
		if s == nil {
			p.slots[i] = &slot{claim: c, cancel: cancel, startedAt: now, lastBeat: now}
			return i
		}
	}
	// Unreachable while the semaphore and the slot table agree.
	panic("worker: no free slot")
}

func (p *Pool) vacate(idx int) {
	p.mu.Lock()
	p.slots[idx] = nil
	p.mu.Unlock()
}

// Slots returns a snapshot of every slot.
func (p *Pool) Slots() []Slot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Slot, len(p.slots))
	for i, s := range p.slots {
		out[i] = Slot{ID: i}
		if s == nil {
			continue
		}
		out[i].JobID = s.claim.Job.ID
		out[i].Lease = s.claim.Lease
		out[i].Attempt = s.claim.Attempt
		out[i].StartedAt = s.startedAt
		out[i].LastHeartbeat = s.lastBeat
	}
	return out
}

// Stalled returns the busy slots whose last heartbeat is older than grace.
func (p *Pool) Stalled(grace time.Duration) []Slot {
	cutoff := time.Now().Add(-grace)
	var out []Slot
	for _, s := range p.Slots() {
		if s.Busy() && s.LastHeartbeat.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

// Cancel cancels every attempt running jobID with cause. It reports
// false if no slot is running the job.
func (p *Pool) Cancel(jobID id.JobID, cause error) bool {
	return p.cancel(func(c *job.Claim) bool { return c.Job.ID == jobID }, cause)
}

// CancelClaim cancels only the attempt holding the given lease on jobID.
func (p *Pool) CancelClaim(jobID id.JobID, lease string, cause error) bool {
	return p.cancel(func(c *job.Claim) bool { return c.Job.ID == jobID && c.Lease == lease }, cause)
}

func (p *Pool) cancel(match func(*job.Claim) bool, cause error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	found := false
	for _, s := range p.slots {
		if s != nil && match(s.claim) {
			s.cancel(cause)
			found = true
		}
	}
	return found
}

// CancelAll cancels every running attempt with cause.
func (p *Pool) CancelAll(cause error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.slots {
		if s != nil {
			p.logger.Warn("cancelling active job", slog.String("job_id", s.claim.Job.ID.String()))
			s.cancel(cause)
		}
	}
}
