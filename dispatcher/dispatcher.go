package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/xraph/jobq"
	"github.com/xraph/jobq/backoff"
	"github.com/xraph/jobq/ext"
	"github.com/xraph/jobq/id"
	"github.com/xraph/jobq/job"
	"github.com/xraph/jobq/queue"
	"github.com/xraph/jobq/registry"
	"github.com/xraph/jobq/worker"
)

// Config holds the dispatcher tunables.
type Config struct {
	Concurrency  int
	PollMin      time.Duration
	PollMax      time.Duration
	StallGrace   time.Duration
	ReapInterval time.Duration
	// StoreRetries bounds the local retry of transient store errors.
	StoreRetries uint64
}

// DefaultConfig returns the dispatcher defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:  10,
		PollMin:      100 * time.Millisecond,
		PollMax:      time.Second,
		StallGrace:   30 * time.Second,
		ReapInterval: 30 * time.Second,
		StoreRetries: 3,
	}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithConfig sets the tunables.
func WithConfig(cfg Config) Option {
	return func(d *Dispatcher) { d.cfg = cfg }
}

// WithBackoff sets the retry delay strategy.
func WithBackoff(b backoff.Strategy) Option {
	return func(d *Dispatcher) { d.backoff = b }
}

// WithAdmission gates each claim through per-task-type limits before it
// runs. Denied claims go back to the queue without consuming an attempt.
func WithAdmission(m *queue.Manager) Option {
	return func(d *Dispatcher) { d.admission = m }
}

// WithExtensions sets the extension registry notified of lifecycle events.
func WithExtensions(r *ext.Registry) Option {
	return func(d *Dispatcher) { d.extensions = r }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithWorkerID sets the identity claims are taken under.
func WithWorkerID(wid id.WorkerID) Option {
	return func(d *Dispatcher) { d.workerID = wid }
}

// tracked is a claim the dispatcher has handed to the pool. settled flips
// once: whoever settles first (the slot's outcome or the stall check)
// owns the job's next transition.
type tracked struct {
	claim   *job.Claim
	settled atomic.Bool
}

// Dispatcher moves claims from the queue store through the worker pool.
type Dispatcher struct {
	store      job.QueueStore
	registry   *registry.Registry
	pool       *worker.Pool
	admission  *queue.Manager
	extensions *ext.Registry
	backoff    backoff.Strategy
	workerID   id.WorkerID
	cfg        Config
	logger     *slog.Logger

	outstanding atomic.Int64
	active      sync.Map // claimKey -> *tracked

	mu         sync.Mutex
	running    bool
	cancelLoop context.CancelFunc
	execCtx    context.Context
	loops      sync.WaitGroup
	inflight   sync.WaitGroup
	wake       chan struct{}
}

// New creates a Dispatcher.
func New(store job.QueueStore, reg *registry.Registry, pool *worker.Pool, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:    store,
		registry: reg,
		pool:     pool,
		backoff:  backoff.DefaultStrategy(),
		workerID: id.NewWorkerID(),
		cfg:      DefaultConfig(),
		logger:   slog.Default(),
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.extensions == nil {
		d.extensions = ext.NewRegistry(d.logger)
	}
	if d.cfg.Concurrency <= 0 || d.cfg.Concurrency > pool.Size() {
		d.cfg.Concurrency = pool.Size()
	}
	if d.cfg.PollMin <= 0 {
		d.cfg.PollMin = 100 * time.Millisecond
	}
	if d.cfg.PollMax < d.cfg.PollMin {
		d.cfg.PollMax = d.cfg.PollMin
	}
	return d
}

// WorkerID returns the identity claims are taken under.
func (d *Dispatcher) WorkerID() id.WorkerID { return d.workerID }

// Outstanding returns the number of claims currently held.
func (d *Dispatcher) Outstanding() int { return int(d.outstanding.Load()) }

// Wake makes the claim loop poll now instead of waiting out its interval.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Start launches the claim loop, the stall check and the reaper. It
// returns immediately.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return jobq.ErrAlreadyStarted
	}
	d.running = true

	loopCtx, cancel := context.WithCancel(ctx)
	d.cancelLoop = cancel
	d.execCtx = context.WithoutCancel(ctx)

	d.logger.Info("dispatcher starting",
		slog.String("worker_id", d.workerID.String()),
		slog.Int("concurrency", d.cfg.Concurrency),
	)

	d.loops.Add(1)
	go func() {
		defer d.loops.Done()
		d.claimLoop(loopCtx)
	}()
	if d.cfg.StallGrace > 0 {
		d.loops.Add(1)
		go func() {
			defer d.loops.Done()
			d.every(loopCtx, d.cfg.StallGrace/4, d.checkStalled)
		}()
	}
	if d.cfg.ReapInterval > 0 && d.cfg.StallGrace > 0 {
		d.loops.Add(1)
		go func() {
			defer d.loops.Done()
			d.every(loopCtx, d.cfg.ReapInterval, d.reap)
		}()
	}
	return nil
}

// Stop stops claiming and waits for outstanding claims to settle. When
// ctx ends first, running attempts are cancelled and their jobs returned
// to the queue without consuming an attempt.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return jobq.ErrNotStarted
	}
	d.running = false
	d.cancelLoop()
	d.mu.Unlock()

	d.loops.Wait()

	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("dispatcher stopped gracefully")
		return nil
	case <-ctx.Done():
		d.logger.Warn("dispatcher shutdown timed out, interrupting active jobs",
			slog.Int("outstanding", d.Outstanding()),
		)
		d.pool.CancelAll(worker.ErrShutdown)
		<-done
		return ctx.Err()
	}
}

// ──────────────────────────────────────────────────
// Claim loop
// ──────────────────────────────────────────────────

func (d *Dispatcher) claimLoop(ctx context.Context) {
	interval := d.cfg.PollMin
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-d.wake:
		case <-d.pool.Freed():
		}

		free := d.cfg.Concurrency - d.Outstanding()
		if free > 0 {
			claims, err := d.store.DequeueBatch(ctx, d.workerID, free)
			switch {
			case err != nil:
				if ctx.Err() == nil {
					d.logger.Error("dequeue error", slog.String("error", err.Error()))
				}
				interval = min(interval*2, d.cfg.PollMax)
			case len(claims) == 0:
				interval = min(interval*2, d.cfg.PollMax)
			default:
				interval = d.cfg.PollMin
				for _, c := range claims {
					d.launch(c)
				}
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(interval)
	}
}

func (d *Dispatcher) launch(c *job.Claim) {
	t := &tracked{claim: c}
	key := claimKey(c.Job.ID, c.Lease)
	d.active.Store(key, t)
	d.outstanding.Add(1)
	d.inflight.Add(1)

	go func() {
		defer func() {
			d.active.Delete(key)
			d.outstanding.Add(-1)
			d.inflight.Done()
			d.Wake()
		}()
		d.process(d.execCtx, t)
	}()
}

func (d *Dispatcher) process(ctx context.Context, t *tracked) {
	c := t.claim
	task := c.Job.FunctionName

	if d.admission != nil {
		ok, after := d.admission.Acquire(task)
		if !ok {
			if after <= 0 {
				after = d.cfg.PollMin
			}
			d.logger.Debug("task admission denied",
				slog.String("job_id", c.Job.ID.String()),
				slog.String("function", task),
				slog.Duration("retry_after", after),
			)
			if err := d.storeOp(ctx, func(ctx context.Context) error { return d.store.Release(ctx, c, after) }); err != nil {
				d.logger.Error("failed to return denied claim",
					slog.String("job_id", c.Job.ID.String()),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		defer d.admission.Release(task)
	}

	if _, err := d.registry.RecordTransition(ctx, c.Job.ID, job.StateRunning, job.Update{Attempt: c.Attempt}); err != nil {
		d.abandon(ctx, c, err)
		return
	}

	out := d.pool.Run(ctx, c)
	if !t.settled.CompareAndSwap(false, true) {
		d.logger.Warn("discarding outcome of a job already settled as stalled",
			slog.String("job_id", c.Job.ID.String()),
			slog.String("outcome", string(out.Kind)),
		)
		return
	}
	d.settle(ctx, c, out)
}

// abandon handles a claim whose running transition could not be recorded.
func (d *Dispatcher) abandon(ctx context.Context, c *job.Claim, err error) {
	log := d.logger.With(slog.String("job_id", c.Job.ID.String()), slog.String("error", err.Error()))
	if errors.Is(err, jobq.ErrInvalidTransition) {
		// Already finished or its result is gone: nothing to run.
		log.Warn("dropping claim for a job that is not queued")
		if err := d.storeOp(ctx, func(ctx context.Context) error { return d.store.Complete(ctx, c) }); err != nil {
			log.Error("failed to drop claim", slog.String("complete_error", err.Error()))
		}
		return
	}
	log.Error("registry unavailable, returning claim")
	if err := d.storeOp(ctx, func(ctx context.Context) error { return d.store.Release(ctx, c, d.cfg.PollMin) }); err != nil {
		log.Error("failed to return claim", slog.String("release_error", err.Error()))
	}
}

// ──────────────────────────────────────────────────
// Outcome handling
// ──────────────────────────────────────────────────

// settle records the transitions that follow an attempt's outcome.
func (d *Dispatcher) settle(ctx context.Context, c *job.Claim, out worker.Outcome) {
	switch {
	case out.Kind == worker.Success:
		d.succeed(ctx, c, out)
	case out.Kind == worker.Interrupted:
		d.requeue(ctx, c, out, 0, true)
	case out.Retryable && c.AttemptsLeft():
		d.requeue(ctx, c, out, backoff.For(d.backoff, c.Attempt, out.Err), false)
	default:
		d.fail(ctx, c, out)
	}
}

func (d *Dispatcher) succeed(ctx context.Context, c *job.Claim, out worker.Outcome) {
	if _, err := d.registry.RecordTransition(ctx, c.Job.ID, job.StateSucceeded, job.Update{
		Payload: out.Payload,
		Attempt: c.Attempt,
	}); err != nil {
		// The claim stays held; once its heartbeat goes stale the reaper
		// re-runs the job.
		d.logger.Error("failed to record success",
			slog.String("job_id", c.Job.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	d.complete(ctx, c)
	d.extensions.EmitJobSucceeded(ctx, c.Job, out.Elapsed)
}

// requeue moves the job back to queued and returns it to the store.
// refund gives back the attempt for runs the engine itself interrupted.
func (d *Dispatcher) requeue(ctx context.Context, c *job.Claim, out worker.Outcome, delay time.Duration, refund bool) {
	jid := c.Job.ID
	payload := errorPayload(out)
	if refund {
		payload = nil
	}
	if _, err := d.registry.RecordTransition(ctx, jid, job.StateRetrying, job.Update{Error: payload, Attempt: c.Attempt}); err != nil {
		d.logger.Error("failed to record retry", slog.String("job_id", jid.String()), slog.String("error", err.Error()))
		return
	}
	// queued is recorded before the job becomes visible so a fast claimer
	// never races the transition.
	if _, err := d.registry.RecordTransition(ctx, jid, job.StateQueued, job.Update{}); err != nil {
		d.logger.Error("failed to record requeue", slog.String("job_id", jid.String()), slog.String("error", err.Error()))
		return
	}

	err := d.storeOp(ctx, func(ctx context.Context) error {
		if refund {
			return d.store.Release(ctx, c, delay)
		}
		return d.store.Requeue(ctx, c, delay)
	})
	if errors.Is(err, jobq.ErrClaimNotHeld) {
		d.logger.Warn("claim lost before requeue", slog.String("job_id", jid.String()))
		return
	}
	if err != nil {
		d.logger.Error("requeue failed, failing job",
			slog.String("job_id", jid.String()),
			slog.String("error", err.Error()),
		)
		infra := &job.ErrorPayload{Kind: job.KindInfrastructure, Message: "requeue failed: " + err.Error()}
		if _, rerr := d.registry.RecordTransition(ctx, jid, job.StateFailed, job.Update{Error: infra}); rerr != nil {
			d.logger.Error("failed to record infrastructure failure", slog.String("job_id", jid.String()), slog.String("error", rerr.Error()))
		}
		d.extensions.EmitJobFailed(ctx, c.Job, fmt.Errorf("requeue: %w", err))
		return
	}

	if refund {
		d.logger.Info("job returned to queue", slog.String("job_id", jid.String()))
		return
	}
	nextRunAt := time.Now().Add(delay)
	d.logger.Info("job scheduled for retry",
		slog.String("job_id", jid.String()),
		slog.String("function", c.Job.FunctionName),
		slog.Int("attempt", c.Attempt),
		slog.Int("max_attempts", c.Job.MaxAttempts()),
		slog.Duration("delay", delay),
		slog.String("cause", string(out.Kind)),
	)
	d.extensions.EmitJobRetrying(ctx, c.Job, c.Attempt, nextRunAt)
}

func (d *Dispatcher) fail(ctx context.Context, c *job.Claim, out worker.Outcome) {
	payload := errorPayload(out)
	jobErr := out.Err
	if out.Retryable {
		payload = &job.ErrorPayload{
			Kind:    job.KindRetriesExhausted,
			Message: fmt.Sprintf("%d attempts: %s", c.Attempt, payload.Message),
			Cause:   payload.Kind,
		}
		jobErr = fmt.Errorf("%w after %d attempts: %w", jobq.ErrRetriesExhausted, c.Attempt, out.Err)
	}
	if _, err := d.registry.RecordTransition(ctx, c.Job.ID, job.StateFailed, job.Update{Error: payload, Attempt: c.Attempt}); err != nil {
		d.logger.Error("failed to record failure",
			slog.String("job_id", c.Job.ID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	d.complete(ctx, c)

	d.logger.Warn("job failed",
		slog.String("job_id", c.Job.ID.String()),
		slog.String("function", c.Job.FunctionName),
		slog.Int("attempt", c.Attempt),
		slog.String("kind", string(payload.Kind)),
		slog.String("error", jobErr.Error()),
	)
	d.extensions.EmitJobFailed(ctx, c.Job, jobErr)
}

func (d *Dispatcher) complete(ctx context.Context, c *job.Claim) {
	err := d.storeOp(ctx, func(ctx context.Context) error { return d.store.Complete(ctx, c) })
	if err != nil && !errors.Is(err, jobq.ErrClaimNotHeld) {
		d.logger.Error("failed to release claim",
			slog.String("job_id", c.Job.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

func claimKey(jobID id.JobID, lease string) string {
	return jobID.String() + "/" + lease
}

func errorPayload(out worker.Outcome) *job.ErrorPayload {
	msg := string(out.Kind)
	if out.Err != nil {
		msg = out.Err.Error()
	}
	return &job.ErrorPayload{Kind: out.ErrorKind(), Message: msg}
}

// storeOp runs fn, retrying transient store errors a bounded number of
// times.
func (d *Dispatcher) storeOp(ctx context.Context, fn func(context.Context) error) error {
	b := retry.NewExponential(20 * time.Millisecond)
	b = retry.WithCappedDuration(time.Second, b)
	b = retry.WithMaxRetries(d.cfg.StoreRetries, b)
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		if errors.Is(err, jobq.ErrStoreUnavailable) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// ──────────────────────────────────────────────────
// Stall check and reaper
// ──────────────────────────────────────────────────

func (d *Dispatcher) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// checkStalled force-cancels local slots that stopped beating and settles
// their jobs as stalled without waiting for the slot to return.
func (d *Dispatcher) checkStalled(_ context.Context) {
	for _, s := range d.pool.Stalled(d.cfg.StallGrace) {
		v, ok := d.active.Load(claimKey(s.JobID, s.Lease))
		if !ok {
			continue
		}
		t := v.(*tracked)
		if !t.settled.CompareAndSwap(false, true) {
			continue
		}
		c := t.claim
		d.logger.Warn("job stalled, cancelling slot",
			slog.String("job_id", c.Job.ID.String()),
			slog.Int("slot", s.ID),
			slog.Time("last_heartbeat", s.LastHeartbeat),
		)
		d.pool.CancelClaim(c.Job.ID, c.Lease, jobq.ErrStalled)
		d.extensions.EmitJobStalled(d.execCtx, c.Job, c.Attempt)
		d.settle(d.execCtx, c, worker.Outcome{Kind: worker.Stalled, Err: jobq.ErrStalled, Retryable: true})
	}
}

// reap takes over claims whose holder stopped heartbeating, typically a
// crashed worker process.
func (d *Dispatcher) reap(ctx context.Context) {
	claims, err := d.store.ReapStale(ctx, d.workerID, d.cfg.StallGrace)
	if err != nil {
		d.logger.Error("reap stale claims error", slog.String("error", err.Error()))
		return
	}
	for _, c := range claims {
		d.abandonLocal(c.Job.ID)
		d.takeOver(d.execCtx, c)
	}
}

// abandonLocal discards any local attempt of jobID whose lease the reaper
// just superseded.
func (d *Dispatcher) abandonLocal(jobID id.JobID) {
	d.active.Range(func(_, v any) bool {
		t := v.(*tracked)
		if t.claim.Job.ID == jobID && t.settled.CompareAndSwap(false, true) {
			d.pool.CancelClaim(jobID, t.claim.Lease, jobq.ErrStalled)
		}
		return true
	})
}

func (d *Dispatcher) takeOver(ctx context.Context, c *job.Claim) {
	log := d.logger.With(slog.String("job_id", c.Job.ID.String()), slog.Int("attempt", c.Attempt))

	res, err := d.registry.Get(ctx, c.Job.ID)
	if err != nil && !errors.Is(err, jobq.ErrNotFound) {
		log.Error("reaped claim: registry unavailable", slog.String("error", err.Error()))
		return
	}

	switch {
	case res == nil || res.State.Terminal():
		log.Info("reaped claim of a finished job")
		d.complete(ctx, c)
	case res.State == job.StateRetrying:
		// Died between recording the retry and requeueing.
		if _, err := d.registry.RecordTransition(ctx, c.Job.ID, job.StateQueued, job.Update{}); err != nil {
			log.Error("reaped claim: failed to record requeue", slog.String("error", err.Error()))
			return
		}
		if err := d.storeOp(ctx, func(ctx context.Context) error {
			return d.store.Requeue(ctx, c, d.backoff.Delay(c.Attempt))
		}); err != nil {
			log.Error("failed to requeue reaped claim", slog.String("error", err.Error()))
		}
	case res.State == job.StateQueued:
		// Claimed but never started.
		log.Info("reaped claim that never ran")
		if err := d.storeOp(ctx, func(ctx context.Context) error { return d.store.Release(ctx, c, 0) }); err != nil {
			log.Error("failed to return reaped claim", slog.String("error", err.Error()))
		}
	default:
		log.Warn("reaped stalled claim")
		d.extensions.EmitJobStalled(ctx, c.Job, c.Attempt)
		d.settle(ctx, c, worker.Outcome{Kind: worker.Stalled, Err: jobq.ErrStalled, Retryable: true})
	}
}
