package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/jobq"
	"github.com/xraph/jobq/backoff"
	"github.com/xraph/jobq/dispatcher"
	"github.com/xraph/jobq/ext"
	"github.com/xraph/jobq/health"
	"github.com/xraph/jobq/id"
	"github.com/xraph/jobq/job"
	mw "github.com/xraph/jobq/middleware"
	"github.com/xraph/jobq/observability"
	"github.com/xraph/jobq/queue"
	"github.com/xraph/jobq/registry"
	"github.com/xraph/jobq/store"
	"github.com/xraph/jobq/worker"
)

const instrumentationName = "github.com/xraph/jobq"

// Engine is a jobq producer and, once started, a worker process.
type Engine struct {
	cfg        jobq.Config
	store      store.Store
	logger     *slog.Logger
	extensions *ext.Registry
	tasks      *job.Registry
	registry   *registry.Registry
	pool       *worker.Pool
	dispatcher *dispatcher.Dispatcher
	health     *health.Reporter
	admission  *queue.Manager
	bo         backoff.Strategy
	mws        []mw.Middleware

	queueConfigs   []queue.Config
	pendingExts    []ext.Extension
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	registerer     prometheus.Registerer

	mu       sync.Mutex
	started  bool
	cancelBg context.CancelFunc
	bg       sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithStore sets the backend shared by the queue, the registry and dedup.
func WithStore(s store.Store) Option {
	return func(eng *Engine) { eng.store = s }
}

// WithConfig sets the engine tunables.
func WithConfig(cfg jobq.Config) Option {
	return func(eng *Engine) { eng.cfg = cfg }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(eng *Engine) { eng.logger = l }
}

// WithExtension registers an extension with the engine.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) { eng.pendingExts = append(eng.pendingExts, e) }
}

// WithMiddleware adds middleware to the execution chain, inside the
// built-in logging, tracing and metrics middleware.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) { eng.mws = append(eng.mws, m) }
}

// WithBackoff sets the retry delay strategy. If not set, retries wait
// min(RetryBase*2^(attempt-1), RetryMax).
func WithBackoff(b backoff.Strategy) Option {
	return func(eng *Engine) { eng.bo = b }
}

// WithQueueConfig registers per-task rate limits and concurrency caps.
// Tasks not listed have no limits beyond the pool-wide ceiling.
func WithQueueConfig(configs ...queue.Config) Option {
	return func(eng *Engine) { eng.queueConfigs = append(eng.queueConfigs, configs...) }
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// If not set, the global otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) { eng.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider for the metrics
// middleware and the observability extension.
// If not set, the global otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) { eng.meterProvider = mp }
}

// WithRegisterer publishes the health gauges to reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(eng *Engine) { eng.registerer = reg }
}

// New creates an Engine.
func New(opts ...Option) (*Engine, error) {
	eng := &Engine{
		cfg:    jobq.DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(eng)
	}

	if eng.store == nil {
		return nil, jobq.ErrNoStore
	}
	if err := eng.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("jobq: invalid config: %w", err)
	}
	cfg := eng.cfg
	logger := eng.logger

	eng.extensions = ext.NewRegistry(logger)
	if eng.meterProvider != nil {
		eng.extensions.Register(observability.NewMetricsExtensionWithMeter(
			eng.meterProvider.Meter(instrumentationName + "/observability")))
	} else {
		eng.extensions.Register(observability.NewMetricsExtension())
	}
	for _, e := range eng.pendingExts {
		eng.extensions.Register(e)
	}

	if eng.bo == nil {
		eng.bo = backoff.NewExponential(cfg.RetryBase, cfg.RetryMax)
	}

	eng.tasks = job.NewRegistry()
	eng.registry = registry.New(eng.store,
		registry.WithLogger(logger),
		registry.WithResultTTL(cfg.ResultTTL),
	)

	var tracingMw, metricsMw mw.Middleware
	if eng.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(eng.tracerProvider.Tracer(instrumentationName))
	} else {
		tracingMw = mw.Tracing()
	}
	if eng.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(eng.meterProvider.Meter(instrumentationName))
	} else {
		metricsMw = mw.Metrics()
	}
	chain := make([]mw.Middleware, 0, len(eng.mws)+3)
	chain = append(chain, mw.Logging(logger), tracingMw, metricsMw)
	chain = append(chain, eng.mws...)

	eng.pool = worker.NewPool(worker.NewExecutor(eng.tasks, logger, chain...), logger,
		worker.WithPoolConcurrency(cfg.Concurrency),
		worker.WithHeartbeatInterval(cfg.HeartbeatInterval),
		worker.WithHeartbeater(eng.store),
		worker.WithExtensions(eng.extensions),
	)

	dopts := []dispatcher.Option{
		dispatcher.WithConfig(dispatcher.Config{
			Concurrency:  cfg.Concurrency,
			PollMin:      cfg.PollMin,
			PollMax:      cfg.PollMax,
			StallGrace:   cfg.StallGrace,
			ReapInterval: cfg.StallGrace,
			StoreRetries: 3,
		}),
		dispatcher.WithBackoff(eng.bo),
		dispatcher.WithExtensions(eng.extensions),
		dispatcher.WithLogger(logger),
	}
	if len(eng.queueConfigs) > 0 {
		eng.admission = queue.NewManager(eng.queueConfigs...)
		dopts = append(dopts, dispatcher.WithAdmission(eng.admission))
	}
	eng.dispatcher = dispatcher.New(eng.store, eng.registry, eng.pool, dopts...)

	hopts := []health.Option{
		health.WithConfig(health.Config{
			DegradedQueueDepth: cfg.DegradedQueueDepth,
			DegradedRetryRate:  cfg.DegradedRetryRate,
			StallGrace:         cfg.StallGrace,
			SampleInterval:     cfg.SampleInterval,
			PingRetries:        2,
		}),
		health.WithLogger(logger),
	}
	if eng.registerer != nil {
		hopts = append(hopts, health.WithRegisterer(eng.registerer))
	}
	eng.health = health.New(eng.store, eng.pool, hopts...)

	return eng, nil
}

// ──────────────────────────────────────────────────
// Registration
// ──────────────────────────────────────────────────

// Register registers a typed task definition with the engine.
func Register[T, R any](eng *Engine, def *job.Definition[T, R]) {
	job.RegisterDefinition(eng.tasks, def)
}

// RegisterFunc registers a type-erased task body under name.
func (eng *Engine) RegisterFunc(name string, h job.HandlerFunc, opts ...job.Option) {
	eng.tasks.Register(name, h, opts...)
}

// ──────────────────────────────────────────────────
// Submission
// ──────────────────────────────────────────────────

// Enqueue submits a job whose single positional argument is input, the
// form typed definitions decode.
func Enqueue[T any](ctx context.Context, eng *Engine, name string, input T, opts ...job.Option) (job.Handle, error) {
	return eng.Submit(ctx, name, []any{input}, nil, opts...)
}

// Submit durably queues a call of functionName and returns its handle
// without waiting for execution. An unregistered name fails with a
// *jobq.UnknownTaskError before the store is touched. A dedup key seen
// within the dedup window returns the earlier handle, marked
// Deduplicated, and queues nothing; with job.WithRejectDuplicate that
// handle comes with a *jobq.DuplicateError. Backend failures match
// jobq.ErrStoreUnavailable and may be retried by the caller.
func (eng *Engine) Submit(ctx context.Context, functionName string, args []any, kwargs map[string]any, opts ...job.Option) (job.Handle, error) {
	task, ok := eng.tasks.Get(functionName)
	if !ok {
		return job.Handle{}, &jobq.UnknownTaskError{Name: functionName}
	}

	o := task.Opts.Apply(opts...)
	if o.MaxRetries < 0 {
		o.MaxRetries = eng.cfg.DefaultMaxRetries
	}
	if o.Timeout <= 0 {
		o.Timeout = eng.cfg.DefaultTimeout
	}

	if args == nil {
		args = []any{}
	}
	rawArgs, err := json.Marshal(args)
	if err != nil {
		return job.Handle{}, fmt.Errorf("jobq: encode args of %s: %w", functionName, err)
	}
	var rawKwargs json.RawMessage
	if len(kwargs) > 0 {
		if rawKwargs, err = json.Marshal(kwargs); err != nil {
			return job.Handle{}, fmt.Errorf("jobq: encode kwargs of %s: %w", functionName, err)
		}
	}

	now := time.Now().UTC()
	j := &job.Job{
		ID:           id.NewJobID(),
		FunctionName: functionName,
		Args:         rawArgs,
		Kwargs:       rawKwargs,
		EnqueuedAt:   now,
		MaxRetries:   o.MaxRetries,
		Timeout:      o.Timeout,
		Priority:     o.Priority,
		DedupKey:     o.DedupKey,
	}
	if !o.DeferUntil.IsZero() {
		at := o.DeferUntil.UTC()
		j.DeferUntil = &at
	}
	h := job.Handle{ID: j.ID, SubmittedAt: now}

	if j.DedupKey != "" {
		held, stored, err := eng.store.ReserveDedupKey(ctx, j.DedupKey, h, eng.cfg.DedupWindow)
		if err != nil {
			return job.Handle{}, unavailable("reserve dedup key", err)
		}
		if !stored {
			held.Deduplicated = true
			eng.logger.Debug("duplicate submission suppressed",
				slog.String("dedup_key", j.DedupKey),
				slog.String("job_id", held.ID.String()),
			)
			if o.RejectDuplicate {
				return held, &jobq.DuplicateError{Key: j.DedupKey, ID: held.ID.String()}
			}
			return held, nil
		}
	}

	if _, err := eng.registry.RecordTransition(ctx, j.ID, job.StateQueued, job.Update{
		FunctionName: functionName,
		EnqueuedAt:   now,
		At:           now,
	}); err != nil {
		eng.releaseDedup(ctx, j)
		return job.Handle{}, unavailable("record queued", err)
	}

	if err := eng.store.Enqueue(ctx, j); err != nil {
		eng.releaseDedup(ctx, j)
		infra := &job.ErrorPayload{Kind: job.KindInfrastructure, Message: "enqueue failed: " + err.Error()}
		if _, rerr := eng.registry.RecordTransition(ctx, j.ID, job.StateFailed, job.Update{Error: infra}); rerr != nil {
			eng.logger.Warn("failed to record rejected submission",
				slog.String("job_id", j.ID.String()),
				slog.String("error", rerr.Error()),
			)
		}
		return job.Handle{}, unavailable("enqueue", err)
	}

	eng.extensions.EmitJobEnqueued(ctx, j)
	eng.dispatcher.Wake()
	return h, nil
}

func (eng *Engine) releaseDedup(ctx context.Context, j *job.Job) {
	if j.DedupKey == "" {
		return
	}
	if err := eng.store.ReleaseDedupKey(ctx, j.DedupKey, j.ID); err != nil {
		eng.logger.Warn("failed to release dedup key",
			slog.String("dedup_key", j.DedupKey),
			slog.String("error", err.Error()),
		)
	}
}

func unavailable(op string, err error) error {
	if errors.Is(err, jobq.ErrStoreUnavailable) {
		return fmt.Errorf("jobq: submit: %s: %w", op, err)
	}
	return fmt.Errorf("%w: submit: %s: %w", jobq.ErrStoreUnavailable, op, err)
}

// ──────────────────────────────────────────────────
// Inspection and cancellation
// ──────────────────────────────────────────────────

// Result returns the current state of a job and, once terminal, its
// outcome. A result read after its TTL returns a *jobq.NotFoundError with
// Expired set.
func (eng *Engine) Result(ctx context.Context, jobID id.JobID) (*job.Result, error) {
	return eng.registry.Get(ctx, jobID)
}

// Wait polls the job's result every poll until it is terminal or ctx is
// done. On ctx expiry it returns the last result read with ctx's error.
func (eng *Engine) Wait(ctx context.Context, jobID id.JobID, poll time.Duration) (*job.Result, error) {
	if poll <= 0 {
		poll = eng.cfg.PollMin
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	var last *job.Result
	for {
		res, err := eng.registry.Get(ctx, jobID)
		switch {
		case err == nil:
			last = res
			if res.State.Terminal() {
				return res, nil
			}
		case errors.Is(err, jobq.ErrNotFound):
			return nil, err
		case ctx.Err() == nil:
			eng.logger.Debug("wait: result read failed",
				slog.String("job_id", jobID.String()),
				slog.String("error", err.Error()),
			)
		}

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cancel cancels a job. A still-pending job is removed from the queue and
// fails as cancelled; a job running in this process has its context
// cancelled and fails as cancelled when its body returns. Cancel reports
// false when the job already finished or runs in another process.
func (eng *Engine) Cancel(ctx context.Context, jobID id.JobID) (bool, error) {
	removed, err := eng.store.Cancel(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("jobq: cancel %s: %w", jobID, err)
	}
	if removed {
		payload := &job.ErrorPayload{Kind: job.KindCancelled, Message: "cancelled before execution"}
		if _, err := eng.registry.RecordTransition(ctx, jobID, job.StateFailed, job.Update{Error: payload}); err != nil {
			return true, fmt.Errorf("jobq: record cancellation of %s: %w", jobID, err)
		}
		eng.extensions.EmitJobCancelled(ctx, jobID)
		return true, nil
	}

	if eng.pool.Cancel(jobID, jobq.ErrCancelled) {
		return true, nil
	}

	if _, err := eng.registry.Get(ctx, jobID); err != nil {
		return false, err
	}
	return false, nil
}

// Snapshot returns a point-in-time view of the queue and the local pool.
func (eng *Engine) Snapshot(ctx context.Context) health.Snapshot {
	return eng.health.Snapshot(ctx)
}

// Liveness returns the liveness status with its reasons.
func (eng *Engine) Liveness(ctx context.Context) health.Report {
	return eng.health.Liveness(ctx)
}

// LivenessProbe returns the liveness status.
func (eng *Engine) LivenessProbe(ctx context.Context) health.Status {
	return eng.health.LivenessProbe(ctx)
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Start begins claiming and executing jobs. It returns immediately.
func (eng *Engine) Start(ctx context.Context) error {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	if eng.started {
		return jobq.ErrAlreadyStarted
	}

	if err := eng.store.Ping(ctx); err != nil {
		return fmt.Errorf("jobq: start: %w", err)
	}
	if err := eng.dispatcher.Start(ctx); err != nil {
		return err
	}

	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	eng.cancelBg = cancel
	eng.bg.Add(2)
	go func() {
		defer eng.bg.Done()
		eng.health.Run(bgCtx)
	}()
	go func() {
		defer eng.bg.Done()
		eng.registry.RunSweeper(bgCtx, eng.cfg.ResultTTL/2)
	}()

	eng.started = true
	eng.logger.Info("jobq engine started",
		slog.String("worker_id", eng.dispatcher.WorkerID().String()),
		slog.Int("concurrency", eng.cfg.Concurrency),
		slog.Any("tasks", eng.tasks.Names()),
	)
	return nil
}

// Stop stops claiming new jobs and waits for running ones, up to ctx or
// ShutdownTimeout, whichever ends first. Jobs still running then are
// interrupted and returned to the queue.
func (eng *Engine) Stop(ctx context.Context) error {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	if !eng.started {
		return jobq.ErrNotStarted
	}
	eng.started = false

	ctx, cancel := context.WithTimeout(ctx, eng.cfg.ShutdownTimeout)
	defer cancel()

	err := eng.dispatcher.Stop(ctx)
	eng.cancelBg()
	eng.bg.Wait()
	eng.extensions.EmitShutdown(ctx)

	eng.logger.Info("jobq engine stopped")
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// ──────────────────────────────────────────────────
// Accessors
// ──────────────────────────────────────────────────

// Config returns the engine configuration.
func (eng *Engine) Config() jobq.Config { return eng.cfg }

// Store returns the backend.
func (eng *Engine) Store() store.Store { return eng.store }

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Tasks returns the task registry.
func (eng *Engine) Tasks() *job.Registry { return eng.tasks }

// Registry returns the job registry.
func (eng *Engine) Registry() *registry.Registry { return eng.registry }

// Pool returns the worker pool.
func (eng *Engine) Pool() *worker.Pool { return eng.pool }

// Dispatcher returns the dispatcher.
func (eng *Engine) Dispatcher() *dispatcher.Dispatcher { return eng.dispatcher }

// Health returns the health reporter.
func (eng *Engine) Health() *health.Reporter { return eng.health }

// QueueManager returns the admission manager, or nil if no queue configs
// were provided.
func (eng *Engine) QueueManager() *queue.Manager { return eng.admission }
