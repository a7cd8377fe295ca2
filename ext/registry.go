package ext

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/jobq/id"
	"github.com/xraph/jobq/job"
)

// hooks is the list of extensions implementing hook interface H, in
// registration order.
type hooks[H any] []named[H]

type named[H any] struct {
	ext  string
	hook H
}

func (hs *hooks[H]) add(e Extension) {
	if h, ok := e.(H); ok {
		*hs = append(*hs, named[H]{ext: e.Name(), hook: h})
	}
}

// Registry fans lifecycle events out to extensions. Extensions are sorted
// by hook at registration, so emitting an event only visits the ones that
// implement it. Register every extension before the engine starts.
//
// Hooks run synchronously on the caller's goroutine. A hook's error or
// panic is logged and never reaches the caller or the other extensions.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	enqueued  hooks[JobEnqueued]
	started   hooks[JobStarted]
	succeeded hooks[JobSucceeded]
	failed    hooks[JobFailed]
	retrying  hooks[JobRetrying]
	cancelled hooks[JobCancelled]
	stalled   hooks[JobStalled]
	shutdown  hooks[Shutdown]
}

// NewRegistry creates an empty registry. A nil logger means slog.Default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds e. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	r.enqueued.add(e)
	r.started.add(e)
	r.succeeded.add(e)
	r.failed.add(e)
	r.retrying.add(e)
	r.cancelled.add(e)
	r.stalled.add(e)
	r.shutdown.add(e)
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

func emit[H any](r *Registry, event string, hs hooks[H], call func(H) error) {
	for _, h := range hs {
		if err := safeCall(h.hook, call); err != nil {
			r.logger.Warn("extension hook error",
				slog.String("hook", event),
				slog.String("extension", h.ext),
				slog.String("error", err.Error()),
			)
		}
	}
}

func safeCall[H any](h H, call func(H) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return call(h)
}

// ──────────────────────────────────────────────────
// Job events
// ──────────────────────────────────────────────────

// EmitJobEnqueued notifies JobEnqueued extensions.
func (r *Registry) EmitJobEnqueued(ctx context.Context, j *job.Job) {
	emit(r, "OnJobEnqueued", r.enqueued, func(h JobEnqueued) error { return h.OnJobEnqueued(ctx, j) })
}

// EmitJobStarted notifies JobStarted extensions.
func (r *Registry) EmitJobStarted(ctx context.Context, j *job.Job, attempt int) {
	emit(r, "OnJobStarted", r.started, func(h JobStarted) error { return h.OnJobStarted(ctx, j, attempt) })
}

// EmitJobSucceeded notifies JobSucceeded extensions.
func (r *Registry) EmitJobSucceeded(ctx context.Context, j *job.Job, elapsed time.Duration) {
	emit(r, "OnJobSucceeded", r.succeeded, func(h JobSucceeded) error { return h.OnJobSucceeded(ctx, j, elapsed) })
}

// EmitJobFailed notifies JobFailed extensions.
func (r *Registry) EmitJobFailed(ctx context.Context, j *job.Job, jobErr error) {
	emit(r, "OnJobFailed", r.failed, func(h JobFailed) error { return h.OnJobFailed(ctx, j, jobErr) })
}

// EmitJobRetrying notifies JobRetrying extensions.
func (r *Registry) EmitJobRetrying(ctx context.Context, j *job.Job, attempt int, nextRunAt time.Time) {
	emit(r, "OnJobRetrying", r.retrying, func(h JobRetrying) error { return h.OnJobRetrying(ctx, j, attempt, nextRunAt) })
}

// EmitJobCancelled notifies JobCancelled extensions.
func (r *Registry) EmitJobCancelled(ctx context.Context, jobID id.JobID) {
	emit(r, "OnJobCancelled", r.cancelled, func(h JobCancelled) error { return h.OnJobCancelled(ctx, jobID) })
}

// EmitJobStalled notifies JobStalled extensions.
func (r *Registry) EmitJobStalled(ctx context.Context, j *job.Job, attempt int) {
	emit(r, "OnJobStalled", r.stalled, func(h JobStalled) error { return h.OnJobStalled(ctx, j, attempt) })
}

// EmitShutdown notifies Shutdown extensions.
func (r *Registry) EmitShutdown(ctx context.Context) {
	emit(r, "OnShutdown", r.shutdown, func(h Shutdown) error { return h.OnShutdown(ctx) })
}
