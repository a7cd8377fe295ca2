// Package ext defines the extension system for jobq.
// Extensions are notified of lifecycle events (job enqueued, succeeded,
// failed, etc.) and can react to them: logging, metrics, tracing.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package ext

import (
	"context"
	"time"

	"github.com/xraph/jobq/id"
	"github.com/xraph/jobq/job"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Job lifecycle hooks
// ──────────────────────────────────────────────────

// JobEnqueued is called after a job is durably queued.
type JobEnqueued interface {
	OnJobEnqueued(ctx context.Context, j *job.Job) error
}

// JobStarted is called when a slot begins executing an attempt.
type JobStarted interface {
	OnJobStarted(ctx context.Context, j *job.Job, attempt int) error
}

// JobSucceeded is called after a job finishes successfully.
type JobSucceeded interface {
	OnJobSucceeded(ctx context.Context, j *job.Job, elapsed time.Duration) error
}

// JobFailed is called when a job fails terminally.
type JobFailed interface {
	OnJobFailed(ctx context.Context, j *job.Job, err error) error
}

// JobRetrying is called when an attempt failed and the job was requeued.
type JobRetrying interface {
	OnJobRetrying(ctx context.Context, j *job.Job, attempt int, nextRunAt time.Time) error
}

// JobCancelled is called when a pending job is removed before any worker
// claimed it.
type JobCancelled interface {
	OnJobCancelled(ctx context.Context, jobID id.JobID) error
}

// JobStalled is called when a claim missed its heartbeats and was taken
// back from its slot or from a dead process.
type JobStalled interface {
	OnJobStalled(ctx context.Context, j *job.Job, attempt int) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
