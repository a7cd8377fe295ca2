// Package worker provides the job execution engine: an Executor that
// invokes registered handlers through middleware, and a Pool of C slots
// that runs claims handed to it by the dispatcher and reports their
// outcome. The pool never decides between retry and terminal failure.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/jobq"
	"github.com/xraph/jobq/job"
	"github.com/xraph/jobq/middleware"
)

// ErrShutdown is the cancellation cause of attempts interrupted by a
// pool shutdown. Such attempts are reported as Interrupted.
var ErrShutdown = jobq.ErrShutdown

// Kind classifies how an attempt ended.
type Kind string

const (
	Success     Kind = "success"
	Failure     Kind = "failure"
	TimedOut    Kind = "timed_out"
	Crashed     Kind = "crashed"
	Cancelled   Kind = "cancelled"
	Stalled     Kind = "stalled"
	Interrupted Kind = "interrupted"
)

// Outcome is the result of one attempt.
type Outcome struct {
	Kind      Kind
	Payload   json.RawMessage
	Err       error
	Retryable bool
	Elapsed   time.Duration
}

// ErrorKind maps the outcome onto the kind stored with a failed result.
func (o Outcome) ErrorKind() job.ErrorKind {
	switch o.Kind {
	case TimedOut:
		return job.KindTimeout
	case Crashed:
		return job.KindCrashed
	case Stalled:
		return job.KindStalled
	case Cancelled, Interrupted:
		return job.KindCancelled
	default:
		return job.KindFailure
	}
}

// Executor runs a single attempt through middleware and the registered
// handler.
type Executor struct {
	tasks  *job.Registry
	mw     middleware.Middleware
	logger *slog.Logger
}

// NewExecutor creates an Executor. mws wrap every attempt outside the
// built-in timeout and panic recovery, outermost first.
func NewExecutor(tasks *job.Registry, logger *slog.Logger, mws ...middleware.Middleware) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	chain := make([]middleware.Middleware, 0, len(mws)+2)
	chain = append(chain, mws...)
	chain = append(chain, middleware.Timeout(logger), middleware.Recover(logger))
	return &Executor{
		tasks:  tasks,
		mw:     middleware.Chain(chain...),
		logger: logger,
	}
}

// Execute runs c and classifies how it ended.
func (e *Executor) Execute(ctx context.Context, c *job.Claim) Outcome {
	start := time.Now()

	task, ok := e.tasks.Get(c.Job.FunctionName)
	if !ok {
		return Outcome{Kind: Failure, Err: &jobq.UnknownTaskError{Name: c.Job.FunctionName}}
	}
	args, kwargs, err := job.DecodeArgs(c.Job)
	if err != nil {
		return Outcome{Kind: Failure, Err: err}
	}

	terminal := func(ctx context.Context) (any, error) {
		return task.Handler(ctx, args, kwargs)
	}

	payload, err := e.mw(ctx, c, terminal)
	elapsed := time.Since(start)
	if err != nil {
		out := classify(ctx, err)
		out.Elapsed = elapsed
		return out
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return Outcome{Kind: Failure, Err: fmt.Errorf("encode result of %s: %w", c.Job.FunctionName, err), Elapsed: elapsed}
	}
	return Outcome{Kind: Success, Payload: raw, Elapsed: elapsed}
}

func classify(ctx context.Context, err error) Outcome {
	if ctx.Err() != nil {
		if cause := context.Cause(ctx); cause != nil && !errors.Is(err, cause) {
			err = fmt.Errorf("%w: %w", cause, err)
		}
	}
	switch {
	case errors.Is(err, jobq.ErrStalled):
		return Outcome{Kind: Stalled, Err: err, Retryable: true}
	case errors.Is(err, jobq.ErrCancelled):
		return Outcome{Kind: Cancelled, Err: err}
	case middleware.Interrupted(ctx):
		return Outcome{Kind: Interrupted, Err: err}
	case errors.Is(err, jobq.ErrTimeout):
		return Outcome{Kind: TimedOut, Err: err, Retryable: true}
	case errors.Is(err, jobq.ErrCrashed):
		return Outcome{Kind: Crashed, Err: err, Retryable: true}
	case job.IsPermanent(err):
		return Outcome{Kind: Failure, Err: err}
	default:
		return Outcome{Kind: Failure, Err: err, Retryable: true}
	}
}

func encodePayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		return json.Marshal(v)
	}
}
