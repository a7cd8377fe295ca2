package middleware

import (
	"context"
	"errors"
	"slices"

	"github.com/xraph/jobq"
	"github.com/xraph/jobq/job"
)

// Handler runs the rest of an attempt and returns the task's result.
type Handler func(ctx context.Context) (any, error)

// Middleware wraps one attempt of a claimed job. It must call next unless
// it means to short-circuit the attempt.
type Middleware func(ctx context.Context, c *job.Claim, next Handler) (any, error)

// Chain composes mws so that mws[0] is the outermost wrapper.
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, c *job.Claim, next Handler) (any, error) {
		return run(ctx, c, mws, next)
	}
}

func run(ctx context.Context, c *job.Claim, mws []Middleware, last Handler) (any, error) {
	if len(mws) == 0 {
		return last(ctx)
	}
	return mws[0](ctx, c, func(ctx context.Context) (any, error) {
		return run(ctx, c, mws[1:], last)
	})
}

// For applies mw only to jobs calling one of functions. Other jobs pass
// straight through.
func For(mw Middleware, functions ...string) Middleware {
	return func(ctx context.Context, c *job.Claim, next Handler) (any, error) {
		if !slices.Contains(functions, c.Job.FunctionName) {
			return next(ctx)
		}
		return mw(ctx, c, next)
	}
}

// Verdict is what the result of one attempt means for its job.
type Verdict string

const (
	VerdictOK          Verdict = "ok"
	VerdictRetry       Verdict = "retry"
	VerdictFail        Verdict = "fail"
	VerdictInterrupted Verdict = "interrupted"
)

// Interrupted reports whether the attempt running under ctx was stopped
// by the engine itself: a shutdown, or its parent context going away.
// A context.Canceled returned by a job body whose attempt context is
// still live is an ordinary failure.
func Interrupted(ctx context.Context) bool {
	if ctx.Err() == nil {
		return false
	}
	cause := context.Cause(ctx)
	return errors.Is(cause, jobq.ErrShutdown) || cause == context.Canceled
}

// Judge predicts the verdict the dispatcher will reach for an attempt of c
// that ran under ctx and returned err.
func Judge(ctx context.Context, c *job.Claim, err error) Verdict {
	switch {
	case err == nil:
		return VerdictOK
	case errors.Is(err, jobq.ErrCancelled), job.IsPermanent(err):
		return VerdictFail
	case Interrupted(ctx):
		return VerdictInterrupted
	case c.AttemptsLeft():
		return VerdictRetry
	default:
		return VerdictFail
	}
}
