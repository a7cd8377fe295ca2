package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/xraph/jobq"
	"github.com/xraph/jobq/job"
)

// Timeout returns middleware that enforces the job's Timeout as a hard
// deadline. The rest of the chain runs in its own goroutine; when the
// deadline passes, Timeout returns an error matching jobq.ErrTimeout
// whether or not the handler has noticed its context was cancelled. A
// handler that ignores its context keeps running in the background until
// it returns, and its result is dropped.
//
// Place Recover after Timeout so panics in the detached goroutine are
// caught.
func Timeout(logger *slog.Logger) Middleware {
	return func(ctx context.Context, c *job.Claim, next Handler) (any, error) {
		limit := c.Job.Timeout
		if limit <= 0 {
			return next(ctx)
		}
		ctx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		type result struct {
			payload any
			err     error
		}
		done := make(chan result, 1)
		go func() {
			p, err := next(ctx)
			done <- result{p, err}
		}()

		select {
		case r := <-done:
			if r.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w after %s: %w", jobq.ErrTimeout, limit, r.err)
			}
			return r.payload, r.err
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				logger.Warn("job exceeded timeout",
					slog.String("job_id", c.Job.ID.String()),
					slog.String("function", c.Job.FunctionName),
					slog.Duration("timeout", limit),
				)
				return nil, fmt.Errorf("%w after %s", jobq.ErrTimeout, limit)
			}
			return nil, context.Cause(ctx)
		}
	}
}
