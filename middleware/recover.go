package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/xraph/jobq"
	"github.com/xraph/jobq/job"
)

// Recover returns middleware that recovers from panics in the handler chain.
// Panics are converted to errors matching jobq.ErrCrashed and logged with a
// stack trace.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, c *job.Claim, next Handler) (payload any, retErr error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("job handler panicked",
					slog.String("function", c.Job.FunctionName),
					slog.String("job_id", c.Job.ID.String()),
					slog.Int("attempt", c.Attempt),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				payload = nil
				retErr = fmt.Errorf("%w: panic in %s: %v", jobq.ErrCrashed, c.Job.FunctionName, r)
			}
		}()
		return next(ctx)
	}
}
