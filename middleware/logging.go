package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/jobq/job"
)

// Logging logs each attempt. Failures that will be retried log at warn
// level and final failures at error level.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, c *job.Claim, next Handler) (any, error) {
		log := logger.With(
			slog.String("function", c.Job.FunctionName),
			slog.String("job_id", c.Job.ID.String()),
			slog.Int("attempt", c.Attempt),
			slog.Int("max_attempts", c.Job.MaxAttempts()),
		)
		log.DebugContext(ctx, "job attempt started")

		start := time.Now()
		payload, err := next(ctx)
		elapsed := slog.Duration("elapsed", time.Since(start))

		switch Judge(ctx, c, err) {
		case VerdictOK:
			log.InfoContext(ctx, "job attempt succeeded", elapsed)
		case VerdictRetry:
			log.WarnContext(ctx, "job attempt failed, will retry", elapsed, slog.String("error", err.Error()))
		case VerdictInterrupted:
			log.InfoContext(ctx, "job attempt interrupted", elapsed, slog.String("error", err.Error()))
		default:
			log.ErrorContext(ctx, "job failed", elapsed, slog.String("error", err.Error()))
		}
		return payload, err
	}
}
