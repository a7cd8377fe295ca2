package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/jobq/job"
)

const meterName = "github.com/xraph/jobq"

// Metrics records attempt metrics on the global MeterProvider.
func Metrics() Middleware {
	return MetricsWithMeter(otel.Meter(meterName))
}

// MetricsWithMeter records attempt metrics on meter:
//
//   - jobq.job.duration: attempt duration in seconds
//   - jobq.job.executions: attempts
//
// Both carry the function name and the attempt's verdict as "status"
// (ok, retry, fail or interrupted).
func MetricsWithMeter(meter metric.Meter) Middleware {
	// The OTel API hands back noop instruments on error.
	duration, _ := meter.Float64Histogram("jobq.job.duration",
		metric.WithDescription("Duration of job attempts in seconds"),
		metric.WithUnit("s"),
	)
	executions, _ := meter.Int64Counter("jobq.job.executions",
		metric.WithDescription("Job attempts by outcome"),
		metric.WithUnit("{attempt}"),
	)

	return func(ctx context.Context, c *job.Claim, next Handler) (any, error) {
		start := time.Now()
		payload, err := next(ctx)

		attrs := metric.WithAttributes(
			attribute.String("function", c.Job.FunctionName),
			attribute.String("status", string(Judge(ctx, c, err))),
		)
		duration.Record(ctx, time.Since(start).Seconds(), attrs)
		executions.Add(ctx, 1, attrs)
		return payload, err
	}
}
