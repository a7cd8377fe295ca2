package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/jobq/job"
)

const tracerName = "github.com/xraph/jobq"

// Tracing runs each attempt in a span from the global TracerProvider.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(tracerName))
}

// TracingWithTracer runs each attempt in a "jobq.job.execute" span. The
// span carries the job's id, function, attempt, max attempts and priority,
// and the attempt's verdict once it ends.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, c *job.Claim, next Handler) (any, error) {
		ctx, span := tracer.Start(ctx, "jobq.job.execute",
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				attribute.String("jobq.job.id", c.Job.ID.String()),
				attribute.String("jobq.job.function", c.Job.FunctionName),
				attribute.Int("jobq.job.attempt", c.Attempt),
				attribute.Int("jobq.job.max_attempts", c.Job.MaxAttempts()),
				attribute.Int("jobq.job.priority", c.Job.Priority),
			),
		)
		defer span.End()

		payload, err := next(ctx)
		span.SetAttributes(attribute.String("jobq.job.verdict", string(Judge(ctx, c, err))))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return payload, err
		}
		span.SetStatus(codes.Ok, "")
		return payload, nil
	}
}
