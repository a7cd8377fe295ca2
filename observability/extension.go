package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/jobq/ext"
	"github.com/xraph/jobq/id"
	"github.com/xraph/jobq/job"
)

// Compile-time interface checks.
var (
	_ ext.Extension    = (*MetricsExtension)(nil)
	_ ext.JobEnqueued  = (*MetricsExtension)(nil)
	_ ext.JobSucceeded = (*MetricsExtension)(nil)
	_ ext.JobFailed    = (*MetricsExtension)(nil)
	_ ext.JobRetrying  = (*MetricsExtension)(nil)
	_ ext.JobCancelled = (*MetricsExtension)(nil)
	_ ext.JobStalled   = (*MetricsExtension)(nil)
)

const meterName = "github.com/xraph/jobq/observability"

// MetricsExtension records system-wide lifecycle counters. Register it as
// a jobq extension to track enqueue, success, failure, retry,
// cancellation and stall rates per task.
type MetricsExtension struct {
	JobEnqueued  metric.Int64Counter
	JobSucceeded metric.Int64Counter
	JobFailed    metric.Int64Counter
	JobRetried   metric.Int64Counter
	JobCancelled metric.Int64Counter
	JobStalled   metric.Int64Counter
}

// NewMetricsExtension creates a MetricsExtension using the global
// MeterProvider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.GetMeterProvider().Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the provided
// meter.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			otel.Handle(err)
		}
		return c
	}
	return &MetricsExtension{
		JobEnqueued:  counter("jobq.job.enqueued", "Jobs durably queued"),
		JobSucceeded: counter("jobq.job.succeeded", "Jobs finished successfully"),
		JobFailed:    counter("jobq.job.failed", "Jobs failed terminally"),
		JobRetried:   counter("jobq.job.retried", "Attempts requeued for retry"),
		JobCancelled: counter("jobq.job.cancelled", "Pending jobs cancelled"),
		JobStalled:   counter("jobq.job.stalled", "Claims taken back after missed heartbeats"),
	}
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

func fn(j *job.Job) metric.AddOption {
	return metric.WithAttributes(attribute.String("function", j.FunctionName))
}

// OnJobEnqueued implements ext.JobEnqueued.
func (m *MetricsExtension) OnJobEnqueued(ctx context.Context, j *job.Job) error {
	m.JobEnqueued.Add(ctx, 1, fn(j))
	return nil
}

// OnJobSucceeded implements ext.JobSucceeded.
func (m *MetricsExtension) OnJobSucceeded(ctx context.Context, j *job.Job, _ time.Duration) error {
	m.JobSucceeded.Add(ctx, 1, fn(j))
	return nil
}

// OnJobFailed implements ext.JobFailed.
func (m *MetricsExtension) OnJobFailed(ctx context.Context, j *job.Job, _ error) error {
	m.JobFailed.Add(ctx, 1, fn(j))
	return nil
}

// OnJobRetrying implements ext.JobRetrying.
func (m *MetricsExtension) OnJobRetrying(ctx context.Context, j *job.Job, _ int, _ time.Time) error {
	m.JobRetried.Add(ctx, 1, fn(j))
	return nil
}

// OnJobCancelled implements ext.JobCancelled.
func (m *MetricsExtension) OnJobCancelled(ctx context.Context, _ id.JobID) error {
	m.JobCancelled.Add(ctx, 1)
	return nil
}

// OnJobStalled implements ext.JobStalled.
func (m *MetricsExtension) OnJobStalled(ctx context.Context, j *job.Job, _ int) error {
	m.JobStalled.Add(ctx, 1, fn(j))
	return nil
}
