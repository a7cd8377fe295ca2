package middleware_test

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	mw "github.com/xraph/jobq/middleware"
)

func setupTestMeter() (*sdkmetric.ManualReader, *sdkmetric.MeterProvider) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return reader, mp
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func hasAttr(attrs []attribute.KeyValue, key, want string) bool {
	for _, a := range attrs {
		if string(a.Key) == key && a.Value.AsString() == want {
			return true
		}
	}
	return false
}

func TestMetrics_RecordsDuration(t *testing.T) {
	reader, mp := setupTestMeter()
	m := mw.MetricsWithMeter(mp.Meter("test"))

	_, _ = m(context.Background(), newTestClaim(), ok)

	metric := findMetric(collectMetrics(t, reader), "jobq.job.duration")
	if metric == nil {
		t.Fatal("jobq.job.duration metric not found")
	}
	hist, isHist := metric.Data.(metricdata.Histogram[float64])
	if !isHist {
		t.Fatal("expected Histogram[float64] data type")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points recorded for duration")
	}
	if hist.DataPoints[0].Count != 1 {
		t.Errorf("expected count=1, got %d", hist.DataPoints[0].Count)
	}
}

func TestMetrics_RecordsExecutions(t *testing.T) {
	boom := func(context.Context) (any, error) { return nil, errors.New("boom") }
	tests := []struct {
		name       string
		handler    mw.Handler
		maxRetries int
		status     string
	}{
		{"success", ok, 0, "ok"},
		{"retryable", boom, 5, "retry"},
		{"out of attempts", boom, 2, "fail"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader, mp := setupTestMeter()
			m := mw.MetricsWithMeter(mp.Meter("test"))

			c := newTestClaim()
			c.Job.MaxRetries = tt.maxRetries
			_, _ = m(context.Background(), c, tt.handler)

			metric := findMetric(collectMetrics(t, reader), "jobq.job.executions")
			if metric == nil {
				t.Fatal("jobq.job.executions metric not found")
			}
			sum, isSum := metric.Data.(metricdata.Sum[int64])
			if !isSum {
				t.Fatal("expected Sum[int64] data type")
			}
			if len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 1 {
				t.Fatalf("unexpected data points: %+v", sum.DataPoints)
			}
			attrs := sum.DataPoints[0].Attributes.ToSlice()
			if !hasAttr(attrs, "status", tt.status) {
				t.Errorf("expected status=%s attribute", tt.status)
			}
			if !hasAttr(attrs, "function", "chat.generate") {
				t.Error("expected function attribute")
			}
		})
	}
}

func TestMetrics_DefaultNoopSafe(t *testing.T) {
	m := mw.Metrics()

	payload, err := m(context.Background(), newTestClaim(), ok)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payload != "done" {
		t.Errorf("payload = %v, want done", payload)
	}
}
