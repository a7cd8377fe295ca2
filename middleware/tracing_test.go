package middleware_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/jobq"
	"github.com/xraph/jobq/id"
	"github.com/xraph/jobq/job"
	mw "github.com/xraph/jobq/middleware"
)

func newRecorder() (*tracetest.SpanRecorder, mw.Middleware) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	return sr, mw.TracingWithTracer(tp.Tracer("test"))
}

func claimAt(attempt, maxRetries int) *job.Claim {
	return &job.Claim{
		Job: &job.Job{
			ID:           id.NewJobID(),
			FunctionName: "chat.generate",
			Priority:     2,
			MaxRetries:   maxRetries,
			Timeout:      time.Minute,
		},
		Attempt: attempt,
		Lease:   "7",
	}
}

func onlySpan(t *testing.T, sr *tracetest.SpanRecorder) sdktrace.ReadOnlySpan {
	t.Helper()
	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	return spans[0]
}

func attrs(s sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	m := make(map[attribute.Key]attribute.Value)
	for _, kv := range s.Attributes() {
		m[kv.Key] = kv.Value
	}
	return m
}

func TestTracing_SpanShape(t *testing.T) {
	sr, m := newRecorder()
	c := claimAt(2, 3)

	if _, err := m(context.Background(), c, func(context.Context) (any, error) { return "done", nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	span := onlySpan(t, sr)
	if span.Name() != "jobq.job.execute" {
		t.Errorf("name = %q", span.Name())
	}
	if span.SpanKind() != trace.SpanKindConsumer {
		t.Errorf("kind = %v, want consumer", span.SpanKind())
	}

	a := attrs(span)
	if got := a["jobq.job.id"].AsString(); got != c.Job.ID.String() {
		t.Errorf("job id = %q", got)
	}
	if got := a["jobq.job.function"].AsString(); got != "chat.generate" {
		t.Errorf("function = %q", got)
	}
	ints := map[attribute.Key]int64{
		"jobq.job.attempt":      2,
		"jobq.job.max_attempts": 4,
		"jobq.job.priority":     2,
	}
	for k, want := range ints {
		if got := a[k].AsInt64(); got != want {
			t.Errorf("%s = %d, want %d", k, got, want)
		}
	}
}

func TestTracing_VerdictAndStatus(t *testing.T) {
	boom := errors.New("upstream 503")
	live := context.Background()
	shutdown, stop := context.WithCancelCause(context.Background())
	stop(jobq.ErrShutdown)

	tests := []struct {
		name        string
		ctx         context.Context
		claim       *job.Claim
		err         error
		wantVerdict mw.Verdict
		wantCode    codes.Code
	}{
		{"success", live, claimAt(1, 0), nil, mw.VerdictOK, codes.Ok},
		{"retryable with attempts left", live, claimAt(1, 2), boom, mw.VerdictRetry, codes.Error},
		{"last attempt", live, claimAt(3, 2), boom, mw.VerdictFail, codes.Error},
		{"permanent", live, claimAt(1, 2), job.Permanent(boom), mw.VerdictFail, codes.Error},
		{"cancelled", live, claimAt(1, 2), jobq.ErrCancelled, mw.VerdictFail, codes.Error},
		{"shutdown", shutdown, claimAt(1, 2), context.Canceled, mw.VerdictInterrupted, codes.Error},
		{"body's own call cancelled", live, claimAt(1, 2), fmt.Errorf("x: %w", context.Canceled), mw.VerdictRetry, codes.Error},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sr, m := newRecorder()
			_, err := m(tt.ctx, tt.claim, func(context.Context) (any, error) { return nil, tt.err })
			if !errors.Is(err, tt.err) {
				t.Fatalf("err = %v, want %v", err, tt.err)
			}

			span := onlySpan(t, sr)
			if got := attrs(span)["jobq.job.verdict"].AsString(); got != string(tt.wantVerdict) {
				t.Errorf("verdict = %q, want %q", got, tt.wantVerdict)
			}
			if span.Status().Code != tt.wantCode {
				t.Errorf("status = %v, want %v", span.Status().Code, tt.wantCode)
			}
			if tt.err == nil {
				return
			}
			var recorded bool
			for _, ev := range span.Events() {
				recorded = recorded || ev.Name == "exception"
			}
			if !recorded {
				t.Error("error not recorded on span")
			}
		})
	}
}

func TestTracing_HandlerSeesSpan(t *testing.T) {
	sr, m := newRecorder()

	var inner trace.SpanContext
	_, _ = m(context.Background(), claimAt(1, 0), func(ctx context.Context) (any, error) {
		inner = trace.SpanFromContext(ctx).SpanContext()
		return nil, nil
	})

	span := onlySpan(t, sr)
	if !inner.IsValid() || inner.SpanID() != span.SpanContext().SpanID() {
		t.Errorf("handler span = %v, want %v", inner.SpanID(), span.SpanContext().SpanID())
	}
}

func TestTracing_GlobalProviderIsNoop(t *testing.T) {
	called := false
	_, err := mw.Tracing()(context.Background(), claimAt(1, 0), func(context.Context) (any, error) {
		called = true
		return nil, nil
	})
	if err != nil || !called {
		t.Fatalf("called = %v, err = %v", called, err)
	}
}
