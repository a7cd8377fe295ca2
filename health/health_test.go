package health_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/xraph/jobq/health"
	"github.com/xraph/jobq/id"
	"github.com/xraph/jobq/job"
	"github.com/xraph/jobq/store/memory"
	"github.com/xraph/jobq/worker"
)

type fakePool struct {
	size, inflight int
	stalled        []worker.Slot
}

func (p *fakePool) Size() int                            { return p.size }
func (p *fakePool) InFlight() int                        { return p.inflight }
func (p *fakePool) Stalled(time.Duration) []worker.Slot { return p.stalled }

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func enqueue(t *testing.T, s *memory.Store, n int) []id.JobID {
	t.Helper()
	ids := make([]id.JobID, n)
	for i := range ids {
		j := &job.Job{ID: id.NewJobID(), FunctionName: "chat.generate", EnqueuedAt: time.Now().UTC()}
		if err := s.Enqueue(context.Background(), j); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		ids[i] = j.ID
	}
	return ids
}

func record(t *testing.T, s *memory.Store, jid id.JobID, states ...job.State) {
	t.Helper()
	for _, st := range states {
		_, err := s.UpdateResult(context.Background(), jid, func(cur *job.Result) (*job.Result, error) {
			if cur == nil {
				cur = &job.Result{JobID: jid}
			}
			return cur, cur.Apply(st, job.Update{Attempt: 1}, time.Hour)
		})
		if err != nil {
			t.Fatalf("record %s: %v", st, err)
		}
	}
}

func newReporter(s *memory.Store, pool health.Pool, mutate func(*health.Config), opts ...health.Option) *health.Reporter {
	cfg := health.DefaultConfig()
	cfg.PingRetries = 1
	if mutate != nil {
		mutate(&cfg)
	}
	return health.New(s, pool, append([]health.Option{health.WithConfig(cfg)}, opts...)...)
}

func TestSnapshot(t *testing.T) {
	s := memory.New()
	pool := &fakePool{size: 4, inflight: 1}
	r := newReporter(s, pool, nil)

	ids := enqueue(t, s, 3)
	record(t, s, ids[0], job.StateQueued, job.StateRunning, job.StateSucceeded)
	record(t, s, ids[1], job.StateQueued, job.StateRunning, job.StateFailed)
	if _, err := s.DequeueBatch(context.Background(), id.NewWorkerID(), 1); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	snap := r.Snapshot(context.Background())
	if snap.Stale {
		t.Fatal("fresh snapshot marked stale")
	}
	if snap.Pending != 2 || snap.Running != 1 {
		t.Errorf("pending/running = %d/%d, want 2/1", snap.Pending, snap.Running)
	}
	if snap.Succeeded != 1 || snap.Failed != 1 {
		t.Errorf("succeeded/failed = %d/%d, want 1/1", snap.Succeeded, snap.Failed)
	}
	if snap.InFlight != 1 || snap.Slots != 4 {
		t.Errorf("inflight/slots = %d/%d", snap.InFlight, snap.Slots)
	}
	if snap.OldestPendingAge <= 0 {
		t.Errorf("oldest pending age = %v", snap.OldestPendingAge)
	}
}

func TestSnapshot_ServesLastSampleDuringOutage(t *testing.T) {
	s := memory.New()
	r := newReporter(s, nil, nil)

	enqueue(t, s, 2)
	first := r.Snapshot(context.Background())

	s.SetUnavailable(errors.New("connection refused"))
	snap := r.Snapshot(context.Background())
	if !snap.Stale {
		t.Fatal("expected stale snapshot during outage")
	}
	if snap.Pending != first.Pending || !snap.SampledAt.Equal(first.SampledAt) {
		t.Errorf("stale snapshot = %+v, want last good %+v", snap, first)
	}
}

func TestLiveness(t *testing.T) {
	tests := []struct {
		name    string
		pending int
		pool    *fakePool
		outage  bool
		want    health.Status
	}{
		{name: "healthy", pending: 1, pool: &fakePool{size: 2}, want: health.Healthy},
		{name: "deep queue", pending: 4, pool: &fakePool{size: 2}, want: health.Degraded},
		{name: "stalled slot", pending: 0, pool: &fakePool{size: 2, inflight: 1, stalled: []worker.Slot{{ID: 0}}}, want: health.Degraded},
		{name: "store down", pending: 0, pool: &fakePool{size: 2}, outage: true, want: health.Unhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := memory.New()
			r := newReporter(s, tt.pool, func(c *health.Config) { c.DegradedQueueDepth = 3 })
			enqueue(t, s, tt.pending)
			if tt.outage {
				s.SetUnavailable(errors.New("connection refused"))
			}

			rep := r.Liveness(context.Background())
			if rep.Status != tt.want {
				t.Errorf("status = %s (%v), want %s", rep.Status, rep.Reasons, tt.want)
			}
			if tt.want != health.Healthy && len(rep.Reasons) == 0 {
				t.Error("non-healthy report without reasons")
			}
			if got := r.LivenessProbe(context.Background()); got != tt.want {
				t.Errorf("LivenessProbe = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestLiveness_RetryRate(t *testing.T) {
	s := memory.New()
	clk := &clock{now: time.Now()}
	r := newReporter(s, nil, func(c *health.Config) { c.DegradedRetryRate = 5 }, health.WithClock(clk.Now))

	if st := r.LivenessProbe(context.Background()); st != health.Healthy {
		t.Fatalf("baseline = %s", st)
	}

	for _, jid := range enqueue(t, s, 10) {
		record(t, s, jid, job.StateQueued, job.StateRunning, job.StateRetrying)
	}
	clk.Advance(30 * time.Second)

	rep := r.Liveness(context.Background())
	if rep.Snapshot.RetryRate < 19 || rep.Snapshot.RetryRate > 21 {
		t.Errorf("retry rate = %.2f, want 20/min", rep.Snapshot.RetryRate)
	}
	if rep.Status != health.Degraded {
		t.Errorf("status = %s, want degraded", rep.Status)
	}

	// No new retries for over a minute: the rate decays.
	clk.Advance(90 * time.Second)
	r.Snapshot(context.Background())
	clk.Advance(10 * time.Second)
	if st := r.LivenessProbe(context.Background()); st != health.Healthy {
		t.Errorf("after quiet minute = %s, want healthy", st)
	}
}

func TestGaugesPublished(t *testing.T) {
	s := memory.New()
	reg := prometheus.NewRegistry()
	r := newReporter(s, &fakePool{size: 3, inflight: 2}, nil, health.WithRegisterer(reg))

	enqueue(t, s, 5)
	r.Liveness(context.Background())

	n, err := testutil.GatherAndCount(reg)
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if n != 9 {
		t.Errorf("gathered %d series, want 9", n)
	}
	expected := `
# HELP jobq_queue_pending Jobs waiting to be claimed, deferred ones included.
# TYPE jobq_queue_pending gauge
jobq_queue_pending 5
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "jobq_queue_pending"); err != nil {
		t.Error(err)
	}

	// A second reporter on the same registry reuses the gauges.
	_ = newReporter(s, nil, nil, health.WithRegisterer(reg))
}
