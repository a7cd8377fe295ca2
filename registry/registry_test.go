package registry_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/jobq"
	"github.com/xraph/jobq/id"
	"github.com/xraph/jobq/job"
	"github.com/xraph/jobq/registry"
	"github.com/xraph/jobq/store/memory"
)

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

func newRegistry(t *testing.T) (*registry.Registry, *memory.Store, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	s := memory.New(memory.WithClock(clk.Now), memory.WithTombstoneTTL(time.Hour))
	r := registry.New(s,
		registry.WithClock(clk.Now),
		registry.WithResultTTL(5*time.Minute),
		registry.WithRetry(2, time.Millisecond),
	)
	return r, s, clk
}

func TestRecordTransition_Lifecycle(t *testing.T) {
	r, _, _ := newRegistry(t)
	ctx := context.Background()
	jid := id.NewJobID()

	steps := []struct {
		state job.State
		u     job.Update
	}{
		{job.StateQueued, job.Update{FunctionName: "chat.generate"}},
		{job.StateRunning, job.Update{Attempt: 1}},
		{job.StateRetrying, job.Update{Error: &job.ErrorPayload{Kind: job.KindTimeout, Message: "slow"}}},
		{job.StateQueued, job.Update{}},
		{job.StateRunning, job.Update{Attempt: 2}},
		{job.StateSucceeded, job.Update{Payload: []byte(`"hi"`)}},
	}
	for _, st := range steps {
		if _, err := r.RecordTransition(ctx, jid, st.state, st.u); err != nil {
			t.Fatalf("transition to %s: %v", st.state, err)
		}
	}

	res, err := r.Get(ctx, jid)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if res.State != job.StateSucceeded {
		t.Errorf("state = %s, want succeeded", res.State)
	}
	if res.Attempt != 2 {
		t.Errorf("attempt = %d, want 2", res.Attempt)
	}
	if string(res.Payload) != `"hi"` {
		t.Errorf("payload = %s", res.Payload)
	}
	if res.Error != nil {
		t.Errorf("error should be cleared on success, got %+v", res.Error)
	}
	if res.ExpiresAt == nil || !res.ExpiresAt.Equal(res.FinishedAt.Add(5*time.Minute)) {
		t.Errorf("expires_at = %v, finished_at = %v", res.ExpiresAt, res.FinishedAt)
	}
}

func TestRecordTransition_Invalid(t *testing.T) {
	r, _, _ := newRegistry(t)
	ctx := context.Background()
	jid := id.NewJobID()

	if _, err := r.RecordTransition(ctx, jid, job.StateRunning, job.Update{Attempt: 1}); !errors.Is(err, jobq.ErrInvalidTransition) {
		t.Fatalf("running without queued: expected ErrInvalidTransition, got %v", err)
	}

	mustRecord(t, r, jid, job.StateQueued)
	mustRecord(t, r, jid, job.StateRunning)
	mustRecord(t, r, jid, job.StateSucceeded)

	_, err := r.RecordTransition(ctx, jid, job.StateRunning, job.Update{Attempt: 2})
	var te *jobq.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TransitionError, got %v", err)
	}
	if te.From != string(job.StateSucceeded) || te.To != string(job.StateRunning) {
		t.Errorf("transition error = %+v", te)
	}

	res, err := r.Get(ctx, jid)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if res.State != job.StateSucceeded {
		t.Errorf("rejected transition changed state to %s", res.State)
	}
}

func TestGet_NeverSeenVersusExpired(t *testing.T) {
	r, _, clk := newRegistry(t)
	ctx := context.Background()

	_, err := r.Get(ctx, id.NewJobID())
	if nf, expired := jobq.IsNotFound(err); !nf || expired {
		t.Fatalf("never seen: notFound=%v expired=%v err=%v", nf, expired, err)
	}

	jid := id.NewJobID()
	mustRecord(t, r, jid, job.StateQueued)
	mustRecord(t, r, jid, job.StateRunning)
	mustRecord(t, r, jid, job.StateFailed)

	clk.Advance(4 * time.Minute)
	if _, err := r.Get(ctx, jid); err != nil {
		t.Fatalf("before ttl: %v", err)
	}

	clk.Advance(2 * time.Minute)
	_, err = r.Get(ctx, jid)
	if nf, expired := jobq.IsNotFound(err); !nf || !expired {
		t.Fatalf("after ttl: notFound=%v expired=%v err=%v", nf, expired, err)
	}
}

func TestSweep(t *testing.T) {
	r, _, clk := newRegistry(t)
	ctx := context.Background()

	done := id.NewJobID()
	mustRecord(t, r, done, job.StateQueued)
	mustRecord(t, r, done, job.StateRunning)
	mustRecord(t, r, done, job.StateSucceeded)

	pending := id.NewJobID()
	mustRecord(t, r, pending, job.StateQueued)

	clk.Advance(10 * time.Minute)
	n, err := r.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("swept %d results, want 1", n)
	}
	if _, err := r.Get(ctx, pending); err != nil {
		t.Errorf("non-terminal result must survive the sweep: %v", err)
	}
	if _, expired := jobq.IsNotFound(mustErr(r.Get(ctx, done))); !expired {
		t.Error("swept result should read as expired")
	}
}

func TestUnreachable(t *testing.T) {
	r, s, _ := newRegistry(t)
	s.SetUnavailable(errors.New("connection refused"))

	_, err := r.RecordTransition(context.Background(), id.NewJobID(), job.StateQueued, job.Update{})
	if !errors.Is(err, jobq.ErrRegistryUnreachable) {
		t.Fatalf("expected ErrRegistryUnreachable, got %v", err)
	}
	if !errors.Is(err, jobq.ErrStoreUnavailable) {
		t.Errorf("expected the backend error to stay visible, got %v", err)
	}

	_, err = r.Get(context.Background(), id.NewJobID())
	if !errors.Is(err, jobq.ErrRegistryUnreachable) {
		t.Fatalf("Get: expected ErrRegistryUnreachable, got %v", err)
	}
}

// flakyStore fails the first n UpdateResult calls after applying them.
type flakyStore struct {
	*memory.Store
	failures atomic.Int32
}

func (f *flakyStore) UpdateResult(ctx context.Context, jobID id.JobID, fn func(*job.Result) (*job.Result, error)) (*job.Result, error) {
	res, err := f.Store.UpdateResult(ctx, jobID, fn)
	if err == nil && f.failures.Add(-1) >= 0 {
		return nil, &jobq.StoreError{Op: "flaky", Err: errors.New("reply lost")}
	}
	return res, err
}

func TestRecordTransition_RetriesLostReply(t *testing.T) {
	fs := &flakyStore{Store: memory.New()}
	r := registry.New(fs, registry.WithRetry(3, time.Millisecond))
	ctx := context.Background()
	jid := id.NewJobID()

	if _, err := r.RecordTransition(ctx, jid, job.StateQueued, job.Update{}); err != nil {
		t.Fatalf("queued: %v", err)
	}

	fs.failures.Store(1)
	res, err := r.RecordTransition(ctx, jid, job.StateRunning, job.Update{Attempt: 1})
	if err != nil {
		t.Fatalf("running after lost reply: %v", err)
	}
	if res.State != job.StateRunning {
		t.Errorf("state = %s, want running", res.State)
	}

	counts, err := r.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts[job.StateRunning] != 1 {
		t.Errorf("running transitions = %d, want 1", counts[job.StateRunning])
	}
}

func mustRecord(t *testing.T, r *registry.Registry, jid id.JobID, to job.State) {
	t.Helper()
	if _, err := r.RecordTransition(context.Background(), jid, to, job.Update{Attempt: 1}); err != nil {
		t.Fatalf("transition to %s: %v", to, err)
	}
}

func mustErr(_ *job.Result, err error) error { return err }
