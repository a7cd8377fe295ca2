// Package storetest is the behavioural suite shared by every store backend.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/jobq"
	"github.com/xraph/jobq/id"
	"github.com/xraph/jobq/job"
	"github.com/xraph/jobq/store"
)

// Factory returns a fresh, migrated, empty store.
type Factory func(t *testing.T) store.Store

// NewJob builds a job eligible for immediate dequeue.
func NewJob(name string, priority int, enqueuedAt time.Time) *job.Job {
	return &job.Job{
		ID:           id.NewJobID(),
		FunctionName: name,
		Args:         json.RawMessage(`[]`),
		Kwargs:       json.RawMessage(`{}`),
		EnqueuedAt:   enqueuedAt.UTC(),
		MaxRetries:   2,
		Timeout:      time.Minute,
		Priority:     priority,
	}
}

// Run executes the full suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("EnqueueDuplicate", func(t *testing.T) { testEnqueueDuplicate(t, newStore(t)) })
	t.Run("DequeueOrder", func(t *testing.T) { testDequeueOrder(t, newStore(t)) })
	t.Run("DeferredInvisible", func(t *testing.T) { testDeferredInvisible(t, newStore(t)) })
	t.Run("ClaimExclusive", func(t *testing.T) { testClaimExclusive(t, newStore(t)) })
	t.Run("RequeueAndLease", func(t *testing.T) { testRequeueAndLease(t, newStore(t)) })
	t.Run("ReleaseRefundsAttempt", func(t *testing.T) { testReleaseRefundsAttempt(t, newStore(t)) })
	t.Run("Complete", func(t *testing.T) { testComplete(t, newStore(t)) })
	t.Run("Cancel", func(t *testing.T) { testCancel(t, newStore(t)) })
	t.Run("HeartbeatAndReap", func(t *testing.T) { testHeartbeatAndReap(t, newStore(t)) })
	t.Run("QueueStats", func(t *testing.T) { testQueueStats(t, newStore(t)) })
	t.Run("Results", func(t *testing.T) { testResults(t, newStore(t)) })
	t.Run("Dedup", func(t *testing.T) { testDedup(t, newStore(t)) })
}

func testEnqueueDuplicate(t *testing.T, s store.Store) {
	ctx := context.Background()
	j := NewJob("noop", 0, time.Now())

	require.NoError(t, s.Enqueue(ctx, j))
	err := s.Enqueue(ctx, j)
	require.ErrorIs(t, err, jobq.ErrJobAlreadyExists)
}

func testDequeueOrder(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)
	worker := id.NewWorkerID()

	low1 := NewJob("noop", 0, base)
	high2 := NewJob("noop", 2, base.Add(2*time.Second))
	mid := NewJob("noop", 1, base.Add(time.Second))
	high1 := NewJob("noop", 2, base.Add(time.Second))
	low2 := NewJob("noop", 0, base.Add(3*time.Second))
	for _, j := range []*job.Job{low1, high2, mid, high1, low2} {
		require.NoError(t, s.Enqueue(ctx, j))
	}

	claims, err := s.DequeueBatch(ctx, worker, 10)
	require.NoError(t, err)
	require.Len(t, claims, 5)

	want := []id.JobID{high1.ID, high2.ID, mid.ID, low1.ID, low2.ID}
	for i, c := range claims {
		assert.Equal(t, want[i].String(), c.Job.ID.String(), "position %d", i)
		assert.Equal(t, 1, c.Attempt)
		assert.NotEmpty(t, c.Lease)
		assert.Equal(t, worker.String(), c.WorkerID.String())
	}

	again, err := s.DequeueBatch(ctx, worker, 10)
	require.NoError(t, err)
	assert.Empty(t, again, "claimed jobs must be invisible")
}

func testDeferredInvisible(t *testing.T, s store.Store) {
	ctx := context.Background()
	worker := id.NewWorkerID()

	j := NewJob("noop", 5, time.Now())
	until := time.Now().Add(400 * time.Millisecond)
	j.DeferUntil = &until
	require.NoError(t, s.Enqueue(ctx, j))

	claims, err := s.DequeueBatch(ctx, worker, 1)
	require.NoError(t, err)
	assert.Empty(t, claims, "deferred job dequeued early")

	st, err := s.QueueStats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.Pending)
	assert.EqualValues(t, 1, st.Deferred)
	assert.True(t, st.OldestEligible.IsZero())

	time.Sleep(time.Until(until) + 50*time.Millisecond)
	claims, err = s.DequeueBatch(ctx, worker, 1)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, j.ID.String(), claims[0].Job.ID.String())
}

func testClaimExclusive(t *testing.T, s store.Store) {
	ctx := context.Background()
	const total = 50
	base := time.Now().Add(-time.Minute)
	for i := range total {
		require.NoError(t, s.Enqueue(ctx, NewJob("noop", i%3, base.Add(time.Duration(i)*time.Millisecond))))
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker := id.NewWorkerID()
			for {
				claims, err := s.DequeueBatch(ctx, worker, 3)
				if err != nil {
					t.Errorf("dequeue: %v", err)
					return
				}
				if len(claims) == 0 {
					return
				}
				mu.Lock()
				for _, c := range claims {
					seen[c.Job.ID.String()]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for jid, n := range seen {
		assert.Equal(t, 1, n, "job %s claimed %d times", jid, n)
	}
}

func testRequeueAndLease(t *testing.T, s store.Store) {
	ctx := context.Background()
	worker := id.NewWorkerID()
	require.NoError(t, s.Enqueue(ctx, NewJob("noop", 0, time.Now().Add(-time.Second))))

	claims, err := s.DequeueBatch(ctx, worker, 1)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	first := claims[0]

	require.NoError(t, s.Requeue(ctx, first, 300*time.Millisecond))
	err = s.Requeue(ctx, first, 0)
	require.ErrorIs(t, err, jobq.ErrClaimNotHeld, "requeue with a released claim")

	claims, err = s.DequeueBatch(ctx, worker, 1)
	require.NoError(t, err)
	assert.Empty(t, claims, "requeued job visible before its delay")

	time.Sleep(400 * time.Millisecond)
	claims, err = s.DequeueBatch(ctx, worker, 1)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	second := claims[0]
	assert.Equal(t, 2, second.Attempt)
	assert.NotEqual(t, first.Lease, second.Lease)

	require.ErrorIs(t, s.Complete(ctx, first), jobq.ErrClaimNotHeld)
	require.NoError(t, s.Complete(ctx, second))
}

func testReleaseRefundsAttempt(t *testing.T, s store.Store) {
	ctx := context.Background()
	worker := id.NewWorkerID()
	require.NoError(t, s.Enqueue(ctx, NewJob("noop", 0, time.Now().Add(-time.Second))))

	claims, err := s.DequeueBatch(ctx, worker, 1)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	require.Equal(t, 1, claims[0].Attempt)

	require.NoError(t, s.Release(ctx, claims[0], 0))
	require.ErrorIs(t, s.Release(ctx, claims[0], 0), jobq.ErrClaimNotHeld)

	claims, err = s.DequeueBatch(ctx, worker, 1)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, 1, claims[0].Attempt, "released claim consumed an attempt")
}

func testComplete(t *testing.T, s store.Store) {
	ctx := context.Background()
	worker := id.NewWorkerID()
	require.NoError(t, s.Enqueue(ctx, NewJob("noop", 0, time.Now().Add(-time.Second))))

	claims, err := s.DequeueBatch(ctx, worker, 1)
	require.NoError(t, err)
	require.Len(t, claims, 1)

	require.NoError(t, s.Complete(ctx, claims[0]))
	require.ErrorIs(t, s.Complete(ctx, claims[0]), jobq.ErrClaimNotHeld)

	st, err := s.QueueStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Pending)
	assert.Zero(t, st.Running)
}

func testCancel(t *testing.T, s store.Store) {
	ctx := context.Background()
	worker := id.NewWorkerID()
	pending := NewJob("noop", 0, time.Now().Add(-time.Second))
	running := NewJob("noop", 9, time.Now().Add(-time.Second))
	require.NoError(t, s.Enqueue(ctx, pending))
	require.NoError(t, s.Enqueue(ctx, running))

	claims, err := s.DequeueBatch(ctx, worker, 1)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	require.Equal(t, running.ID.String(), claims[0].Job.ID.String())

	ok, err := s.Cancel(ctx, running.ID)
	require.NoError(t, err)
	assert.False(t, ok, "claimed job must not be cancellable from the queue")

	ok, err = s.Cancel(ctx, pending.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Cancel(ctx, id.NewJobID())
	require.NoError(t, err)
	assert.False(t, ok)

	claims, err = s.DequeueBatch(ctx, worker, 5)
	require.NoError(t, err)
	assert.Empty(t, claims, "cancelled job dequeued")
}

func testHeartbeatAndReap(t *testing.T, s store.Store) {
	ctx := context.Background()
	owner := id.NewWorkerID()
	reaper := id.NewWorkerID()
	require.NoError(t, s.Enqueue(ctx, NewJob("noop", 0, time.Now().Add(-time.Second))))
	require.NoError(t, s.Enqueue(ctx, NewJob("noop", 0, time.Now().Add(-time.Second))))

	claims, err := s.DequeueBatch(ctx, owner, 2)
	require.NoError(t, err)
	require.Len(t, claims, 2)
	alive, hung := claims[0], claims[1]

	time.Sleep(150 * time.Millisecond)
	require.NoError(t, s.Heartbeat(ctx, alive))

	reaped, err := s.ReapStale(ctx, reaper, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, reaped, 1)
	assert.Equal(t, hung.Job.ID.String(), reaped[0].Job.ID.String())
	assert.Equal(t, reaper.String(), reaped[0].WorkerID.String())
	assert.Equal(t, hung.Attempt, reaped[0].Attempt)
	assert.NotEqual(t, hung.Lease, reaped[0].Lease)

	again, err := s.ReapStale(ctx, reaper, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, again, "a reaped claim must not be handed out twice")

	require.ErrorIs(t, s.Heartbeat(ctx, hung), jobq.ErrClaimNotHeld)
	require.ErrorIs(t, s.Requeue(ctx, hung, 0), jobq.ErrClaimNotHeld)
	require.NoError(t, s.Requeue(ctx, reaped[0], 0))
	require.NoError(t, s.Complete(ctx, alive))
}

func testQueueStats(t *testing.T, s store.Store) {
	ctx := context.Background()
	worker := id.NewWorkerID()
	oldest := time.Now().Add(-time.Minute).UTC()
	require.NoError(t, s.Enqueue(ctx, NewJob("noop", 0, oldest)))
	require.NoError(t, s.Enqueue(ctx, NewJob("noop", 0, oldest.Add(10*time.Second))))
	require.NoError(t, s.Enqueue(ctx, NewJob("noop", 9, oldest.Add(20*time.Second))))

	_, err := s.DequeueBatch(ctx, worker, 1)
	require.NoError(t, err)

	st, err := s.QueueStats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, st.Pending)
	assert.EqualValues(t, 1, st.Running)
	assert.Zero(t, st.Deferred)
	assert.WithinDuration(t, oldest, st.OldestEligible, time.Millisecond)
}

func testResults(t *testing.T, s store.Store) {
	ctx := context.Background()
	jid := id.NewJobID()
	now := time.Now().UTC()

	_, err := s.GetResult(ctx, jid)
	require.ErrorIs(t, err, jobq.ErrNotFound)
	notFound, expired := jobq.IsNotFound(err)
	assert.True(t, notFound)
	assert.False(t, expired, "never-seen job reported as expired")

	apply := func(to job.State, u job.Update) (*job.Result, error) {
		return s.UpdateResult(ctx, jid, func(cur *job.Result) (*job.Result, error) {
			if cur == nil {
				cur = &job.Result{JobID: jid}
			}
			if err := cur.Apply(to, u, time.Hour); err != nil {
				return nil, err
			}
			return cur, nil
		})
	}

	_, err = apply(job.StateQueued, job.Update{FunctionName: "noop", EnqueuedAt: now, At: now})
	require.NoError(t, err)
	_, err = apply(job.StateRunning, job.Update{Attempt: 1, At: now})
	require.NoError(t, err)
	r, err := apply(job.StateSucceeded, job.Update{Payload: json.RawMessage(`{"answer":42}`), At: now})
	require.NoError(t, err)
	assert.Equal(t, job.StateSucceeded, r.State)

	_, err = apply(job.StateRunning, job.Update{At: now})
	require.ErrorIs(t, err, jobq.ErrInvalidTransition)

	got, err := s.GetResult(ctx, jid)
	require.NoError(t, err)
	assert.Equal(t, job.StateSucceeded, got.State, "rejected transition was persisted")
	assert.JSONEq(t, `{"answer":42}`, string(got.Payload))
	assert.Equal(t, "noop", got.FunctionName)
	assert.Equal(t, 1, got.Attempt)
	require.NotNil(t, got.ExpiresAt)

	boom := errors.New("boom")
	_, err = s.UpdateResult(ctx, jid, func(*job.Result) (*job.Result, error) { return nil, boom })
	require.ErrorIs(t, err, boom)

	counts, err := s.CountTransitions(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts[job.StateQueued])
	assert.EqualValues(t, 1, counts[job.StateRunning])
	assert.EqualValues(t, 1, counts[job.StateSucceeded])
	assert.Zero(t, counts[job.StateFailed])
}

func testDedup(t *testing.T, s store.Store) {
	ctx := context.Background()
	first := job.Handle{ID: id.NewJobID(), SubmittedAt: time.Now().UTC().Truncate(time.Millisecond)}
	second := job.Handle{ID: id.NewJobID(), SubmittedAt: time.Now().UTC()}

	held, ok, err := s.ReserveDedupKey(ctx, "order-42", first, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, first.ID.String(), held.ID.String())

	held, ok, err = s.ReserveDedupKey(ctx, "order-42", second, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, first.ID.String(), held.ID.String())
	assert.WithinDuration(t, first.SubmittedAt, held.SubmittedAt, time.Millisecond)

	require.NoError(t, s.ReleaseDedupKey(ctx, "order-42", second.ID))
	_, ok, err = s.ReserveDedupKey(ctx, "order-42", second, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "release by a non-holder dropped the key")

	require.NoError(t, s.ReleaseDedupKey(ctx, "order-42", first.ID))
	held, ok, err = s.ReserveDedupKey(ctx, "order-42", second, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, second.ID.String(), held.ID.String())
}
