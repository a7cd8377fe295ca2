package redis_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/jobq"
	"github.com/xraph/jobq/id"
	"github.com/xraph/jobq/job"
	"github.com/xraph/jobq/store"
	redisstore "github.com/xraph/jobq/store/redis"
	"github.com/xraph/jobq/store/storetest"
)

var _ store.Store = (*redisstore.Store)(nil)

func newStore(t *testing.T, opts ...redisstore.Option) (*redisstore.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return redisstore.New(client, opts...), mr
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, _ := newStore(t)
		return s
	})
}

func TestNamespaceIsolation(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	a := redisstore.New(client, redisstore.WithNamespace("{a}"))
	b := redisstore.New(client, redisstore.WithNamespace("{b}"))
	require.NoError(t, a.Enqueue(ctx, storetest.NewJob("noop", 0, time.Now())))

	claims, err := b.DequeueBatch(ctx, id.NewWorkerID(), 5)
	require.NoError(t, err)
	assert.Empty(t, claims)

	claims, err = a.DequeueBatch(ctx, id.NewWorkerID(), 5)
	require.NoError(t, err)
	assert.Len(t, claims, 1)
}

func TestUnavailable(t *testing.T) {
	s, mr := newStore(t)
	ctx := context.Background()

	mr.Close()
	err := s.Ping(ctx)
	require.ErrorIs(t, err, jobq.ErrStoreUnavailable)

	err = s.Enqueue(ctx, storetest.NewJob("noop", 0, time.Now()))
	require.ErrorIs(t, err, jobq.ErrStoreUnavailable)

	_, err = s.GetResult(ctx, id.NewJobID())
	require.ErrorIs(t, err, jobq.ErrStoreUnavailable)
	var se *jobq.StoreError
	require.True(t, errors.As(err, &se))
	assert.Contains(t, se.Op, "jobq/redis")
}

func TestResultExpiry(t *testing.T) {
	s, mr := newStore(t, redisstore.WithTombstoneTTL(time.Hour))
	ctx := context.Background()
	jid := id.NewJobID()
	now := time.Now().UTC()

	for _, step := range []job.State{job.StateQueued, job.StateRunning, job.StateSucceeded} {
		_, err := s.UpdateResult(ctx, jid, func(cur *job.Result) (*job.Result, error) {
			if cur == nil {
				cur = &job.Result{JobID: jid}
			}
			return cur, cur.Apply(step, job.Update{At: now}, 5*time.Minute)
		})
		require.NoError(t, err, "transition to %s", step)
	}

	_, err := s.GetResult(ctx, jid)
	require.NoError(t, err)

	mr.FastForward(5*time.Minute + time.Second)
	_, err = s.GetResult(ctx, jid)
	notFound, expired := jobq.IsNotFound(err)
	assert.True(t, notFound)
	assert.True(t, expired, "expired result reported as never seen")

	mr.FastForward(time.Hour)
	_, err = s.GetResult(ctx, jid)
	notFound, expired = jobq.IsNotFound(err)
	assert.True(t, notFound)
	assert.False(t, expired)

	n, err := s.PurgeExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDedupWindowExpires(t *testing.T) {
	s, mr := newStore(t)
	ctx := context.Background()

	first := job.Handle{ID: id.NewJobID()}
	second := job.Handle{ID: id.NewJobID()}
	_, ok, err := s.ReserveDedupKey(ctx, "k", first, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(time.Minute)
	held, ok, err := s.ReserveDedupKey(ctx, "k", second, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, second.ID.String(), held.ID.String())
}
