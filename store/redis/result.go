package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/jobq"
	"github.com/xraph/jobq/id"
	"github.com/xraph/jobq/job"
)

const maxTxRetries = 16

// UpdateResult applies fn under WATCH on the result key and retries when a
// concurrent writer wins the race.
func (s *Store) UpdateResult(ctx context.Context, jobID id.JobID, fn func(*job.Result) (*job.Result, error)) (*job.Result, error) {
	jID := jobID.String()
	rk := s.keys.result(jID)

	var out *job.Result
	txf := func(tx *goredis.Tx) error {
		cur, err := s.readResult(ctx, tx, rk)
		if err != nil {
			return err
		}
		prevState := job.State("")
		if cur != nil {
			prevState = cur.State
		}

		next, err := fn(cur)
		if err != nil {
			return callbackError{err}
		}
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("jobq/redis: marshal result: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, rk, data, 0)
			if next.ExpiresAt != nil {
				tk := s.keys.tombstone(jID)
				pipe.PExpireAt(ctx, rk, *next.ExpiresAt)
				pipe.Set(ctx, tk, "1", 0)
				pipe.PExpireAt(ctx, tk, next.ExpiresAt.Add(s.tombstoneTTL))
			}
			if next.State != prevState {
				pipe.HIncrBy(ctx, s.keys.counts(), string(next.State), 1)
			}
			return nil
		})
		if err != nil {
			return err
		}
		out = next
		return nil
	}

	for range maxTxRetries {
		err := s.client.Watch(ctx, txf, rk)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		var cb callbackError
		if errors.As(err, &cb) {
			return nil, cb.err
		}
		var se *jobq.StoreError
		if errors.As(err, &se) {
			return nil, err
		}
		if err != nil {
			return nil, unavailable("update result", err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("jobq/redis: update result %s: %w", jID, goredis.TxFailedErr)
}

func (s *Store) readResult(ctx context.Context, c goredis.Cmdable, rk string) (*job.Result, error) {
	raw, err := c.Get(ctx, rk).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil //nolint:nilnil // absent record is not an error here
	}
	if err != nil {
		return nil, unavailable("get result", err)
	}
	var r job.Result
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("jobq/redis: decode result: %w", err)
	}
	return &r, nil
}

// GetResult reads the result; a missing key with a live tombstone means
// the result expired.
func (s *Store) GetResult(ctx context.Context, jobID id.JobID) (*job.Result, error) {
	jID := jobID.String()
	r, err := s.readResult(ctx, s.client, s.keys.result(jID))
	if err != nil {
		return nil, err
	}
	if r != nil && !r.Expired(time.Now()) {
		return r, nil
	}

	n, err := s.client.Exists(ctx, s.keys.tombstone(jID)).Result()
	if err != nil {
		return nil, unavailable("get tombstone", err)
	}
	return nil, &jobq.NotFoundError{ID: jID, Expired: n > 0 || r != nil}
}

// PurgeExpired is a no-op: Redis expires result and tombstone keys itself.
func (s *Store) PurgeExpired(_ context.Context, _ time.Time) (int, error) {
	return 0, nil
}

// CountTransitions reads the counters hash.
func (s *Store) CountTransitions(ctx context.Context) (job.Counts, error) {
	m, err := s.client.HGetAll(ctx, s.keys.counts()).Result()
	if err != nil {
		return nil, unavailable("count transitions", err)
	}
	out := make(job.Counts, len(m))
	for k, v := range m {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("jobq/redis: decode counter %s: %w", k, err)
		}
		out[job.State(k)] = n
	}
	return out, nil
}

// callbackError carries an error returned by the UpdateResult callback
// through Watch so it is not mistaken for a connectivity failure.
type callbackError struct{ err error }

func (e callbackError) Error() string { return e.err.Error() }
