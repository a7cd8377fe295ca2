package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/jobq/id"
	"github.com/xraph/jobq/job"
)

// ReserveDedupKey stores h with SET NX PX. If the key is held, the held
// handle is returned.
func (s *Store) ReserveDedupKey(ctx context.Context, key string, h job.Handle, window time.Duration) (job.Handle, bool, error) {
	dk := s.keys.dedup(key)
	data, err := json.Marshal(h)
	if err != nil {
		return job.Handle{}, false, fmt.Errorf("jobq/redis: marshal handle: %w", err)
	}

	// The held key can expire between SET NX and GET; one more round
	// settles it.
	for range 2 {
		ok, err := s.client.SetNX(ctx, dk, data, window).Result()
		if err != nil {
			return job.Handle{}, false, unavailable("reserve dedup key", err)
		}
		if ok {
			return h, true, nil
		}

		raw, err := s.client.Get(ctx, dk).Bytes()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			return job.Handle{}, false, unavailable("get dedup key", err)
		}
		var held job.Handle
		if err := json.Unmarshal(raw, &held); err != nil {
			return job.Handle{}, false, fmt.Errorf("jobq/redis: decode handle: %w", err)
		}
		return held, false, nil
	}
	return job.Handle{}, false, fmt.Errorf("jobq/redis: dedup key %q churned", key)
}

// ReleaseDedupKey deletes key under WATCH if it still maps to jobID.
func (s *Store) ReleaseDedupKey(ctx context.Context, key string, jobID id.JobID) error {
	dk := s.keys.dedup(key)
	err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
		raw, err := tx.Get(ctx, dk).Bytes()
		if errors.Is(err, goredis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var held job.Handle
		if err := json.Unmarshal(raw, &held); err != nil {
			return fmt.Errorf("jobq/redis: decode handle: %w", err)
		}
		if held.ID != jobID {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Del(ctx, dk)
			return nil
		})
		return err
	}, dk)
	if err != nil && !errors.Is(err, goredis.TxFailedErr) {
		return unavailable("release dedup key", err)
	}
	return nil
}
