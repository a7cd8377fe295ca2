package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xraph/jobq/id"
	"github.com/xraph/jobq/job"
)

// ReserveDedupKey inserts the reservation, or takes over one whose window
// has passed. If a live reservation exists its handle is returned.
func (s *Store) ReserveDedupKey(ctx context.Context, key string, h job.Handle, window time.Duration) (job.Handle, bool, error) {
	data, err := json.Marshal(h)
	if err != nil {
		return job.Handle{}, false, fmt.Errorf("jobq/postgres: marshal handle: %w", err)
	}

	for range 2 {
		now := time.Now().UTC()
		var stored []byte
		err := s.pool.QueryRow(ctx, `
			INSERT INTO jobq_dedup (key, job_id, data, expires_at) VALUES ($1, $2, $3, $4)
			ON CONFLICT (key) DO UPDATE SET
				job_id = EXCLUDED.job_id, data = EXCLUDED.data, expires_at = EXCLUDED.expires_at
			WHERE jobq_dedup.expires_at <= $5
			RETURNING data`,
			key, h.ID.String(), data, now.Add(window), now,
		).Scan(&stored)
		if err == nil {
			return h, true, nil
		}
		if !isNoRows(err) {
			return job.Handle{}, false, wrap("reserve dedup key", err)
		}

		err = s.pool.QueryRow(ctx,
			`SELECT data FROM jobq_dedup WHERE key = $1 AND expires_at > $2`,
			key, now,
		).Scan(&stored)
		if isNoRows(err) {
			continue
		}
		if err != nil {
			return job.Handle{}, false, wrap("get dedup key", err)
		}
		var held job.Handle
		if err := json.Unmarshal(stored, &held); err != nil {
			return job.Handle{}, false, fmt.Errorf("jobq/postgres: decode handle: %w", err)
		}
		return held, false, nil
	}
	return job.Handle{}, false, fmt.Errorf("jobq/postgres: dedup key %q churned", key)
}

// ReleaseDedupKey drops key if it still maps to jobID.
func (s *Store) ReleaseDedupKey(ctx context.Context, key string, jobID id.JobID) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM jobq_dedup WHERE key = $1 AND job_id = $2`,
		key, jobID.String(),
	)
	if err != nil {
		return wrap("release dedup key", err)
	}
	return nil
}
