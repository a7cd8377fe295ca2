package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/jobq"
	"github.com/xraph/jobq/id"
	"github.com/xraph/jobq/job"
)

// UpdateResult runs fn inside a transaction that holds an advisory lock
// on the job ID, so first writes serialize as well as updates.
func (s *Store) UpdateResult(ctx context.Context, jobID id.JobID, fn func(*job.Result) (*job.Result, error)) (*job.Result, error) {
	jID := jobID.String()
	now := time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, wrap("begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, jID); err != nil {
		return nil, wrap("lock result", err)
	}

	cur, err := scanResult(tx.QueryRow(ctx,
		`SELECT data FROM jobq_results WHERE job_id = $1`, jID))
	if err != nil {
		return nil, err
	}
	if cur != nil && cur.Expired(now) {
		if err := s.expire(ctx, tx, jID, cur); err != nil {
			return nil, err
		}
		cur = nil
	}

	var prev job.State
	if cur != nil {
		prev = cur.State
	}
	next, err := fn(cur)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("jobq/postgres: marshal result: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO jobq_results (job_id, state, data, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (job_id) DO UPDATE SET
			state = EXCLUDED.state, data = EXCLUDED.data, expires_at = EXCLUDED.expires_at`,
		jID, string(next.State), data, next.ExpiresAt,
	)
	if err != nil {
		return nil, wrap("upsert result", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM jobq_tombstones WHERE job_id = $1`, jID); err != nil {
		return nil, wrap("clear tombstone", err)
	}
	if next.State != prev {
		_, err = tx.Exec(ctx, `
			INSERT INTO jobq_counters (state, n) VALUES ($1, 1)
			ON CONFLICT (state) DO UPDATE SET n = jobq_counters.n + 1`,
			string(next.State),
		)
		if err != nil {
			return nil, wrap("count transition", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, wrap("commit", err)
	}
	return next, nil
}

// GetResult returns the stored result or a *jobq.NotFoundError.
func (s *Store) GetResult(ctx context.Context, jobID id.JobID) (*job.Result, error) {
	jID := jobID.String()
	now := time.Now().UTC()

	r, err := scanResult(s.pool.QueryRow(ctx,
		`SELECT data FROM jobq_results WHERE job_id = $1`, jID))
	if err != nil {
		return nil, err
	}
	if r != nil && !r.Expired(now) {
		return r, nil
	}
	if r != nil {
		return nil, &jobq.NotFoundError{ID: jID, Expired: now.Before(r.ExpiresAt.Add(s.tombstoneTTL))}
	}

	var tomb bool
	err = s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM jobq_tombstones WHERE job_id = $1 AND expires_at > $2)`,
		jID, now,
	).Scan(&tomb)
	if err != nil {
		return nil, wrap("get tombstone", err)
	}
	return nil, &jobq.NotFoundError{ID: jID, Expired: tomb}
}

// PurgeExpired moves expired results to tombstones and drops stale
// tombstones and dedup reservations.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, wrap("begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		WITH gone AS (
			DELETE FROM jobq_results WHERE expires_at <= $1
			RETURNING job_id, expires_at
		)
		INSERT INTO jobq_tombstones (job_id, expires_at)
		SELECT job_id, expires_at + make_interval(secs => $2) FROM gone
		ON CONFLICT (job_id) DO UPDATE SET expires_at = EXCLUDED.expires_at`,
		now, s.tombstoneTTL.Seconds(),
	)
	if err != nil {
		return 0, wrap("purge results", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM jobq_tombstones WHERE expires_at <= $1`, now); err != nil {
		return 0, wrap("purge tombstones", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM jobq_dedup WHERE expires_at <= $1`, now); err != nil {
		return 0, wrap("purge dedup", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, wrap("commit", err)
	}
	return int(tag.RowsAffected()), nil
}

// CountTransitions returns the per-state transition counters.
func (s *Store) CountTransitions(ctx context.Context) (job.Counts, error) {
	rows, err := s.pool.Query(ctx, `SELECT state, n FROM jobq_counters`)
	if err != nil {
		return nil, wrap("count transitions", err)
	}
	defer rows.Close()

	out := make(job.Counts)
	for rows.Next() {
		var (
			state string
			n     int64
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("jobq/postgres: scan counter: %w", err)
		}
		out[job.State(state)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("iterate counters", err)
	}
	return out, nil
}

func (s *Store) expire(ctx context.Context, tx pgx.Tx, jID string, r *job.Result) error {
	if _, err := tx.Exec(ctx, `DELETE FROM jobq_results WHERE job_id = $1`, jID); err != nil {
		return wrap("expire result", err)
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO jobq_tombstones (job_id, expires_at) VALUES ($1, $2)
		ON CONFLICT (job_id) DO UPDATE SET expires_at = EXCLUDED.expires_at`,
		jID, r.ExpiresAt.Add(s.tombstoneTTL),
	)
	if err != nil {
		return wrap("write tombstone", err)
	}
	return nil
}

func scanResult(row pgx.Row) (*job.Result, error) {
	var data []byte
	if err := row.Scan(&data); err != nil {
		if isNoRows(err) {
			return nil, nil //nolint:nilnil // absent record is not an error here
		}
		return nil, wrap("get result", err)
	}
	var r job.Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("jobq/postgres: decode result: %w", err)
	}
	return &r, nil
}

