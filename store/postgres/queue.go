package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/jobq"
	"github.com/xraph/jobq/id"
	"github.com/xraph/jobq/job"
)

// Enqueue persists a new pending job.
func (s *Store) Enqueue(ctx context.Context, j *job.Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("jobq/postgres: marshal job: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobq_queue (id, data, priority, enqueued_at, run_at)
		VALUES ($1, $2, $3, $4, $5)`,
		j.ID.String(), data, j.Priority, j.EnqueuedAt, j.RunAt(),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return jobq.ErrJobAlreadyExists
		}
		return wrap("enqueue", err)
	}
	return nil
}

// DequeueBatch atomically claims up to maxJobs eligible jobs. Uses SELECT
// FOR UPDATE SKIP LOCKED so concurrent claimers never block on or share a
// row.
func (s *Store) DequeueBatch(ctx context.Context, workerID id.WorkerID, maxJobs int) ([]*job.Claim, error) {
	if maxJobs <= 0 {
		return nil, nil
	}
	now := time.Now().UTC()
	rows, err := s.pool.Query(ctx, `
		WITH picked AS (
			SELECT id FROM jobq_queue
			WHERE lease IS NULL AND run_at <= $1
			ORDER BY priority DESC, enqueued_at ASC, seq ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobq_queue q SET
			attempts = q.attempts + 1,
			lease = nextval('jobq_lease_seq'),
			worker_id = $3,
			claimed_at = $1,
			heartbeat_at = $1
		FROM picked
		WHERE q.id = picked.id
		RETURNING q.data, q.attempts, q.lease, q.priority, q.enqueued_at, q.seq`,
		now, maxJobs, workerID.String(),
	)
	if err != nil {
		return nil, wrap("dequeue", err)
	}
	defer rows.Close()

	claims, err := collectClaims(rows, workerID, now)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// Requeue returns a claimed job to the pending set, visible after delay.
func (s *Store) Requeue(ctx context.Context, c *job.Claim, delay time.Duration) error {
	return s.requeue(ctx, c, delay, 0)
}

// Release requeues c and gives back the attempt it counted.
func (s *Store) Release(ctx context.Context, c *job.Claim, delay time.Duration) error {
	return s.requeue(ctx, c, delay, 1)
}

func (s *Store) requeue(ctx context.Context, c *job.Claim, delay time.Duration, refund int) error {
	lease, ok := parseLease(c.Lease)
	if !ok {
		return jobq.ErrClaimNotHeld
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobq_queue SET
			lease = NULL, worker_id = NULL, claimed_at = NULL, heartbeat_at = NULL,
			run_at = $3, attempts = GREATEST(attempts - $4, 0)
		WHERE id = $1 AND lease = $2`,
		c.Job.ID.String(), lease, time.Now().UTC().Add(delay), refund,
	)
	if err != nil {
		return wrap("requeue", err)
	}
	if tag.RowsAffected() == 0 {
		return jobq.ErrClaimNotHeld
	}
	return nil
}

// Complete deletes a claimed job.
func (s *Store) Complete(ctx context.Context, c *job.Claim) error {
	lease, ok := parseLease(c.Lease)
	if !ok {
		return jobq.ErrClaimNotHeld
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM jobq_queue WHERE id = $1 AND lease = $2`,
		c.Job.ID.String(), lease,
	)
	if err != nil {
		return wrap("complete", err)
	}
	if tag.RowsAffected() == 0 {
		return jobq.ErrClaimNotHeld
	}
	return nil
}

// Cancel deletes a job nobody has claimed.
func (s *Store) Cancel(ctx context.Context, jobID id.JobID) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM jobq_queue WHERE id = $1 AND lease IS NULL`,
		jobID.String(),
	)
	if err != nil {
		return false, wrap("cancel", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Heartbeat updates the heartbeat timestamp of a held claim.
func (s *Store) Heartbeat(ctx context.Context, c *job.Claim) error {
	lease, ok := parseLease(c.Lease)
	if !ok {
		return jobq.ErrClaimNotHeld
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobq_queue SET heartbeat_at = $3 WHERE id = $1 AND lease = $2`,
		c.Job.ID.String(), lease, time.Now().UTC(),
	)
	if err != nil {
		return wrap("heartbeat", err)
	}
	if tag.RowsAffected() == 0 {
		return jobq.ErrClaimNotHeld
	}
	return nil
}

// ReapStale moves claims whose last heartbeat is older than threshold to
// workerID under fresh leases.
func (s *Store) ReapStale(ctx context.Context, workerID id.WorkerID, threshold time.Duration) ([]*job.Claim, error) {
	now := time.Now().UTC()
	rows, err := s.pool.Query(ctx, `
		WITH stale AS (
			SELECT id FROM jobq_queue
			WHERE lease IS NOT NULL AND heartbeat_at < $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE jobq_queue q SET
			lease = nextval('jobq_lease_seq'),
			worker_id = $2,
			claimed_at = $3,
			heartbeat_at = $3
		FROM stale
		WHERE q.id = stale.id
		RETURNING q.data, q.attempts, q.lease, q.priority, q.enqueued_at, q.seq`,
		now.Add(-threshold), workerID.String(), now,
	)
	if err != nil {
		return nil, wrap("reap", err)
	}
	defer rows.Close()

	return collectClaims(rows, workerID, now)
}

// QueueStats aggregates the queue table in one scan.
func (s *Store) QueueStats(ctx context.Context) (job.QueueStats, error) {
	var (
		st     job.QueueStats
		oldest *time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE lease IS NULL),
			COUNT(*) FILTER (WHERE lease IS NULL AND run_at > $1),
			COUNT(*) FILTER (WHERE lease IS NOT NULL),
			MIN(run_at) FILTER (WHERE lease IS NULL AND run_at <= $1)
		FROM jobq_queue`,
		time.Now().UTC(),
	).Scan(&st.Pending, &st.Deferred, &st.Running, &oldest)
	if err != nil {
		return job.QueueStats{}, wrap("queue stats", err)
	}
	if oldest != nil {
		st.OldestEligible = oldest.UTC()
	}
	return st, nil
}

type claimRow struct {
	claim      *job.Claim
	priority   int
	enqueuedAt time.Time
	seq        int64
}

// collectClaims scans RETURNING rows. UPDATE ... RETURNING has no order,
// so rows are sorted back into dequeue order.
func collectClaims(rows pgx.Rows, workerID id.WorkerID, now time.Time) ([]*job.Claim, error) {
	var out []claimRow
	for rows.Next() {
		var (
			data     []byte
			attempts int
			lease    int64
			r        claimRow
		)
		if err := rows.Scan(&data, &attempts, &lease, &r.priority, &r.enqueuedAt, &r.seq); err != nil {
			return nil, fmt.Errorf("jobq/postgres: scan claim row: %w", err)
		}
		var j job.Job
		if err := json.Unmarshal(data, &j); err != nil {
			return nil, fmt.Errorf("jobq/postgres: decode job: %w", err)
		}
		r.claim = &job.Claim{
			Job:         &j,
			Attempt:     attempts,
			Lease:       strconv.FormatInt(lease, 10),
			WorkerID:    workerID,
			ClaimedAt:   now,
			HeartbeatAt: now,
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("iterate claim rows", err)
	}

	sort.Slice(out, func(i, k int) bool {
		a, b := out[i], out[k]
		if a.priority != b.priority {
			return a.priority > b.priority
		}
		if !a.enqueuedAt.Equal(b.enqueuedAt) {
			return a.enqueuedAt.Before(b.enqueuedAt)
		}
		return a.seq < b.seq
	})
	claims := make([]*job.Claim, len(out))
	for i, r := range out {
		claims[i] = r.claim
	}
	return claims, nil
}

func parseLease(s string) (int64, bool) {
	v, err := strconv.ParseInt(s, 10, 64)
	return v, err == nil
}
