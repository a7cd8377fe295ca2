package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/jobq"
	"github.com/xraph/jobq/id"
	"github.com/xraph/jobq/job"
)

// Enqueue stores the job as a Hash and adds it to the ready or delayed set.
func (s *Store) Enqueue(ctx context.Context, j *job.Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("jobq/redis: marshal job: %w", err)
	}
	jID := j.ID.String()
	now := time.Now().UTC()

	n, err := s.scripts.enqueue.Run(ctx, s.client,
		[]string{s.keys.job(jID), s.keys.ready(), s.keys.eligible(), s.keys.delayed()},
		jID, data, formatScore(jobScore(j.Priority, j.EnqueuedAt)), ms(j.RunAt()), ms(now),
	).Int()
	if err != nil {
		return unavailable("enqueue", err)
	}
	if n == 0 {
		return jobq.ErrJobAlreadyExists
	}
	return nil
}

// DequeueBatch promotes due deferred jobs and claims up to maxJobs in one
// script call.
func (s *Store) DequeueBatch(ctx context.Context, workerID id.WorkerID, maxJobs int) ([]*job.Claim, error) {
	if maxJobs <= 0 {
		return nil, nil
	}
	now := time.Now().UTC()
	res, err := s.scripts.claim.Run(ctx, s.client,
		[]string{s.keys.ready(), s.keys.eligible(), s.keys.delayed(), s.keys.running(), s.keys.lease()},
		ms(now), maxJobs, workerID.String(), s.keys.jobPrefix(),
	).StringSlice()
	if err != nil {
		return nil, unavailable("dequeue", err)
	}
	return s.parseClaims(res, workerID, now)
}

// Requeue returns a claimed job to the ready or delayed set.
func (s *Store) Requeue(ctx context.Context, c *job.Claim, delay time.Duration) error {
	return s.requeue(ctx, c, delay, 0)
}

// Release requeues c and gives back the attempt it counted.
func (s *Store) Release(ctx context.Context, c *job.Claim, delay time.Duration) error {
	return s.requeue(ctx, c, delay, 1)
}

func (s *Store) requeue(ctx context.Context, c *job.Claim, delay time.Duration, refund int) error {
	jID := c.Job.ID.String()
	now := time.Now().UTC()
	n, err := s.scripts.requeue.Run(ctx, s.client,
		[]string{s.keys.job(jID), s.keys.running(), s.keys.ready(), s.keys.eligible(), s.keys.delayed()},
		jID, c.Lease, ms(now), ms(now.Add(delay)), refund,
	).Int()
	if err != nil {
		return unavailable("requeue", err)
	}
	if n == 0 {
		return jobq.ErrClaimNotHeld
	}
	return nil
}

// Complete releases a claim and deletes the job hash.
func (s *Store) Complete(ctx context.Context, c *job.Claim) error {
	jID := c.Job.ID.String()
	n, err := s.scripts.complete.Run(ctx, s.client,
		[]string{s.keys.job(jID), s.keys.running()},
		jID, c.Lease,
	).Int()
	if err != nil {
		return unavailable("complete", err)
	}
	if n == 0 {
		return jobq.ErrClaimNotHeld
	}
	return nil
}

// Cancel removes a job that has not been claimed.
func (s *Store) Cancel(ctx context.Context, jobID id.JobID) (bool, error) {
	jID := jobID.String()
	n, err := s.scripts.cancel.Run(ctx, s.client,
		[]string{s.keys.job(jID), s.keys.ready(), s.keys.eligible(), s.keys.delayed()},
		jID,
	).Int()
	if err != nil {
		return false, unavailable("cancel", err)
	}
	return n == 1, nil
}

// Heartbeat refreshes the claim's score in the running set.
func (s *Store) Heartbeat(ctx context.Context, c *job.Claim) error {
	jID := c.Job.ID.String()
	n, err := s.scripts.heartbeat.Run(ctx, s.client,
		[]string{s.keys.job(jID), s.keys.running()},
		jID, c.Lease, ms(time.Now().UTC()),
	).Int()
	if err != nil {
		return unavailable("heartbeat", err)
	}
	if n == 0 {
		return jobq.ErrClaimNotHeld
	}
	return nil
}

// ReapStale re-leases claims whose heartbeat is older than threshold.
func (s *Store) ReapStale(ctx context.Context, workerID id.WorkerID, threshold time.Duration) ([]*job.Claim, error) {
	now := time.Now().UTC()
	res, err := s.scripts.reap.Run(ctx, s.client,
		[]string{s.keys.running(), s.keys.lease()},
		ms(now.Add(-threshold)), ms(now), workerID.String(), s.keys.jobPrefix(),
	).StringSlice()
	if err != nil {
		return nil, unavailable("reap", err)
	}
	return s.parseClaims(res, workerID, now)
}

// QueueStats reads the set cardinalities in one pipeline.
func (s *Store) QueueStats(ctx context.Context) (job.QueueStats, error) {
	now := ms(time.Now().UTC())
	nowStr := strconv.FormatInt(now, 10)

	pipe := s.client.Pipeline()
	ready := pipe.ZCard(ctx, s.keys.ready())
	delayed := pipe.ZCard(ctx, s.keys.delayed())
	deferred := pipe.ZCount(ctx, s.keys.delayed(), "("+nowStr, "+inf")
	running := pipe.ZCard(ctx, s.keys.running())
	oldest := pipe.ZRangeWithScores(ctx, s.keys.eligible(), 0, 0)
	oldestDue := pipe.ZRangeByScoreWithScores(ctx, s.keys.delayed(), &goredis.ZRangeBy{
		Min: "-inf", Max: nowStr, Count: 1,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return job.QueueStats{}, unavailable("queue stats", err)
	}

	st := job.QueueStats{
		Pending:  ready.Val() + delayed.Val(),
		Deferred: deferred.Val(),
		Running:  running.Val(),
	}
	for _, zs := range [][]goredis.Z{oldest.Val(), oldestDue.Val()} {
		if len(zs) == 0 {
			continue
		}
		t := fromMS(int64(zs[0].Score))
		if st.OldestEligible.IsZero() || t.Before(st.OldestEligible) {
			st.OldestEligible = t
		}
	}
	return st, nil
}

// parseClaims decodes the flat [id, data, attempts, lease, ...] reply of
// the claim and reap scripts.
func (s *Store) parseClaims(res []string, workerID id.WorkerID, now time.Time) ([]*job.Claim, error) {
	if len(res)%4 != 0 {
		return nil, fmt.Errorf("jobq/redis: malformed claim reply of %d elements", len(res))
	}
	claims := make([]*job.Claim, 0, len(res)/4)
	for i := 0; i < len(res); i += 4 {
		var j job.Job
		if err := json.Unmarshal([]byte(res[i+1]), &j); err != nil {
			return nil, fmt.Errorf("jobq/redis: decode job %s: %w", res[i], err)
		}
		attempt, err := strconv.Atoi(res[i+2])
		if err != nil {
			return nil, fmt.Errorf("jobq/redis: decode attempts of %s: %w", res[i], err)
		}
		claims = append(claims, &job.Claim{
			Job:         &j,
			Attempt:     attempt,
			Lease:       res[i+3],
			WorkerID:    workerID,
			ClaimedAt:   now,
			HeartbeatAt: now,
		})
	}
	return claims, nil
}

// jobScore orders the ready set: higher priority first (negated), then
// earlier enqueue time. Members with equal scores sort by ID, and IDs are
// time-ordered.
func jobScore(priority int, enqueuedAt time.Time) float64 {
	return float64(-priority) + float64(enqueuedAt.UnixMilli())/1e15
}

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
