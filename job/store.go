package job

import (
	"context"
	"time"

	"github.com/xraph/jobq/id"
)

// QueueStats is a point-in-time view of the queue store.
type QueueStats struct {
	// Pending counts jobs waiting to be claimed, deferred ones included.
	Pending int64
	// Deferred counts pending jobs whose run time is still in the future.
	Deferred int64
	// Running counts claimed jobs.
	Running int64
	// OldestEligible is when the longest-waiting dequeueable job became
	// eligible. Zero when nothing is eligible.
	OldestEligible time.Time
}

// QueueStore is the durable queue contract. It exclusively owns pending
// jobs until a worker process claims them.
type QueueStore interface {
	// Enqueue persists a new pending job. It returns
	// jobq.ErrJobAlreadyExists if the ID is already queued.
	Enqueue(ctx context.Context, j *Job) error

	// DequeueBatch atomically claims up to max eligible jobs for workerID,
	// ordered by priority (descending) then enqueue time (ascending). Jobs
	// whose run time is in the future are invisible. A claimed job is
	// invisible to every other caller until it is requeued or completed.
	DequeueBatch(ctx context.Context, workerID id.WorkerID, max int) ([]*Claim, error)

	// Requeue returns a claimed job to the pending view, visible again
	// after delay. It returns jobq.ErrClaimNotHeld if c is no longer the
	// current claim on the job.
	Requeue(ctx context.Context, c *Claim, delay time.Duration) error

	// Release is Requeue for a claim that never ran: the attempt the claim
	// counted is given back.
	Release(ctx context.Context, c *Claim, delay time.Duration) error

	// Complete releases a claim and removes the job from the queue.
	Complete(ctx context.Context, c *Claim) error

	// Cancel removes a still-pending job. It reports false if the job is
	// not pending (already claimed, finished or unknown).
	Cancel(ctx context.Context, jobID id.JobID) (bool, error)

	// Heartbeat refreshes the liveness timestamp of a claim.
	Heartbeat(ctx context.Context, c *Claim) error

	// ReapStale atomically transfers every claim whose heartbeat is older
	// than threshold to workerID and returns the new claims.
	ReapStale(ctx context.Context, workerID id.WorkerID, threshold time.Duration) ([]*Claim, error)

	// QueueStats returns counts for the health reporter.
	QueueStats(ctx context.Context) (QueueStats, error)
}

// Counts is the number of transitions recorded into each state since the
// store was created.
type Counts map[State]int64

// ResultStore persists the registry's job results.
type ResultStore interface {
	// UpdateResult atomically reads the current result for jobID (nil if
	// none), passes it to fn and stores what fn returns. An error from fn
	// aborts the update and is returned unchanged.
	UpdateResult(ctx context.Context, jobID id.JobID, fn func(cur *Result) (*Result, error)) (*Result, error)

	// GetResult returns the stored result or a *jobq.NotFoundError whose
	// Expired field reports whether the result existed and was reclaimed.
	GetResult(ctx context.Context, jobID id.JobID) (*Result, error)

	// PurgeExpired reclaims results whose ExpiresAt is before now and
	// reports how many were removed.
	PurgeExpired(ctx context.Context, now time.Time) (int, error)

	// CountTransitions returns the per-state transition counters.
	CountTransitions(ctx context.Context) (Counts, error)
}

// DedupStore remembers dedup keys for a bounded window.
type DedupStore interface {
	// ReserveDedupKey stores h under key for window unless the key is
	// already held. It returns the handle held under key and whether h was
	// the one stored.
	ReserveDedupKey(ctx context.Context, key string, h Handle, window time.Duration) (Handle, bool, error)

	// ReleaseDedupKey drops key if it still maps to jobID.
	ReleaseDedupKey(ctx context.Context, key string, jobID id.JobID) error
}
