package job

import (
	"encoding/json"
	"time"

	"github.com/xraph/jobq/id"
)

// Job is an immutable descriptor of one unit of deferred work. Its
// execution state is recorded separately in a Result.
type Job struct {
	ID           id.JobID        `json:"id"`
	FunctionName string          `json:"function_name"`
	Args         json.RawMessage `json:"args"`
	Kwargs       json.RawMessage `json:"kwargs"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`
	MaxRetries   int             `json:"max_retries"`
	Timeout      time.Duration   `json:"timeout"`
	Priority     int             `json:"priority"`
	DeferUntil   *time.Time      `json:"defer_until,omitempty"`
	DedupKey     string          `json:"dedup_key,omitempty"`
}

// RunAt returns the earliest time the job may be dequeued.
func (j *Job) RunAt() time.Time {
	if j.DeferUntil != nil && j.DeferUntil.After(j.EnqueuedAt) {
		return *j.DeferUntil
	}
	return j.EnqueuedAt
}

// MaxAttempts is the total number of executions the job is allowed.
func (j *Job) MaxAttempts() int { return j.MaxRetries + 1 }

// Claim is exclusive, temporary ownership of a pending job by one worker
// process. Attempt counts executions including this one, starting at 1.
// Lease changes every time the job is claimed or reaped; stores reject
// Requeue, Complete and Heartbeat calls carrying a superseded lease.
type Claim struct {
	Job         *Job        `json:"job"`
	Attempt     int         `json:"attempt"`
	Lease       string      `json:"lease"`
	WorkerID    id.WorkerID `json:"worker_id"`
	ClaimedAt   time.Time   `json:"claimed_at"`
	HeartbeatAt time.Time   `json:"heartbeat_at"`
}

// AttemptsLeft reports whether another execution is allowed after this one.
func (c *Claim) AttemptsLeft() bool { return c.Attempt < c.Job.MaxAttempts() }

// Handle is what a producer gets back from a submission.
type Handle struct {
	ID           id.JobID  `json:"id"`
	SubmittedAt  time.Time `json:"submitted_at"`
	Deduplicated bool      `json:"deduplicated,omitempty"`
}
