package job

import (
	"encoding/json"
	"time"

	"github.com/xraph/jobq"
	"github.com/xraph/jobq/id"
)

// ErrorKind classifies a failure payload.
type ErrorKind string

const (
	KindFailure          ErrorKind = "failure"
	KindTimeout          ErrorKind = "timeout"
	KindCrashed          ErrorKind = "crashed"
	KindStalled          ErrorKind = "stalled"
	KindRetriesExhausted ErrorKind = "retries_exhausted"
	KindCancelled        ErrorKind = "cancelled"
	KindInfrastructure   ErrorKind = "infrastructure"
)

// ErrorPayload is the failure information stored with a result.
type ErrorPayload struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	// Cause is the kind of the last execution failure when Kind is
	// KindRetriesExhausted.
	Cause ErrorKind `json:"cause,omitempty"`
}

// Result is the registry's record of a job: its current state and, once
// terminal, its outcome.
type Result struct {
	JobID        id.JobID        `json:"job_id"`
	FunctionName string          `json:"function_name"`
	State        State           `json:"state"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Error        *ErrorPayload   `json:"error,omitempty"`
	Attempt      int             `json:"attempt"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
	ExpiresAt    *time.Time      `json:"expires_at,omitempty"`
}

// Update carries the data recorded with a transition.
type Update struct {
	// FunctionName and EnqueuedAt seed the record on its first transition.
	FunctionName string
	EnqueuedAt   time.Time

	Payload json.RawMessage
	Error   *ErrorPayload
	Attempt int
	At      time.Time
}

// Clone returns a deep copy of r.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Payload != nil {
		cp.Payload = append(json.RawMessage(nil), r.Payload...)
	}
	if r.Error != nil {
		e := *r.Error
		cp.Error = &e
	}
	cp.StartedAt = copyTime(r.StartedAt)
	cp.FinishedAt = copyTime(r.FinishedAt)
	cp.ExpiresAt = copyTime(r.ExpiresAt)
	return &cp
}

// Apply moves r to state to, recording u. It returns a
// *jobq.TransitionError when the state machine forbids the move and
// leaves r untouched in that case. ttl sets ExpiresAt on terminal states.
func (r *Result) Apply(to State, u Update, ttl time.Duration) error {
	if !CanTransition(r.State, to) {
		return &jobq.TransitionError{ID: r.JobID.String(), From: string(r.State), To: string(to)}
	}

	at := u.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	if u.FunctionName != "" && r.FunctionName == "" {
		r.FunctionName = u.FunctionName
	}
	if !u.EnqueuedAt.IsZero() && r.EnqueuedAt.IsZero() {
		r.EnqueuedAt = u.EnqueuedAt
	}
	if u.Attempt > 0 {
		r.Attempt = u.Attempt
	}

	switch to {
	case StateRunning:
		r.StartedAt = &at
		r.FinishedAt = nil
	case StateSucceeded:
		r.Payload = u.Payload
		r.Error = nil
		r.FinishedAt = &at
	case StateFailed:
		r.Error = u.Error
		r.FinishedAt = &at
	case StateRetrying:
		r.Error = u.Error
	case StateQueued:
	}

	r.State = to
	r.UpdatedAt = at
	if to.Terminal() && ttl > 0 {
		exp := at.Add(ttl)
		r.ExpiresAt = &exp
	}
	return nil
}

// Expired reports whether the result's TTL has elapsed at now.
func (r *Result) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
