package jobq

import (
	"errors"
	"fmt"
)

var (
	// Store errors.
	ErrNoStore         = errors.New("jobq: no store configured")
	ErrMigrationFailed = errors.New("jobq: migration failed")

	// Submission errors.
	ErrUnknownTask         = errors.New("jobq: unknown task")
	ErrStoreUnavailable    = errors.New("jobq: store unavailable")
	ErrDuplicateSuppressed = errors.New("jobq: duplicate suppressed")
	ErrJobAlreadyExists    = errors.New("jobq: job already exists")

	// Execution errors.
	ErrTimeout          = errors.New("jobq: job timed out")
	ErrCrashed          = errors.New("jobq: job crashed")
	ErrRetriesExhausted = errors.New("jobq: retries exhausted")
	ErrCancelled        = errors.New("jobq: job cancelled")
	ErrStalled          = errors.New("jobq: job stalled")
	// ErrShutdown is the cancellation cause of attempts interrupted by an
	// engine shutdown. Such attempts do not count against max retries.
	ErrShutdown = errors.New("jobq: shutting down")

	// State errors.
	ErrInvalidTransition = errors.New("jobq: invalid state transition")
	ErrNotFound          = errors.New("jobq: job not found")
	ErrClaimNotHeld      = errors.New("jobq: claim not held")

	// Infrastructure errors.
	ErrRegistryUnreachable = errors.New("jobq: registry unreachable")

	// Lifecycle errors.
	ErrAlreadyStarted = errors.New("jobq: already started")
	ErrNotStarted     = errors.New("jobq: not started")
)

// UnknownTaskError is returned by Submit when the function name has no
// registered handler.
type UnknownTaskError struct {
	Name string
}

func (e *UnknownTaskError) Error() string {
	return fmt.Sprintf("jobq: unknown task %q", e.Name)
}

// Is reports whether target is ErrUnknownTask.
func (e *UnknownTaskError) Is(target error) bool { return target == ErrUnknownTask }

// DuplicateError is returned by a submission that asked to be rejected
// rather than deduplicated when its dedup key is already held.
type DuplicateError struct {
	Key string
	// ID is the job the key is held by.
	ID string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("jobq: duplicate suppressed: key %q is held by %s", e.Key, e.ID)
}

// Is reports whether target is ErrDuplicateSuppressed.
func (e *DuplicateError) Is(target error) bool { return target == ErrDuplicateSuppressed }

// NotFoundError is returned when a job result cannot be read. Expired
// distinguishes a result reclaimed after its TTL from an ID the registry
// has never seen.
type NotFoundError struct {
	ID      string
	Expired bool
}

func (e *NotFoundError) Error() string {
	if e.Expired {
		return fmt.Sprintf("jobq: result for %s expired", e.ID)
	}
	return fmt.Sprintf("jobq: job %s not found", e.ID)
}

// Is reports whether target is ErrNotFound.
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// TransitionError describes a state change the job state machine rejects.
type TransitionError struct {
	ID   string
	From string
	To   string
}

func (e *TransitionError) Error() string {
	from := e.From
	if from == "" {
		from = "<none>"
	}
	return fmt.Sprintf("jobq: invalid state transition for %s: %s -> %s", e.ID, from, e.To)
}

// Is reports whether target is ErrInvalidTransition.
func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// StoreError wraps a backend connectivity or command failure. It matches
// ErrStoreUnavailable so callers can treat it as retryable.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return e.Op + ": " + e.Err.Error() }

// Unwrap returns the backend error.
func (e *StoreError) Unwrap() error { return e.Err }

// Is reports whether target is ErrStoreUnavailable.
func (e *StoreError) Is(target error) bool { return target == ErrStoreUnavailable }

// IsNotFound reports whether err means the job or its result does not
// exist, and whether it existed once and has expired.
func IsNotFound(err error) (notFound, expired bool) {
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return true, nf.Expired
	}
	return errors.Is(err, ErrNotFound), false
}
