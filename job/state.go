package job

// State represents the lifecycle state of a job.
type State string

const (
	// StateQueued means the job is waiting in the queue store.
	StateQueued State = "queued"
	// StateRunning means a worker slot is executing the job.
	StateRunning State = "running"
	// StateSucceeded means the job finished successfully.
	StateSucceeded State = "succeeded"
	// StateFailed means the job failed and will not be retried.
	StateFailed State = "failed"
	// StateRetrying means the job failed and is about to be requeued.
	StateRetrying State = "retrying"
)

var transitions = map[State][]State{
	"":             {StateQueued},
	StateQueued:    {StateRunning, StateFailed},
	StateRunning:   {StateSucceeded, StateFailed, StateRetrying},
	StateRetrying:  {StateQueued, StateFailed},
	StateSucceeded: nil,
	StateFailed:    nil,
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateQueued, StateRunning, StateSucceeded, StateFailed, StateRetrying:
		return true
	}
	return false
}

// CanTransition reports whether the state machine allows from -> to.
// The empty state stands for "no record yet".
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
