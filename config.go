package jobq

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds the tunables of a jobq engine. Retry, TTL and threshold
// values are deployment configuration; DefaultConfig mirrors a single
// worker process fronting a rate-limited model API.
type Config struct {
	// Concurrency is the ceiling C on simultaneously executing jobs.
	Concurrency int `validate:"min=1"`

	// PollMin and PollMax bound the adaptive interval between queries of
	// an empty queue.
	PollMin time.Duration `validate:"gt=0"`
	PollMax time.Duration `validate:"gtefield=PollMin"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration `validate:"gt=0"`

	// HeartbeatInterval is how often busy slots report liveness.
	HeartbeatInterval time.Duration `validate:"gt=0"`

	// StallGrace is how long a claim may go without a heartbeat before it
	// is considered stalled and forcibly failed and requeued.
	StallGrace time.Duration `validate:"gtfield=HeartbeatInterval"`

	// DefaultMaxRetries and DefaultTimeout apply to jobs submitted without
	// explicit options.
	DefaultMaxRetries int           `validate:"min=0"`
	DefaultTimeout    time.Duration `validate:"gt=0"`

	// RetryBase and RetryMax shape the exponential retry delay
	// min(RetryBase*2^(attempt-1), RetryMax).
	RetryBase time.Duration `validate:"gt=0"`
	RetryMax  time.Duration `validate:"gtefield=RetryBase"`

	// ResultTTL is how long a terminal result stays readable.
	ResultTTL time.Duration `validate:"gt=0"`

	// TombstoneTTL is how long an expired result is still reported as
	// expired rather than never seen.
	TombstoneTTL time.Duration `validate:"gte=0"`

	// DedupWindow is how long a dedup key suppresses duplicate submissions.
	DedupWindow time.Duration `validate:"gt=0"`

	// DegradedQueueDepth and DegradedRetryRate (retries per minute) are the
	// liveness thresholds above which the engine reports Degraded.
	DegradedQueueDepth int64   `validate:"min=0"`
	DegradedRetryRate  float64 `validate:"min=0"`

	// SampleInterval is how often the health reporter refreshes its snapshot.
	SampleInterval time.Duration `validate:"gt=0"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:        10,
		PollMin:            100 * time.Millisecond,
		PollMax:            1 * time.Second,
		ShutdownTimeout:    30 * time.Second,
		HeartbeatInterval:  5 * time.Second,
		StallGrace:         30 * time.Second,
		DefaultMaxRetries:  2,
		DefaultTimeout:     60 * time.Second,
		RetryBase:          1 * time.Second,
		RetryMax:           1 * time.Minute,
		ResultTTL:          5 * time.Minute,
		TombstoneTTL:       24 * time.Hour,
		DedupWindow:        10 * time.Minute,
		DegradedQueueDepth: 1000,
		DegradedRetryRate:  60,
		SampleInterval:     5 * time.Second,
	}
}

var validate = validator.New()

// Validate checks that every field is within range.
func (c Config) Validate() error {
	return validate.Struct(c)
}
