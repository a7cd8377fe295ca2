package job

import "time"

// Options configures per-job behavior such as retries, timeout and priority.
// A negative MaxRetries or a zero Timeout inherits the engine defaults.
type Options struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// Timeout is the hard limit on a single execution.
	Timeout time.Duration

	// Priority determines dequeue ordering. Higher values are processed first.
	Priority int

	// DeferUntil hides the job from dequeue until that time. Zero means immediate.
	DeferUntil time.Time

	// DedupKey suppresses duplicate submissions within the dedup window.
	DedupKey string

	// RejectDuplicate turns a held dedup key into a *jobq.DuplicateError
	// instead of a deduplicated handle.
	RejectDuplicate bool
}

// DefaultOptions returns Options that inherit every engine default.
func DefaultOptions() Options {
	return Options{
		MaxRetries: -1,
	}
}

// Option is a functional option for configuring a job.
type Option func(*Options)

// Apply returns o with opts applied.
func (o Options) Apply(opts ...Option) Options {
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithMaxRetries sets the number of retries after the first attempt.
func WithMaxRetries(n int) Option {
	return func(o *Options) {
		o.MaxRetries = n
	}
}

// WithTimeout sets the maximum execution duration for the job.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.Timeout = d
	}
}

// WithPriority sets the job priority. Higher values are processed first.
func WithPriority(p int) Option {
	return func(o *Options) {
		o.Priority = p
	}
}

// WithDeferUntil schedules the job for execution no earlier than t.
func WithDeferUntil(t time.Time) Option {
	return func(o *Options) {
		o.DeferUntil = t
	}
}

// WithDefer schedules the job for execution d from submission.
func WithDefer(d time.Duration) Option {
	return func(o *Options) {
		o.DeferUntil = time.Now().Add(d)
	}
}

// WithDedupKey sets a caller-supplied deduplication key.
func WithDedupKey(key string) Option {
	return func(o *Options) {
		o.DedupKey = key
	}
}

// WithRejectDuplicate makes a submission whose dedup key is already held
// fail with an error matching jobq.ErrDuplicateSuppressed. The held
// handle is still returned.
func WithRejectDuplicate() Option {
	return func(o *Options) {
		o.RejectDuplicate = true
	}
}
