package audithook

import "log/slog"

// Option configures an Extension.
type Option func(*Extension)

// WithActions records only the listed actions. Without it every action
// is recorded.
//
//	audithook.New(recorder, audithook.WithActions(
//		audithook.ActionJobFailed,
//		audithook.ActionJobStalled,
//	))
func WithActions(actions ...string) Option {
	return func(e *Extension) {
		e.enabled = set(actions)
	}
}

// WithoutActions drops the listed actions. It applies after WithActions,
// so the two can be combined.
func WithoutActions(actions ...string) Option {
	return func(e *Extension) {
		e.disabled = set(actions)
	}
}

// WithLogger sets the logger used to report recorder failures.
func WithLogger(l *slog.Logger) Option {
	return func(e *Extension) { e.logger = l }
}

func set(actions []string) map[string]bool {
	m := make(map[string]bool, len(actions))
	for _, a := range actions {
		m[a] = true
	}
	return m
}
