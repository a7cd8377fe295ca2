package job

import "context"

// Definition is a typed task definition. Keyword arguments of a submitted
// job are decoded into T; the returned R becomes the result payload.
type Definition[T, R any] struct {
	// Name is the unique identifier for this task type.
	Name string

	// Handler is the job body.
	Handler func(ctx context.Context, input T) (R, error)

	// Opts are the task's default submit options.
	Opts Options
}

// NewDefinition creates a typed task definition.
func NewDefinition[T, R any](name string, handler func(ctx context.Context, input T) (R, error), opts ...Option) *Definition[T, R] {
	return &Definition[T, R]{
		Name:    name,
		Handler: handler,
		Opts:    DefaultOptions().Apply(opts...),
	}
}
