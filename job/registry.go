package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// HandlerFunc is a type-erased job body. The returned value is JSON-encoded
// into the result payload.
type HandlerFunc func(ctx context.Context, args Args, kwargs Kwargs) (any, error)

// Args are the positional arguments of a job, each still JSON-encoded.
type Args []json.RawMessage

// Decode unmarshals the i-th argument into v.
func (a Args) Decode(i int, v any) error {
	if i < 0 || i >= len(a) {
		return fmt.Errorf("argument %d out of range (%d given)", i, len(a))
	}
	return json.Unmarshal(a[i], v)
}

// Kwargs are the keyword arguments of a job, each still JSON-encoded.
type Kwargs map[string]json.RawMessage

// Decode unmarshals the named argument into v. A missing key leaves v untouched.
func (k Kwargs) Decode(key string, v any) error {
	raw, ok := k[key]
	if !ok {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// DecodeArgs splits the stored argument encodings of j.
func DecodeArgs(j *Job) (Args, Kwargs, error) {
	var args Args
	if len(j.Args) > 0 && string(j.Args) != "null" {
		if err := json.Unmarshal(j.Args, &args); err != nil {
			return nil, nil, fmt.Errorf("decode args: %w", err)
		}
	}
	kwargs := Kwargs{}
	if len(j.Kwargs) > 0 && string(j.Kwargs) != "null" {
		if err := json.Unmarshal(j.Kwargs, &kwargs); err != nil {
			return nil, nil, fmt.Errorf("decode kwargs: %w", err)
		}
	}
	return args, kwargs, nil
}

// Task is a registered job body with its default options.
type Task struct {
	Name    string
	Handler HandlerFunc
	Opts    Options
}

// Registry maps task names to type-erased handler functions.
// It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

// NewRegistry creates an empty task registry.
func NewRegistry() *Registry {
	return &Registry{
		tasks: make(map[string]Task),
	}
}

// Register adds a type-erased task, replacing any task of the same name.
func (r *Registry) Register(name string, h HandlerFunc, opts ...Option) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[name] = Task{Name: name, Handler: h, Opts: DefaultOptions().Apply(opts...)}
}

// RegisterDefinition registers a typed task definition. The keyword
// arguments are decoded into T; a job submitted with a single positional
// argument and no keyword arguments decodes that argument instead.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func RegisterDefinition[T, R any](r *Registry, def *Definition[T, R]) {
	handler := func(ctx context.Context, args Args, kwargs Kwargs) (any, error) {
		var in T
		if err := decodeInput(args, kwargs, &in); err != nil {
			return nil, Permanent(fmt.Errorf("decode input for task %q: %w", def.Name, err))
		}
		return def.Handler(ctx, in)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[def.Name] = Task{Name: def.Name, Handler: handler, Opts: def.Opts}
}

func decodeInput(args Args, kwargs Kwargs, v any) error {
	if len(kwargs) == 0 && len(args) == 1 {
		return json.Unmarshal(args[0], v)
	}
	if len(kwargs) == 0 {
		return nil
	}
	raw, err := json.Marshal(kwargs)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// Get returns the task registered under name.
// Returns false if no task is registered.
func (r *Registry) Get(name string) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[name]
	return t, ok
}

// Names returns all registered task names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
