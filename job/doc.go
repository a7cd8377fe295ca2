// Package job defines the job entity, its state machine, results, typed
// task definitions and the store contracts.
//
// # Job Entity
//
// A [Job] is an immutable descriptor: the task name, JSON-encoded
// positional and keyword arguments, retry budget, timeout, priority and
// an optional deferral time. Execution state lives in a [Result] owned by
// the registry and progresses through a state machine:
//
//	queued → running → succeeded
//	queued → running → retrying → queued → ...
//	queued → running → failed
//	queued → failed                (cancelled before claim)
//	retrying → failed              (requeue impossible)
//
// Succeeded and failed are terminal. [Result.Apply] enforces the machine
// and returns a *jobq.TransitionError for anything else.
//
// # Defining a Task
//
// Use [Definition] with a typed handler. Keyword arguments are decoded
// into the input type before the handler runs:
//
//	var Summarize = job.NewDefinition("summarize",
//	    func(ctx context.Context, in SummarizeInput) (string, error) {
//	        return model.Summarize(ctx, in.Text)
//	    },
//	    job.WithTimeout(30*time.Second),
//	)
//
// Return [Permanent] from a handler to fail without retrying.
//
// # Registry
//
// [Registry] maps task names to type-erased [HandlerFunc] values.
// Register definitions at startup via [RegisterDefinition]:
//
//	job.RegisterDefinition(registry, Summarize)
//
// The engine package provides the higher-level engine.Register and
// Engine.Submit wrappers.
package job
