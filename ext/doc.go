// Package ext defines the extension system for jobq.
//
// Extensions are notified of lifecycle events and can react to them by
// recording metrics or writing audit logs. Each lifecycle hook is a
// separate interface so extensions opt in only to the events they care
// about.
//
// # Implementing an Extension
//
//	type MyExtension struct{}
//
//	func (e *MyExtension) Name() string { return "my-extension" }
//
//	// Opt in to specific hooks by implementing their interfaces.
//	func (e *MyExtension) OnJobSucceeded(ctx context.Context, j *job.Job, elapsed time.Duration) error {
//	    log.Printf("job %s succeeded in %s", j.ID, elapsed)
//	    return nil
//	}
//
// # Job Lifecycle Hooks
//
//   - [JobEnqueued]: job was accepted into the queue
//   - [JobStarted]: a slot began executing an attempt
//   - [JobSucceeded]: job finished successfully
//   - [JobFailed]: job failed terminally
//   - [JobRetrying]: an attempt failed and the job was requeued
//   - [JobCancelled]: a pending job was cancelled
//   - [JobStalled]: a claim missed its heartbeats
//
// # Other Hooks
//
//   - [Shutdown]: the engine is shutting down gracefully
//
// The [Registry] fans out each event to all registered extensions that
// implement the corresponding hook interface.
package ext
