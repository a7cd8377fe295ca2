package audithook

// Audit event actions. Each constant corresponds to one ext lifecycle hook
// and becomes the Action field of the audit event.
const (
	ActionJobEnqueued  = "job.enqueued"
	ActionJobStarted   = "job.started"
	ActionJobSucceeded = "job.succeeded"
	ActionJobFailed    = "job.failed"
	ActionJobRetrying  = "job.retrying"
	ActionJobCancelled = "job.cancelled"
	ActionJobStalled   = "job.stalled"
	ActionShutdown     = "engine.shutdown"
)

// Audit event categories group related actions.
const (
	CategoryJob    = "jobq.job"
	CategoryEngine = "jobq.engine"
)

// Resource types used as the Resource field in audit events.
const (
	ResourceJob    = "job"
	ResourceEngine = "engine"
)

// AllActions returns every action this extension can emit.
func AllActions() []string {
	return []string{
		ActionJobEnqueued,
		ActionJobStarted,
		ActionJobSucceeded,
		ActionJobFailed,
		ActionJobRetrying,
		ActionJobCancelled,
		ActionJobStalled,
		ActionShutdown,
	}
}
