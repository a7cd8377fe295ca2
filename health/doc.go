// Package health samples the queue store, the result counters and the
// local worker pool into a [Snapshot] and derives a tri-state liveness
// status from it.
//
// Snapshot never fails: while the store is unreachable it returns the
// last good sample marked Stale. LivenessProbe reports Unhealthy when the
// store stays unreachable after a bounded retry, Degraded when the
// pending backlog or the retry rate crosses its threshold or a slot has
// stalled, and Healthy otherwise.
//
// Run refreshes the snapshot periodically and publishes it as Prometheus
// gauges under the jobq namespace.
package health
