// Package observability provides an OpenTelemetry metrics extension for
// jobq. The MetricsExtension implements lifecycle hooks to record
// system-wide counters for job enqueue, success, failure, retry,
// cancellation and stall events.
//
// For per-execution tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
