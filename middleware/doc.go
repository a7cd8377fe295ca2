// Package middleware wraps the attempts a worker slot executes.
//
// The engine installs Logging, Tracing and Metrics around every attempt,
// and the executor adds Timeout and Recover closest to the handler.
// User middleware from engine.WithMiddleware runs inside those.
//
//	eng, _ := engine.New(
//	    engine.WithStore(s),
//	    engine.WithMiddleware(middleware.For(auditPrompts, chat.TaskName)),
//	)
//
// [Judge] tells middleware what the dispatcher will do with an attempt's
// error: retry it, fail the job or treat it as interrupted.
package middleware
