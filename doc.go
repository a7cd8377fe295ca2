// Package jobq provides a durable asynchronous job queue engine for Go.
// Producers submit jobs by task name and get a handle back immediately;
// workers claim jobs from a shared store, execute them under a global
// concurrency ceiling, retry failures with capped exponential backoff and
// record every state change in a registry that producers poll.
//
// jobq is designed as a library. Pick a store, register task bodies as
// ordinary Go functions and start an engine:
//
//	s, err := redis.New(client)
//	eng, err := engine.New(
//	    engine.WithStore(s),
//	    engine.WithConfig(cfg),
//	)
//	engine.Register(eng, chat.NewDefinition(client, chat.DefaultOptions()))
//	eng.Start(ctx)
//
// # Architecture
//
// The durable queue store owns pending jobs until a dispatcher claims them.
// The job registry is the single writer of results and enforces the job
// state machine:
//
//	queued → running → succeeded
//	queued → running → retrying → queued → ...
//	queued → running → failed
//	queued → failed (cancelled before a worker claimed it)
//
// The dispatcher is the only component that decides between retry and
// terminal failure. The worker pool executes job bodies, enforces per-job
// timeouts and survives panicking bodies. The health reporter samples the
// store and pool and exposes a snapshot and a tri-state liveness probe.
//
// All entity IDs are prefix-qualified, K-sortable UUIDv7 identifiers.
package jobq
