// Package queue provides per-task-type admission control: rate limits and
// concurrency caps that apply on top of the pool-wide ceiling.
//
// A task that calls a metered external API (a generative model, an SMTP
// relay) usually needs a tighter bound than the pool as a whole:
//
//	queue.Config{
//	    Task:           "chat.generate",
//	    MaxConcurrency: 4,   // at most 4 chat jobs at once
//	    RateLimit:      2,   // at most 2 executions/s
//	    RateBurst:      4,
//	}
//
// # Manager
//
// [Manager] uses a token-bucket rate limiter (golang.org/x/time/rate) and
// an active-count gate. The dispatcher calls Acquire after claiming a job;
// a denied job is requeued after the returned hint without consuming one
// of its attempts.
//
//	if ok, _ := m.Acquire(j.FunctionName); ok {
//	    defer m.Release(j.FunctionName)
//	    // run the job
//	}
//
// Tasks without a [Config] have no limits beyond the pool-wide concurrency.
package queue
