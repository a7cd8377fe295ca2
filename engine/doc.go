// Package engine wires the jobq subsystems together and provides the
// application-level API for registering task bodies and submitting,
// inspecting and cancelling jobs.
//
// The engine package exists to break an import cycle: the root jobq
// package defines the error taxonomy and Config imported by every
// subsystem and therefore cannot import those packages back. Engine sits
// above all subsystem packages and below the application layer.
//
// # Building an Engine
//
//	eng, err := engine.New(
//	    engine.WithStore(redisStore),
//	    engine.WithConfig(cfg),
//	    engine.WithExtension(myExtension),
//	    engine.WithMiddleware(middleware.Logging(logger)),
//	    engine.WithQueueConfig(queue.Config{
//	        Task:      "chat.generate",
//	        RateLimit: 5,
//	    }),
//	)
//
// # Registering Work
//
//	engine.Register(eng, Summarize)
//	eng.RegisterFunc("resize", resizeImage, job.WithTimeout(time.Minute))
//
// # Submitting Jobs
//
//	h, err := eng.Submit(ctx, "resize", []any{url}, map[string]any{"width": 640},
//	    job.WithPriority(2),
//	    job.WithDedupKey(url),
//	)
//	res, err := eng.Result(ctx, h.ID)
//
// Submit returns as soon as the job is durably queued; it never waits for
// execution. A process that only produces jobs may build an engine and
// never call Start.
//
// # Options
//
//   - [WithStore]: the shared backend (required)
//   - [WithConfig]: tunables, see jobq.Config
//   - [WithExtension]: register a lifecycle extension
//   - [WithMiddleware]: add a middleware to the execution chain
//   - [WithBackoff]: override the retry delay strategy
//   - [WithQueueConfig]: per-task rate limits and concurrency
//   - [WithTracerProvider], [WithMeterProvider]: OpenTelemetry providers
//   - [WithRegisterer]: where health gauges are published
package engine
