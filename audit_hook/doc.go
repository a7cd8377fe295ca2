// Package audithook is a jobq extension that turns job lifecycle events
// into audit records.
//
// Every lifecycle hook emits a structured [AuditEvent] through the
// [Recorder] interface, with a severity (info for normal operations,
// warning for retries and stalls, critical for terminal failures) and
// metadata such as the function name, attempt and elapsed time.
//
// # Logging recorder
//
//	eng, _ := engine.New(
//	    engine.WithStore(s),
//	    engine.WithExtension(audithook.New(audithook.NewLogRecorder(auditLogger))),
//	)
//
// # Selective filtering
//
//	audithook.New(recorder,
//	    audithook.WithActions(
//	        audithook.ActionJobFailed,
//	        audithook.ActionJobStalled,
//	    ),
//	)
package audithook
