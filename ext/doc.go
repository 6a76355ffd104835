// Package ext defines the extension system for the substrate.
//
// Extensions are notified of job lifecycle events and can react to them —
// streaming progress to subscribers, recording metrics, writing audit
// logs, etc. Each lifecycle hook is a separate interface so extensions opt
// in only to the events they care about.
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
//   - [JobQueued] — job was accepted into the queue
//   - [JobStarted] — a worker began executing the job
//   - [JobProgress] — the task reported progress
//   - [JobSucceeded] — job finished successfully
//   - [JobFailed] — the task returned or raised an error
//   - [JobCancelled] — job was cancelled by the caller or shutdown
//   - [JobTimedOut] — job exceeded its deadline
//
// # Other Hooks
//
//   - [CleanupFailed] — secure destruction of an artifact failed (non-fatal)
//   - [Shutdown] — the engine is shutting down gracefully
//
// Hook errors are logged and swallowed; they never affect a job's outcome.
package ext
