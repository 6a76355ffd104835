package ext

import (
	"context"
	"time"

	"github.com/substratehq/substrate/id"
	"github.com/substratehq/substrate/job"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Job lifecycle hooks
// ──────────────────────────────────────────────────

// JobQueued is called after a job is accepted into the queue.
type JobQueued interface {
	OnJobQueued(ctx context.Context, j *job.Job) error
}

// JobStarted is called when a worker begins executing a job.
type JobStarted interface {
	OnJobStarted(ctx context.Context, j *job.Job) error
}

// JobProgress is called when the running task reports progress. The job
// snapshot carries the clamped percent and latest message.
type JobProgress interface {
	OnJobProgress(ctx context.Context, j *job.Job) error
}

// JobSucceeded is called after a job finishes successfully.
type JobSucceeded interface {
	OnJobSucceeded(ctx context.Context, j *job.Job, elapsed time.Duration) error
}

// JobFailed is called when the task returned or raised an error. The raw
// error is for internal consumers (logging); the job's Reason field carries
// the sanitized external message.
type JobFailed interface {
	OnJobFailed(ctx context.Context, j *job.Job, err error) error
}

// JobCancelled is called when a job is cancelled by the caller or shutdown.
type JobCancelled interface {
	OnJobCancelled(ctx context.Context, j *job.Job) error
}

// JobTimedOut is called when a job exceeds its deadline.
type JobTimedOut interface {
	OnJobTimedOut(ctx context.Context, j *job.Job) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// CleanupFailed is called when secure destruction of an artifact fails.
// Cleanup failures are secondary: they never change the job's outcome.
type CleanupFailed interface {
	OnCleanupFailed(ctx context.Context, jobID id.JobID, path string, err error) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
