// Package worker provides the job execution engine — an Executor that
// runs a job's task through middleware and owns its terminal transition,
// and a Pool that manages a fixed set of worker goroutines.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/substratehq/substrate/cleanup"
	"github.com/substratehq/substrate/ext"
	"github.com/substratehq/substrate/id"
	"github.com/substratehq/substrate/job"
	"github.com/substratehq/substrate/middleware"
)

// DefaultOrphanGrace is how long the executor waits for a task goroutine
// to return after its job has been cancelled or timed out. A task that
// ignores its context past this window is abandoned: its eventual return
// value is discarded.
const DefaultOrphanGrace = 30 * time.Second

// maxReasonLen caps the failure reason stored on a job. The full error
// is still logged.
const maxReasonLen = 200

// Executor runs a single job: it claims the job for a worker, executes
// the task through the middleware chain, decides the terminal state, and
// wipes the job's artifacts. Exactly one terminal transition wins, no
// matter how execution ends.
type Executor struct {
	registry    *job.Registry
	extensions  *ext.Registry
	wiper       *cleanup.Wiper
	mw          middleware.Middleware
	logger      *slog.Logger
	orphanGrace time.Duration
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithMiddleware sets the middleware chain tasks run through.
func WithMiddleware(mws ...middleware.Middleware) ExecutorOption {
	return func(e *Executor) { e.mw = middleware.Chain(mws...) }
}

// WithOrphanGrace sets how long to wait for a task goroutine after its
// job is cancelled or timed out.
func WithOrphanGrace(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.orphanGrace = d
		}
	}
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(
	registry *job.Registry,
	extensions *ext.Registry,
	wiper *cleanup.Wiper,
	logger *slog.Logger,
	opts ...ExecutorOption,
) *Executor {
	e := &Executor{
		registry:    registry,
		extensions:  extensions,
		wiper:       wiper,
		mw:          middleware.Chain(),
		logger:      logger,
		orphanGrace: DefaultOrphanGrace,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute claims the job for the given worker and runs it to a terminal
// state. The context is the worker's cancellation token: cancelling it
// requests cooperative termination of the task. Execute returns the final
// job snapshot.
//
// The caller retains the worker slot until Execute returns; a task that
// outlives its cancellation holds the slot for at most the orphan grace.
func (e *Executor) Execute(ctx context.Context, jobID id.JobID, workerID id.WorkerID) job.Job {
	j, ok := e.registry.MarkRunning(jobID, workerID)
	if !ok {
		// Cancelled between dispatch and pickup. The canceller already
		// emitted the terminal event; just make sure nothing lingers.
		e.runCleanup(jobID)
		final, err := e.registry.Get(jobID)
		if err != nil {
			e.logger.Warn("job vanished before pickup", slog.String("job_id", jobID.String()))
		}
		return final
	}

	e.extensions.EmitJobStarted(ctx, &j)

	start := time.Now()
	reporter := &progressReporter{executor: e, jobID: jobID}

	// The task runs in its own goroutine so a non-cooperative task
	// cannot wedge the worker past the job's deadline.
	done := make(chan taskOutcome, 1)
	go func() {
		var result job.Result
		terminal := func(ctx context.Context) error {
			r, err := j.Task(ctx, reporter)
			result = r
			return err
		}
		err := e.mw(ctx, &j, terminal)
		done <- taskOutcome{result: result, err: err}
	}()

	var hardTimeout <-chan time.Time
	if j.Timeout > 0 {
		timer := time.NewTimer(j.Timeout)
		defer timer.Stop()
		hardTimeout = timer.C
	}

	defer e.runCleanup(jobID)

	select {
	case out := <-done:
		e.finalize(ctx, jobID, out, time.Since(start))

	case <-hardTimeout:
		// The deadline middleware has cancelled the task's context at
		// this point; report the timeout immediately rather than wait
		// for the task to notice.
		if final, won := e.registry.Finish(jobID, job.StateTimedOut, timeoutReason(j.Timeout), nil); won {
			e.extensions.EmitJobTimedOut(ctx, &final)
		}
		e.awaitOrphan(jobID, done)

	case <-ctx.Done():
		// Cancellation. The canceller normally wins the terminal CAS
		// before cancelling the context; finalize covers shutdown,
		// where only the context is cancelled.
		select {
		case out := <-done:
			e.finalize(context.Background(), jobID, out, time.Since(start))
		case <-time.After(e.orphanGrace):
			e.abandon(jobID, done)
			if final, won := e.registry.Finish(jobID, job.StateCancelled, "execution cancelled", nil); won {
				e.extensions.EmitJobCancelled(context.Background(), &final)
			}
		}
	}

	final, err := e.registry.Get(jobID)
	if err != nil {
		e.logger.Warn("job missing after execution", slog.String("job_id", jobID.String()))
	}
	return final
}

type taskOutcome struct {
	result job.Result
	err    error
}

// finalize maps the task outcome to a terminal state. If another path
// (cancel, timeout) already finished the job, the outcome is discarded.
func (e *Executor) finalize(ctx context.Context, jobID id.JobID, out taskOutcome, elapsed time.Duration) {
	switch {
	case out.err == nil:
		if final, won := e.registry.Finish(jobID, job.StateSucceeded, "", out.result); won {
			e.extensions.EmitJobSucceeded(ctx, &final, elapsed)
		}

	case errors.Is(out.err, context.DeadlineExceeded):
		if final, won := e.registry.Finish(jobID, job.StateTimedOut, "deadline exceeded", nil); won {
			e.extensions.EmitJobTimedOut(ctx, &final)
		}

	case errors.Is(out.err, context.Canceled):
		if final, won := e.registry.Finish(jobID, job.StateCancelled, "execution cancelled", nil); won {
			e.extensions.EmitJobCancelled(context.Background(), &final)
		}

	default:
		reason := sanitizeReason(out.err)
		if final, won := e.registry.Finish(jobID, job.StateFailed, reason, nil); won {
			e.logger.Error("task failed",
				slog.String("job_id", jobID.String()),
				slog.String("job_kind", final.Kind),
				slog.String("error", out.err.Error()),
			)
			e.extensions.EmitJobFailed(ctx, &final, out.err)
		}
	}
}

// awaitOrphan waits up to the orphan grace for the task goroutine to
// return after its job already reached a terminal state. The late return
// value is discarded.
func (e *Executor) awaitOrphan(jobID id.JobID, done <-chan taskOutcome) {
	select {
	case <-done:
	case <-time.After(e.orphanGrace):
		e.abandon(jobID, done)
	}
}

// abandon gives up on a task goroutine that ignored its cancellation.
// The eventual return is drained so the goroutine can exit.
func (e *Executor) abandon(jobID id.JobID, done <-chan taskOutcome) {
	e.logger.Warn("task did not return after cancellation, abandoning",
		slog.String("job_id", jobID.String()),
		slog.Duration("grace", e.orphanGrace),
	)
	go func() { <-done }()
}

// runCleanup wipes all artifacts registered for the job and reports
// failures through the extension registry. Cleanup runs on every
// execution path, including cancellation and timeout.
func (e *Executor) runCleanup(jobID id.JobID) {
	for _, f := range e.wiper.Run(context.Background(), jobID) {
		e.extensions.EmitCleanupFailed(context.Background(), jobID, f.Path, f.Err)
	}
}

// progressReporter is handed to tasks as their job.Progress. Reports are
// clamped, recorded on the registry, and fanned out through extensions
// without ever blocking the task.
type progressReporter struct {
	executor *Executor
	jobID    id.JobID
}

var _ job.Progress = (*progressReporter)(nil)

func (r *progressReporter) Report(percent float64, message string) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	e := r.executor
	e.registry.SetProgress(r.jobID, percent, message)
	if j, err := e.registry.Get(r.jobID); err == nil && j.State == job.StateRunning {
		e.extensions.EmitJobProgress(context.Background(), &j)
	}
}

func timeoutReason(timeout time.Duration) string {
	return "timed out after " + timeout.String()
}

// sanitizeReason turns a task error into a single-line, bounded reason
// suitable for status responses and stream events.
func sanitizeReason(err error) string {
	reason := err.Error()
	reason = strings.ReplaceAll(reason, "\n", " ")
	reason = strings.ReplaceAll(reason, "\r", " ")
	reason = strings.TrimSpace(reason)
	if len(reason) > maxReasonLen {
		reason = reason[:maxReasonLen] + "…"
	}
	return reason
}
