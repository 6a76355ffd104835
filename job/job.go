package job

import (
	"context"
	"time"

	"github.com/substratehq/substrate/id"
)

// State represents the lifecycle state of a job.
type State string

const (
	// StateQueued means the job is waiting in the priority queue.
	StateQueued State = "queued"
	// StateRunning means a worker is currently executing the job.
	StateRunning State = "running"
	// StateSucceeded means the job finished successfully.
	StateSucceeded State = "succeeded"
	// StateFailed means the task returned or raised an error.
	StateFailed State = "failed"
	// StateCancelled means the job was cancelled by the caller or shutdown.
	StateCancelled State = "cancelled"
	// StateTimedOut means the job exceeded its deadline.
	StateTimedOut State = "timed_out"
)

// IsTerminal reports whether the state is final. Terminal states admit no
// further transition.
func (s State) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled, StateTimedOut:
		return true
	}
	return false
}

// Priority determines dispatch ordering. Higher values are dispatched first;
// ties within a priority class are FIFO by submission order.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

// String returns the lowercase name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	}
	return "unknown"
}

// Valid reports whether p is one of the defined priority classes.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityHigh
}

// Result is the opaque value a task produces. Its format is owned by the
// task author and the downstream consumer; the substrate only carries it.
type Result any

// Progress is the reporting capability handed to a running task. Report is
// safe to call from the task goroutine at any time; it never blocks on slow
// subscribers. Percent values are clamped to [0,100] and made monotonically
// non-decreasing per job.
type Progress interface {
	Report(percent float64, message string)
}

// Task is the unit of analysis work submitted to the substrate. The context
// is the job's cancellation token: it is cancelled on caller cancellation,
// timeout, and shutdown, and the task is expected to check it at safe
// boundaries between internal stages. A task that never checks it keeps
// running from the process's point of view but is reported terminal
// immediately; its eventual return value is discarded.
type Task func(ctx context.Context, progress Progress) (Result, error)

// Job is a unit of work tracked by the registry. Fields are mutated only
// through Registry methods; callers always receive copies.
type Job struct {
	ID          id.JobID      `json:"id"`
	Kind        string        `json:"kind"`
	Priority    Priority      `json:"priority"`
	State       State         `json:"state"`
	Timeout     time.Duration `json:"timeout,omitempty"`
	SubmittedAt time.Time     `json:"submitted_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	WorkerID    id.WorkerID   `json:"worker_id,omitempty"`

	// Percent and Message are the latest progress snapshot.
	Percent float64 `json:"percent"`
	Message string  `json:"message,omitempty"`

	// Reason is the sanitized, human-readable explanation of a terminal
	// state. It never contains stack traces or internal error objects.
	Reason string `json:"reason,omitempty"`

	// CancelRequested is set once by the engine when a caller cancels the
	// job. It is never cleared.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	// Task is the caller-supplied work. Excluded from serialization.
	Task Task `json:"-"`

	// Result is set on the Succeeded transition. Opaque to the substrate.
	Result Result `json:"-"`
}
