// Package job defines the unit of work processed by the substrate: the Job
// value object, its six-state lifecycle, the Task contract callers implement,
// and an in-memory Registry that tracks every job from submission until the
// retention sweep evicts it.
//
// # Lifecycle
//
//	Queued ──(dispatch + admission)──▶ Running ──(success)──▶ Succeeded
//	                                     │──(task error)────▶ Failed
//	                                     │──(deadline)──────▶ TimedOut
//	Queued │ Running ──(cancel requested)──────────────────▶ Cancelled
//
// The four right-hand states are terminal and final: once a job reaches one
// of them no further mutation is permitted. Transitions are monotonic and
// guarded by the Registry, which performs every terminal transition exactly
// once regardless of how many goroutines race for it.
//
// # Ownership
//
// A Running job is owned by exactly one worker for its lifetime. Only that
// worker transitions it to a terminal state; the engine touches only the
// queue position and the cancellation flag.
package job
