// Package substrate provides an in-process execution substrate for long,
// resource-intensive analysis jobs. It coordinates a priority queue, a
// fixed worker pool, resource-aware admission control, per-job progress
// streaming, and secure destruction of temporary artifacts.
//
// Substrate is a library, not a service. Construct an engine.Engine,
// start it, and submit tasks as ordinary Go functions:
//
//	eng := engine.New(logger)
//	if err := eng.Start(ctx); err != nil { ... }
//	j, _ := eng.Submit(ctx, "parse-report", parseTask,
//		engine.WithPriority(job.PriorityHigh), engine.WithTimeout(2*time.Minute))
//
// State lives only in process memory and is lost on restart. Substrate is
// not a distributed or durable job queue; it offers best-effort soft
// timeouts and cooperative cancellation, never preemption.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package substrate
