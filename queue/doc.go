// Package queue provides the in-memory priority queue the dispatch loop
// feeds from, plus a Manager that applies per-kind rate limits and
// concurrency caps at dispatch time.
//
// Ordering is strict priority at the head with FIFO tie-break inside each
// priority class. A job denied admission is re-inserted at the head of its
// class so backpressure never reorders work.
//
// The queue holds job references only; job state lives in the job.Registry.
// The dispatch loop is the queue's sole consumer, so a popped entry whose
// job was cancelled while queued is simply skipped.
package queue
