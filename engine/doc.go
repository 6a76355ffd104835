// Package engine wires all substrate subsystems together: the resource
// monitor, priority queue, worker pool, stream broker, and artifact
// wiper. It owns the dispatch loop that moves jobs from the queue onto
// workers under admission control, and exposes the caller-facing
// operations: Submit, Status, Cancel, Subscribe, RegisterArtifact, and
// Health.
//
// A typical setup:
//
//	eng := engine.New(logger,
//		engine.WithConfig(cfg),
//		engine.WithKindConfig(queue.KindConfig{Kind: "transcode", MaxConcurrency: 2}),
//	)
//	if err := eng.Start(ctx); err != nil { ... }
//	defer eng.Stop(context.Background())
//
//	j, err := eng.Submit(ctx, "transcode", task, engine.WithPriority(job.PriorityHigh))
//	sub, err := eng.Subscribe(j.ID)
//	for evt := range sub.Events() { ... }
//
// The engine package sits above all subsystem packages and below the
// application layer.
package engine
