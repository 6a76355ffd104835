package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/substratehq/substrate/job"
	"github.com/substratehq/substrate/monitor"
	"github.com/substratehq/substrate/queue"
)

// superviseDispatch keeps the dispatch loop alive. A panic inside the
// loop is a dispatcher fault: it is logged with a stack trace and the
// loop restarts after a short delay. Queued jobs survive a fault — the
// queue and registry live outside the loop.
func (eng *Engine) superviseDispatch(ctx context.Context) error {
	for {
		err := eng.runDispatch(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			return nil
		}

		eng.logger.Error("dispatcher fault, restarting",
			slog.String("error", err.Error()),
			slog.Duration("delay", eng.cfg.RestartDelay),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(eng.cfg.RestartDelay):
		}
	}
}

// runDispatch is the single-goroutine dispatch loop: pop the next entry,
// check admission, and hand the job to the pool. A denied job goes back
// to the head of its priority class so it keeps its turn.
func (eng *Engine) runDispatch(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatcher panic: %v", r)
			eng.logger.Error("dispatch loop panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()

	denials := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		entry, ok := eng.pq.Pop()
		if !ok {
			eng.idle(ctx)
			continue
		}

		j, getErr := eng.registry.Get(entry.JobID)
		if getErr != nil || j.State != job.StateQueued {
			// Cancelled (or evicted) while waiting; drop the stale entry.
			continue
		}

		if dec := eng.mon.CanAdmit(j.Kind); !dec.Allowed {
			denials++
			eng.logger.Debug("admission denied",
				slog.String("job_id", j.ID.String()),
				slog.String("job_kind", j.Kind),
				slog.String("reason", dec.Reason),
				slog.Int("consecutive", denials),
			)
			eng.requeue(ctx, entry, denials)
			continue
		}

		if !eng.km.Acquire(j.Kind) {
			denials++
			eng.requeue(ctx, entry, denials)
			continue
		}

		kind := j.Kind
		if !eng.pool.TryDispatch(j, func(final job.Job) {
			eng.km.Release(kind)
			eng.nudge()
		}) {
			eng.km.Release(kind)
			denials++
			eng.requeue(ctx, entry, denials)
			continue
		}

		denials = 0
	}
}

// requeue puts a denied entry back at the head of its priority class and
// backs off before the next attempt.
func (eng *Engine) requeue(ctx context.Context, entry queue.Entry, denials int) {
	eng.pq.PushFront(entry.JobID, entry.Priority)
	delay := eng.bo.Delay(denials)
	select {
	case <-ctx.Done():
	case <-eng.wake:
	case <-time.After(delay):
	}
}

// idle parks the loop until work arrives or the idle poll expires.
func (eng *Engine) idle(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-eng.wake:
	case <-time.After(eng.cfg.IdlePoll):
	}
}

// degradationLoop watches the monitor and lowers the pool's busy limit
// after sustained critical pressure, restoring it after an equal streak
// of calm samples. Running jobs are never interrupted; the pool just
// stops accepting new work above the reduced cap.
func (eng *Engine) degradationLoop(ctx context.Context) error {
	ticker := time.NewTicker(eng.cfg.SampleInterval)
	defer ticker.Stop()

	hot, calm := 0, 0
	degraded := false

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		tier := eng.mon.TierOf(eng.mon.Current())
		if tier >= monitor.TierCritical {
			hot++
			calm = 0
		} else {
			calm++
			hot = 0
		}

		switch {
		case !degraded && hot >= eng.cfg.DegradeAfterSamples:
			limit := eng.mon.RecommendedConcurrency()
			eng.pool.SetBusyLimit(limit)
			degraded = true
			eng.logger.Warn("sustained resource pressure, degrading concurrency",
				slog.String("tier", tier.String()),
				slog.Int("busy_limit", limit),
			)

		case degraded && calm >= eng.cfg.DegradeAfterSamples:
			eng.pool.SetBusyLimit(eng.cfg.PoolSize)
			degraded = false
			eng.nudge()
			eng.logger.Info("resource pressure cleared, restoring concurrency",
				slog.Int("busy_limit", eng.cfg.PoolSize),
			)
		}
	}
}

// sweepRetention evicts terminal jobs older than the retention window and
// drops their stream and cleanup state. Runs on the sweep schedule.
func (eng *Engine) sweepRetention() {
	cutoff := time.Now().UTC().Add(-eng.cfg.Retention)
	evicted := eng.registry.EvictTerminalBefore(cutoff)
	for _, jobID := range evicted {
		eng.broker.DropTopic(jobID)
		eng.wiper.Forget(jobID)
	}
	if len(evicted) > 0 {
		eng.logger.Info("retention sweep evicted jobs", slog.Int("count", len(evicted)))
	}
}
