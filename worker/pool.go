package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/substratehq/substrate/id"
	"github.com/substratehq/substrate/job"
)

// DefaultPoolSize is the number of worker goroutines when not configured.
const DefaultPoolSize = 4

// item is a dispatched job waiting for a worker slot.
type item struct {
	j      job.Job
	onDone func(job.Job)
}

// Pool manages a fixed set of worker goroutines. Jobs are handed to the
// pool by the dispatcher; each worker claims jobs off an internal channel
// and runs them through the Executor. The pool never grows: admission
// control happens upstream, and the busy limit can be lowered below the
// pool size when the host is under pressure.
type Pool struct {
	executor *Executor
	logger   *slog.Logger

	size      int
	busyLimit atomic.Int64
	active    atomic.Int64

	items chan item

	activeJobs map[string]context.CancelFunc
	activeMu   sync.Mutex

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolSize sets the number of worker goroutines.
func WithPoolSize(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.size = n
		}
	}
}

// NewPool creates a worker pool.
func NewPool(executor *Executor, logger *slog.Logger, opts ...PoolOption) *Pool {
	p := &Pool{
		executor:   executor,
		logger:     logger,
		size:       DefaultPoolSize,
		activeJobs: make(map[string]context.CancelFunc),
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.items = make(chan item, p.size)
	p.busyLimit.Store(int64(p.size))
	return p
}

// Size returns the fixed number of worker goroutines.
func (p *Pool) Size() int { return p.size }

// ActiveCount returns the number of jobs currently held by the pool,
// including any briefly queued for pickup.
func (p *Pool) ActiveCount() int { return int(p.active.Load()) }

// BusyLimit returns the effective concurrency cap.
func (p *Pool) BusyLimit() int { return int(p.busyLimit.Load()) }

// SetBusyLimit lowers or restores the effective concurrency cap. The cap
// is clamped to [1, Size]. Jobs already running are unaffected; the pool
// simply refuses new dispatches above the cap.
func (p *Pool) SetBusyLimit(n int) {
	if n < 1 {
		n = 1
	}
	if n > p.size {
		n = p.size
	}
	old := p.busyLimit.Swap(int64(n))
	if int(old) != n {
		p.logger.Info("worker busy limit changed",
			slog.Int("from", int(old)),
			slog.Int("to", n),
		)
	}
}

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	p.logger.Info("worker pool starting", slog.Int("size", p.size))

	for range p.size {
		workerID := id.NewWorkerID()
		p.wg.Add(1)
		go p.workerLoop(workerID)
	}
	return nil
}

// Stop signals all workers to stop and waits for them to finish. If the
// context expires first, the contexts of active jobs are cancelled and
// the pool waits for the executors to release their slots.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping")
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown deadline reached, cancelling active jobs")
		p.cancelActiveJobs()
		p.wg.Wait()
	}
	return nil
}

// TryDispatch hands a job to the pool. It reserves a slot against the
// busy limit and never blocks; false means the pool is at capacity (or
// stopped) and the caller should requeue.
func (p *Pool) TryDispatch(j job.Job, onDone func(job.Job)) bool {
	// Holding mu across the hand-off orders it against Stop: an accepted
	// item is in the buffer before stopCh closes, so the draining workers
	// still see it. The send cannot block; a reserved slot always has a
	// free buffer cell.
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return false
	}

	for {
		cur := p.active.Load()
		if cur >= p.busyLimit.Load() {
			return false
		}
		if p.active.CompareAndSwap(cur, cur+1) {
			break
		}
	}

	select {
	case p.items <- item{j: j, onDone: onDone}:
		return true
	default:
		// All slots mid-handoff; treat as busy.
		p.active.Add(-1)
		return false
	}
}

// CancelJob cancels the execution context of a running job. Returns false
// if the job is not currently held by a worker.
func (p *Pool) CancelJob(jobID id.JobID) bool {
	p.activeMu.Lock()
	cancel, ok := p.activeJobs[jobID.String()]
	p.activeMu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

func (p *Pool) workerLoop(workerID id.WorkerID) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			// Jobs accepted by TryDispatch may still sit in the hand-off
			// buffer; each holds a reserved slot and must run, not be
			// abandoned as permanently queued.
			for {
				select {
				case it := <-p.items:
					p.run(workerID, it)
				default:
					return
				}
			}
		case it := <-p.items:
			p.run(workerID, it)
		}
	}
}

func (p *Pool) run(workerID id.WorkerID, it item) {
	ctx, cancel := context.WithCancel(context.Background())
	p.trackJob(it.j.ID.String(), cancel)

	final := p.executor.Execute(ctx, it.j.ID, workerID)

	p.untrackJob(it.j.ID.String())
	cancel()
	p.active.Add(-1)

	if it.onDone != nil {
		it.onDone(final)
	}
}

func (p *Pool) trackJob(jobID string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.activeJobs[jobID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrackJob(jobID string) {
	p.activeMu.Lock()
	delete(p.activeJobs, jobID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActiveJobs() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for jobID, cancel := range p.activeJobs {
		p.logger.Warn("cancelling active job", slog.String("job_id", jobID))
		cancel()
	}
}
