package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/substratehq/substrate"
	"github.com/substratehq/substrate/backoff"
	"github.com/substratehq/substrate/cleanup"
	"github.com/substratehq/substrate/ext"
	"github.com/substratehq/substrate/id"
	"github.com/substratehq/substrate/job"
	mw "github.com/substratehq/substrate/middleware"
	"github.com/substratehq/substrate/monitor"
	"github.com/substratehq/substrate/queue"
	"github.com/substratehq/substrate/stream"
	"github.com/substratehq/substrate/worker"
)

// instrumentationScope names the OTel scope for engine-level telemetry.
const instrumentationScope = "github.com/substratehq/substrate"

// Engine is the top-level coordinator. It accepts jobs, schedules them
// under resource-aware admission control, and tracks them to a terminal
// state.
type Engine struct {
	cfg    substrate.Config
	logger *slog.Logger

	registry   *job.Registry
	extensions *ext.Registry
	broker     *stream.Broker
	wiper      *cleanup.Wiper
	mon        *monitor.Monitor
	pq         *queue.PriorityQueue
	km         *queue.Manager
	pool       *worker.Pool
	bo         backoff.Strategy
	sweeper    *cron.Cron

	// Extra configuration gathered from options before wiring.
	extraMws       []mw.Middleware
	kindConfigs    []queue.KindConfig
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	// wake nudges the dispatch loop when capacity frees up or work
	// arrives, so it doesn't sit out a full idle poll.
	wake chan struct{}

	mu        sync.Mutex
	running   bool
	loopGroup *errgroup.Group
	loopStop  context.CancelFunc
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig replaces the default configuration.
func WithConfig(cfg substrate.Config) Option {
	return func(eng *Engine) { eng.cfg = cfg }
}

// WithMonitor replaces the default resource monitor. Useful for injecting
// a monitor with a custom probe.
func WithMonitor(m *monitor.Monitor) Option {
	return func(eng *Engine) { eng.mon = m }
}

// WithKindConfig registers per-kind concurrency caps and rate limits.
// Kinds not listed are unlimited.
func WithKindConfig(configs ...queue.KindConfig) Option {
	return func(eng *Engine) { eng.kindConfigs = append(eng.kindConfigs, configs...) }
}

// WithExtension registers a lifecycle extension with the engine.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) { eng.extensions.Register(e) }
}

// WithMiddleware appends middleware to the default execution chain.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) { eng.extraMws = append(eng.extraMws, m) }
}

// WithDenialBackoff sets the delay strategy applied between dispatch
// attempts after an admission denial. Defaults to a constant 400ms.
func WithDenialBackoff(b backoff.Strategy) Option {
	return func(eng *Engine) { eng.bo = b }
}

// WithTracerProvider sets a custom OTel TracerProvider. If not set, the
// global provider is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) { eng.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider. If not set, the
// global provider is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) { eng.meterProvider = mp }
}

// New creates an Engine with the given options. Call Start before
// submitting work.
func New(logger *slog.Logger, opts ...Option) *Engine {
	eng := &Engine{
		cfg:        substrate.DefaultConfig(),
		logger:     logger,
		registry:   job.NewRegistry(),
		extensions: ext.NewRegistry(logger),
		pq:         queue.New(),
		wake:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(eng)
	}
	cfg := eng.cfg

	if eng.bo == nil {
		eng.bo = backoff.DefaultStrategy()
	}
	if eng.mon == nil {
		eng.mon = monitor.New(logger,
			monitor.WithSampleInterval(cfg.SampleInterval),
			monitor.WithThresholds(cfg.WarningThreshold, cfg.CriticalThreshold, cfg.DangerThreshold),
			monitor.WithWorkerBounds(cfg.MinWorkers, cfg.MaxWorkers),
		)
	}

	eng.km = queue.NewManager(eng.kindConfigs...)
	eng.wiper = cleanup.NewWiper(logger)

	// The stream broker observes the same lifecycle hooks as any other
	// extension. Registered first so stream consumers see events before
	// user extensions can act on them.
	eng.broker = stream.NewBroker(logger)
	brokerFirst := ext.NewRegistry(logger)
	brokerFirst.Register(eng.broker)
	for _, e := range eng.extensions.Extensions() {
		brokerFirst.Register(e)
	}
	eng.extensions = brokerFirst

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(eng.tracerProvider.Tracer(instrumentationScope))
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(eng.meterProvider.Meter(instrumentationScope))
	} else {
		metricsMw = mw.Metrics()
	}

	// Default chain: recover → tracing → metrics → logging → deadline.
	allMws := []mw.Middleware{
		mw.Recover(logger),
		tracingMw,
		metricsMw,
		mw.Logging(logger),
		mw.Deadline(logger),
	}
	allMws = append(allMws, eng.extraMws...)

	executor := worker.NewExecutor(eng.registry, eng.extensions, eng.wiper, logger,
		worker.WithOrphanGrace(cfg.OrphanGrace),
		worker.WithMiddleware(allMws...),
	)
	eng.pool = worker.NewPool(executor, logger, worker.WithPoolSize(cfg.PoolSize))
	eng.sweeper = cron.New()

	return eng
}

// Wiper returns the artifact wiper, for callers that register paths on a
// job's behalf outside the task itself.
func (eng *Engine) Wiper() *cleanup.Wiper { return eng.wiper }

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Registry returns the job registry.
func (eng *Engine) Registry() *job.Registry { return eng.registry }

// Monitor returns the resource monitor.
func (eng *Engine) Monitor() *monitor.Monitor { return eng.mon }

// ── Lifecycle ───────────────────────────────────────

// Start launches the resource monitor, worker pool, dispatch loop,
// degradation loop, and retention sweep.
func (eng *Engine) Start(_ context.Context) error {
	eng.mu.Lock()
	defer eng.mu.Unlock()

	if eng.running {
		return substrate.ErrAlreadyRunning
	}

	// The caller's ctx only scopes startup; background loops live until
	// Stop.
	if err := eng.mon.Start(context.Background()); err != nil {
		return err
	}
	if err := eng.pool.Start(context.Background()); err != nil {
		eng.mon.Stop()
		return err
	}

	if _, err := eng.sweeper.AddFunc(eng.cfg.SweepSchedule, eng.sweepRetention); err != nil {
		eng.mon.Stop()
		return err
	}
	eng.sweeper.Start()

	loopCtx, cancel := context.WithCancel(context.Background())
	group, loopCtx := errgroup.WithContext(loopCtx)
	group.Go(func() error { return eng.superviseDispatch(loopCtx) })
	group.Go(func() error { return eng.degradationLoop(loopCtx) })
	eng.loopGroup = group
	eng.loopStop = cancel

	eng.running = true
	eng.logger.Info("engine started",
		slog.Int("pool_size", eng.cfg.PoolSize),
		slog.Duration("sample_interval", eng.cfg.SampleInterval),
	)
	return nil
}

// Stop shuts the engine down. Queued jobs are cancelled; running jobs get
// until the context deadline (or the configured shutdown timeout) to
// finish before their contexts are cut.
func (eng *Engine) Stop(ctx context.Context) error {
	eng.mu.Lock()
	if !eng.running {
		eng.mu.Unlock()
		return nil
	}
	eng.running = false
	eng.mu.Unlock()

	eng.logger.Info("engine stopping")

	sweepCtx := eng.sweeper.Stop()
	eng.loopStop()
	_ = eng.loopGroup.Wait()

	// Cancel everything still queued.
	for {
		entry, ok := eng.pq.Pop()
		if !ok {
			break
		}
		if _, snap, won := eng.registry.Cancel(entry.JobID, "engine shutdown"); won {
			eng.extensions.EmitJobCancelled(context.Background(), &snap)
			eng.runCleanup(entry.JobID)
		}
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, eng.cfg.ShutdownTimeout)
		defer cancel()
	}
	if err := eng.pool.Stop(ctx); err != nil {
		return err
	}

	eng.mon.Stop()
	<-sweepCtx.Done()
	eng.extensions.EmitShutdown(context.Background())
	eng.logger.Info("engine stopped")
	return nil
}

func (eng *Engine) isRunning() bool {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	return eng.running
}

// ── Caller-facing operations ────────────────────────

// submitOptions collects per-job submission settings.
type submitOptions struct {
	priority job.Priority
	timeout  time.Duration
}

// SubmitOption configures a single submission.
type SubmitOption func(*submitOptions)

// WithPriority sets the job's priority class. Defaults to PriorityNormal.
func WithPriority(p job.Priority) SubmitOption {
	return func(o *submitOptions) { o.priority = p }
}

// WithTimeout sets the job's execution deadline. Zero means no deadline.
func WithTimeout(d time.Duration) SubmitOption {
	return func(o *submitOptions) { o.timeout = d }
}

// Submit queues a task for execution and returns the accepted job
// snapshot. The job is durable in the registry from this point: Status,
// Cancel, and Subscribe all work immediately, even before a worker picks
// the job up.
func (eng *Engine) Submit(ctx context.Context, kind string, task job.Task, opts ...SubmitOption) (job.Job, error) {
	if !eng.isRunning() {
		return job.Job{}, substrate.ErrNotRunning
	}
	if task == nil {
		return job.Job{}, substrate.ErrNilTask
	}

	o := submitOptions{priority: job.PriorityNormal}
	for _, opt := range opts {
		opt(&o)
	}
	if !o.priority.Valid() {
		return job.Job{}, substrate.ErrInvalidPriority
	}

	j := &job.Job{
		ID:          id.NewJobID(),
		Kind:        kind,
		Priority:    o.priority,
		State:       job.StateQueued,
		Timeout:     o.timeout,
		SubmittedAt: time.Now().UTC(),
		Task:        task,
	}
	if err := eng.registry.Insert(j); err != nil {
		return job.Job{}, err
	}

	eng.pq.Push(j.ID, j.Priority)
	eng.extensions.EmitJobQueued(ctx, j)
	eng.nudge()

	eng.logger.Debug("job submitted",
		slog.String("job_id", j.ID.String()),
		slog.String("job_kind", kind),
		slog.String("priority", o.priority.String()),
	)
	return *j, nil
}

// Status returns the current snapshot of a job.
func (eng *Engine) Status(jobID id.JobID) (job.Job, error) {
	return eng.registry.Get(jobID)
}

// Cancel requests cancellation of a job. A queued job is cancelled
// immediately; a running job is reported cancelled immediately while its
// task is cut cooperatively in the background. Cancelling a terminal job
// returns ErrTerminalState; cancelling twice returns ErrTerminalState on
// the second call.
func (eng *Engine) Cancel(ctx context.Context, jobID id.JobID) (job.Job, error) {
	prev, snap, won := eng.registry.Cancel(jobID, "cancelled by caller")
	if !won {
		if j, err := eng.registry.Get(jobID); err == nil {
			return j, substrate.ErrTerminalState
		}
		return job.Job{}, substrate.ErrJobNotFound
	}

	eng.extensions.EmitJobCancelled(ctx, &snap)

	switch prev {
	case job.StateRunning:
		// The worker observes the context cut, waits out the task, and
		// cleans up.
		eng.pool.CancelJob(jobID)
	case job.StateQueued:
		// No worker will ever own this job; wipe whatever was
		// registered up front. The stale queue entry is skipped at
		// dispatch.
		go eng.runCleanup(jobID)
	}

	eng.logger.Info("job cancelled",
		slog.String("job_id", jobID.String()),
		slog.String("previous_state", string(prev)),
	)
	return snap, nil
}

// Subscribe attaches to a job's event stream. Subscribing to a finished
// job yields its terminal event immediately.
func (eng *Engine) Subscribe(jobID id.JobID) (*stream.Subscription, error) {
	if _, err := eng.registry.Get(jobID); err != nil {
		return nil, err
	}
	return eng.broker.Subscribe(jobID), nil
}

// Unsubscribe detaches a subscription before its job finishes.
func (eng *Engine) Unsubscribe(sub *stream.Subscription) {
	eng.broker.Unsubscribe(sub)
}

// RegisterArtifact records a filesystem path to be securely wiped when
// the job reaches a terminal state.
func (eng *Engine) RegisterArtifact(jobID id.JobID, path string) error {
	j, err := eng.registry.Get(jobID)
	if err != nil {
		return err
	}
	if j.State.IsTerminal() {
		return substrate.ErrTerminalState
	}
	eng.wiper.Register(jobID, path)
	return nil
}

// Health is a point-in-time view of the engine and its host.
type Health struct {
	Running bool `json:"running"`

	CPUPercent   float64 `json:"cpu_percent"`
	RAMPercent   float64 `json:"ram_percent"`
	ProcessRSSMB float64 `json:"process_rss_mb"`
	Tier         string  `json:"tier"`

	AdmissionOpen bool `json:"admission_open"`

	PoolSize      int `json:"pool_size"`
	BusyLimit     int `json:"busy_limit"`
	ActiveWorkers int `json:"active_workers"`
	QueueDepth    int `json:"queue_depth"`
	JobsQueued    int `json:"jobs_queued"`
	JobsRunning   int `json:"jobs_running"`

	Stream stream.BrokerStats `json:"stream"`
}

// Health reports current resource readings, admission state, and load.
func (eng *Engine) Health() Health {
	s := eng.mon.Current()
	return Health{
		Running:       eng.isRunning(),
		CPUPercent:    s.CPUPercent,
		RAMPercent:    s.RAMPercent,
		ProcessRSSMB:  s.ProcessRSSMB,
		Tier:          eng.mon.TierOf(s).String(),
		AdmissionOpen: eng.mon.CanAdmit("").Allowed,
		PoolSize:      eng.pool.Size(),
		BusyLimit:     eng.pool.BusyLimit(),
		ActiveWorkers: eng.pool.ActiveCount(),
		QueueDepth:    eng.pq.Len(),
		JobsQueued:    eng.registry.CountByState(job.StateQueued),
		JobsRunning:   eng.registry.CountByState(job.StateRunning),
		Stream:        eng.broker.Stats(),
	}
}

// runCleanup wipes a job's artifacts and reports failures through hooks.
func (eng *Engine) runCleanup(jobID id.JobID) {
	for _, f := range eng.wiper.Run(context.Background(), jobID) {
		eng.extensions.EmitCleanupFailed(context.Background(), jobID, f.Path, f.Err)
	}
}

// nudge wakes the dispatch loop without blocking.
func (eng *Engine) nudge() {
	select {
	case eng.wake <- struct{}{}:
	default:
	}
}
