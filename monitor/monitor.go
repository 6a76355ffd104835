// Package monitor provides the resource monitor: a background sampler of
// CPU and memory utilization whose latest snapshot drives admission control
// and the recommended worker concurrency.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// Sample is an immutable snapshot of resource utilization. Readers never
// observe a partially updated sample. A non-nil Err marks the sample as
// unknown; admission treats unknown conservatively.
type Sample struct {
	Timestamp    time.Time
	CPUPercent   float64
	RAMPercent   float64
	ProcessRSSMB float64
	Err          error
}

// Tier classifies resource pressure against the configured thresholds.
type Tier int

const (
	TierNormal Tier = iota
	TierWarning
	TierCritical
	TierDanger
)

// String returns the lowercase tier name.
func (t Tier) String() string {
	switch t {
	case TierNormal:
		return "normal"
	case TierWarning:
		return "warning"
	case TierCritical:
		return "critical"
	case TierDanger:
		return "danger"
	}
	return "unknown"
}

// Decision is the admission verdict derived from the current sample. It is
// recomputed on every dispatch attempt, never stored.
type Decision struct {
	Allowed bool
	Tier    Tier
	Reason  string
}

// Probe takes one utilization measurement. Injectable for tests; the
// default probe reads from gopsutil.
type Probe func(ctx context.Context) (cpuPct, ramPct, rssMB float64, err error)

// Monitor samples resource utilization at a fixed interval and exposes the
// latest snapshot, tiered admission, and a recommended worker count.
type Monitor struct {
	logger   *slog.Logger
	interval time.Duration
	probe    Probe

	warning  float64
	critical float64
	danger   float64

	minWorkers int
	maxWorkers int

	sample atomic.Pointer[Sample]

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithSampleInterval sets how often the monitor samples. Default 1s.
func WithSampleInterval(d time.Duration) Option {
	return func(m *Monitor) { m.interval = d }
}

// WithThresholds sets the warning, critical, and danger tiers in percent.
func WithThresholds(warning, critical, danger float64) Option {
	return func(m *Monitor) {
		m.warning = warning
		m.critical = critical
		m.danger = danger
	}
}

// WithWorkerBounds sets the bounds for RecommendedConcurrency. The minimum
// is never allowed below 1.
func WithWorkerBounds(minWorkers, maxWorkers int) Option {
	return func(m *Monitor) {
		if minWorkers < 1 {
			minWorkers = 1
		}
		if maxWorkers < minWorkers {
			maxWorkers = minWorkers
		}
		m.minWorkers = minWorkers
		m.maxWorkers = maxWorkers
	}
}

// WithProbe replaces the gopsutil probe. Used in tests to simulate pressure.
func WithProbe(p Probe) Option {
	return func(m *Monitor) { m.probe = p }
}

// New creates a Monitor. No sample exists until Start has run at least one
// probe; until then CanAdmit denies conservatively.
func New(logger *slog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		logger:     logger,
		interval:   time.Second,
		probe:      gopsutilProbe(),
		warning:    75,
		critical:   85,
		danger:     95,
		minWorkers: 1,
		maxWorkers: 4,
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// gopsutilProbe reads CPU percent, system RAM percent, and this process's
// RSS. The zero-interval cpu.Percent call compares against the previous
// call, which the sampling loop makes every interval.
func gopsutilProbe() Probe {
	proc, procErr := process.NewProcess(int32(os.Getpid()))

	return func(ctx context.Context) (float64, float64, float64, error) {
		cpuPcts, err := cpu.PercentWithContext(ctx, 0, false)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("cpu sample: %w", err)
		}
		var cpuPct float64
		if len(cpuPcts) > 0 {
			cpuPct = cpuPcts[0]
		}

		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("memory sample: %w", err)
		}

		var rssMB float64
		if procErr == nil {
			if info, err := proc.MemoryInfoWithContext(ctx); err == nil {
				rssMB = float64(info.RSS) / (1024 * 1024)
			}
		}

		return cpuPct, vm.UsedPercent, rssMB, nil
	}
}

// Start launches the background sampling loop. Idempotent.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}
	m.running = true
	m.stopCh = make(chan struct{})

	m.logger.Info("resource monitor starting",
		slog.Duration("interval", m.interval),
		slog.Float64("warning", m.warning),
		slog.Float64("critical", m.critical),
		slog.Float64("danger", m.danger),
	)

	// Take one sample synchronously so admission has data immediately.
	m.sampleOnce(ctx)

	m.wg.Add(1)
	go m.sampleLoop(ctx)
	return nil
}

// Stop halts the sampling loop and waits for it to exit. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("resource monitor stopped")
}

func (m *Monitor) sampleLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sampleOnce(ctx)
		}
	}
}

func (m *Monitor) sampleOnce(ctx context.Context) {
	cpuPct, ramPct, rssMB, err := m.probe(ctx)
	s := &Sample{
		Timestamp:    time.Now().UTC(),
		CPUPercent:   cpuPct,
		RAMPercent:   ramPct,
		ProcessRSSMB: rssMB,
	}
	if err != nil {
		// Unknown sample. CanAdmit fails safe on it.
		s.Err = err
		s.CPUPercent = -1
		s.RAMPercent = -1
		s.ProcessRSSMB = -1
		m.logger.Warn("resource sample failed", slog.String("error", err.Error()))
	}
	m.sample.Store(s)
}

// Current returns the latest snapshot without blocking. Before the first
// sample it returns an unknown sample.
func (m *Monitor) Current() Sample {
	if s := m.sample.Load(); s != nil {
		return *s
	}
	return Sample{Timestamp: time.Now().UTC(), CPUPercent: -1, RAMPercent: -1, ProcessRSSMB: -1, Err: errNoSample}
}

var errNoSample = fmt.Errorf("monitor: no sample taken yet")

// TierOf classifies a sample. Unknown samples classify as danger so that
// every consumer treats them as maximum pressure.
func (m *Monitor) TierOf(s Sample) Tier {
	if s.Err != nil {
		return TierDanger
	}
	load := max(s.CPUPercent, s.RAMPercent)
	switch {
	case load >= m.danger:
		return TierDanger
	case load >= m.critical:
		return TierCritical
	case load >= m.warning:
		return TierWarning
	}
	return TierNormal
}

// CanAdmit evaluates the tiered thresholds against the current sample and
// returns the admission verdict for a job of the given kind. Admission is
// denied at or above the critical tier, and denied conservatively when the
// sample is unknown (fail safe, not fail open).
func (m *Monitor) CanAdmit(kind string) Decision {
	s := m.Current()

	if s.Err != nil {
		return Decision{
			Allowed: false,
			Tier:    TierDanger,
			Reason:  fmt.Sprintf("resource sample unavailable, deferring %s: %v", kind, s.Err),
		}
	}

	tier := m.TierOf(s)
	if tier >= TierCritical {
		return Decision{
			Allowed: false,
			Tier:    tier,
			Reason: fmt.Sprintf("%s pressure: cpu %.1f%%, ram %.1f%% at or above %.0f%%",
				tier, s.CPUPercent, s.RAMPercent, m.critical),
		}
	}

	return Decision{Allowed: true, Tier: tier, Reason: "resources within limits"}
}

// RecommendedConcurrency derives a safe worker count from current headroom,
// bounded by the configured minimum and maximum.
func (m *Monitor) RecommendedConcurrency() int {
	switch m.TierOf(m.Current()) {
	case TierDanger, TierCritical:
		return m.minWorkers
	case TierWarning:
		n := m.maxWorkers / 2
		if n < m.minWorkers {
			n = m.minWorkers
		}
		return n
	}
	return m.maxWorkers
}
