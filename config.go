package substrate

import "time"

// Config holds configuration for the engine and its subsystems.
type Config struct {
	// PoolSize is the number of worker handles. Handles are allocated once
	// at startup; the engine may choose to keep fewer of them busy under
	// resource pressure, but the pool itself is never resized mid-job.
	PoolSize int

	// SampleInterval is how often the resource monitor samples CPU and
	// memory utilization.
	SampleInterval time.Duration

	// WarningThreshold, CriticalThreshold and DangerThreshold are the
	// tiered admission thresholds, in percent of CPU or RAM. Admission is
	// denied at or above CriticalThreshold.
	WarningThreshold  float64
	CriticalThreshold float64
	DangerThreshold   float64

	// MinWorkers and MaxWorkers bound the concurrency recommended by the
	// resource monitor. MinWorkers is never below 1.
	MinWorkers int
	MaxWorkers int

	// IdlePoll is how long the dispatch loop sleeps when the queue is
	// empty before re-checking.
	IdlePoll time.Duration

	// OrphanGrace is how long a worker waits for a timed-out or cancelled
	// task to observe its cancellation token before abandoning it and
	// accepting new work.
	OrphanGrace time.Duration

	// DegradeAfterSamples is the number of consecutive critical samples
	// before the engine reduces the number of handles it keeps busy. The
	// same count of calm samples restores full concurrency.
	DegradeAfterSamples int

	// Retention is how long terminal jobs stay in the in-memory registry
	// before the sweep evicts them.
	Retention time.Duration

	// SweepSchedule is a cron expression (robfig/cron syntax, descriptors
	// like "@every 10m" allowed) controlling when the retention sweep runs.
	SweepSchedule string

	// RestartDelay is how long the engine waits before restarting the
	// dispatch loop after a dispatcher fault.
	RestartDelay time.Duration

	// ShutdownTimeout is the maximum time Stop waits for in-flight jobs
	// before cancelling them.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		PoolSize:            4,
		SampleInterval:      1 * time.Second,
		WarningThreshold:    75,
		CriticalThreshold:   85,
		DangerThreshold:     95,
		MinWorkers:          1,
		MaxWorkers:          4,
		IdlePoll:            200 * time.Millisecond,
		OrphanGrace:         30 * time.Second,
		DegradeAfterSamples: 3,
		Retention:           1 * time.Hour,
		SweepSchedule:       "@every 10m",
		RestartDelay:        1 * time.Second,
		ShutdownTimeout:     30 * time.Second,
	}
}
