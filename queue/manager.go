package queue

import (
	"sync"

	"golang.org/x/time/rate"
)

// KindConfig defines per-kind behaviour such as rate limiting and
// concurrency. Kinds not configured have no kind-specific limits
// (pool-wide concurrency still applies).
type KindConfig struct {
	// Kind is the job kind label this config applies to.
	Kind string

	// MaxConcurrency limits how many jobs of this kind may run
	// simultaneously. Zero means no kind-specific limit.
	MaxConcurrency int

	// RateLimit is the maximum sustained dispatches per second for this
	// kind. Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the burst size for the token-bucket rate limiter.
	// Defaults to 1 if RateLimit is set but RateBurst is zero.
	RateBurst int
}

// kindState tracks runtime state for a single kind.
type kindState struct {
	config  KindConfig
	limiter *rate.Limiter
	active  int
}

// Manager controls per-kind rate limiting and concurrency. The dispatch
// loop calls Acquire before handing a job to a worker and Release after
// execution completes. Safe for concurrent use.
type Manager struct {
	mu    sync.Mutex
	kinds map[string]*kindState
}

// NewManager creates a Manager with the given kind configurations.
func NewManager(configs ...KindConfig) *Manager {
	m := &Manager{kinds: make(map[string]*kindState, len(configs))}
	for _, cfg := range configs {
		m.kinds[cfg.Kind] = newKindState(cfg)
	}
	return m
}

func newKindState(cfg KindConfig) *kindState {
	ks := &kindState{config: cfg}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		ks.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return ks
}

// Acquire checks rate limits and concurrency for the given kind. If the
// job may proceed it increments the active counter and returns true. The
// caller MUST call Release when the job completes.
func (m *Manager) Acquire(kind string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ks := m.kinds[kind]
	if ks == nil {
		return true
	}
	if ks.limiter != nil && !ks.limiter.Allow() {
		return false
	}
	if ks.config.MaxConcurrency > 0 && ks.active >= ks.config.MaxConcurrency {
		return false
	}
	ks.active++
	return true
}

// Release decrements the active count for the kind.
func (m *Manager) Release(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ks := m.kinds[kind]; ks != nil && ks.active > 0 {
		ks.active--
	}
}

// SetKindConfig dynamically updates (or creates) a kind configuration,
// preserving the current active count.
func (m *Manager) SetKindConfig(cfg KindConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.kinds[cfg.Kind]
	ks := newKindState(cfg)
	if existing != nil {
		ks.active = existing.active
	}
	m.kinds[cfg.Kind] = ks
}

// ActiveCount returns the current number of active jobs for a kind.
func (m *Manager) ActiveCount(kind string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ks := m.kinds[kind]; ks != nil {
		return ks.active
	}
	return 0
}
