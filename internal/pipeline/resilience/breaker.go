// Package resilience guards calls to external collaborators (generation,
// retrieval, embedding) with per-call timeouts and circuit breakers.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// State is the state of a circuit breaker.
type State int

const (
	// Closed lets every call through.
	Closed State = iota

	// Open rejects calls until the recovery timeout elapses.
	Open

	// HalfOpen lets a single probe through.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	// ErrOpen is returned while the breaker rejects calls.
	ErrOpen = errors.New("circuit breaker is open")

	// ErrProbeInFlight is returned when a half-open breaker is already probing.
	ErrProbeInFlight = errors.New("circuit breaker half-open: probe in progress")
)

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that open the
	// breaker. Default: 5
	FailureThreshold int

	// RecoveryTimeout is how long an open breaker waits before probing.
	// Default: 30 seconds
	RecoveryTimeout time.Duration

	// OnStateChange is invoked asynchronously on every transition.
	OnStateChange func(name string, from, to State)
}

// DefaultBreakerConfig returns the default configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
	}
}

// Breaker is a consecutive-failure circuit breaker for one collaborator.
type Breaker struct {
	name   string
	config BreakerConfig
	now    func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	openedAt    time.Time
	probing     bool
	stats       BreakerStats
	lastChanged time.Time
}

// BreakerStats counts breaker outcomes.
type BreakerStats struct {
	Calls       int64     `json:"calls"`
	Failures    int64     `json:"failures"`
	Rejections  int64     `json:"rejections"`
	State       string    `json:"state"`
	LastChanged time.Time `json:"last_changed"`
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, config BreakerConfig) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 30 * time.Second
	}
	return &Breaker{
		name:        name,
		config:      config,
		now:         time.Now,
		lastChanged: time.Now(),
	}
}

// Name returns the collaborator name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state, moving an expired open breaker to
// half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.openedAt) >= b.config.RecoveryTimeout {
		b.transition(HalfOpen)
	}
	return b.state
}

// Stats returns a snapshot of the counters.
func (b *Breaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.State = b.state.String()
	s.LastChanged = b.lastChanged
	return s
}

// Reset closes the breaker.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(Closed)
	b.failures = 0
	b.probing = false
}

// acquire reserves a call slot.
func (b *Breaker) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) < b.config.RecoveryTimeout {
			b.stats.Rejections++
			return ErrOpen
		}
		b.transition(HalfOpen)
		b.probing = true
	case HalfOpen:
		if b.probing {
			b.stats.Rejections++
			return ErrProbeInFlight
		}
		b.probing = true
	}
	b.stats.Calls++
	return nil
}

// release records the outcome of a call reserved by acquire. Calls that
// ended because the caller cancelled are neutral.
func (b *Breaker) release(failed, neutral bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	wasProbe := b.state == HalfOpen
	b.probing = false
	if neutral {
		return
	}
	if !failed {
		b.failures = 0
		if wasProbe {
			b.transition(Closed)
		}
		return
	}

	b.stats.Failures++
	b.failures++
	if wasProbe || b.failures >= b.config.FailureThreshold {
		b.openedAt = b.now()
		b.transition(Open)
	}
}

// transition must be called with the lock held.
func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.lastChanged = b.now()
	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(b.name, from, to)
	}
}

// Registry holds one breaker per collaborator.
type Registry struct {
	config   BreakerConfig
	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers share config.
func NewRegistry(config BreakerConfig) *Registry {
	return &Registry{
		config:   config,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = NewBreaker(name, r.config)
	r.breakers[name] = b
	return b
}

// Stats returns the stats of every breaker keyed by name.
func (r *Registry) Stats() map[string]BreakerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]BreakerStats, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.Stats()
	}
	return out
}
