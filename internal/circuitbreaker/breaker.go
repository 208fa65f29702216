// Package circuitbreaker implements the per-worker circuit breaker that
// isolates failures of one named upstream collaborator from the rest of the
// pipeline.
//
// # State machine
//
//	Closed ──(failure_count ≥ failure_threshold)──► Open ──(recovery_timeout elapsed)──► HalfOpen
//	  ▲                                                                                        │
//	  └──────────────(success_threshold probes succeed)──────────────────────────────────────┘
//	                  (any probe fails) ────────────────────────────────────────────────► Open
//
// # Why consecutive counters, not a sliding window
//
// The breaker gates a single named worker call, not a high-volume traffic
// class: a handful of consecutive failures from one upstream is already a
// meaningful signal, and a sliding error-rate window would mask a brief
// total outage behind a long history of prior successes. Consecutive
// counters also make the state machine exactly reproducible in tests (see
// breaker_test.go) without depending on wall-clock window boundaries.
//
// # Concurrency
//
// All public methods (Allow, RecordSuccess, RecordFailure, State, Stats,
// Reset) are safe for concurrent use; they acquire the breaker's own mutex
// for every call, per the shared-resource policy that breaker state is
// shared by all concurrent callers of one worker name. The Registry uses a
// separate read-write mutex so the common read path (Get for an existing
// breaker) does not contend with the rare write path (new worker name
// registered).
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/oriys/orbiq/internal/domain"
	"github.com/oriys/orbiq/internal/metrics"
)

// State is re-exported from domain so callers can use either package's
// constants; the breaker's internal bookkeeping uses domain.BreakerState
// directly to avoid a duplicate enum.
type State = domain.BreakerState

const (
	StateClosed   = domain.BreakerClosed
	StateOpen     = domain.BreakerOpen
	StateHalfOpen = domain.BreakerHalfOpen
)

// Config holds one breaker's thresholds.
type Config struct {
	FailureThreshold int           // consecutive failures to trip Closed -> Open
	SuccessThreshold int           // consecutive half-open successes to close
	RecoveryTimeout  time.Duration // Open -> HalfOpen after this elapses
}

// Breaker is a per-worker-name circuit breaker.
type Breaker struct {
	mu sync.Mutex

	name string
	cfg  Config

	state State

	failureCount      int // consecutive failures, reset to 0 on success while Closed
	halfOpenSuccesses int // consecutive half-open successes

	totalRequests       int64
	totalSuccesses      int64
	totalFailures       int64
	circuitBlockedCount int64

	openedAt      time.Time
	lastFailureAt time.Time
}

// New creates a breaker with the given name and configuration, applying the
// spec's default thresholds (failure_threshold=5, recovery_timeout=60s,
// success_threshold=2) for any zero field.
func New(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 60 * time.Second
	}
	return &Breaker{name: name, cfg: cfg, state: StateClosed}
}

// maybeTransitionToHalfOpen checks the Open -> HalfOpen clock transition.
// Must be called under lock.
func (b *Breaker) maybeTransitionToHalfOpen(now time.Time) {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.cfg.RecoveryTimeout {
		b.state = StateHalfOpen
		b.halfOpenSuccesses = 0
	}
}

// Allow reports whether a call should be permitted through the breaker. A
// refusal because the breaker is Open does not itself count as a failure.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeTransitionToHalfOpen(time.Now())

	if b.state == StateOpen {
		b.circuitBlockedCount++
		return false
	}
	return true
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++
	b.totalSuccesses++

	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failureCount = 0
			b.halfOpenSuccesses = 0
		}
	}
	metrics.SetCircuitBreakerState(b.name, stateGauge(b.state))
}

// RecordFailure records a failed call. Timeouts imposed by the executor
// count as failures here, same as any other error from the wrapped call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.totalRequests++
	b.totalFailures++
	b.lastFailureAt = now

	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.openedAt = now
			metrics.Global().RecordBreakerTrip(b.name)
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = now
		b.halfOpenSuccesses = 0
		metrics.Global().RecordBreakerTrip(b.name)
	}
	metrics.SetCircuitBreakerState(b.name, stateGauge(b.state))
}

// stateGauge maps a breaker state to the Prometheus gauge convention
// (0=closed, 1=open, 2=half_open).
func stateGauge(s State) int {
	switch s {
	case StateOpen:
		return 1
	case StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// State returns the current state, resolving the Open -> HalfOpen clock
// transition lazily on read.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTransitionToHalfOpen(time.Now())
	return b.state
}

// Stats returns the observability snapshot named in §4.1.
func (b *Breaker) Stats() domain.BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTransitionToHalfOpen(time.Now())

	var rate float64
	if b.totalRequests > 0 {
		rate = float64(b.totalFailures) / float64(b.totalRequests)
	}

	return domain.BreakerSnapshot{
		Name:                b.name,
		State:               b.state,
		FailureCount:        b.failureCount,
		SuccessCount:        b.halfOpenSuccesses,
		TotalRequests:       b.totalRequests,
		TotalSuccesses:      b.totalSuccesses,
		TotalFailures:       b.totalFailures,
		CircuitBlockedCount: b.circuitBlockedCount,
		FailureRate:         rate,
		OpenedAt:            b.openedAt,
		LastFailureAt:       b.lastFailureAt,
	}
}

// Reset administratively returns the breaker to Closed with all counters
// cleared.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failureCount = 0
	b.halfOpenSuccesses = 0
	b.totalRequests = 0
	b.totalSuccesses = 0
	b.totalFailures = 0
	b.circuitBlockedCount = 0
	b.openedAt = time.Time{}
	b.lastFailureAt = time.Time{}
}

// Registry holds per-worker-name circuit breakers.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      Config // default config applied to breakers created via Get
}

// NewRegistry creates a breaker registry that lazily creates breakers using
// defaultCfg the first time a worker name is seen.
func NewRegistry(defaultCfg Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		cfg:      defaultCfg,
	}
}

// Get returns the breaker for name, creating one with the registry's default
// config on first use.
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
	b = New(name, r.cfg)
	r.breakers[name] = b
	return b
}

// Remove deletes the breaker registered under name.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	delete(r.breakers, name)
	r.mu.Unlock()
}

// Snapshot returns every registered breaker's stats, for observability.
func (r *Registry) Snapshot() map[string]domain.BreakerSnapshot {
	r.mu.RLock()
	names := make([]string, 0, len(r.breakers))
	breakers := make([]*Breaker, 0, len(r.breakers))
	for name, b := range r.breakers {
		names = append(names, name)
		breakers = append(breakers, b)
	}
	r.mu.RUnlock()

	out := make(map[string]domain.BreakerSnapshot, len(names))
	for i, name := range names {
		out[name] = breakers[i].Stats()
	}
	return out
}
