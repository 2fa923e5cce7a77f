package resilience

import (
	"sync"
	"time"

	"github.com/itskum47/forgeci/control_plane/observability"
)

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitHalfOpen                     // Testing recovery
	CircuitOpen                         // Rejecting new work
)

func (cs CircuitState) String() string {
	switch cs {
	case CircuitClosed:
		return "closed"
	case CircuitHalfOpen:
		return "half_open"
	case CircuitOpen:
		return "open"
	default:
		return "unknown"
	}
}

// CircuitBreaker opens on either of two signals: load (queue depth above
// threshold, see ShouldAdmit) or repeated downstream failures (see
// RecordFailure). After the cooldown a few test calls go through before the
// circuit closes again.
type CircuitBreaker struct {
	name  string
	state CircuitState
	mu    sync.RWMutex

	// Configuration
	queueThreshold   int           // Max queue depth before opening
	failureThreshold int           // Consecutive failures before opening
	cooldownPeriod   time.Duration // Time before half-open

	// State tracking
	openedAt  time.Time
	failures  int
	testCount int // Number of test requests in half-open state
	testLimit int // Number of successes needed to close

	now func() time.Time
}

// NewCircuitBreaker creates a new circuit breaker with production defaults.
// A queueThreshold <= 0 disables the load signal.
func NewCircuitBreaker(name string, queueThreshold int) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:             name,
		state:            CircuitClosed,
		queueThreshold:   queueThreshold,
		failureThreshold: 5,
		cooldownPeriod:   30 * time.Second,
		testLimit:        5,
		now:              time.Now,
	}
	cb.report()
	return cb
}

// WithCooldown overrides the open period. Used by tests.
func (cb *CircuitBreaker) WithCooldown(d time.Duration) *CircuitBreaker {
	cb.cooldownPeriod = d
	return cb
}

// ShouldAdmit determines if new work should be admitted given the current queue depth.
func (cb *CircuitBreaker) ShouldAdmit(queueDepth int) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	defer cb.report()

	cb.maybeHalfOpen()

	if cb.state == CircuitHalfOpen {
		if cb.testCount < cb.testLimit {
			cb.testCount++
			return true
		}
		if cb.queueThreshold <= 0 || queueDepth < cb.queueThreshold/2 {
			cb.state = CircuitClosed
			cb.failures = 0
			return true
		}
		return false
	}

	if cb.queueThreshold > 0 && queueDepth > cb.queueThreshold {
		cb.open()
		return false
	}

	return cb.state == CircuitClosed
}

// Allow is ShouldAdmit without a load signal.
func (cb *CircuitBreaker) Allow() bool {
	return cb.ShouldAdmit(0)
}

// RecordSuccess closes a half-open circuit once enough test calls succeeded
// and resets the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	defer cb.report()

	cb.failures = 0
	if cb.state == CircuitHalfOpen && cb.testCount >= cb.testLimit {
		cb.state = CircuitClosed
	}
}

// RecordFailure re-opens a half-open circuit, and opens a closed one after
// failureThreshold consecutive failures.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	defer cb.report()

	switch cb.state {
	case CircuitHalfOpen:
		cb.open()
	case CircuitClosed:
		cb.failures++
		if cb.failures >= cb.failureThreshold {
			cb.open()
		}
	}
}

// GetState returns the current circuit state (thread-safe).
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpen()
	return cb.state
}

// must be called with mu held
func (cb *CircuitBreaker) maybeHalfOpen() {
	if cb.state == CircuitOpen && cb.now().Sub(cb.openedAt) > cb.cooldownPeriod {
		cb.state = CircuitHalfOpen
		cb.testCount = 0
	}
}

// must be called with mu held
func (cb *CircuitBreaker) open() {
	cb.state = CircuitOpen
	cb.openedAt = cb.now()
	cb.testCount = 0
}

func (cb *CircuitBreaker) report() {
	for _, s := range []CircuitState{CircuitClosed, CircuitHalfOpen, CircuitOpen} {
		v := 0.0
		if s == cb.state {
			v = 1
		}
		observability.SchedulerCircuitState.WithLabelValues(cb.name + ":" + s.String()).Set(v)
	}
}
