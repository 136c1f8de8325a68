package lookup

import (
	"sync"
	"time"
)

// BreakerState is the circuit state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// CircuitBreaker opens after threshold consecutive failures and lets one
// probe through after resetTimeout.
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        BreakerState
	clock        func() time.Time
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(name string, threshold int, resetTimeout time.Duration) *CircuitBreaker {
	if threshold < 1 {
		threshold = 1
	}
	return &CircuitBreaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: resetTimeout,
		state:        BreakerClosed,
		clock:        time.Now,
	}
}

// WithClock overrides the breaker clock.
func (cb *CircuitBreaker) WithClock(clock func() time.Time) *CircuitBreaker {
	cb.clock = clock
	return cb
}

// Allow reports whether a call may proceed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerOpen:
		if cb.clock().Sub(cb.lastFailure) > cb.resetTimeout {
			cb.state = BreakerHalfOpen
			return true
		}
		return false
	case BreakerHalfOpen:
		// One probe at a time.
		return false
	}
	return true
}

// Success closes the breaker.
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = BreakerClosed
	cb.failureCount = 0
}

// Failure records a failure and opens the breaker at the threshold, or
// immediately when a half-open probe fails.
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = cb.clock()
	if cb.state == BreakerHalfOpen || cb.failureCount >= cb.threshold {
		cb.state = BreakerOpen
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string { return cb.name }
