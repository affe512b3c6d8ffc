package concurrency

import (
	"sync"
	"sync/atomic"
	"time"
)

// CircuitBreakerState represents the state of the circuit breaker.
type CircuitBreakerState int32

const (
	// BreakerClosed allows operations through.
	BreakerClosed CircuitBreakerState = 0

	// BreakerOpen rejects operations until the reset timeout elapses.
	BreakerOpen CircuitBreakerState = 1

	// BreakerHalfOpen lets a probe batch through to test recovery.
	BreakerHalfOpen CircuitBreakerState = 2
)

// halfOpenSuccessTarget is the number of consecutive successes required in the
// half-open state before the circuit closes again.
const halfOpenSuccessTarget = 5

// CircuitBreaker sheds load after sustained failures so a struggling
// downstream (executor, broker, blob store) is not hammered further.
type CircuitBreaker struct {
	state                int32 // atomic: CircuitBreakerState
	consecutiveFailures  int64 // atomic
	consecutiveSuccesses int64 // atomic
	failureThreshold     int64
	resetTimeout         time.Duration
	lastFailureTime      int64 // atomic: Unix nano timestamp
	mu                   sync.Mutex
}

// NewCircuitBreaker creates a breaker that opens after failureThreshold
// consecutive failures and probes again after resetTimeout.
func NewCircuitBreaker(failureThreshold int64, resetTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 10
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}

	return &CircuitBreaker{
		state:            int32(BreakerClosed),
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
	}
}

// IsOpen reports whether operations should be rejected. An open breaker whose
// reset timeout has elapsed transitions to half-open and admits the caller.
func (cb *CircuitBreaker) IsOpen() bool {
	if cb.GetState() != BreakerOpen {
		return false
	}

	lastFailure := atomic.LoadInt64(&cb.lastFailureTime)
	if lastFailure > 0 && time.Since(time.Unix(0, lastFailure)) > cb.resetTimeout {
		cb.transitionTo(BreakerHalfOpen)
		return false
	}
	return true
}

// RecordSuccess records a successful operation.
func (cb *CircuitBreaker) RecordSuccess() {
	atomic.StoreInt64(&cb.consecutiveFailures, 0)

	if cb.GetState() == BreakerHalfOpen {
		successes := atomic.AddInt64(&cb.consecutiveSuccesses, 1)
		if successes >= halfOpenSuccessTarget {
			cb.transitionTo(BreakerClosed)
		}
	}
}

// RecordFailure records a failed operation. Enough consecutive failures open
// the circuit; any failure in half-open reopens it immediately.
func (cb *CircuitBreaker) RecordFailure() {
	state := cb.GetState()

	atomic.StoreInt64(&cb.consecutiveSuccesses, 0)
	atomic.StoreInt64(&cb.lastFailureTime, time.Now().UnixNano())

	failures := atomic.AddInt64(&cb.consecutiveFailures, 1)

	if state == BreakerClosed && failures >= cb.failureThreshold {
		cb.transitionTo(BreakerOpen)
	} else if state == BreakerHalfOpen {
		cb.transitionTo(BreakerOpen)
	}
}

// GetState returns the current breaker state.
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	return CircuitBreakerState(atomic.LoadInt32(&cb.state))
}

// GetConsecutiveFailures returns the current consecutive failure count.
func (cb *CircuitBreaker) GetConsecutiveFailures() int64 {
	return atomic.LoadInt64(&cb.consecutiveFailures)
}

// GetConsecutiveSuccesses returns the current consecutive success count.
func (cb *CircuitBreaker) GetConsecutiveSuccesses() int64 {
	return atomic.LoadInt64(&cb.consecutiveSuccesses)
}

// Reset forces the breaker back to closed and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.transitionTo(BreakerClosed)
	atomic.StoreInt64(&cb.consecutiveFailures, 0)
	atomic.StoreInt64(&cb.consecutiveSuccesses, 0)
	atomic.StoreInt64(&cb.lastFailureTime, 0)
}

func (cb *CircuitBreaker) transitionTo(newState CircuitBreakerState) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	oldState := CircuitBreakerState(atomic.LoadInt32(&cb.state))
	if oldState == newState {
		return
	}

	atomic.StoreInt32(&cb.state, int32(newState))

	switch newState {
	case BreakerClosed:
		atomic.StoreInt64(&cb.consecutiveFailures, 0)
		atomic.StoreInt64(&cb.consecutiveSuccesses, 0)
	case BreakerHalfOpen:
		atomic.StoreInt64(&cb.consecutiveSuccesses, 0)
	}
}

// String returns the string representation of the breaker state.
func (s CircuitBreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	}
	return "unknown"
}
