package concurrency

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// ErrCircuitOpen is returned by Acquire when the circuit breaker is open and
// new work is being rejected.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Metrics tracks limiter performance counters.
type Metrics struct {
	TotalAcquired   int64
	TotalReleased   int64
	PeakConcurrent  int64
	TotalWaitTimeNs int64
}

// Limiter provides semaphore-based concurrency control with observability.
// The runner uses one to bound how many windows execute at the same time.
type Limiter struct {
	sem            chan struct{}
	active         int64
	acquired       int64
	released       int64
	peak           int64
	waitNs         int64
	circuitBreaker *CircuitBreaker
}

// NewLimiter creates a limiter allowing at most maxConcurrent concurrent
// operations. The built-in circuit breaker opens after 100 consecutive
// failures and probes again after 30 seconds.
func NewLimiter(maxConcurrent int) *Limiter {
	return NewLimiterWithCircuitBreaker(maxConcurrent, NewCircuitBreaker(100, 30*time.Second))
}

// NewLimiterWithCircuitBreaker creates a limiter with custom circuit breaker
// settings.
func NewLimiterWithCircuitBreaker(maxConcurrent int, cb *CircuitBreaker) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	return &Limiter{
		sem:            make(chan struct{}, maxConcurrent),
		circuitBreaker: cb,
	}
}

// Acquire blocks until a slot is available or the context is done. It returns
// ErrCircuitOpen without blocking when the circuit breaker is rejecting work.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l.circuitBreaker.IsOpen() {
		return ErrCircuitOpen
	}

	start := time.Now()

	select {
	case l.sem <- struct{}{}:
		atomic.AddInt64(&l.waitNs, time.Since(start).Nanoseconds())
		atomic.AddInt64(&l.acquired, 1)
		l.updatePeak(atomic.AddInt64(&l.active, 1))
		return nil

	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a slot to the limiter. Releasing without a matching Acquire
// is a no-op.
func (l *Limiter) Release() {
	select {
	case <-l.sem:
		atomic.AddInt64(&l.active, -1)
		atomic.AddInt64(&l.released, 1)
	default:
	}
}

// Go runs fn in a goroutine once a slot is acquired. The slot is released and
// the outcome reported to the circuit breaker when fn returns.
func (l *Limiter) Go(ctx context.Context, fn func() error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}

	go func() {
		defer l.Release()

		if err := fn(); err != nil {
			l.circuitBreaker.RecordFailure()
		} else {
			l.circuitBreaker.RecordSuccess()
		}
	}()

	return nil
}

// GoSync runs fn on the calling goroutine under a slot and returns its error.
func (l *Limiter) GoSync(ctx context.Context, fn func() error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}

	defer l.Release()

	if err := fn(); err != nil {
		l.circuitBreaker.RecordFailure()
		return err
	}

	l.circuitBreaker.RecordSuccess()
	return nil
}

// CurrentActive returns the number of slots currently held.
func (l *Limiter) CurrentActive() int64 {
	return atomic.LoadInt64(&l.active)
}

// GetMetrics returns a snapshot of the limiter counters.
func (l *Limiter) GetMetrics() Metrics {
	return Metrics{
		TotalAcquired:   atomic.LoadInt64(&l.acquired),
		TotalReleased:   atomic.LoadInt64(&l.released),
		PeakConcurrent:  atomic.LoadInt64(&l.peak),
		TotalWaitTimeNs: atomic.LoadInt64(&l.waitNs),
	}
}

// GetAverageWaitTime reports the mean time spent waiting for a slot.
func (l *Limiter) GetAverageWaitTime() time.Duration {
	m := l.GetMetrics()
	if m.TotalAcquired == 0 {
		return 0
	}
	return time.Duration(m.TotalWaitTimeNs / m.TotalAcquired)
}

// Reset zeroes the limiter counters.
func (l *Limiter) Reset() {
	atomic.StoreInt64(&l.acquired, 0)
	atomic.StoreInt64(&l.released, 0)
	atomic.StoreInt64(&l.peak, 0)
	atomic.StoreInt64(&l.waitNs, 0)
}

func (l *Limiter) updatePeak(current int64) {
	for {
		peak := atomic.LoadInt64(&l.peak)
		if current <= peak {
			return
		}
		if atomic.CompareAndSwapInt64(&l.peak, peak, current) {
			return
		}
	}
}

// GetCircuitBreakerState reports the breaker state as a string.
func (l *Limiter) GetCircuitBreakerState() string {
	return l.circuitBreaker.GetState().String()
}
