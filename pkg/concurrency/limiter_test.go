package concurrency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestLimiterAcquireRelease(t *testing.T) {
	l := NewLimiter(2)

	ctx := context.Background()
	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("second acquire failed: %v", err)
	}

	if got := l.CurrentActive(); got != 2 {
		t.Fatalf("expected 2 active, got %d", got)
	}

	l.Release()
	l.Release()

	if got := l.CurrentActive(); got != 0 {
		t.Fatalf("expected 0 active after release, got %d", got)
	}

	m := l.GetMetrics()
	if m.TotalAcquired != 2 || m.TotalReleased != 2 {
		t.Fatalf("unexpected metrics: %+v", m)
	}
	if m.PeakConcurrent != 2 {
		t.Fatalf("expected peak 2, got %d", m.PeakConcurrent)
	}
}

func TestLimiterBlocksWhenFull(t *testing.T) {
	l := NewLimiter(1)
	ctx := context.Background()

	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		if err := l.Acquire(ctx); err == nil {
			close(acquired)
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire should have blocked")
	case <-time.After(50 * time.Millisecond):
	}

	l.Release()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("release did not unblock waiter")
	}
}

func TestLimiterAcquireContextCancelled(t *testing.T) {
	l := NewLimiter(1)

	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := l.Acquire(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestLimiterReleaseWithoutAcquire(t *testing.T) {
	l := NewLimiter(1)
	l.Release()

	if got := l.CurrentActive(); got != 0 {
		t.Fatalf("expected 0 active, got %d", got)
	}
}

func TestLimiterRejectsWhenCircuitOpen(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Minute)
	cb.RecordFailure()

	l := NewLimiterWithCircuitBreaker(1, cb)

	err := l.Acquire(context.Background())
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestLimiterGoBoundsConcurrency(t *testing.T) {
	l := NewLimiter(3)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		err := l.GoSync(ctx, func() error {
			defer wg.Done()
			time.Sleep(time.Millisecond)
			return nil
		})
		if err != nil {
			t.Fatalf("GoSync failed: %v", err)
		}
	}
	wg.Wait()

	m := l.GetMetrics()
	if m.TotalAcquired != 10 {
		t.Fatalf("expected 10 acquisitions, got %d", m.TotalAcquired)
	}
	if m.PeakConcurrent > 3 {
		t.Fatalf("peak %d exceeded limit 3", m.PeakConcurrent)
	}
}

func TestLimiterGoAsync(t *testing.T) {
	l := NewLimiter(2)

	done := make(chan struct{})
	err := l.Go(context.Background(), func() error {
		close(done)
		return nil
	})
	if err != nil {
		t.Fatalf("Go failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("function never ran")
	}
}

func TestLimiterReset(t *testing.T) {
	l := NewLimiter(1)
	ctx := context.Background()

	_ = l.GoSync(ctx, func() error { return nil })
	l.Reset()

	m := l.GetMetrics()
	if m.TotalAcquired != 0 || m.TotalReleased != 0 || m.PeakConcurrent != 0 {
		t.Fatalf("expected zeroed metrics, got %+v", m)
	}
}

func TestCircuitBreakerOpensAtThreshold(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute)

	cb.RecordFailure()
	cb.RecordFailure()
	if cb.GetState() != BreakerClosed {
		t.Fatal("breaker opened below threshold")
	}

	cb.RecordFailure()
	if cb.GetState() != BreakerOpen {
		t.Fatal("breaker did not open at threshold")
	}
	if !cb.IsOpen() {
		t.Fatal("IsOpen should report true")
	}
}

func TestCircuitBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()

	if got := cb.GetConsecutiveFailures(); got != 0 {
		t.Fatalf("expected 0 failures after success, got %d", got)
	}

	cb.RecordFailure()
	cb.RecordFailure()
	if cb.GetState() != BreakerClosed {
		t.Fatal("breaker should still be closed")
	}
}

func TestCircuitBreakerHalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker(1, 20*time.Millisecond)

	cb.RecordFailure()
	if cb.GetState() != BreakerOpen {
		t.Fatal("breaker should be open")
	}

	time.Sleep(30 * time.Millisecond)

	if cb.IsOpen() {
		t.Fatal("breaker should admit a probe after the reset timeout")
	}
	if cb.GetState() != BreakerHalfOpen {
		t.Fatalf("expected half-open, got %s", cb.GetState())
	}

	for i := 0; i < halfOpenSuccessTarget; i++ {
		cb.RecordSuccess()
	}
	if cb.GetState() != BreakerClosed {
		t.Fatalf("expected closed after %d successes, got %s", halfOpenSuccessTarget, cb.GetState())
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(1, 20*time.Millisecond)

	cb.RecordFailure()
	time.Sleep(30 * time.Millisecond)
	cb.IsOpen()

	if cb.GetState() != BreakerHalfOpen {
		t.Fatalf("expected half-open, got %s", cb.GetState())
	}

	cb.RecordFailure()
	if cb.GetState() != BreakerOpen {
		t.Fatal("failure in half-open should reopen the circuit")
	}
}

func TestCircuitBreakerReset(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Minute)
	cb.RecordFailure()

	cb.Reset()

	if cb.GetState() != BreakerClosed {
		t.Fatal("expected closed after reset")
	}
	if cb.IsOpen() {
		t.Fatal("reset breaker should not be open")
	}
}

func TestCircuitBreakerStateString(t *testing.T) {
	cases := map[CircuitBreakerState]string{
		BreakerClosed:          "closed",
		BreakerOpen:            "open",
		BreakerHalfOpen:        "half-open",
		CircuitBreakerState(9): "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("state %d: expected %q, got %q", state, want, got)
		}
	}
}
