package scope

import (
	"context"
	"sync"
)

// Gate is the one-shot completion barrier attached to every scope. A
// producer signals the gate exactly once, either clean (nil error, outputs
// are final) or carrying a failure; any number of consumers wait on it.
// Waiters that arrive after the signal return immediately. The gate itself
// has no timeout; callers bound waits through their context.
type Gate struct {
	once sync.Once
	done chan struct{}
	err  error
}

// NewGate creates an unsignaled gate.
func NewGate() *Gate {
	return &Gate{
		done: make(chan struct{}),
	}
}

// Signal releases every waiter, delivering err to each of them. Only the
// first call wins; subsequent calls return ErrGateSignaled without altering
// the delivered error.
func (g *Gate) Signal(err error) error {
	won := false
	g.once.Do(func() {
		g.err = err
		close(g.done)
		won = true
	})
	if !won {
		return ErrGateSignaled
	}
	return nil
}

// Wait blocks until the gate is signaled or ctx is canceled. It returns the
// signaled error (nil when the producer completed cleanly) or ctx.Err().
func (g *Gate) Wait(ctx context.Context) error {
	select {
	case <-g.done:
		return g.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Signaled reports whether the gate has been signaled, without blocking.
func (g *Gate) Signaled() bool {
	select {
	case <-g.done:
		return true
	default:
		return false
	}
}

// Done exposes the gate's channel for use in select statements.
func (g *Gate) Done() <-chan struct{} {
	return g.done
}
