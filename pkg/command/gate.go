package command

import (
	"context"
	"sync"
	"time"
)

// Gate is a re-armable broadcast wait handle. While armed, Wait blocks.
// Set releases every current waiter and disarms the gate; Reset re-arms it
// without waking anyone. Waiting on a disarmed gate returns immediately.
type Gate struct {
	mu sync.Mutex
	ch chan struct{} // open while armed, closed while disarmed
}

// NewGate creates a gate in the given initial state.
func NewGate(armed bool) *Gate {
	g := &Gate{ch: make(chan struct{})}
	if !armed {
		close(g.ch)
	}
	return g
}

// Set disarms the gate and wakes all waiters.
func (g *Gate) Set() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
	default:
		close(g.ch)
	}
}

// Reset arms the gate. Waiters arriving afterwards block until the next Set.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.ch:
		g.ch = make(chan struct{})
	default:
	}
}

// IsSet reports whether the gate is disarmed.
func (g *Gate) IsSet() bool {
	select {
	case <-g.done():
		return true
	default:
		return false
	}
}

// Wait blocks until the gate is disarmed.
func (g *Gate) Wait() {
	<-g.done()
}

// WaitTimeout blocks until the gate is disarmed or the timeout elapses.
// A non-positive timeout waits forever. It reports whether the gate opened.
func (g *Gate) WaitTimeout(timeout time.Duration) bool {
	if timeout <= 0 {
		g.Wait()
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-g.done():
		return true
	case <-timer.C:
		return false
	}
}

// WaitContext blocks until the gate is disarmed or ctx is done.
func (g *Gate) WaitContext(ctx context.Context) error {
	select {
	case <-g.done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gate) done() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ch
}
