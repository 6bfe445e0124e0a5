package command

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// Launcher provides the execution context for each Parallel child. Launch
// must either arrange for fn to run exactly once and return nil, or return
// an error without running fn.
type Launcher interface {
	Launch(ctx context.Context, fn func()) error
}

// LauncherFunc adapts a function to a Launcher.
type LauncherFunc func(ctx context.Context, fn func()) error

// Launch calls f.
func (f LauncherFunc) Launch(ctx context.Context, fn func()) error { return f(ctx, fn) }

// DefaultLauncher starts one goroutine per child, with no bound.
var DefaultLauncher Launcher = LauncherFunc(func(_ context.Context, fn func()) error {
	go fn()
	return nil
})

// PoolMetrics is a snapshot of pool counters.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is launched on a shut-down pool.
var ErrPoolShutdown = errors.New("command pool is shut down")

// Pool is a bounded Launcher. Launch blocks while every slot is taken and
// gives up when ctx is done. A pool shared by nested Parallel commands
// needs more slots than the nesting depth, or the inner ones starve.
type Pool struct {
	slots chan struct{}
	quit  chan struct{}
	once  sync.Once

	// gate orders running.Add before Shutdown's Wait.
	gate    sync.RWMutex
	running sync.WaitGroup

	active, completed, panics atomic.Int64
}

// NewPool creates a pool running at most size children at once.
func NewPool(size int) *Pool {
	return &Pool{
		slots: make(chan struct{}, max(size, 1)),
		quit:  make(chan struct{}),
	}
}

// Launch runs fn on the pool once a slot is free. A panic in fn is counted
// and swallowed.
func (p *Pool) Launch(ctx context.Context, fn func()) error {
	if p.stopped() {
		return ErrPoolShutdown
	}
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.quit:
		return ErrPoolShutdown
	}

	p.gate.RLock()
	if p.stopped() {
		p.gate.RUnlock()
		<-p.slots
		return ErrPoolShutdown
	}
	p.running.Add(1)
	p.gate.RUnlock()

	p.active.Add(1)
	go p.work(fn)
	return nil
}

func (p *Pool) work(fn func()) {
	defer func() {
		if recover() != nil {
			p.panics.Add(1)
		}
		p.active.Add(-1)
		p.completed.Add(1)
		<-p.slots
		p.running.Done()
	}()
	fn()
}

func (p *Pool) stopped() bool {
	select {
	case <-p.quit:
		return true
	default:
		return false
	}
}

// Wait blocks until all launched work completes.
func (p *Pool) Wait() { p.running.Wait() }

// Shutdown rejects new work and waits for launched work to finish.
func (p *Pool) Shutdown() {
	p.once.Do(func() {
		p.gate.Lock()
		close(p.quit)
		p.gate.Unlock()
	})
	p.running.Wait()
}

// Metrics returns a snapshot of the pool counters.
func (p *Pool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Panics:    p.panics.Load(),
	}
}
