package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Parallel runs every child in its own execution context and waits for all
// of them. A classified failure in one child does not stop its siblings.
type Parallel struct {
	*lifecycle
	group

	launcherMu sync.RWMutex
	launcher   Launcher
}

// NewParallel creates a parallel composite using DefaultLauncher. It panics
// on a nil child.
func NewParallel(name string, children ...Command) *Parallel {
	c := &Parallel{launcher: DefaultLauncher}
	c.lifecycle = newLifecycle(c, KindParallel, nameOr(name, "Parallel"))
	c.group.init(c.lifecycle, children)
	return c
}

// WithLauncher replaces the provider of child execution contexts, for
// example with a bounded Pool.
func (c *Parallel) WithLauncher(l Launcher) *Parallel {
	if l == nil {
		l = DefaultLauncher
	}
	c.launcherMu.Lock()
	c.launcher = l
	c.launcherMu.Unlock()
	return c
}

func (c *Parallel) currentLauncher() Launcher {
	c.launcherMu.RLock()
	defer c.launcherMu.RUnlock()
	return c.launcher
}

func (c *Parallel) execute(ctx context.Context) error {
	children := c.Children()
	for _, child := range children {
		child.ResetFinished()
	}

	// One slot per child; read only after wg.Wait.
	faults := make([]error, len(children))
	launcher := c.currentLauncher()

	var wg sync.WaitGroup
	for i, child := range children {
		wg.Add(1)
		err := launcher.Launch(ctx, func() {
			defer wg.Done()
			faults[i] = child.Run(ctx)
		})
		if err != nil {
			wg.Done()
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				continue
			}
			faults[i] = fmt.Errorf("launch %s: %w", child.Name(), err)
		}
	}
	wg.Wait()

	for i, fault := range faults {
		if fault != nil {
			return fmt.Errorf("fatal error in parallel child %s of %s: %w", children[i].Name(), c.name, fault)
		}
	}

	c.checkpoint()
	return nil
}

func (c *Parallel) checkErrors() {
	c.aggregate(c.Children())
}
