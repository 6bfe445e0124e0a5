package command

import (
	"context"

	"github.com/rendis/cmdengine/pkg/schema"
)

// TryFinally runs its core and then, unless the core or the command itself
// was aborted, its finally command. A failure of either outranks an abort
// of either; finally's failure outranks the core's.
type TryFinally struct {
	*lifecycle
	core    Command
	finally Command

	finallyRan bool
}

// NewTryFinally creates a try/finally decorator. It panics on a nil command.
func NewTryFinally(name string, core, finally Command) *TryFinally {
	name = nameOr(name, "Try-Catch-Finally")
	mustCommand(core, "core", name)
	mustCommand(finally, "finally", name)

	c := &TryFinally{core: core, finally: finally}
	c.lifecycle = newLifecycle(c, KindTryFinally, name)
	return c
}

func (c *TryFinally) Core() Command    { return c.core }
func (c *TryFinally) Finally() Command { return c.finally }

func (c *TryFinally) Children() []Command {
	return []Command{c.core, c.finally}
}

func (c *TryFinally) setFinallyRan(ran bool) {
	c.mu.Lock()
	c.finallyRan = ran
	c.mu.Unlock()
}

func (c *TryFinally) execute(ctx context.Context) error {
	c.setFinallyRan(false)

	if err := c.core.Run(ctx); err != nil {
		return err
	}
	c.checkpoint()

	if c.core.State() == schema.StateAborted || c.State() == schema.StateAborted {
		return nil
	}
	if c.core.State() == schema.StateFailed {
		c.record(c.core.Err())
	}

	c.setFinallyRan(true)
	return c.finally.Run(ctx)
}

// checkErrors deliberately evaluates every rule in turn: a later Failed
// verdict overwrites an earlier Aborted one.
func (c *TryFinally) checkErrors() {
	c.mu.RLock()
	ran := c.finallyRan
	c.mu.RUnlock()
	core, fin := c.core.State(), stateIf(ran, c.finally)

	var (
		verdict schema.State
		err     *schema.CommandError
		decided bool
	)
	if core == schema.StateAborted || fin == schema.StateAborted {
		verdict, decided = schema.StateAborted, true
	}
	switch {
	case fin == schema.StateFailed:
		verdict, err, decided = schema.StateFailed, c.finally.Err(), true
	case core == schema.StateFailed:
		verdict, err, decided = schema.StateFailed, c.core.Err(), true
	case core == schema.StateCompleted && fin == schema.StateCompleted:
		verdict, decided = schema.StateCompleted, true
	}
	if decided {
		c.conclude(verdict, err)
	}
}
