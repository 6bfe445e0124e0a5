package command

import (
	"context"

	"github.com/rendis/cmdengine/pkg/schema"
)

// Recoverable runs its core and, when the core fails with a recovery-tier
// error, runs the recovery command once. After a successful recovery the
// command is Completed and Err still reports the core's error.
type Recoverable struct {
	*lifecycle
	core     Command
	recovery Command

	recoveryRan bool
}

// NewRecoverable creates a recoverable decorator. It panics on a nil command.
func NewRecoverable(name string, core, recovery Command) *Recoverable {
	name = nameOr(name, "Recoverable")
	mustCommand(core, "core", name)
	mustCommand(recovery, "recovery", name)

	c := &Recoverable{core: core, recovery: recovery}
	c.lifecycle = newLifecycle(c, KindRecoverable, name)
	return c
}

func (c *Recoverable) Core() Command     { return c.core }
func (c *Recoverable) Recovery() Command { return c.recovery }

func (c *Recoverable) Children() []Command {
	return []Command{c.core, c.recovery}
}

func (c *Recoverable) setRecoveryRan(ran bool) {
	c.mu.Lock()
	c.recoveryRan = ran
	c.mu.Unlock()
}

func (c *Recoverable) execute(ctx context.Context) error {
	c.setRecoveryRan(false)

	if err := c.core.Run(ctx); err != nil {
		return err
	}
	c.checkpoint()

	if c.core.State() == schema.StateAborted || c.State() == schema.StateAborted {
		return nil
	}
	if c.core.State() != schema.StateFailed {
		return nil
	}

	coreErr := c.core.Err()
	c.record(coreErr)
	if !coreErr.AllowsRecovery() {
		return nil
	}

	c.setRecoveryRan(true)
	if err := c.recovery.Run(ctx); err != nil {
		return err
	}
	if c.recovery.State() == schema.StateFailed {
		c.record(c.recovery.Err())
	}
	return nil
}

func (c *Recoverable) checkErrors() {
	c.mu.RLock()
	ran := c.recoveryRan
	c.mu.RUnlock()

	core, rec := c.core.State(), stateIf(ran, c.recovery)
	coreErr := c.core.Err()
	switch {
	case core == schema.StateAborted || rec == schema.StateAborted:
		c.conclude(schema.StateAborted, nil)
	case rec == schema.StateFailed:
		c.conclude(schema.StateFailed, c.recovery.Err())
	case core == schema.StateFailed && !coreErr.AllowsRecovery():
		c.conclude(schema.StateFailed, coreErr)
	case core == schema.StateCompleted || rec == schema.StateCompleted:
		c.conclude(schema.StateCompleted, nil)
		if core == schema.StateFailed && coreErr.AllowsRecovery() {
			logf(LevelError, "ERROR (RECOVERED)[%d] - %s", coreErr.Code, coreErr.Text)
		}
	}
}
