package command

import (
	"context"

	"github.com/rendis/cmdengine/pkg/schema"
)

// Conditional evaluates its predicate once per run and runs exactly one of
// its two branches.
type Conditional struct {
	*lifecycle
	predicate Predicate
	whenTrue  Command
	whenFalse Command

	// taken is the branch run in the current run, nil before the predicate
	// was evaluated.
	taken Command
}

// NewConditional creates a conditional. It panics on a nil predicate or branch.
func NewConditional(name string, predicate Predicate, whenTrue, whenFalse Command) *Conditional {
	name = nameOr(name, "Conditional")
	if predicate == nil {
		panic("command: predicate is nil in " + name)
	}
	mustCommand(whenTrue, "true branch", name)
	mustCommand(whenFalse, "false branch", name)

	c := &Conditional{predicate: predicate, whenTrue: whenTrue, whenFalse: whenFalse}
	c.lifecycle = newLifecycle(c, KindConditional, name)
	return c
}

func (c *Conditional) TrueBranch() Command  { return c.whenTrue }
func (c *Conditional) FalseBranch() Command { return c.whenFalse }

func (c *Conditional) Children() []Command {
	return []Command{c.whenTrue, c.whenFalse}
}

func (c *Conditional) setTaken(branch Command) {
	c.mu.Lock()
	c.taken = branch
	c.mu.Unlock()
}

func (c *Conditional) branchState(branch Command) schema.State {
	c.mu.RLock()
	taken := c.taken
	c.mu.RUnlock()
	return stateIf(taken == branch, branch)
}

func (c *Conditional) execute(ctx context.Context) error {
	c.setTaken(nil)

	ok, err := c.predicate(ctx)
	if err != nil {
		return err
	}

	branch := c.whenFalse
	if ok {
		branch = c.whenTrue
	}
	c.setTaken(branch)
	return branch.Run(ctx)
}

func (c *Conditional) checkErrors() {
	t, f := c.branchState(c.whenTrue), c.branchState(c.whenFalse)
	switch {
	case t == schema.StateAborted || f == schema.StateAborted:
		c.conclude(schema.StateAborted, nil)
	case t == schema.StateFailed:
		c.conclude(schema.StateFailed, c.whenTrue.Err())
	case f == schema.StateFailed:
		c.conclude(schema.StateFailed, c.whenFalse.Err())
	case t == schema.StateCompleted || f == schema.StateCompleted:
		c.conclude(schema.StateCompleted, nil)
	}
}
