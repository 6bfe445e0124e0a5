package command

import (
	"context"

	"github.com/rendis/cmdengine/pkg/schema"
)

// While runs an optional init command once, then repeats its body while the
// predicate holds. The predicate is evaluated before every iteration.
type While struct {
	*lifecycle
	predicate Predicate
	init      Command
	body      Command

	cycle   int
	bodyRan bool
}

// NewWhile creates a while loop. init may be nil. It panics on a nil
// predicate or body.
func NewWhile(name string, predicate Predicate, init, body Command) *While {
	name = nameOr(name, "While")
	if predicate == nil {
		panic("command: predicate is nil in " + name)
	}
	mustCommand(body, "body", name)

	c := &While{predicate: predicate, init: init, body: body}
	c.lifecycle = newLifecycle(c, KindWhile, name)
	return c
}

func (c *While) Init() Command { return c.init }
func (c *While) Body() Command { return c.body }

func (c *While) Children() []Command {
	if c.init == nil {
		return []Command{c.body}
	}
	return []Command{c.init, c.body}
}

// CurrentCycle counts body iterations; init does not count.
func (c *While) CurrentCycle() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cycle
}

func (c *While) setCycle(n int) {
	c.mu.Lock()
	c.cycle = n
	if n > 0 {
		c.bodyRan = true
	}
	c.mu.Unlock()
}

func (c *While) execute(ctx context.Context) error {
	c.mu.Lock()
	c.cycle, c.bodyRan = 0, false
	c.mu.Unlock()

	if c.init != nil {
		if err := c.init.Run(ctx); err != nil {
			return err
		}
		c.checkpoint()

		if s := c.init.State(); s == schema.StateFailed || s == schema.StateAborted {
			c.adopt(c.init)
			return nil
		}
	}

	for n := 1; !c.isOver(); n++ {
		ok, err := c.predicate(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}

		c.setCycle(n)
		if err := c.body.Run(context.WithValue(ctx, cycleKey, n)); err != nil {
			return err
		}
		c.checkpoint()

		if s := c.body.State(); s == schema.StateFailed || s == schema.StateAborted {
			break
		}
	}
	return nil
}

func (c *While) checkErrors() {
	c.mu.RLock()
	ran := c.bodyRan
	c.mu.RUnlock()
	if ran {
		c.adopt(c.body)
	}
}
