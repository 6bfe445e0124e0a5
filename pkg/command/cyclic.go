package command

import (
	"context"
	"slices"
)

// Cyclic runs its body a fixed number of times.
type Cyclic struct {
	*lifecycle
	decorator
	repeats int
	cycle   int
}

// NewCyclic wraps body. A non-positive repeat count runs nothing. It panics
// on a nil body.
func NewCyclic(name string, repeats int, body Command) *Cyclic {
	name = nameOr(name, "Cyclic")
	mustCommand(body, "body", name)

	c := &Cyclic{decorator: decorator{body: body}, repeats: repeats}
	c.lifecycle = newLifecycle(c, KindCyclic, name)
	return c
}

func (c *Cyclic) Repeats() int { return c.repeats }

// CurrentCycle is 1-based during a run and keeps its last value afterwards.
func (c *Cyclic) CurrentCycle() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cycle
}

func (c *Cyclic) setCycle(n int) {
	c.mu.Lock()
	c.cycle = n
	c.mu.Unlock()
}

func (c *Cyclic) execute(ctx context.Context) error {
	c.setCycle(0)
	for i := 1; i <= c.repeats; i++ {
		c.setCycle(i)
		if err := c.body.Run(context.WithValue(ctx, cycleKey, i)); err != nil {
			return err
		}
		c.checkpoint()

		if c.isOver() || c.bodyStopped() {
			break
		}
	}
	return nil
}

func (c *Cyclic) checkErrors() {
	c.adopt(c.body)
}

// ForEach runs its body once per element of a collection. The current
// element is available from CurrentElement, from ElementFrom on the body's
// context, and through SetInput when the body accepts a T.
type ForEach[T any] struct {
	*lifecycle
	decorator
	items []T

	cycle   int
	current T
}

// NewForEach wraps body. It panics on a nil body.
func NewForEach[T any](name string, items []T, body Command) *ForEach[T] {
	name = nameOr(name, "Generic Cyclic")
	mustCommand(body, "body", name)

	c := &ForEach[T]{decorator: decorator{body: body}, items: slices.Clone(items)}
	c.lifecycle = newLifecycle(c, KindForEach, name)
	return c
}

func (c *ForEach[T]) Items() []T { return slices.Clone(c.items) }

func (c *ForEach[T]) CurrentCycle() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cycle
}

func (c *ForEach[T]) CurrentElement() T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

func (c *ForEach[T]) advance(n int, item T) {
	c.mu.Lock()
	c.cycle = n
	c.current = item
	c.mu.Unlock()
}

func (c *ForEach[T]) execute(ctx context.Context) error {
	var zero T
	c.advance(0, zero)

	feeder, feeds := c.body.(interface{ SetInput(T) })
	for i, item := range c.items {
		c.advance(i+1, item)
		if feeds {
			feeder.SetInput(item)
		}

		bodyCtx := context.WithValue(context.WithValue(ctx, cycleKey, i+1), elementKey, item)
		if err := c.body.Run(bodyCtx); err != nil {
			return err
		}
		c.checkpoint()

		if c.isOver() || c.bodyStopped() {
			break
		}
	}
	return nil
}

func (c *ForEach[T]) checkErrors() {
	c.adopt(c.body)
}
