package command

import (
	"context"
	"sync"
)

// Leaf wraps a work function with no input or output.
type Leaf struct {
	*lifecycle
	fn func(ctx context.Context) error
}

// NewLeaf creates a leaf. A nil fn makes a leaf that completes immediately.
// The context passed to fn is cancelled when the leaf is aborted; returning
// its error then ends the leaf Aborted instead of Failed.
func NewLeaf(name string, fn func(ctx context.Context) error) *Leaf {
	c := &Leaf{fn: fn}
	c.lifecycle = newLifecycle(c, KindLeaf, nameOr(name, "Leaf"))
	return c
}

func (c *Leaf) Children() []Command { return nil }

func (c *Leaf) execute(ctx context.Context) error {
	if c.fn == nil {
		return nil
	}
	return c.settle(ctx, c.fn(ctx))
}

func (c *Leaf) checkErrors() {}

// InputLeaf wraps a work function taking an input set before Run.
type InputLeaf[I any] struct {
	*lifecycle
	fn func(ctx context.Context, in I) error

	slotMu sync.RWMutex
	input  I
}

// NewInputLeaf creates a leaf fed by SetInput.
func NewInputLeaf[I any](name string, fn func(ctx context.Context, in I) error) *InputLeaf[I] {
	c := &InputLeaf[I]{fn: fn}
	c.lifecycle = newLifecycle(c, KindLeaf, nameOr(name, "Leaf(Input)"))
	return c
}

func (c *InputLeaf[I]) SetInput(in I) {
	c.slotMu.Lock()
	c.input = in
	c.slotMu.Unlock()
}

func (c *InputLeaf[I]) Input() I {
	c.slotMu.RLock()
	defer c.slotMu.RUnlock()
	return c.input
}

func (c *InputLeaf[I]) Children() []Command { return nil }

func (c *InputLeaf[I]) execute(ctx context.Context) error {
	if c.fn == nil {
		return nil
	}
	return c.settle(ctx, c.fn(ctx, c.Input()))
}

func (c *InputLeaf[I]) checkErrors() {}

// IOLeaf wraps a work function that maps an input to an output. The output
// is only replaced when the function succeeds.
type IOLeaf[I, O any] struct {
	*lifecycle
	fn func(ctx context.Context, in I) (O, error)

	slotMu sync.RWMutex
	input  I
	output O
}

// NewIOLeaf creates a leaf with input and output slots.
func NewIOLeaf[I, O any](name string, fn func(ctx context.Context, in I) (O, error)) *IOLeaf[I, O] {
	c := &IOLeaf[I, O]{fn: fn}
	c.lifecycle = newLifecycle(c, KindLeaf, nameOr(name, "Leaf(Input, Output)"))
	return c
}

func (c *IOLeaf[I, O]) SetInput(in I) {
	c.slotMu.Lock()
	c.input = in
	c.slotMu.Unlock()
}

func (c *IOLeaf[I, O]) Input() I {
	c.slotMu.RLock()
	defer c.slotMu.RUnlock()
	return c.input
}

func (c *IOLeaf[I, O]) Output() O {
	c.slotMu.RLock()
	defer c.slotMu.RUnlock()
	return c.output
}

func (c *IOLeaf[I, O]) Children() []Command { return nil }

func (c *IOLeaf[I, O]) execute(ctx context.Context) error {
	if c.fn == nil {
		return nil
	}
	out, err := c.fn(ctx, c.Input())
	if err != nil {
		return c.settle(ctx, err)
	}
	c.slotMu.Lock()
	c.output = out
	c.slotMu.Unlock()
	return nil
}

func (c *IOLeaf[I, O]) checkErrors() {}
