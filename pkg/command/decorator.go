package command

import (
	"context"

	"github.com/rendis/cmdengine/pkg/schema"
)

// decorator holds the single wrapped child of a decorator command.
type decorator struct {
	body Command
}

func (d *decorator) Children() []Command { return []Command{d.body} }

// Body returns the wrapped command.
func (d *decorator) Body() Command { return d.body }

// bodyStopped reports whether the wrapped child failed or aborted.
func (d *decorator) bodyStopped() bool {
	s := d.body.State()
	return s == schema.StateFailed || s == schema.StateAborted
}

// Abortable invokes a callback on Abort, before the usual propagation, so a
// blocked work function that does not watch its context can be released.
type Abortable struct {
	*lifecycle
	decorator
	onAbort func()
}

// NewAbortable wraps body. It panics on a nil body or callback.
func NewAbortable(name string, body Command, onAbort func()) *Abortable {
	name = nameOr(name, "Abortable")
	mustCommand(body, "body", name)
	if onAbort == nil {
		panic("command: abort callback is nil in " + name)
	}

	c := &Abortable{decorator: decorator{body: body}, onAbort: onAbort}
	c.lifecycle = newLifecycle(c, KindAbortable, name)
	return c
}

// Abort runs the callback synchronously, then aborts the subtree.
func (c *Abortable) Abort() {
	c.flagAborted()
	c.onAbort()
	c.lifecycle.Abort()
}

func (c *Abortable) execute(ctx context.Context) error {
	if err := c.body.Run(ctx); err != nil {
		return err
	}
	c.checkpoint()
	return nil
}

func (c *Abortable) checkErrors() {
	c.adopt(c.body)
}
