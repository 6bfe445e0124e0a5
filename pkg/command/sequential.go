package command

import (
	"context"

	"github.com/rendis/cmdengine/pkg/schema"
)

// Sequential runs its children one at a time in the order they were added,
// stopping at the first child that fails or aborts.
type Sequential struct {
	*lifecycle
	group
}

// NewSequential creates a sequential composite. It panics on a nil child.
func NewSequential(name string, children ...Command) *Sequential {
	c := &Sequential{}
	c.lifecycle = newLifecycle(c, KindSequential, nameOr(name, "Sequential"))
	c.group.init(c.lifecycle, children)
	return c
}

func (c *Sequential) execute(ctx context.Context) error {
	for _, child := range c.Children() {
		if c.State() == schema.StateAborted {
			break
		}
		if err := child.Run(ctx); err != nil {
			return err
		}
		c.checkpoint()

		if s := child.State(); s == schema.StateFailed || s == schema.StateAborted || c.isOver() {
			break
		}
	}
	return nil
}

func (c *Sequential) checkErrors() {
	c.aggregate(c.Children())
}
