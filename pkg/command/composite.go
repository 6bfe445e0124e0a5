package command

import (
	"fmt"
	"slices"
	"sync"

	"github.com/rendis/cmdengine/pkg/schema"
)

// group holds the ordered children of a composite.
type group struct {
	owner *lifecycle

	mu       sync.RWMutex
	children []Command
}

func (g *group) Children() []Command {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Clone(g.children)
}

// Add appends children. It fails while the composite is executing.
func (g *group) Add(children ...Command) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.owner.State() == schema.StateExecuting {
		return fmt.Errorf("%w: %s", ErrMutationWhileExecuting, g.owner.name)
	}
	for _, c := range children {
		if c == nil {
			return fmt.Errorf("%w: %s", ErrNilCommand, g.owner.name)
		}
	}
	g.children = append(g.children, children...)
	return nil
}

// Child returns the child at index.
func (g *group) Child(index int) (Command, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if index < 0 || index >= len(g.children) {
		return nil, fmt.Errorf("command %s: child index %d out of range [0, %d)", g.owner.name, index, len(g.children))
	}
	return g.children[index], nil
}

// Len returns the number of children.
func (g *group) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.children)
}

func (g *group) init(owner *lifecycle, children []Command) {
	for _, c := range children {
		mustCommand(c, "child", owner.name)
	}
	g.owner = owner
	g.children = slices.Clone(children)
}
