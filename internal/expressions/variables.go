package expressions

import (
	"context"
	"maps"
	"sync"

	"github.com/rendis/cmdengine/pkg/command"
)

// Names under which evaluation data is exposed to expressions.
const (
	VarVars  = "vars"
	VarCycle = "cycle"
	VarItem  = "item"
)

// Variables is the value bag shared by the commands of one built tree.
// Leaves write their outputs into it and predicates read it.
type Variables struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewVariables creates a bag seeded with initial, which is copied.
func NewVariables(initial map[string]any) *Variables {
	v := &Variables{values: make(map[string]any, len(initial))}
	maps.Copy(v.values, initial)
	return v
}

func (v *Variables) Set(name string, value any) {
	v.mu.Lock()
	v.values[name] = value
	v.mu.Unlock()
}

func (v *Variables) Get(name string) (any, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	val, ok := v.values[name]
	return val, ok
}

func (v *Variables) Delete(name string) {
	v.mu.Lock()
	delete(v.values, name)
	v.mu.Unlock()
}

// Snapshot returns a shallow copy of the current values.
func (v *Variables) Snapshot() map[string]any {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return maps.Clone(v.values)
}

// Data builds the evaluation data for ctx: the variables under "vars", the
// innermost loop counter under "cycle" and the innermost foreach element
// under "item". Absent loop values are left out.
func Data(ctx context.Context, vars *Variables) map[string]any {
	data := make(map[string]any, 3)
	if vars != nil {
		data[VarVars] = vars.Snapshot()
	} else {
		data[VarVars] = map[string]any{}
	}
	if n, ok := command.CycleFrom(ctx); ok {
		data[VarCycle] = n
	}
	if item, ok := command.ElementFrom[any](ctx); ok {
		data[VarItem] = item
	}
	return data
}
