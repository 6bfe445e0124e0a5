package actions

import (
	"slices"
	"strings"
	"sync"

	"github.com/rendis/cmdengine/pkg/schema"
)

// Registry maps action names to implementations. Names are kept sorted so
// listings are stable without re-sorting.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Action
	names  []string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Action)}
}

// Register adds action under its own name. Registering a name twice is a
// conflict.
func (r *Registry) Register(action Action) error {
	if action == nil {
		return schema.NewOpError(schema.ErrCodeValidation, "action is nil")
	}
	name := action.Name()
	if strings.TrimSpace(name) == "" {
		return schema.NewOpError(schema.ErrCodeValidation, "action name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	pos, found := slices.BinarySearch(r.names, name)
	if found {
		return schema.NewOpErrorf(schema.ErrCodeConflict, "action %q already registered", name)
	}
	r.names = slices.Insert(r.names, pos, name)
	r.byName[name] = action
	return nil
}

// Get resolves name. The error for an unknown name lists registered actions
// in the same namespace, if any.
func (r *Registry) Get(name string) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.byName[name]; ok {
		return a, nil
	}
	err := schema.NewOpErrorf(schema.ErrCodeActionUnavailable, "action %q not registered", name)
	if similar := r.namespaceLocked(name); len(similar) > 0 {
		err = err.WithDetails(map[string]any{"similar": similar})
	}
	return nil, err
}

// namespaceLocked returns the names sharing the "prefix." of name.
func (r *Registry) namespaceLocked(name string) []string {
	prefix, _, ok := strings.Cut(name, ".")
	if !ok {
		return nil
	}
	prefix += "."
	var out []string
	start, _ := slices.BinarySearch(r.names, prefix)
	for _, n := range r.names[start:] {
		if !strings.HasPrefix(n, prefix) {
			break
		}
		out = append(out, n)
	}
	return out
}

// List describes every registered action in name order.
func (r *Registry) List() []ActionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]ActionInfo, len(r.names))
	for i, name := range r.names {
		infos[i] = describe(r.byName[name])
	}
	return infos
}

// Names returns the registered names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.names)
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byName[name]
	return ok
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.names)
}

func describe(a Action) ActionInfo {
	s := a.Schema()
	return ActionInfo{Name: a.Name(), Description: s.Description, InputSchema: s.InputSchema}
}
