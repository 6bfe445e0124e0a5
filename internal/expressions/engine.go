package expressions

import (
	"context"
	"sort"

	"github.com/rendis/cmdengine/pkg/schema"
)

// Engine evaluates expressions against a data map.
// Three implementations: Expr (default), CEL and GoJQ.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Compiler is implemented by engines that can check an expression without
// evaluating it.
type Compiler interface {
	Compile(expression string) error
}

// DefaultEngine is used when a predicate names no engine.
const DefaultEngine = "expr"

// Engines is the set of expression engines available to blueprints.
type Engines struct {
	byName map[string]Engine
}

// NewEngines creates the expr, cel and jq engines.
func NewEngines() (*Engines, error) {
	cel, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	e := &Engines{byName: make(map[string]Engine, 3)}
	for _, eng := range []Engine{NewExprEngine(), cel, NewGoJQEngine()} {
		e.byName[eng.Name()] = eng
	}
	return e, nil
}

// Get returns the engine registered under name. An empty name selects
// DefaultEngine.
func (e *Engines) Get(name string) (Engine, error) {
	if name == "" {
		name = DefaultEngine
	}
	eng, ok := e.byName[name]
	if !ok {
		return nil, schema.NewOpErrorf(schema.ErrCodeValidation, "unknown expression engine %q", name).
			WithDetails(map[string]any{"engine": name, "available": e.Names()})
	}
	return eng, nil
}

// Compile checks expression with the named engine.
func (e *Engines) Compile(name, expression string) error {
	eng, err := e.Get(name)
	if err != nil {
		return err
	}
	if c, ok := eng.(Compiler); ok {
		return c.Compile(expression)
	}
	return nil
}

// Names lists the registered engine names in order.
func (e *Engines) Names() []string {
	names := make([]string, 0, len(e.byName))
	for n := range e.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
