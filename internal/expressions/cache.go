package expressions

import (
	"sync"

	"github.com/rendis/cmdengine/pkg/schema"
)

// errCodeEval marks failures of a program that compiled.
const errCodeEval = schema.ErrCodeExpression

// programCache memoizes compiled programs by source text. A failed compile
// is not cached, so the next lookup reports the same error again.
type programCache[P any] struct {
	engine  string
	compile func(src string) (P, error)

	mu       sync.RWMutex
	programs map[string]P
}

func newProgramCache[P any](engine string, compile func(string) (P, error)) *programCache[P] {
	return &programCache[P]{
		engine:   engine,
		compile:  compile,
		programs: make(map[string]P),
	}
}

func (c *programCache[P]) get(src string) (P, error) {
	c.mu.RLock()
	prg, ok := c.programs[src]
	c.mu.RUnlock()
	if ok {
		return prg, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if prg, ok := c.programs[src]; ok {
		return prg, nil
	}
	prg, err := c.compile(src)
	if err != nil {
		var zero P
		return zero, c.fail(schema.ErrCodeValidation, "compile", src, err)
	}
	c.programs[src] = prg
	return prg, nil
}

func (c *programCache[P]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.programs)
}

// fail wraps err as an OpError carrying the offending expression.
func (c *programCache[P]) fail(code, stage, src string, err error) error {
	return schema.NewOpErrorf(code, "%s %s error in %q: %s", c.engine, stage, src, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"engine": c.engine, "expression": src})
}

// requireSource rejects the empty expression before any lookup.
func requireSource(engine, src string) error {
	if src == "" {
		return schema.NewOpErrorf(schema.ErrCodeValidation, "empty %s expression", engine)
	}
	return nil
}
