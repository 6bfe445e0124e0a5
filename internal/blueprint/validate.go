package blueprint

import (
	"fmt"
	"time"

	"github.com/rendis/cmdengine/internal/actions"
	"github.com/rendis/cmdengine/internal/expressions"
	"github.com/rendis/cmdengine/pkg/schema"
)

// Validator checks the parts of a blueprint the JSON Schema cannot: the
// fields each kind requires, registered actions, action parameters,
// expressions and durations.
type Validator struct {
	registry *actions.Registry
	engines  *expressions.Engines
	schemas  *SchemaValidator
}

// NewValidator creates a Validator.
func NewValidator(registry *actions.Registry, engines *expressions.Engines, schemas *SchemaValidator) *Validator {
	return &Validator{registry: registry, engines: engines, schemas: schemas}
}

// Validate returns every problem found in bp.
func (v *Validator) Validate(bp *schema.Blueprint) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if bp == nil {
		result.Add("$", schema.ErrCodeValidation, "blueprint is nil")
		return result
	}
	if bp.Name == "" {
		result.Add("name", schema.ErrCodeValidation, "name is required")
	}

	names := make(map[string]string)
	v.node(result, "root", &bp.Root, names)
	return result
}

func (v *Validator) node(r *schema.ValidationResult, path string, n *schema.NodeDef, names map[string]string) {
	if n.Name != "" {
		if prev, dup := names[n.Name]; dup {
			r.Addf(path+".name", schema.ErrCodeConflict, "name %q is already used at %s", n.Name, prev)
		} else {
			names[n.Name] = path
		}
	}

	child := func(field string, c *schema.NodeDef, required bool) {
		if c == nil {
			if required {
				r.Addf(path, schema.ErrCodeValidation, "%s requires %s", n.Kind, field)
			}
			return
		}
		v.node(r, path+"."+field, c, names)
	}

	v.forbidForeign(r, path, n)

	switch n.Kind {
	case schema.KindLeaf:
		v.leaf(r, path, n)
	case schema.KindSequential, schema.KindParallel:
		for i := range n.Children {
			v.node(r, fmt.Sprintf("%s.children[%d]", path, i), &n.Children[i], names)
		}
	case schema.KindConditional:
		v.predicate(r, path, n.Predicate)
		child("then", n.Then, true)
		child("else", n.Else, true)
	case schema.KindCyclic:
		if n.Repeat < 0 {
			r.Add(path+".repeat", schema.ErrCodeValidation, "repeat must not be negative")
		}
		child("body", n.Body, true)
	case schema.KindForEach:
		child("body", n.Body, true)
	case schema.KindWhile:
		v.predicate(r, path, n.Predicate)
		child("init", n.Init, false)
		child("body", n.Body, true)
	case schema.KindAbortable:
		child("body", n.Body, true)
		if n.OnAbort != nil && n.OnAbort.Kind != schema.KindLeaf {
			r.Addf(path+".on_abort", schema.ErrCodeValidation, "on_abort must be a leaf, got %s", n.OnAbort.Kind)
		} else {
			child("on_abort", n.OnAbort, false)
		}
	case schema.KindRetry:
		if n.MaxAttempts < 1 {
			r.Add(path+".max_attempts", schema.ErrCodeValidation, "max_attempts must be at least 1")
		}
		if n.Delay != "" {
			if d, err := time.ParseDuration(n.Delay); err != nil {
				r.Addf(path+".delay", schema.ErrCodeValidation, "invalid delay %q: %v", n.Delay, err)
			} else if d < 0 {
				r.Add(path+".delay", schema.ErrCodeValidation, "delay must not be negative")
			}
		}
		child("body", n.Body, true)
	case schema.KindRecoverable:
		child("core", n.Core, true)
		child("recovery", n.Recovery, true)
	case schema.KindTryFinally:
		child("core", n.Core, true)
		child("finally", n.Finally, true)
	default:
		r.Addf(path+".kind", schema.ErrCodeValidation, "unknown kind %q", n.Kind)
	}
}

func (v *Validator) leaf(r *schema.ValidationResult, path string, n *schema.NodeDef) {
	if n.Action == "" {
		r.Add(path, schema.ErrCodeValidation, "leaf requires action")
		return
	}
	action, err := v.registry.Get(n.Action)
	if err != nil {
		r.Addf(path+".action", schema.ErrCodeActionUnavailable, "action %q is not registered", n.Action)
		return
	}

	r.Merge(v.schemas.ValidateParams(path+".params", n.Params, action.Schema().InputSchema))
	if err := action.Validate(n.Params); err != nil {
		r.Add(path+".params", schema.ErrCodeValidation, err.Error())
	}
}

func (v *Validator) predicate(r *schema.ValidationResult, path string, p *schema.PredicateDef) {
	if p == nil {
		r.Add(path, schema.ErrCodeValidation, "predicate is required")
		return
	}
	if err := v.engines.Compile(p.Engine, p.Expression); err != nil {
		r.Add(path+".predicate", schema.ErrCodeValidation, err.Error())
	}
}

// forbidForeign reports fields that the node's kind does not use.
func (v *Validator) forbidForeign(r *schema.ValidationResult, path string, n *schema.NodeDef) {
	allowed := kindFields[n.Kind]
	if allowed == nil {
		return
	}
	for _, f := range presentFields(n) {
		if f.present && !allowed[f.name] {
			r.Addf(path+"."+f.name, schema.ErrCodeValidation, "%s is not used by %s", f.name, n.Kind)
		}
	}
}

func fields(names ...string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

var kindFields = map[schema.NodeKind]map[string]bool{
	schema.KindLeaf:        fields("action", "params", "output"),
	schema.KindSequential:  fields("children"),
	schema.KindParallel:    fields("children"),
	schema.KindConditional: fields("predicate", "then", "else"),
	schema.KindCyclic:      fields("repeat", "body"),
	schema.KindForEach:     fields("items", "body"),
	schema.KindWhile:       fields("predicate", "init", "body"),
	schema.KindAbortable:   fields("body", "on_abort"),
	schema.KindRetry:       fields("max_attempts", "delay", "body"),
	schema.KindRecoverable: fields("core", "recovery"),
	schema.KindTryFinally:  fields("core", "finally"),
}

type field struct {
	name    string
	present bool
}

func presentFields(n *schema.NodeDef) []field {
	return []field{
		{"action", n.Action != ""},
		{"params", len(n.Params) > 0},
		{"output", n.Output != ""},
		{"children", len(n.Children) > 0},
		{"predicate", n.Predicate != nil},
		{"then", n.Then != nil},
		{"else", n.Else != nil},
		{"init", n.Init != nil},
		{"body", n.Body != nil},
		{"repeat", n.Repeat != 0},
		{"items", len(n.Items) > 0},
		{"on_abort", n.OnAbort != nil},
		{"max_attempts", n.MaxAttempts != 0},
		{"delay", n.Delay != ""},
		{"core", n.Core != nil},
		{"recovery", n.Recovery != nil},
		{"finally", n.Finally != nil},
	}
}
