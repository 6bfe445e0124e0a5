package blueprint

import (
	"cmp"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/cmdengine/pkg/schema"
)

const blueprintSchemaURL = "https://cmdengine.dev/schemas/blueprint.json"

// blueprintSchemaJSON is the JSON Schema of a blueprint document. Arity
// rules that depend on the node kind are checked by Validate.
const blueprintSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://cmdengine.dev/schemas/blueprint.json",
  "type": "object",
  "required": ["name", "root"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "description": {"type": "string"},
    "variables": {"type": "object"},
    "root": {"$ref": "#/$defs/node"}
  },
  "additionalProperties": false,
  "$defs": {
    "duration": {
      "type": "string",
      "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
    },
    "predicate": {
      "type": "object",
      "required": ["expression"],
      "properties": {
        "engine": {"type": "string", "enum": ["expr", "cel", "jq"]},
        "expression": {"type": "string", "minLength": 1}
      },
      "additionalProperties": false
    },
    "node": {
      "type": "object",
      "required": ["kind"],
      "properties": {
        "kind": {
          "type": "string",
          "enum": ["leaf", "sequential", "parallel", "conditional", "cyclic", "foreach",
                   "while", "abortable", "retry", "recoverable", "try_finally"]
        },
        "name": {"type": "string"},
        "action": {"type": "string", "minLength": 1},
        "params": {"type": "object"},
        "output": {"type": "string", "minLength": 1},
        "children": {"type": "array", "items": {"$ref": "#/$defs/node"}},
        "predicate": {"$ref": "#/$defs/predicate"},
        "then": {"$ref": "#/$defs/node"},
        "else": {"$ref": "#/$defs/node"},
        "init": {"$ref": "#/$defs/node"},
        "body": {"$ref": "#/$defs/node"},
        "repeat": {"type": "integer", "minimum": 0},
        "items": {"type": "array"},
        "on_abort": {"$ref": "#/$defs/node"},
        "max_attempts": {"type": "integer", "minimum": 1},
        "delay": {"$ref": "#/$defs/duration"},
        "core": {"$ref": "#/$defs/node"},
        "recovery": {"$ref": "#/$defs/node"},
        "finally": {"$ref": "#/$defs/node"}
      },
      "additionalProperties": false
    }
  }
}`

// SchemaValidator checks blueprint documents and action parameters against
// JSON Schema Draft 2020-12. It is safe for concurrent use.
type SchemaValidator struct {
	blueprintSchema *jsonschema.Schema

	// actionSchemas maps the SHA-256 of an input schema to its compiled form.
	actionSchemas sync.Map
}

// NewSchemaValidator compiles the blueprint schema.
func NewSchemaValidator() (*SchemaValidator, error) {
	compiled, err := compileSchema(blueprintSchemaURL, blueprintSchemaJSON)
	if err != nil {
		return nil, fmt.Errorf("blueprint schema: %w", err)
	}
	return &SchemaValidator{blueprintSchema: compiled}, nil
}

// ValidateDocument validates a decoded blueprint document.
func (v *SchemaValidator) ValidateDocument(doc any) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	value, err := toJSONValue(doc)
	if err != nil {
		result.Addf("$", schema.ErrCodeValidation, "blueprint is not JSON-compatible: %v", err)
		return result
	}
	if err := v.blueprintSchema.Validate(value); err != nil {
		for _, issue := range violations(err) {
			result.Add(cmp.Or(strings.TrimPrefix(issue.Path, "."), "$"), schema.ErrCodeValidation, issue.Message)
		}
	}
	return result
}

// ValidateParams validates action parameters against the action's input
// schema. An empty schema accepts anything.
func (v *SchemaValidator) ValidateParams(path string, params map[string]any, inputSchema []byte) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if len(inputSchema) == 0 {
		return result
	}
	if params == nil {
		params = map[string]any{}
	}

	compiled, err := v.actionSchema(inputSchema)
	if err != nil {
		result.Addf(path, schema.ErrCodeValidation, "invalid action input schema: %v", err)
		return result
	}
	value, err := toJSONValue(params)
	if err != nil {
		result.Addf(path, schema.ErrCodeValidation, "params are not JSON-compatible: %v", err)
		return result
	}
	if err := compiled.Validate(value); err != nil {
		for _, issue := range violations(err) {
			result.Add(path+issue.Path, schema.ErrCodeValidation, issue.Message)
		}
	}
	return result
}

// actionSchema compiles src once per distinct content. Two callers racing on
// the same new schema may both compile it; the first stored copy wins.
func (v *SchemaValidator) actionSchema(src []byte) (*jsonschema.Schema, error) {
	sum := sha256.Sum256(src)
	key := hex.EncodeToString(sum[:])
	if cached, ok := v.actionSchemas.Load(key); ok {
		return cached.(*jsonschema.Schema), nil
	}
	compiled, err := compileSchema("cmdengine://action-schema/"+key, string(src))
	if err != nil {
		return nil, err
	}
	actual, _ := v.actionSchemas.LoadOrStore(key, compiled)
	return actual.(*jsonschema.Schema), nil
}

// compileSchema compiles src on its own compiler so resource URLs never
// collide. Formats are asserted.
func compileSchema(url, src string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile(url)
}

// toJSONValue round-trips v through JSON so numbers become json.Number, as
// the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// violations flattens a ValidationError tree into its leaf messages, each
// located by an instance path such as ".root.children[1].kind".
func violations(err error) []schema.ValidationIssue {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []schema.ValidationIssue{{Message: err.Error()}}
	}
	if len(verr.Causes) == 0 {
		return []schema.ValidationIssue{{Path: instancePath(verr.InstanceLocation), Message: verr.Error()}}
	}

	var out []schema.ValidationIssue
	for _, cause := range verr.Causes {
		out = append(out, violations(cause)...)
	}
	return out
}

func instancePath(location []string) string {
	var b strings.Builder
	for _, seg := range location {
		if isIndex(seg) {
			b.WriteString("[" + seg + "]")
			continue
		}
		b.WriteString("." + seg)
	}
	return b.String()
}

func isIndex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
