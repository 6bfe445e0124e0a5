package actions

import (
	"context"
	"encoding/json"

	"github.com/rendis/cmdengine/pkg/schema"
)

// VarActions returns the actions that manipulate tree variables.
func VarActions() []Action {
	return []Action{&varsSetAction{}}
}

type varsSetAction struct{}

func (a *varsSetAction) Name() string { return "vars.set" }

func (a *varsSetAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Store a value in the tree variables",
		InputSchema: json.RawMessage(`{
  "type": "object",
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "value": {}
  },
  "required": ["name", "value"]
}`),
	}
}

func (a *varsSetAction) Validate(params map[string]any) error {
	if paramSet(params).str("name") == "" {
		return schema.NewOpError(schema.ErrCodeValidation, "vars.set: missing required param 'name'")
	}
	if _, ok := params["value"]; !ok {
		return schema.NewOpError(schema.ErrCodeValidation, "vars.set: missing required param 'value'")
	}
	return nil
}

func (a *varsSetAction) Execute(_ context.Context, input ActionInput) (*ActionOutput, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	if input.Vars == nil {
		return nil, schema.NewOpError(schema.ErrCodeInvalidState, "vars.set: no variables attached to this run")
	}
	name := paramSet(input.Params).str("name")
	input.Vars.Set(name, input.Params["value"])
	return marshalOutput(map[string]any{"name": name, "value": input.Params["value"]})
}
