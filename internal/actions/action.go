package actions

import (
	"context"
	"encoding/json"

	"github.com/rendis/cmdengine/internal/expressions"
)

// Action is the unit of work behind a blueprint leaf.
//
// Execute returns a *schema.CommandError (possibly wrapped) for failures the
// tree should classify, and the context error when it stops because the
// leaf was aborted. Any other error is an unclassified fault.
type Action interface {
	Name() string
	Schema() ActionSchema
	Execute(ctx context.Context, input ActionInput) (*ActionOutput, error)
	Validate(params map[string]any) error
}

// ActionRegistry manages the lookup of available actions.
type ActionRegistry interface {
	Register(action Action) error
	Get(name string) (Action, error)
	List() []ActionInfo
}

// ActionSchema describes the parameter contract of an action.
type ActionSchema struct {
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Description string          `json:"description,omitempty"`
}

// ActionInput is the data provided to an action at execution time.
type ActionInput struct {
	Params map[string]any `json:"params"`

	// Command is the name of the leaf running the action.
	Command string `json:"command,omitempty"`
	// Invocation counts the runs of that leaf, starting at 1.
	Invocation int `json:"invocation"`

	// Vars is the variable bag of the tree; nil outside a built tree.
	Vars *expressions.Variables `json:"-"`
}

// ActionOutput is the result of an action execution.
type ActionOutput struct {
	Data json.RawMessage `json:"data,omitempty"`
}

// Value decodes the output data. Empty output decodes to nil.
func (o *ActionOutput) Value() (any, error) {
	if o == nil || len(o.Data) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(o.Data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// ActionInfo is a summary of a registered action for listing.
type ActionInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}
