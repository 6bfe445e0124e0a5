package actions

import (
	"context"
	"encoding/json"

	"github.com/rendis/cmdengine/internal/expressions"
	"github.com/rendis/cmdengine/pkg/schema"
)

// CodeAssertionFailed is the classified error code of a false assert.expr.
const CodeAssertionFailed = 3001

// ExprActions returns the expression evaluation actions.
func ExprActions(engines *expressions.Engines) []Action {
	return []Action{
		&exprEvalAction{engines: engines},
		&assertExprAction{engines: engines},
	}
}

const exprInputSchema = `{
  "type": "object",
  "properties": {
    "expression": {"type": "string", "minLength": 1},
    "engine": {"type": "string", "enum": ["expr", "cel", "jq"]},
    "store": {"type": "string"},
    "message": {"type": "string"},
    "tier": {"type": "string", "enum": ["base", "recoverable", "retryable"]}
  },
  "required": ["expression"]
}`

func validateExpression(engines *expressions.Engines, action string, params map[string]any) error {
	if paramSet(params).str("expression") == "" {
		return schema.NewOpErrorf(schema.ErrCodeValidation, "%s requires non-empty 'expression' string parameter", action)
	}
	_, err := engines.Get(paramSet(params).str("engine"))
	return err
}

func evaluate(ctx context.Context, engines *expressions.Engines, input ActionInput) (any, error) {
	eng, err := engines.Get(paramSet(input.Params).str("engine"))
	if err != nil {
		return nil, err
	}
	out, err := eng.Evaluate(ctx, paramSet(input.Params).str("expression"), expressions.Data(ctx, input.Vars))
	if err != nil {
		return nil, expressions.Classify(err)
	}
	return out, nil
}

// --- expr.eval ---

type exprEvalAction struct {
	engines *expressions.Engines
}

func (a *exprEvalAction) Name() string { return "expr.eval" }

func (a *exprEvalAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Evaluate an expression against the tree variables; 'store' saves the result as a variable",
		InputSchema: json.RawMessage(exprInputSchema),
	}
}

func (a *exprEvalAction) Validate(params map[string]any) error {
	return validateExpression(a.engines, a.Name(), params)
}

func (a *exprEvalAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	result, err := evaluate(ctx, a.engines, input)
	if err != nil {
		return nil, err
	}
	if name := paramSet(input.Params).str("store"); name != "" && input.Vars != nil {
		input.Vars.Set(name, result)
	}
	return marshalOutput(map[string]any{"result": result})
}

// --- assert.expr ---

type assertExprAction struct {
	engines *expressions.Engines
}

func (a *assertExprAction) Name() string { return "assert.expr" }

func (a *assertExprAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Fail with a classified error unless the expression evaluates to true",
		InputSchema: json.RawMessage(exprInputSchema),
	}
}

func (a *assertExprAction) Validate(params map[string]any) error {
	if err := validateExpression(a.engines, a.Name(), params); err != nil {
		return err
	}
	_, err := schema.ParseTier(paramSet(params).str("tier"))
	return err
}

func (a *assertExprAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	if err := a.Validate(input.Params); err != nil {
		return nil, err
	}
	result, err := evaluate(ctx, a.engines, input)
	if err != nil {
		return nil, err
	}
	if pass, ok := result.(bool); ok && pass {
		return marshalOutput(map[string]any{"pass": true})
	}

	msg := paramSet(input.Params).str("message")
	if msg == "" {
		msg = "assertion failed: " + paramSet(input.Params).str("expression")
	}
	tier, _ := schema.ParseTier(paramSet(input.Params).str("tier"))
	return nil, schema.NewTieredError(tier, CodeAssertionFailed, msg)
}
