package expressions

import (
	"context"

	"github.com/itchyny/gojq"
)

// GoJQEngine runs jq filters with the data map as the input object.
type GoJQEngine struct {
	programs *programCache[*gojq.Code]
}

// NewGoJQEngine creates a jq engine. Filters cannot read the process
// environment through $ENV.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{
		programs: newProgramCache("jq", func(src string) (*gojq.Code, error) {
			query, err := gojq.Parse(src)
			if err != nil {
				return nil, err
			}
			return gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
		}),
	}
}

func (e *GoJQEngine) Name() string { return "jq" }

// Evaluate collects the filter's outputs: nil for none, the value itself for
// one, a []any for several.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if err := requireSource("jq", expression); err != nil {
		return nil, err
	}
	code, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}

	var outputs []any
	iter := code.RunWithContext(ctx, toJQValue(data))
	for v, ok := iter.Next(); ok; v, ok = iter.Next() {
		if runErr, isErr := v.(error); isErr {
			return nil, e.programs.fail(errCodeEval, "evaluation", expression, runErr)
		}
		outputs = append(outputs, v)
	}

	switch len(outputs) {
	case 0:
		return nil, nil
	case 1:
		return outputs[0], nil
	}
	return outputs, nil
}

func (e *GoJQEngine) Compile(expression string) error {
	if err := requireSource("jq", expression); err != nil {
		return err
	}
	_, err := e.programs.get(expression)
	return err
}

// toJQValue widens numeric types gojq rejects to float64. A nil map becomes
// an empty object.
func toJQValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		obj := make(map[string]any, len(val))
		for k, item := range val {
			obj[k] = toJQValue(item)
		}
		return obj
	case []any:
		arr := make([]any, len(val))
		for i, item := range val {
			arr[i] = toJQValue(item)
		}
		return arr
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case uint:
		return float64(val)
	case float32:
		return float64(val)
	}
	return v
}

var _ Engine = (*GoJQEngine)(nil)
