package expressions

import (
	"context"
	"errors"
	"fmt"

	"github.com/rendis/cmdengine/pkg/command"
	"github.com/rendis/cmdengine/pkg/schema"
)

// Classified error codes raised by expression evaluation.
const (
	CodePredicateNotBoolean = 2001
	CodeEvaluationFailed    = 2002
)

// Classify turns an evaluation error into a base classified error so that
// it fails the command running it. Compile and validation errors are
// returned unchanged and surface as unclassified faults.
func Classify(err error) error {
	var opErr *schema.OpError
	if errors.As(err, &opErr) && opErr.Code == schema.ErrCodeExpression {
		return schema.NewError(CodeEvaluationFailed, opErr.Message).WithCause(err)
	}
	return err
}

// Predicate turns an expression into a command predicate evaluated against
// Data(ctx, vars) on every call. A result that is not a boolean fails the
// owning command with a base classified error.
func Predicate(engine Engine, expression string, vars *Variables) command.Predicate {
	return func(ctx context.Context) (bool, error) {
		out, err := engine.Evaluate(ctx, expression, Data(ctx, vars))
		if err != nil {
			return false, Classify(err)
		}

		b, ok := out.(bool)
		if !ok {
			return false, schema.NewErrorf(CodePredicateNotBoolean,
				"predicate %q returned %s, want bool", expression, describe(out))
		}
		return b, nil
	}
}

func describe(v any) string {
	if v == nil {
		return "null"
	}
	return fmt.Sprintf("%T (%v)", v, v)
}
