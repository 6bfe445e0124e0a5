package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprEngine evaluates expr-lang/expr expressions. Every key of the data map
// is a top-level variable; undefined variables evaluate to nil.
type ExprEngine struct {
	programs *programCache[*vm.Program]
}

// NewExprEngine creates the default engine. Programs compile without a typed
// environment so one cached program serves data maps whose value types change
// between runs.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{
		programs: newProgramCache("expr", func(src string) (*vm.Program, error) {
			return expr.Compile(src, expr.AllowUndefinedVariables())
		}),
	}
}

func (e *ExprEngine) Name() string { return "expr" }

func (e *ExprEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	if err := requireSource("expr", expression); err != nil {
		return nil, err
	}
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	out, err := vm.Run(prg, data)
	if err != nil {
		return nil, e.programs.fail(errCodeEval, "evaluation", expression, err)
	}
	return out, nil
}

func (e *ExprEngine) Compile(expression string) error {
	if err := requireSource("expr", expression); err != nil {
		return err
	}
	_, err := e.programs.get(expression)
	return err
}

var _ Engine = (*ExprEngine)(nil)
