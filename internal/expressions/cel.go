package expressions

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
)

// CELEngine evaluates Common Expression Language predicates.
type CELEngine struct {
	env      *cel.Env
	programs *programCache[cel.Program]
}

// NewCELEngine creates a CEL engine whose environment declares:
//   - vars:  map(string, dyn), the tree variables
//   - cycle: dyn, the innermost loop counter
//   - item:  dyn, the innermost foreach element
func NewCELEngine() (*CELEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable(VarVars, cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable(VarCycle, cel.DynType),
		cel.Variable(VarItem, cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	e := &CELEngine{env: env}
	e.programs = newProgramCache("cel", e.compile)
	return e, nil
}

func (e *CELEngine) compile(src string) (cel.Program, error) {
	ast, issues := e.env.Compile(src)
	if err := issues.Err(); err != nil {
		return nil, err
	}
	return e.env.Program(ast)
}

func (e *CELEngine) Name() string { return "cel" }

func (e *CELEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	if err := requireSource("cel", expression); err != nil {
		return nil, err
	}
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}
	out, _, err := prg.Eval(celActivation(data))
	if err != nil {
		return nil, e.programs.fail(errCodeEval, "evaluation", expression, err)
	}
	return out.Value(), nil
}

func (e *CELEngine) Compile(expression string) error {
	if err := requireSource("cel", expression); err != nil {
		return err
	}
	_, err := e.programs.get(expression)
	return err
}

// celActivation binds every declared variable. Outside a loop cycle is 0 and
// item is null, so predicates never hit a missing attribute.
func celActivation(data map[string]any) map[string]any {
	act := map[string]any{
		VarVars:  map[string]any{},
		VarCycle: 0,
		VarItem:  nil,
	}
	for key := range act {
		if v, ok := data[key]; ok && v != nil {
			act[key] = v
		}
	}
	return act
}

var _ Engine = (*CELEngine)(nil)
