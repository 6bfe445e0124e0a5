package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/cmdengine/pkg/schema"
)

func TestNewExprEngine(t *testing.T) {
	e := NewExprEngine()
	assert.NotNil(t, e)
	assert.Equal(t, "expr", e.Name())
}

func TestExpr_Literals(t *testing.T) {
	e := NewExprEngine()

	tests := []struct {
		expression string
		want       any
	}{
		{"42", 42},
		{`"hello"`, "hello"},
		{"true", true},
		{"10 + 3", 13},
	}
	for _, tt := range tests {
		t.Run(tt.expression, func(t *testing.T) {
			out, err := e.Evaluate(context.Background(), tt.expression, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestExpr_Variables(t *testing.T) {
	e := NewExprEngine()
	data := map[string]any{
		"vars":  map[string]any{"offset": 0.4, "axis": "x"},
		"cycle": 2,
	}

	out, err := e.Evaluate(context.Background(), `vars.offset < 0.5 && vars.axis == "x"`, data)
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = e.Evaluate(context.Background(), "cycle < 3", data)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestExpr_UndefinedVariableIsNil(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(), "missing == nil", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestExpr_CacheServesChangingTypes(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(), "value", map[string]any{"value": 1})
	require.NoError(t, err)
	assert.Equal(t, 1, out)

	out, err = e.Evaluate(context.Background(), "value", map[string]any{"value": "one"})
	require.NoError(t, err)
	assert.Equal(t, "one", out)
}

func TestExpr_Errors(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), "", nil)
	assertOpCode(t, err, schema.ErrCodeValidation)

	_, err = e.Evaluate(context.Background(), "1 +", nil)
	assertOpCode(t, err, schema.ErrCodeValidation)

	_, err = e.Evaluate(context.Background(), `vars.count / "x"`, map[string]any{"vars": map[string]any{"count": 1}})
	require.Error(t, err)
}

func TestExpr_Concurrent(t *testing.T) {
	e := NewExprEngine()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			out, err := e.Evaluate(context.Background(), "n * 2", map[string]any{"n": n})
			assert.NoError(t, err)
			assert.Equal(t, n*2, out)
		}(i)
	}
	wg.Wait()
}

func assertOpCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	var opErr *schema.OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, code, opErr.Code)
}

func TestEnginesCompile(t *testing.T) {
	engines, err := NewEngines()
	require.NoError(t, err)

	require.NoError(t, engines.Compile("", "vars.count > 1"))
	require.NoError(t, engines.Compile("cel", "vars.count > 1"))
	require.NoError(t, engines.Compile("jq", ".vars.count > 1"))

	assertOpCode(t, engines.Compile("expr", "vars.count >"), schema.ErrCodeValidation)
	assertOpCode(t, engines.Compile("jq", ".vars["), schema.ErrCodeValidation)
	assertOpCode(t, engines.Compile("lua", "true"), schema.ErrCodeValidation)
}
