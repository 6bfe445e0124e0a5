package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/cmdengine/pkg/schema"
)

func TestNewCELEngine(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	assert.Equal(t, "cel", e.Name())
}

func TestCEL_Literals(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), "1 + 2", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), out)

	out, err = e.Evaluate(context.Background(), `"a" + "b"`, nil)
	require.NoError(t, err)
	assert.Equal(t, "ab", out)
}

func TestCEL_Variables(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	data := map[string]any{
		"vars":  map[string]any{"aligned": false, "score": 0.92},
		"cycle": 3,
		"item":  "camera-2",
	}

	t.Run("vars", func(t *testing.T) {
		out, err := e.Evaluate(context.Background(), `!vars.aligned && vars.score > 0.9`, data)
		require.NoError(t, err)
		assert.Equal(t, true, out)
	})

	t.Run("cycle", func(t *testing.T) {
		out, err := e.Evaluate(context.Background(), `cycle >= 3`, data)
		require.NoError(t, err)
		assert.Equal(t, true, out)
	})

	t.Run("item", func(t *testing.T) {
		out, err := e.Evaluate(context.Background(), `item.startsWith("camera")`, data)
		require.NoError(t, err)
		assert.Equal(t, true, out)
	})

	t.Run("has on vars", func(t *testing.T) {
		out, err := e.Evaluate(context.Background(), `has(vars.missing)`, data)
		require.NoError(t, err)
		assert.Equal(t, false, out)
	})
}

func TestCEL_DefaultsOutsideLoops(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), `cycle == 0 && size(vars) == 0`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCEL_Errors(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), "", nil)
	assertOpCode(t, err, schema.ErrCodeValidation)

	_, err = e.Evaluate(context.Background(), "unknown_var > 1", nil)
	assertOpCode(t, err, schema.ErrCodeValidation)

	_, err = e.Evaluate(context.Background(), "vars.missing > 1", map[string]any{"vars": map[string]any{}})
	assertOpCode(t, err, schema.ErrCodeExpression)
}

func TestCEL_Caching(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := e.Evaluate(context.Background(), "cycle + 1", map[string]any{"cycle": i})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, e.programs.len())
}
