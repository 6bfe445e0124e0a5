package expressions

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/cmdengine/pkg/schema"
)

func TestProgramCache(t *testing.T) {
	calls := 0
	c := newProgramCache("test", func(src string) (int, error) {
		calls++
		if src == "bad" {
			return 0, errors.New("syntax")
		}
		return len(src), nil
	})

	for range 3 {
		n, err := c.get("abc")
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	}
	assert.Equal(t, 1, calls)

	_, err := c.get("bad")
	var opErr *schema.OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, schema.ErrCodeValidation, opErr.Code)
	assert.Equal(t, "test", opErr.Details["engine"])
	assert.Equal(t, "bad", opErr.Details["expression"])

	_, err = c.get("bad")
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 1, c.len())
}
