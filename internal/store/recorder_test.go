package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/cmdengine/pkg/command"
	"github.com/rendis/cmdengine/pkg/schema"
)

func TestRecorder_PersistsTreeTransitions(t *testing.T) {
	command.SetLoggingEnabled(false)
	t.Cleanup(func() { command.SetLoggingEnabled(true) })

	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s, "pair")

	first := command.NewLeaf("First", nil)
	second := command.NewLeaf("Second", func(context.Context) error {
		return schema.NewError(9, "nope")
	})
	root := command.NewSequential("Pair", first, second)

	rec := NewRecorder(s, run.ID, nil)
	stop := command.Observe(root, rec)
	require.NoError(t, root.Run(ctx))
	stop()
	rec.Close()
	rec.Close()

	list, err := s.ListTransitions(ctx, run.ID, 0)
	require.NoError(t, err)
	require.Len(t, list, 6)

	var seq []string
	for _, tr := range list {
		seq = append(seq, tr.Command+":"+tr.To.String())
	}
	assert.Equal(t, []string{
		"Pair:executing",
		"First:executing",
		"First:completed",
		"Second:executing",
		"Second:failed",
		"Pair:failed",
	}, seq)

	assert.Equal(t, "sequential", list[0].Kind)
	require.NotNil(t, list[4].Error)
	assert.Equal(t, 9, list[4].Error.Code)
}

func TestRecorder_DropsAfterClose(t *testing.T) {
	s := newTestStore(t)
	run := seedRun(t, s, "x")

	rec := NewRecorder(s, run.ID, nil)
	rec.Close()
	rec.OnStateChange(nil, schema.StateChange{Command: "late", Kind: "leaf", To: schema.StateExecuting})

	list, err := s.ListTransitions(context.Background(), run.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, list)
}
