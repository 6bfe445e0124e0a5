package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunRendersExamples(t *testing.T) {
	out := t.TempDir()
	require.NoError(t, run(context.Background(), filepath.Join("..", "..", "examples"), out))

	for _, name := range []string{"deploy.txt", "deploy.mmd", "deploy.svg", "poller.txt", "flaky.svg"} {
		_, err := os.Stat(filepath.Join(out, name))
		assert.NoError(t, err, name)
	}

	data, err := os.ReadFile(filepath.Join(out, "poller.mmd"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "graph TD")
}

func TestRunWithoutBlueprints(t *testing.T) {
	err := run(context.Background(), t.TempDir(), t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no blueprints")
}
