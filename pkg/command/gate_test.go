package command

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGate_DisarmedReturnsImmediately(t *testing.T) {
	g := NewGate(false)
	assert.True(t, g.IsSet())
	assert.True(t, g.WaitTimeout(10*time.Millisecond))
}

func TestGate_ArmedBlocksUntilSet(t *testing.T) {
	g := NewGate(true)
	assert.False(t, g.IsSet())
	assert.False(t, g.WaitTimeout(20*time.Millisecond))

	go func() {
		time.Sleep(20 * time.Millisecond)
		g.Set()
	}()
	assert.True(t, g.WaitTimeout(waitTimeout))
}

func TestGate_SetWakesAllWaiters(t *testing.T) {
	g := NewGate(true)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Wait()
		}()
	}

	time.Sleep(20 * time.Millisecond)
	g.Set()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	waitFor(t, done)
}

func TestGate_ResetRearms(t *testing.T) {
	g := NewGate(true)
	g.Set()
	g.Set()
	require.True(t, g.IsSet())

	g.Reset()
	g.Reset()
	assert.False(t, g.IsSet())
	assert.False(t, g.WaitTimeout(10*time.Millisecond))
}

func TestGate_WaitContext(t *testing.T) {
	g := NewGate(true)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, g.WaitContext(ctx), context.DeadlineExceeded)

	g.Set()
	assert.NoError(t, g.WaitContext(context.Background()))
}
