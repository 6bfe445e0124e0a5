package command

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rendis/cmdengine/pkg/schema"
)

const (
	threadLatency = 200 * time.Millisecond
	waitTimeout   = 5 * time.Second

	testErrorCode = -1
	testErrorText = "Command delegate error"
)

var errFault = errors.New("unclassified fault")

// runAsync starts cmd on another goroutine and waits until it is executing.
func runAsync(t *testing.T, cmd Command) <-chan error {
	t.Helper()
	cmd.ResetFinished()
	done := make(chan error, 1)
	go func() { done <- cmd.Run(context.Background()) }()
	require.True(t, cmd.WaitUntilStarted(waitTimeout), "command %s did not start", cmd.Name())
	return done
}

func awaitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("run did not finish in time")
		return nil
	}
}

func noop(name string) *Leaf {
	return NewLeaf(name, func(context.Context) error { return nil })
}

func sleeper(name string, d time.Duration) *Leaf {
	return NewLeaf(name, func(context.Context) error {
		time.Sleep(d)
		return nil
	})
}

func failing(name string, err error) *Leaf {
	return NewLeaf(name, func(context.Context) error { return err })
}

// blocker returns a leaf that blocks until its context is cancelled, and a
// channel closed once the leaf is running.
func blocker(name string) (*Leaf, <-chan struct{}) {
	started := make(chan struct{})
	var once sync.Once
	return NewLeaf(name, func(ctx context.Context) error {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return ctx.Err()
	}), started
}

// counter is a leaf work function that counts its invocations and returns
// the error produced for the n-th call.
type counter struct {
	calls atomic.Int32
	errAt func(n int) error
}

func (c *counter) fn(context.Context) error {
	n := int(c.calls.Add(1))
	if c.errAt == nil {
		return nil
	}
	return c.errAt(n)
}

func (c *counter) count() int { return int(c.calls.Load()) }

func baseErr() *schema.CommandError {
	return schema.NewError(testErrorCode, testErrorText)
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for signal")
	}
}

// logRecorder is a LogSink that keeps every message.
type logRecorder struct {
	mu      sync.Mutex
	entries []logEntry
}

type logEntry struct {
	level Level
	msg   string
}

func (r *logRecorder) Log(_ time.Time, level Level, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, logEntry{level: level, msg: msg})
}

func (r *logRecorder) snapshot() []logEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]logEntry(nil), r.entries...)
}

func installRecorder(t *testing.T) *logRecorder {
	t.Helper()
	rec := &logRecorder{}
	SetLogSink(rec)
	t.Cleanup(func() {
		SetLogSink(nil)
		SetLoggingEnabled(true)
	})
	return rec
}
