package command

import (
	"context"
	"time"

	"github.com/rendis/cmdengine/pkg/schema"
)

// Retry re-runs its body while it fails with a retry-tier error, up to a
// maximum number of attempts. It always waits the configured delay once at
// the end of a run, whatever the outcome, unless the run is aborted.
type Retry struct {
	*lifecycle
	decorator
	maxAttempts int
	delay       time.Duration
	attempt     int
}

// NewRetry wraps body. It panics on a nil body.
func NewRetry(name string, body Command, maxAttempts int, delay time.Duration) *Retry {
	name = nameOr(name, "Retry")
	mustCommand(body, "body", name)

	c := &Retry{decorator: decorator{body: body}, maxAttempts: maxAttempts, delay: delay}
	c.lifecycle = newLifecycle(c, KindRetry, name)
	return c
}

func (c *Retry) MaxAttempts() int     { return c.maxAttempts }
func (c *Retry) Delay() time.Duration { return c.delay }

// CurrentAttempt is 1-based during a run and keeps its last value afterwards.
func (c *Retry) CurrentAttempt() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.attempt
}

func (c *Retry) setAttempt(n int) {
	c.mu.Lock()
	c.attempt = n
	c.mu.Unlock()
}

func (c *Retry) execute(ctx context.Context) error {
	c.setAttempt(0)
	for i := 1; i <= c.maxAttempts; i++ {
		c.setAttempt(i)
		if err := c.body.Run(ctx); err != nil {
			return err
		}
		c.checkpoint()

		s := c.body.State()
		if s == schema.StateCompleted || s == schema.StateAborted || c.State() == schema.StateAborted {
			break
		}
		ce := c.body.Err()
		if s == schema.StateFailed && !ce.AllowsRetry() {
			break
		}
		if ce.AllowsRetry() {
			logf(LevelError, "ERROR (RECOVERED)[%d] - %s", ce.Code, ce.Text)
		}
	}

	if c.body.State() == schema.StateFailed {
		c.fail(c.body.Err())
	}

	c.sleep(ctx)
	return nil
}

// sleep waits the delay. An abort cancels ctx and cuts the wait short.
func (c *Retry) sleep(ctx context.Context) {
	if c.delay <= 0 {
		return
	}
	timer := time.NewTimer(c.delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (c *Retry) checkErrors() {
	c.adopt(c.body)
}
