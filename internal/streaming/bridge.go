package streaming

import (
	"context"

	"github.com/rendis/cmdengine/pkg/command"
	"github.com/rendis/cmdengine/pkg/schema"
)

// Bridge publishes the notifications of one run's commands on a hub.
type Bridge struct {
	hub   EventHub
	runID string
}

// NewBridge returns an observer publishing under runID.
func NewBridge(hub EventHub, runID string) *Bridge {
	return &Bridge{hub: hub, runID: runID}
}

var _ command.Observer = (*Bridge)(nil)

func (b *Bridge) OnStateChange(_ command.Command, change schema.StateChange) {
	_ = b.hub.Publish(context.Background(), Event{
		RunID:     b.runID,
		Command:   change.Command,
		Type:      schema.EventStateChanged,
		Timestamp: change.Timestamp,
		Payload:   change,
	})
}

func (b *Bridge) OnProgress(c command.Command, update schema.ProgressUpdate) {
	_ = b.hub.Publish(context.Background(), Event{
		RunID:   b.runID,
		Command: c.Name(),
		Type:    schema.EventProgress,
		Payload: update,
	})
}

// Publish sends a run-level event such as run.started.
func (b *Bridge) Publish(eventType string, payload any) {
	_ = b.hub.Publish(context.Background(), Event{
		RunID:   b.runID,
		Type:    eventType,
		Payload: payload,
	})
}
