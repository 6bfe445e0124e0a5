package streaming

import (
	"context"
	"time"
)

// Event is a real-time notification about a run.
type Event struct {
	RunID     string    `json:"run_id"`
	Command   string    `json:"command,omitempty"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// EventFilter selects events for a subscriber. Empty fields match anything.
type EventFilter struct {
	RunID   string   `json:"run_id,omitempty"`
	Command string   `json:"command,omitempty"`
	Types   []string `json:"types,omitempty"`
}

// EventHub provides real-time pub/sub for run events.
type EventHub interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan Event, func(), error)
	Close()
}
