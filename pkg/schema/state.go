package schema

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a command.
type State int

const (
	StateIdle State = iota
	StateExecuting
	StateFailed
	StateAborted
	StateCompleted
)

var stateNames = [...]string{
	StateIdle:      "idle",
	StateExecuting: "executing",
	StateFailed:    "failed",
	StateAborted:   "aborted",
	StateCompleted: "completed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// IsTerminal returns true for Completed, Failed and Aborted.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateAborted
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(b []byte) error {
	st, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// ParseState maps a state name back to a State.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return StateIdle, NewOpErrorf(ErrCodeValidation, "unknown state %q", name)
}

// StateChange is emitted on every state transition of a command.
type StateChange struct {
	RunID     string        `json:"run_id"`
	Command   string        `json:"command"`
	Kind      string        `json:"kind"`
	From      State         `json:"from"`
	To        State         `json:"to"`
	Err       *CommandError `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// ProgressUpdate is an immutable progress snapshot, emitted each time a leaf
// of the running command completes.
type ProgressUpdate struct {
	RunID    string  `json:"run_id"`
	Command  string  `json:"command"`
	Percent  int     `json:"percent"`
	Fraction float64 `json:"fraction"`
	Message  string  `json:"message"`
}
