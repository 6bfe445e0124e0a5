package schema

// Event type constants published on the event hub and persisted by the run
// history.
const (
	EventStateChanged = "command.state_changed"
	EventProgress     = "command.progress"

	EventRunStarted  = "run.started"
	EventRunFinished = "run.finished"

	EventControlPause  = "control.pause"
	EventControlResume = "control.resume"
	EventControlAbort  = "control.abort"
)

// ControlAction is an external control signal addressed to a running tree.
type ControlAction string

const (
	ControlPause  ControlAction = "pause"
	ControlResume ControlAction = "resume"
	ControlAbort  ControlAction = "abort"
)

// Valid reports whether the action is one of the known control signals.
func (a ControlAction) Valid() bool {
	switch a {
	case ControlPause, ControlResume, ControlAbort:
		return true
	}
	return false
}

// EventType returns the event published when the control signal is applied.
func (a ControlAction) EventType() string {
	switch a {
	case ControlPause:
		return EventControlPause
	case ControlResume:
		return EventControlResume
	default:
		return EventControlAbort
	}
}
