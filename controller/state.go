package controller

// State is the lifecycle position of a session.
type State int

// Session lifecycle states
const (
	StateInvalid State = iota
	StateRequested
	StateAcknowledged
	StateAwaitingCallback
	StateBridged
	StateExecuting
	StateCompleted
	StateAborted
	StateReleased
)

var stateString = [...]string{
	"invalid",
	"requested",
	"acknowledged",
	"awaiting_callback",
	"bridged",
	"executing",
	"completed",
	"aborted",
	"released",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateString) {
		return stateString[0]
	}
	return stateString[s]
}

// Terminal reports whether no further workload activity is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted || s == StateReleased
}

// canAdvance is the transition relation of the session state machine.
// Aborted is reachable from every live state; Released only from the two
// terminal outcomes.
func canAdvance(from, to State) bool {
	switch to {
	case StateAcknowledged:
		return from == StateRequested
	case StateAwaitingCallback:
		return from == StateAcknowledged
	case StateBridged:
		return from == StateAwaitingCallback
	case StateExecuting:
		return from == StateBridged
	case StateCompleted:
		return from == StateExecuting
	case StateAborted:
		return from != StateInvalid && !from.Terminal()
	case StateReleased:
		return from == StateCompleted || from == StateAborted
	default:
		return false
	}
}
