package controller

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/require"
)

var allStates = []State{
	StateInvalid,
	StateRequested,
	StateAcknowledged,
	StateAwaitingCallback,
	StateBridged,
	StateExecuting,
	StateCompleted,
	StateAborted,
	StateReleased,
}

func TestStateMachine(t *testing.T) {
	// the complete transition relation; everything else is forbidden
	allowed := map[State][]State{
		StateInvalid:          {},
		StateRequested:        {StateAcknowledged, StateAborted},
		StateAcknowledged:     {StateAwaitingCallback, StateAborted},
		StateAwaitingCallback: {StateBridged, StateAborted},
		StateBridged:          {StateExecuting, StateAborted},
		StateExecuting:        {StateCompleted, StateAborted},
		StateCompleted:        {StateReleased},
		StateAborted:          {StateReleased},
		StateReleased:         {},
	}
	for from, tos := range allowed {
		for _, to := range allStates {
			want := slices.Contains(tos, to)
			require.Equal(t, want, canAdvance(from, to), "%s -> %s", from, to)
		}
	}
}

func TestStateTerminal(t *testing.T) {
	for _, s := range allStates {
		want := s == StateCompleted || s == StateAborted || s == StateReleased
		require.Equal(t, want, s.Terminal(), "%s", s)
	}
}

func TestStateString(t *testing.T) {
	require.Equal(t, "bridged", StateBridged.String())
	require.Equal(t, "awaiting_callback", StateAwaitingCallback.String())
	require.Equal(t, "invalid", State(99).String())
	require.Equal(t, "invalid", State(-1).String())
}
