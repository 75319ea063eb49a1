package rewardd

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStateTransitions(t *testing.T) {
	require.True(t, CanTransition(StateReceived, StateClassified))
	require.True(t, CanTransition(StateChainRetry, StateChainPending))
	require.False(t, CanTransition(StateReceived, StateChainPending))
	require.False(t, CanTransition(StateChainConfirmed, StateChainPending))

	for _, terminal := range []State{StateDuplicateRejected, StateChainConfirmed, StateChainFailedFatal} {
		require.True(t, terminal.Terminal(), terminal)
	}
	require.False(t, StateChainPending.Terminal())
}

func TestMachineRecordsHistory(t *testing.T) {
	m := newMachine()
	for _, next := range []State{StateClassified, StateReserved, StateChainPending, StateChainRetry, StateChainPending, StateChainConfirmed} {
		require.NoError(t, m.to(next))
	}
	require.Equal(t, StateChainConfirmed, m.state)
	require.Len(t, m.history, 7)
	require.Error(t, m.to(StateChainRetry))
}
