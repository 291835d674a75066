package lifecycle

import (
	"testing"

	"execution-core/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApply_CanonicalTransitions(t *testing.T) {
	cases := []struct {
		from, to core.LifecycleState
	}{
		{core.StateNew, core.StateAccepted},
		{core.StateNew, core.StateRejected},
		{core.StateAccepted, core.StatePartiallyFilled},
		{core.StateAccepted, core.StateFilled},
		{core.StateAccepted, core.StateCancelled},
		{core.StateAccepted, core.StateExpired},
		{core.StateAccepted, core.StateRejected},
		{core.StatePartiallyFilled, core.StatePartiallyFilled},
		{core.StatePartiallyFilled, core.StateFilled},
		{core.StatePartiallyFilled, core.StateCancelled},
		{core.StatePartiallyFilled, core.StateExpired},
	}

	for _, c := range cases {
		got, err := Apply(c.from, c.to)
		require.NoError(t, err, "%s -> %s should be allowed", c.from, c.to)
		assert.Equal(t, c.to, got)
	}
}

func TestApply_RejectsUnknownTransitions(t *testing.T) {
	_, err := Apply(core.StateNew, core.StateFilled)
	require.Error(t, err)
	var invalid *core.InvalidTransition
	assert.ErrorAs(t, err, &invalid)
}

func TestApply_TerminalStatesAreStable(t *testing.T) {
	for _, terminalState := range []core.LifecycleState{
		core.StateFilled, core.StateCancelled, core.StateRejected, core.StateExpired,
	} {
		_, err := Apply(terminalState, core.StateAccepted)
		require.Error(t, err)
		assert.True(t, IsTerminal(terminalState))
		assert.False(t, IsOpen(terminalState))
	}
}

func TestFromBrokerStatus(t *testing.T) {
	state, ok := FromBrokerStatus(core.BrokerPartiallyFilled)
	require.True(t, ok)
	assert.Equal(t, core.StatePartiallyFilled, state)

	_, ok = FromBrokerStatus(core.BrokerUnknown)
	assert.False(t, ok)
}
