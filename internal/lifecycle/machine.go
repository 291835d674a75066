// Package lifecycle implements the canonical order lifecycle state machine.
// It is a pure function over (current_state, normalized_target); it performs
// no I/O and holds no mutable state of its own.
package lifecycle

import "execution-core/internal/core"

// transitions is the closed set of allowed moves. Any pair not present here
// is rejected with core.InvalidTransition.
var transitions = map[core.LifecycleState]map[core.LifecycleState]bool{
	core.StateNew: {
		core.StateAccepted: true,
		core.StateRejected: true,
	},
	core.StateAccepted: {
		core.StatePartiallyFilled: true,
		core.StateFilled:          true,
		core.StateCancelled:       true,
		core.StateExpired:         true,
		core.StateRejected:        true,
	},
	core.StatePartiallyFilled: {
		core.StatePartiallyFilled: true,
		core.StateFilled:          true,
		core.StateCancelled:       true,
		core.StateExpired:         true,
	},
}

// terminal holds the states with no outbound transitions.
var terminal = map[core.LifecycleState]bool{
	core.StateFilled:    true,
	core.StateCancelled: true,
	core.StateRejected:  true,
	core.StateExpired:   true,
}

// IsTerminal reports whether a state has no outbound transitions.
func IsTerminal(state core.LifecycleState) bool {
	return terminal[state]
}

// IsOpen is the complement of IsTerminal.
func IsOpen(state core.LifecycleState) bool {
	return !terminal[state]
}

// Apply validates a transition from current to target and returns the
// resulting state. Terminal states are stable: any transition attempted
// from one fails with InvalidTransition, including a no-op to itself.
func Apply(current, target core.LifecycleState) (core.LifecycleState, error) {
	if terminal[current] {
		return current, &core.InvalidTransition{From: current, To: target}
	}
	allowed, ok := transitions[current]
	if !ok || !allowed[target] {
		return current, &core.InvalidTransition{From: current, To: target}
	}
	return target, nil
}

// FromBrokerStatus maps a normalized broker status to the lifecycle state it
// implies. UNKNOWN never implies a terminal state; callers should treat it
// as "no new information" and retain the prior lifecycle state.
func FromBrokerStatus(status core.BrokerStatus) (core.LifecycleState, bool) {
	switch status {
	case core.BrokerNew:
		return core.StateNew, true
	case core.BrokerAccepted:
		return core.StateAccepted, true
	case core.BrokerPartiallyFilled:
		return core.StatePartiallyFilled, true
	case core.BrokerFilled:
		return core.StateFilled, true
	case core.BrokerCancelled:
		return core.StateCancelled, true
	case core.BrokerRejectedStatus:
		return core.StateRejected, true
	case core.BrokerExpired:
		return core.StateExpired, true
	default:
		return "", false
	}
}
