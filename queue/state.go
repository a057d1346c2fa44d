// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package queue

import "fmt"

// State is the lifecycle position of an operation.
type State string

const (
	StatePending      State = "pending"
	StateInFlight     State = "in_flight"
	StateRetrying     State = "retrying"
	StateSucceeded    State = "succeeded"
	StateDeadLettered State = "dead_lettered"
)

var transitions = map[State][]State{
	StatePending:      {StateInFlight},
	StateInFlight:     {StateSucceeded, StateRetrying, StateDeadLettered},
	StateRetrying:     {StateInFlight},
	StateDeadLettered: {StatePending},
}

// CanTransitionTo reports whether s may move to next.
func (s State) CanTransitionTo(next State) bool {
	if s == "" {
		s = StatePending
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TransitionTo sets op's state, rejecting moves the lifecycle does not allow.
func (op *Operation) TransitionTo(next State) error {
	if !op.State.CanTransitionTo(next) {
		return fmt.Errorf("operation %s: invalid state transition %s -> %s", op.ID, op.State, next)
	}
	op.State = next
	return nil
}
