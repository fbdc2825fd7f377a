// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "sync/atomic"

// State represents the connection state of a handler.
type State uint32

// Connection states.
const (
	StateStart   State = iota // Not connected yet
	StateAlive                // Connected, operations go straight to the broker
	StatePolling              // Connection lost, operations are queued while reconnecting
	StateDead                 // Reconnection given up, operations are still queued
	StateEnd                  // Shut down
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateStart:
		return "START"
	case StateAlive:
		return "ALIVE"
	case StatePolling:
		return "POLLING"
	case StateDead:
		return "DEAD"
	case StateEnd:
		return "END"
	default:
		return "UNKNOWN"
	}
}

// CanTransition reports whether the state machine has an edge from s to to.
// Every state may move to END; END is absorbing. ALIVE moves to DEAD only
// on Disconnect.
func (s State) CanTransition(to State) bool {
	if s == StateEnd {
		return false
	}
	switch to {
	case StateEnd:
		return true
	case StateAlive:
		return s == StateStart || s == StatePolling
	case StatePolling:
		return s == StateStart || s == StateAlive
	case StateDead:
		return s == StatePolling || s == StateAlive
	}
	return false
}

// stateManager handles atomic state transitions.
type stateManager struct {
	state atomic.Uint32
}

func newStateManager() *stateManager {
	return &stateManager{}
}

func (sm *stateManager) get() State {
	return State(sm.state.Load())
}

// transition moves from the expected state to to, if the edge exists.
func (sm *stateManager) transition(from, to State) bool {
	if !from.CanTransition(to) {
		return false
	}
	return sm.state.CompareAndSwap(uint32(from), uint32(to))
}

// end moves to END from whatever state and returns the previous state.
func (sm *stateManager) end() State {
	return State(sm.state.Swap(uint32(StateEnd)))
}
