// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

// Listener is told about connection state changes. Callbacks run on a
// dedicated goroutine, one at a time, in the order the transitions happened.
type Listener interface {
	// ReachedAlive is called after a (re)connect. Returning true flushes the
	// queue.
	ReachedAlive(prev State) bool

	// ReachedPolling is called when the connection is lost and reconnection
	// starts.
	ReachedPolling(prev State)

	// ReachedDead is called when reconnection is given up.
	ReachedDead(prev State)
}

// ListenerFuncs adapts functions to Listener. Nil functions are skipped and
// a nil OnAlive flushes.
type ListenerFuncs struct {
	OnAlive   func(prev State) bool
	OnPolling func(prev State)
	OnDead    func(prev State)
}

var _ Listener = ListenerFuncs{}

// ReachedAlive implements Listener.
func (l ListenerFuncs) ReachedAlive(prev State) bool {
	if l.OnAlive == nil {
		return true
	}
	return l.OnAlive(prev)
}

// ReachedPolling implements Listener.
func (l ListenerFuncs) ReachedPolling(prev State) {
	if l.OnPolling != nil {
		l.OnPolling(prev)
	}
}

// ReachedDead implements Listener.
func (l ListenerFuncs) ReachedDead(prev State) {
	if l.OnDead != nil {
		l.OnDead(prev)
	}
}
