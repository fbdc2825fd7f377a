// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import "errors"

// Queue errors.
var (
	// Admission errors.
	ErrQueueFull        = errors.New("queue is full")
	ErrQueueFullTimeout = errors.New("timed out waiting for queue space")
	ErrDuplicateEntry   = errors.New("entry with the same unique id already queued")
	ErrQueueClosed      = errors.New("queue has been closed")
	ErrNilEntry         = errors.New("entry cannot be nil")

	// ErrDeadMessage is wrapped by every DeadMessage reason.
	ErrDeadMessage = errors.New("dead message")

	// Configuration errors.
	ErrInvalidProperty = errors.New("invalid queue property")
	ErrUnknownPolicy   = errors.New("unknown queue policy")
	ErrUnknownRelating = errors.New("unknown queue relating")
	ErrUnknownMethod   = errors.New("unknown method")
	ErrNoAddresses     = errors.New("queue property has no addresses")
)
