// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"fmt"
	"time"
)

// DeadMessage is an entry discarded by an overflow or failure policy.
type DeadMessage struct {
	Entry  *Entry
	Reason error
	Time   time.Time
}

// NewDeadMessage wraps the cause so that errors.Is(reason, ErrDeadMessage) holds.
func NewDeadMessage(e *Entry, cause error) DeadMessage {
	return DeadMessage{
		Entry:  e,
		Reason: fmt.Errorf("%w: %w", ErrDeadMessage, cause),
		Time:   time.Now(),
	}
}

// DeadMessageSink receives dead messages. Implementations must not block for
// long: they are called with no queue locks held, but on the caller's goroutine.
type DeadMessageSink interface {
	DeadMessage(dm DeadMessage)
}

// SinkFunc adapts a function to DeadMessageSink.
type SinkFunc func(dm DeadMessage)

// DeadMessage implements DeadMessageSink.
func (f SinkFunc) DeadMessage(dm DeadMessage) {
	f(dm)
}
