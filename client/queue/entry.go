// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"sync/atomic"
	"time"
)

// Priority bounds.
const (
	MinPriority  = 0
	NormPriority = 5
	MaxPriority  = 9
)

var lastID atomic.Int64

// NextID returns a timestamp-derived id that is strictly greater than any id
// previously returned in this process.
func NextID() int64 {
	for {
		last := lastID.Load()
		id := time.Now().UnixNano()
		if id <= last {
			id = last + 1
		}
		if lastID.CompareAndSwap(last, id) {
			return id
		}
	}
}

// Entry is one pending client operation.
//
// Entries are immutable once queued, except for Return which is recorded by
// the flush after a successful send.
type Entry struct {
	UniqueID int64     `json:"unique_id"`
	Method   Method    `json:"method"`
	Priority int       `json:"priority"`
	Durable  bool      `json:"durable"`
	Payload  *Payload  `json:"payload"`
	Return   *Return   `json:"return,omitempty"`
	Created  time.Time `json:"created"`
}

// NewEntry creates an entry owning a copy of payload.
func NewEntry(method Method, priority int, durable bool, payload *Payload) *Entry {
	return &Entry{
		UniqueID: NextID(),
		Method:   method,
		Priority: ClampPriority(priority),
		Durable:  durable,
		Payload:  payload.Copy(),
		Created:  time.Now(),
	}
}

// ClampPriority forces p into [MinPriority, MaxPriority].
func ClampPriority(p int) int {
	switch {
	case p < MinPriority:
		return MinPriority
	case p > MaxPriority:
		return MaxPriority
	default:
		return p
	}
}

// Size returns the number of bytes the entry occupies in a queue.
func (e *Entry) Size() int64 {
	return e.Payload.Size()
}

// Before reports whether e is sent before o: higher priority first, then
// older (smaller UniqueID) first.
func (e *Entry) Before(o *Entry) bool {
	if e.Priority != o.Priority {
		return e.Priority > o.Priority
	}
	return e.UniqueID < o.UniqueID
}

// Copy creates a deep copy of the entry.
func (e *Entry) Copy() *Entry {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Payload = e.Payload.Copy()
	cp.Return = e.Return.Copy()
	return &cp
}
