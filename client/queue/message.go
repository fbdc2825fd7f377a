// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

// Return states.
const (
	StateOK     = "OK"
	StateQueued = "QUEUED"
)

// Property keys understood by the dispatch layer and the drivers.
const (
	PropSubscriptionID = "subscriptionId"
	PropQoS            = "qos"
	PropRetain         = "retain"
)

// Payload holds everything needed to replay an operation: the key and QoS
// documents, the message content and free-form properties.
type Payload struct {
	Key        string            `json:"key"`
	QoS        string            `json:"qos,omitempty"`
	Content    []byte            `json:"content,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

// NewPayload creates a payload for the given key and content.
func NewPayload(key string, content []byte) *Payload {
	return &Payload{
		Key:     key,
		Content: content,
	}
}

// Property returns the named property, or "" if it is not set.
func (p *Payload) Property(name string) string {
	if p == nil || p.Properties == nil {
		return ""
	}
	return p.Properties[name]
}

// SetProperty sets a property, allocating the map if needed.
func (p *Payload) SetProperty(name, value string) *Payload {
	if p.Properties == nil {
		p.Properties = make(map[string]string)
	}
	p.Properties[name] = value
	return p
}

// Size returns the number of bytes accounted against a queue's MaxBytes.
func (p *Payload) Size() int64 {
	if p == nil {
		return 0
	}
	n := int64(len(p.Key) + len(p.QoS) + len(p.Content))
	for k, v := range p.Properties {
		n += int64(len(k) + len(v))
	}
	return n
}

// Copy creates a deep copy of the payload.
func (p *Payload) Copy() *Payload {
	if p == nil {
		return nil
	}

	cp := &Payload{
		Key: p.Key,
		QoS: p.QoS,
	}

	if p.Content != nil {
		cp.Content = make([]byte, len(p.Content))
		copy(cp.Content, p.Content)
	}

	if p.Properties != nil {
		cp.Properties = make(map[string]string, len(p.Properties))
		for k, v := range p.Properties {
			cp.Properties[k] = v
		}
	}

	return cp
}

// Return is what the broker (or the queue, for buffered operations) answers
// to an operation.
type Return struct {
	State          string `json:"state"`
	Key            string `json:"key,omitempty"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	QoS            string `json:"qos,omitempty"`
}

// Queued reports whether the return is a synthetic answer for a buffered
// operation.
func (r *Return) Queued() bool {
	return r != nil && r.State == StateQueued
}

// Copy creates a copy of the return.
func (r *Return) Copy() *Return {
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}
