// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"fmt"
	"strings"
	"time"
)

// Relating tells what a queue instance is used for. It selects the default
// tuning in DefaultProperty.
type Relating uint8

// Queue relatings.
const (
	RelatingClient Relating = iota
	RelatingCallback
	RelatingHistory
	RelatingMsgStore
)

// String returns the configuration name of the relating.
func (r Relating) String() string {
	switch r {
	case RelatingClient:
		return "client"
	case RelatingCallback:
		return "callback"
	case RelatingHistory:
		return "history"
	case RelatingMsgStore:
		return "msgUnitStore"
	default:
		return "unknown"
	}
}

// ParseRelating converts a configuration name into a Relating.
func ParseRelating(s string) (Relating, error) {
	switch strings.ToLower(s) {
	case "client", "":
		return RelatingClient, nil
	case "callback":
		return RelatingCallback, nil
	case "history":
		return RelatingHistory, nil
	case "msgunitstore", "msg_store", "msgstore":
		return RelatingMsgStore, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownRelating, s)
}

// Policy is applied when a queue overflows or when a send fails permanently.
type Policy uint8

// Overflow and failure policies.
const (
	PolicyDeadMessage Policy = iota
	PolicyBlock
	PolicyException
	PolicyDiscardOldest
)

// String returns the configuration name of the policy.
func (p Policy) String() string {
	switch p {
	case PolicyDeadMessage:
		return "deadMessage"
	case PolicyBlock:
		return "block"
	case PolicyException:
		return "exception"
	case PolicyDiscardOldest:
		return "discardOldest"
	default:
		return "unknown"
	}
}

// ParsePolicy converts a configuration name into a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.ReplaceAll(s, "_", "")) {
	case "deadmessage", "":
		return PolicyDeadMessage, nil
	case "block":
		return PolicyBlock, nil
	case "exception":
		return PolicyException, nil
	case "discardoldest":
		return PolicyDiscardOldest, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
}

// MarshalText implements encoding.TextMarshaler.
func (p Policy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Policy) UnmarshalText(text []byte) error {
	parsed, err := ParsePolicy(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Default values.
const (
	DefaultBlockTimeout = 30 * time.Second
	DefaultVersion      = "1.0"
)

// Address is one candidate broker endpoint.
type Address struct {
	Type    string `yaml:"type" json:"type"`       // Protocol type, e.g. "mqtt" or "websocket"
	Version string `yaml:"version" json:"version"` // Protocol driver version, "" means DefaultVersion
	URL     string `yaml:"url" json:"url"`         // Driver specific endpoint
}

// String returns "type:url".
func (a Address) String() string {
	return a.Type + ":" + a.URL
}

// DriverVersion returns the version with the default applied.
func (a Address) DriverVersion() string {
	if a.Version == "" {
		return DefaultVersion
	}
	return a.Version
}

// Property configures a queue instance.
type Property struct {
	Relating     Relating
	MaxEntries   int64         // 0 = unbounded
	MaxBytes     int64         // 0 = unbounded
	OnOverflow   Policy        // Applied when Put would exceed a bound
	OnFailure    Policy        // Applied when a flushed entry fails permanently
	BlockTimeout time.Duration // Admission timeout under PolicyBlock
	Addresses    []Address     // First is primary, the rest are failover
}

// DefaultProperty returns the default tuning for the given relating.
func DefaultProperty(r Relating) Property {
	p := Property{
		Relating:     r,
		OnOverflow:   PolicyDeadMessage,
		OnFailure:    PolicyDeadMessage,
		BlockTimeout: DefaultBlockTimeout,
	}

	switch r {
	case RelatingHistory:
		p.MaxEntries = 10
		p.MaxBytes = 10 * 1024 * 1024
	case RelatingMsgStore:
		p.MaxEntries = 10000
		p.MaxBytes = 100 * 1024 * 1024
	default:
		p.MaxEntries = 1000
		p.MaxBytes = 10 * 1024 * 1024
	}

	return p
}

// Bounded reports whether the property limits the queue size.
func (p Property) Bounded() bool {
	return p.MaxEntries > 0
}

// Validate checks the property for errors.
func (p Property) Validate() error {
	if p.Relating > RelatingMsgStore {
		return fmt.Errorf("%w: relating %d", ErrUnknownRelating, p.Relating)
	}
	if p.MaxEntries < 0 || p.MaxBytes < 0 {
		return fmt.Errorf("%w: bounds cannot be negative", ErrInvalidProperty)
	}
	if (p.MaxEntries == 0) != (p.MaxBytes == 0) {
		return fmt.Errorf("%w: max entries and max bytes must both be set or both be unbounded", ErrInvalidProperty)
	}
	if p.OnOverflow > PolicyDiscardOldest {
		return fmt.Errorf("%w: on overflow %d", ErrUnknownPolicy, p.OnOverflow)
	}
	if p.OnFailure > PolicyDiscardOldest {
		return fmt.Errorf("%w: on failure %d", ErrUnknownPolicy, p.OnFailure)
	}
	if p.BlockTimeout < 0 {
		return fmt.Errorf("%w: block timeout cannot be negative", ErrInvalidProperty)
	}
	return nil
}

// ValidateActionable checks the property and requires at least one usable
// address.
func (p Property) ValidateActionable() error {
	if err := p.Validate(); err != nil {
		return err
	}
	if len(p.Addresses) == 0 {
		return ErrNoAddresses
	}
	for i, a := range p.Addresses {
		if a.Type == "" || a.URL == "" {
			return fmt.Errorf("%w: address %d needs a type and a url", ErrInvalidProperty, i)
		}
	}
	return nil
}

func (p Property) clone() Property {
	cp := p
	if p.Addresses != nil {
		cp.Addresses = make([]Address, len(p.Addresses))
		copy(cp.Addresses, p.Addresses)
	}
	return cp
}
