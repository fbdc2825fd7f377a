// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"fmt"
	"strings"
)

// Method identifies the client operation an entry replays.
type Method uint8

// Client operations.
const (
	MethodConnect Method = iota + 1
	MethodPublish
	MethodSubscribe
	MethodUnsubscribe
	MethodErase
	MethodPing
)

// String returns the wire name of the method.
func (m Method) String() string {
	switch m {
	case MethodConnect:
		return "connect"
	case MethodPublish:
		return "publish"
	case MethodSubscribe:
		return "subscribe"
	case MethodUnsubscribe:
		return "unSubscribe"
	case MethodErase:
		return "erase"
	case MethodPing:
		return "ping"
	default:
		return "unknown"
	}
}

// Valid reports whether m is one of the known methods.
func (m Method) Valid() bool {
	return m >= MethodConnect && m <= MethodPing
}

// Queueable reports whether the method may be buffered while the broker is
// unreachable. PING is only meaningful against a live connection.
func (m Method) Queueable() bool {
	return m.Valid() && m != MethodPing
}

// ParseMethod converts a wire name into a Method. Matching is case-insensitive.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(s) {
	case "connect":
		return MethodConnect, nil
	case "publish":
		return MethodPublish, nil
	case "subscribe":
		return MethodSubscribe, nil
	case "unsubscribe":
		return MethodUnsubscribe, nil
	case "erase":
		return MethodErase, nil
	case "ping":
		return MethodPing, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownMethod, s)
}

// MarshalText implements encoding.TextMarshaler.
func (m Method) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMethod, m)
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Method) UnmarshalText(text []byte) error {
	parsed, err := ParseMethod(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
