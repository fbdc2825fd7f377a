// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
)

var (
	// ErrTransport matches every transport-level error.
	ErrTransport = errors.New("transport error")

	// ErrApplication matches every error reported by the broker itself.
	ErrApplication = errors.New("application error")

	// ErrUnknownProtocol is returned when no driver is registered for the
	// requested type and version.
	ErrUnknownProtocol = errors.New("unknown protocol")

	// ErrNotAcquired is returned when releasing a driver that is not held.
	ErrNotAcquired = errors.New("protocol driver not acquired")
)

// Kind classifies a driver error.
type Kind uint8

// Error kinds.
const (
	KindTransport Kind = iota + 1
	KindApplication
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindApplication:
		return "application"
	default:
		return "unknown"
	}
}

// Error is a classified driver error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Transport wraps err as a transport error of operation op.
func Transport(op string, err error) error {
	return &Error{Kind: KindTransport, Op: op, Err: err}
}

// Application wraps err as an application error of operation op.
func Application(op string, err error) error {
	return &Error{Kind: KindApplication, Op: op, Err: err}
}

func (e *Error) Error() string {
	msg := e.Kind.String() + " error"
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is makes ErrTransport and ErrApplication match the error's kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrTransport:
		return e.Kind == KindTransport
	case ErrApplication:
		return e.Kind == KindApplication
	}
	return false
}

// IsTransport reports whether err means the broker could not be reached.
// Errors classified with Transport or Application are trusted. Unclassified
// errors are transport errors when they come from the network stack.
func IsTransport(err error) bool {
	if err == nil {
		return false
	}

	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == KindTransport
	}

	var ne net.Error
	switch {
	case errors.As(err, &ne),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}

// IsApplication reports whether err is the broker's answer. Any non-nil error
// that is not a transport error is an application error.
func IsApplication(err error) bool {
	return err != nil && !IsTransport(err)
}
