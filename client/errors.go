// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "errors"

// Handler errors.
var (
	// Construction errors.
	ErrNilRegistry    = errors.New("protocol registry cannot be nil")
	ErrNilQueue       = errors.New("client queue cannot be nil")
	ErrNoAddresses    = errors.New("no broker addresses configured")
	ErrInvalidOptions = errors.New("invalid handler options")

	// Operation errors.
	ErrNotConnected   = errors.New("handler not connected")
	ErrConnectionLost = errors.New("connection lost")
	ErrClosed         = errors.New("handler has been shut down")
)
