// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the contract between the connection handler and the
// protocol drivers that talk to the broker, and the registry that hands shared
// driver instances out.
package protocol

import (
	"context"

	"github.com/absmach/fluxclient/client/queue"
)

// Driver carries client operations to the broker over one transport.
//
// Errors returned by a driver must be classifiable with IsTransport: a
// transport error means the broker could not be reached and the operation
// may be retried later, any other error is the broker's answer.
type Driver interface {
	// Connect opens the transport to addr. Calling Connect on a connected
	// driver reconnects.
	Connect(ctx context.Context, addr queue.Address) error

	// Send performs one operation and returns the broker's answer.
	Send(ctx context.Context, method queue.Method, payload *queue.Payload) (*queue.Return, error)

	// Ping reports whether the broker answered a liveness probe.
	Ping(ctx context.Context) bool

	// Disconnect closes the transport. It is safe to call on a closed driver.
	Disconnect(ctx context.Context) error

	// Connected reports whether the transport is currently open.
	Connected() bool
}

// Factory creates the driver used by the named client instance.
type Factory func(instanceName string) (Driver, error)
