// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/fluxclient/client/queue"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Default values.
const (
	DefaultRetryDelay    = 5 * time.Second
	DefaultMaxRetryDelay = 2 * time.Minute
	DefaultPingInterval  = 10 * time.Second
	DefaultMaxRetries    = -1
)

// Payload properties read by the handler when queueing an operation.
const (
	PropPriority   = "priority"
	PropPersistent = "persistent"
)

// Options configures a Handler.
type Options struct {
	// Identity
	SessionName string // Names the driver instance and queued subscription ids

	// Failover. Failsafe mode is on when RetryDelay is positive: operations
	// are queued while the broker is unreachable instead of failing.
	RetryDelay    time.Duration // Initial delay between reconnect attempts
	MaxRetryDelay time.Duration // Upper bound of the doubling retry delay
	MaxRetries    int           // Reconnect attempts before DEAD, negative for no limit
	PingInterval  time.Duration // Liveness probe period while ALIVE, 0 disables

	// Queueing
	AlwaysQueue bool    // Route every queueable operation through the queue
	Priority    int     // Priority of queued entries without a priority property
	FlushRate   float64 // Entries per second sent by a flush, 0 for unlimited
	FlushBurst  int     // Burst allowed by FlushRate

	// Callbacks
	Listener  Listener           // Nil flushes on every ALIVE
	OnFlushed func(*queue.Entry) // Called with each entry sent by a flush

	// Ambient
	Logger *slog.Logger
	Meter  metric.Meter // Nil uses the global meter provider
	Tracer trace.Tracer // Nil uses the global tracer provider
}

// NewOptions creates Options with the defaults of a failsafe client.
func NewOptions() *Options {
	return &Options{
		RetryDelay:    DefaultRetryDelay,
		MaxRetryDelay: DefaultMaxRetryDelay,
		MaxRetries:    DefaultMaxRetries,
		PingInterval:  DefaultPingInterval,
		Priority:      queue.NormPriority,
	}
}

// SetSessionName sets the session name.
func (o *Options) SetSessionName(name string) *Options {
	o.SessionName = name
	return o
}

// SetRetryDelay sets the initial and maximum reconnect delay. A zero delay
// turns failsafe mode off.
func (o *Options) SetRetryDelay(initial, maximum time.Duration) *Options {
	o.RetryDelay = initial
	o.MaxRetryDelay = maximum
	return o
}

// SetMaxRetries sets the reconnect attempts before giving up.
func (o *Options) SetMaxRetries(n int) *Options {
	o.MaxRetries = n
	return o
}

// SetPingInterval sets the liveness probe period.
func (o *Options) SetPingInterval(d time.Duration) *Options {
	o.PingInterval = d
	return o
}

// SetAlwaysQueue routes every queueable operation through the queue.
func (o *Options) SetAlwaysQueue(always bool) *Options {
	o.AlwaysQueue = always
	return o
}

// SetPriority sets the default priority of queued entries.
func (o *Options) SetPriority(p int) *Options {
	o.Priority = p
	return o
}

// SetFlushRate limits how fast a flush sends entries.
func (o *Options) SetFlushRate(perSecond float64, burst int) *Options {
	o.FlushRate = perSecond
	o.FlushBurst = burst
	return o
}

// SetListener sets the state listener.
func (o *Options) SetListener(l Listener) *Options {
	o.Listener = l
	return o
}

// SetOnFlushed sets the callback for entries sent by a flush.
func (o *Options) SetOnFlushed(fn func(*queue.Entry)) *Options {
	o.OnFlushed = fn
	return o
}

// SetLogger sets the logger.
func (o *Options) SetLogger(l *slog.Logger) *Options {
	o.Logger = l
	return o
}

// SetMeter sets the meter used for handler metrics.
func (o *Options) SetMeter(m metric.Meter) *Options {
	o.Meter = m
	return o
}

// SetTracer sets the tracer used for flush spans.
func (o *Options) SetTracer(t trace.Tracer) *Options {
	o.Tracer = t
	return o
}

// Failsafe reports whether operations are queued while the broker is
// unreachable.
func (o *Options) Failsafe() bool {
	return o.RetryDelay > 0
}

// Validate checks the options and fills in derived defaults.
func (o *Options) Validate() error {
	if o.RetryDelay < 0 || o.MaxRetryDelay < 0 || o.PingInterval < 0 {
		return fmt.Errorf("%w: durations cannot be negative", ErrInvalidOptions)
	}
	if o.FlushRate < 0 || o.FlushBurst < 0 {
		return fmt.Errorf("%w: flush rate cannot be negative", ErrInvalidOptions)
	}
	if o.SessionName == "" {
		o.SessionName = "client-" + uuid.NewString()
	}
	if o.MaxRetryDelay < o.RetryDelay {
		o.MaxRetryDelay = o.RetryDelay
	}
	if o.FlushRate > 0 && o.FlushBurst == 0 {
		o.FlushBurst = 1
	}
	o.Priority = queue.ClampPriority(o.Priority)
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return nil
}
