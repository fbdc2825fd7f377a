// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package nats implements a protocol driver over core NATS. Publishes are
// flushed before they are acknowledged so that a lost connection shows up as
// a transport error of the operation that was not delivered.
package nats

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxclient/client/protocol"
	"github.com/absmach/fluxclient/client/queue"
	natsio "github.com/nats-io/nats.go"
)

// Type is the protocol type the driver registers under.
const Type = "nats"

// CONNECT payload properties.
const (
	PropClientName = "clientName"
	PropUsername   = "username"
	PropPassword   = "password"
	PropToken      = "token"
)

// ErrEraseUnsupported is returned for ERASE: core NATS keeps no retained
// messages.
var ErrEraseUnsupported = errors.New("nats does not retain messages")

// MessageHandler receives messages of subscriptions made through the driver.
type MessageHandler func(subscriptionID, subject string, data []byte)

// Config holds driver settings.
type Config struct {
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration // Bound of the flush after each publish
	PingInterval   time.Duration
	TLS            *tls.Config
	OnMessage      MessageHandler
	Logger         *slog.Logger
}

// DefaultConfig returns the default driver settings.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 5 * time.Second,
		WriteTimeout:   5 * time.Second,
		PingInterval:   30 * time.Second,
	}
}

type subscription interface {
	Unsubscribe() error
}

// conn is the part of *natsio.Conn used by the driver.
type conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb natsio.MsgHandler) (subscription, error)
	FlushTimeout(timeout time.Duration) error
	IsConnected() bool
	Close()
}

type natsConn struct {
	*natsio.Conn
}

func (c natsConn) Subscribe(subject string, cb natsio.MsgHandler) (subscription, error) {
	s, err := c.Conn.Subscribe(subject, cb)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func dialNATS(url string, opts ...natsio.Option) (conn, error) {
	nc, err := natsio.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return natsConn{nc}, nil
}

type sub struct {
	subject string
	s       subscription
}

// Driver is a protocol.Driver speaking core NATS.
type Driver struct {
	cfg      Config
	instance string
	logger   *slog.Logger
	dial     func(url string, opts ...natsio.Option) (conn, error)

	mu   sync.Mutex
	addr queue.Address
	conn conn
	subs map[string]sub // by subscription id
}

var _ protocol.Driver = (*Driver)(nil)

// New creates a driver for the named client instance.
func New(instance string, cfg Config) *Driver {
	d := DefaultConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = d.ConnectTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = d.WriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = d.PingInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		cfg:      cfg,
		instance: instance,
		logger:   logger,
		dial:     dialNATS,
		subs:     make(map[string]sub),
	}
}

// Factory returns a protocol.Factory creating NATS drivers with cfg.
func Factory(cfg Config) protocol.Factory {
	return func(instance string) (protocol.Driver, error) {
		return New(instance, cfg), nil
	}
}

// Connect selects the server address. The connection is opened by the
// CONNECT operation, which carries the credentials.
func (d *Driver) Connect(ctx context.Context, addr queue.Address) error {
	if addr.URL == "" {
		return protocol.Application("connect", errors.New("empty nats url"))
	}

	d.mu.Lock()
	old := d.conn
	d.conn = nil
	d.addr = addr
	d.subs = make(map[string]sub)
	d.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return ctx.Err()
}

// Send performs one client operation.
func (d *Driver) Send(ctx context.Context, method queue.Method, payload *queue.Payload) (*queue.Return, error) {
	if method == queue.MethodConnect {
		return d.connect(ctx, payload)
	}

	c := d.current()
	if c == nil || !c.IsConnected() {
		return nil, protocol.Transport(method.String(), natsio.ErrConnectionClosed)
	}
	if method == queue.MethodPing {
		if err := d.flush(ctx, c); err != nil {
			return nil, classify(method, err)
		}
		return &queue.Return{State: queue.StateOK}, nil
	}
	if payload == nil {
		return nil, protocol.Application(method.String(), errors.New("missing payload"))
	}

	switch method {
	case queue.MethodPublish:
		if err := c.Publish(payload.Key, payload.Content); err != nil {
			return nil, classify(method, err)
		}
		if err := d.flush(ctx, c); err != nil {
			return nil, classify(method, err)
		}
		return &queue.Return{State: queue.StateOK, Key: payload.Key, QoS: payload.QoS}, nil

	case queue.MethodSubscribe:
		subID := payload.Property(queue.PropSubscriptionID)
		if subID == "" {
			subID = payload.Key
		}
		s, err := c.Subscribe(payload.Key, d.handler(subID))
		if err != nil {
			return nil, classify(method, err)
		}
		if err := d.flush(ctx, c); err != nil {
			s.Unsubscribe()
			return nil, classify(method, err)
		}
		d.mu.Lock()
		prev, ok := d.subs[subID]
		d.subs[subID] = sub{subject: payload.Key, s: s}
		d.mu.Unlock()
		if ok {
			prev.s.Unsubscribe()
		}
		return &queue.Return{State: queue.StateOK, Key: payload.Key, SubscriptionID: subID}, nil

	case queue.MethodUnsubscribe:
		for _, s := range d.take(payload.Key) {
			if err := s.Unsubscribe(); err != nil && !errors.Is(err, natsio.ErrBadSubscription) {
				return nil, classify(method, err)
			}
		}
		return &queue.Return{State: queue.StateOK, Key: payload.Key}, nil

	case queue.MethodErase:
		return nil, protocol.Application(method.String(), ErrEraseUnsupported)
	}

	return nil, protocol.Application(method.String(), fmt.Errorf("%w: %d", queue.ErrUnknownMethod, method))
}

func (d *Driver) connect(ctx context.Context, payload *queue.Payload) (*queue.Return, error) {
	if err := ctx.Err(); err != nil {
		return nil, protocol.Transport("connect", err)
	}

	d.mu.Lock()
	addr := d.addr
	old := d.conn
	d.conn = nil
	d.subs = make(map[string]sub)
	d.mu.Unlock()

	if addr.URL == "" {
		return nil, protocol.Application("connect", errors.New("no server address selected"))
	}
	if old != nil {
		old.Close()
	}

	name := payload.Property(PropClientName)
	if name == "" {
		name = d.instance
	}

	timeout := d.cfg.ConnectTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(dl))
	}

	opts := []natsio.Option{
		natsio.Name(name),
		natsio.Timeout(timeout),
		natsio.PingInterval(d.cfg.PingInterval),
		natsio.NoReconnect(),
		natsio.DisconnectErrHandler(func(_ *natsio.Conn, err error) {
			if err == nil {
				return
			}
			d.logger.Warn("nats connection lost",
				slog.String("instance", d.instance),
				slog.String("server", addr.URL),
				slog.String("error", err.Error()))
		}),
	}
	if d.cfg.TLS != nil {
		opts = append(opts, natsio.Secure(d.cfg.TLS))
	}
	if u := payload.Property(PropUsername); u != "" {
		opts = append(opts, natsio.UserInfo(u, payload.Property(PropPassword)))
	}
	if t := payload.Property(PropToken); t != "" {
		opts = append(opts, natsio.Token(t))
	}

	c, err := d.dial(addr.URL, opts...)
	if err != nil {
		return nil, classifyConnect(err)
	}

	d.mu.Lock()
	d.conn = c
	d.mu.Unlock()

	d.logger.Info("nats connection opened",
		slog.String("instance", d.instance),
		slog.String("name", name),
		slog.String("server", addr.URL))

	return &queue.Return{State: queue.StateOK, Key: name}, nil
}

func (d *Driver) handler(subID string) natsio.MsgHandler {
	return func(msg *natsio.Msg) {
		if d.cfg.OnMessage == nil {
			return
		}
		d.cfg.OnMessage(subID, msg.Subject, msg.Data)
	}
}

// take removes the subscriptions matching key, either as subscription id or
// as subject.
func (d *Driver) take(key string) []subscription {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []subscription
	for id, s := range d.subs {
		if id == key || s.subject == key {
			out = append(out, s.s)
			delete(d.subs, id)
		}
	}
	return out
}

// flush waits for the server to process everything sent so far, bounded by
// the write timeout and ctx.
func (d *Driver) flush(ctx context.Context, c conn) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	timeout := d.cfg.WriteTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(dl))
	}
	if timeout <= 0 {
		return context.DeadlineExceeded
	}
	return c.FlushTimeout(timeout)
}

// classify maps errors of an established connection. Errors caused by the
// request itself are application errors.
func classify(method queue.Method, err error) error {
	switch {
	case errors.Is(err, natsio.ErrBadSubject),
		errors.Is(err, natsio.ErrMaxPayload),
		errors.Is(err, natsio.ErrAuthorization):
		return protocol.Application(method.String(), err)
	}
	return protocol.Transport(method.String(), err)
}

// classifyConnect treats rejected credentials as an application error. An
// unreachable server is a transport error.
func classifyConnect(err error) error {
	if errors.Is(err, natsio.ErrAuthorization) {
		return protocol.Application("connect", err)
	}
	return protocol.Transport("connect", err)
}

func (d *Driver) current() conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn
}

// Ping flushes the connection, which round-trips a PING to the server.
func (d *Driver) Ping(ctx context.Context) bool {
	c := d.current()
	if c == nil || !c.IsConnected() {
		return false
	}
	return d.flush(ctx, c) == nil
}

// Disconnect closes the connection and drops its subscriptions.
func (d *Driver) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	c := d.conn
	d.conn = nil
	d.subs = make(map[string]sub)
	d.mu.Unlock()

	if c != nil {
		c.Close()
	}
	return ctx.Err()
}

// Connected reports whether the connection is open.
func (d *Driver) Connected() bool {
	c := d.current()
	return c != nil && c.IsConnected()
}
