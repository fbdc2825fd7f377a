// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mqtt implements a protocol driver on top of the Eclipse Paho MQTT
// client.
package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/absmach/fluxclient/client/protocol"
	"github.com/absmach/fluxclient/client/queue"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
)

// Type is the protocol type the driver registers under.
const Type = "mqtt"

// CONNECT payload properties.
const (
	PropClientID     = "clientId"
	PropUsername     = "username"
	PropPassword     = "password"
	PropCleanSession = "cleanSession"
)

const defaultQoS byte = 1

// MessageHandler receives messages of subscriptions made through the driver.
type MessageHandler func(subscriptionID, topic string, payload []byte)

// Config holds driver settings.
type Config struct {
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	KeepAlive      time.Duration
	TLS            *tls.Config // Used for ssl://, tls:// and wss:// brokers
	OnMessage      MessageHandler
	Logger         *slog.Logger
}

// DefaultConfig returns the default driver settings.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 10 * time.Second,
		WriteTimeout:   5 * time.Second,
		KeepAlive:      30 * time.Second,
	}
}

// Driver is a protocol.Driver speaking MQTT 3.1.1.
type Driver struct {
	cfg       Config
	instance  string
	logger    *slog.Logger
	newClient func(*paho.ClientOptions) paho.Client

	mu     sync.Mutex
	addr   queue.Address
	client paho.Client
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
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = d.KeepAlive
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		cfg:       cfg,
		instance:  instance,
		logger:    logger,
		newClient: paho.NewClient,
	}
}

// Factory returns a protocol.Factory creating MQTT drivers with cfg.
func Factory(cfg Config) protocol.Factory {
	return func(instance string) (protocol.Driver, error) {
		return New(instance, cfg), nil
	}
}

// Connect selects the broker address. The MQTT session itself is opened by
// the CONNECT operation, which carries the credentials.
func (d *Driver) Connect(ctx context.Context, addr queue.Address) error {
	if addr.URL == "" {
		return protocol.Application("connect", errors.New("empty broker url"))
	}

	d.mu.Lock()
	old := d.client
	d.client = nil
	d.addr = addr
	d.mu.Unlock()

	if old != nil && old.IsConnected() {
		old.Disconnect(250)
	}
	return ctx.Err()
}

// Send performs one client operation.
func (d *Driver) Send(ctx context.Context, method queue.Method, payload *queue.Payload) (*queue.Return, error) {
	if method == queue.MethodConnect {
		return d.connect(ctx, payload)
	}

	c := d.current()
	if c == nil || !c.IsConnectionOpen() {
		return nil, protocol.Transport(method.String(), paho.ErrNotConnected)
	}
	if payload == nil {
		return nil, protocol.Application(method.String(), errors.New("missing payload"))
	}

	qos, err := qosOf(payload)
	if err != nil {
		return nil, protocol.Application(method.String(), err)
	}

	switch method {
	case queue.MethodPublish:
		retain := payload.Property(queue.PropRetain) == "true"
		if err := d.wait(ctx, method, c.Publish(payload.Key, qos, retain, payload.Content)); err != nil {
			return nil, err
		}
		return &queue.Return{State: queue.StateOK, Key: payload.Key, QoS: payload.QoS}, nil

	case queue.MethodSubscribe:
		subID := payload.Property(queue.PropSubscriptionID)
		if subID == "" {
			subID = payload.Key
		}
		if err := d.wait(ctx, method, c.Subscribe(payload.Key, qos, d.handler(subID))); err != nil {
			return nil, err
		}
		return &queue.Return{State: queue.StateOK, Key: payload.Key, SubscriptionID: subID}, nil

	case queue.MethodUnsubscribe:
		if err := d.wait(ctx, method, c.Unsubscribe(payload.Key)); err != nil {
			return nil, err
		}
		return &queue.Return{State: queue.StateOK, Key: payload.Key}, nil

	case queue.MethodErase:
		// An empty retained message clears the retained message of the topic.
		if err := d.wait(ctx, method, c.Publish(payload.Key, qos, true, []byte{})); err != nil {
			return nil, err
		}
		return &queue.Return{State: queue.StateOK, Key: payload.Key}, nil

	case queue.MethodPing:
		return &queue.Return{State: queue.StateOK}, nil
	}

	return nil, protocol.Application(method.String(), fmt.Errorf("%w: %d", queue.ErrUnknownMethod, method))
}

func (d *Driver) connect(ctx context.Context, payload *queue.Payload) (*queue.Return, error) {
	d.mu.Lock()
	addr := d.addr
	old := d.client
	d.mu.Unlock()

	if addr.URL == "" {
		return nil, protocol.Application("connect", errors.New("no broker address selected"))
	}
	if old != nil && old.IsConnected() {
		old.Disconnect(250)
	}

	clientID := payload.Property(PropClientID)
	if clientID == "" {
		clientID = d.instance
	}

	opts := paho.NewClientOptions().
		AddBroker(addr.URL).
		SetClientID(clientID).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectTimeout(d.cfg.ConnectTimeout).
		SetWriteTimeout(d.cfg.WriteTimeout).
		SetKeepAlive(d.cfg.KeepAlive).
		SetCleanSession(payload.Property(PropCleanSession) != "false").
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			d.logger.Warn("mqtt connection lost",
				slog.String("instance", d.instance),
				slog.String("broker", addr.URL),
				slog.String("error", err.Error()))
		})
	if d.cfg.TLS != nil {
		opts.SetTLSConfig(d.cfg.TLS)
	}
	if u := payload.Property(PropUsername); u != "" {
		opts.SetUsername(u)
		opts.SetPassword(payload.Property(PropPassword))
	}

	c := d.newClient(opts)
	if err := d.wait(ctx, queue.MethodConnect, c.Connect()); err != nil {
		return nil, classifyConnect(err)
	}

	d.mu.Lock()
	d.client = c
	d.mu.Unlock()

	d.logger.Info("mqtt session opened",
		slog.String("instance", d.instance),
		slog.String("client_id", clientID),
		slog.String("broker", addr.URL))

	return &queue.Return{State: queue.StateOK, Key: clientID}, nil
}

func (d *Driver) handler(subID string) paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		if d.cfg.OnMessage == nil {
			return
		}
		d.cfg.OnMessage(subID, msg.Topic(), msg.Payload())
	}
}

// wait blocks until the token completes, the write timeout elapses or ctx is
// done. Completion errors are classified, anything else is a transport error.
func (d *Driver) wait(ctx context.Context, method queue.Method, tok paho.Token) error {
	timeout := d.cfg.WriteTimeout
	if method == queue.MethodConnect {
		timeout = d.cfg.ConnectTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-tok.Done():
	case <-timer.C:
		return protocol.Transport(method.String(), fmt.Errorf("timed out after %s", timeout))
	case <-ctx.Done():
		return protocol.Transport(method.String(), ctx.Err())
	}

	err := tok.Error()
	if err == nil {
		return nil
	}
	if method == queue.MethodConnect {
		return err
	}
	if errors.Is(err, paho.ErrNotConnected) || protocol.IsTransport(err) {
		return protocol.Transport(method.String(), err)
	}
	return protocol.Application(method.String(), err)
}

// classifyConnect treats broker refusals caused by the request as application
// errors. An unavailable server or a network failure is a transport error.
func classifyConnect(err error) error {
	var pe *protocol.Error
	if errors.As(err, &pe) {
		return err
	}
	switch {
	case errors.Is(err, packets.ErrorRefusedBadProtocolVersion),
		errors.Is(err, packets.ErrorRefusedIDRejected),
		errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword),
		errors.Is(err, packets.ErrorRefusedNotAuthorised):
		return protocol.Application("connect", err)
	}
	return protocol.Transport("connect", err)
}

func qosOf(p *queue.Payload) (byte, error) {
	v := p.Property(queue.PropQoS)
	if v == "" {
		return defaultQoS, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 || n > 2 {
		return 0, fmt.Errorf("invalid mqtt qos %q", v)
	}
	return byte(n), nil
}

func (d *Driver) current() paho.Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.client
}

// Ping reports whether the MQTT connection is open. Paho keeps the session
// alive with its own PINGREQ exchange.
func (d *Driver) Ping(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	c := d.current()
	return c != nil && c.IsConnectionOpen()
}

// Disconnect closes the MQTT session.
func (d *Driver) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	c := d.client
	d.client = nil
	d.mu.Unlock()

	if c == nil {
		return nil
	}

	quiesce := uint(250)
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < 250*time.Millisecond {
			quiesce = uint(max(left.Milliseconds(), 0))
		}
	}
	c.Disconnect(quiesce)
	return nil
}

// Connected reports whether the MQTT connection is open.
func (d *Driver) Connected() bool {
	c := d.current()
	return c != nil && c.IsConnectionOpen()
}
