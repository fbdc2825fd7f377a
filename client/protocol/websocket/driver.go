// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package websocket implements a protocol driver exchanging JSON requests and
// replies with the broker over a single WebSocket connection.
package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/absmach/fluxclient/client/protocol"
	"github.com/absmach/fluxclient/client/queue"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Type is the protocol type the driver registers under.
const Type = "websocket"

// MethodUpdate marks a message pushed by the broker for a subscription.
const MethodUpdate = "update"

// Request is sent for every operation.
type Request struct {
	ID         string            `json:"id"`
	Method     string            `json:"method"`
	Key        string            `json:"key,omitempty"`
	QoS        string            `json:"qos,omitempty"`
	Content    []byte            `json:"content,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

// Reply is the broker's answer to a request, or a pushed update when Method
// is MethodUpdate.
type Reply struct {
	ID             string      `json:"id"`
	Method         string      `json:"method,omitempty"`
	State          string      `json:"state,omitempty"`
	Key            string      `json:"key,omitempty"`
	SubscriptionID string      `json:"subscription_id,omitempty"`
	QoS            string      `json:"qos,omitempty"`
	Content        []byte      `json:"content,omitempty"`
	Error          *ReplyError `json:"error,omitempty"`
}

// ReplyError is an error reported by the broker.
type ReplyError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ReplyError) Error() string {
	return e.Code + ": " + e.Message
}

// transport reports whether the broker flagged a communication problem.
func (e *ReplyError) transport() bool {
	return strings.HasPrefix(e.Code, "communication.")
}

// MessageHandler receives updates pushed for subscriptions.
type MessageHandler func(subscriptionID, key string, content []byte)

// Config holds driver settings.
type Config struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	Header           http.Header
	TLS              *tls.Config
	OnMessage        MessageHandler
	Logger           *slog.Logger
}

// DefaultConfig returns the default driver settings.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      30 * time.Second,
	}
}

// Driver is a protocol.Driver over WebSocket. Requests are strictly
// sequential: one request is written and its reply read before the next.
type Driver struct {
	cfg      Config
	instance string
	logger   *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

var _ protocol.Driver = (*Driver)(nil)

// New creates a driver for the named client instance.
func New(instance string, cfg Config) *Driver {
	d := DefaultConfig()
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = d.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = d.WriteTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = d.ReadTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{cfg: cfg, instance: instance, logger: logger}
}

// Factory returns a protocol.Factory creating WebSocket drivers with cfg.
func Factory(cfg Config) protocol.Factory {
	return func(instance string) (protocol.Driver, error) {
		return New(instance, cfg), nil
	}
}

// Connect dials addr.URL, closing any previous connection.
func (d *Driver) Connect(ctx context.Context, addr queue.Address) error {
	if addr.URL == "" {
		return protocol.Application("connect", errors.New("empty websocket url"))
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.cfg.HandshakeTimeout,
		TLSClientConfig:  d.cfg.TLS,
	}
	conn, resp, err := dialer.DialContext(ctx, addr.URL, d.cfg.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return protocol.Application("connect", fmt.Errorf("%w: %s", err, resp.Status))
		}
		return protocol.Transport("connect", err)
	}

	d.mu.Lock()
	old := d.conn
	d.conn = conn
	d.mu.Unlock()
	if old != nil {
		old.Close()
	}

	d.logger.Debug("websocket connected",
		slog.String("instance", d.instance),
		slog.String("url", addr.URL))
	return nil
}

// Send writes one request and waits for its reply. Updates received while
// waiting are handed to Config.OnMessage.
func (d *Driver) Send(ctx context.Context, method queue.Method, payload *queue.Payload) (*queue.Return, error) {
	op := method.String()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn == nil {
		return nil, protocol.Transport(op, websocket.ErrCloseSent)
	}

	req := Request{ID: uuid.NewString(), Method: op}
	if payload != nil {
		req.Key = payload.Key
		req.QoS = payload.QoS
		req.Content = payload.Content
		req.Properties = payload.Properties
	}

	if err := d.conn.SetWriteDeadline(d.deadline(ctx, d.cfg.WriteTimeout)); err != nil {
		return nil, d.fail(op, err)
	}
	if err := d.conn.WriteJSON(req); err != nil {
		return nil, d.fail(op, err)
	}

	for {
		if err := d.conn.SetReadDeadline(d.deadline(ctx, d.cfg.ReadTimeout)); err != nil {
			return nil, d.fail(op, err)
		}
		var rep Reply
		if err := d.conn.ReadJSON(&rep); err != nil {
			return nil, d.fail(op, err)
		}

		if rep.Method == MethodUpdate {
			d.update(rep)
			continue
		}
		if rep.ID != req.ID {
			d.logger.Debug("dropping stale websocket reply", slog.String("id", rep.ID))
			continue
		}

		if rep.Error != nil {
			if rep.Error.transport() {
				return nil, protocol.Transport(op, rep.Error)
			}
			return nil, protocol.Application(op, rep.Error)
		}

		state := rep.State
		if state == "" {
			state = queue.StateOK
		}
		return &queue.Return{
			State:          state,
			Key:            rep.Key,
			SubscriptionID: rep.SubscriptionID,
			QoS:            rep.QoS,
		}, nil
	}
}

func (d *Driver) update(rep Reply) {
	if d.cfg.OnMessage == nil {
		return
	}
	d.cfg.OnMessage(rep.SubscriptionID, rep.Key, rep.Content)
}

func (d *Driver) deadline(ctx context.Context, timeout time.Duration) time.Time {
	dl := time.Now().Add(timeout)
	if ctxDl, ok := ctx.Deadline(); ok && ctxDl.Before(dl) {
		return ctxDl
	}
	return dl
}

// fail drops the connection after an I/O error. d.mu must be held.
func (d *Driver) fail(op string, err error) error {
	if d.conn != nil {
		d.conn.Close()
		d.conn = nil
	}
	return protocol.Transport(op, err)
}

// Ping sends a ping request and reports whether it was answered.
func (d *Driver) Ping(ctx context.Context) bool {
	_, err := d.Send(ctx, queue.MethodPing, nil)
	return err == nil
}

// Disconnect sends a close frame and closes the connection.
func (d *Driver) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = d.conn.WriteControl(websocket.CloseMessage, msg, d.deadline(ctx, time.Second))
	err := d.conn.Close()
	d.conn = nil
	return err
}

// Connected reports whether a connection is open.
func (d *Driver) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn != nil
}
