// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package client implements the failsafe connection handler: it keeps the
// connection to the broker alive, queues operations while the broker is
// unreachable and flushes them once the connection is back.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/absmach/fluxclient/client/protocol"
	"github.com/absmach/fluxclient/client/queue"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"
)

// subscriptionIDPrefix marks subscription ids made up by the client for
// subscriptions queued while the broker was unreachable.
const subscriptionIDPrefix = "__subId:"

// Handler is a thread-safe failsafe connection handler.
type Handler struct {
	opts     *Options
	registry *protocol.Registry
	queue    *queue.Queue
	logger   *slog.Logger
	metrics  *metrics
	tracer   trace.Tracer
	limiter  *rate.Limiter

	// State management
	state *stateManager

	// Driver and addresses, guarded by mu.
	mu             sync.RWMutex
	addresses      []queue.Address
	addrIdx        int
	driver         protocol.Driver
	driverAddr     queue.Address
	connectPayload *queue.Payload
	connectReturn  *queue.Return

	// connMu serializes connection attempts.
	connMu sync.Mutex

	// sendMu serializes direct sends with flushes so that queued entries are
	// never overtaken.
	sendMu sync.Mutex

	// Listener events, in transition order.
	evMu     sync.Mutex
	events   []transition
	evSignal chan struct{}

	// Lifecycle
	ctx      context.Context
	cancel   context.CancelFunc
	wake     chan struct{}
	stopOnce sync.Once
	loopDone chan struct{}
}

type transition struct {
	from, to State
}

// New creates a handler sending through drivers of registry and queueing in
// q. The broker addresses are taken from the queue property. The handler
// starts in START; call Connect to go online.
func New(registry *protocol.Registry, q *queue.Queue, opts *Options) (*Handler, error) {
	if registry == nil {
		return nil, ErrNilRegistry
	}
	if q == nil {
		return nil, ErrNilQueue
	}
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	addrs := q.Property().Addresses
	if len(addrs) == 0 {
		return nil, ErrNoAddresses
	}

	m, err := newMetrics(opts.Meter, opts.SessionName)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Handler{
		opts:      opts,
		registry:  registry,
		queue:     q,
		logger:    opts.Logger.With(slog.String("session", opts.SessionName)),
		metrics:   m,
		state:     newStateManager(),
		addresses: addrs,
		evSignal:  make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		wake:      make(chan struct{}, 1),
		loopDone:  make(chan struct{}),
	}
	h.tracer = opts.Tracer
	if h.tracer == nil {
		h.tracer = otel.Tracer("fluxclient")
	}
	if opts.FlushRate > 0 {
		h.limiter = rate.NewLimiter(rate.Limit(opts.FlushRate), opts.FlushBurst)
	}

	go h.loop()
	go h.dispatch()

	return h, nil
}

// State returns the current connection state.
func (h *Handler) State() State {
	return h.state.get()
}

// IsAlive reports whether the broker is reachable.
func (h *Handler) IsAlive() bool {
	return h.state.get() == StateAlive
}

// Queue returns the client queue.
func (h *Handler) Queue() *queue.Queue {
	return h.queue
}

// SessionName returns the session name.
func (h *Handler) SessionName() string {
	return h.opts.SessionName
}

// Address returns the broker address in use, or the one that will be tried
// next.
func (h *Handler) Address() queue.Address {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.addresses[h.addrIdx]
}

// Connect connects to the broker. payload carries the CONNECT request and
// is kept to reconnect later.
//
// In failsafe mode a broker that cannot be reached is not an error: the
// handler moves to POLLING, keeps trying in the background and Connect
// returns a QUEUED return.
func (h *Handler) Connect(ctx context.Context, payload *queue.Payload) (*queue.Return, error) {
	h.connMu.Lock()
	defer h.connMu.Unlock()

	switch h.state.get() {
	case StateEnd:
		return nil, ErrClosed
	case StateDead:
		return nil, ErrConnectionLost
	case StateAlive, StatePolling:
		h.mu.RLock()
		defer h.mu.RUnlock()
		return h.connectReturn.Copy(), nil
	}

	if payload == nil {
		payload = queue.NewPayload("", nil)
	}
	h.mu.Lock()
	h.connectPayload = payload.Copy()
	h.mu.Unlock()

	ret, err := h.dial(ctx)
	if err == nil {
		h.setConnectReturn(ret)
		h.transition(StateStart, StateAlive)
		return ret.Copy(), nil
	}

	if !protocol.IsTransport(err) || !h.opts.Failsafe() {
		return nil, err
	}

	h.logger.Warn("broker unreachable, connect queued",
		slog.String("address", h.Address().String()),
		slog.String("error", err.Error()))
	queued := &queue.Return{State: queue.StateQueued, Key: payload.Key}
	h.setConnectReturn(queued)
	h.transition(StateStart, StatePolling)
	return queued.Copy(), nil
}

func (h *Handler) setConnectReturn(ret *queue.Return) {
	h.mu.Lock()
	h.connectReturn = ret.Copy()
	h.mu.Unlock()
}

// dial tries every address once, starting with the last one that worked,
// and sends the CONNECT request. connMu must be held.
func (h *Handler) dial(ctx context.Context) (*queue.Return, error) {
	h.mu.RLock()
	addrs := h.addresses
	start := h.addrIdx
	payload := h.connectPayload
	h.mu.RUnlock()

	// A transport error is returned in preference to a rejected address.
	var lastErr, rejected error
	for i := range addrs {
		idx := (start + i) % len(addrs)
		addr := addrs[idx]

		ret, err := h.dialAddress(ctx, addr, payload)
		if err == nil {
			h.mu.Lock()
			h.addrIdx = idx
			h.mu.Unlock()
			if ret == nil {
				ret = &queue.Return{State: queue.StateOK}
			}
			h.logger.Info("connected to broker", slog.String("address", addr.String()))
			return ret, nil
		}
		if !protocol.IsTransport(err) {
			h.logger.Warn("broker address rejected",
				slog.String("address", addr.String()),
				slog.String("error", err.Error()))
			if rejected == nil {
				rejected = err
			}
			continue
		}
		h.logger.Debug("broker address unreachable",
			slog.String("address", addr.String()),
			slog.String("error", err.Error()))
		lastErr = err
	}

	if lastErr == nil {
		return nil, rejected
	}
	return nil, lastErr
}

func (h *Handler) dialAddress(ctx context.Context, addr queue.Address, payload *queue.Payload) (*queue.Return, error) {
	drv, err := h.acquire(ctx, addr)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownProtocol) {
			return nil, err
		}
		return nil, protocol.Transport("connect", err)
	}
	if err := drv.Connect(ctx, addr); err != nil {
		return nil, err
	}
	return drv.Send(ctx, queue.MethodConnect, payload)
}

func sameDriver(a, b queue.Address) bool {
	return strings.EqualFold(a.Type, b.Type) && a.DriverVersion() == b.DriverVersion()
}

// acquire returns the driver for addr, swapping the held driver when the
// protocol changes.
func (h *Handler) acquire(ctx context.Context, addr queue.Address) (protocol.Driver, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.driver != nil && sameDriver(h.driverAddr, addr) {
		return h.driver, nil
	}

	drv, err := h.registry.GetPlugin(ctx, h.opts.SessionName, addr.Type, addr.Version)
	if err != nil {
		return nil, err
	}

	if h.driver != nil {
		old := h.driverAddr
		if err := h.registry.ReleasePlugin(ctx, h.opts.SessionName, old.Type, old.Version); err != nil {
			h.logger.Warn("failed to release protocol driver",
				slog.String("type", old.Type),
				slog.String("error", err.Error()))
		}
	}
	h.driver = drv
	h.driverAddr = addr
	return drv, nil
}

func (h *Handler) currentDriver() protocol.Driver {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.driver
}

// Invoke performs a client operation.
//
// While ALIVE the operation goes straight to the broker. While POLLING or
// DEAD queueable operations are queued and a QUEUED return is given. A
// transport failure of a direct send moves the handler to POLLING and, in
// failsafe mode, queues the operation. Application errors are returned as
// they are and never change the state.
func (h *Handler) Invoke(ctx context.Context, method queue.Method, payload *queue.Payload) (*queue.Return, error) {
	if !method.Valid() {
		return nil, fmt.Errorf("%w: %d", queue.ErrUnknownMethod, method)
	}
	if method == queue.MethodConnect {
		return h.Connect(ctx, payload)
	}

	switch h.state.get() {
	case StateStart:
		return nil, ErrNotConnected
	case StateEnd:
		return nil, ErrClosed
	case StateAlive:
		if h.opts.AlwaysQueue && method.Queueable() {
			return h.invokeQueued(ctx, method, payload)
		}
		return h.send(ctx, method, payload)
	default:
		if !method.Queueable() {
			return nil, ErrConnectionLost
		}
		_, ret, err := h.enqueue(ctx, method, payload)
		return ret, err
	}
}

// send performs a direct send. If entries are waiting in the queue the
// operation joins them instead, so it cannot overtake them.
func (h *Handler) send(ctx context.Context, method queue.Method, payload *queue.Payload) (*queue.Return, error) {
	h.sendMu.Lock()
	if h.state.get() != StateAlive || (method.Queueable() && !h.queue.Empty()) {
		h.sendMu.Unlock()
		return h.fallback(ctx, method, payload, nil)
	}

	ret, err := h.currentDriver().Send(ctx, method, payload)
	h.sendMu.Unlock()

	if err == nil {
		h.metrics.recordSent(method)
		return ret, nil
	}
	if !protocol.IsTransport(err) {
		return nil, err
	}

	h.lost(err)
	return h.fallback(ctx, method, payload, err)
}

// fallback handles an operation that could not be sent directly.
func (h *Handler) fallback(ctx context.Context, method queue.Method, payload *queue.Payload, cause error) (*queue.Return, error) {
	state := h.state.get()
	if state == StateEnd {
		return nil, ErrClosed
	}
	if cause != nil && !h.opts.Failsafe() {
		h.transition(StatePolling, StateDead)
		return nil, fmt.Errorf("%w: %w", ErrConnectionLost, cause)
	}
	if !method.Queueable() {
		if cause != nil {
			return nil, fmt.Errorf("%w: %w", ErrConnectionLost, cause)
		}
		return nil, ErrConnectionLost
	}

	// While ALIVE the operation waits behind the queued entries for the next
	// flush. Only AlwaysQueue flushes on behalf of the caller.
	if state == StateAlive && h.opts.AlwaysQueue {
		return h.invokeQueued(ctx, method, payload)
	}
	_, ret, err := h.enqueue(ctx, method, payload)
	return ret, err
}

// invokeQueued queues the operation and flushes right away.
func (h *Handler) invokeQueued(ctx context.Context, method queue.Method, payload *queue.Payload) (*queue.Return, error) {
	e, queued, err := h.enqueue(ctx, method, payload)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return queued, nil
	}

	_, ferr := h.Flush(ctx)
	if ret, done := h.outcome(e); done {
		return ret, nil
	}
	if _, ok := h.queue.Get(e.UniqueID); !ok {
		return nil, fmt.Errorf("%w: entry %d", queue.ErrDeadMessage, e.UniqueID)
	}
	if ferr != nil {
		return nil, ferr
	}
	return queued, nil
}

// outcome returns the recorded return of a flushed entry.
func (h *Handler) outcome(e *queue.Entry) (*queue.Return, bool) {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()
	if e.Return == nil {
		return nil, false
	}
	return e.Return.Copy(), true
}

// enqueue puts the operation in the queue and returns the QUEUED return.
// The entry is nil if the queue was full and handed it to the dead message
// sink; the caller still gets QUEUED.
func (h *Handler) enqueue(ctx context.Context, method queue.Method, payload *queue.Payload) (*queue.Entry, *queue.Return, error) {
	if payload == nil {
		payload = queue.NewPayload("", nil)
	}

	priority := h.opts.Priority
	if v := payload.Property(PropPriority); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid %s property %q: %w", PropPriority, v, err)
		}
		priority = p
	}
	durable := payload.Property(PropPersistent) == "true"

	e := queue.NewEntry(method, priority, durable, payload)
	ret := &queue.Return{State: queue.StateQueued, Key: e.Payload.Key}
	if method == queue.MethodSubscribe {
		subID := e.Payload.Property(queue.PropSubscriptionID)
		if subID == "" {
			subID = subscriptionIDPrefix + h.opts.SessionName + "-" + strconv.FormatInt(e.UniqueID, 10)
			e.Payload.SetProperty(queue.PropSubscriptionID, subID)
		}
		ret.SubscriptionID = subID
	}

	if err := h.queue.Put(ctx, e); err != nil {
		return nil, nil, err
	}
	h.metrics.recordQueued(method)

	if _, ok := h.queue.Get(e.UniqueID); !ok {
		if r, done := h.outcome(e); done {
			return e, r, nil
		}
		h.metrics.recordDead(method)
		h.logger.Warn("queue full, operation sent to dead message sink",
			slog.String("method", method.String()),
			slog.String("key", e.Payload.Key),
			slog.Int64("unique_id", e.UniqueID))
		return nil, ret, nil
	}

	h.logger.Debug("operation queued",
		slog.String("method", method.String()),
		slog.String("key", e.Payload.Key),
		slog.Int64("unique_id", e.UniqueID),
		slog.Int("queue_size", h.queue.Size()))
	return e, ret, nil
}

// GiveUp stops reconnecting: POLLING moves to DEAD. Operations are still
// queued. It reports whether the transition happened.
func (h *Handler) GiveUp() bool {
	return h.transition(StatePolling, StateDead)
}

// Disconnect leaves the broker: it waits for the entry being sent, closes
// the driver and moves ALIVE to DEAD. With clearQueue the queued entries are
// dropped as well. The handler does not reconnect afterwards; operations are
// still queued until Shutdown.
func (h *Handler) Disconnect(ctx context.Context, clearQueue bool) error {
	switch h.state.get() {
	case StateStart:
		return ErrNotConnected
	case StateEnd:
		return ErrClosed
	case StatePolling, StateDead:
		return ErrConnectionLost
	}

	h.sendMu.Lock()
	defer h.sendMu.Unlock()

	if !h.transition(StateAlive, StateDead) {
		if h.state.get() == StateEnd {
			return ErrClosed
		}
		return ErrConnectionLost
	}

	var err error
	if drv := h.currentDriver(); drv != nil {
		err = drv.Disconnect(ctx)
	}
	if clearQueue {
		n, cerr := h.queue.Clear()
		err = multierr.Append(err, cerr)
		h.logger.Info("client queue cleared", slog.Int("entries", n))
	}
	h.logger.Info("disconnected from broker", slog.String("address", h.Address().String()))
	return err
}

// PublishBatch publishes payloads one by one, in order. It stops at the
// first error and returns the returns collected so far.
func (h *Handler) PublishBatch(ctx context.Context, payloads []*queue.Payload) ([]*queue.Return, error) {
	rets := make([]*queue.Return, 0, len(payloads))
	for i, p := range payloads {
		ret, err := h.Invoke(ctx, queue.MethodPublish, p)
		if err != nil {
			return rets, fmt.Errorf("failed to publish message %d of %d: %w", i+1, len(payloads), err)
		}
		rets = append(rets, ret)
	}
	return rets, nil
}

// Shutdown moves the handler to END from any state, stops the background
// loop and releases the driver. The queue and its entries are left intact.
func (h *Handler) Shutdown(ctx context.Context) error {
	prev := h.state.end()
	if prev == StateEnd {
		return nil
	}
	h.metrics.recordTransition(prev, StateEnd)
	h.logger.Info("connection handler shutting down", slog.String("from", prev.String()))

	h.stopOnce.Do(func() {
		h.cancel()
	})
	<-h.loopDone

	// Wait for the entry being flushed, if any.
	flushed := make(chan struct{})
	go func() {
		h.sendMu.Lock()
		h.sendMu.Unlock()
		close(flushed)
	}()
	var err error
	select {
	case <-flushed:
	case <-ctx.Done():
		err = ctx.Err()
	}

	h.mu.Lock()
	drv, addr := h.driver, h.driverAddr
	h.driver = nil
	h.mu.Unlock()
	if drv != nil {
		err = multierr.Append(err, h.registry.ReleasePlugin(ctx, h.opts.SessionName, addr.Type, addr.Version))
	}
	return err
}

// transition changes the state and schedules the listener callback. Events
// are appended under evMu so callbacks see transitions in order.
func (h *Handler) transition(from, to State) bool {
	h.evMu.Lock()
	if !h.state.transition(from, to) {
		h.evMu.Unlock()
		return false
	}
	h.events = append(h.events, transition{from: from, to: to})
	h.evMu.Unlock()

	h.metrics.recordTransition(from, to)
	h.logger.Info("connection state changed",
		slog.String("from", from.String()),
		slog.String("to", to.String()))

	signal(h.evSignal)
	signal(h.wake)
	return true
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// lost moves ALIVE to POLLING after a transport failure.
func (h *Handler) lost(err error) {
	if h.transition(StateAlive, StatePolling) {
		h.logger.Warn("connection to broker lost",
			slog.String("address", h.Address().String()),
			slog.String("error", err.Error()))
	}
}

// dispatch runs listener callbacks. Without a listener every ALIVE flushes.
func (h *Handler) dispatch() {
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-h.evSignal:
		}

		for {
			h.evMu.Lock()
			if len(h.events) == 0 {
				h.evMu.Unlock()
				break
			}
			ev := h.events[0]
			h.events = h.events[1:]
			h.evMu.Unlock()

			h.notify(ev)
		}
	}
}

func (h *Handler) notify(ev transition) {
	l := h.opts.Listener
	switch ev.to {
	case StateAlive:
		flush := true
		if l != nil {
			flush = l.ReachedAlive(ev.from)
		}
		if flush && h.state.get() == StateAlive {
			// Shutdown must not cut the entry on the wire; the flush stops
			// on its own once the state leaves ALIVE.
			if n, err := h.Flush(context.WithoutCancel(h.ctx)); err != nil {
				h.logger.Error("flush after reconnect failed",
					slog.Int("sent", n),
					slog.String("error", err.Error()))
			}
		}
	case StatePolling:
		if l != nil {
			l.ReachedPolling(ev.from)
		}
	case StateDead:
		if l != nil {
			l.ReachedDead(ev.from)
		}
	}
}

// loop pings while ALIVE and reconnects while POLLING.
func (h *Handler) loop() {
	defer close(h.loopDone)

	delay := h.opts.RetryDelay
	attempts := 0

	for {
		var wait time.Duration
		switch h.state.get() {
		case StateEnd:
			return
		case StateAlive:
			wait = h.opts.PingInterval
			delay = h.opts.RetryDelay
			attempts = 0
		case StatePolling:
			wait = delay
		}

		var timer *time.Timer
		var fire <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(wait)
			fire = timer.C
		}

		select {
		case <-h.ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-h.wake:
			if timer != nil {
				timer.Stop()
			}
			continue
		case <-fire:
		}

		switch h.state.get() {
		case StateAlive:
			h.ping()
		case StatePolling:
			attempts++
			if h.reconnect(attempts) {
				continue
			}
			if h.opts.MaxRetries >= 0 && attempts >= h.opts.MaxRetries {
				h.logger.Warn("giving up reconnecting", slog.Int("attempts", attempts))
				h.transition(StatePolling, StateDead)
				continue
			}
			delay = min(delay*2, h.opts.MaxRetryDelay)
		}
	}
}

func (h *Handler) ping() {
	drv := h.currentDriver()
	if drv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(h.ctx, max(h.opts.PingInterval, time.Second))
	defer cancel()
	if drv.Ping(ctx) || h.ctx.Err() != nil {
		return
	}
	h.lost(errors.New("ping failed"))
}

// reconnect makes one reconnection attempt and reports whether it worked.
func (h *Handler) reconnect(attempt int) bool {
	h.connMu.Lock()
	defer h.connMu.Unlock()

	if h.state.get() != StatePolling {
		return false
	}

	h.logger.Info("reconnecting to broker", slog.Int("attempt", attempt))
	ret, err := h.dial(h.ctx)
	if err != nil {
		h.logger.Warn("reconnect attempt failed",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
		return false
	}

	h.setConnectReturn(ret)
	if !h.transition(StatePolling, StateAlive) {
		return false
	}
	h.logger.Info("reconnected to broker",
		slog.Int("attempts", attempt),
		slog.Int("queued", h.queue.Size()))
	return true
}
