// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"fmt"
	"time"

	"github.com/absmach/fluxclient/client/queue"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// metrics holds the handler's OpenTelemetry instruments.
type metrics struct {
	session attribute.KeyValue

	sent          metric.Int64Counter
	queued        metric.Int64Counter
	flushed       metric.Int64Counter
	dead          metric.Int64Counter
	transitions   metric.Int64Counter
	flushDuration metric.Float64Histogram
}

func newMetrics(meter metric.Meter, session string) (*metrics, error) {
	if meter == nil {
		meter = otel.Meter("fluxclient")
	}
	m := &metrics{session: attribute.String("session", session)}

	var err error
	m.sent, err = meter.Int64Counter(
		"fluxclient.operations.sent.total",
		metric.WithDescription("Operations sent directly to the broker"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sent counter: %w", err)
	}

	m.queued, err = meter.Int64Counter(
		"fluxclient.operations.queued.total",
		metric.WithDescription("Operations put in the client queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queued counter: %w", err)
	}

	m.flushed, err = meter.Int64Counter(
		"fluxclient.operations.flushed.total",
		metric.WithDescription("Queued operations delivered by a flush"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create flushed counter: %w", err)
	}

	m.dead, err = meter.Int64Counter(
		"fluxclient.operations.dead.total",
		metric.WithDescription("Queued operations given up as dead messages"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dead counter: %w", err)
	}

	m.transitions, err = meter.Int64Counter(
		"fluxclient.state.transitions.total",
		metric.WithDescription("Connection state transitions"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transitions counter: %w", err)
	}

	m.flushDuration, err = meter.Float64Histogram(
		"fluxclient.flush.duration",
		metric.WithDescription("Duration of queue flushes"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create flush duration histogram: %w", err)
	}

	return m, nil
}

func (m *metrics) recordSent(method queue.Method) {
	m.sent.Add(context.Background(), 1, metric.WithAttributes(m.session, attribute.String("method", method.String())))
}

func (m *metrics) recordQueued(method queue.Method) {
	m.queued.Add(context.Background(), 1, metric.WithAttributes(m.session, attribute.String("method", method.String())))
}

func (m *metrics) recordFlushed(method queue.Method) {
	m.flushed.Add(context.Background(), 1, metric.WithAttributes(m.session, attribute.String("method", method.String())))
}

func (m *metrics) recordDead(method queue.Method) {
	m.dead.Add(context.Background(), 1, metric.WithAttributes(m.session, attribute.String("method", method.String())))
}

func (m *metrics) recordTransition(from, to State) {
	m.transitions.Add(context.Background(), 1, metric.WithAttributes(
		m.session,
		attribute.String("from", from.String()),
		attribute.String("to", to.String()),
	))
}

func (m *metrics) recordFlush(d time.Duration) {
	m.flushDuration.Record(context.Background(), float64(d.Microseconds())/1000, metric.WithAttributes(m.session))
}
