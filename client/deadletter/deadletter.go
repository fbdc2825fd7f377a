// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package deadletter provides receivers for queue entries that could not be
// delivered.
package deadletter

import (
	"log/slog"
	"time"

	"github.com/absmach/fluxclient/client/queue"
)

// Envelope is the JSON document describing one dead message.
type Envelope struct {
	Client     string            `json:"client,omitempty"`
	UniqueID   int64             `json:"unique_id"`
	Method     string            `json:"method"`
	Priority   int               `json:"priority"`
	Key        string            `json:"key,omitempty"`
	QoS        string            `json:"qos,omitempty"`
	Content    []byte            `json:"content,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
	Reason     string            `json:"reason"`
	Created    time.Time         `json:"created"`
	Time       time.Time         `json:"time"`
}

// Wrap builds the envelope of dm on behalf of the named client.
func Wrap(client string, dm queue.DeadMessage) Envelope {
	env := Envelope{
		Client: client,
		Time:   dm.Time,
	}
	if dm.Reason != nil {
		env.Reason = dm.Reason.Error()
	}
	if e := dm.Entry; e != nil {
		env.UniqueID = e.UniqueID
		env.Method = e.Method.String()
		env.Priority = e.Priority
		env.Created = e.Created
		if p := e.Payload; p != nil {
			env.Key = p.Key
			env.QoS = p.QoS
			env.Content = p.Content
			env.Properties = p.Properties
		}
	}
	return env
}

// Log is a sink that records dead messages in the log.
type Log struct {
	logger *slog.Logger
}

var _ queue.DeadMessageSink = (*Log)(nil)

// NewLog creates a logging sink.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

// DeadMessage implements queue.DeadMessageSink.
func (l *Log) DeadMessage(dm queue.DeadMessage) {
	attrs := []any{slog.Time("dead_at", dm.Time)}
	if dm.Entry != nil {
		attrs = append(attrs,
			slog.Int64("unique_id", dm.Entry.UniqueID),
			slog.String("method", dm.Entry.Method.String()),
			slog.Int("priority", dm.Entry.Priority))
		if dm.Entry.Payload != nil {
			attrs = append(attrs,
				slog.String("key", dm.Entry.Payload.Key),
				slog.Int64("size", dm.Entry.Size()))
		}
	}
	if dm.Reason != nil {
		attrs = append(attrs, slog.String("reason", dm.Reason.Error()))
	}
	l.logger.Warn("dead message", attrs...)
}

// Multi delivers every dead message to all sinks, in order.
type Multi []queue.DeadMessageSink

// DeadMessage implements queue.DeadMessageSink.
func (m Multi) DeadMessage(dm queue.DeadMessage) {
	for _, s := range m {
		if s != nil {
			s.DeadMessage(dm)
		}
	}
}
