// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/fluxclient/client/protocol"
	"github.com/absmach/fluxclient/client/queue"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Flush sends the queued entries in order and returns how many were
// delivered, or -1 if the handler is not ALIVE.
//
// The first transport failure stops the flush and moves the handler to
// POLLING; the failed entry and everything behind it stay queued. An
// application failure is handled by the queue's OnFailure policy. If ctx is
// done, the flush stops and the entry in flight stays queued. Direct sends
// wait while a flush runs.
func (h *Handler) Flush(ctx context.Context) (int, error) {
	if h.state.get() != StateAlive {
		return -1, nil
	}

	ctx, span := h.tracer.Start(ctx, "client.flush",
		trace.WithAttributes(h.metrics.session, attribute.Int("queued", h.queue.Size())))
	defer span.End()

	var flushed []*queue.Entry
	n, err := h.flush(ctx, &flushed)
	span.SetAttributes(attribute.Int("sent", n))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	if h.opts.OnFlushed != nil {
		for _, e := range flushed {
			h.opts.OnFlushed(e)
		}
	}
	return n, err
}

func (h *Handler) flush(ctx context.Context, flushed *[]*queue.Entry) (int, error) {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()

	if h.state.get() != StateAlive {
		return -1, nil
	}

	start := time.Now()
	defer func() {
		h.metrics.recordFlush(time.Since(start))
	}()

	policy := h.queue.Property().OnFailure
	skip := make(map[int64]struct{})
	sent := 0

	// Entries put ahead of the cursor while a sweep runs are picked up by
	// the next one. A sweep that sends nothing ends the flush.
	for {
		progressed := false
		for e := range h.queue.PeekOrdered() {
			if _, ok := skip[e.UniqueID]; ok {
				continue
			}
			if h.state.get() != StateAlive {
				return sent, nil
			}
			if err := ctx.Err(); err != nil {
				return sent, err
			}
			if h.limiter != nil {
				if err := h.limiter.Wait(ctx); err != nil {
					return sent, err
				}
			}

			ok, err := h.flushEntry(ctx, e, policy, skip)
			if err != nil {
				return sent, err
			}
			if !ok {
				if h.state.get() != StateAlive {
					return sent, nil
				}
				progressed = true
				continue
			}

			sent++
			progressed = true
			*flushed = append(*flushed, e)
		}
		if !progressed {
			break
		}
	}

	if sent > 0 {
		h.logger.Info("queue flushed",
			slog.Int("sent", sent),
			slog.Int("remaining", h.queue.Size()),
			slog.Duration("duration", time.Since(start)))
	}
	return sent, nil
}

// flushEntry sends one entry. It reports whether the entry was delivered.
// sendMu must be held.
func (h *Handler) flushEntry(ctx context.Context, e *queue.Entry, policy queue.Policy, skip map[int64]struct{}) (bool, error) {
	drv := h.currentDriver()
	if drv == nil {
		h.lost(ErrNotConnected)
		return false, nil
	}

	h.queue.Pin(e.UniqueID)
	ret, err := drv.Send(ctx, e.Method, e.Payload)
	h.queue.Unpin(e.UniqueID)

	if err == nil {
		if _, rerr := h.queue.Remove(e.UniqueID); rerr != nil {
			return false, fmt.Errorf("failed to remove flushed entry %d: %w", e.UniqueID, rerr)
		}
		if ret == nil {
			ret = &queue.Return{State: queue.StateOK, Key: e.Payload.Key}
		}
		e.Return = ret
		h.metrics.recordFlushed(e.Method)
		return true, nil
	}

	// The entry never got an answer; it stays queued for the next flush.
	if cerr := ctx.Err(); cerr != nil {
		return false, cerr
	}

	if protocol.IsTransport(err) {
		h.lost(err)
		return false, nil
	}

	h.logger.Warn("queued operation rejected by broker",
		slog.String("method", e.Method.String()),
		slog.String("key", e.Payload.Key),
		slog.Int64("unique_id", e.UniqueID),
		slog.String("policy", policy.String()),
		slog.String("error", err.Error()))

	switch policy {
	case queue.PolicyException:
		return false, fmt.Errorf("failed to flush entry %d: %w", e.UniqueID, err)

	case queue.PolicyBlock:
		// Retry later: the entry goes to the back of its priority class and
		// is not tried again by this flush.
		if _, rerr := h.queue.Remove(e.UniqueID); rerr != nil {
			return false, fmt.Errorf("failed to requeue entry %d: %w", e.UniqueID, rerr)
		}
		retry := queue.NewEntry(e.Method, e.Priority, e.Durable, e.Payload)
		if perr := h.queue.Put(ctx, retry); perr != nil {
			h.queue.Report(e, err)
			h.metrics.recordDead(e.Method)
			return false, nil
		}
		skip[retry.UniqueID] = struct{}{}
		return false, nil

	default:
		if _, rerr := h.queue.Remove(e.UniqueID); rerr != nil {
			return false, fmt.Errorf("failed to remove entry %d: %w", e.UniqueID, rerr)
		}
		h.queue.Report(e, err)
		h.metrics.recordDead(e.Method)
		return false, nil
	}
}
