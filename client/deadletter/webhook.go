// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxclient/client/queue"
	"github.com/sony/gobreaker"
)

// Drop policies applied when the webhook queue is full.
const (
	DropOldest = "oldest"
	DropNewest = "newest"
)

// RetryConfig configures redelivery with exponential backoff.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// BreakerConfig configures the circuit breaker guarding the endpoint.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// WebhookConfig configures the webhook sink.
type WebhookConfig struct {
	URL             string            `yaml:"url"`
	Headers         map[string]string `yaml:"headers,omitempty"`
	Timeout         time.Duration     `yaml:"timeout"`
	QueueSize       int               `yaml:"queue_size"`
	Workers         int               `yaml:"workers"`
	DropPolicy      string            `yaml:"drop_policy"`
	ShutdownTimeout time.Duration     `yaml:"shutdown_timeout"`
	Retry           RetryConfig       `yaml:"retry"`
	CircuitBreaker  BreakerConfig     `yaml:"circuit_breaker"`
}

// DefaultWebhookConfig returns the default webhook settings. URL is empty.
func DefaultWebhookConfig() WebhookConfig {
	return WebhookConfig{
		Timeout:         5 * time.Second,
		QueueSize:       1000,
		Workers:         2,
		DropPolicy:      DropOldest,
		ShutdownTimeout: 10 * time.Second,
		Retry: RetryConfig{
			MaxAttempts:     3,
			InitialInterval: time.Second,
			MaxInterval:     30 * time.Second,
			Multiplier:      2.0,
		},
		CircuitBreaker: BreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     60 * time.Second,
		},
	}
}

// Validate checks the webhook configuration.
func (c WebhookConfig) Validate() error {
	if c.URL == "" {
		return errors.New("webhook url is required")
	}
	if c.Workers < 1 {
		return errors.New("webhook workers must be at least 1")
	}
	if c.QueueSize < 1 {
		return errors.New("webhook queue size must be at least 1")
	}
	if c.DropPolicy != DropOldest && c.DropPolicy != DropNewest {
		return fmt.Errorf("webhook drop policy must be %q or %q", DropOldest, DropNewest)
	}
	if c.Retry.MaxAttempts < 1 {
		return errors.New("webhook retry max attempts must be at least 1")
	}
	return nil
}

type job struct {
	env     Envelope
	attempt int
}

// Webhook forwards dead messages to an HTTP endpoint. Delivery is
// asynchronous: a bounded queue is drained by a worker pool, failures are
// retried with backoff and a circuit breaker stops hammering a dead endpoint.
type Webhook struct {
	cfg     WebhookConfig
	client  string
	sender  Sender
	breaker *gobreaker.CircuitBreaker
	jobs    chan job
	logger  *slog.Logger

	dropped   atomic.Int64
	delivered atomic.Int64

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

var _ queue.DeadMessageSink = (*Webhook)(nil)

// NewWebhook starts a webhook sink for the named client.
func NewWebhook(cfg WebhookConfig, client string, sender Sender, logger *slog.Logger) (*Webhook, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sender == nil {
		return nil, fmt.Errorf("sender cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Webhook{
		cfg:    cfg,
		client: client,
		sender: sender,
		jobs:   make(chan job, cfg.QueueSize),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	w.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "deadletter-webhook",
		MaxRequests: 1,
		Timeout:     cfg.CircuitBreaker.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(max(cfg.CircuitBreaker.FailureThreshold, 1))
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("dead message webhook circuit breaker state changed",
				slog.String("endpoint", cfg.URL),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	for i := 0; i < cfg.Workers; i++ {
		w.wg.Add(1)
		go w.worker()
	}

	logger.Info("dead message webhook started",
		slog.String("endpoint", cfg.URL),
		slog.Int("workers", cfg.Workers),
		slog.Int("queue_size", cfg.QueueSize))

	return w, nil
}

// DeadMessage queues dm for delivery without blocking.
func (w *Webhook) DeadMessage(dm queue.DeadMessage) {
	if w.ctx.Err() != nil {
		w.drop("webhook closed", Wrap(w.client, dm))
		return
	}
	w.enqueue(job{env: Wrap(w.client, dm)})
}

func (w *Webhook) enqueue(j job) {
	select {
	case w.jobs <- j:
		return
	default:
	}

	if w.cfg.DropPolicy == DropOldest {
		select {
		case old := <-w.jobs:
			w.drop("webhook queue full", old.env)
		default:
		}
		select {
		case w.jobs <- j:
			return
		default:
		}
	}
	w.drop("webhook queue full", j.env)
}

func (w *Webhook) drop(reason string, env Envelope) {
	w.dropped.Add(1)
	w.logger.Error("dead message dropped",
		slog.String("reason", reason),
		slog.Int64("unique_id", env.UniqueID),
		slog.String("key", env.Key))
}

func (w *Webhook) worker() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case j := <-w.jobs:
			w.process(j)
		}
	}
}

func (w *Webhook) process(j job) {
	_, err := w.breaker.Execute(func() (interface{}, error) {
		return nil, w.send(j.env)
	})
	if err == nil {
		w.delivered.Add(1)
		return
	}

	if j.attempt >= w.cfg.Retry.MaxAttempts-1 {
		w.logger.Error("dead message delivery failed after max retries",
			slog.String("endpoint", w.cfg.URL),
			slog.Int64("unique_id", j.env.UniqueID),
			slog.Int("attempts", j.attempt+1),
			slog.String("error", err.Error()))
		w.dropped.Add(1)
		return
	}

	j.attempt++
	delay := w.retryDelay(j.attempt)
	w.logger.Debug("dead message delivery failed, retrying",
		slog.Int64("unique_id", j.env.UniqueID),
		slog.Int("attempt", j.attempt),
		slog.Duration("retry_after", delay),
		slog.String("error", err.Error()))

	time.AfterFunc(delay, func() {
		if w.ctx.Err() != nil {
			return
		}
		w.enqueue(j)
	})
}

func (w *Webhook) send(env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal dead message: %w", err)
	}

	ctx, cancel := context.WithTimeout(w.ctx, w.cfg.Timeout)
	defer cancel()
	return w.sender.Send(ctx, w.cfg.URL, w.cfg.Headers, payload)
}

func (w *Webhook) retryDelay(attempt int) time.Duration {
	r := w.cfg.Retry
	mult := r.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(r.InitialInterval) * math.Pow(mult, float64(attempt-1))
	if r.MaxInterval > 0 && delay > float64(r.MaxInterval) {
		delay = float64(r.MaxInterval)
	}
	return time.Duration(delay)
}

// Delivered returns how many dead messages reached the endpoint.
func (w *Webhook) Delivered() int64 {
	return w.delivered.Load()
}

// Dropped returns how many dead messages were given up on.
func (w *Webhook) Dropped() int64 {
	return w.dropped.Load()
}

// Close stops the workers, waiting at most ShutdownTimeout for the job in
// progress. Queued jobs are discarded.
func (w *Webhook) Close() error {
	w.cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	timeout := w.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	select {
	case <-done:
		w.logger.Info("dead message webhook stopped")
	case <-time.After(timeout):
		w.logger.Warn("dead message webhook shutdown timeout",
			slog.Int("queue_depth", len(w.jobs)))
	}
	return nil
}
