// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/absmach/fluxclient/client"
	"github.com/absmach/fluxclient/client/deadletter"
	"github.com/absmach/fluxclient/client/protocol"
	"github.com/absmach/fluxclient/client/protocol/mqtt"
	"github.com/absmach/fluxclient/client/protocol/nats"
	"github.com/absmach/fluxclient/client/protocol/websocket"
	"github.com/absmach/fluxclient/client/queue"
	"github.com/absmach/fluxclient/client/queue/badger"
	"github.com/absmach/fluxclient/client/queue/bolt"
	"github.com/absmach/fluxclient/config"
	"github.com/absmach/fluxclient/pkg/otel"
	"github.com/absmach/fluxclient/pkg/tls"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout          = 30 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	statusInterval           = time.Minute
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	topic := flag.String("topic", "fluxclient/lines", "Topic every stdin line is published to")
	qos := flag.Int("qos", 1, "QoS of published lines")
	persistent := flag.Bool("persistent", false, "Persist lines queued while the broker is unreachable")
	subscribe := flag.String("subscribe", "", "Topic to subscribe to and log")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	instanceID := cfg.Client.SessionName
	if instanceID == "" {
		instanceID, _ = os.Hostname()
	}
	shutdownTelemetry, err := otel.InitProvider(context.Background(), cfg.Telemetry, instanceID)
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	if cfg.Telemetry.MetricsEnabled || cfg.Telemetry.TracesEnabled {
		slog.Info("OpenTelemetry initialized",
			"endpoint", cfg.Telemetry.Endpoint,
			"metrics", cfg.Telemetry.MetricsEnabled,
			"traces", cfg.Telemetry.TracesEnabled)
	}

	runErr := run(cfg, logger, os.Stdin, *topic, *qos, *persistent, *subscribe)

	telemetryCtx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	if err := shutdownTelemetry(telemetryCtx); err != nil {
		slog.Error("Failed to shutdown OpenTelemetry", "error", err)
	}
	cancel()

	if runErr != nil {
		slog.Error("Client stopped with error", "error", runErr)
		os.Exit(1)
	}
	slog.Info("Client stopped")
}

func run(cfg *config.Config, logger *slog.Logger, in io.Reader, topic string, qos int, persistent bool, subscribe string) (err error) {
	onMessage := func(subscriptionID, key string, content []byte) {
		logger.Info("Message received",
			"subscription_id", subscriptionID,
			"topic", key,
			"size", len(content))
	}

	registry, err := newRegistry(cfg, logger, onMessage)
	if err != nil {
		return err
	}

	sink, closeSink, err := newDeadMessageSink(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, closeSink())
	}()

	q, err := newQueue(cfg, logger, sink)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := q.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("failed to close queue: %w", cerr))
		}
	}()

	opts := cfg.ClientOptions().
		SetLogger(logger).
		SetListener(client.ListenerFuncs{
			OnPolling: func(prev client.State) {
				slog.Warn("Broker unreachable, queueing operations", "previous", prev.String())
			},
			OnDead: func(prev client.State) {
				slog.Error("Gave up reconnecting, operations stay queued", "previous", prev.String())
			},
		}).
		SetOnFlushed(func(e *queue.Entry) {
			slog.Debug("Queued operation delivered",
				"method", e.Method.String(),
				"key", e.Payload.Key,
				"unique_id", e.UniqueID)
		})

	h, err := client.New(registry, q, opts)
	if err != nil {
		return fmt.Errorf("failed to create connection handler: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connect := queue.NewPayload(h.SessionName(), nil).
		SetProperty(mqtt.PropClientID, h.SessionName()).
		SetProperty(nats.PropClientName, h.SessionName())
	ret, err := h.Connect(ctx, connect)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	slog.Info("Client started",
		"session", h.SessionName(),
		"address", h.Address().String(),
		"state", h.State().String(),
		"connect", ret.State,
		"queued", q.Size())

	if subscribe != "" {
		sub := queue.NewPayload(subscribe, nil).SetProperty(queue.PropQoS, strconv.Itoa(qos))
		ret, err := h.Invoke(ctx, queue.MethodSubscribe, sub)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", subscribe, err)
		}
		slog.Info("Subscribed", "topic", subscribe, "subscription_id", ret.SubscriptionID, "state", ret.State)
	}

	// The reader is not part of the group: a blocked read of stdin must not
	// hold up shutdown.
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	loopCtx, stopLoop := context.WithCancel(ctx)
	defer stopLoop()
	g, gctx := errgroup.WithContext(loopCtx)

	published := 0
	g.Go(func() error {
		defer stopLoop()
		for {
			select {
			case <-gctx.Done():
				if ctx.Err() != nil {
					slog.Info("Received shutdown signal")
				}
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				p := queue.NewPayload(topic, []byte(line)).
					SetProperty(queue.PropQoS, strconv.Itoa(qos)).
					SetProperty(client.PropPersistent, strconv.FormatBool(persistent))
				ret, err := h.Invoke(gctx, queue.MethodPublish, p)
				if err != nil {
					slog.Error("Failed to publish line", "topic", topic, "error", err)
					continue
				}
				published++
				slog.Debug("Line published", "topic", topic, "state", ret.State)
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(statusInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				slog.Info("Client status",
					"state", h.State().String(),
					"address", h.Address().String(),
					"queued", q.Size(),
					"queued_bytes", q.ByteSize())
			}
		}
	})

	if err := g.Wait(); err != nil {
		return err
	}

	select {
	case err := <-readErr:
		if err != nil {
			slog.Error("Failed to read input", "error", err)
		}
	default:
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if n, err := h.Flush(shutdownCtx); err != nil {
		slog.Error("Final flush failed", "error", err)
	} else if n > 0 {
		slog.Info("Final flush complete", "sent", n)
	}

	if h.IsAlive() {
		if err := h.Disconnect(shutdownCtx, false); err != nil {
			slog.Error("Failed to disconnect from broker", "error", err)
		}
	}
	if err := h.Shutdown(shutdownCtx); err != nil {
		slog.Error("Error during shutdown", "error", err)
	}
	if err := registry.Close(shutdownCtx); err != nil {
		slog.Error("Failed to close protocol drivers", "error", err)
	}
	slog.Info("Input processed", "published", published, "left_in_queue", q.Size())
	return nil
}

func newRegistry(cfg *config.Config, logger *slog.Logger, onMessage func(string, string, []byte)) (*protocol.Registry, error) {
	registry := protocol.NewRegistry(logger)

	mqttCfg, err := cfg.MQTTDriver()
	if err != nil {
		return nil, err
	}
	mqttCfg.Logger = logger
	mqttCfg.OnMessage = onMessage
	registry.Register(mqtt.Type, "", mqtt.Factory(mqttCfg))

	wsCfg, err := cfg.WebSocketDriver()
	if err != nil {
		return nil, err
	}
	wsCfg.Logger = logger
	wsCfg.OnMessage = onMessage
	registry.Register(websocket.Type, "", websocket.Factory(wsCfg))

	natsCfg, err := cfg.NATSDriver()
	if err != nil {
		return nil, err
	}
	natsCfg.Logger = logger
	natsCfg.OnMessage = onMessage
	registry.Register(nats.Type, "", nats.Factory(natsCfg))

	slog.Info("Protocol drivers registered",
		"drivers", registry.Types(),
		"mqtt_security", tls.SecurityStatus(mqttCfg.TLS),
		"websocket_security", tls.SecurityStatus(wsCfg.TLS),
		"nats_security", tls.SecurityStatus(natsCfg.TLS))
	return registry, nil
}

func newDeadMessageSink(cfg *config.Config, logger *slog.Logger) (queue.DeadMessageSink, func() error, error) {
	var sinks deadletter.Multi
	closeSink := func() error { return nil }

	if cfg.DeadMessage.Log {
		sinks = append(sinks, deadletter.NewLog(logger))
	}

	if cfg.DeadMessage.Webhook.Enabled {
		wh, err := deadletter.NewWebhook(cfg.DeadMessage.Webhook.WebhookConfig, cfg.Client.SessionName, deadletter.NewHTTPSender(), logger)
		if err != nil {
			return nil, closeSink, fmt.Errorf("failed to create dead message webhook: %w", err)
		}
		sinks = append(sinks, wh)
		closeSink = func() error {
			err := wh.Close()
			slog.Info("Dead message webhook stopped", "delivered", wh.Delivered(), "dropped", wh.Dropped())
			if err != nil {
				return fmt.Errorf("failed to close dead message webhook: %w", err)
			}
			return nil
		}
	}

	if len(sinks) == 0 {
		return nil, closeSink, nil
	}
	return sinks, closeSink, nil
}

func newQueue(cfg *config.Config, logger *slog.Logger, sink queue.DeadMessageSink) (*queue.Queue, error) {
	prop, err := cfg.QueueProperty()
	if err != nil {
		return nil, err
	}

	var store queue.Store
	opts := []queue.Option{queue.WithLogger(logger)}
	if sink != nil {
		opts = append(opts, queue.WithSink(sink))
	}

	switch cfg.Queue.Store {
	case config.StoreBadger:
		storeCfg := cfg.BadgerStore()
		storeCfg.Logger = logger
		bs, err := badger.New(storeCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open badger queue store: %w", err)
		}
		store = bs
		slog.Info("Using BadgerDB queue store", "dir", storeCfg.Dir, "compression", storeCfg.Compression)
	case config.StoreBolt:
		storeCfg := cfg.BoltStore()
		storeCfg.Logger = logger
		bs, err := bolt.New(storeCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open bolt queue store: %w", err)
		}
		store = bs
		slog.Info("Using bbolt queue store", "file", storeCfg.File, "no_sync", storeCfg.NoSync)
	default:
		slog.Info("Using in-memory queue store")
	}
	if store != nil {
		opts = append(opts, queue.WithStore(store))
	}

	q, err := queue.New(prop, opts...)
	if err != nil {
		if store != nil {
			err = multierr.Append(err, store.Close())
		}
		return nil, fmt.Errorf("failed to create queue: %w", err)
	}
	if n := q.Size(); n > 0 {
		slog.Info("Recovered queued operations", "entries", n)
	}
	return q, nil
}
