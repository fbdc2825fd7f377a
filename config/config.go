// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/absmach/fluxclient/client"
	"github.com/absmach/fluxclient/client/deadletter"
	"github.com/absmach/fluxclient/client/protocol/mqtt"
	"github.com/absmach/fluxclient/client/protocol/nats"
	"github.com/absmach/fluxclient/client/protocol/websocket"
	"github.com/absmach/fluxclient/client/queue"
	"github.com/absmach/fluxclient/client/queue/badger"
	"github.com/absmach/fluxclient/client/queue/bolt"
	"github.com/absmach/fluxclient/pkg/tls"
	"go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"gopkg.in/yaml.v3"
)

// Store types.
const (
	StoreMemory = "memory"
	StoreBadger = "badger"
	StoreBolt   = "bolt"
)

// Config holds all configuration for the client runtime.
type Config struct {
	Log         LogConfig         `yaml:"log"`
	Client      ClientConfig      `yaml:"client"`
	Queue       QueueConfig       `yaml:"queue"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	WebSocket   WebSocketConfig   `yaml:"websocket"`
	NATS        NATSConfig        `yaml:"nats"`
	DeadMessage DeadMessageConfig `yaml:"dead_message"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// ClientConfig holds connection handler settings.
type ClientConfig struct {
	SessionName string `yaml:"session_name"` // Empty generates one

	// Failsafe mode queues operations while the broker is unreachable.
	// When disabled the retry delay is ignored.
	Failsafe      bool          `yaml:"failsafe"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	MaxRetryDelay time.Duration `yaml:"max_retry_delay"`
	MaxRetries    int           `yaml:"max_retries"` // -1 retries forever
	PingInterval  time.Duration `yaml:"ping_interval"`

	AlwaysQueue bool    `yaml:"always_queue"`
	Priority    int     `yaml:"priority"`
	FlushRate   float64 `yaml:"flush_rate"` // Entries per second, 0 = unlimited
	FlushBurst  int     `yaml:"flush_burst"`
}

// QueueConfig holds client queue settings.
type QueueConfig struct {
	Relating     string          `yaml:"relating"`
	MaxEntries   int64           `yaml:"max_entries"`
	MaxBytes     int64           `yaml:"max_bytes"`
	OnOverflow   queue.Policy    `yaml:"on_overflow"`
	OnFailure    queue.Policy    `yaml:"on_failure"`
	BlockTimeout time.Duration   `yaml:"block_timeout"`
	Addresses    []queue.Address `yaml:"addresses"`

	// Persistence of durable entries
	Store       string        `yaml:"store"` // memory, badger, bolt
	BadgerDir   string        `yaml:"badger_dir"`
	Compression string        `yaml:"compression"` // none, s2, zstd
	GCInterval  time.Duration `yaml:"gc_interval"`
	SyncWrites  bool          `yaml:"sync_writes"`
	BoltFile    string        `yaml:"bolt_file"`
}

// MQTTConfig holds MQTT driver settings.
type MQTTConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
	TLS            tls.Config    `yaml:"tls"`
}

// WebSocketConfig holds WebSocket driver settings.
type WebSocketConfig struct {
	HandshakeTimeout time.Duration     `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration     `yaml:"write_timeout"`
	ReadTimeout      time.Duration     `yaml:"read_timeout"`
	Headers          map[string]string `yaml:"headers,omitempty"`
	TLS              tls.Config        `yaml:"tls"`
}

// NATSConfig holds NATS driver settings.
type NATSConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	TLS            tls.Config    `yaml:"tls"`
}

// DeadMessageConfig selects where dead messages go.
type DeadMessageConfig struct {
	Log     bool          `yaml:"log"`
	Webhook WebhookConfig `yaml:"webhook"`
}

// WebhookConfig enables the webhook dead message sink.
type WebhookConfig struct {
	Enabled                  bool `yaml:"enabled"`
	deadletter.WebhookConfig `yaml:",inline"`
}

// TelemetryConfig holds OpenTelemetry settings. Signals that are not
// enabled use no-op providers.
type TelemetryConfig struct {
	MetricsEnabled  bool          `yaml:"metrics_enabled"`
	TracesEnabled   bool          `yaml:"traces_enabled"`
	Endpoint        string        `yaml:"endpoint"` // OTLP gRPC collector
	Insecure        bool          `yaml:"insecure"`
	ServiceName     string        `yaml:"service_name"`
	ServiceVersion  string        `yaml:"service_version"`
	ExportInterval  time.Duration `yaml:"export_interval"`
	TraceSampleRate float64       `yaml:"trace_sample_rate"` // 0.0 to 1.0
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	prop := queue.DefaultProperty(queue.RelatingClient)
	mqttCfg := mqtt.DefaultConfig()
	wsCfg := websocket.DefaultConfig()
	natsCfg := nats.DefaultConfig()

	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Client: ClientConfig{
			Failsafe:      true,
			RetryDelay:    client.DefaultRetryDelay,
			MaxRetryDelay: client.DefaultMaxRetryDelay,
			MaxRetries:    client.DefaultMaxRetries,
			PingInterval:  client.DefaultPingInterval,
			Priority:      queue.NormPriority,
		},
		Queue: QueueConfig{
			Relating:     prop.Relating.String(),
			MaxEntries:   prop.MaxEntries,
			MaxBytes:     prop.MaxBytes,
			OnOverflow:   prop.OnOverflow,
			OnFailure:    prop.OnFailure,
			BlockTimeout: prop.BlockTimeout,
			Addresses: []queue.Address{
				{Type: mqtt.Type, URL: "tcp://localhost:1883"},
			},
			Store:       StoreMemory,
			BadgerDir:   "/tmp/fluxclient/queue",
			Compression: string(badger.CompressionS2),
			GCInterval:  5 * time.Minute,
			BoltFile:    "/tmp/fluxclient/queue.db",
		},
		MQTT: MQTTConfig{
			ConnectTimeout: mqttCfg.ConnectTimeout,
			WriteTimeout:   mqttCfg.WriteTimeout,
			KeepAlive:      mqttCfg.KeepAlive,
		},
		WebSocket: WebSocketConfig{
			HandshakeTimeout: wsCfg.HandshakeTimeout,
			WriteTimeout:     wsCfg.WriteTimeout,
			ReadTimeout:      wsCfg.ReadTimeout,
		},
		NATS: NATSConfig{
			ConnectTimeout: natsCfg.ConnectTimeout,
			WriteTimeout:   natsCfg.WriteTimeout,
			PingInterval:   natsCfg.PingInterval,
		},
		DeadMessage: DeadMessageConfig{
			Log: true,
			Webhook: WebhookConfig{
				WebhookConfig: deadletter.DefaultWebhookConfig(),
			},
		},
		Telemetry: TelemetryConfig{
			Endpoint:        "localhost:4317",
			Insecure:        true,
			ServiceName:     "fluxclient",
			ServiceVersion:  "1.0.0",
			ExportInterval:  10 * time.Second,
			TraceSampleRate: 0.1,
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Client.RetryDelay < 0 || c.Client.MaxRetryDelay < 0 || c.Client.PingInterval < 0 {
		return fmt.Errorf("client durations cannot be negative")
	}
	if c.Client.Failsafe && c.Client.RetryDelay == 0 {
		return fmt.Errorf("client.retry_delay must be positive when failsafe is enabled")
	}
	if c.Client.Priority < queue.MinPriority || c.Client.Priority > queue.MaxPriority {
		return fmt.Errorf("client.priority must be between %d and %d", queue.MinPriority, queue.MaxPriority)
	}
	if c.Client.FlushRate < 0 || c.Client.FlushBurst < 0 {
		return fmt.Errorf("client.flush_rate and client.flush_burst cannot be negative")
	}

	prop, err := c.QueueProperty()
	if err != nil {
		return err
	}
	if err := prop.ValidateActionable(); err != nil {
		return fmt.Errorf("queue: %w", err)
	}

	switch c.Queue.Store {
	case StoreMemory:
	case StoreBadger:
		if c.Queue.BadgerDir == "" {
			return fmt.Errorf("queue.badger_dir required when store is badger")
		}
		switch badger.Compression(c.Queue.Compression) {
		case "", badger.CompressionNone, badger.CompressionS2, badger.CompressionZstd:
		default:
			return fmt.Errorf("queue.compression must be one of: none, s2, zstd")
		}
	case StoreBolt:
		if c.Queue.BoltFile == "" {
			return fmt.Errorf("queue.bolt_file required when store is bolt")
		}
	default:
		return fmt.Errorf("queue.store must be one of: memory, badger, bolt")
	}

	if c.MQTT.ConnectTimeout < 0 || c.MQTT.WriteTimeout < 0 || c.MQTT.KeepAlive < 0 {
		return fmt.Errorf("mqtt durations cannot be negative")
	}
	if c.WebSocket.HandshakeTimeout < 0 || c.WebSocket.WriteTimeout < 0 || c.WebSocket.ReadTimeout < 0 {
		return fmt.Errorf("websocket durations cannot be negative")
	}
	if c.NATS.ConnectTimeout < 0 || c.NATS.WriteTimeout < 0 || c.NATS.PingInterval < 0 {
		return fmt.Errorf("nats durations cannot be negative")
	}

	if c.DeadMessage.Webhook.Enabled {
		if err := c.DeadMessage.Webhook.Validate(); err != nil {
			return fmt.Errorf("dead_message.webhook: %w", err)
		}
	}

	if c.Telemetry.MetricsEnabled || c.Telemetry.TracesEnabled {
		if c.Telemetry.Endpoint == "" {
			return fmt.Errorf("telemetry.endpoint cannot be empty when telemetry is enabled")
		}
		if c.Telemetry.ServiceName == "" {
			return fmt.Errorf("telemetry.service_name cannot be empty when telemetry is enabled")
		}
		if c.Telemetry.ExportInterval <= 0 {
			return fmt.Errorf("telemetry.export_interval must be positive")
		}
		if c.Telemetry.TraceSampleRate < 0.0 || c.Telemetry.TraceSampleRate > 1.0 {
			return fmt.Errorf("telemetry.trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	return nil
}

// QueueProperty converts the queue section into a queue property.
func (c *Config) QueueProperty() (queue.Property, error) {
	relating, err := queue.ParseRelating(c.Queue.Relating)
	if err != nil {
		return queue.Property{}, fmt.Errorf("queue.relating: %w", err)
	}

	prop := queue.Property{
		Relating:     relating,
		MaxEntries:   c.Queue.MaxEntries,
		MaxBytes:     c.Queue.MaxBytes,
		OnOverflow:   c.Queue.OnOverflow,
		OnFailure:    c.Queue.OnFailure,
		BlockTimeout: c.Queue.BlockTimeout,
		Addresses:    append([]queue.Address(nil), c.Queue.Addresses...),
	}
	if err := prop.Validate(); err != nil {
		return queue.Property{}, fmt.Errorf("queue: %w", err)
	}
	return prop, nil
}

// BadgerStore returns the settings of the badger queue store.
func (c *Config) BadgerStore() badger.Config {
	return badger.Config{
		Dir:         c.Queue.BadgerDir,
		Name:        c.Queue.Relating,
		Compression: badger.Compression(c.Queue.Compression),
		GCInterval:  c.Queue.GCInterval,
		SyncWrites:  c.Queue.SyncWrites,
	}
}

// BoltStore returns the settings of the bolt queue store.
func (c *Config) BoltStore() bolt.Config {
	return bolt.Config{
		File:   c.Queue.BoltFile,
		Name:   c.Queue.Relating,
		NoSync: !c.Queue.SyncWrites,
	}
}

// ClientOptions converts the client section into handler options. Logger,
// listener and callbacks are left to the caller. Enabled telemetry signals
// go through the global providers.
func (c *Config) ClientOptions() *client.Options {
	opts := client.NewOptions().
		SetSessionName(c.Client.SessionName).
		SetRetryDelay(c.Client.RetryDelay, c.Client.MaxRetryDelay).
		SetMaxRetries(c.Client.MaxRetries).
		SetPingInterval(c.Client.PingInterval).
		SetAlwaysQueue(c.Client.AlwaysQueue).
		SetPriority(c.Client.Priority).
		SetFlushRate(c.Client.FlushRate, c.Client.FlushBurst)

	if !c.Client.Failsafe {
		opts.SetRetryDelay(0, 0)
	}
	if !c.Telemetry.MetricsEnabled {
		opts.SetMeter(noop.NewMeterProvider().Meter("fluxclient"))
	}
	if !c.Telemetry.TracesEnabled {
		opts.SetTracer(tracenoop.NewTracerProvider().Tracer("fluxclient"))
	}
	return opts
}

// MQTTDriver returns the MQTT driver settings.
func (c *Config) MQTTDriver() (mqtt.Config, error) {
	tlsCfg, err := tls.LoadTLSConfig(&c.MQTT.TLS)
	if err != nil {
		return mqtt.Config{}, fmt.Errorf("mqtt.tls: %w", err)
	}
	return mqtt.Config{
		ConnectTimeout: c.MQTT.ConnectTimeout,
		WriteTimeout:   c.MQTT.WriteTimeout,
		KeepAlive:      c.MQTT.KeepAlive,
		TLS:            tlsCfg,
	}, nil
}

// WebSocketDriver returns the WebSocket driver settings.
func (c *Config) WebSocketDriver() (websocket.Config, error) {
	tlsCfg, err := tls.LoadTLSConfig(&c.WebSocket.TLS)
	if err != nil {
		return websocket.Config{}, fmt.Errorf("websocket.tls: %w", err)
	}

	var header http.Header
	if len(c.WebSocket.Headers) > 0 {
		header = make(http.Header, len(c.WebSocket.Headers))
		for k, v := range c.WebSocket.Headers {
			header.Set(k, v)
		}
	}

	return websocket.Config{
		HandshakeTimeout: c.WebSocket.HandshakeTimeout,
		WriteTimeout:     c.WebSocket.WriteTimeout,
		ReadTimeout:      c.WebSocket.ReadTimeout,
		Header:           header,
		TLS:              tlsCfg,
	}, nil
}

// NATSDriver returns the NATS driver settings.
func (c *Config) NATSDriver() (nats.Config, error) {
	tlsCfg, err := tls.LoadTLSConfig(&c.NATS.TLS)
	if err != nil {
		return nats.Config{}, fmt.Errorf("nats.tls: %w", err)
	}
	return nats.Config{
		ConnectTimeout: c.NATS.ConnectTimeout,
		WriteTimeout:   c.NATS.WriteTimeout,
		PingInterval:   c.NATS.PingInterval,
		TLS:            tlsCfg,
	}, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
