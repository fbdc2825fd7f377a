// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/absmach/fluxclient/client/queue"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

const closeConcurrency = 8

type pluginKey struct {
	typ     string
	version string
}

type instanceKey struct {
	instance string
	plugin   pluginKey
}

type instance struct {
	driver Driver
	refs   int
}

// Registry maps protocol type and version to driver factories and shares one
// driver per client instance among its users.
type Registry struct {
	mu        sync.Mutex
	factories map[pluginKey]Factory
	instances map[instanceKey]*instance
	logger    *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		factories: make(map[pluginKey]Factory),
		instances: make(map[instanceKey]*instance),
		logger:    logger,
	}
}

func keyOf(typ, version string) pluginKey {
	if version == "" {
		version = queue.DefaultVersion
	}
	return pluginKey{typ: strings.ToLower(strings.TrimSpace(typ)), version: version}
}

// Register adds a driver factory. Registering the same type and version
// again replaces the factory for drivers created afterwards.
func (r *Registry) Register(typ, version string, f Factory) {
	k := keyOf(typ, version)
	r.mu.Lock()
	r.factories[k] = f
	r.mu.Unlock()

	r.logger.Debug("protocol driver registered",
		slog.String("type", k.typ),
		slog.String("version", k.version))
}

// GetPlugin returns the driver of the given type and version for the named
// client instance, creating it on first use. Every successful call must be
// paired with a ReleasePlugin.
func (r *Registry) GetPlugin(ctx context.Context, instanceName, typ, version string) (Driver, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pk := keyOf(typ, version)
	ik := instanceKey{instance: instanceName, plugin: pk}

	r.mu.Lock()
	defer r.mu.Unlock()

	if inst, ok := r.instances[ik]; ok {
		inst.refs++
		return inst.driver, nil
	}

	f, ok := r.factories[pk]
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", ErrUnknownProtocol, pk.typ, pk.version)
	}

	d, err := f(instanceName)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s driver: %w", pk.typ, err)
	}
	r.instances[ik] = &instance{driver: d, refs: 1}
	return d, nil
}

// ReleasePlugin gives back a driver obtained with GetPlugin. When the last
// user releases it, the driver is disconnected and dropped.
func (r *Registry) ReleasePlugin(ctx context.Context, instanceName, typ, version string) error {
	ik := instanceKey{instance: instanceName, plugin: keyOf(typ, version)}

	r.mu.Lock()
	inst, ok := r.instances[ik]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s %s for %q", ErrNotAcquired, ik.plugin.typ, ik.plugin.version, instanceName)
	}
	inst.refs--
	if inst.refs > 0 {
		r.mu.Unlock()
		return nil
	}
	delete(r.instances, ik)
	r.mu.Unlock()

	if inst.driver.Connected() {
		if err := inst.driver.Disconnect(ctx); err != nil {
			r.logger.Warn("failed to disconnect released driver",
				slog.String("instance", instanceName),
				slog.String("type", ik.plugin.typ),
				slog.String("error", err.Error()))
			return err
		}
	}
	return nil
}

// RefCount returns how many users hold the driver.
func (r *Registry) RefCount(instanceName, typ, version string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.instances[instanceKey{instance: instanceName, plugin: keyOf(typ, version)}]; ok {
		return inst.refs
	}
	return 0
}

// Types returns the registered protocol types, as "type/version", sorted.
func (r *Registry) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, 0, len(r.factories))
	for k := range r.factories {
		types = append(types, k.typ+"/"+k.version)
	}
	sort.Strings(types)
	return types
}

// Close disconnects every driver still held, whatever its reference count,
// and forgets the instances. All disconnect errors are returned.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	instances := r.instances
	r.instances = make(map[instanceKey]*instance)
	r.mu.Unlock()

	var (
		mu   sync.Mutex
		errs error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(closeConcurrency)
	for ik, inst := range instances {
		g.Go(func() error {
			if !inst.driver.Connected() {
				return nil
			}
			if err := inst.driver.Disconnect(gctx); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("%s %s for %q: %w", ik.plugin.typ, ik.plugin.version, ik.instance, err))
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	if errs != nil {
		r.logger.Warn("failed to disconnect drivers on close", slog.String("error", errs.Error()))
	}
	return errs
}
