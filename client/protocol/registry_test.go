// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/absmach/fluxclient/client/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

type stubDriver struct {
	mu          sync.Mutex
	connected     bool
	disconnects   int
	disconnectErr error
}

func (d *stubDriver) Connect(context.Context, queue.Address) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = true
	return nil
}

func (d *stubDriver) Send(context.Context, queue.Method, *queue.Payload) (*queue.Return, error) {
	return &queue.Return{State: queue.StateOK}, nil
}

func (d *stubDriver) Ping(context.Context) bool { return d.Connected() }

func (d *stubDriver) Disconnect(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
	d.disconnects++
	return d.disconnectErr
}

func (d *stubDriver) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func TestRegistry_GetPluginSharesInstance(t *testing.T) {
	r := NewRegistry(nil)
	created := 0
	r.Register("MQTT", "", func(string) (Driver, error) {
		created++
		return &stubDriver{}, nil
	})
	ctx := context.Background()

	d1, err := r.GetPlugin(ctx, "client-1", "mqtt", "1.0")
	require.NoError(t, err)
	d2, err := r.GetPlugin(ctx, "client-1", " Mqtt ", "")
	require.NoError(t, err)
	assert.Same(t, d1, d2)
	assert.Equal(t, 1, created)
	assert.Equal(t, 2, r.RefCount("client-1", "mqtt", ""))

	d3, err := r.GetPlugin(ctx, "client-2", "mqtt", "")
	require.NoError(t, err)
	assert.NotSame(t, d1, d3)
	assert.Equal(t, 2, created)
}

func TestRegistry_UnknownProtocol(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("mqtt", "1.0", func(string) (Driver, error) { return &stubDriver{}, nil })

	_, err := r.GetPlugin(context.Background(), "c", "corba", "1.0")
	assert.ErrorIs(t, err, ErrUnknownProtocol)

	_, err = r.GetPlugin(context.Background(), "c", "mqtt", "5.0")
	assert.ErrorIs(t, err, ErrUnknownProtocol)
}

func TestRegistry_FactoryError(t *testing.T) {
	r := NewRegistry(nil)
	boom := errors.New("boom")
	r.Register("mqtt", "", func(string) (Driver, error) { return nil, boom })

	_, err := r.GetPlugin(context.Background(), "c", "mqtt", "")
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, r.RefCount("c", "mqtt", ""))
}

func TestRegistry_ReleaseDisconnectsLastUser(t *testing.T) {
	r := NewRegistry(nil)
	drv := &stubDriver{}
	r.Register("mqtt", "", func(string) (Driver, error) { return drv, nil })
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := r.GetPlugin(ctx, "c", "mqtt", "")
		require.NoError(t, err)
	}
	require.NoError(t, drv.Connect(ctx, queue.Address{}))

	require.NoError(t, r.ReleasePlugin(ctx, "c", "mqtt", ""))
	assert.True(t, drv.Connected())
	assert.Equal(t, 1, r.RefCount("c", "mqtt", ""))

	require.NoError(t, r.ReleasePlugin(ctx, "c", "mqtt", ""))
	assert.False(t, drv.Connected())
	assert.Equal(t, 1, drv.disconnects)
	assert.Zero(t, r.RefCount("c", "mqtt", ""))

	err := r.ReleasePlugin(ctx, "c", "mqtt", "")
	assert.ErrorIs(t, err, ErrNotAcquired)
}

func TestRegistry_CancelledContext(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("mqtt", "", func(string) (Driver, error) { return &stubDriver{}, nil })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.GetPlugin(ctx, "c", "mqtt", "")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRegistry_Types(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("WebSocket", "", func(string) (Driver, error) { return &stubDriver{}, nil })
	r.Register("mqtt", "3.1.1", func(string) (Driver, error) { return &stubDriver{}, nil })

	assert.Equal(t, []string{"mqtt/3.1.1", "websocket/1.0"}, r.Types())
}

func TestRegistry_Close(t *testing.T) {
	r := NewRegistry(nil)
	ctx := context.Background()

	drivers := map[string]*stubDriver{
		"a": {},
		"b": {disconnectErr: errors.New("socket busy")},
		"c": {disconnectErr: errors.New("already gone")},
		"d": {},
	}
	r.Register("mqtt", "", func(name string) (Driver, error) { return drivers[name], nil })

	for name, drv := range drivers {
		_, err := r.GetPlugin(ctx, name, "mqtt", "")
		require.NoError(t, err)
		if name != "d" {
			require.NoError(t, drv.Connect(ctx, queue.Address{}))
		}
	}

	err := r.Close(ctx)
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2)
	assert.ErrorContains(t, err, "socket busy")
	assert.ErrorContains(t, err, "already gone")

	for name, drv := range drivers {
		assert.False(t, drv.Connected(), name)
		assert.Zero(t, r.RefCount(name, "mqtt", ""), name)
	}
	assert.Zero(t, drivers["d"].disconnects, "disconnected drivers are skipped")

	require.NoError(t, r.Close(ctx))
}
