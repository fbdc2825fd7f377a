// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/absmach/fluxclient/client/protocol"
	"github.com/absmach/fluxclient/client/queue"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func brokerHandler(t *testing.T) http.HandlerFunc {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "deny" {
			http.Error(w, "denied", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		for {
			var req Request
			if err := conn.ReadJSON(&req); err != nil {
				return
			}

			rep := Reply{ID: req.ID, State: queue.StateOK, Key: req.Key}
			switch {
			case req.Key == "drop":
				return
			case req.Key == "forbidden":
				rep.Error = &ReplyError{Code: "authorization.notAuthorized", Message: "no access"}
			case req.Key == "broken":
				rep.Error = &ReplyError{Code: "communication.noConnection", Message: "cluster node down"}
			case req.Method == "subscribe":
				rep.SubscriptionID = "sub-" + req.Key
				// An update and a stale reply arrive before the answer.
				_ = conn.WriteJSON(Reply{Method: MethodUpdate, SubscriptionID: "sub-old", Key: "old", Content: []byte("hi")})
				_ = conn.WriteJSON(Reply{ID: "stale", State: queue.StateOK})
			}
			if err := conn.WriteJSON(rep); err != nil {
				return
			}
		}
	}
}

func startBroker(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(brokerHandler(t))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func connect(t *testing.T, d *Driver, url string) {
	t.Helper()
	require.NoError(t, d.Connect(context.Background(), queue.Address{Type: Type, URL: url}))
	t.Cleanup(func() { d.Disconnect(context.Background()) })
}

func TestDriver_PublishAndPing(t *testing.T) {
	d := New("c-1", Config{})
	connect(t, d, startBroker(t))

	assert.True(t, d.Connected())
	ret, err := d.Send(context.Background(), queue.MethodPublish, queue.NewPayload("news", []byte("hello")))
	require.NoError(t, err)
	assert.Equal(t, queue.StateOK, ret.State)
	assert.Equal(t, "news", ret.Key)

	assert.True(t, d.Ping(context.Background()))
}

func TestDriver_SubscribeDeliversUpdates(t *testing.T) {
	var (
		mu      sync.Mutex
		updates []string
	)
	d := New("c-1", Config{OnMessage: func(subID, key string, content []byte) {
		mu.Lock()
		defer mu.Unlock()
		updates = append(updates, subID+"|"+key+"|"+string(content))
	}})
	connect(t, d, startBroker(t))

	ret, err := d.Send(context.Background(), queue.MethodSubscribe, queue.NewPayload("alerts", nil))
	require.NoError(t, err)
	assert.Equal(t, "sub-alerts", ret.SubscriptionID)
	assert.Equal(t, []string{"sub-old|old|hi"}, updates)
}

func TestDriver_ReplyErrors(t *testing.T) {
	d := New("c-1", Config{})
	connect(t, d, startBroker(t))

	_, err := d.Send(context.Background(), queue.MethodSubscribe, queue.NewPayload("forbidden", nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrApplication)
	var re *ReplyError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "authorization.notAuthorized", re.Code)
	assert.True(t, d.Connected())

	_, err = d.Send(context.Background(), queue.MethodPublish, queue.NewPayload("broken", nil))
	assert.ErrorIs(t, err, protocol.ErrTransport)
}

func TestDriver_ConnectionDropIsTransport(t *testing.T) {
	d := New("c-1", Config{})
	connect(t, d, startBroker(t))

	_, err := d.Send(context.Background(), queue.MethodPublish, queue.NewPayload("drop", nil))
	assert.True(t, protocol.IsTransport(err))
	assert.False(t, d.Connected())

	_, err = d.Send(context.Background(), queue.MethodPublish, queue.NewPayload("x", nil))
	assert.ErrorIs(t, err, protocol.ErrTransport)
	assert.False(t, d.Ping(context.Background()))
}

func TestDriver_ConnectErrors(t *testing.T) {
	url := startBroker(t)

	d := New("c-1", Config{Header: http.Header{"Authorization": []string{"deny"}}})
	err := d.Connect(context.Background(), queue.Address{URL: url})
	assert.ErrorIs(t, err, protocol.ErrApplication)

	d = New("c-1", Config{})
	err = d.Connect(context.Background(), queue.Address{URL: "ws://127.0.0.1:1/none"})
	assert.ErrorIs(t, err, protocol.ErrTransport)

	err = d.Connect(context.Background(), queue.Address{})
	assert.ErrorIs(t, err, protocol.ErrApplication)
}

func TestDriver_Disconnect(t *testing.T) {
	d := New("c-1", Config{})
	connect(t, d, startBroker(t))

	require.NoError(t, d.Disconnect(context.Background()))
	assert.False(t, d.Connected())
	require.NoError(t, d.Disconnect(context.Background()))
}
