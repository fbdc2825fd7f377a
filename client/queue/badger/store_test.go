// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"testing"

	"github.com/absmach/fluxclient/client/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T, dir string, c Compression) *Store {
	t.Helper()
	s, err := New(Config{Dir: dir, Name: "test", Compression: c})
	require.NoError(t, err)
	return s
}

func durable(key string, priority int) *queue.Entry {
	p := queue.NewPayload(key, []byte("payload of "+key))
	p.SetProperty(queue.PropQoS, "1")
	return queue.NewEntry(queue.MethodPublish, priority, true, p)
}

func TestStore_PutLoadDelete(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionS2, CompressionZstd} {
		t.Run(string(c), func(t *testing.T) {
			s := setupStore(t, t.TempDir(), c)
			defer s.Close()

			a := durable("a", 5)
			b := durable("b", 9)
			require.NoError(t, s.Put(a))
			require.NoError(t, s.Put(b))

			loaded, err := s.Load()
			require.NoError(t, err)
			require.Len(t, loaded, 2)
			assert.Equal(t, a.UniqueID, loaded[0].UniqueID)
			assert.Equal(t, "payload of a", string(loaded[0].Payload.Content))
			assert.Equal(t, "1", loaded[0].Payload.Property(queue.PropQoS))
			assert.Equal(t, queue.MethodPublish, loaded[1].Method)
			assert.Equal(t, 9, loaded[1].Priority)

			require.NoError(t, s.Delete(a.UniqueID))
			require.NoError(t, s.Delete(a.UniqueID))
			loaded, err = s.Load()
			require.NoError(t, err)
			require.Len(t, loaded, 1)
			assert.Equal(t, b.UniqueID, loaded[0].UniqueID)
		})
	}
}

func TestStore_SkipsTransientEntries(t *testing.T) {
	s := setupStore(t, t.TempDir(), CompressionS2)
	defer s.Close()

	transient := queue.NewEntry(queue.MethodPublish, 5, false, queue.NewPayload("t", nil))
	require.NoError(t, s.Put(transient))

	loaded, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestStore_Clear(t *testing.T) {
	s := setupStore(t, t.TempDir(), CompressionS2)
	defer s.Close()

	for i := 0; i < 10; i++ {
		require.NoError(t, s.Put(durable("k", i)))
	}
	require.NoError(t, s.Clear())

	loaded, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestStore_ClosedStore(t *testing.T) {
	s := setupStore(t, t.TempDir(), CompressionS2)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Put(durable("a", 5)), ErrClosed)
	_, err := s.Load()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestStore_UnknownCompression(t *testing.T) {
	_, err := New(Config{Dir: t.TempDir(), Compression: "lz4"})
	assert.Error(t, err)
}

func TestStore_QueueRecoversAfterRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	prop := queue.DefaultProperty(queue.RelatingClient)

	s1 := setupStore(t, dir, CompressionS2)
	q1, err := queue.New(prop, queue.WithStore(s1))
	require.NoError(t, err)

	low := durable("low", 1)
	high := durable("high", 8)
	transient := queue.NewEntry(queue.MethodPublish, 9, false, queue.NewPayload("gone", nil))
	require.NoError(t, q1.Put(ctx, low))
	require.NoError(t, q1.Put(ctx, high))
	require.NoError(t, q1.Put(ctx, transient))
	require.NoError(t, q1.Close())

	s2 := setupStore(t, dir, CompressionZstd)
	q2, err := queue.New(prop, queue.WithStore(s2))
	require.NoError(t, err)
	defer q2.Close()

	var got []string
	for e := range q2.PeekOrdered() {
		got = append(got, e.Payload.Key)
	}
	assert.Equal(t, []string{"high", "low"}, got)

	// Ids handed out after recovery never collide with recovered ones.
	next := durable("next", 5)
	assert.Greater(t, next.UniqueID, high.UniqueID)
}

func TestCodecRoundTrip(t *testing.T) {
	data := []byte(`{"unique_id":1,"method":"publish"}`)
	for _, c := range []byte{codecNone, codecS2, codecZstd} {
		enc, err := encode(data, c)
		require.NoError(t, err)
		assert.Equal(t, c, enc[0])

		dec, err := decode(enc)
		require.NoError(t, err)
		assert.Equal(t, data, dec)
	}

	_, err := decode(nil)
	assert.Error(t, err)
	_, err = decode([]byte{42, 1, 2})
	assert.Error(t, err)
}
