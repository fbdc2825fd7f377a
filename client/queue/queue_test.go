// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu   sync.Mutex
	dead []DeadMessage
}

func (s *recordingSink) DeadMessage(dm DeadMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dead = append(s.dead, dm)
}

func (s *recordingSink) messages() []DeadMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DeadMessage(nil), s.dead...)
}

func newTestQueue(t *testing.T, prop Property, opts ...Option) *Queue {
	t.Helper()
	q, err := New(prop, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

func unbounded() Property {
	p := DefaultProperty(RelatingClient)
	p.MaxEntries = 0
	p.MaxBytes = 0
	return p
}

func bounded(maxEntries int64, policy Policy) Property {
	p := DefaultProperty(RelatingClient)
	p.MaxEntries = maxEntries
	p.MaxBytes = 1 << 20
	p.OnOverflow = policy
	return p
}

func publish(key string, priority int) *Entry {
	return NewEntry(MethodPublish, priority, false, NewPayload(key, []byte("content-"+key)))
}

func collect(q *Queue) []*Entry {
	var out []*Entry
	for e := range q.PeekOrdered() {
		out = append(out, e)
	}
	return out
}

func keys(entries []*Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Payload.Key)
	}
	return out
}

func TestPeekOrderedSortsByPriorityThenAge(t *testing.T) {
	q := newTestQueue(t, unbounded())
	ctx := context.Background()

	rng := rand.New(rand.NewSource(42))
	var put []*Entry
	for i := 0; i < 200; i++ {
		e := publish("k", rng.Intn(10))
		put = append(put, e)
		require.NoError(t, q.Put(ctx, e))
	}

	got := collect(q)
	require.Len(t, got, len(put))

	want := append([]*Entry(nil), put...)
	sort.Slice(want, func(i, j int) bool {
		if want[i].Priority != want[j].Priority {
			return want[i].Priority > want[j].Priority
		}
		return want[i].UniqueID < want[j].UniqueID
	})
	for i := range want {
		assert.Equal(t, want[i].UniqueID, got[i].UniqueID, "position %d", i)
	}
}

func TestPeekOrderedFIFOWithinPriority(t *testing.T) {
	q := newTestQueue(t, unbounded())
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, q.Put(ctx, publish(k, NormPriority)))
	}
	require.NoError(t, q.Put(ctx, publish("urgent", MaxPriority)))

	assert.Equal(t, []string{"urgent", "a", "b", "c", "d"}, keys(collect(q)))
}

func TestPeekOrderedIsRestartableAndLazy(t *testing.T) {
	q := newTestQueue(t, unbounded())
	ctx := context.Background()

	entries := []*Entry{publish("a", 5), publish("b", 5), publish("c", 5)}
	for _, e := range entries {
		require.NoError(t, q.Put(ctx, e))
	}

	var seen []string
	for e := range q.PeekOrdered() {
		seen = append(seen, e.Payload.Key)
		if e.Payload.Key == "a" {
			// Removed ahead of the cursor: must not be yielded.
			_, err := q.Remove(entries[1].UniqueID)
			require.NoError(t, err)
		}
	}
	assert.Equal(t, []string{"a", "c"}, seen)

	// Peeking never removes, and a new sequence starts from the head.
	assert.Equal(t, []string{"a", "c"}, keys(collect(q)))
	assert.Equal(t, 2, q.Size())
}

func TestPeekOrderedStopsEarly(t *testing.T) {
	q := newTestQueue(t, unbounded())
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, q.Put(context.Background(), publish(k, 5)))
	}

	n := 0
	for range q.PeekOrdered() {
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)
}

func TestPutRejectsDuplicates(t *testing.T) {
	q := newTestQueue(t, unbounded())
	e := publish("a", 5)

	require.NoError(t, q.Put(context.Background(), e))
	err := q.Put(context.Background(), e)
	assert.ErrorIs(t, err, ErrDuplicateEntry)
	assert.Equal(t, 1, q.Size())
	assert.ErrorIs(t, q.Put(context.Background(), nil), ErrNilEntry)
}

func TestRemoveAndAccounting(t *testing.T) {
	q := newTestQueue(t, unbounded())
	a := publish("a", 5)
	b := publish("b", 5)
	require.NoError(t, q.Put(context.Background(), a))
	require.NoError(t, q.Put(context.Background(), b))

	assert.Equal(t, 2, q.Size())
	assert.Equal(t, a.Size()+b.Size(), q.ByteSize())

	ok, err := q.Remove(a.UniqueID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, b.Size(), q.ByteSize())

	ok, err = q.Remove(a.UniqueID)
	require.NoError(t, err)
	assert.False(t, ok)

	head, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, b.UniqueID, head.UniqueID)
}

func TestOverflowException(t *testing.T) {
	q := newTestQueue(t, bounded(3, PolicyException))
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, q.Put(ctx, publish(k, 5)))
	}
	before := q.Entries()

	err := q.Put(ctx, publish("d", 9))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 3, q.Size())
	assert.Equal(t, keys(before), keys(q.Entries()))
}

func TestOverflowDiscardOldest(t *testing.T) {
	sink := &recordingSink{}
	q := newTestQueue(t, bounded(3, PolicyDiscardOldest), WithSink(sink))
	ctx := context.Background()

	low1 := publish("low1", 1)
	low2 := publish("low2", 1)
	high := publish("high", 8)
	for _, e := range []*Entry{low1, high, low2} {
		require.NoError(t, q.Put(ctx, e))
	}

	require.NoError(t, q.Put(ctx, publish("new", 5)))
	assert.Equal(t, 3, q.Size())
	assert.Equal(t, []string{"high", "new", "low2"}, keys(collect(q)))

	dead := sink.messages()
	require.Len(t, dead, 1)
	assert.Equal(t, low1.UniqueID, dead[0].Entry.UniqueID)
	assert.ErrorIs(t, dead[0].Reason, ErrDeadMessage)
	assert.ErrorIs(t, dead[0].Reason, ErrQueueFull)
}

func TestOverflowDiscardOldestSkipsInFlightEntry(t *testing.T) {
	sink := &recordingSink{}
	q := newTestQueue(t, bounded(2, PolicyDiscardOldest), WithSink(sink))
	ctx := context.Background()

	inflight := publish("inflight", 1)
	other := publish("other", 3)
	require.NoError(t, q.Put(ctx, inflight))
	require.NoError(t, q.Put(ctx, other))
	require.True(t, q.Pin(inflight.UniqueID))

	require.NoError(t, q.Put(ctx, publish("new", 5)))

	_, ok := q.Get(inflight.UniqueID)
	assert.True(t, ok, "in-flight entry must not be evicted")
	dead := sink.messages()
	require.Len(t, dead, 1)
	assert.Equal(t, other.UniqueID, dead[0].Entry.UniqueID)

	q.Unpin(inflight.UniqueID)
	require.NoError(t, q.Put(ctx, publish("newer", 5)))
	_, ok = q.Get(inflight.UniqueID)
	assert.False(t, ok, "unpinned entry is evictable again")
}

func TestOverflowDeadMessage(t *testing.T) {
	sink := &recordingSink{}
	q := newTestQueue(t, bounded(1, PolicyDeadMessage), WithSink(sink))
	ctx := context.Background()

	require.NoError(t, q.Put(ctx, publish("a", 5)))
	rejected := publish("b", 9)
	require.NoError(t, q.Put(ctx, rejected))

	assert.Equal(t, 1, q.Size())
	dead := sink.messages()
	require.Len(t, dead, 1)
	assert.Equal(t, rejected.UniqueID, dead[0].Entry.UniqueID)
}

func TestOverflowBytes(t *testing.T) {
	prop := DefaultProperty(RelatingClient)
	prop.MaxEntries = 100
	prop.MaxBytes = 40
	prop.OnOverflow = PolicyException
	q := newTestQueue(t, prop)
	ctx := context.Background()

	e := NewEntry(MethodPublish, 5, false, NewPayload("k", make([]byte, 20)))
	require.NoError(t, q.Put(ctx, e))
	err := q.Put(ctx, NewEntry(MethodPublish, 5, false, NewPayload("k", make([]byte, 20))))
	assert.ErrorIs(t, err, ErrQueueFull)

	huge := NewEntry(MethodPublish, 5, false, NewPayload("k", make([]byte, 100)))
	assert.ErrorIs(t, q.Put(ctx, huge), ErrQueueFull)
}

func TestOverflowBlockTimesOut(t *testing.T) {
	prop := bounded(3, PolicyBlock)
	prop.BlockTimeout = 2 * time.Second
	q := newTestQueue(t, prop)
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, q.Put(ctx, publish(k, 5)))
	}

	start := time.Now()
	err := q.Put(ctx, publish("d", 5))
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrQueueFullTimeout)
	assert.GreaterOrEqual(t, elapsed, 2*time.Second)
	assert.Less(t, elapsed, 4*time.Second)
	assert.Equal(t, 3, q.Size())
}

func TestOverflowBlockResumesWhenSpaceFrees(t *testing.T) {
	prop := bounded(1, PolicyBlock)
	prop.BlockTimeout = 5 * time.Second
	q := newTestQueue(t, prop)
	ctx := context.Background()

	first := publish("a", 5)
	require.NoError(t, q.Put(ctx, first))

	done := make(chan error, 1)
	go func() {
		done <- q.Put(ctx, publish("b", 5))
	}()

	time.Sleep(50 * time.Millisecond)
	_, err := q.Remove(first.UniqueID)
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked Put was not woken by Remove")
	}
	assert.Equal(t, []string{"b"}, keys(collect(q)))
}

func TestOverflowBlockHonoursContext(t *testing.T) {
	q := newTestQueue(t, bounded(1, PolicyBlock))
	require.NoError(t, q.Put(context.Background(), publish("a", 5)))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := q.Put(ctx, publish("b", 5))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestCloseWakesBlockedProducers(t *testing.T) {
	q, err := New(bounded(1, PolicyBlock))
	require.NoError(t, err)
	require.NoError(t, q.Put(context.Background(), publish("a", 5)))

	done := make(chan error, 1)
	go func() {
		done <- q.Put(context.Background(), publish("b", 5))
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, q.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrQueueClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked Put was not woken by Close")
	}
}

func TestClear(t *testing.T) {
	store := NewMemoryStore()
	q := newTestQueue(t, unbounded(), WithStore(store))
	for _, k := range []string{"a", "b"} {
		require.NoError(t, q.Put(context.Background(), publish(k, 5)))
	}

	n, err := q.Clear()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, q.Empty())
	assert.Zero(t, q.ByteSize())
	assert.Zero(t, store.Len())
}

func TestRecoverFromStore(t *testing.T) {
	store := NewMemoryStore()
	q1, err := New(unbounded(), WithStore(store))
	require.NoError(t, err)

	a := publish("a", 5)
	b := publish("b", 7)
	require.NoError(t, q1.Put(context.Background(), a))
	require.NoError(t, q1.Put(context.Background(), b))

	q2 := newTestQueue(t, unbounded(), WithStore(store))
	assert.Equal(t, []string{"b", "a"}, keys(collect(q2)))

	next := publish("c", 5)
	assert.Greater(t, next.UniqueID, b.UniqueID)
}

func TestConcurrentProducers(t *testing.T) {
	q := newTestQueue(t, unbounded())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				assert.NoError(t, q.Put(ctx, publish("k", p)))
			}
		}(i)
	}
	wg.Wait()

	got := collect(q)
	require.Len(t, got, 400)
	for i := 1; i < len(got); i++ {
		assert.True(t, got[i-1].Before(got[i]), "entries out of order at %d", i)
	}
}
