// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/google/btree"
)

const btreeDegree = 32

// Queue is an ordered, bounded multiset of entries. It is safe for any number
// of concurrent producers and a single consumer (the flush).
//
// Entries are kept in send order: higher priority first, then oldest first.
type Queue struct {
	prop   Property
	store  Store
	sink   DeadMessageSink
	logger *slog.Logger

	mu      sync.Mutex
	tree    *btree.BTreeG[*Entry]
	index   map[int64]*Entry
	bytes   int64
	pinned  int64
	closed  bool
	changed chan struct{}
}

// Option configures a Queue.
type Option func(*Queue)

// WithStore sets the backing store. Entries already in the store are loaded
// when the queue is created.
func WithStore(s Store) Option {
	return func(q *Queue) {
		q.store = s
	}
}

// WithSink sets the receiver of dead messages.
func WithSink(s DeadMessageSink) Option {
	return func(q *Queue) {
		q.sink = s
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		q.logger = l
	}
}

// New creates a queue configured by prop.
func New(prop Property, opts ...Option) (*Queue, error) {
	if err := prop.Validate(); err != nil {
		return nil, err
	}
	if prop.BlockTimeout == 0 {
		prop.BlockTimeout = DefaultBlockTimeout
	}

	q := &Queue{
		prop:    prop.clone(),
		tree:    btree.NewG[*Entry](btreeDegree, (*Entry).Before),
		index:   make(map[int64]*Entry),
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}

	if q.store != nil {
		if err := q.load(); err != nil {
			return nil, err
		}
	}

	return q, nil
}

func (q *Queue) load() error {
	entries, err := q.store.Load()
	if err != nil {
		return fmt.Errorf("failed to load queue entries: %w", err)
	}

	var maxID int64
	for _, e := range entries {
		if _, ok := q.index[e.UniqueID]; ok {
			continue
		}
		q.insertLocked(e)
		if e.UniqueID > maxID {
			maxID = e.UniqueID
		}
	}
	observeID(maxID)

	if len(entries) > 0 {
		q.logger.Info("queue entries recovered",
			slog.String("relating", q.prop.Relating.String()),
			slog.Int("entries", q.tree.Len()),
			slog.Int64("bytes", q.bytes))
	}
	if q.prop.Bounded() && int64(q.tree.Len()) > q.prop.MaxEntries {
		q.logger.Warn("recovered queue exceeds max entries",
			slog.Int("entries", q.tree.Len()),
			slog.Int64("max_entries", q.prop.MaxEntries))
	}
	return nil
}

// observeID makes sure NextID never hands out an id at or below id.
func observeID(id int64) {
	for {
		last := lastID.Load()
		if last >= id || lastID.CompareAndSwap(last, id) {
			return
		}
	}
}

// Property returns a copy of the queue configuration.
func (q *Queue) Property() Property {
	return q.prop.clone()
}

// Put inserts e in send order. If the queue is full, the OnOverflow policy
// decides what happens; see Policy.
func (q *Queue) Put(ctx context.Context, e *Entry) error {
	if e == nil {
		return ErrNilEntry
	}
	size := e.Size()

	q.mu.Lock()
	if err := q.admissibleLocked(e); err != nil {
		q.mu.Unlock()
		return err
	}

	if q.fitsLocked(size) {
		err := q.putLocked(e)
		q.mu.Unlock()
		return err
	}

	if q.prop.MaxBytes > 0 && size > q.prop.MaxBytes {
		q.mu.Unlock()
		return q.overflowNeverFits(e, size)
	}

	switch q.prop.OnOverflow {
	case PolicyException:
		q.mu.Unlock()
		return fmt.Errorf("%w: %d entries, %d bytes", ErrQueueFull, q.Size(), q.ByteSize())

	case PolicyDiscardOldest:
		evicted, err := q.discardLocked(e, size)
		q.mu.Unlock()
		for _, old := range evicted {
			q.dead(old, ErrQueueFull)
		}
		if err == errNoVictim {
			q.dead(e, ErrQueueFull)
			return nil
		}
		return err

	case PolicyBlock:
		return q.putBlocking(ctx, e, size)

	default:
		q.mu.Unlock()
		q.dead(e, ErrQueueFull)
		return nil
	}
}

// admissibleLocked must be called with q.mu held.
func (q *Queue) admissibleLocked(e *Entry) error {
	if q.closed {
		return ErrQueueClosed
	}
	if _, ok := q.index[e.UniqueID]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateEntry, e.UniqueID)
	}
	return nil
}

func (q *Queue) fitsLocked(size int64) bool {
	if q.prop.MaxEntries > 0 && int64(q.tree.Len())+1 > q.prop.MaxEntries {
		return false
	}
	if q.prop.MaxBytes > 0 && q.bytes+size > q.prop.MaxBytes {
		return false
	}
	return true
}

func (q *Queue) overflowNeverFits(e *Entry, size int64) error {
	switch q.prop.OnOverflow {
	case PolicyBlock, PolicyException:
		return fmt.Errorf("%w: entry of %d bytes exceeds max bytes %d", ErrQueueFull, size, q.prop.MaxBytes)
	default:
		q.dead(e, fmt.Errorf("%w: entry of %d bytes exceeds max bytes %d", ErrQueueFull, size, q.prop.MaxBytes))
		return nil
	}
}

func (q *Queue) putBlocking(ctx context.Context, e *Entry, size int64) error {
	timer := time.NewTimer(q.prop.BlockTimeout)
	defer timer.Stop()

	// q.mu is held on entry.
	for !q.fitsLocked(size) {
		changed := q.changed
		q.mu.Unlock()

		select {
		case <-changed:
		case <-timer.C:
			return fmt.Errorf("%w: waited %s", ErrQueueFullTimeout, q.prop.BlockTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}

		q.mu.Lock()
		if err := q.admissibleLocked(e); err != nil {
			q.mu.Unlock()
			return err
		}
	}

	err := q.putLocked(e)
	q.mu.Unlock()
	return err
}

var errNoVictim = fmt.Errorf("%w: no evictable entry", ErrQueueFull)

// discardLocked evicts entries until e fits, then inserts it.
func (q *Queue) discardLocked(e *Entry, size int64) ([]*Entry, error) {
	var evicted []*Entry
	for !q.fitsLocked(size) {
		victim, ok := q.victimLocked()
		if !ok {
			return evicted, errNoVictim
		}
		if err := q.removeLocked(victim); err != nil {
			return evicted, err
		}
		evicted = append(evicted, victim)
	}
	return evicted, q.putLocked(e)
}

// victimLocked returns the oldest entry of the lowest priority present,
// skipping the pinned (in-flight) entry.
func (q *Queue) victimLocked() (*Entry, bool) {
	var victim *Entry
	q.tree.Descend(func(e *Entry) bool {
		if e.UniqueID == q.pinned {
			return true
		}
		if victim != nil && e.Priority != victim.Priority {
			return false
		}
		victim = e
		return true
	})
	return victim, victim != nil
}

func (q *Queue) putLocked(e *Entry) error {
	if q.store != nil {
		if err := q.store.Put(e); err != nil {
			return fmt.Errorf("failed to store entry %d: %w", e.UniqueID, err)
		}
	}
	q.insertLocked(e)
	q.notifyLocked()
	return nil
}

func (q *Queue) insertLocked(e *Entry) {
	q.tree.ReplaceOrInsert(e)
	q.index[e.UniqueID] = e
	q.bytes += e.Size()
}

func (q *Queue) removeLocked(e *Entry) error {
	if q.store != nil {
		if err := q.store.Delete(e.UniqueID); err != nil {
			return fmt.Errorf("failed to delete entry %d: %w", e.UniqueID, err)
		}
	}
	q.tree.Delete(e)
	delete(q.index, e.UniqueID)
	q.bytes -= e.Size()
	if q.pinned == e.UniqueID {
		q.pinned = 0
	}
	q.notifyLocked()
	return nil
}

// notifyLocked wakes every goroutine blocked in Put.
func (q *Queue) notifyLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *Queue) dead(e *Entry, cause error) {
	dm := NewDeadMessage(e, cause)
	if q.sink == nil {
		q.logger.Warn("dead message discarded",
			slog.String("method", e.Method.String()),
			slog.String("key", e.Payload.keyOrEmpty()),
			slog.Int64("unique_id", e.UniqueID),
			slog.Any("reason", dm.Reason))
		return
	}
	q.sink.DeadMessage(dm)
}

// Report hands an entry that failed permanently to the dead message sink.
func (q *Queue) Report(e *Entry, cause error) {
	q.dead(e, cause)
}

// PeekOrdered returns the entries in send order without removing them.
//
// The sequence is lazy: every step takes the lock and yields the entry that
// follows the previous one, so entries removed in the meantime are skipped
// and the sequence can be restarted at any time.
func (q *Queue) PeekOrdered() iter.Seq[*Entry] {
	return func(yield func(*Entry) bool) {
		var last *Entry
		for {
			next, ok := q.after(last)
			if !ok || !yield(next) {
				return
			}
			last = next
		}
	}
}

func (q *Queue) after(last *Entry) (*Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if last == nil {
		return q.tree.Min()
	}

	var next *Entry
	q.tree.AscendGreaterOrEqual(last, func(e *Entry) bool {
		if e.UniqueID == last.UniqueID {
			return true
		}
		next = e
		return false
	})
	return next, next != nil
}

// Peek returns the head of the queue.
func (q *Queue) Peek() (*Entry, bool) {
	return q.after(nil)
}

// Get returns the entry with the given unique id.
func (q *Queue) Get(uniqueID int64) (*Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.index[uniqueID]
	return e, ok
}

// Remove deletes the entry with the given unique id. It reports whether the
// entry was present.
func (q *Queue) Remove(uniqueID int64) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.index[uniqueID]
	if !ok {
		return false, nil
	}
	if err := q.removeLocked(e); err != nil {
		return false, err
	}
	return true, nil
}

// Pin marks the entry as in flight. A pinned entry is never evicted by
// PolicyDiscardOldest. Only one entry is pinned at a time.
func (q *Queue) Pin(uniqueID int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.index[uniqueID]; !ok {
		return false
	}
	q.pinned = uniqueID
	return true
}

// Unpin clears the in-flight mark if it is set on uniqueID.
func (q *Queue) Unpin(uniqueID int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pinned == uniqueID {
		q.pinned = 0
	}
}

// Size returns the number of entries.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tree.Len()
}

// ByteSize returns the accounted size of all entries.
func (q *Queue) ByteSize() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}

// Empty reports whether the queue has no entries.
func (q *Queue) Empty() bool {
	return q.Size() == 0
}

// Entries returns a snapshot copy of all entries in send order.
func (q *Queue) Entries() []*Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := make([]*Entry, 0, q.tree.Len())
	q.tree.Ascend(func(e *Entry) bool {
		entries = append(entries, e.Copy())
		return true
	})
	return entries
}

// Clear removes all entries and returns how many were removed.
func (q *Queue) Clear() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.tree.Len()
	if q.store != nil {
		if err := q.store.Clear(); err != nil {
			return 0, fmt.Errorf("failed to clear store: %w", err)
		}
	}
	q.tree.Clear(false)
	q.index = make(map[int64]*Entry)
	q.bytes = 0
	q.pinned = 0
	q.notifyLocked()
	return n, nil
}

// Close rejects further Puts, wakes blocked producers and closes the store.
// Entries are left in the store.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.notifyLocked()
	q.mu.Unlock()

	if q.store != nil {
		return q.store.Close()
	}
	return nil
}

func (p *Payload) keyOrEmpty() string {
	if p == nil {
		return ""
	}
	return p.Key
}
