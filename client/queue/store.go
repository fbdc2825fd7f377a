// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"sort"
	"sync"
)

// Store is the backing storage of a queue. The queue keeps its own ordered
// index in memory and writes through to the store, so a store only needs to
// persist and reload entries.
type Store interface {
	// Put persists an entry.
	Put(e *Entry) error

	// Delete removes an entry by unique id. Deleting a missing entry is not an error.
	Delete(uniqueID int64) error

	// Load returns all persisted entries (used when a queue is created).
	Load() ([]*Entry, error)

	// Clear removes all entries.
	Clear() error

	// Close releases any resources.
	Close() error
}

// MemoryStore is an in-memory implementation of Store. Entries do not
// survive the process, whatever their Durable flag says.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[int64]*Entry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[int64]*Entry),
	}
}

func (s *MemoryStore) Put(e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.UniqueID] = e.Copy()
	return nil
}

func (s *MemoryStore) Delete(uniqueID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, uniqueID)
	return nil
}

func (s *MemoryStore) Load() ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e.Copy())
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Before(entries[j])
	})
	return entries, nil
}

func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[int64]*Entry)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// Len returns the number of stored entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Ensure MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
