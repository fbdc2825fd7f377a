// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxclient/client/queue"
	"github.com/dgraph-io/badger/v4"
)

var _ queue.Store = (*Store)(nil)

// Compression selects how entry values are encoded on disk.
type Compression string

// Supported compressions.
const (
	CompressionNone Compression = "none"
	CompressionS2   Compression = "s2"
	CompressionZstd Compression = "zstd"
)

// Value codec markers, stored as the first byte of every value.
const (
	codecNone byte = iota
	codecS2
	codecZstd
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("badger queue store closed")

const defaultGCInterval = 5 * time.Minute

// Config holds BadgerDB configuration.
type Config struct {
	Dir         string        // Directory for BadgerDB data
	Name        string        // Queue name, used as the key prefix
	Compression Compression   // Value compression, defaults to s2
	GCInterval  time.Duration // Value log GC period, defaults to 5m
	SyncWrites  bool          // fsync on every write
	Logger      *slog.Logger
}

// Store persists durable queue entries in BadgerDB.
//
// Key format: {name}/entry/{uniqueID as 8 big-endian bytes}
//
// Big-endian ids keep the keys of one queue in creation order. Entries that
// are not durable are only kept by the in-memory index of the queue.
type Store struct {
	db     *badger.DB
	prefix []byte
	codec  byte
	logger *slog.Logger

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// New opens (or creates) the BadgerDB database in cfg.Dir.
func New(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, errors.New("badger queue store: dir is required")
	}
	if cfg.Name == "" {
		cfg.Name = "client"
	}
	codec, err := codecFor(cfg.Compression)
	if err != nil {
		return nil, err
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = defaultGCInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil
	opts.SyncWrites = cfg.SyncWrites
	opts.NumVersionsToKeep = 1
	opts.NumCompactors = 2

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %s: %w", cfg.Dir, err)
	}

	s := &Store{
		db:       db,
		prefix:   []byte(cfg.Name + "/entry/"),
		codec:    codec,
		logger:   logger,
		gcStopCh: make(chan struct{}),
		gcDone:   make(chan struct{}),
	}

	go s.runGC(cfg.GCInterval)

	return s, nil
}

func codecFor(c Compression) (byte, error) {
	switch c {
	case CompressionS2, "":
		return codecS2, nil
	case CompressionZstd:
		return codecZstd, nil
	case CompressionNone:
		return codecNone, nil
	}
	return 0, fmt.Errorf("badger queue store: unknown compression %q", c)
}

func (s *Store) key(uniqueID int64) []byte {
	k := make([]byte, len(s.prefix)+8)
	copy(k, s.prefix)
	binary.BigEndian.PutUint64(k[len(s.prefix):], uint64(uniqueID))
	return k
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Put stores the entry if it is durable.
func (s *Store) Put(e *queue.Entry) error {
	if !e.Durable {
		return nil
	}
	if s.isClosed() {
		return ErrClosed
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	value, err := encode(data, s.codec)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.key(e.UniqueID), value)
	})
}

// Delete removes an entry. Missing entries are ignored.
func (s *Store) Delete(uniqueID int64) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(s.key(uniqueID))
	})
}

// Load returns every stored entry of the queue in key order.
func (s *Store) Load() ([]*queue.Entry, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}

	var entries []*queue.Entry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = s.prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				data, err := decode(val)
				if err != nil {
					return err
				}
				var e queue.Entry
				if err := json.Unmarshal(data, &e); err != nil {
					return err
				}
				entries = append(entries, &e)
				return nil
			})
			if err != nil {
				// A corrupt value must not prevent recovery of the rest.
				s.logger.Warn("skipping unreadable queue entry",
					slog.String("key", fmt.Sprintf("%x", item.Key())),
					slog.String("error", err.Error()))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

// Clear removes every entry of the queue.
func (s *Store) Clear() error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.db.DropPrefix(s.prefix)
}

// Close gracefully closes the BadgerDB database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone

	return s.db.Close()
}

// runGC runs BadgerDB's value log garbage collection periodically.
func (s *Store) runGC(interval time.Duration) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// ErrNoRewrite only means there was nothing to reclaim.
			if err := s.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Debug("badger value log gc failed", slog.String("error", err.Error()))
			}
		case <-s.gcStopCh:
			return
		}
	}
}
