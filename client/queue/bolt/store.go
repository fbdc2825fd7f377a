// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bolt persists durable queue entries in a single BoltDB file, one
// bucket per queue.
package bolt

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/absmach/fluxclient/client/queue"
	"go.etcd.io/bbolt"
)

var _ queue.Store = (*Store)(nil)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("bolt queue store closed")

// Config holds BoltDB configuration.
type Config struct {
	File        string        // Database file, created if missing
	Mode        os.FileMode   // Defaults to 0600
	Name        string        // Queue name, used as the bucket name
	OpenTimeout time.Duration // How long to wait for the file lock, defaults to 1s
	NoSync      bool          // Skip fsync after each commit
	Logger      *slog.Logger
}

// Store persists durable queue entries in BoltDB.
//
// Keys are unique ids as 8 big-endian bytes, so a cursor walks the bucket in
// creation order. Values are JSON encoded entries.
type Store struct {
	db     *bbolt.DB
	bucket []byte
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

// New opens (or creates) the BoltDB file in cfg.File.
func New(cfg Config) (*Store, error) {
	if cfg.File == "" {
		return nil, errors.New("bolt queue store: file is required")
	}
	if cfg.Name == "" {
		cfg.Name = "client"
	}
	if cfg.Mode == 0 {
		cfg.Mode = 0o600
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", cfg.File, err)
	}

	db, err := bbolt.Open(cfg.File, cfg.Mode, &bbolt.Options{Timeout: cfg.OpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt at %s: %w", cfg.File, err)
	}
	db.NoSync = cfg.NoSync

	s := &Store{
		db:     db,
		bucket: []byte(cfg.Name),
		logger: logger,
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(s.bucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket %q: %w", cfg.Name, err)
	}

	return s, nil
}

func key(uniqueID int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(uniqueID))
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

	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(s.bucket)
		if err != nil {
			return err
		}
		return b.Put(key(e.UniqueID), data)
	})
}

// Delete removes an entry. Missing entries are ignored.
func (s *Store) Delete(uniqueID int64) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		return b.Delete(key(uniqueID))
	})
}

// Load returns every stored entry of the queue in key order.
func (s *Store) Load() ([]*queue.Entry, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}

	var entries []*queue.Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var e queue.Entry
			if err := json.Unmarshal(v, &e); err != nil {
				s.logger.Warn("skipping unreadable queue entry",
					slog.String("key", fmt.Sprintf("%x", k)),
					slog.String("error", err.Error()))
				return nil
			}
			entries = append(entries, &e)
			return nil
		})
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
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(s.bucket); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		_, err := tx.CreateBucket(s.bucket)
		return err
	})
}

// Len returns the number of stored entries.
func (s *Store) Len() (int, error) {
	if s.isClosed() {
		return 0, ErrClosed
	}
	n := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		if b := tx.Bucket(s.bucket); b != nil {
			n = b.Stats().KeyN
		}
		return nil
	})
	return n, err
}

// Close closes the BoltDB file.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	return s.db.Close()
}
