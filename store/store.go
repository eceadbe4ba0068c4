// Package store persists correlated interface records in an embedded bbolt
// database.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/geekxflood/traprelay/correlator"
	"github.com/geekxflood/traprelay/logging"
)

// interfacesBucket holds one JSON-encoded correlator.Record per key, keyed by record ID.
const interfacesBucket = "interfaces"

// ErrNotConnected is returned by record operations while the store is disconnected.
var ErrNotConnected = errors.New("database not connected")

// Database is the persistence collaborator of the trap pipeline.
type Database interface {
	// Connect opens the database. Connecting twice is a no-op.
	Connect() error
	// Disconnect closes the database. Disconnecting twice is a no-op.
	Disconnect() error
	// Connected reports whether the database is open.
	Connected() bool
	// AddInterface stores rec.
	AddInterface(ctx context.Context, rec *correlator.Record) error
	// GetInterfaces returns every stored record, oldest first.
	GetInterfaces(ctx context.Context) ([]correlator.Record, error)
}

// Options configure a BoltStore.
type Options struct {
	// Path of the database file. Parent directories are created on Connect.
	Path string

	// Timeout bounds waiting for the file lock on Connect. Default 1s.
	Timeout time.Duration

	Logger *slog.Logger
}

// BoltStore implements Database on bbolt. It is safe for concurrent use.
type BoltStore struct {
	opts   Options
	logger *slog.Logger

	mu sync.RWMutex
	db *bolt.DB
}

var _ Database = (*BoltStore)(nil)

// New creates a disconnected BoltStore.
func New(opts Options) *BoltStore {
	if opts.Timeout <= 0 {
		opts.Timeout = time.Second
	}
	return &BoltStore{
		opts:   opts,
		logger: logging.OrComponent(opts.Logger, "store"),
	}
}

// Connect opens the database file and creates the bucket.
func (s *BoltStore) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil
	}
	if s.opts.Path == "" {
		return errors.New("database path cannot be empty")
	}

	if dir := filepath.Dir(s.opts.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := bolt.Open(s.opts.Path, 0o600, &bolt.Options{Timeout: s.opts.Timeout})
	if err != nil {
		return fmt.Errorf("failed to open database %s: %w", s.opts.Path, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(interfacesBucket))
		return err
	}); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to create %s bucket: %w", interfacesBucket, err)
	}

	s.db = db
	s.logger.Info("database connected", "path", s.opts.Path)
	return nil
}

// Disconnect closes the database file.
func (s *BoltStore) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.logger.Info("database disconnected", "path", s.opts.Path)
	return nil
}

// Connected reports whether Connect succeeded and Disconnect has not been called since.
func (s *BoltStore) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db != nil
}

// AddInterface stores rec under its ID.
func (s *BoltStore) AddInterface(ctx context.Context, rec *correlator.Record) error {
	if rec == nil {
		return errors.New("record cannot be nil")
	}
	if rec.ID == "" {
		return errors.New("record ID cannot be empty")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ErrNotConnected
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(interfacesBucket)).Put([]byte(rec.ID), value)
	})
	if err != nil {
		return fmt.Errorf("failed to store record %s: %w", rec.ID, err)
	}

	s.logger.DebugContext(ctx, "interface record stored", "id", rec.ID, "if_index", rec.IfIndex)
	return nil
}

// GetInterfaces returns all stored records ordered by collection time.
func (s *BoltStore) GetInterfaces(ctx context.Context) ([]correlator.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrNotConnected
	}

	var records []correlator.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(interfacesBucket)).ForEach(func(k, v []byte) error {
			var rec correlator.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to decode record %s: %w", k, err)
			}
			records = append(records, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CollectedAt.Before(records[j].CollectedAt)
	})
	return records, nil
}
