// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store is the engine's durable key/record store.
//
// # Description
//
// Records are replaced by key and never physically deleted. Each write bumps
// the record version, assigns a fresh write sequence number, and updates the
// similarity index, all in one Badger transaction, so a reader sees either
// the old record with its old vector or the new record with its new vector.
//
// Key layout:
//
//	rec/<key>        JSON Record
//	seq/<%020d seq>  key of the record written at seq
//	vec/<key>        little-endian float32 vector
//	meta/seq         Badger sequence lease
//
// # Thread Safety
//
// All methods are safe for concurrent use. Writes to the same key are
// linearized through the lock manager under the resource "store:<key>".
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/ProEngine/services/engine/errs"
	"github.com/AleutianAI/ProEngine/services/engine/lock"
	kv "github.com/AleutianAI/ProEngine/services/engine/storage/badger"
)

// ErrNotFound indicates no record exists for the key.
var ErrNotFound = errors.New("record not found")

// Well-known record tags.
const (
	TagMessage  = "message"
	TagResponse = "response"
	TagState    = "state"
)

const (
	prefixRecord = "rec/"
	prefixSeq    = "seq/"
	prefixVector = "vec/"
	keySequence  = "meta/seq"
)

// Record is a stored value.
type Record struct {
	Key       string    `json:"key"`
	Payload   []byte    `json:"payload"`
	Version   uint64    `json:"version"`
	Seq       uint64    `json:"seq"`
	Tag       string    `json:"tag,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Text returns the payload as a string.
func (r Record) Text() string { return string(r.Payload) }

// Stats summarizes store contents.
type Stats struct {
	Records int    `json:"records"`
	Vectors int    `json:"vectors"`
	Writes  uint64 `json:"writes"`
}

// Config configures a Store.
type Config struct {
	// KeyLockTimeout bounds the wait for a same-key writer. Default: 10s.
	KeyLockTimeout time.Duration `yaml:"key_lock_timeout"`

	// PageSize is how many index entries ReadRecent loads per transaction.
	// Default: 32.
	PageSize int `yaml:"page_size" validate:"gte=0"`
}

// Store is the durable record store.
type Store struct {
	db     *kv.DB
	seq    *badger.Sequence
	locks  *lock.Manager
	cfg    Config
	logger *slog.Logger

	opSeq  atomic.Uint64
	writes atomic.Uint64
}

// New creates a store over db.
//
// # Inputs
//
//   - db: Open database. Not owned; the caller closes it after Close.
//   - locks: Lock manager for same-key serialization. Must not be nil.
//   - cfg: Configuration. Zero fields take defaults.
//   - logger: Optional.
//
// # Outputs
//
//   - *Store: Ready store.
//   - error: Non-nil if the write sequence cannot be leased.
func New(db *kv.DB, locks *lock.Manager, cfg Config, logger *slog.Logger) (*Store, error) {
	if db == nil || locks == nil {
		return nil, errors.New("store: db and lock manager are required")
	}
	if cfg.KeyLockTimeout <= 0 {
		cfg.KeyLockTimeout = 10 * time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 32
	}
	if logger == nil {
		logger = slog.Default()
	}
	seq, err := db.Sequence([]byte(keySequence), 128)
	if err != nil {
		return nil, fmt.Errorf("lease write sequence: %w", err)
	}
	return &Store{
		db:     db,
		seq:    seq,
		locks:  locks,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "store")),
	}, nil
}

// Close returns the unused part of the sequence lease.
func (s *Store) Close() error {
	return s.seq.Release()
}

// WriteOption customizes a write.
type WriteOption func(*writeOptions)

type writeOptions struct {
	tag    string
	vector []float32
}

// WithTag labels the record.
func WithTag(tag string) WriteOption {
	return func(o *writeOptions) { o.tag = tag }
}

// WithVector sets the record's similarity-index vector. Without it any
// previous vector is removed.
func WithVector(v []float32) WriteOption {
	return func(o *writeOptions) { o.vector = v }
}

// Write replaces the record for key.
//
// # Description
//
// Takes the "store:<key>" lock, then commits record, sequence entry and
// vector in one transaction. The last writer to complete wins; the version
// grows by one per write.
//
// # Inputs
//
//   - ctx: Cancellation. Lock wait and commit are suspension points.
//   - key: Record key. Must not be empty.
//   - payload: Record body.
//   - opts: WithTag, WithVector.
//
// # Outputs
//
//   - Record: The committed record.
//   - error: ValidationError, lock errors, or TransientIOError.
func (s *Store) Write(ctx context.Context, key string, payload []byte, opts ...WriteOption) (Record, error) {
	if key == "" {
		return Record{}, errs.Invalid("key", "must not be empty")
	}
	var o writeOptions
	for _, opt := range opts {
		opt(&o)
	}

	h, err := s.locks.Acquire(ctx, "store:"+key, s.holder(ctx), s.cfg.KeyLockTimeout)
	if err != nil {
		return Record{}, err
	}
	defer h.Release()

	n, err := s.seq.Next()
	if err != nil {
		return Record{}, errs.Transient("store.write", err)
	}

	rec := Record{
		Key:       key,
		Payload:   append([]byte(nil), payload...),
		Seq:       n + 1,
		Tag:       o.tag,
		UpdatedAt: time.Now().UTC(),
	}

	err = s.db.Update(ctx, "store.write", func(txn *badger.Txn) error {
		prev, err := getRecord(txn, key)
		switch {
		case err == nil:
			rec.Version = prev.Version + 1
			if err := txn.Delete(seqKey(prev.Seq)); err != nil {
				return err
			}
		case errors.Is(err, ErrNotFound):
			rec.Version = 1
		default:
			return err
		}

		body, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		if err := txn.Set(recordKey(key), body); err != nil {
			return err
		}
		if err := txn.Set(seqKey(rec.Seq), []byte(key)); err != nil {
			return err
		}
		if len(o.vector) == 0 {
			return txn.Delete(vectorKey(key))
		}
		return txn.Set(vectorKey(key), encodeVector(o.vector))
	})
	if err != nil {
		return Record{}, err
	}

	s.writes.Add(1)
	s.logger.Debug("record written",
		slog.String("key", key),
		slog.Uint64("version", rec.Version),
		slog.String("tag", rec.Tag))
	return rec, nil
}

// Read returns the most recently committed record for key.
//
// # Outputs
//
//   - error: ErrNotFound if key was never written.
func (s *Store) Read(ctx context.Context, key string) (Record, error) {
	var rec Record
	err := s.db.View(ctx, "store.read", func(txn *badger.Txn) error {
		var err error
		rec, err = getRecord(txn, key)
		return err
	})
	return rec, err
}

// Vector returns the similarity vector stored with key.
func (s *Store) Vector(ctx context.Context, key string) ([]float32, error) {
	var vec []float32
	err := s.db.View(ctx, "store.vector", func(txn *badger.Txn) error {
		item, err := txn.Get(vectorKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("vector for %q: %w", key, ErrNotFound)
		}
		if err != nil {
			return err
		}
		return item.Value(func(b []byte) error {
			vec, err = decodeVector(b)
			return err
		})
	})
	return vec, err
}

// Stats counts records and vectors.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Writes: s.writes.Load()}
	err := s.db.View(ctx, "store.stats", func(txn *badger.Txn) error {
		st.Records = countPrefix(txn, prefixRecord)
		st.Vectors = countPrefix(txn, prefixVector)
		return nil
	})
	return st, err
}

func (s *Store) holder(ctx context.Context) string {
	op := fmt.Sprintf("store-op-%d", s.opSeq.Add(1))
	if task, ok := lock.HolderFrom(ctx); ok {
		return task + "/" + op
	}
	return op
}

// -----------------------------------------------------------------------------
// encoding helpers
// -----------------------------------------------------------------------------

func recordKey(key string) []byte { return []byte(prefixRecord + key) }
func vectorKey(key string) []byte { return []byte(prefixVector + key) }
func seqKey(seq uint64) []byte    { return []byte(fmt.Sprintf("%s%020d", prefixSeq, seq)) }

func getRecord(txn *badger.Txn, key string) (Record, error) {
	item, err := txn.Get(recordKey(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Record{}, fmt.Errorf("%q: %w", key, ErrNotFound)
	}
	if err != nil {
		return Record{}, err
	}
	var rec Record
	err = item.Value(func(b []byte) error {
		return json.Unmarshal(b, &rec)
	})
	if err != nil {
		return Record{}, fmt.Errorf("decode record %q: %w", key, err)
	}
	return rec, nil
}

func countPrefix(txn *badger.Txn, prefix string) int {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	n := 0
	for it.Rewind(); it.Valid(); it.Next() {
		n++
	}
	return n
}
