// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger opens and manages the engine's embedded BadgerDB.
//
// The engine keeps everything durable in one database: conversation records,
// their similarity vectors, the write sequence, and model state. This package
// owns lifecycle (open, value-log GC, close) and classifies Badger failures
// into the engine's error taxonomy so the supervisor knows what to retry.
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/ProEngine/services/engine/errs"
)

// Config holds configuration for the engine database.
type Config struct {
	// Dir is the database directory. Ignored when InMemory is true.
	Dir string `yaml:"dir"`

	// InMemory keeps all data in RAM. Used by tests and `--ephemeral`.
	InMemory bool `yaml:"in_memory"`

	// SyncWrites fsyncs every commit. Default: true.
	SyncWrites bool `yaml:"sync_writes"`

	// GCInterval is the value-log GC period. 0 disables GC.
	GCInterval time.Duration `yaml:"gc_interval"`

	// GCDiscardRatio is the garbage ratio that triggers a rewrite. Default: 0.5.
	GCDiscardRatio float64 `yaml:"gc_discard_ratio"`

	// Logger receives Badger's internal log lines at Warn and above.
	Logger *slog.Logger `yaml:"-"`
}

// DefaultConfig returns the production configuration rooted at dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:            dir,
		SyncWrites:     true,
		GCInterval:     10 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// slogAdapter routes Badger's printf-style logging through slog.
//
// Badger is chatty at Info; those lines are demoted to Debug.
type slogAdapter struct {
	logger *slog.Logger
}

func (a slogAdapter) Errorf(format string, args ...any) {
	a.logger.Error(fmt.Sprintf(format, args...))
}

func (a slogAdapter) Warningf(format string, args ...any) {
	a.logger.Warn(fmt.Sprintf(format, args...))
}

func (a slogAdapter) Infof(format string, args ...any) {
	a.logger.Debug(fmt.Sprintf(format, args...))
}

func (a slogAdapter) Debugf(format string, args ...any) {
	a.logger.Debug(fmt.Sprintf(format, args...))
}

// DB is the engine's handle on BadgerDB.
//
// # Thread Safety
//
// Safe for concurrent use. Close is idempotent.
type DB struct {
	raw    *badger.DB
	cfg    Config
	logger *slog.Logger

	gcCancel context.CancelFunc
	gcDone   chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// Open opens the database and starts value-log GC when configured.
//
// # Inputs
//
//   - cfg: Database configuration. Dir is required unless InMemory is set.
//
// # Outputs
//
//   - *DB: The open database. Caller must Close it.
//   - error: Non-nil if the directory cannot be created or Badger fails to open.
func Open(cfg Config) (*DB, error) {
	if !cfg.InMemory && cfg.Dir == "" {
		return nil, errs.Invalid("storage.dir", "required for a persistent database")
	}
	if cfg.GCDiscardRatio < 0 || cfg.GCDiscardRatio >= 1 {
		return nil, errs.Invalid("storage.gc_discard_ratio", "must be in [0, 1)")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "badger"))

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Dir, err)
		}
		opts = badger.DefaultOptions(cfg.Dir).WithSyncWrites(cfg.SyncWrites)
	}
	opts = opts.WithNumVersionsToKeep(1).WithLogger(slogAdapter{logger: logger})

	raw, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", cfg.Dir, err)
	}

	db := &DB{raw: raw, cfg: cfg, logger: logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		ctx, cancel := context.WithCancel(context.Background())
		db.gcCancel = cancel
		db.gcDone = make(chan struct{})
		go db.gcLoop(ctx)
	}

	logger.Info("database opened",
		slog.String("dir", cfg.Dir),
		slog.Bool("in_memory", cfg.InMemory))
	return db, nil
}

// Raw exposes the underlying Badger handle for sequences and iteration.
func (d *DB) Raw() *badger.DB { return d.raw }

// InMemory reports whether the database is RAM-only.
func (d *DB) InMemory() bool { return d.cfg.InMemory }

// Update runs fn in a read-write transaction and commits it.
//
// # Description
//
// The commit is all-or-nothing. Conflicts and other I/O failures come back
// as errs.TransientIOError; errors returned by fn pass through untouched.
//
// # Inputs
//
//   - ctx: Checked before the transaction starts and before commit.
//   - op: Operation label for error messages.
//   - fn: Transaction body.
func (d *DB) Update(ctx context.Context, op string, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	txn := d.raw.NewTransaction(true)
	defer txn.Discard()

	if err := fn(txn); err != nil {
		return classify(op, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := txn.Commit(); err != nil {
		return errs.Transient(op, err)
	}
	return nil
}

// View runs fn in a read-only transaction.
func (d *DB) View(ctx context.Context, op string, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	txn := d.raw.NewTransaction(false)
	defer txn.Discard()
	return classify(op, fn(txn))
}

// Sequence leases a monotonic counter stored under key.
func (d *DB) Sequence(key []byte, bandwidth uint64) (*badger.Sequence, error) {
	seq, err := d.raw.GetSequence(key, bandwidth)
	if err != nil {
		return nil, errs.Transient("sequence", err)
	}
	return seq, nil
}

// Close stops GC and closes the database.
func (d *DB) Close() error {
	d.closeOnce.Do(func() {
		if d.gcCancel != nil {
			d.gcCancel()
			<-d.gcDone
		}
		d.closeErr = d.raw.Close()
		d.logger.Info("database closed")
	})
	return d.closeErr
}

func (d *DB) gcLoop(ctx context.Context) {
	defer close(d.gcDone)

	ticker := time.NewTicker(d.cfg.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := d.raw.RunValueLogGC(d.cfg.GCDiscardRatio)
			switch {
			case err == nil:
				d.logger.Debug("value log rewritten")
			case errors.Is(err, badger.ErrNoRewrite), errors.Is(err, badger.ErrRejected):
			default:
				d.logger.Warn("value log gc failed", slog.String("error", err.Error()))
			}
		}
	}
}

// classify maps Badger failures onto the engine taxonomy. ErrKeyNotFound is
// left alone for callers to translate.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return err
	case errors.Is(err, badger.ErrConflict),
		errors.Is(err, badger.ErrBlockedWrites):
		return errs.Transient(op, err)
	case errors.Is(err, badger.ErrTxnTooBig):
		// The same transaction is too big on every attempt.
		return fmt.Errorf("%s: %w", op, err)
	default:
		return err
	}
}
