// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine is the ProEngine service: the request pipeline, the
// maintenance schedules and the HTTP surface, assembled from the
// orchestration components under services/engine.
//
// Every shared component (lock manager, supervisor, cache, store) is
// constructed here and passed down explicitly. Nothing is global, and Close
// unwinds everything the engine started.
//
//	┌───────────┐   Respond    ┌────────────┐   forecast   ┌──────────┐
//	│ HTTP / WS │ ───────────▶ │ supervisor │ ───────────▶ │ explorer │
//	│  bridge   │              │ foreground │   (CPU pool) └──────────┘
//	└───────────┘              └─────┬──────┘
//	                                 │ locked writes
//	                   ┌─────────────┼──────────────┐
//	                   ▼             ▼              ▼
//	              ┌────────┐    ┌─────────┐   ┌───────────┐
//	              │ cache  │    │  store  │   │ embedding │
//	              │ (LRU)  │    │ (badger)│   │   table   │
//	              └────────┘    └─────────┘   └───────────┘
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/ProEngine/pkg/validation"
	"github.com/AleutianAI/ProEngine/services/engine/bridge"
	"github.com/AleutianAI/ProEngine/services/engine/cache"
	"github.com/AleutianAI/ProEngine/services/engine/dataset"
	"github.com/AleutianAI/ProEngine/services/engine/embedding"
	"github.com/AleutianAI/ProEngine/services/engine/errs"
	"github.com/AleutianAI/ProEngine/services/engine/lock"
	"github.com/AleutianAI/ProEngine/services/engine/model"
	"github.com/AleutianAI/ProEngine/services/engine/snapshot"
	kv "github.com/AleutianAI/ProEngine/services/engine/storage/badger"
	"github.com/AleutianAI/ProEngine/services/engine/store"
	"github.com/AleutianAI/ProEngine/services/engine/supervisor"
	"github.com/AleutianAI/ProEngine/services/engine/telemetry"
)

// Store keys owned by the engine.
const (
	keyModelState = "state/model"
	keyManifest   = "state/datasets"

	prefixMessage = "msg/"
	prefixReply   = "reply/"

	cacheSnapshotName = "cache"

	outboxCapacity = 256
	inboxCapacity  = 256
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics sets the Prometheus metrics. Default: a private registry.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithBridge enables the chat bridge poll schedule.
func WithBridge(b bridge.Bridge) Option {
	return func(e *Engine) { e.bridge = b }
}

// WithSnapshotSink enables the cache snapshot.
func WithSnapshotSink(s snapshot.Sink) Option {
	return func(e *Engine) { e.snapshots = s }
}

type outgoing struct {
	chatID int64
	text   string
}

// Engine answers messages and runs maintenance.
//
// Thread Safety: Safe for concurrent use after New. Start and Close must
// each be called at most once.
type Engine struct {
	cfg         Config
	logger      *slog.Logger
	metrics     *telemetry.Metrics
	instruments *telemetry.Instruments

	locks   *lock.Manager
	sup     *supervisor.Supervisor
	store   *store.Store
	replies *cache.Cache[store.Record]
	table   *embedding.Table
	model   *model.Model

	bridge    bridge.Bridge
	snapshots snapshot.Sink

	datasets   chan string
	watcher    *dataset.Watcher
	modelDirty atomic.Bool

	// tuneMu serializes tuning passes and offline training.
	tuneMu sync.Mutex

	mu        sync.Mutex
	started   bool
	closed    bool
	manifest  dataset.Manifest
	outbox    []outgoing
	inbox     []bridge.Message
	schedules map[string]*supervisor.Periodic
}

// New assembles an engine over db.
//
// # Inputs
//
//   - cfg: Configuration. Zero fields take defaults.
//   - db: Open database. Not owned; close it after Close.
//   - opts: Logger, metrics, bridge, snapshot sink.
//
// # Outputs
//
//   - *Engine: Ready for Respond. Call Start to run maintenance.
//   - error: ValidationError for bad configuration, or store setup failure.
func New(cfg Config, db *kv.DB, opts ...Option) (*Engine, error) {
	if db == nil {
		return nil, errs.Invalid("db", "must not be nil")
	}
	cfg.ApplyDefaults()
	if err := validation.Struct(cfg); err != nil {
		return nil, errs.Invalid("config", err.Error())
	}

	e := &Engine{
		cfg:       cfg,
		logger:    slog.Default(),
		manifest:  dataset.Manifest{},
		schedules: map[string]*supervisor.Periodic{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = telemetry.NewMetrics(nil)
	}
	base := e.logger
	e.logger = base.With(slog.String("component", "engine"))

	e.locks = lock.NewManager(lock.WithLogger(base), lock.WithObserver(e.metrics))
	e.sup = supervisor.New(cfg.Supervisor, e.locks,
		supervisor.WithLogger(base),
		supervisor.WithObserver(e.metrics),
	)

	st, err := store.New(db, e.locks, cfg.Store, base)
	if err != nil {
		_ = e.sup.Shutdown(context.Background())
		return nil, fmt.Errorf("open record store: %w", err)
	}
	e.store = st
	e.replies = cache.New[store.Record](cfg.Cache,
		cache.WithLocks[store.Record](e.locks),
		cache.WithLogger[store.Record](base),
		cache.WithObserver[store.Record](e.metrics),
	)
	e.table = embedding.NewTable(e.locks)
	e.model = model.New(e.table)
	e.datasets = make(chan string, cfg.DatasetQueue)

	if inst, err := telemetry.NewInstruments(); err != nil {
		e.logger.Warn("otel instruments unavailable", slog.String("error", err.Error()))
	} else {
		e.instruments = inst
	}
	return e, nil
}

// Start restores persisted state and starts the maintenance schedules.
//
// # Description
//
// Model state and the dataset manifest are read back from the store and
// the cache is rewarmed from the snapshot sink, if any. Then tuning,
// dataset draining, checkpointing and (with a bridge) chat polling are
// scheduled as background operations, and the dataset watcher is started
// when enabled. An initial tuning pass is triggered immediately.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	switch {
	case e.closed:
		e.mu.Unlock()
		return ErrClosed
	case e.started:
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	if err := e.Restore(ctx); err != nil {
		return err
	}

	type schedule struct {
		name     string
		interval time.Duration
		timeout  time.Duration
		work     supervisor.Work
		opts     []supervisor.SubmitOption
	}
	schedules := []schedule{
		{"tune", e.cfg.TuneInterval, e.cfg.TuneTimeout, e.tuneTick,
			[]supervisor.SubmitOption{supervisor.WithPool(supervisor.PoolCPU)}},
		{"dataset-drain", e.cfg.DrainInterval, e.cfg.TuneTimeout, e.drainDatasets, nil},
		{"checkpoint", e.cfg.CheckpointInterval, e.cfg.TuneTimeout, e.checkpoint, nil},
	}
	if e.bridge != nil {
		// Long polls park on the network; keep them off the I/O pool.
		schedules = append(schedules, schedule{"bridge-poll", e.cfg.BridgePollInterval, e.cfg.BridgeTimeout,
			e.pollBridge, []supervisor.SubmitOption{supervisor.WithPool(supervisor.PoolNone)}})
	}
	for _, s := range schedules {
		p, err := e.sup.Schedule(s.name, s.interval, s.timeout, s.work, s.opts...)
		if err != nil {
			return fmt.Errorf("schedule %s: %w", s.name, err)
		}
		e.mu.Lock()
		e.schedules[s.name] = p
		e.mu.Unlock()
	}
	e.schedule("tune").Trigger()
	if p := e.schedule("bridge-poll"); p != nil {
		p.Trigger()
	}

	if e.cfg.WatchDatasets {
		opts := dataset.DefaultWatcherOptions()
		opts.Logger = e.logger
		w, err := dataset.NewWatcher(e.cfg.DatasetsDir, e.EnqueueDatasetEvent, &opts)
		if err != nil {
			return fmt.Errorf("create dataset watcher: %w", err)
		}
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("start dataset watcher: %w", err)
		}
		e.mu.Lock()
		e.watcher = w
		e.mu.Unlock()
	}

	e.logger.Info("engine started",
		slog.String("datasets_dir", e.cfg.DatasetsDir),
		slog.Bool("bridge", e.bridge != nil),
		slog.Bool("snapshots", e.snapshots != nil),
		slog.Int("vocabulary", e.model.Vocabulary()),
	)
	return nil
}

// Restore loads persisted model state, the dataset manifest and the cache
// snapshot as a background task. Start calls it; offline tools that train
// without starting the schedules call it first so they extend the saved
// model instead of replacing it.
func (e *Engine) Restore(ctx context.Context) error {
	if e.isClosed() {
		return ErrClosed
	}
	if _, err := e.sup.Run(ctx, supervisor.KindBackground, "restore", e.restore,
		time.Now().Add(e.cfg.TuneTimeout)); err != nil {
		return fmt.Errorf("restore engine state: %w", err)
	}
	return nil
}

// Close stops maintenance, cancels outstanding tasks, writes a final
// checkpoint and releases the store. Idempotent.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	w := e.watcher
	e.mu.Unlock()

	var errList []error
	if w != nil {
		w.Stop()
	}
	if err := e.sup.Shutdown(ctx); err != nil {
		errList = append(errList, fmt.Errorf("supervisor shutdown: %w", err))
	}
	e.mu.Lock()
	schedules := make([]*supervisor.Periodic, 0, len(e.schedules))
	for _, p := range e.schedules {
		schedules = append(schedules, p)
	}
	e.mu.Unlock()
	for _, p := range schedules {
		p.Stop()
	}

	e.mu.Lock()
	unanswered := e.inbox
	e.inbox = nil
	e.mu.Unlock()
	for _, m := range unanswered {
		e.logger.Warn("unanswered chat message dropped at close",
			slog.Int64("chat_id", m.ChatID),
			slog.Int64("update_id", m.UpdateID),
		)
	}

	if err := e.checkpoint(lock.WithHolder(ctx, "engine-close")); err != nil {
		errList = append(errList, fmt.Errorf("final checkpoint: %w", err))
	}
	if err := e.store.Close(); err != nil {
		errList = append(errList, fmt.Errorf("close record store: %w", err))
	}

	e.logger.Info("engine closed", slog.Int("errors", len(errList)))
	return errors.Join(errList...)
}

// Supervisor returns the task supervisor.
func (e *Engine) Supervisor() *supervisor.Supervisor { return e.sup }

// Metrics returns the Prometheus metrics.
func (e *Engine) Metrics() *telemetry.Metrics { return e.metrics }

// Store returns the record store.
func (e *Engine) Store() *store.Store { return e.store }

// Locks returns the lock manager.
func (e *Engine) Locks() *lock.Manager { return e.locks }

// Health summarizes engine state.
func (e *Engine) Health(ctx context.Context) (HealthResponse, error) {
	st, err := e.store.Stats(ctx)
	if err != nil {
		return HealthResponse{}, err
	}
	status := "healthy"
	if e.isClosed() {
		status = "closed"
	}
	return HealthResponse{
		Status:       status,
		Version:      ServiceVersion,
		Vocabulary:   e.model.Vocabulary(),
		Embeddings:   e.table.Len(),
		TableVersion: e.table.Version(),
		CacheSize:    e.replies.Len(),
		Records:      st.Records,
		HeldLocks:    e.locks.Held(),
		QueuedFiles:  len(e.datasets),
		Cache:        e.replies.Stats(),
	}, nil
}

func (e *Engine) schedule(name string) *supervisor.Periodic {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.schedules[name]
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// withTable runs fn holding the embedding-table lock for the task in ctx.
func (e *Engine) withTable(ctx context.Context, fn func(h *lock.Handle) error) error {
	h, err := e.locks.AcquireFor(ctx, embedding.ResourceID, e.cfg.KeyLockTimeout)
	if err != nil {
		return err
	}
	defer h.Release()
	return fn(h)
}

// -----------------------------------------------------------------------------
// Persistence
// -----------------------------------------------------------------------------

// restore loads model state, the dataset manifest and the cache snapshot.
func (e *Engine) restore(ctx context.Context) error {
	rec, err := e.store.Read(ctx, keyModelState)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return e.restoreCache(ctx)
	case err != nil:
		return err
	}

	version := rec.Version
	err = e.withTable(ctx, func(h *lock.Handle) error {
		return e.model.Restore(h, rec.Payload)
	})
	if err != nil {
		if errs.IsRetryable(err) || ctx.Err() != nil {
			return err
		}
		// Without the model the manifest is meaningless; retrain everything.
		e.logger.Error("model state unreadable, retraining from datasets",
			slog.String("error", err.Error()))
		return e.restoreCache(ctx)
	}

	rec, err = e.store.Read(ctx, keyManifest)
	switch {
	case err == nil:
		var m dataset.Manifest
		if err := json.Unmarshal(rec.Payload, &m); err != nil {
			e.logger.Error("dataset manifest unreadable, retraining from datasets",
				slog.String("error", err.Error()))
		} else {
			e.mu.Lock()
			e.manifest = m
			e.mu.Unlock()
		}
	case !errors.Is(err, store.ErrNotFound):
		return err
	}

	e.logger.Info("model state restored",
		slog.Uint64("version", version),
		slog.Int("vocabulary", e.model.Vocabulary()))
	return e.restoreCache(ctx)
}

// restoreCache rewarms the reply cache. A missing or bad snapshot is not an
// error; the cache simply starts cold.
func (e *Engine) restoreCache(ctx context.Context) error {
	if e.snapshots == nil {
		return nil
	}
	data, err := e.snapshots.Load(ctx, cacheSnapshotName)
	if errors.Is(err, snapshot.ErrNotFound) {
		return nil
	}
	if err != nil {
		if errs.IsRetryable(err) {
			return err
		}
		e.logger.Warn("cache snapshot unavailable", slog.String("error", err.Error()))
		return nil
	}
	snap, err := snapshot.Decode(data)
	if err != nil {
		e.logger.Warn("cache snapshot ignored", slog.String("error", err.Error()))
		return nil
	}

	warmed := 0
	for i := len(snap.Keys) - 1; i >= 0; i-- {
		rec, err := e.store.Read(ctx, snap.Keys[i])
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := e.replies.Put(ctx, rec.Key, rec, false); err != nil {
			return err
		}
		warmed++
	}
	e.logger.Info("cache rewarmed",
		slog.Int("keys", warmed),
		slog.Time("taken_at", snap.TakenAt))
	return nil
}

// checkpoint persists model state when it changed and saves the cache
// snapshot when a sink is configured.
func (e *Engine) checkpoint(ctx context.Context) error {
	if e.modelDirty.Swap(false) {
		if err := e.saveModel(ctx); err != nil {
			e.modelDirty.Store(true)
			return err
		}
	}
	if e.snapshots == nil {
		return nil
	}
	data, err := snapshot.Encode(e.replies.Keys(), time.Now())
	if err != nil {
		return err
	}
	return e.snapshots.Save(ctx, cacheSnapshotName, data)
}

func (e *Engine) saveModel(ctx context.Context) error {
	data, err := e.model.Snapshot()
	if err != nil {
		return fmt.Errorf("encode model state: %w", err)
	}
	_, err = e.store.Write(ctx, keyModelState, data, store.WithTag(store.TagState))
	return err
}
