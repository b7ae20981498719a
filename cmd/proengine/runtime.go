// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AleutianAI/ProEngine/cmd/proengine/config"
	"github.com/AleutianAI/ProEngine/pkg/logging"
	"github.com/AleutianAI/ProEngine/services/engine"
	"github.com/AleutianAI/ProEngine/services/engine/bridge"
	"github.com/AleutianAI/ProEngine/services/engine/snapshot"
	kv "github.com/AleutianAI/ProEngine/services/engine/storage/badger"
	"github.com/AleutianAI/ProEngine/services/engine/telemetry"
)

type runtimeOptions struct {
	// quiet disables stderr logging (chat writes to the terminal).
	quiet bool

	// telemetry installs the OTel providers.
	telemetry bool

	// bridge starts the Telegram bridge when it is enabled in config.
	bridge bool
}

// appRuntime owns everything a command opens, in reverse-close order.
type appRuntime struct {
	cfg     config.ProEngineConfig
	log     *logging.Logger
	logger  *slog.Logger
	metrics *telemetry.Metrics
	db      *kv.DB
	eng     *engine.Engine

	closers []func(context.Context) error
}

func loadConfig() (config.ProEngineConfig, error) {
	path := configPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return config.ProEngineConfig{}, err
		}
		path = p
	}
	cfg, created, err := config.Load(path)
	if err != nil {
		return config.ProEngineConfig{}, err
	}
	if created {
		fmt.Printf("First run detected, created the config at %s\n", path)
	}
	return cfg, nil
}

// openRuntime loads config and assembles logging, telemetry, the database
// and the engine. The engine is not started.
func openRuntime(ctx context.Context, service string, opts runtimeOptions) (*appRuntime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logCfg, err := cfg.LoggingConfig(service)
	if err != nil {
		return nil, err
	}
	logCfg.Quiet = opts.quiet

	rt := &appRuntime{cfg: cfg, log: logging.New(logCfg)}
	rt.logger = rt.log.Slog()
	rt.closers = append(rt.closers, func(context.Context) error { return rt.log.Close() })
	rt.metrics = telemetry.NewMetrics(prometheus.NewRegistry())

	if err := rt.open(ctx, opts); err != nil {
		_ = rt.Close(context.Background())
		return nil, err
	}
	return rt, nil
}

func (rt *appRuntime) open(ctx context.Context, opts runtimeOptions) error {
	cfg := rt.cfg
	if opts.telemetry {
		shutdown, err := telemetry.Init(ctx, cfg.Telemetry, rt.metrics.Registry)
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		rt.closers = append(rt.closers, shutdown)
	}

	dbCfg := cfg.Badger
	if ephemeral {
		dbCfg = kv.InMemoryConfig()
	}
	dbCfg.Logger = rt.logger
	db, err := kv.Open(dbCfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	rt.db = db
	rt.closers = append(rt.closers, func(context.Context) error { return db.Close() })

	engOpts := []engine.Option{
		engine.WithLogger(rt.logger),
		engine.WithMetrics(rt.metrics),
	}
	sink, err := rt.snapshotSink(ctx)
	if err != nil {
		return err
	}
	if sink != nil {
		engOpts = append(engOpts, engine.WithSnapshotSink(sink))
	}
	if opts.bridge && cfg.Telegram.Enabled {
		tg, err := bridge.NewTelegram(cfg.Telegram.TelegramConfig, rt.logger)
		if err != nil {
			return fmt.Errorf("create telegram bridge: %w", err)
		}
		engOpts = append(engOpts, engine.WithBridge(tg))
	}

	eng, err := engine.New(cfg.Engine, db, engOpts...)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	rt.eng = eng
	rt.closers = append(rt.closers, eng.Close)
	return nil
}

func (rt *appRuntime) snapshotSink(ctx context.Context) (snapshot.Sink, error) {
	if ephemeral {
		return nil, nil
	}
	switch rt.cfg.Snapshot.Backend {
	case "file":
		sink, err := snapshot.NewFileSink(rt.cfg.Snapshot.Dir)
		if err != nil {
			return nil, fmt.Errorf("create snapshot sink: %w", err)
		}
		return sink, nil
	case "gcs":
		sink, err := snapshot.NewGCSSink(ctx, rt.cfg.Snapshot.GCS)
		if err != nil {
			return nil, fmt.Errorf("create gcs snapshot sink: %w", err)
		}
		rt.closers = append(rt.closers, closeFunc(sink))
		return sink, nil
	default:
		return nil, nil
	}
}

// Close releases everything in reverse order of opening.
func (rt *appRuntime) Close(ctx context.Context) error {
	var errList []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			errList = append(errList, err)
		}
	}
	rt.closers = nil
	return errors.Join(errList...)
}

func closeFunc(c io.Closer) func(context.Context) error {
	return func(context.Context) error { return c.Close() }
}
