// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/ProEngine/pkg/logging"
	"github.com/AleutianAI/ProEngine/services/engine"
	"github.com/AleutianAI/ProEngine/services/engine/bridge"
	"github.com/AleutianAI/ProEngine/services/engine/snapshot"
	kv "github.com/AleutianAI/ProEngine/services/engine/storage/badger"
	"github.com/AleutianAI/ProEngine/services/engine/telemetry"
)

// CurrentConfigVersion is written into new config files.
const CurrentConfigVersion = "1"

type ProEngineConfig struct {
	// Version of the file layout.
	Version string `yaml:"version"`

	// DataDir holds the database and local snapshots unless overridden.
	DataDir string `yaml:"data_dir" validate:"required"`

	Log       LogConfig        `yaml:"log"`
	HTTP      HTTPConfig       `yaml:"http"`
	Engine    engine.Config    `yaml:"engine"`
	Badger    kv.Config        `yaml:"badger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Telegram  TelegramConfig   `yaml:"telegram"`
	Snapshot  SnapshotConfig   `yaml:"snapshot"`
}

type LogConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`

	// Dir enables a JSON log file, e.g. ~/.proengine/logs.
	Dir string `yaml:"dir"`

	// Format is "auto" (text on a terminal), "text" or "json".
	Format string `yaml:"format" validate:"omitempty,oneof=auto text json"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr" validate:"required"` // e.g. :12230
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
}

// TelegramConfig enables the chat bridge. The token only ever comes from
// TELEGRAM_TOKEN.
type TelegramConfig struct {
	Enabled               bool `yaml:"enabled"`
	bridge.TelegramConfig `yaml:",inline"`
}

type SnapshotConfig struct {
	// Backend is "file", "gcs" or "none".
	Backend string             `yaml:"backend" validate:"oneof=file gcs none"`
	Dir     string             `yaml:"dir"`
	GCS     snapshot.GCSConfig `yaml:"gcs"`
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig(dataDir string) ProEngineConfig {
	cfg := ProEngineConfig{
		Version: CurrentConfigVersion,
		DataDir: dataDir,
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
		HTTP: HTTPConfig{
			Addr:            ":12230",
			ShutdownTimeout: 15 * time.Second,
		},
		Engine:    engine.DefaultConfig(),
		Badger:    kv.DefaultConfig(filepath.Join(dataDir, "badger")),
		Telemetry: telemetry.DefaultConfig(),
		Snapshot: SnapshotConfig{
			Backend: "file",
			Dir:     filepath.Join(dataDir, "snapshots"),
		},
	}
	cfg.Telemetry.ServiceVersion = engine.ServiceVersion
	cfg.Telegram.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills fields a hand-written file left empty.
func (c *ProEngineConfig) ApplyDefaults() {
	if c.Version == "" {
		c.Version = CurrentConfigVersion
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":12230"
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		c.HTTP.ShutdownTimeout = 15 * time.Second
	}
	if c.Badger.Dir == "" && c.DataDir != "" {
		c.Badger.Dir = filepath.Join(c.DataDir, "badger")
	}
	if c.Snapshot.Backend == "" {
		c.Snapshot.Backend = "file"
	}
	if c.Snapshot.Dir == "" && c.DataDir != "" {
		c.Snapshot.Dir = filepath.Join(c.DataDir, "snapshots")
	}
	c.Engine.ApplyDefaults()
	c.Telegram.ApplyDefaults()
}

// LoggingConfig converts the log section for logging.New.
func (c ProEngineConfig) LoggingConfig(service string) (logging.Config, error) {
	level, err := logging.ParseLevel(c.Log.Level)
	if err != nil {
		return logging.Config{}, err
	}
	var format logging.Format
	switch strings.ToLower(c.Log.Format) {
	case "", "auto":
		format = logging.FormatAuto
	case "text":
		format = logging.FormatText
	case "json":
		format = logging.FormatJSON
	default:
		return logging.Config{}, fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return logging.Config{
		Level:   level,
		LogDir:  c.Log.Dir,
		Service: service,
		Format:  format,
	}, nil
}
