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
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/ProEngine/pkg/validation"
	"github.com/AleutianAI/ProEngine/services/engine/errs"
)

// Environment overrides, applied after the file is read.
const (
	EnvConfig      = "PROENGINE_CONFIG"
	EnvDataDir     = "PROENGINE_DATA_DIR"
	EnvHTTPAddr    = "PROENGINE_HTTP_ADDR"
	EnvLogLevel    = "PROENGINE_LOG_LEVEL"
	EnvDatasetsDir = "PROENGINE_DATASETS_DIR"
	EnvWatch       = "PROENGINE_WATCH_DATASETS"
	EnvTelegram    = "TELEGRAM_TOKEN"
)

// DefaultPath returns ~/.proengine/proengine.yaml, or $PROENGINE_CONFIG.
func DefaultPath() (string, error) {
	if p := os.Getenv(EnvConfig); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".proengine", "proengine.yaml"), nil
}

// Load reads the config at path, creating it with defaults on first run.
//
// # Description
//
// Fields missing from the file keep their defaults. Environment overrides
// are applied next, then defaults for anything still empty, then
// validation.
//
// # Outputs
//
//   - ProEngineConfig: The effective configuration.
//   - bool: True when the file was created by this call.
//   - error: ValidationError for invalid values; wrapped I/O or YAML errors.
func Load(path string) (ProEngineConfig, bool, error) {
	dataDir := filepath.Join(filepath.Dir(path), "data")
	created := false
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if err := createDefault(path, DefaultConfig(dataDir)); err != nil {
			return ProEngineConfig{}, false, err
		}
		created = true
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return ProEngineConfig{}, created, fmt.Errorf("failed to read the config file: %w", err)
	}
	cfg := DefaultConfig(dataDir)
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return ProEngineConfig{}, created, fmt.Errorf("failed to parse the config file %s: %w", path, err)
	}

	if err := applyEnv(&cfg); err != nil {
		return ProEngineConfig{}, created, err
	}
	cfg.ApplyDefaults()
	if err := validation.Struct(cfg); err != nil {
		return ProEngineConfig{}, created, errs.Invalid("config", err.Error())
	}
	if cfg.Telegram.Enabled && cfg.Telegram.Token == "" {
		return ProEngineConfig{}, created, errs.Invalid("telegram", EnvTelegram+" must be set when the bridge is enabled")
	}
	if cfg.Snapshot.Backend == "gcs" && cfg.Snapshot.GCS.Bucket == "" {
		return ProEngineConfig{}, created, errs.Invalid("snapshot.gcs.bucket", "required for the gcs backend")
	}
	return cfg, created, nil
}

func applyEnv(cfg *ProEngineConfig) error {
	if v := os.Getenv(EnvDataDir); v != "" {
		cfg.DataDir = v
		cfg.Badger.Dir = filepath.Join(v, "badger")
		if cfg.Snapshot.Backend == "file" {
			cfg.Snapshot.Dir = filepath.Join(v, "snapshots")
		}
	}
	if v := os.Getenv(EnvHTTPAddr); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv(EnvDatasetsDir); v != "" {
		cfg.Engine.DatasetsDir = v
	}
	if v := os.Getenv(EnvWatch); v != "" {
		watch, err := strconv.ParseBool(v)
		if err != nil {
			return errs.Invalid(EnvWatch, err.Error())
		}
		cfg.Engine.WatchDatasets = watch
	}
	cfg.Telegram.Token = os.Getenv(EnvTelegram)
	return nil
}

func createDefault(path string, cfg ProEngineConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}
