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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/ProEngine/pkg/logging"
	"github.com/AleutianAI/ProEngine/services/engine/errs"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{EnvDataDir, EnvHTTPAddr, EnvLogLevel, EnvDatasetsDir, EnvWatch, EnvTelegram} {
		t.Setenv(k, "")
	}
}

// TestLoad_CreatesDefault verifies first-run config creation.
func TestLoad_CreatesDefault(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), ".proengine", "proengine.yaml")

	cfg, created, err := Load(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.FileExists(t, path)

	assert.Equal(t, CurrentConfigVersion, cfg.Version)
	assert.Equal(t, ":12230", cfg.HTTP.Addr)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "data"), cfg.DataDir)
	assert.Equal(t, filepath.Join(cfg.DataDir, "badger"), cfg.Badger.Dir)
	assert.Equal(t, "file", cfg.Snapshot.Backend)
	assert.Equal(t, 10*time.Second, cfg.Engine.RespondTimeout)
	assert.Equal(t, 2, cfg.Engine.Forecast.MaxDepth)
	assert.False(t, cfg.Telegram.Enabled)
	assert.Equal(t, "https://api.telegram.org", cfg.Telegram.BaseURL)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var onDisk map[string]any
	require.NoError(t, yaml.Unmarshal(data, &onDisk))
	assert.Contains(t, onDisk, "engine")
	assert.NotContains(t, string(data), "token", "the bot token is never written")

	_, created, err = Load(path)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "proengine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /var/lib/proengine
http:
  addr: 127.0.0.1:9000
engine:
  respond_timeout: 3s
  forecast:
    max_depth: 4
`), 0640))

	cfg, created, err := Load(path)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "127.0.0.1:9000", cfg.HTTP.Addr)
	assert.Equal(t, 3*time.Second, cfg.Engine.RespondTimeout)
	assert.Equal(t, 4, cfg.Engine.Forecast.MaxDepth)
	assert.Equal(t, 5*time.Second, cfg.Engine.KeyLockTimeout)
	assert.Equal(t, 5, cfg.Engine.RetrievalLimit)
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "proengine.yaml")
	t.Setenv(EnvDataDir, "/srv/pe")
	t.Setenv(EnvHTTPAddr, ":8088")
	t.Setenv(EnvLogLevel, "debug")
	t.Setenv(EnvDatasetsDir, "/srv/datasets")
	t.Setenv(EnvWatch, "true")
	t.Setenv(EnvTelegram, "123:abc")

	cfg, _, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/pe", cfg.DataDir)
	assert.Equal(t, filepath.Join("/srv/pe", "badger"), cfg.Badger.Dir)
	assert.Equal(t, filepath.Join("/srv/pe", "snapshots"), cfg.Snapshot.Dir)
	assert.Equal(t, ":8088", cfg.HTTP.Addr)
	assert.Equal(t, "/srv/datasets", cfg.Engine.DatasetsDir)
	assert.True(t, cfg.Engine.WatchDatasets)
	assert.Equal(t, "123:abc", cfg.Telegram.Token)

	lc, err := cfg.LoggingConfig("proengine")
	require.NoError(t, err)
	assert.Equal(t, logging.LevelDebug, lc.Level)
	assert.Equal(t, "proengine", lc.Service)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		env  map[string]string
	}{
		{name: "bad snapshot backend", yaml: "snapshot:\n  backend: s3\n"},
		{name: "forecast too deep", yaml: "engine:\n  forecast:\n    max_depth: 50\n"},
		{name: "bad log format", yaml: "log:\n  format: xml\n"},
		{name: "gcs without bucket", yaml: "snapshot:\n  backend: gcs\n"},
		{name: "telegram without token", yaml: "telegram:\n  enabled: true\n"},
		{name: "bad watch flag", env: map[string]string{EnvWatch: "sometimes"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := filepath.Join(t.TempDir(), "proengine.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0640))

			_, _, err := Load(path)
			assert.ErrorIs(t, err, errs.ErrValidation)
		})
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "proengine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http: [unclosed"), 0640))

	_, _, err := Load(path)
	require.Error(t, err)
	assert.NotErrorIs(t, err, errs.ErrValidation)
}

func TestDefaultPath(t *testing.T) {
	t.Setenv(EnvConfig, "/etc/proengine.yaml")
	p, err := DefaultPath()
	require.NoError(t, err)
	assert.Equal(t, "/etc/proengine.yaml", p)
}
