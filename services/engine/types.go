// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"time"

	"github.com/AleutianAI/ProEngine/services/engine/cache"
	"github.com/AleutianAI/ProEngine/services/engine/forecast"
	"github.com/AleutianAI/ProEngine/services/engine/model"
	"github.com/AleutianAI/ProEngine/services/engine/store"
	"github.com/AleutianAI/ProEngine/services/engine/supervisor"
)

// ServiceVersion is reported by the health endpoint and the CLI.
var ServiceVersion = "0.3.0"

// =============================================================================
// Configuration
// =============================================================================

// Config configures an Engine.
type Config struct {
	// DatasetsDir holds training text files. Default: "datasets"
	DatasetsDir string `yaml:"datasets_dir"`

	// WatchDatasets enables the fsnotify watcher on DatasetsDir.
	WatchDatasets bool `yaml:"watch_datasets"`

	// RespondTimeout is the deadline of a Respond task. Default: 10s
	RespondTimeout time.Duration `yaml:"respond_timeout" validate:"gte=0"`

	// KeyLockTimeout bounds the wait behind a running Respond for the same
	// key. Default: 5s
	KeyLockTimeout time.Duration `yaml:"key_lock_timeout" validate:"gte=0"`

	// ForecastTimeout is the deadline of the forecast sub-task. Default: 500ms
	ForecastTimeout time.Duration `yaml:"forecast_timeout" validate:"gte=0"`

	// DisableForecast skips the forecast sub-task.
	DisableForecast bool `yaml:"disable_forecast"`

	// RetrievalLimit is how many stored messages feed a reply. Default: 5
	RetrievalLimit int `yaml:"retrieval_limit" validate:"gte=0"`

	// RetrievalScan is how many recent messages are scored. Default: 50
	RetrievalScan int `yaml:"retrieval_scan" validate:"gte=0"`

	// DatasetQueue is the dataset event queue capacity. Default: 64
	DatasetQueue int `yaml:"dataset_queue" validate:"gte=0"`

	// TuneInterval is the period of the tuning schedule. Default: 10m
	TuneInterval time.Duration `yaml:"tune_interval" validate:"gte=0"`

	// TuneTimeout is the deadline of one tuning tick. Default: 2m
	TuneTimeout time.Duration `yaml:"tune_timeout" validate:"gte=0"`

	// DrainInterval is how often queued dataset events are drained.
	// Default: 2s
	DrainInterval time.Duration `yaml:"drain_interval" validate:"gte=0"`

	// BridgePollInterval is the wait between chat bridge polls. Default: 1s
	BridgePollInterval time.Duration `yaml:"bridge_poll_interval" validate:"gte=0"`

	// BridgeTimeout is the deadline of one poll tick. It must exceed the
	// bridge's long-poll timeout. Default: 45s
	BridgeTimeout time.Duration `yaml:"bridge_timeout" validate:"gte=0"`

	// CheckpointInterval is the period for persisting model state and the
	// cache snapshot. Default: 1m
	CheckpointInterval time.Duration `yaml:"checkpoint_interval" validate:"gte=0"`

	Supervisor supervisor.Config `yaml:"supervisor"`
	Cache      cache.Config      `yaml:"cache"`
	Store      store.Config      `yaml:"store"`
	Forecast   forecast.Config   `yaml:"forecast"`
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	var cfg Config
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero fields, including nested component configs.
func (c *Config) ApplyDefaults() {
	if c.DatasetsDir == "" {
		c.DatasetsDir = "datasets"
	}
	if c.RespondTimeout <= 0 {
		c.RespondTimeout = 10 * time.Second
	}
	if c.KeyLockTimeout <= 0 {
		c.KeyLockTimeout = 5 * time.Second
	}
	if c.ForecastTimeout <= 0 {
		c.ForecastTimeout = 500 * time.Millisecond
	}
	if c.RetrievalLimit <= 0 {
		c.RetrievalLimit = 5
	}
	if c.RetrievalScan <= 0 {
		c.RetrievalScan = 50
	}
	if c.DatasetQueue <= 0 {
		c.DatasetQueue = 64
	}
	if c.TuneInterval <= 0 {
		c.TuneInterval = 10 * time.Minute
	}
	if c.TuneTimeout <= 0 {
		c.TuneTimeout = 2 * time.Minute
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = 2 * time.Second
	}
	if c.BridgePollInterval <= 0 {
		c.BridgePollInterval = time.Second
	}
	if c.BridgeTimeout <= 0 {
		c.BridgeTimeout = 45 * time.Second
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = time.Minute
	}
	c.Supervisor.ApplyDefaults()
	c.Cache.ApplyDefaults()
	c.Forecast.ApplyDefaults()
}

// =============================================================================
// Requests and results
// =============================================================================

// RespondRequest is one incoming message.
type RespondRequest struct {
	// Key identifies the message for deduplication. Empty generates one.
	Key string `json:"key,omitempty" validate:"omitempty,reckey"`

	// Text is the message body.
	Text string `json:"text" validate:"maxbytes"`
}

// RespondResult is the outcome of Respond.
type RespondResult struct {
	Key    string `json:"key"`
	TaskID string `json:"task_id"`
	Reply  string `json:"reply"`

	// Deduplicated is true when the reply was committed by an earlier
	// Respond for the same key.
	Deduplicated bool `json:"deduplicated"`

	// CacheHit is true when the reply came from the cache.
	CacheHit bool `json:"cache_hit"`

	// Context lists the stored messages the reply drew on.
	Context []string `json:"context,omitempty"`

	// Forecast is the forecast outcome; nil when skipped.
	Forecast *forecast.Result `json:"forecast,omitempty"`

	Metrics model.Metrics `json:"metrics"`

	// Version is the reply record version.
	Version uint64 `json:"version"`
}

// DatasetEventRequest reports a changed dataset file.
type DatasetEventRequest struct {
	Path string `json:"path" binding:"required"`
}

// TuneReport summarizes one tuning pass.
type TuneReport struct {
	Files     []string `json:"files,omitempty"`
	Skipped   []string `json:"skipped,omitempty"`
	Removed   []string `json:"removed,omitempty"`
	Sequences int      `json:"sequences"`
	NewWords  int      `json:"new_words"`
}

// =============================================================================
// HTTP responses
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// HealthResponse is returned by GET /v1/engine/health.
type HealthResponse struct {
	Status       string      `json:"status"`
	Version      string      `json:"version"`
	Vocabulary   int         `json:"vocabulary"`
	Embeddings   int         `json:"embeddings"`
	TableVersion uint64      `json:"table_version"`
	CacheSize    int         `json:"cache_size"`
	Records      int         `json:"records"`
	HeldLocks    int         `json:"held_locks"`
	QueuedFiles  int         `json:"queued_dataset_events"`
	Cache        cache.Stats `json:"cache"`
}

// TasksResponse is returned by GET /v1/engine/tasks.
type TasksResponse struct {
	Tasks []supervisor.Snapshot `json:"tasks"`
}

// BackoffResponse is returned by GET /v1/engine/backoff.
type BackoffResponse struct {
	Operations []supervisor.BackoffState `json:"operations"`
}
