// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrShutdown is the cancellation cause for tasks outstanding at Shutdown,
	// and is returned by Submit afterwards.
	ErrShutdown = errors.New("supervisor shut down")

	// ErrCancelled is the cancellation cause for Cancel.
	ErrCancelled = errors.New("task cancelled")

	// ErrUnknownTask is returned for ids that were never submitted or have
	// aged out of retention.
	ErrUnknownTask = errors.New("unknown task")

	errFinished = errors.New("task finished")
)

// =============================================================================
// Enums
// =============================================================================

// Kind separates interactive work from maintenance.
type Kind int

const (
	// KindForeground tasks serve a caller that is waiting for the result.
	KindForeground Kind = iota

	// KindBackground tasks are maintenance: tuning, ingestion, polling.
	KindBackground
)

func (k Kind) String() string {
	switch k {
	case KindForeground:
		return "foreground"
	case KindBackground:
		return "background"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "foreground":
		*k = KindForeground
	case "background":
		*k = KindBackground
	default:
		return fmt.Errorf("unknown task kind %q", text)
	}
	return nil
}

// State is a task lifecycle state.
//
//	Queued → Running → {Completed, Failed, Cancelled}
//	Running → Queued   (retryable failure, after backoff)
type State int

const (
	StateQueued State = iota
	StateRunning
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	for st := StateQueued; st <= StateCancelled; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown task state %q", text)
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Pool selects the worker pool an attempt occupies while running.
type Pool int

const (
	// PoolDefault is PoolNone for foreground tasks and PoolIO for background.
	PoolDefault Pool = iota

	// PoolIO is the cooperative I/O pool (IOWorkers slots).
	PoolIO

	// PoolCPU is the CPU pool (CPUWorkers slots) for forecasting and encoding.
	PoolCPU

	// PoolNone runs without a slot.
	PoolNone
)

// =============================================================================
// Work and results
// =============================================================================

// Work is a unit of supervised work.
//
// The context carries the task id as lock holder (lock.HolderFrom) and the
// attempt number (AttemptFrom). Work must observe ctx at every suspension
// point and release everything it acquired before returning. Returning an
// error that matches errs.ErrTransientIO asks for a retry.
type Work func(ctx context.Context) error

// Result is the terminal outcome of a task.
type Result struct {
	ID       string
	Name     string
	Kind     Kind
	State    State
	Attempts int
	Err      error
}

// Snapshot is a point-in-time view of a task.
type Snapshot struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Kind        Kind      `json:"kind"`
	State       State     `json:"state"`
	Attempt     int       `json:"attempt"`
	Deadline    time.Time `json:"deadline"`
	SubmittedAt time.Time `json:"submitted_at"`
	FinishedAt  time.Time `json:"finished_at,omitzero"`
	Error       string    `json:"error,omitempty"`
}

// Observer receives lifecycle events. telemetry.Metrics implements it.
type Observer interface {
	TaskTerminal(kind, name, state string)
	TaskRetry(name string)
	TaskStuck(name string)
	BackoffChanged(operation string, delay time.Duration)
	BackoffForgotten(operation string)
}

type nopObserver struct{}

func (nopObserver) TaskTerminal(string, string, string)  {}
func (nopObserver) TaskRetry(string)                     {}
func (nopObserver) TaskStuck(string)                     {}
func (nopObserver) BackoffChanged(string, time.Duration) {}
func (nopObserver) BackoffForgotten(string)              {}

// =============================================================================
// Configuration
// =============================================================================

// Config holds supervisor settings.
type Config struct {
	// IOWorkers bounds concurrently running I/O attempts. Default 1.
	IOWorkers int `yaml:"io_workers" validate:"gte=0"`

	// CPUWorkers bounds concurrently running CPU attempts. Default GOMAXPROCS.
	CPUWorkers int `yaml:"cpu_workers" validate:"gte=0"`

	// GracePeriod is how long a cancelled attempt may keep running before it
	// is declared stuck. Default 2s.
	GracePeriod time.Duration `yaml:"grace_period" validate:"gte=0"`

	// MaxAttempts caps attempts per task, including the first. Default 3.
	MaxAttempts int `yaml:"max_attempts" validate:"gte=0"`

	// BackoffFloor is the delay after zero failures. Default 1s.
	BackoffFloor time.Duration `yaml:"backoff_floor" validate:"gte=0"`

	// BackoffCeiling caps every backoff delay. Default 30s.
	BackoffCeiling time.Duration `yaml:"backoff_ceiling" validate:"gte=0"`

	// DefaultDeadline applies when Submit gets a zero deadline. Default 30s.
	DefaultDeadline time.Duration `yaml:"default_deadline" validate:"gte=0"`

	// Retain is how many finished tasks stay queryable. Default 256.
	Retain int `yaml:"retain" validate:"gte=0"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	cfg := Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero fields.
func (c *Config) ApplyDefaults() {
	if c.IOWorkers <= 0 {
		c.IOWorkers = 1
	}
	if c.CPUWorkers <= 0 {
		c.CPUWorkers = runtime.GOMAXPROCS(0)
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 2 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffFloor <= 0 {
		c.BackoffFloor = time.Second
	}
	if c.BackoffCeiling <= 0 {
		c.BackoffCeiling = 30 * time.Second
	}
	if c.BackoffCeiling < c.BackoffFloor {
		c.BackoffCeiling = c.BackoffFloor
	}
	if c.DefaultDeadline <= 0 {
		c.DefaultDeadline = 30 * time.Second
	}
	if c.Retain <= 0 {
		c.Retain = 256
	}
}

// =============================================================================
// Context helpers
// =============================================================================

type attemptKey struct{}

// AttemptFrom returns the 1-based attempt number of the running task, or 0
// outside a supervised task.
func AttemptFrom(ctx context.Context) int {
	n, _ := ctx.Value(attemptKey{}).(int)
	return n
}
