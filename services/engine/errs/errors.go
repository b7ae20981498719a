// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package errs defines the error taxonomy shared by the engine components.
//
// Every kind has a sentinel for errors.Is and a struct type carrying detail
// for errors.As. The struct types unwrap to both the sentinel and, where one
// exists, the underlying cause.
//
// Propagation:
//
//   - TransientIOError drives supervisor retries and backoff.
//   - BackpressureDrop is counted and never fails a task.
//   - Everything else surfaces as the task's terminal error.
package errs

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// Sentinels
// =============================================================================

var (
	// ErrTransientIO marks an I/O failure that is expected to clear on retry.
	ErrTransientIO = errors.New("transient i/o error")

	// ErrLockTimeout indicates a lock could not be acquired before the timeout.
	ErrLockTimeout = errors.New("lock acquisition timed out")

	// ErrReentrantLock indicates a holder tried to acquire a resource it already holds.
	ErrReentrantLock = errors.New("reentrant lock acquisition")

	// ErrStuckTask indicates a task ignored cancellation past its deadline.
	ErrStuckTask = errors.New("task stuck past deadline")

	// ErrBackpressureDrop indicates an event was dropped because a queue was full.
	ErrBackpressureDrop = errors.New("event dropped by backpressure")

	// ErrValidation indicates malformed input rejected at the boundary.
	ErrValidation = errors.New("validation failed")
)

// =============================================================================
// Typed errors
// =============================================================================

// TransientIOError wraps a retryable I/O failure.
type TransientIOError struct {
	Op  string
	Err error
}

// Transient wraps err as a TransientIOError for op. Returns nil for a nil err.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientIOError{Op: op, Err: err}
}

func (e *TransientIOError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap exposes both the sentinel and the cause.
func (e *TransientIOError) Unwrap() []error {
	return []error{ErrTransientIO, e.Err}
}

// LockTimeoutError reports a denied lock acquisition.
type LockTimeoutError struct {
	Resource string
	Holder   string
	Owner    string // holder at the time of denial, may be empty
	Waited   time.Duration
}

func (e *LockTimeoutError) Error() string {
	if e.Owner != "" {
		return fmt.Sprintf("lock %q not granted to %s after %s (held by %s)",
			e.Resource, e.Holder, e.Waited, e.Owner)
	}
	return fmt.Sprintf("lock %q not granted to %s after %s", e.Resource, e.Holder, e.Waited)
}

// Unwrap returns ErrLockTimeout.
func (e *LockTimeoutError) Unwrap() error {
	return ErrLockTimeout
}

// ReentrantLockViolation reports a second acquire of a held resource by the
// same holder. It is a programming error.
type ReentrantLockViolation struct {
	Resource string
	Holder   string
}

func (e *ReentrantLockViolation) Error() string {
	return fmt.Sprintf("holder %s already holds %q; pass the existing handle instead of re-acquiring",
		e.Holder, e.Resource)
}

// Unwrap returns ErrReentrantLock.
func (e *ReentrantLockViolation) Unwrap() error {
	return ErrReentrantLock
}

// StuckTaskError reports a task that did not unwind after cancellation.
type StuckTaskError struct {
	TaskID        string
	Name          string
	Attempt       int
	Overrun       time.Duration
	ReleasedLocks []string
}

func (e *StuckTaskError) Error() string {
	return fmt.Sprintf("task %s (%s) attempt %d still running %s past deadline; force-released %d lock(s)",
		e.TaskID, e.Name, e.Attempt, e.Overrun, len(e.ReleasedLocks))
}

// Unwrap returns ErrStuckTask.
func (e *StuckTaskError) Unwrap() error {
	return ErrStuckTask
}

// BackpressureDrop reports an event dropped from a full queue.
type BackpressureDrop struct {
	Queue    string
	Capacity int
	Item     string
}

func (e *BackpressureDrop) Error() string {
	return fmt.Sprintf("queue %s full (capacity %d): dropped %q", e.Queue, e.Capacity, e.Item)
}

// Unwrap returns ErrBackpressureDrop.
func (e *BackpressureDrop) Unwrap() error {
	return ErrBackpressureDrop
}

// ValidationError reports malformed boundary input.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

// Invalid builds a ValidationError for field.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid input: %s", e.Reason)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Unwrap exposes the sentinel and the cause, if any.
func (e *ValidationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrValidation}
	}
	return []error{ErrValidation, e.Err}
}

// =============================================================================
// Classification
// =============================================================================

// IsRetryable reports whether the supervisor should retry after err.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientIO)
}

// Kind returns a stable, low-cardinality label for err. Used for metrics and
// log attributes; never shown to end users.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrReentrantLock):
		return "reentrant_lock"
	case errors.Is(err, ErrLockTimeout):
		return "lock_timeout"
	case errors.Is(err, ErrStuckTask):
		return "stuck_task"
	case errors.Is(err, ErrBackpressureDrop):
		return "backpressure"
	case errors.Is(err, ErrTransientIO):
		return "transient_io"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "internal"
	}
}
