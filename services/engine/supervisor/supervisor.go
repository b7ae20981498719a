// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package supervisor runs foreground and background work under one
// lifecycle, retry, backoff and cancellation contract.
//
// # Description
//
// Each submitted task gets a context bounded by its deadline and cancellable
// by Cancel or Shutdown. Attempts run in a worker pool slot; retryable
// failures are requeued after the task's backoff delay until MaxAttempts or
// the deadline is reached. An attempt that does not return within
// GracePeriod of its context ending is declared stuck: the task fails with
// errs.StuckTaskError and every lock it holds is force-released.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/AleutianAI/ProEngine/services/engine/errs"
	"github.com/AleutianAI/ProEngine/services/engine/lock"
	"github.com/AleutianAI/ProEngine/services/engine/telemetry"
)

// Supervisor owns task lifecycles and the backoff policy.
type Supervisor struct {
	cfg      Config
	locks    *lock.Manager
	logger   *slog.Logger
	observer Observer
	backoff  *Backoff

	io  *semaphore.Weighted
	cpu *semaphore.Weighted

	rootCtx    context.Context
	rootCancel context.CancelCauseFunc
	wg         sync.WaitGroup

	mu         sync.Mutex
	tasks      map[string]*task
	finished   []string
	onTerminal []func(Result)
	closed     bool
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithObserver sets the lifecycle observer.
func WithObserver(o Observer) Option {
	return func(s *Supervisor) {
		if o != nil {
			s.observer = o
		}
	}
}

// New creates a Supervisor. locks is used to sweep residual and stuck
// holders after each attempt.
//
// # Inputs
//
//   - cfg: Settings; zero fields take defaults.
//   - locks: The engine's lock manager. Must not be nil.
//   - opts: Logger and observer.
//
// # Outputs
//
//   - *Supervisor: Ready to accept work. Call Shutdown to stop.
func New(cfg Config, locks *lock.Manager, opts ...Option) *Supervisor {
	cfg.ApplyDefaults()
	s := &Supervisor{
		cfg:      cfg,
		locks:    locks,
		logger:   slog.Default(),
		observer: nopObserver{},
		io:       semaphore.NewWeighted(int64(cfg.IOWorkers)),
		cpu:      semaphore.NewWeighted(int64(cfg.CPUWorkers)),
		tasks:    make(map[string]*task),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "supervisor"))
	s.backoff = NewBackoff(cfg.BackoffFloor, cfg.BackoffCeiling, s.observer)
	s.rootCtx, s.rootCancel = context.WithCancelCause(context.Background())
	return s
}

// Config returns the effective configuration.
func (s *Supervisor) Config() Config { return s.cfg }

// Backoff returns the shared per-operation backoff.
func (s *Supervisor) Backoff() *Backoff { return s.backoff }

// OnTerminal registers fn to be called once for every task reaching a
// terminal state, before its Wait returns. fn must not block.
func (s *Supervisor) OnTerminal(fn func(Result)) {
	s.mu.Lock()
	s.onTerminal = append(s.onTerminal, fn)
	s.mu.Unlock()
}

// -----------------------------------------------------------------------------
// Submission
// -----------------------------------------------------------------------------

type submitOptions struct {
	pool        Pool
	maxAttempts int
	parent      context.Context
}

// SubmitOption customizes one submission.
type SubmitOption func(*submitOptions)

// WithPool selects the worker pool.
func WithPool(p Pool) SubmitOption {
	return func(o *submitOptions) { o.pool = p }
}

// WithMaxAttempts overrides Config.MaxAttempts for this task.
func WithMaxAttempts(n int) SubmitOption {
	return func(o *submitOptions) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// WithParent cancels the task when parent ends, with parent's cause. Used
// for subtasks such as the forecast inside a Respond.
func WithParent(parent context.Context) SubmitOption {
	return func(o *submitOptions) { o.parent = parent }
}

// Submit queues work and returns immediately.
//
// # Inputs
//
//   - kind: Foreground or background.
//   - name: Operation name for logs and metrics. Low cardinality.
//   - work: The unit of work.
//   - deadline: Covers every attempt. Zero means now + DefaultDeadline.
//
// # Outputs
//
//   - *Handle: For waiting, inspecting and cancelling.
//   - error: ValidationError for bad input; ErrShutdown after Shutdown.
func (s *Supervisor) Submit(kind Kind, name string, work Work, deadline time.Time, opts ...SubmitOption) (*Handle, error) {
	if name == "" {
		return nil, errs.Invalid("name", "must not be empty")
	}
	if work == nil {
		return nil, errs.Invalid("work", "must not be nil")
	}
	if kind != KindForeground && kind != KindBackground {
		return nil, errs.Invalid("kind", kind.String())
	}

	o := submitOptions{maxAttempts: s.cfg.MaxAttempts}
	for _, opt := range opts {
		opt(&o)
	}
	if o.pool == PoolDefault {
		o.pool = PoolNone
		if kind == KindBackground {
			o.pool = PoolIO
		}
	}
	now := time.Now()
	if deadline.IsZero() {
		deadline = now.Add(s.cfg.DefaultDeadline)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrShutdown
	}

	causeCtx, cancelCause := context.WithCancelCause(s.rootCtx)
	ctx, cancelDeadline := context.WithDeadline(causeCtx, deadline)
	t := &task{
		id:          uuid.NewString(),
		name:        name,
		kind:        kind,
		pool:        o.pool,
		work:        work,
		maxAttempts: o.maxAttempts,
		deadline:    deadline,
		submittedAt: now,
		ctx:         ctx,
		cancel: func(cause error) {
			cancelCause(cause)
			cancelDeadline()
		},
		done:  make(chan struct{}),
		state: StateQueued,
	}
	if o.parent != nil {
		t.stopParent = context.AfterFunc(o.parent, func() {
			t.cancel(context.Cause(o.parent))
		})
	}
	s.tasks[t.id] = t
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(t)
	return &Handle{s: s, t: t}, nil
}

// Run submits work and waits for it. Convenience for callers that block on
// the result anyway.
func (s *Supervisor) Run(ctx context.Context, kind Kind, name string, work Work, deadline time.Time, opts ...SubmitOption) (Result, error) {
	h, err := s.Submit(kind, name, work, deadline, opts...)
	if err != nil {
		return Result{}, err
	}
	return h.Wait(ctx)
}

// Cancel requests cooperative cancellation of task id.
func (s *Supervisor) Cancel(id string) error {
	t, ok := s.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	t.cancel(ErrCancelled)
	return nil
}

// Get returns a snapshot of task id.
func (s *Supervisor) Get(id string) (Snapshot, bool) {
	t, ok := s.lookup(id)
	if !ok {
		return Snapshot{}, false
	}
	return t.snapshot(), true
}

// List returns snapshots of all known tasks, oldest first.
func (s *Supervisor) List() []Snapshot {
	s.mu.Lock()
	out := make([]Snapshot, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.snapshot())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out
}

// Shutdown cancels every outstanding task with cause ErrShutdown, stops
// periodic schedules and waits for unwind or ctx.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	outstanding := len(s.tasks) - len(s.finished)
	s.mu.Unlock()

	s.logger.Info("shutting down", slog.Int("outstanding", outstanding))
	s.rootCancel(ErrShutdown)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("shutdown complete")
		return nil
	case <-ctx.Done():
		s.logger.Error("shutdown interrupted before all tasks unwound")
		return ctx.Err()
	}
}

func (s *Supervisor) lookup(id string) (*task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	return t, ok
}

// -----------------------------------------------------------------------------
// Execution
// -----------------------------------------------------------------------------

func (s *Supervisor) pool(p Pool) *semaphore.Weighted {
	switch p {
	case PoolIO:
		return s.io
	case PoolCPU:
		return s.cpu
	default:
		return nil
	}
}

func (s *Supervisor) run(t *task) {
	defer s.wg.Done()
	if t.stopParent != nil {
		defer t.stopParent()
	}

	sem := s.pool(t.pool)
	for {
		if sem != nil {
			if err := sem.Acquire(t.ctx, 1); err != nil {
				s.finish(t, s.interrupted(t, nil))
				return
			}
		}
		attempt := t.begin()
		stuck, err := s.runAttempt(t, attempt)
		if sem != nil {
			sem.Release(1)
		}

		switch {
		case stuck:
			s.finish(t, outcome{StateFailed, err})
			return
		case err == nil:
			s.backoff.Success(t.name)
			s.finish(t, outcome{StateCompleted, nil})
			return
		case t.ctx.Err() != nil:
			s.finish(t, s.interrupted(t, err))
			return
		case !errs.IsRetryable(err) || attempt >= t.maxAttempts:
			s.finish(t, outcome{StateFailed, err})
			return
		}

		delay := s.backoff.Failure(t.name)
		if time.Now().Add(delay).After(t.deadline) {
			s.finish(t, outcome{StateFailed, fmt.Errorf("no time left to retry: %w", err)})
			return
		}
		s.observer.TaskRetry(t.name)
		s.logger.Warn("task attempt failed, retrying",
			slog.String("task_id", t.id),
			slog.String("task", t.name),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		t.setState(StateQueued)
		if serr := sleep(t.ctx, delay); serr != nil {
			s.finish(t, s.interrupted(t, err))
			return
		}
	}
}

// runAttempt runs one attempt. stuck is true when the attempt ignored
// cancellation past the grace period; its goroutine is abandoned.
func (s *Supervisor) runAttempt(t *task, attempt int) (stuck bool, err error) {
	ctx := lock.WithHolder(t.ctx, t.id)
	ctx = context.WithValue(ctx, attemptKey{}, attempt)
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerSupervisor, "task."+t.name,
		trace.WithAttributes(
			attribute.String("task.id", t.id),
			attribute.String("task.kind", t.kind.String()),
			attribute.Int("task.attempt", attempt),
		))
	defer span.End()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("task panicked: %v", r)
			}
		}()
		done <- t.work(ctx)
	}()

	select {
	case err = <-done:
	case <-t.ctx.Done():
		cancelledAt := time.Now()
		grace := time.NewTimer(s.cfg.GracePeriod)
		defer grace.Stop()
		select {
		case err = <-done:
		case <-grace.C:
			released := s.locks.ForceReleaseHolder(t.id)
			stuckErr := &errs.StuckTaskError{
				TaskID:        t.id,
				Name:          t.name,
				Attempt:       attempt,
				Overrun:       time.Since(cancelledAt),
				ReleasedLocks: released,
			}
			s.observer.TaskStuck(t.name)
			s.logger.Error("task ignored cancellation, force-failing",
				slog.String("task_id", t.id),
				slog.String("task", t.name),
				slog.Int("attempt", attempt),
				slog.Duration("overrun", stuckErr.Overrun),
				slog.Any("released_locks", released),
			)
			telemetry.RecordError(span, stuckErr)
			return true, stuckErr
		}
	}

	if residual := s.locks.ForceReleaseHolder(t.id); len(residual) > 0 {
		s.logger.Warn("task returned holding locks",
			slog.String("task_id", t.id),
			slog.String("task", t.name),
			slog.Any("resources", residual),
		)
	}
	if err != nil {
		telemetry.RecordError(span, err, attribute.String("error.kind", errs.Kind(err)))
	} else {
		telemetry.SetSpanOK(span)
	}
	return false, err
}

type outcome struct {
	state State
	err   error
}

// interrupted classifies a task whose context ended: deadline is a failure,
// anything else a cancellation.
func (s *Supervisor) interrupted(t *task, err error) outcome {
	cause := context.Cause(t.ctx)
	if errors.Is(cause, context.DeadlineExceeded) {
		if err == nil || !errors.Is(err, context.DeadlineExceeded) {
			err = errors.Join(context.DeadlineExceeded, err)
		}
		return outcome{StateFailed, err}
	}
	if err == nil || !errors.Is(err, cause) {
		err = errors.Join(cause, err)
	}
	return outcome{StateCancelled, err}
}

func (s *Supervisor) finish(t *task, o outcome) {
	res := t.complete(o.state, o.err)
	t.cancel(errFinished)

	attrs := []any{
		slog.String("task_id", t.id),
		slog.String("task", t.name),
		slog.String("kind", t.kind.String()),
		slog.String("state", o.state.String()),
		slog.Int("attempts", res.Attempts),
	}
	switch o.state {
	case StateFailed:
		s.logger.Error("task failed", append(attrs,
			slog.String("error_kind", errs.Kind(o.err)),
			slog.String("error", o.err.Error()))...)
	case StateCancelled:
		s.logger.Info("task cancelled", attrs...)
	default:
		s.logger.Debug("task completed", attrs...)
	}
	s.observer.TaskTerminal(t.kind.String(), t.name, o.state.String())

	s.mu.Lock()
	hooks := append([]func(Result){}, s.onTerminal...)
	s.finished = append(s.finished, t.id)
	for len(s.finished) > s.cfg.Retain {
		delete(s.tasks, s.finished[0])
		s.finished = s.finished[1:]
	}
	s.mu.Unlock()

	for _, fn := range hooks {
		fn(res)
	}
	close(t.done)
}

// -----------------------------------------------------------------------------
// Task
// -----------------------------------------------------------------------------

type task struct {
	id          string
	name        string
	kind        Kind
	pool        Pool
	work        Work
	maxAttempts int
	deadline    time.Time
	submittedAt time.Time

	ctx        context.Context
	cancel     func(cause error)
	stopParent func() bool
	done       chan struct{}

	mu         sync.Mutex
	state      State
	attempt    int
	err        error
	finishedAt time.Time
}

func (t *task) begin() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempt++
	t.state = StateRunning
	return t.attempt
}

func (t *task) setState(st State) {
	t.mu.Lock()
	t.state = st
	t.mu.Unlock()
}

func (t *task) complete(st State, err error) Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = st
	t.err = err
	t.finishedAt = time.Now()
	return t.resultLocked()
}

func (t *task) resultLocked() Result {
	return Result{
		ID:       t.id,
		Name:     t.name,
		Kind:     t.kind,
		State:    t.state,
		Attempts: t.attempt,
		Err:      t.err,
	}
}

func (t *task) snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := Snapshot{
		ID:          t.id,
		Name:        t.name,
		Kind:        t.kind,
		State:       t.state,
		Attempt:     t.attempt,
		Deadline:    t.deadline,
		SubmittedAt: t.submittedAt,
		FinishedAt:  t.finishedAt,
	}
	if t.err != nil {
		snap.Error = errs.Kind(t.err)
	}
	return snap
}

// -----------------------------------------------------------------------------
// Handle
// -----------------------------------------------------------------------------

// Handle refers to one submitted task.
type Handle struct {
	s *Supervisor
	t *task
}

// ID returns the task id, which is also its lock holder identity.
func (h *Handle) ID() string { return h.t.id }

// Done is closed once the task is terminal.
func (h *Handle) Done() <-chan struct{} { return h.t.done }

// Wait blocks until the task is terminal or ctx ends.
//
// The returned error is the task's terminal error (nil when Completed), or
// ctx's error if ctx ended first, in which case Result is zero.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.t.done:
		h.t.mu.Lock()
		res := h.t.resultLocked()
		h.t.mu.Unlock()
		return res, res.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Snapshot returns the task's current view.
func (h *Handle) Snapshot() Snapshot { return h.t.snapshot() }

// Cancel requests cooperative cancellation.
func (h *Handle) Cancel() { h.t.cancel(ErrCancelled) }
