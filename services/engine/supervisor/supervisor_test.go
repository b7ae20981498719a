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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/AleutianAI/ProEngine/services/engine/errs"
	"github.com/AleutianAI/ProEngine/services/engine/lock"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingObserver struct {
	mu        sync.Mutex
	terminal  map[string]int
	retries   int
	stuck     int
	backoff   map[string]time.Duration
	forgotten []string
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{terminal: make(map[string]int), backoff: make(map[string]time.Duration)}
}

func (o *recordingObserver) TaskTerminal(_, _, state string) {
	o.mu.Lock()
	o.terminal[state]++
	o.mu.Unlock()
}

func (o *recordingObserver) TaskRetry(string) {
	o.mu.Lock()
	o.retries++
	o.mu.Unlock()
}

func (o *recordingObserver) TaskStuck(string) {
	o.mu.Lock()
	o.stuck++
	o.mu.Unlock()
}

func (o *recordingObserver) BackoffChanged(op string, d time.Duration) {
	o.mu.Lock()
	o.backoff[op] = d
	o.mu.Unlock()
}

func (o *recordingObserver) BackoffForgotten(op string) {
	o.mu.Lock()
	delete(o.backoff, op)
	o.forgotten = append(o.forgotten, op)
	o.mu.Unlock()
}

func (o *recordingObserver) count(state string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.terminal[state]
}

func newTestSupervisor(t *testing.T, cfg Config, opts ...Option) (*Supervisor, *lock.Manager) {
	t.Helper()
	locks := lock.NewManager()
	s := New(cfg, locks, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, s.Shutdown(ctx))
	})
	return s, locks
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// =============================================================================
// Backoff
// =============================================================================

func TestBackoff(t *testing.T) {
	b := NewBackoff(time.Second, 30*time.Second, nil)

	assert.Equal(t, time.Second, b.Delay("poll"), "never failed is floor")

	want := []time.Duration{2, 4, 8, 16, 30, 30, 30, 30, 30, 30}
	for i, w := range want {
		assert.Equal(t, w*time.Second, b.Failure("poll"), "failure %d", i+1)
	}
	st := b.State("poll")
	assert.Equal(t, 10, st.Failures)
	assert.Equal(t, 30*time.Second, st.Delay, "ten failures never exceed the ceiling")

	b.Success("poll")
	assert.Equal(t, time.Second, b.Delay("poll"))
	assert.Equal(t, 0, b.State("poll").Failures)

	assert.Equal(t, time.Second, b.Delay("other"), "operations are independent")

	t.Run("many failures do not overflow", func(t *testing.T) {
		for range 200 {
			b.Failure("storm")
		}
		assert.Equal(t, 30*time.Second, b.Delay("storm"))
	})

	t.Run("ceiling below floor", func(t *testing.T) {
		b := NewBackoff(time.Second, time.Millisecond, nil)
		assert.Equal(t, time.Second, b.Failure("x"))
	})

	t.Run("sleep observes ctx", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, b.Sleep(ctx, "poll"), context.Canceled)
	})

	t.Run("states sorted", func(t *testing.T) {
		names := []string{}
		for _, st := range b.States() {
			names = append(names, st.Operation)
		}
		assert.IsIncreasing(t, names)
	})
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestSupervisor_Completes(t *testing.T) {
	obs := newRecordingObserver()
	s, _ := newTestSupervisor(t, Config{}, WithObserver(obs))

	var holder string
	var attempt int
	h, err := s.Submit(KindForeground, "respond", func(ctx context.Context) error {
		holder, _ = lock.HolderFrom(ctx)
		attempt = AttemptFrom(ctx)
		return nil
	}, time.Time{})
	require.NoError(t, err)

	res, err := h.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, h.ID(), holder, "task id is the lock holder")
	assert.Equal(t, 1, attempt)
	assert.Equal(t, 1, obs.count("completed"))

	snap, ok := s.Get(h.ID())
	require.True(t, ok)
	assert.Equal(t, StateCompleted, snap.State)
	assert.False(t, snap.FinishedAt.IsZero())
}

func TestSupervisor_Validation(t *testing.T) {
	s, _ := newTestSupervisor(t, Config{})
	noop := func(context.Context) error { return nil }

	_, err := s.Submit(KindForeground, "", noop, time.Time{})
	assert.ErrorIs(t, err, errs.ErrValidation)
	_, err = s.Submit(KindForeground, "x", nil, time.Time{})
	assert.ErrorIs(t, err, errs.ErrValidation)
	_, err = s.Submit(Kind(9), "x", noop, time.Time{})
	assert.ErrorIs(t, err, errs.ErrValidation)
	assert.ErrorIs(t, s.Cancel("nope"), ErrUnknownTask)
}

func TestSupervisor_RetriesTransient(t *testing.T) {
	obs := newRecordingObserver()
	s, _ := newTestSupervisor(t, Config{
		BackoffFloor:   5 * time.Millisecond,
		BackoffCeiling: 20 * time.Millisecond,
	}, WithObserver(obs))

	var calls atomic.Int32
	res, err := s.Run(waitCtx(t), KindBackground, "tune", func(ctx context.Context) error {
		if calls.Add(1) < 3 {
			return errs.Transient("read dataset", errors.New("disk busy"))
		}
		return nil
	}, time.Time{})

	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, 3, res.Attempts)
	obs.mu.Lock()
	assert.Equal(t, 2, obs.retries)
	obs.mu.Unlock()
}

func TestSupervisor_BackoffIsPerOperation(t *testing.T) {
	obs := newRecordingObserver()
	s, _ := newTestSupervisor(t, Config{
		BackoffFloor:   time.Millisecond,
		BackoffCeiling: 4 * time.Millisecond,
	}, WithObserver(obs))

	for range 20 {
		var calls atomic.Int32
		res, err := s.Run(waitCtx(t), KindBackground, "ingest", func(ctx context.Context) error {
			if calls.Add(1) == 1 {
				return errs.Transient("ingest", errors.New("disk busy"))
			}
			return nil
		}, time.Time{})
		require.NoError(t, err)
		require.Equal(t, 2, res.Attempts)
	}

	obs.mu.Lock()
	assert.Len(t, obs.backoff, 1, "task ids never become backoff keys")
	assert.Contains(t, obs.backoff, "ingest")
	obs.mu.Unlock()
	assert.Equal(t, 0, s.Backoff().State("ingest").Failures, "success resets the operation")

	t.Run("failures accumulate across submissions", func(t *testing.T) {
		for range 2 {
			res, err := s.Run(waitCtx(t), KindBackground, "train", func(ctx context.Context) error {
				return errs.Transient("train", errors.New("disk busy"))
			}, time.Time{}, WithMaxAttempts(2))
			require.Error(t, err)
			require.Equal(t, StateFailed, res.State)
		}
		st := s.Backoff().State("train")
		assert.Equal(t, 2, st.Failures)
		assert.Equal(t, 4*time.Millisecond, st.Delay)
	})
}

func TestSupervisor_MaxAttempts(t *testing.T) {
	s, _ := newTestSupervisor(t, Config{
		MaxAttempts:    3,
		BackoffFloor:   time.Millisecond,
		BackoffCeiling: 2 * time.Millisecond,
	})

	var calls atomic.Int32
	res, err := s.Run(waitCtx(t), KindBackground, "poll", func(ctx context.Context) error {
		calls.Add(1)
		return errs.Transient("poll", errors.New("connection reset"))
	}, time.Time{})

	assert.ErrorIs(t, err, errs.ErrTransientIO)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, 3, res.Attempts)
	assert.EqualValues(t, 3, calls.Load())
}

func TestSupervisor_NonRetryableFailsOnce(t *testing.T) {
	s, _ := newTestSupervisor(t, Config{BackoffFloor: time.Millisecond})

	var calls atomic.Int32
	res, err := s.Run(waitCtx(t), KindForeground, "respond", func(ctx context.Context) error {
		calls.Add(1)
		return &errs.LockTimeoutError{Resource: "store:k", Waited: time.Second}
	}, time.Time{})

	assert.ErrorIs(t, err, errs.ErrLockTimeout)
	assert.Equal(t, StateFailed, res.State)
	assert.EqualValues(t, 1, calls.Load())
}

func TestSupervisor_RetryNeedsTimeBeforeDeadline(t *testing.T) {
	s, _ := newTestSupervisor(t, Config{BackoffFloor: time.Second, BackoffCeiling: time.Second})

	res, err := s.Run(waitCtx(t), KindBackground, "poll", func(ctx context.Context) error {
		return errs.Transient("poll", errors.New("timeout"))
	}, time.Now().Add(200*time.Millisecond))

	assert.ErrorIs(t, err, errs.ErrTransientIO)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, 1, res.Attempts)
}

func TestSupervisor_Deadline(t *testing.T) {
	s, _ := newTestSupervisor(t, Config{})

	res, err := s.Run(waitCtx(t), KindBackground, "tune", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, time.Now().Add(20*time.Millisecond))

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateFailed, res.State, "deadline is a failure, not a cancellation")
	assert.Equal(t, 1, res.Attempts)
}

func TestSupervisor_Cancel(t *testing.T) {
	s, locks := newTestSupervisor(t, Config{})

	started := make(chan struct{})
	h, err := s.Submit(KindForeground, "respond", func(ctx context.Context) error {
		lh, err := locks.AcquireFor(ctx, "store:k", time.Second)
		if err != nil {
			return err
		}
		defer lh.Release()
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, time.Time{})
	require.NoError(t, err)

	<-started
	require.NoError(t, s.Cancel(h.ID()))

	res, err := h.Wait(waitCtx(t))
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, StateCancelled, res.State)
	assert.Zero(t, locks.Held())
}

func TestSupervisor_StuckTask(t *testing.T) {
	obs := newRecordingObserver()
	s, locks := newTestSupervisor(t, Config{GracePeriod: 30 * time.Millisecond}, WithObserver(obs))

	release := make(chan struct{})
	defer close(release)

	acquired := make(chan struct{})
	h, err := s.Submit(KindBackground, "tune", func(ctx context.Context) error {
		lh, err := locks.AcquireFor(ctx, "embedding-table", time.Second)
		if err != nil {
			return err
		}
		close(acquired)
		<-release // ignores ctx
		return lh.Release()
	}, time.Now().Add(20*time.Millisecond))
	require.NoError(t, err)
	<-acquired

	res, err := h.Wait(waitCtx(t))
	require.Error(t, err)
	assert.Equal(t, StateFailed, res.State)

	var stuck *errs.StuckTaskError
	require.ErrorAs(t, err, &stuck)
	assert.Equal(t, h.ID(), stuck.TaskID)
	assert.Equal(t, []string{"embedding-table"}, stuck.ReleasedLocks)
	assert.Zero(t, locks.Held(), "stuck task's locks are force-released")

	obs.mu.Lock()
	assert.Equal(t, 1, obs.stuck)
	obs.mu.Unlock()

	// Another task can take the resource straight away.
	other, err := locks.Acquire(context.Background(), "embedding-table", "other", time.Second)
	require.NoError(t, err)
	require.NoError(t, other.Release())
}

func TestSupervisor_ResidualLocksSwept(t *testing.T) {
	s, locks := newTestSupervisor(t, Config{})

	res, err := s.Run(waitCtx(t), KindForeground, "leaky", func(ctx context.Context) error {
		_, err := locks.AcquireFor(ctx, "store:k", time.Second)
		return err
	}, time.Time{})

	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
	assert.Zero(t, locks.Held())
}

func TestSupervisor_Panic(t *testing.T) {
	s, _ := newTestSupervisor(t, Config{})

	res, err := s.Run(waitCtx(t), KindForeground, "boom", func(ctx context.Context) error {
		panic("boom")
	}, time.Time{})

	assert.ErrorContains(t, err, "panicked")
	assert.Equal(t, StateFailed, res.State)
}

func TestSupervisor_IOPoolIsSingleScheduler(t *testing.T) {
	s, _ := newTestSupervisor(t, Config{IOWorkers: 1})

	var running, peak atomic.Int32
	work := func(ctx context.Context) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		return nil
	}

	var handles []*Handle
	for range 4 {
		h, err := s.Submit(KindBackground, "ingest", work, time.Time{})
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for _, h := range handles {
		_, err := h.Wait(waitCtx(t))
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, peak.Load())
}

func TestSupervisor_WithParent(t *testing.T) {
	s, _ := newTestSupervisor(t, Config{})

	parent, cancel := context.WithCancelCause(context.Background())
	started := make(chan struct{})
	h, err := s.Submit(KindForeground, "forecast", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, time.Time{}, WithParent(parent), WithPool(PoolCPU))
	require.NoError(t, err)

	<-started
	cause := errors.New("respond gave up")
	cancel(cause)

	res, err := h.Wait(waitCtx(t))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, StateCancelled, res.State)
}

func TestSupervisor_OnTerminalAndRetention(t *testing.T) {
	s, _ := newTestSupervisor(t, Config{Retain: 2})

	var mu sync.Mutex
	var seen []string
	s.OnTerminal(func(r Result) {
		mu.Lock()
		seen = append(seen, r.ID)
		mu.Unlock()
	})

	var ids []string
	for range 3 {
		res, err := s.Run(waitCtx(t), KindBackground, "tick", func(context.Context) error { return nil }, time.Time{})
		require.NoError(t, err)
		ids = append(ids, res.ID)
	}

	mu.Lock()
	assert.Equal(t, ids, seen)
	mu.Unlock()

	_, ok := s.Get(ids[0])
	assert.False(t, ok, "oldest finished task aged out")
	_, ok = s.Get(ids[2])
	assert.True(t, ok)
	assert.Len(t, s.List(), 2)
}

func TestSupervisor_Shutdown(t *testing.T) {
	locks := lock.NewManager()
	s := New(Config{}, locks)

	started := make(chan struct{})
	h, err := s.Submit(KindBackground, "watch", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, time.Time{})
	require.NoError(t, err)
	<-started

	require.NoError(t, s.Shutdown(waitCtx(t)))

	res, err := h.Wait(waitCtx(t))
	assert.ErrorIs(t, err, ErrShutdown)
	assert.Equal(t, StateCancelled, res.State)

	_, err = s.Submit(KindForeground, "late", func(context.Context) error { return nil }, time.Time{})
	assert.ErrorIs(t, err, ErrShutdown)
	assert.NoError(t, s.Shutdown(waitCtx(t)), "idempotent")
}
