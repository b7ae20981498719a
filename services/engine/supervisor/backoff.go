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
	"sort"
	"sync"
	"time"
)

// BackoffState is the retry state of one operation.
type BackoffState struct {
	Operation string        `json:"operation"`
	Delay     time.Duration `json:"delay"`
	Failures  int           `json:"failures"`
}

// Backoff tracks per-operation exponential backoff.
//
// After f consecutive failures the delay is min(floor × 2^f, ceiling). One
// success resets the operation to floor. All retry delays in the engine,
// including the chat bridge's, come from here.
//
// Thread Safety: Safe for concurrent use.
type Backoff struct {
	floor    time.Duration
	ceiling  time.Duration
	observer Observer

	mu     sync.Mutex
	states map[string]*BackoffState
}

// NewBackoff creates a Backoff. A nil observer is allowed.
func NewBackoff(floor, ceiling time.Duration, observer Observer) *Backoff {
	if ceiling < floor {
		ceiling = floor
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &Backoff{
		floor:    floor,
		ceiling:  ceiling,
		observer: observer,
		states:   make(map[string]*BackoffState),
	}
}

// Failure records a failure of op and returns the delay to wait before the
// next attempt.
func (b *Backoff) Failure(op string) time.Duration {
	b.mu.Lock()
	st := b.stateLocked(op)
	st.Failures++
	st.Delay = b.delay(st.Failures)
	d := st.Delay
	b.mu.Unlock()

	b.observer.BackoffChanged(op, d)
	return d
}

// Success resets op to the floor delay. An operation that has never failed
// is left untracked.
func (b *Backoff) Success(op string) {
	b.mu.Lock()
	st, ok := b.states[op]
	if !ok || (st.Failures == 0 && st.Delay == b.floor) {
		b.mu.Unlock()
		return
	}
	st.Failures = 0
	st.Delay = b.floor
	b.mu.Unlock()

	b.observer.BackoffChanged(op, b.floor)
}

// Delay returns the current delay for op: floor if op has never failed.
func (b *Backoff) Delay(op string) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.states[op]; ok {
		return st.Delay
	}
	return b.floor
}

// State returns a copy of op's state.
func (b *Backoff) State(op string) BackoffState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.states[op]; ok {
		return *st
	}
	return BackoffState{Operation: op, Delay: b.floor}
}

// States returns every tracked operation, sorted by name.
func (b *Backoff) States() []BackoffState {
	b.mu.Lock()
	out := make([]BackoffState, 0, len(b.states))
	for _, st := range b.states {
		out = append(out, *st)
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Operation < out[j].Operation })
	return out
}

// Forget drops op's state.
func (b *Backoff) Forget(op string) {
	b.mu.Lock()
	_, ok := b.states[op]
	delete(b.states, op)
	b.mu.Unlock()

	if ok {
		b.observer.BackoffForgotten(op)
	}
}

// Sleep records a failure of op and waits out the resulting delay. Returns
// ctx's error if it ends first. Backoff sleeps are suspension points.
func (b *Backoff) Sleep(ctx context.Context, op string) error {
	return sleep(ctx, b.Failure(op))
}

func (b *Backoff) stateLocked(op string) *BackoffState {
	st, ok := b.states[op]
	if !ok {
		st = &BackoffState{Operation: op, Delay: b.floor}
		b.states[op] = st
	}
	return st
}

func (b *Backoff) delay(failures int) time.Duration {
	d := b.floor
	for i := 0; i < failures; i++ {
		if d > b.ceiling-d {
			return b.ceiling
		}
		d *= 2
	}
	if d > b.ceiling {
		return b.ceiling
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
