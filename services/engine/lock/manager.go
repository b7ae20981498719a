// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lock provides the engine's non-reentrant, keyed resource lock.
//
// # Description
//
// A Manager grants exclusive ownership of a resource id to one holder at a
// time. Waiters are served strictly first-come-first-served. A holder that
// asks for a resource it already owns is rejected immediately with
// errs.ReentrantLockViolation instead of deadlocking on itself.
//
// Ownership is represented by a *Handle. Code that needs a guarded resource
// while already holding it must receive the handle from its caller instead of
// acquiring again; guarded operations (see embedding.Table.Write) accept only
// a valid handle.
//
// # Thread Safety
//
// All Manager and Handle methods are safe for concurrent use.
package lock

import (
	"container/list"
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/ProEngine/services/engine/errs"
)

// Observer receives lock wait outcomes. Implemented by telemetry.Metrics.
type Observer interface {
	// ObserveLockWait is called once per acquisition attempt.
	// outcome is one of "granted", "timeout", "canceled", "reentrant", "aborted".
	ObserveLockWait(resource string, waited time.Duration, outcome string)
}

// Manager is a keyed lock table.
//
// # Thread Safety
//
// All public methods are safe for concurrent use from multiple goroutines.
type Manager struct {
	mu         sync.Mutex
	resources  map[string]*resourceState
	generation uint64

	logger   *slog.Logger
	observer Observer
}

type resourceState struct {
	holder     string
	generation uint64
	acquiredAt time.Time
	waiters    *list.List // *waiter, front is next to be granted
}

type waiter struct {
	holder     string
	ready      chan struct{}
	granted    bool
	aborted    bool
	generation uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithObserver sets the wait-outcome observer.
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		m.observer = o
	}
}

// NewManager creates an empty lock table.
//
// # Outputs
//
//   - *Manager: Ready-to-use manager. Never nil.
//
// # Example
//
//	locks := lock.NewManager(lock.WithLogger(logger))
//	h, err := locks.Acquire(ctx, "embedding-table", taskID, 2*time.Second)
//	if err != nil {
//	    return err
//	}
//	defer h.Release()
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		resources: make(map[string]*resourceState),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(slog.String("component", "lock_manager"))
	return m
}

// Acquire obtains exclusive ownership of resource for holder.
//
// # Description
//
// Grants immediately when the resource is free and nobody is queued.
// Otherwise the caller joins the FIFO wait queue until granted, until
// timeout elapses, or until ctx is done. A timeout <= 0 means "do not wait".
//
// # Inputs
//
//   - ctx: Cancellation. Waiting is a suspension point.
//   - resource: Resource identity. Must not be empty.
//   - holder: Owner identity, typically a task id. Must not be empty.
//   - timeout: Maximum wait.
//
// # Outputs
//
//   - *Handle: Proof of ownership. Release it exactly once.
//   - error: *errs.ReentrantLockViolation if holder already owns resource,
//     *errs.LockTimeoutError on timeout, ctx.Err() on cancellation,
//     ErrForceReleased if the holder was force-released while waiting.
func (m *Manager) Acquire(ctx context.Context, resource, holder string, timeout time.Duration) (*Handle, error) {
	if resource == "" {
		return nil, errs.Invalid("resource", "must not be empty")
	}
	if holder == "" {
		return nil, errs.Invalid("holder", "must not be empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()

	m.mu.Lock()
	st := m.stateLocked(resource)

	if st.holder == holder || st.hasWaiter(holder) {
		m.cleanupLocked(resource, st)
		m.mu.Unlock()
		m.observe(resource, 0, "reentrant")
		m.logger.Error("reentrant lock acquisition rejected",
			slog.String("resource", resource),
			slog.String("holder", holder))
		return nil, &errs.ReentrantLockViolation{Resource: resource, Holder: holder}
	}

	if st.holder == "" && st.waiters.Len() == 0 {
		h := m.grantLocked(st, resource, holder, start)
		m.mu.Unlock()
		m.observe(resource, 0, "granted")
		return h, nil
	}

	if timeout <= 0 {
		owner := st.holder
		m.mu.Unlock()
		m.observe(resource, 0, "timeout")
		return nil, &errs.LockTimeoutError{Resource: resource, Holder: holder, Owner: owner}
	}

	w := &waiter{holder: holder, ready: make(chan struct{})}
	elem := st.waiters.PushBack(w)
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var ctxErr error
	select {
	case <-w.ready:
	case <-timer.C:
	case <-ctx.Done():
		ctxErr = ctx.Err()
	}

	waited := time.Since(start)

	m.mu.Lock()
	switch {
	case w.granted && ctxErr != nil:
		// Granted concurrently with cancellation. Cancellation wins; hand the
		// resource to the next waiter.
		m.handoffLocked(resource, st)
		m.mu.Unlock()
		m.observe(resource, waited, "canceled")
		return nil, ctxErr

	case w.granted:
		h := &Handle{
			m:          m,
			resource:   resource,
			holder:     holder,
			generation: w.generation,
			acquiredAt: st.acquiredAt,
		}
		m.mu.Unlock()
		m.observe(resource, waited, "granted")
		return h, nil

	case w.aborted:
		m.mu.Unlock()
		m.observe(resource, waited, "aborted")
		return nil, ErrForceReleased
	}

	st.waiters.Remove(elem)
	owner := st.holder
	m.cleanupLocked(resource, st)
	m.mu.Unlock()

	if ctxErr != nil {
		m.observe(resource, waited, "canceled")
		return nil, ctxErr
	}

	m.observe(resource, waited, "timeout")
	m.logger.Warn("lock wait timed out",
		slog.String("resource", resource),
		slog.String("holder", holder),
		slog.String("owner", owner),
		slog.Duration("waited", waited))
	return nil, &errs.LockTimeoutError{Resource: resource, Holder: holder, Owner: owner, Waited: waited}
}

// AcquireFor is Acquire with the holder taken from ctx (see WithHolder).
//
// # Outputs
//
//   - error: ErrNoHolder wrapped in a ValidationError if ctx has no holder,
//     otherwise as Acquire.
func (m *Manager) AcquireFor(ctx context.Context, resource string, timeout time.Duration) (*Handle, error) {
	holder, ok := HolderFrom(ctx)
	if !ok {
		return nil, &errs.ValidationError{Field: "holder", Reason: "context carries no holder", Err: ErrNoHolder}
	}
	return m.Acquire(ctx, resource, holder, timeout)
}

// Release releases resource if holder is its current owner.
//
// # Outputs
//
//   - error: *NotHolderError if holder does not own resource. The lock
//     table is left unchanged in that case.
func (m *Manager) Release(resource, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.resources[resource]
	if !ok || st.holder != holder {
		owner := ""
		if ok {
			owner = st.holder
		}
		return &NotHolderError{Resource: resource, Caller: holder, Owner: owner}
	}
	m.handoffLocked(resource, st)
	return nil
}

// ForceReleaseHolder releases every resource held by holder and aborts its
// pending waits.
//
// # Description
//
// Used by the supervisor when a task ignores cancellation past its deadline,
// and after every attempt to sweep locks a task forgot to release. Sub-holders
// named "<holder>/..." belong to holder and are released too. Handles
// previously issued to them become invalid.
//
// # Outputs
//
//   - []string: Resources that were released, sorted.
func (m *Manager) ForceReleaseHolder(holder string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var released []string
	for resource, st := range m.resources {
		for e := st.waiters.Front(); e != nil; {
			next := e.Next()
			if w := e.Value.(*waiter); owns(holder, w.holder) {
				st.waiters.Remove(e)
				w.aborted = true
				close(w.ready)
			}
			e = next
		}
		if st.holder != "" && owns(holder, st.holder) {
			released = append(released, resource)
			m.handoffLocked(resource, st)
			continue
		}
		m.cleanupLocked(resource, st)
	}
	sort.Strings(released)
	return released
}

// Holder returns the current owner of resource.
func (m *Manager) Holder(resource string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.resources[resource]
	if !ok || st.holder == "" {
		return "", false
	}
	return st.holder, true
}

// HeldBy returns the resources currently owned by holder or its
// sub-holders, sorted.
func (m *Manager) HeldBy(holder string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for resource, st := range m.resources {
		if st.holder != "" && owns(holder, st.holder) {
			out = append(out, resource)
		}
	}
	sort.Strings(out)
	return out
}

// Held returns the number of resources currently owned by anyone.
func (m *Manager) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, st := range m.resources {
		if st.holder != "" {
			n++
		}
	}
	return n
}

// Waiting returns the number of queued waiters for resource.
func (m *Manager) Waiting(resource string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.resources[resource]; ok {
		return st.waiters.Len()
	}
	return 0
}

// Valid reports whether h still represents current ownership.
func (m *Manager) Valid(h *Handle) bool {
	if h == nil || h.m != m || h.released.Load() {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.resources[h.resource]
	return ok && st.holder == h.holder && st.generation == h.generation
}

// -----------------------------------------------------------------------------
// internal, m.mu must be held
// -----------------------------------------------------------------------------

func (m *Manager) stateLocked(resource string) *resourceState {
	st, ok := m.resources[resource]
	if !ok {
		st = &resourceState{waiters: list.New()}
		m.resources[resource] = st
	}
	return st
}

func (m *Manager) grantLocked(st *resourceState, resource, holder string, at time.Time) *Handle {
	m.generation++
	st.holder = holder
	st.generation = m.generation
	st.acquiredAt = at
	return &Handle{
		m:          m,
		resource:   resource,
		holder:     holder,
		generation: st.generation,
		acquiredAt: at,
	}
}

// handoffLocked frees resource and grants it to the oldest waiter, if any.
func (m *Manager) handoffLocked(resource string, st *resourceState) {
	st.holder = ""
	if front := st.waiters.Front(); front != nil {
		w := st.waiters.Remove(front).(*waiter)
		m.generation++
		st.holder = w.holder
		st.generation = m.generation
		st.acquiredAt = time.Now()
		w.granted = true
		w.generation = m.generation
		close(w.ready)
		return
	}
	delete(m.resources, resource)
}

func (m *Manager) cleanupLocked(resource string, st *resourceState) {
	if st.holder == "" && st.waiters.Len() == 0 {
		delete(m.resources, resource)
	}
}

// owns reports whether candidate is holder or one of its sub-holders.
func owns(holder, candidate string) bool {
	return candidate == holder || strings.HasPrefix(candidate, holder+"/")
}

func (st *resourceState) hasWaiter(holder string) bool {
	for e := st.waiters.Front(); e != nil; e = e.Next() {
		if e.Value.(*waiter).holder == holder {
			return true
		}
	}
	return false
}

func (m *Manager) observe(resource string, waited time.Duration, outcome string) {
	if m.observer != nil {
		m.observer.ObserveLockWait(resource, waited, outcome)
	}
}

// =============================================================================
// Handle
// =============================================================================

// Handle is proof that a holder owns a resource.
//
// # Description
//
// A handle is the only way to perform a guarded operation. Pass it down the
// call chain instead of acquiring the same resource again.
//
// # Thread Safety
//
// Safe for concurrent use; Release takes effect once.
type Handle struct {
	m          *Manager
	resource   string
	holder     string
	generation uint64
	acquiredAt time.Time
	released   atomic.Bool
}

// Resource returns the resource id this handle owns.
func (h *Handle) Resource() string { return h.resource }

// Holder returns the owner identity.
func (h *Handle) Holder() string { return h.holder }

// AcquiredAt returns when ownership was granted.
func (h *Handle) AcquiredAt() time.Time { return h.acquiredAt }

// Valid reports whether the handle still represents current ownership. A
// handle becomes invalid after Release or a forced release.
func (h *Handle) Valid() bool {
	return h.m.Valid(h)
}

// Release gives up ownership.
//
// # Outputs
//
//   - error: *NotHolderError if the handle was already released or its
//     ownership was revoked by ForceReleaseHolder.
func (h *Handle) Release() error {
	if h.released.Swap(true) {
		return &NotHolderError{Resource: h.resource, Caller: h.holder}
	}

	h.m.mu.Lock()
	defer h.m.mu.Unlock()

	st, ok := h.m.resources[h.resource]
	if !ok || st.holder != h.holder || st.generation != h.generation {
		owner := ""
		if ok {
			owner = st.holder
		}
		return &NotHolderError{Resource: h.resource, Caller: h.holder, Owner: owner}
	}
	h.m.handoffLocked(h.resource, st)
	return nil
}
