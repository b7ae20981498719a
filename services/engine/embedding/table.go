// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package embedding holds the shared token vector table.
//
// # Description
//
// The table is the one piece of shared mutable state guarded by the resource
// lock. Writers must present a *lock.Handle for ResourceID; readers never
// lock and always see a complete snapshot, either before or after a write.
//
// # Thread Safety
//
// Safe for concurrent use.
package embedding

import (
	"errors"
	"fmt"
	"hash/fnv"
	"maps"
	"math"
	"sync"
	"sync/atomic"

	"github.com/AleutianAI/ProEngine/services/engine/lock"
)

// ResourceID is the lock resource guarding the table and everything trained
// alongside it.
const ResourceID = "embedding-table"

// Dims is the vector width produced by Encode.
const Dims = 64

// ErrNotHeld is returned when a write is attempted without a valid handle
// for ResourceID.
var ErrNotHeld = errors.New("embedding table lock not held")

type snapshot struct {
	version uint64
	vectors map[string][]float32
}

// Table is a copy-on-write token → vector map.
type Table struct {
	locks   *lock.Manager
	current atomic.Pointer[snapshot]

	// writeMu orders writers that hold valid handles across a forced
	// release and re-grant.
	writeMu sync.Mutex
}

// NewTable creates an empty table guarded by locks.
func NewTable(locks *lock.Manager) *Table {
	t := &Table{locks: locks}
	t.current.Store(&snapshot{vectors: map[string][]float32{}})
	return t
}

// Write applies updates as one atomic publication.
//
// # Inputs
//
//   - h: Handle for ResourceID held by the caller. Acquire it once and pass it
//     down; never acquire again while holding it.
//   - updates: token → vector. A nil vector deletes the token.
//
// # Outputs
//
//   - uint64: The new table version.
//   - error: ErrNotHeld if h is nil, for another resource, or no longer valid.
func (t *Table) Write(h *lock.Handle, updates map[string][]float32) (uint64, error) {
	if err := t.checkHandle(h); err != nil {
		return 0, err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	prev := t.current.Load()
	next := &snapshot{
		version: prev.version + 1,
		vectors: maps.Clone(prev.vectors),
	}
	for token, vec := range updates {
		if vec == nil {
			delete(next.vectors, token)
			continue
		}
		next.vectors[token] = append([]float32(nil), vec...)
	}
	t.current.Store(next)
	return next.version, nil
}

// Lookup returns the vector for token.
func (t *Table) Lookup(token string) ([]float32, bool) {
	v, ok := t.current.Load().vectors[token]
	return v, ok
}

// Snapshot returns a read-only view of the table and its version. The map
// must not be modified.
func (t *Table) Snapshot() (map[string][]float32, uint64) {
	s := t.current.Load()
	return s.vectors, s.version
}

// Embed composes tokens into one vector from the current snapshot. See
// Compose. The version identifies the snapshot used.
func (t *Table) Embed(tokens []string) ([]float32, uint64) {
	s := t.current.Load()
	return Compose(s.vectors, tokens), s.version
}

// Len returns the number of tokens.
func (t *Table) Len() int { return len(t.current.Load().vectors) }

// Version returns the number of writes applied.
func (t *Table) Version() uint64 { return t.current.Load().version }

// CheckHandle reports whether h authorizes a guarded write. Collaborators
// that keep state under ResourceID (the model) use it too.
func (t *Table) CheckHandle(h *lock.Handle) error {
	return t.checkHandle(h)
}

func (t *Table) checkHandle(h *lock.Handle) error {
	if h == nil {
		return fmt.Errorf("%w: no handle", ErrNotHeld)
	}
	if h.Resource() != ResourceID {
		return fmt.Errorf("%w: handle is for %q", ErrNotHeld, h.Resource())
	}
	if !t.locks.Valid(h) {
		return fmt.Errorf("%w: handle held by %s is no longer valid", ErrNotHeld, h.Holder())
	}
	return nil
}

// Compose sums the vectors of tokens found in vectors and L2-normalizes the
// result. Tokens without a vector are skipped, so only learned vocabulary
// contributes; no known token gives the zero vector.
func Compose(vectors map[string][]float32, tokens []string) []float32 {
	vec := make([]float32, Dims)
	for _, tok := range tokens {
		v, ok := vectors[tok]
		if !ok {
			continue
		}
		for i := 0; i < len(v) && i < Dims; i++ {
			vec[i] += v[i]
		}
	}
	normalize(vec)
	return vec
}

// Encode maps tokens to a deterministic, L2-normalized Dims-wide vector by
// hashing each token into a bucket. Empty input gives the zero vector.
func Encode(tokens []string) []float32 {
	vec := make([]float32, Dims)
	for _, tok := range tokens {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum32()
		sign := float32(1)
		if sum&(1<<31) != 0 {
			sign = -1
		}
		vec[sum%Dims] += sign
	}
	normalize(vec)
	return vec
}

func normalize(vec []float32) {
	var norm float64
	for _, x := range vec {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
}
