// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package embedding

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/ProEngine/services/engine/lock"
)

func TestTable_WriteRequiresHandle(t *testing.T) {
	locks := lock.NewManager()
	table := NewTable(locks)
	ctx := context.Background()

	_, err := table.Write(nil, map[string][]float32{"a": {1}})
	assert.ErrorIs(t, err, ErrNotHeld)

	other, err := locks.Acquire(ctx, "something-else", "task", time.Second)
	require.NoError(t, err)
	_, err = table.Write(other, map[string][]float32{"a": {1}})
	assert.ErrorIs(t, err, ErrNotHeld)
	require.NoError(t, other.Release())

	h, err := locks.Acquire(ctx, ResourceID, "task", time.Second)
	require.NoError(t, err)
	v, err := table.Write(h, map[string][]float32{"a": {1}, "b": {2}})
	require.NoError(t, err)
	assert.EqualValues(t, 1, v)
	require.NoError(t, h.Release())

	_, err = table.Write(h, map[string][]float32{"c": {3}})
	assert.ErrorIs(t, err, ErrNotHeld, "released handle must not authorize writes")

	got, ok := table.Lookup("b")
	require.True(t, ok)
	assert.Equal(t, []float32{2}, got)
	assert.Equal(t, 2, table.Len())
}

func TestTable_ForcedReleaseInvalidatesHandle(t *testing.T) {
	locks := lock.NewManager()
	table := NewTable(locks)
	h, err := locks.Acquire(context.Background(), ResourceID, "stuck", time.Second)
	require.NoError(t, err)

	locks.ForceReleaseHolder("stuck")
	_, err = table.Write(h, map[string][]float32{"x": {1}})
	assert.ErrorIs(t, err, ErrNotHeld)
}

func TestTable_ReadersSeeWholeWrites(t *testing.T) {
	locks := lock.NewManager()
	table := NewTable(locks)
	ctx := context.Background()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			snap, _ := table.Snapshot()
			a, okA := snap["a"]
			b, okB := snap["b"]
			if okA != okB || (okA && a[0] != b[0]) {
				t.Errorf("torn read: a=%v b=%v", a, b)
				return
			}
		}
	}()

	for i := 0; i < 200; i++ {
		h, err := locks.Acquire(ctx, ResourceID, "writer", time.Second)
		require.NoError(t, err)
		_, err = table.Write(h, map[string][]float32{"a": {float32(i)}, "b": {float32(i)}})
		require.NoError(t, err)
		require.NoError(t, h.Release())
	}
	close(stop)
	wg.Wait()
	assert.EqualValues(t, 200, table.Version())
}

func TestEncode(t *testing.T) {
	a := Encode([]string{"hello", "world"})
	b := Encode([]string{"hello", "world"})
	assert.Equal(t, a, b, "deterministic")
	assert.Len(t, a, Dims)

	var norm float64
	for _, x := range a {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)

	zero := Encode(nil)
	for _, x := range zero {
		assert.Zero(t, x)
	}
}

func TestTable_EmbedFollowsWrites(t *testing.T) {
	locks := lock.NewManager()
	table := NewTable(locks)

	before, v0 := table.Embed([]string{"cat", "sat"})
	assert.Zero(t, v0)
	assert.Equal(t, make([]float32, Dims), before, "unknown tokens contribute nothing")
	old, _ := table.Snapshot()

	h, err := locks.Acquire(context.Background(), ResourceID, "trainer", time.Second)
	require.NoError(t, err)
	_, err = table.Write(h, map[string][]float32{"cat": Encode([]string{"cat"})})
	require.NoError(t, err)
	require.NoError(t, h.Release())

	after, v1 := table.Embed([]string{"cat", "sat"})
	assert.EqualValues(t, 1, v1)
	assert.Equal(t, Encode([]string{"cat"}), after, "only learned tokens are composed")
	assert.Equal(t, make([]float32, Dims), Compose(old, []string{"cat"}), "an earlier snapshot is unchanged")
}
