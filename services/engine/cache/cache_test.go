// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/ProEngine/services/engine/lock"
)

func TestCache_EvictsExactlyK(t *testing.T) {
	const capacity, extra = 8, 3
	ctx := context.Background()

	var evicted []string
	c := New[int](Config{Capacity: capacity}, WithOnEvict(func(key string, _ int) {
		evicted = append(evicted, key)
	}))

	for i := 0; i < capacity+extra; i++ {
		require.NoError(t, c.Put(ctx, fmt.Sprintf("k%d", i), i, false))
	}

	assert.Equal(t, capacity, c.Len())
	assert.Equal(t, []string{"k0", "k1", "k2"}, evicted)
	assert.EqualValues(t, extra, c.Stats().Evictions)
}

func TestCache_RecencyRefreshedByGet(t *testing.T) {
	ctx := context.Background()
	c := New[string](Config{Capacity: 2})

	require.NoError(t, c.Put(ctx, "a", "A", false))
	require.NoError(t, c.Put(ctx, "b", "B", false))

	_, ok := c.Get("a")
	require.True(t, ok)

	require.NoError(t, c.Put(ctx, "c", "C", false))

	_, ok = c.Get("b")
	assert.False(t, ok, "b was least recently used and should be evicted")
	_, ok = c.Get("a")
	assert.True(t, ok)
}

func TestCache_PinnedNeverEvicted(t *testing.T) {
	ctx := context.Background()
	c := New[int](Config{Capacity: 4})

	require.NoError(t, c.Put(ctx, "pinned-0", 0, true))
	require.NoError(t, c.Put(ctx, "pinned-1", 1, true))
	for i := 0; i < 20; i++ {
		require.NoError(t, c.Put(ctx, fmt.Sprintf("k%d", i), i, false))
		assert.LessOrEqual(t, c.Len(), 4)
	}

	for _, k := range []string{"pinned-0", "pinned-1"} {
		_, ok := c.Get(k)
		assert.True(t, ok, "%s must survive", k)
	}
	assert.Equal(t, 2, c.Stats().Pinned)
}

func TestCache_AllPinnedRejectsInsert(t *testing.T) {
	ctx := context.Background()
	c := New[int](Config{Capacity: 2})

	require.NoError(t, c.Put(ctx, "a", 1, true))
	require.NoError(t, c.Put(ctx, "b", 2, true))

	err := c.Put(ctx, "c", 3, false)
	require.ErrorIs(t, err, ErrCacheFull)
	assert.Equal(t, 2, c.Len())

	// Updating an existing key is still fine.
	require.NoError(t, c.Put(ctx, "a", 10, false))
	v, _ := c.Get("a")
	assert.Equal(t, 10, v)

	require.NoError(t, c.Unpin("b"))
	require.NoError(t, c.Put(ctx, "c", 3, false))
	_, ok := c.Get("b")
	assert.False(t, ok)
}

func TestCache_PinUnknownKey(t *testing.T) {
	c := New[int](Config{})
	assert.ErrorIs(t, c.Pin("missing"), ErrNotCached)
	assert.ErrorIs(t, c.Unpin("missing"), ErrNotCached)
}

func TestCache_GetOrLoad(t *testing.T) {
	t.Run("concurrent misses load once", func(t *testing.T) {
		c := New[int](Config{})
		var calls atomic.Int32
		release := make(chan struct{})

		loader := func(context.Context) (int, error) {
			calls.Add(1)
			<-release
			return 42, nil
		}

		var wg sync.WaitGroup
		results := make([]int, 10)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				v, _, err := c.GetOrLoad(context.Background(), "k", loader)
				assert.NoError(t, err)
				results[i] = v
			}(i)
		}
		time.Sleep(20 * time.Millisecond)
		close(release)
		wg.Wait()

		assert.EqualValues(t, 1, calls.Load())
		for _, v := range results {
			assert.Equal(t, 42, v)
		}
	})

	t.Run("loader errors are not cached", func(t *testing.T) {
		c := New[int](Config{})
		boom := errors.New("boom")
		_, _, err := c.GetOrLoad(context.Background(), "k", func(context.Context) (int, error) {
			return 0, boom
		})
		require.ErrorIs(t, err, boom)
		assert.Equal(t, 0, c.Len())

		v, hit, err := c.GetOrLoad(context.Background(), "k", func(context.Context) (int, error) {
			return 7, nil
		})
		require.NoError(t, err)
		assert.False(t, hit)
		assert.Equal(t, 7, v)

		_, hit, _ = c.GetOrLoad(context.Background(), "k", nil)
		assert.True(t, hit)
	})
}

func TestCache_KeyLockShared(t *testing.T) {
	locks := lock.NewManager()
	c := New[int](Config{KeyLockTimeout: 20 * time.Millisecond}, WithLocks[int](locks))

	h, err := locks.Acquire(context.Background(), "cache:k", "external", time.Second)
	require.NoError(t, err)

	err = c.Put(context.Background(), "k", 1, false)
	require.Error(t, err, "put must wait for the key lock")

	require.NoError(t, h.Release())
	require.NoError(t, c.Put(context.Background(), "k", 1, false))
	assert.Equal(t, 0, locks.Held())
}

func TestCache_KeysOrder(t *testing.T) {
	ctx := context.Background()
	c := New[int](Config{})
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, c.Put(ctx, k, 0, false))
	}
	c.Get("a")
	assert.Equal(t, []string{"a", "c", "b"}, c.Keys())
}
