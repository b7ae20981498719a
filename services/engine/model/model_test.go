// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package model

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/ProEngine/services/engine/embedding"
	"github.com/AleutianAI/ProEngine/services/engine/forecast"
	"github.com/AleutianAI/ProEngine/services/engine/lock"
)

func newTestModel(t *testing.T) (*Model, *embedding.Table, *lock.Handle) {
	t.Helper()
	locks := lock.NewManager()
	table := embedding.NewTable(locks)
	h, err := locks.Acquire(context.Background(), embedding.ResourceID, "test", time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Release() })
	return New(table), table, h
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"hello", "world", "it_s", "42"}, Tokenize("Hello, WORLD! it_s 42"))
	assert.Empty(t, Tokenize("  ...  "))

	words := Words("Hello, WORLD!")
	assert.Equal(t, []string{"Hello", "WORLD"}, words)
	assert.Equal(t, []string{"hello", "world"}, Lower(words))
}

func TestModel_TrainRequiresHandle(t *testing.T) {
	m, _, _ := newTestModel(t)
	_, err := m.Train(nil, []string{"a"})
	assert.ErrorIs(t, err, embedding.ErrNotHeld)
}

func TestModel_TrainAndScore(t *testing.T) {
	m, table, h := newTestModel(t)

	fresh, err := m.Train(h, Tokenize("the cat sat on the mat the cat ran"))
	require.NoError(t, err)
	assert.Equal(t, 6, fresh)
	assert.Equal(t, 6, m.Vocabulary())
	assert.Equal(t, 6, table.Len(), "new words get vectors")

	cands := m.Score([]string{"the"})
	require.NotEmpty(t, cands)
	assert.Equal(t, "cat", cands[0].Token)
	assert.InDelta(t, 2.0/3.0, cands[0].Probability, 1e-9)

	var sum float64
	for _, c := range cands {
		sum += c.Probability
	}
	assert.InDelta(t, 1.0, sum, 1e-9)

	// Unknown context falls back to unigrams.
	cands = m.Score([]string{"zebra"})
	require.NotEmpty(t, cands)
	assert.Equal(t, "the", cands[0].Token)

	assert.Equal(t, m.Score([]string{"the"}), m.Score([]string{"the"}), "deterministic")
}

func TestModel_Reinforce(t *testing.T) {
	m, _, h := newTestModel(t)
	_, err := m.Train(h, []string{"a", "b", "a", "c"})
	require.NoError(t, err)

	before := m.Score([]string{"a"})
	require.Len(t, before, 2)
	assert.InDelta(t, before[0].Probability, before[1].Probability, 1e-9)

	require.NoError(t, m.Reinforce(h, []forecast.Update{{Context: []string{"a"}, Token: "c", Rate: 0.5}}))
	after := m.Score([]string{"a"})
	assert.Equal(t, "c", after[0].Token)

	assert.ErrorIs(t, m.Reinforce(nil, nil), embedding.ErrNotHeld)
}

func TestModel_SnapshotRestore(t *testing.T) {
	m, _, h := newTestModel(t)
	_, err := m.Train(h, Tokenize("alpha beta gamma"))
	require.NoError(t, err)
	data, err := m.Snapshot()
	require.NoError(t, err)

	m2, table2, h2 := newTestModel(t)
	require.NoError(t, m2.Restore(h2, data))
	assert.Equal(t, 3, m2.Vocabulary())
	assert.Equal(t, 3, table2.Len())
	assert.Equal(t, m.Score([]string{"alpha"}), m2.Score([]string{"alpha"}))

	assert.Error(t, m2.Restore(h2, []byte("{not json")))
}

func TestModel_ComposeReply(t *testing.T) {
	m, _, h := newTestModel(t)

	assert.Equal(t, EmptyReply, m.ComposeReply(nil))

	_, err := m.Train(h, Tokenize("river river river stone stone moon"))
	require.NoError(t, err)

	reply := m.ComposeReply([]string{"light"})
	assert.Equal(t, "Light river stone moon light.", reply)

	reply = m.ComposeReply([]string{"a", "b", "c", "d", "e", "f"})
	assert.Equal(t, "A b c d e.", reply)

	reply = m.ComposeReply([]string{"42"})
	assert.Equal(t, "42 river stone moon 42.", reply, "non-letters are not capitalized")
}

func TestModel_ChargedWords(t *testing.T) {
	m, _, h := newTestModel(t)
	_, err := m.Train(h, Tokenize("sun rises sun sets sun shines"))
	require.NoError(t, err)

	// sun: freq 1 × (1 + 3 successors) = 4; others 1 × (1 + 1 or 0)
	charged := m.ChargedWords([]string{"moon", "sun", "rises"})
	assert.Equal(t, []string{"sun", "rises", "moon"}, charged)

	many := m.ChargedWords(Tokenize("a b c d e f g"))
	assert.Len(t, many, 5)
}

func TestMetrics(t *testing.T) {
	assert.Zero(t, Entropy(nil))
	assert.InDelta(t, 1.0, Entropy([]string{"a", "b"}), 1e-9)
	assert.InDelta(t, 0.0, Entropy([]string{"a", "a"}), 1e-9)

	m, _, h := newTestModel(t)
	_, err := m.Train(h, []string{"a", "b"})
	require.NoError(t, err)

	got := m.Measure([]string{"a", "b"})
	assert.InDelta(t, 1.0, got.Resonance, 1e-9)
	assert.False(t, math.IsNaN(got.Perplexity))
	assert.Greater(t, got.Perplexity, 0.0)

	empty := m.Measure(nil)
	assert.Zero(t, empty.Perplexity)
}
