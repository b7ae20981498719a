// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package model is the default prediction model: word and bigram counts with
// small reinforcement weights from committed forecasts.
//
// # Description
//
// The model is the engine's scorer and forecast feedback sink. Its state
// lives under the embedding-table resource: every mutation (Train,
// Reinforce, Restore) requires a handle for embedding.ResourceID, and Train
// also publishes vectors for new words into the embedding table through the
// same handle. Reads take only an internal RWMutex.
//
// # Thread Safety
//
// Safe for concurrent use.
package model

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/AleutianAI/ProEngine/services/engine/embedding"
	"github.com/AleutianAI/ProEngine/services/engine/forecast"
	"github.com/AleutianAI/ProEngine/services/engine/lock"
)

// StartToken marks the beginning of a sequence in bigram counts.
const StartToken = "<s>"

// EmptyReply is returned for input with no charged words.
const EmptyReply = "Silence echoes within void."

const replyWords = 5

var tokenRE = regexp.MustCompile(`\b\w+\b`)

// Tokenize splits text into lowercase word tokens.
func Tokenize(text string) []string {
	return tokenRE.FindAllString(strings.ToLower(text), -1)
}

// Words splits text into word tokens, keeping their spelling.
func Words(text string) []string {
	return tokenRE.FindAllString(text, -1)
}

// Lower returns lowercased copies of words.
func Lower(words []string) []string {
	out := make([]string, len(words))
	for i, w := range words {
		out[i] = strings.ToLower(w)
	}
	return out
}

// State is the persisted model state.
type State struct {
	WordCounts   map[string]int                `json:"word_counts"`
	BigramCounts map[string]map[string]int     `json:"bigram_counts"`
	Weights      map[string]map[string]float64 `json:"weights,omitempty"`
	Sequences    int                           `json:"sequences"`
}

var (
	_ forecast.Scorer   = (*Model)(nil)
	_ forecast.Feedback = (*Model)(nil)
)

// Model is the bigram model.
type Model struct {
	table *embedding.Table

	mu sync.RWMutex
	st State
}

// New creates an empty model bound to table.
func New(table *embedding.Table) *Model {
	return &Model{table: table, st: emptyState()}
}

func emptyState() State {
	return State{
		WordCounts:   map[string]int{},
		BigramCounts: map[string]map[string]int{},
		Weights:      map[string]map[string]float64{},
	}
}

// Train counts one token sequence.
//
// # Inputs
//
//   - h: Handle for embedding.ResourceID.
//   - words: Lowercase tokens. An empty slice still counts a sequence start.
//
// # Outputs
//
//   - int: Number of words new to the vocabulary.
//   - error: embedding.ErrNotHeld without a valid handle.
func (m *Model) Train(h *lock.Handle, words []string) (int, error) {
	if err := m.table.CheckHandle(h); err != nil {
		return 0, err
	}

	m.mu.Lock()
	fresh := map[string][]float32{}
	prev := StartToken
	m.st.WordCounts[prev]++
	for _, w := range words {
		if m.st.WordCounts[w] == 0 {
			fresh[w] = embedding.Encode([]string{w})
		}
		m.st.WordCounts[w]++
		next, ok := m.st.BigramCounts[prev]
		if !ok {
			next = map[string]int{}
			m.st.BigramCounts[prev] = next
		}
		next[w]++
		prev = w
	}
	m.st.Sequences++
	m.mu.Unlock()

	if len(fresh) > 0 {
		if _, err := m.table.Write(h, fresh); err != nil {
			return 0, fmt.Errorf("publish word vectors: %w", err)
		}
	}
	return len(fresh), nil
}

// Score proposes continuations of the last context token, best first.
//
// Successor counts plus reinforcement weights are normalized into
// probabilities. A context whose last token has no successors falls back to
// the unigram distribution. Ties are broken alphabetically.
func (m *Model) Score(context []string) []forecast.Candidate {
	m.mu.RLock()
	defer m.mu.RUnlock()

	prev := StartToken
	if len(context) > 0 {
		prev = context[len(context)-1]
	}

	raw := map[string]float64{}
	for w, c := range m.st.BigramCounts[prev] {
		raw[w] = float64(c)
	}
	for w, bonus := range m.st.Weights[prev] {
		raw[w] += bonus
	}
	if len(raw) == 0 {
		for w, c := range m.st.WordCounts {
			if w != StartToken {
				raw[w] = float64(c)
			}
		}
	}

	var total float64
	for _, v := range raw {
		total += v
	}
	if total <= 0 {
		return nil
	}

	out := make([]forecast.Candidate, 0, len(raw))
	for w, v := range raw {
		out = append(out, forecast.Candidate{Token: w, Probability: v / total})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Probability != out[j].Probability {
			return out[i].Probability > out[j].Probability
		}
		return out[i].Token < out[j].Token
	})
	return out
}

// Reinforce applies forecast feedback as bonus weight on bigram edges.
func (m *Model) Reinforce(h *lock.Handle, updates []forecast.Update) error {
	if err := m.table.CheckHandle(h); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range updates {
		prev := StartToken
		if len(u.Context) > 0 {
			prev = u.Context[len(u.Context)-1]
		}
		row, ok := m.st.Weights[prev]
		if !ok {
			row = map[string]float64{}
			m.st.Weights[prev] = row
		}
		row[u.Token] += u.Rate
	}
	return nil
}

// Vocabulary returns the number of distinct words, excluding StartToken.
func (m *Model) Vocabulary() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.st.WordCounts)
	if _, ok := m.st.WordCounts[StartToken]; ok {
		n--
	}
	return n
}

// Snapshot serializes the model state.
func (m *Model) Snapshot() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return json.Marshal(m.st)
}

// Restore replaces the model state from a Snapshot and republishes word
// vectors.
func (m *Model) Restore(h *lock.Handle, data []byte) error {
	if err := m.table.CheckHandle(h); err != nil {
		return err
	}
	st := emptyState()
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode model state: %w", err)
	}
	if st.WordCounts == nil {
		st.WordCounts = map[string]int{}
	}
	if st.BigramCounts == nil {
		st.BigramCounts = map[string]map[string]int{}
	}
	if st.Weights == nil {
		st.Weights = map[string]map[string]float64{}
	}

	vectors := make(map[string][]float32, len(st.WordCounts))
	for w := range st.WordCounts {
		if w != StartToken {
			vectors[w] = embedding.Encode([]string{w})
		}
	}

	m.mu.Lock()
	m.st = st
	m.mu.Unlock()

	_, err := m.table.Write(h, vectors)
	return err
}

// -----------------------------------------------------------------------------
// Reply composition
// -----------------------------------------------------------------------------

// ChargedWords ranks words by frequency × (1 + known successor count) and
// returns the top five. Words keep their original spelling; ties keep first
// occurrence order.
func (m *Model) ChargedWords(words []string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	type charge struct {
		word  string
		value int
	}
	index := map[string]int{}
	var charges []charge
	for _, w := range words {
		if j, ok := index[w]; ok {
			charges[j].value++
			continue
		}
		index[w] = len(charges)
		charges = append(charges, charge{word: w, value: 1})
	}
	for i := range charges {
		successors := len(m.st.BigramCounts[strings.ToLower(charges[i].word)])
		charges[i].value *= 1 + successors
	}
	sort.SliceStable(charges, func(i, j int) bool { return charges[i].value > charges[j].value })

	out := make([]string, 0, replyWords)
	for _, c := range charges {
		if len(out) == replyWords {
			break
		}
		out = append(out, c.word)
	}
	return out
}

// ComposeReply turns charged words into a sentence.
//
// Fewer than five words are padded with the most frequent vocabulary, then
// by repeating the charged words. The first word is capitalized and a
// period appended. No charged words gives EmptyReply.
func (m *Model) ComposeReply(charged []string) string {
	if len(charged) == 0 {
		return EmptyReply
	}

	words := append([]string(nil), charged...)
	if len(words) < replyWords {
		missing := replyWords - len(words)
		seen := map[string]bool{}
		for _, w := range words {
			seen[w] = true
		}
		for _, w := range m.frequentWords() {
			if missing == 0 {
				break
			}
			if !seen[w] {
				words = append(words, w)
				seen[w] = true
				missing--
			}
		}
		for i := 0; missing > 0; i++ {
			words = append(words, charged[i%len(charged)])
			missing--
		}
	}
	words = words[:replyWords]

	if r, size := utf8.DecodeRuneInString(words[0]); unicode.IsLetter(r) {
		words[0] = string(unicode.ToUpper(r)) + words[0][size:]
	}
	return strings.Join(words, " ") + "."
}

func (m *Model) frequentWords() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	words := make([]string, 0, len(m.st.WordCounts))
	for w := range m.st.WordCounts {
		if w != StartToken && w != "" {
			words = append(words, w)
		}
	}
	sort.Slice(words, func(i, j int) bool {
		ci, cj := m.st.WordCounts[words[i]], m.st.WordCounts[words[j]]
		if ci != cj {
			return ci > cj
		}
		return words[i] < words[j]
	})
	return words
}

// -----------------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------------

// Metrics are reply quality measures.
type Metrics struct {
	Entropy    float64 `json:"entropy"`
	Perplexity float64 `json:"perplexity"`
	Resonance  float64 `json:"resonance"`
}

// Measure computes Metrics for words against the current model.
func (m *Model) Measure(words []string) Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Metrics{
		Entropy:    Entropy(words),
		Perplexity: perplexity(words, m.st.BigramCounts, m.st.WordCounts),
		Resonance:  resonance(words, m.st.BigramCounts),
	}
}

// Entropy is the Shannon entropy in bits of the token distribution.
func Entropy(words []string) float64 {
	if len(words) == 0 {
		return 0
	}
	counts := map[string]int{}
	for _, w := range words {
		counts[w]++
	}
	total := float64(len(words))
	var h float64
	for _, c := range counts {
		p := float64(c) / total
		h -= p * math.Log2(p)
	}
	return h
}

// perplexity uses add-one smoothed bigram probabilities.
func perplexity(words []string, bigrams map[string]map[string]int, counts map[string]int) float64 {
	if len(words) == 0 {
		return 0
	}
	vocab := max(len(counts), 1)
	var logProb float64
	prev := StartToken
	for _, w := range words {
		num := float64(bigrams[prev][w] + 1)
		den := float64(counts[prev] + vocab)
		logProb -= math.Log(num / den)
		prev = w
	}
	return math.Exp(logProb / float64(len(words)))
}

// resonance is the mean bigram count along the sequence.
func resonance(words []string, bigrams map[string]map[string]int) float64 {
	if len(words) == 0 {
		return 0
	}
	var total int
	prev := StartToken
	for _, w := range words {
		total += bigrams[prev][w]
		prev = w
	}
	return float64(total) / float64(len(words))
}
