// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

// Match is a similarity search hit.
type Match struct {
	Record Record  `json:"record"`
	Score  float64 `json:"score"`
}

// Similar returns up to k records whose vectors are closest to query by
// cosine similarity, best first. Records without a vector are never matched.
func (s *Store) Similar(ctx context.Context, query []float32, k int) ([]Match, error) {
	if k <= 0 || len(query) == 0 {
		return nil, nil
	}

	type hit struct {
		key   string
		score float64
	}
	var top []hit

	var out []Match
	err := s.db.View(ctx, "store.similar", func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixVector)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			var vec []float32
			if err := item.Value(func(b []byte) error {
				var err error
				vec, err = decodeVector(b)
				return err
			}); err != nil {
				return err
			}

			score := Cosine(query, vec)
			if len(top) == k && score <= top[k-1].score {
				continue
			}
			top = append(top, hit{key: strings.TrimPrefix(string(item.Key()), prefixVector), score: score})
			sort.SliceStable(top, func(i, j int) bool { return top[i].score > top[j].score })
			if len(top) > k {
				top = top[:k]
			}
		}

		for _, h := range top {
			rec, err := getRecord(txn, h.key)
			if err != nil {
				return err
			}
			out = append(out, Match{Record: rec, Score: h.score})
		}
		return nil
	})
	return out, err
}

// Cosine returns the cosine similarity of a and b over their common length.
// Zero vectors score 0.
func Cosine(a, b []float32) float64 {
	n := min(len(a), len(b))
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func encodeVector(v []float32) []byte {
	b := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(f))
	}
	return b
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vector length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}
