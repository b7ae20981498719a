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
	"bytes"
	"context"
	"errors"
	"iter"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

// Filter selects records for ReadRecent. A nil Filter matches everything.
type Filter func(Record) bool

// ByTag matches records carrying tag.
func ByTag(tag string) Filter {
	return func(r Record) bool { return r.Tag == tag }
}

// KeyPrefix matches records whose key starts with prefix.
func KeyPrefix(prefix string) Filter {
	return func(r Record) bool { return strings.HasPrefix(r.Key, prefix) }
}

// ReadRecent returns a lazy iterator over the n most recent records that
// match filter, newest first.
//
// # Description
//
// Nothing is read until Next is called. Index entries are loaded one page at
// a time in short read transactions, so a long iteration never pins a
// Badger snapshot. Records written after iteration started may or may not
// appear; records are never returned twice.
//
// # Example
//
//	it := s.ReadRecent(5, store.ByTag(store.TagMessage))
//	for rec, err := range it.All(ctx) {
//	    if err != nil {
//	        return err
//	    }
//	    use(rec)
//	}
func (s *Store) ReadRecent(n int, filter Filter) *RecentIter {
	return &RecentIter{s: s, limit: n, filter: filter}
}

// Recent collects ReadRecent into a slice.
func (s *Store) Recent(ctx context.Context, n int, filter Filter) ([]Record, error) {
	var out []Record
	for rec, err := range s.ReadRecent(n, filter).All(ctx) {
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// RecentIter walks the write-sequence index backwards.
//
// # Thread Safety
//
// Not safe for concurrent use. Use one iterator per goroutine.
type RecentIter struct {
	s      *Store
	limit  int
	filter Filter

	cursor    []byte // last index key visited, nil before the first page
	buf       []Record
	yielded   int
	exhausted bool
}

// Next returns the next record.
//
// # Outputs
//
//   - Record: The record, valid when ok is true.
//   - bool: False once n records were returned or the index is exhausted.
//   - error: Context or I/O error.
func (it *RecentIter) Next(ctx context.Context) (Record, bool, error) {
	for {
		if it.yielded >= it.limit {
			return Record{}, false, nil
		}
		if len(it.buf) > 0 {
			rec := it.buf[0]
			it.buf = it.buf[1:]
			it.yielded++
			return rec, true, nil
		}
		if it.exhausted {
			return Record{}, false, nil
		}
		if err := it.fill(ctx); err != nil {
			return Record{}, false, err
		}
	}
}

// Reset rewinds the iterator to the newest record.
func (it *RecentIter) Reset() {
	it.cursor = nil
	it.buf = nil
	it.yielded = 0
	it.exhausted = false
}

// All adapts the iterator to a range-over-func sequence. Iteration stops
// after the first error.
func (it *RecentIter) All(ctx context.Context) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		for {
			rec, ok, err := it.Next(ctx)
			if err != nil {
				yield(Record{}, err)
				return
			}
			if !ok || !yield(rec, nil) {
				return
			}
		}
	}
}

func (it *RecentIter) fill(ctx context.Context) error {
	return it.s.db.View(ctx, "store.recent", func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(prefixSeq)
		cur := txn.NewIterator(opts)
		defer cur.Close()

		if it.cursor == nil {
			cur.Seek(append([]byte(prefixSeq), 0xFF))
		} else {
			cur.Seek(it.cursor)
			if cur.Valid() && bytes.Equal(cur.Item().Key(), it.cursor) {
				cur.Next()
			}
		}

		visited := 0
		for ; cur.Valid() && visited < it.s.cfg.PageSize; cur.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := cur.Item()
			it.cursor = item.KeyCopy(nil)
			visited++

			key, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			rec, err := getRecord(txn, string(key))
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if rec.Seq != parseSeq(it.cursor) {
				continue
			}
			if it.filter == nil || it.filter(rec) {
				it.buf = append(it.buf, rec)
			}
		}
		if visited < it.s.cfg.PageSize {
			it.exhausted = true
		}
		return nil
	})
}

func parseSeq(key []byte) uint64 {
	var n uint64
	for _, c := range key[len(prefixSeq):] {
		n = n*10 + uint64(c-'0')
	}
	return n
}
