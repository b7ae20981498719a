// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package snapshot persists the optional cache snapshot.
//
// The snapshot lists hot keys, most recent first. It is rebuildable from the
// durable store, so a missing or unreadable snapshot only costs warm-up
// latency and is never a correctness issue.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Load when no snapshot exists.
var ErrNotFound = errors.New("snapshot not found")

// CurrentVersion is the snapshot format version.
const CurrentVersion = 1

// Sink stores named snapshot blobs.
type Sink interface {
	Save(ctx context.Context, name string, data []byte) error
	Load(ctx context.Context, name string) ([]byte, error)
}

// CacheSnapshot is the persisted cache view.
type CacheSnapshot struct {
	Version int       `json:"version"`
	TakenAt time.Time `json:"taken_at"`
	Keys    []string  `json:"keys"`
}

// Encode serializes keys as a CacheSnapshot.
func Encode(keys []string, takenAt time.Time) ([]byte, error) {
	return json.Marshal(CacheSnapshot{Version: CurrentVersion, TakenAt: takenAt.UTC(), Keys: keys})
}

// Decode parses a CacheSnapshot, rejecting unknown versions.
func Decode(data []byte) (CacheSnapshot, error) {
	var s CacheSnapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return CacheSnapshot{}, fmt.Errorf("decode cache snapshot: %w", err)
	}
	if s.Version != CurrentVersion {
		return CacheSnapshot{}, fmt.Errorf("unsupported cache snapshot version %d", s.Version)
	}
	return s, nil
}
