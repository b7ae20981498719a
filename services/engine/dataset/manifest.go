// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dataset detects and reads training text files.
//
// A Manifest fingerprints a datasets directory by SHA-256 so that tuning
// runs only when content actually changed. A Watcher turns filesystem events
// into debounced path notifications for the engine's bounded ingest queue.
package dataset

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/AleutianAI/ProEngine/services/engine/errs"
)

var (
	// ErrMissing is returned by Read for a dataset that does not exist.
	ErrMissing = errors.New("dataset does not exist")

	// ErrEmpty is returned by Read for a dataset with no content.
	ErrEmpty = errors.New("dataset is empty")
)

// Manifest maps slash-separated paths relative to the scanned root to the
// hex SHA-256 of their content.
type Manifest map[string]string

// Scan fingerprints every regular, non-hidden file under dir. A missing dir
// yields an empty manifest.
func Scan(dir string) (Manifest, error) {
	m := Manifest{}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == dir {
				return fs.SkipAll
			}
			return err
		}
		if strings.HasPrefix(d.Name(), ".") && path != dir {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		sum, err := hashFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		m[filepath.ToSlash(rel)] = sum
		return nil
	})
	if err != nil {
		return nil, errs.Transient("scan datasets", err)
	}
	return m, nil
}

// Diff returns the paths in m that are new or changed relative to prev, and
// the paths in prev no longer in m. Both sorted.
func (m Manifest) Diff(prev Manifest) (changed, removed []string) {
	for path, sum := range m {
		if prev[path] != sum {
			changed = append(changed, path)
		}
	}
	for path := range prev {
		if _, ok := m[path]; !ok {
			removed = append(removed, path)
		}
	}
	slices.Sort(changed)
	slices.Sort(removed)
	return changed, removed
}

// Equal reports whether both manifests fingerprint identical content.
func (m Manifest) Equal(other Manifest) bool {
	return maps.Equal(m, other)
}

// Paths returns the manifest's paths, sorted.
func (m Manifest) Paths() []string {
	return slices.Sorted(maps.Keys(m))
}

// Read returns the text of the dataset at path.
//
// Missing and empty datasets return ErrMissing and ErrEmpty; tuning treats
// both as a logged skip. Other read failures are transient.
func Read(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrMissing, path)
		}
		return "", errs.Transient("read dataset", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return "", fmt.Errorf("%w: %s", ErrEmpty, path)
	}
	return string(data), nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
