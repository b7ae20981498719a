// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/AleutianAI/ProEngine/pkg/validation"
	"github.com/AleutianAI/ProEngine/services/engine/errs"
)

// FileSink stores snapshots as files in a directory. Writes go to a temp
// file and are renamed into place, so readers never see a partial snapshot.
type FileSink struct {
	dir string
}

var _ Sink = (*FileSink)(nil)

// NewFileSink creates dir if needed.
func NewFileSink(dir string) (*FileSink, error) {
	if dir == "" {
		return nil, errs.Invalid("snapshot dir", "must not be empty")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

// Save atomically replaces the snapshot called name.
func (s *FileSink) Save(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(name)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, ".snapshot-*")
	if err != nil {
		return errs.Transient("create snapshot temp", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errs.Transient("write snapshot", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errs.Transient("sync snapshot", err)
	}
	if err := tmp.Close(); err != nil {
		return errs.Transient("close snapshot", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errs.Transient("rename snapshot", err)
	}
	return nil
}

// Load reads the snapshot called name.
func (s *FileSink) Load(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errs.Transient("read snapshot", err)
	}
	return data, nil
}

func (s *FileSink) path(name string) (string, error) {
	p, err := validation.ContainedPath(s.dir, name+".json")
	if err != nil {
		return "", errs.Invalid("snapshot name", err.Error())
	}
	return p, nil
}
