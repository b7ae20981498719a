// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrainCommand(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TELEGRAM_TOKEN", "")
	t.Setenv("PROENGINE_DATASETS_DIR", filepath.Join(dir, "datasets"))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "datasets"), 0750))
	dataset := filepath.Join(dir, "datasets", "lines01.txt")
	require.NoError(t, os.WriteFile(dataset, []byte("the cat sat\nthe dog ran\n"), 0640))

	run := func(args ...string) string {
		var out bytes.Buffer
		rootCmd.SetOut(&out)
		rootCmd.SetArgs(append([]string{"--config", filepath.Join(dir, "proengine.yaml"), "--ephemeral"}, args...))
		t.Cleanup(func() {
			rootCmd.SetOut(nil)
			rootCmd.SetArgs(nil)
		})
		require.NoError(t, rootCmd.Execute())
		return out.String()
	}

	assert.Contains(t, run("train"), "2 sequences, 5 new words", "the default dataset lives in the datasets dir")
	assert.Contains(t, run("train", filepath.Join(dir, "missing.txt")), "skipped")
	assert.FileExists(t, filepath.Join(dir, "proengine.yaml"))
}
