// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateKey(t *testing.T) {
	tests := []struct {
		key     string
		wantErr bool
	}{
		{"chat:42", false},
		{"msg/3f2a-77", false},
		{"user@host.key", false},
		{"", true},
		{"-leading", true},
		{"has space", true},
		{"a/../b", true},
		{strings.Repeat("k", MaxKeyBytes), false},
		{strings.Repeat("k", MaxKeyBytes+1), true},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			err := ValidateKey(tt.key)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateKey(%q) error = %v, wantErr %v", tt.key, err, tt.wantErr)
			}
		})
	}
}

func TestValidateText(t *testing.T) {
	if err := ValidateText("hello there"); err != nil {
		t.Errorf("valid text rejected: %v", err)
	}
	if err := ValidateText("   \n"); err == nil {
		t.Error("blank text accepted")
	}
	if err := ValidateText(strings.Repeat("a", MaxTextBytes+1)); err == nil {
		t.Error("oversized text accepted")
	}
	if err := ValidateText("bad \xff utf8"); err == nil {
		t.Error("invalid UTF-8 accepted")
	}
}

func TestContainedPath(t *testing.T) {
	root := t.TempDir()

	got, err := ContainedPath(root, "poems/a.txt")
	if err != nil {
		t.Fatalf("relative path rejected: %v", err)
	}
	if got != filepath.Join(root, "poems", "a.txt") {
		t.Errorf("ContainedPath = %q", got)
	}

	if _, err := ContainedPath(root, filepath.Join(root, "x.txt")); err != nil {
		t.Errorf("absolute path inside root rejected: %v", err)
	}
	if _, err := ContainedPath(root, "../etc/passwd"); err == nil {
		t.Error("traversal accepted")
	}
	if _, err := ContainedPath(root, ""); err == nil {
		t.Error("empty path accepted")
	}
}

func TestStruct(t *testing.T) {
	type req struct {
		Key  string `validate:"required,reckey"`
		Text string `validate:"required,maxbytes"`
		N    int    `validate:"gte=1"`
	}

	if err := Struct(req{Key: "chat:1", Text: "hi", N: 1}); err != nil {
		t.Errorf("valid struct rejected: %v", err)
	}

	err := Struct(req{Key: "bad key", Text: "hi", N: 0})
	if err == nil {
		t.Fatal("invalid struct accepted")
	}
	msg := err.Error()
	if !strings.Contains(msg, "req.Key: failed reckey") || !strings.Contains(msg, "req.N: failed gte=1") {
		t.Errorf("unexpected message: %q", msg)
	}
}
