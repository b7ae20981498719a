// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation checks boundary input before any lock is taken.
//
// Record keys become lock resource ids and Badger keys; dataset paths are
// opened from disk. Both are validated here so a malformed value is rejected
// at the edge instead of surfacing deep inside a locked write path.
package validation

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

// MaxKeyBytes bounds record and cache keys.
const MaxKeyBytes = 256

// MaxTextBytes bounds a single inbound message.
const MaxTextBytes = 32 * 1024

// keyPattern matches record keys: "chat:42", "msg/3f2a", "user@host.key".
var keyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:/@\-]*$`)

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	_ = validate.RegisterValidation("reckey", func(fl validator.FieldLevel) bool {
		return ValidateKey(fl.Field().String()) == nil
	})
	_ = validate.RegisterValidation("maxbytes", func(fl validator.FieldLevel) bool {
		return len(fl.Field().String()) <= MaxTextBytes
	})
}

// ValidateKey validates a record key.
//
// Valid keys are 1-256 bytes of letters, digits and ". _ : / @ -",
// starting with a letter or digit, with no ".." segment.
//
// Example:
//
//	if err := validation.ValidateKey(req.Key); err != nil {
//	    return errs.Invalid("key", err.Error())
//	}
func ValidateKey(key string) error {
	if key == "" {
		return errors.New("key cannot be empty")
	}
	if len(key) > MaxKeyBytes {
		return fmt.Errorf("key is %d bytes (max %d)", len(key), MaxKeyBytes)
	}
	if !keyPattern.MatchString(key) || strings.Contains(key, "..") {
		return fmt.Errorf("invalid key format: %q", key)
	}
	return nil
}

// ValidateText validates inbound message text: non-blank UTF-8 within
// MaxTextBytes.
func ValidateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return errors.New("text cannot be empty")
	}
	if len(text) > MaxTextBytes {
		return fmt.Errorf("text is %d bytes (max %d)", len(text), MaxTextBytes)
	}
	if !utf8.ValidString(text) {
		return errors.New("text is not valid UTF-8")
	}
	return nil
}

// ContainedPath resolves path and checks it lies inside root. Returns the
// cleaned absolute path.
func ContainedPath(root, path string) (string, error) {
	if path == "" {
		return "", errors.New("path cannot be empty")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(absRoot, path)
	}
	clean := filepath.Clean(path)
	rel, err := filepath.Rel(absRoot, clean)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes %q", path, root)
	}
	return clean, nil
}

// Struct validates v's `validate` tags, including the custom "reckey" and
// "maxbytes" tags. Field errors are flattened into one readable error.
func Struct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s", fe.Namespace(), fe.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}
