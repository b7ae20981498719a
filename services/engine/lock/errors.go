// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lock

import (
	"errors"
	"fmt"
)

// Sentinel errors for lock operations.
var (
	// ErrNotHolder indicates a release by a caller that does not hold the resource.
	ErrNotHolder = errors.New("caller is not the lock holder")

	// ErrForceReleased indicates a wait was aborted because the waiter's holder
	// was force-released by the supervisor.
	ErrForceReleased = errors.New("lock wait aborted by force release")

	// ErrNoHolder indicates the context carries no holder identity.
	ErrNoHolder = errors.New("context carries no lock holder")
)

// NotHolderError provides detail about a rejected release.
//
// # Description
//
// Returned when Release is called by someone other than the current holder,
// or with a handle invalidated by a forced release. The caller is not
// crashed; it decides whether the condition matters.
type NotHolderError struct {
	Resource string
	Caller   string
	Owner    string // empty when the resource is free
}

// Error returns a human-readable error message.
func (e *NotHolderError) Error() string {
	if e.Owner == "" {
		return fmt.Sprintf("release of %q by %s: resource is not held", e.Resource, e.Caller)
	}
	return fmt.Sprintf("release of %q by %s: held by %s", e.Resource, e.Caller, e.Owner)
}

// Unwrap returns ErrNotHolder for errors.Is support.
func (e *NotHolderError) Unwrap() error {
	return ErrNotHolder
}
