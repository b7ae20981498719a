// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import "errors"

// Apology is sent to chat users in place of any internal error.
const Apology = "An error occurred. Please try again."

// Sentinel errors for the engine.
var (
	// ErrNotStarted indicates Start has not been called.
	ErrNotStarted = errors.New("engine not started")

	// ErrClosed indicates the engine has been closed.
	ErrClosed = errors.New("engine closed")

	// ErrNoReply indicates a Respond task completed without producing a
	// reply, which only happens if the task was force-failed.
	ErrNoReply = errors.New("respond task produced no reply")
)
