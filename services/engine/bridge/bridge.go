// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package bridge connects the engine to an external chat service.
//
// The bridge itself never sleeps or retries: failures are classified
// (errs.TransientIOError for network errors, 5xx and 429) and returned, and
// the supervisor's backoff decides when the next poll happens.
package bridge

import "context"

// Message is one inbound chat message.
type Message struct {
	UpdateID int64  `json:"update_id"`
	ChatID   int64  `json:"chat_id"`
	Text     string `json:"text"`
}

// Bridge is a long-polling chat service.
type Bridge interface {
	// Poll returns messages received since the previous successful Poll.
	Poll(ctx context.Context) ([]Message, error)

	// Send delivers text to chatID.
	Send(ctx context.Context, chatID int64, text string) error
}
