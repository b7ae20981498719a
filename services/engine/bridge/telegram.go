// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/ProEngine/services/engine/errs"
	"github.com/AleutianAI/ProEngine/services/engine/telemetry"
)

const tracerName = "proengine/bridge"

// TelegramConfig configures the Telegram Bot API client.
type TelegramConfig struct {
	// Token is the bot token. Read from TELEGRAM_TOKEN; never logged.
	Token string `yaml:"-"`

	// BaseURL is the API root. Default: https://api.telegram.org
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`

	// PollTimeout is the server-side long-poll wait. Default: 30s.
	PollTimeout time.Duration `yaml:"poll_timeout"`

	// RequestsPerSecond paces all API calls. Default: 1.
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gte=0"`

	// Burst is the limiter burst. Default: 3.
	Burst int `yaml:"burst" validate:"gte=0"`
}

// ApplyDefaults fills zero fields.
func (c *TelegramConfig) ApplyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.telegram.org"
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 30 * time.Second
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 1
	}
	if c.Burst <= 0 {
		c.Burst = 3
	}
}

// Telegram is a Bridge over the Telegram Bot API getUpdates/sendMessage
// long-poll endpoints.
//
// Thread Safety: Safe for concurrent use. The update offset only advances
// after a successful Poll, so a failed poll redelivers.
type Telegram struct {
	cfg     TelegramConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger

	mu     sync.Mutex
	offset int64
}

var _ Bridge = (*Telegram)(nil)

// NewTelegram creates a client. An empty token is a ValidationError.
func NewTelegram(cfg TelegramConfig, logger *slog.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errs.Invalid("telegram token", "must be set (TELEGRAM_TOKEN)")
	}
	cfg.ApplyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Telegram{
		cfg: cfg,
		// The HTTP timeout leaves headroom over the server-side long poll.
		client:  &http.Client{Timeout: cfg.PollTimeout + 10*time.Second},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		logger:  logger.With(slog.String("component", "telegram_bridge")),
	}, nil
}

// Offset returns the next update id Poll will request.
func (t *Telegram) Offset() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.offset
}

type tgUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		Text string `json:"text"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
	} `json:"message"`
}

type tgResponse[T any] struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Result      T      `json:"result"`
}

// Poll long-polls getUpdates. Updates without text or chat are consumed and
// skipped.
func (t *Telegram) Poll(ctx context.Context) ([]Message, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "Telegram.Poll")
	defer span.End()

	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("timeout", strconv.Itoa(int(t.cfg.PollTimeout/time.Second)))
	if off := t.Offset(); off > 0 {
		q.Set("offset", strconv.FormatInt(off, 10))
	}

	var resp tgResponse[[]tgUpdate]
	if err := t.call(ctx, http.MethodGet, "getUpdates", q, nil, &resp); err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	var msgs []Message
	next := int64(0)
	for _, u := range resp.Result {
		if u.UpdateID >= next {
			next = u.UpdateID + 1
		}
		if u.Message == nil || u.Message.Text == "" || u.Message.Chat.ID == 0 {
			continue
		}
		msgs = append(msgs, Message{UpdateID: u.UpdateID, ChatID: u.Message.Chat.ID, Text: u.Message.Text})
	}
	if next > 0 {
		t.mu.Lock()
		if next > t.offset {
			t.offset = next
		}
		t.mu.Unlock()
	}
	span.SetAttributes(attribute.Int("bridge.updates", len(resp.Result)), attribute.Int("bridge.messages", len(msgs)))
	return msgs, nil
}

// Send posts a sendMessage.
func (t *Telegram) Send(ctx context.Context, chatID int64, text string) error {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "Telegram.Send",
		trace.WithAttributes(attribute.Int64("bridge.chat_id", chatID)))
	defer span.End()

	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	body, err := json.Marshal(map[string]any{"chat_id": chatID, "text": text})
	if err != nil {
		return fmt.Errorf("encode sendMessage: %w", err)
	}
	var resp tgResponse[json.RawMessage]
	if err := t.call(ctx, http.MethodPost, "sendMessage", nil, body, &resp); err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	return nil
}

// call performs one API request. The token is part of the URL, so transport
// errors are rebuilt without it.
func (t *Telegram) call(ctx context.Context, method, endpoint string, q url.Values, body []byte, out any) error {
	u := fmt.Sprintf("%s/bot%s/%s", strings.TrimRight(t.cfg.BaseURL, "/"), t.cfg.Token, endpoint)
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return fmt.Errorf("build %s request: %s", endpoint, t.redact(err.Error()))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errs.Transient("telegram "+endpoint, errors.New(t.redact(err.Error())))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return errs.Transient("telegram "+endpoint, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return errs.Transient("telegram "+endpoint, fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		t.logger.Error("telegram rejected request",
			slog.String("endpoint", endpoint),
			slog.Int("status_code", resp.StatusCode))
		return fmt.Errorf("telegram %s: status %d: %s", endpoint, resp.StatusCode, describe(data))
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode telegram %s response: %w", endpoint, err)
	}
	if ok, desc := okOf(out); !ok {
		return fmt.Errorf("telegram %s: %s", endpoint, desc)
	}
	return nil
}

func (t *Telegram) redact(s string) string {
	return strings.ReplaceAll(s, t.cfg.Token, "<token>")
}

func okOf(v any) (bool, string) {
	switch r := v.(type) {
	case *tgResponse[[]tgUpdate]:
		return r.OK, r.Description
	case *tgResponse[json.RawMessage]:
		return r.OK, r.Description
	default:
		return true, ""
	}
}

func describe(data []byte) string {
	var r struct {
		Description string `json:"description"`
	}
	if json.Unmarshal(data, &r) == nil && r.Description != "" {
		return r.Description
	}
	return "no description"
}
