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

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/ProEngine/pkg/validation"
)

// WSRequest is one client frame.
type WSRequest struct {
	Text string `json:"text"`
}

// WSResponse is one server frame.
type WSResponse struct {
	Action  string         `json:"action"`
	Session string         `json:"session,omitempty"`
	Reply   string         `json:"reply,omitempty"`
	Result  *RespondResult `json:"result,omitempty"`
	Error   string         `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func sendJSON(ws *websocket.Conn, v any) error {
	err := ws.WriteJSON(v)
	if err != nil {
		slog.Warn("failed to write websocket JSON", "error", err)
	}
	return err
}

// HandleWebSocket handles GET /v1/engine/ws.
//
// Description:
//
//	Upgrades to a websocket chat session. The server first sends
//	{"action":"session_created"}, then answers every {"text": ...} frame
//	with {"action":"reply"}. Errors are reported as {"action":"error"} with
//	the generic apology and the session continues.
func (h *Handlers) HandleWebSocket(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()
	ws.SetReadLimit(validation.MaxTextBytes + 1024)

	session := uuid.NewString()
	logger := h.logger.With(slog.String("session", session))
	logger.Info("websocket session started")
	if err := sendJSON(ws, WSResponse{Action: "session_created", Session: session}); err != nil {
		return
	}

	ctx := c.Request.Context()
	for turn := 1; ; turn++ {
		var req WSRequest
		if err := ws.ReadJSON(&req); err != nil {
			logger.Info("websocket session ended", slog.String("reason", err.Error()))
			return
		}

		res, err := h.eng.Respond(ctx, RespondRequest{
			Key:  fmt.Sprintf("ws/%s/%d", session, turn),
			Text: req.Text,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("websocket respond failed", slog.String("error", err.Error()))
			if sendJSON(ws, WSResponse{Action: "error", Error: Apology}) != nil {
				return
			}
			continue
		}
		if sendJSON(ws, WSResponse{Action: "reply", Reply: res.Reply, Result: &res}) != nil {
			return
		}
	}
}
