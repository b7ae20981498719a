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
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/ProEngine/pkg/validation"
	"github.com/AleutianAI/ProEngine/services/engine/errs"
	"github.com/AleutianAI/ProEngine/services/engine/supervisor"
)

// Handlers serves the engine's HTTP API.
type Handlers struct {
	eng    *Engine
	logger *slog.Logger
}

// NewHandlers creates handlers for eng.
func NewHandlers(eng *Engine) *Handlers {
	return &Handlers{eng: eng, logger: eng.logger.With(slog.String("surface", "http"))}
}

// HandleRespond handles POST /v1/engine/respond.
//
// Response:
//
//	200 OK: RespondResult
//	400 Bad Request: invalid body or request
//	409 Conflict: another Respond for the key held it past the lock timeout
//	503 Service Unavailable: engine closed
//	504 Gateway Timeout: respond deadline exceeded
//	500 Internal Server Error: anything else, without detail
func (h *Handlers) HandleRespond(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With(slog.String("request_id", requestID), slog.String("handler", "HandleRespond"))

	var req RespondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Code: "INVALID_REQUEST"})
		return
	}

	res, err := h.eng.Respond(c.Request.Context(), req)
	if err != nil {
		status, resp := respondError(err)
		logger.Warn("respond failed",
			slog.String("key", res.Key),
			slog.String("task_id", res.TaskID),
			slog.String("kind", errs.Kind(err)),
			slog.String("error", err.Error()))
		c.JSON(status, resp)
		return
	}
	c.JSON(http.StatusOK, res)
}

// respondError maps a Respond error to a status and a body that carries no
// internal detail.
func respondError(err error) (int, ErrorResponse) {
	switch {
	case errors.Is(err, errs.ErrValidation):
		return http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"}
	case errors.Is(err, errs.ErrLockTimeout):
		if keyBusy(err) {
			return http.StatusConflict, ErrorResponse{Error: "Message is already being answered", Code: "KEY_BUSY"}
		}
		return http.StatusServiceUnavailable, ErrorResponse{Error: "Engine is busy", Code: "BUSY"}
	case errors.Is(err, ErrClosed):
		return http.StatusServiceUnavailable, ErrorResponse{Error: "Engine is shutting down", Code: "UNAVAILABLE"}
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, ErrorResponse{Error: "Timed out", Code: "TIMEOUT"}
	default:
		return http.StatusInternalServerError, ErrorResponse{Error: Apology, Code: "RESPOND_FAILED"}
	}
}

// keyBusy reports whether a lock timeout was on the request key itself
// rather than on shared engine state.
func keyBusy(err error) bool {
	var lt *errs.LockTimeoutError
	if !errors.As(err, &lt) {
		return false
	}
	return strings.HasPrefix(lt.Resource, "respond:") || strings.HasPrefix(lt.Resource, "store:")
}

// HandleListTasks handles GET /v1/engine/tasks.
func (h *Handlers) HandleListTasks(c *gin.Context) {
	c.JSON(http.StatusOK, TasksResponse{Tasks: h.eng.sup.List()})
}

// HandleGetTask handles GET /v1/engine/tasks/:id.
//
// Response:
//
//	200 OK: supervisor.Snapshot
//	404 Not Found: unknown or already trimmed task
func (h *Handlers) HandleGetTask(c *gin.Context) {
	snap, ok := h.eng.sup.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Task not found", Code: "TASK_NOT_FOUND"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// HandleCancelTask handles POST /v1/engine/tasks/:id/cancel.
//
// Response:
//
//	202 Accepted: cancellation requested
//	404 Not Found: unknown task
func (h *Handlers) HandleCancelTask(c *gin.Context) {
	id := c.Param("id")
	if err := h.eng.sup.Cancel(id); err != nil {
		if errors.Is(err, supervisor.ErrUnknownTask) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "Task not found", Code: "TASK_NOT_FOUND"})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Cancel failed", Code: "CANCEL_FAILED"})
		return
	}
	h.logger.Info("task cancel requested", slog.String("task_id", id))
	c.Status(http.StatusAccepted)
}

// HandleBackoff handles GET /v1/engine/backoff.
func (h *Handlers) HandleBackoff(c *gin.Context) {
	c.JSON(http.StatusOK, BackoffResponse{Operations: h.eng.sup.Backoff().States()})
}

// HandleDatasetEvent handles POST /v1/engine/datasets/events.
//
// Description:
//
//	Queues a changed dataset path for the next tuning pass. The path is
//	relative to the datasets directory and may not escape it.
//
// Response:
//
//	202 Accepted: queued
//	400 Bad Request: missing or escaping path
//	429 Too Many Requests: queue full, event dropped
func (h *Handlers) HandleDatasetEvent(c *gin.Context) {
	var req DatasetEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Code: "INVALID_REQUEST"})
		return
	}
	path, err := validation.ContainedPath(h.eng.cfg.DatasetsDir, req.Path)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Path must be inside the datasets directory", Code: "INVALID_PATH"})
		return
	}

	if err := h.eng.EnqueueDatasetEvent(path); err != nil {
		var drop *errs.BackpressureDrop
		if errors.As(err, &drop) {
			c.Header("Retry-After", strconv.Itoa(int(h.eng.cfg.DrainInterval.Seconds())+1))
			c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: "Dataset queue full", Code: "BACKPRESSURE"})
			return
		}
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
		return
	}
	c.Status(http.StatusAccepted)
}

// HandleHealth handles GET /v1/engine/health.
//
// Response:
//
//	200 OK: HealthResponse
//	503 Service Unavailable: store unreadable or engine closed
func (h *Handlers) HandleHealth(c *gin.Context) {
	resp, err := h.eng.Health(c.Request.Context())
	if err != nil {
		h.logger.Warn("health check failed", slog.String("error", err.Error()))
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "Store unavailable", Code: "UNHEALTHY"})
		return
	}
	if resp.Status != "healthy" {
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// getOrCreateRequestID gets or creates a request ID.
func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}
