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
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// RegisterRoutes registers the /v1/engine/* endpoints.
//
// Endpoints:
//
//	POST /v1/engine/respond            - Answer a message
//	GET  /v1/engine/ws                 - Chat over a websocket
//	GET  /v1/engine/tasks              - List retained tasks
//	GET  /v1/engine/tasks/:id          - Get one task
//	POST /v1/engine/tasks/:id/cancel   - Cancel a task
//	GET  /v1/engine/backoff            - Per-operation backoff state
//	POST /v1/engine/datasets/events    - Queue a dataset change
//	GET  /v1/engine/health             - Health check
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	eng := rg.Group("/engine")
	{
		eng.POST("/respond", handlers.HandleRespond)
		eng.GET("/ws", handlers.HandleWebSocket)

		eng.GET("/tasks", handlers.HandleListTasks)
		eng.GET("/tasks/:id", handlers.HandleGetTask)
		eng.POST("/tasks/:id/cancel", handlers.HandleCancelTask)
		eng.GET("/backoff", handlers.HandleBackoff)

		eng.POST("/datasets/events", handlers.HandleDatasetEvent)

		eng.GET("/health", handlers.HandleHealth)
	}
}

// NewRouter builds the gin router with recovery, tracing middleware, the
// engine API under /v1 and Prometheus metrics at /metrics.
func NewRouter(eng *Engine, serviceName string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))

	RegisterRoutes(router.Group("/v1"), NewHandlers(eng))
	router.GET("/metrics", gin.WrapH(eng.metrics.Handler()))
	return router
}
