// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianGateway/services/gateway/transport"
)

// SetupRoutes registers the HTTP surface of the gateway.
//
//	GET /         hello
//	GET /health   liveness plus live connection count
//	GET /ws       WebSocket endpoint
//	GET /metrics  Prometheus
//
// handlerNames is reported by /health so operators can see whether the
// memory handler is enabled.
func SetupRoutes(router *gin.Engine, wsHandler *transport.WebSocketHandler,
	manager *transport.ConnectionManager, handlerNames []string) {

	router.GET("/", Root)
	router.GET("/health", HealthCheck(manager, handlerNames))
	router.GET("/ws", wsHandler.Handle)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// Root answers the hello probe.
func Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "Hello World"})
}

// HealthCheck reports liveness. manager may be nil.
func HealthCheck(manager *transport.ConnectionManager, handlerNames []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		connections := 0
		if manager != nil {
			connections = manager.Count()
		}
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"connections": connections,
			"handlers":    handlerNames,
		})
	}
}
