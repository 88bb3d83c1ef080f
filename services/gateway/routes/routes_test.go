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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianGateway/services/gateway/handlers"
	"github.com/AleutianAI/AleutianGateway/services/gateway/transport"
)

// ============================================================================
// Test Setup
// ============================================================================

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	registry := handlers.NewRegistry()
	require.NoError(t, registry.Register(handlers.HandlerGeneric, handlers.NewGenericHandler()))

	manager := transport.NewConnectionManager(time.Second, nil)
	wsHandler := transport.NewWebSocketHandler(handlers.NewDispatcher(registry), manager, nil, transport.DefaultOptions())

	router := gin.New()
	SetupRoutes(router, wsHandler, manager, registry.Names())
	return router
}

func get(router *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, path, nil)
	router.ServeHTTP(w, req)
	return w
}

// ============================================================================
// Tests
// ============================================================================

func TestSetupRoutes_RegistersRoutes(t *testing.T) {
	router := newTestRouter(t)

	want := map[string]bool{"/": false, "/health": false, "/ws": false, "/metrics": false}
	for _, r := range router.Routes() {
		if _, ok := want[r.Path]; ok && r.Method == http.MethodGet {
			want[r.Path] = true
		}
	}
	for path, found := range want {
		assert.True(t, found, "route GET %s not registered", path)
	}
}

func TestRoot_Hello(t *testing.T) {
	w := get(newTestRouter(t), "/")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"message":"Hello World"}`, w.Body.String())
}

func TestHealthCheck_ReportsStatus(t *testing.T) {
	w := get(newTestRouter(t), "/health")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")

	var body struct {
		Status      string   `json:"status"`
		Connections int      `json:"connections"`
		Handlers    []string `json:"handlers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 0, body.Connections)
	assert.Equal(t, []string{handlers.HandlerGeneric}, body.Handlers)
}

func TestHealthCheck_NilManager(t *testing.T) {
	router := gin.New()
	router.GET("/health", HealthCheck(nil, nil))

	w := get(router, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"connections":0`)
}

func TestMetrics_Exposed(t *testing.T) {
	w := get(newTestRouter(t), "/metrics")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestWebSocket_RejectsPlainHTTP(t *testing.T) {
	w := get(newTestRouter(t), "/ws")

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
