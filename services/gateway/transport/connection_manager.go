// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transport carries gateway requests and fragments over WebSocket.
//
// Each connection runs two goroutines: a read pump that decodes frames and
// cancels the connection context when the client goes away, and the
// request loop that dispatches frames one at a time and writes every
// fragment as its own text message.
package transport

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianGateway/services/gateway/observability"
)

// Connection is one live client channel.
type Connection struct {
	ID          string
	ConnectedAt time.Time

	ws           *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
	closeOnce    sync.Once
}

// WriteJSON writes v as a single text message.
func (c *Connection) WriteJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteJSON(v)
}

// close sends a close frame when possible and releases the socket.
func (c *Connection) close(code int, reason string) {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.ws.Close()
	})
}

// ConnectionManager tracks live connections.
//
// # Description
//
// Connect assigns an ID and registers the socket; Disconnect removes and
// closes it. CloseAll is used on shutdown, since http.Server.Shutdown does
// not track hijacked connections.
//
// # Thread Safety
//
// Safe for concurrent use.
type ConnectionManager struct {
	mu           sync.RWMutex
	conns        map[string]*Connection
	writeTimeout time.Duration
	metrics      *observability.GatewayMetrics
}

// NewConnectionManager creates an empty manager. metrics may be nil.
func NewConnectionManager(writeTimeout time.Duration, metrics *observability.GatewayMetrics) *ConnectionManager {
	return &ConnectionManager{
		conns:        make(map[string]*Connection),
		writeTimeout: writeTimeout,
		metrics:      metrics,
	}
}

// Connect registers an upgraded socket.
func (m *ConnectionManager) Connect(ws *websocket.Conn) *Connection {
	conn := &Connection{
		ID:           uuid.NewString(),
		ConnectedAt:  time.Now(),
		ws:           ws,
		writeTimeout: m.writeTimeout,
	}

	m.mu.Lock()
	m.conns[conn.ID] = conn
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ConnectionOpened()
	}
	slog.Info("WebSocket client connected", "connection_id", conn.ID, "remote", ws.RemoteAddr().String())
	return conn
}

// Disconnect unregisters and closes conn. Repeated calls are no-ops.
func (m *ConnectionManager) Disconnect(conn *Connection) {
	m.mu.Lock()
	_, ok := m.conns[conn.ID]
	delete(m.conns, conn.ID)
	m.mu.Unlock()

	conn.close(websocket.CloseNormalClosure, "")
	if !ok {
		return
	}
	if m.metrics != nil {
		m.metrics.ConnectionClosed()
	}
	slog.Info("WebSocket client disconnected",
		"connection_id", conn.ID,
		"duration", time.Since(conn.ConnectedAt).String())
}

// Count returns the number of live connections.
func (m *ConnectionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// CloseAll sends a going-away close frame to every connection. The request
// loops observe the closed sockets and unregister themselves.
func (m *ConnectionManager) CloseAll() {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
}
