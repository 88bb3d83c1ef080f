// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianGateway/services/gateway/handlers"
	"github.com/AleutianAI/AleutianGateway/services/gateway/observability"
)

// Options configures per-connection behavior.
type Options struct {
	// ReadLimit caps one inbound frame in bytes.
	ReadLimit int64

	// RequestsPerSecond and Burst configure the per-connection token bucket.
	RequestsPerSecond float64
	Burst             int

	// PongWait is how long the read pump waits for any inbound traffic
	// before treating the client as gone. Pings are sent every PingInterval,
	// which must be shorter.
	PongWait     time.Duration
	PingInterval time.Duration

	// WriteTimeout bounds a single fragment write.
	WriteTimeout time.Duration

	// QueueSize is the number of decoded frames buffered ahead of the
	// request loop.
	QueueSize int
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	return Options{
		ReadLimit:         4 << 20,
		RequestsPerSecond: 5,
		Burst:             10,
		PongWait:          60 * time.Second,
		PingInterval:      50 * time.Second,
		WriteTimeout:      10 * time.Second,
		QueueSize:         16,
	}
}

// WebSocketHandler serves the gateway protocol on an upgraded connection.
//
// # Description
//
// Inbound frames are JSON objects routed by their "handler" field. Frames
// naming no handler, an unknown handler, or that are not JSON objects are
// dropped silently and the connection stays open. Requests on one
// connection are processed sequentially, in arrival order.
//
// Every fragment a handler yields is written immediately as its own text
// message. Handler errors are logged and never sent to the client.
//
// # Limitations
//
//   - A client that stops reading blocks its own request loop until
//     WriteTimeout expires.
type WebSocketHandler struct {
	dispatcher *handlers.Dispatcher
	manager    *ConnectionManager
	metrics    *observability.GatewayMetrics
	opts       Options
	upgrader   websocket.Upgrader
}

// NewWebSocketHandler creates a handler. metrics may be nil.
func NewWebSocketHandler(dispatcher *handlers.Dispatcher, manager *ConnectionManager,
	metrics *observability.GatewayMetrics, opts Options) *WebSocketHandler {
	if dispatcher == nil || manager == nil {
		panic("NewWebSocketHandler: dispatcher and manager must not be nil")
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 1
	}
	return &WebSocketHandler{
		dispatcher: dispatcher,
		manager:    manager,
		metrics:    metrics,
		opts:       opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Handle upgrades the request and serves the connection until it closes.
func (h *WebSocketHandler) Handle(c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("failed to upgrade the websocket", "error", err)
		return
	}
	conn := h.manager.Connect(ws)
	defer h.manager.Disconnect(conn)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	frames := make(chan []byte, h.opts.QueueSize)
	go h.readPump(ctx, cancel, conn, frames)
	go h.pingLoop(ctx, conn)

	limiter := rate.NewLimiter(rate.Limit(h.opts.RequestsPerSecond), h.opts.Burst)
	for raw := range frames {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		if !h.serve(ctx, conn, raw) {
			return
		}
	}
}

// readPump reads frames until the socket fails, then cancels ctx.
func (h *WebSocketHandler) readPump(ctx context.Context, cancel context.CancelFunc, conn *Connection, frames chan<- []byte) {
	defer close(frames)
	defer cancel()

	ws := conn.ws
	ws.SetReadLimit(h.opts.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	})

	for {
		msgType, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				slog.Warn("WebSocket read failed", "connection_id", conn.ID, "error", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(h.opts.PongWait))
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		select {
		case frames <- raw:
		case <-ctx.Done():
			return
		}
	}
}

func (h *WebSocketHandler) pingLoop(ctx context.Context, conn *Connection) {
	if h.opts.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(h.opts.WriteTimeout)
			if err := conn.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// serve processes one frame. It returns false when the connection is no
// longer usable.
func (h *WebSocketHandler) serve(ctx context.Context, conn *Connection, raw []byte) bool {
	logger := slog.With("connection_id", conn.ID)

	req, handler, err := h.dispatcher.Route(raw)
	if err != nil {
		h.drop(logger, err)
		return true
	}
	logger = logger.With("handler", req.Handler, "request_id", req.RequestID)
	logger.Debug("Dispatching request")

	start := time.Now()
	status := observability.StatusSuccess
	alive := true

	for frag, err := range handler.Handle(ctx, req) {
		if err != nil {
			status = h.classify(logger, err, status)
			continue
		}
		if err := conn.WriteJSON(frag); err != nil {
			logger.Info("Client went away mid-response", "error", err)
			if h.metrics != nil {
				h.metrics.RecordClientDisconnect()
			}
			status = observability.StatusCancelled
			alive = false
			break
		}
		if h.metrics != nil {
			h.metrics.RecordFragment(req.Handler, frag.Kind.String())
		}
	}

	if h.metrics != nil {
		h.metrics.RecordRequest(req.Handler, status, time.Since(start).Seconds())
	}
	return alive && ctx.Err() == nil
}

// drop records a frame that never reached a handler.
func (h *WebSocketHandler) drop(logger *slog.Logger, err error) {
	reason := observability.DropReasonMalformed
	if errors.Is(err, datatypes.ErrHandlerNotFound) {
		reason = observability.DropReasonNotFound
	}
	if h.metrics != nil {
		h.metrics.RecordDropped(reason)
	}
	logger.Debug("Dropping request", "reason", reason, "error", err)
}

// classify logs a handler error and returns the request status.
func (h *WebSocketHandler) classify(logger *slog.Logger, err error, status string) string {
	switch {
	case errors.Is(err, datatypes.ErrMemoryPersist):
		// The response was already delivered.
		logger.Warn("Failed to persist conversation memory", "error", err)
		return status
	case errors.Is(err, context.Canceled):
		logger.Info("Request cancelled", "error", err)
		return observability.StatusCancelled
	case errors.Is(err, datatypes.ErrMalformedRequest):
		logger.Debug("Rejected malformed request", "error", err)
		if h.metrics != nil {
			h.metrics.RecordDropped(observability.DropReasonMalformed)
		}
		return observability.StatusError
	default:
		logger.Error("Request failed", "error", err)
		return observability.StatusError
	}
}
