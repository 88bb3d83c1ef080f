// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the gateway.
//
// # Description
//
// Metrics cover:
//   - Requests by handler and outcome, and requests dropped before routing
//   - Fragments sent by handler and kind
//   - Live WebSocket connections and client disconnects
//   - Memory store operations by operation and outcome
//   - Response duration
//
// Metrics are exposed on /metrics. Callers use DefaultMetrics and skip
// recording when it is nil, so packages work without InitMetrics in tests.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "aleutian"
	gatewaySubsystem = "gateway"
)

// Request outcome labels.
const (
	StatusSuccess   = "success"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// Drop reasons for requests that never reached a handler.
const (
	DropReasonNotFound  = "handler_not_found"
	DropReasonMalformed = "malformed"
)

// Memory operation labels.
const (
	MemoryOpRetrieveRecent   = "retrieve_recent"
	MemoryOpRetrieveRelevant = "retrieve_relevant"
	MemoryOpPersist          = "persist"
)

// GatewayMetrics holds the Prometheus collectors of the gateway.
type GatewayMetrics struct {
	// RequestsTotal counts handled requests.
	// Labels: handler, status (success, error, cancelled)
	RequestsTotal *prometheus.CounterVec

	// DroppedRequestsTotal counts requests dropped at the dispatch boundary.
	// Labels: reason (handler_not_found, malformed)
	DroppedRequestsTotal *prometheus.CounterVec

	// FragmentsTotal counts fragments written to clients.
	// Labels: handler, kind (content, tool_call, finished, generic)
	FragmentsTotal *prometheus.CounterVec

	// ResponseDurationSeconds measures time from dispatch to the last fragment.
	// Labels: handler, status
	ResponseDurationSeconds *prometheus.HistogramVec

	// ActiveConnections tracks open WebSocket connections.
	ActiveConnections prometheus.Gauge

	// ClientDisconnectsTotal counts disconnects in the middle of a response.
	ClientDisconnectsTotal prometheus.Counter

	// MemoryOperationsTotal counts memory store calls.
	// Labels: operation, status (success, error)
	MemoryOperationsTotal *prometheus.CounterVec
}

// DefaultMetrics is the process-wide instance. Nil until InitMetrics.
var DefaultMetrics *GatewayMetrics

// InitMetrics registers the gateway metrics with the default Prometheus
// registry and stores them in DefaultMetrics.
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
func InitMetrics() *GatewayMetrics {
	DefaultMetrics = NewGatewayMetrics(prometheus.DefaultRegisterer)
	return DefaultMetrics
}

// NewGatewayMetrics creates and registers the collectors with reg.
func NewGatewayMetrics(reg prometheus.Registerer) *GatewayMetrics {
	factory := promauto.With(reg)
	return &GatewayMetrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "requests_total",
				Help:      "Total number of handled requests by handler and status",
			},
			[]string{"handler", "status"},
		),

		DroppedRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "dropped_requests_total",
				Help:      "Total number of requests dropped before reaching a handler",
			},
			[]string{"reason"},
		),

		FragmentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "fragments_total",
				Help:      "Total number of fragments sent by handler and kind",
			},
			[]string{"handler", "kind"},
		),

		ResponseDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "response_duration_seconds",
				Help:      "Time from dispatch to the last fragment in seconds",
				Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
			},
			[]string{"handler", "status"},
		),

		ActiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "active_connections",
				Help:      "Number of open WebSocket connections",
			},
		),

		ClientDisconnectsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "client_disconnects_total",
				Help:      "Total client disconnections during a response",
			},
		),

		MemoryOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: gatewaySubsystem,
				Name:      "memory_operations_total",
				Help:      "Total memory store operations by operation and status",
			},
			[]string{"operation", "status"},
		),
	}
}

// RecordRequest records a finished request.
func (m *GatewayMetrics) RecordRequest(handler, status string, seconds float64) {
	m.RequestsTotal.WithLabelValues(handler, status).Inc()
	m.ResponseDurationSeconds.WithLabelValues(handler, status).Observe(seconds)
}

// RecordDropped records a request dropped before routing.
func (m *GatewayMetrics) RecordDropped(reason string) {
	m.DroppedRequestsTotal.WithLabelValues(reason).Inc()
}

// RecordFragment records one fragment written to a client.
func (m *GatewayMetrics) RecordFragment(handler, kind string) {
	m.FragmentsTotal.WithLabelValues(handler, kind).Inc()
}

// ConnectionOpened increments the live connection gauge.
func (m *GatewayMetrics) ConnectionOpened() {
	m.ActiveConnections.Inc()
}

// ConnectionClosed decrements the live connection gauge.
func (m *GatewayMetrics) ConnectionClosed() {
	m.ActiveConnections.Dec()
}

// RecordClientDisconnect records a disconnect during a response.
func (m *GatewayMetrics) RecordClientDisconnect() {
	m.ClientDisconnectsTotal.Inc()
}

// RecordMemoryOp records one memory store call.
func (m *GatewayMetrics) RecordMemoryOp(operation string, err error) {
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	m.MemoryOperationsTotal.WithLabelValues(operation, status).Inc()
}
