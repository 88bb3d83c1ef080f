// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package memory provides the semantic conversation memory used by the
// memory-augmented chat handler.
//
// A Store is partitioned by conversational identity. Partitions are created
// implicitly on first access. Two implementations are provided:
//
//   - WeaviateStore: one Weaviate class per partition, vectorized server side
//   - BadgerStore: local embedded store, vectors from an Embedder, cosine ranking
//
// Stores are safe for concurrent use across partitions. Concurrent writers to
// one partition are not coordinated.
package memory

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
)

var tracer = otel.Tracer("aleutian.gateway.memory")

// DefaultLimit is the default number of turns returned by each retrieval.
const DefaultLimit = 10

// Store is the memory capability consumed by the chat handlers.
//
// # Description
//
// RetrieveRecent returns at most limit messages, most recent first.
// RetrieveRelevant returns at most limit messages ranked by semantic
// similarity to query. Persist appends messages to the partition in order.
// Persisted turns are immutable and never deleted.
type Store interface {
	RetrieveRecent(ctx context.Context, partition string, limit int) ([]datatypes.Message, error)
	RetrieveRelevant(ctx context.Context, partition, query string, limit int) ([]datatypes.Message, error)
	Persist(ctx context.Context, partition string, messages []datatypes.Message) error
}

// Embedder turns texts into vectors, one per input in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Turn is a persisted message with its store metadata.
type Turn struct {
	ID        string         `json:"id"`
	Role      datatypes.Role `json:"role"`
	Content   string         `json:"content"`
	Timestamp int64          `json:"timestamp"`
	Vector    []float32      `json:"vector,omitempty"`
}

// Message returns the conversation view of the turn.
func (t Turn) Message() datatypes.Message {
	return datatypes.Message{Role: t.Role, Content: t.Content}
}

// turnTimestamps assigns strictly increasing timestamps to a batch so that
// recency order matches persist order.
func turnTimestamps(now time.Time, n int) []int64 {
	base := now.UnixNano()
	out := make([]int64, n)
	for i := range out {
		out[i] = base + int64(i)
	}
	return out
}
