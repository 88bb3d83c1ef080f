// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianGateway/services/gateway/memory"
	"github.com/AleutianAI/AleutianGateway/services/gateway/observability"
)

// DefaultPersistTimeout bounds the persist call after a completed response.
const DefaultPersistTimeout = 30 * time.Second

// EscapeName normalizes a character name into a partition key: surrounding
// whitespace is trimmed, commas are removed and spaces become underscores.
//
//	EscapeName("Jane, Doe ") == "Jane_Doe"
func EscapeName(name string) string {
	name = strings.TrimSpace(name)
	name = strings.ReplaceAll(name, ",", "")
	return strings.ReplaceAll(name, " ", "_")
}

// MergeContext returns relevant followed by the recent messages whose
// content does not already appear in relevant. Relative order within each
// input is preserved.
func MergeContext(relevant, recent []datatypes.Message) []datatypes.Message {
	seen := make(map[string]struct{}, len(relevant))
	out := make([]datatypes.Message, 0, len(relevant)+len(recent))
	for _, m := range relevant {
		seen[m.Content] = struct{}{}
		out = append(out, m)
	}
	for _, m := range recent {
		if _, dup := seen[m.Content]; dup {
			continue
		}
		out = append(out, m)
	}
	return out
}

// MemoryConfig tunes a MemoryAugmentedChatHandler. Zero values take defaults.
type MemoryConfig struct {
	// NearestLimit is the number of relevant turns retrieved. Default 10.
	NearestLimit int

	// RecentLimit is the number of recent turns retrieved. Default 10.
	RecentLimit int

	// PersistTimeout bounds the persist call. Default 30s.
	PersistTimeout time.Duration
}

// MemoryAugmentedChatHandler adds partition memory to a ChatStreamHandler.
//
// # Description
//
// For each request it:
//
//  1. Derives the partition from character_name with EscapeName.
//  2. Retrieves turns relevant to the last message and the most recent
//     turns, and merges them with MergeContext.
//  3. Rewrites the conversation to [messages[0]] + context + messages[1:].
//  4. Relays every fragment of the wrapped ChatStreamHandler unchanged while
//     accumulating the text of content fragments.
//  5. After the finished fragment, if any text was produced, persists
//     messages[1:] plus one assistant message holding the text.
//
// # Errors
//
//   - Missing character_name or empty messages: datatypes.ErrMalformedRequest,
//     before any store call.
//   - Retrieval failure: datatypes.ErrMemoryRetrieval, before generation.
//   - Persist failure: datatypes.ErrMemoryPersist, yielded after the finished
//     fragment. Delivered fragments are unaffected.
//
// # Cancellation
//
// Nothing is persisted when the consumer stops early or the generation
// fails. A response that reached its finished fragment is persisted even if
// ctx is cancelled afterwards.
//
// # Assumptions
//
//   - messages[0] is the system message. It is never stored.
type MemoryAugmentedChatHandler struct {
	chat           *ChatStreamHandler
	store          memory.Store
	nearestLimit   int
	recentLimit    int
	persistTimeout time.Duration
}

// NewMemoryAugmentedChatHandler creates a handler that wraps chat with store.
func NewMemoryAugmentedChatHandler(chat *ChatStreamHandler, store memory.Store, cfg MemoryConfig) *MemoryAugmentedChatHandler {
	if chat == nil {
		panic("NewMemoryAugmentedChatHandler: chat must not be nil")
	}
	if store == nil {
		panic("NewMemoryAugmentedChatHandler: store must not be nil")
	}
	if cfg.NearestLimit <= 0 {
		cfg.NearestLimit = memory.DefaultLimit
	}
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = memory.DefaultLimit
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = DefaultPersistTimeout
	}
	return &MemoryAugmentedChatHandler{
		chat:           chat,
		store:          store,
		nearestLimit:   cfg.NearestLimit,
		recentLimit:    cfg.RecentLimit,
		persistTimeout: cfg.PersistTimeout,
	}
}

// Handle implements Handler.
func (h *MemoryAugmentedChatHandler) Handle(ctx context.Context, req *datatypes.Request) iter.Seq2[datatypes.Fragment, error] {
	return func(yield func(datatypes.Fragment, error) bool) {
		if err := req.ValidateMemory(); err != nil {
			yield(datatypes.Fragment{}, err)
			return
		}
		partition := EscapeName(req.CharacterName)
		if partition == "" {
			yield(datatypes.Fragment{}, fmt.Errorf("%w: character_name %q is empty after normalization",
				datatypes.ErrMalformedRequest, req.CharacterName))
			return
		}

		ctx, span := tracer.Start(ctx, "MemoryAugmentedChatHandler.Handle")
		defer span.End()
		span.SetAttributes(
			attribute.String("request.id", req.RequestID),
			attribute.String("memory.partition", partition),
		)
		logger := slog.With("request_id", req.RequestID, "partition", partition)

		augmented, err := h.augment(ctx, partition, req.Messages)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger.Error("Memory retrieval failed", "error", err)
			yield(datatypes.Fragment{}, err)
			return
		}
		span.SetAttributes(attribute.Int("memory.context_size", len(augmented)-len(req.Messages)))

		inner := *req
		inner.Messages = augmented

		var response strings.Builder
		finished := false
		for frag, err := range h.chat.generate(ctx, &inner) {
			if err != nil {
				yield(frag, err)
				return
			}
			if frag.Kind == datatypes.FragmentContent {
				response.WriteString(frag.Message)
			}
			if !yield(frag, nil) {
				logger.Debug("Consumer stopped, skipping persistence")
				return
			}
			if frag.IsFinished() {
				finished = true
			}
		}
		if !finished || response.Len() == 0 {
			return
		}

		turns := make([]datatypes.Message, 0, len(req.Messages))
		turns = append(turns, req.Messages[1:]...)
		turns = append(turns, datatypes.Message{Role: datatypes.RoleAssistant, Content: response.String()})

		persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.persistTimeout)
		defer cancel()
		err = h.store.Persist(persistCtx, partition, turns)
		recordMemoryOp(observability.MemoryOpPersist, err)
		if err != nil {
			err = fmt.Errorf("%w: %w", datatypes.ErrMemoryPersist, err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			yield(datatypes.Fragment{}, err)
			return
		}
		logger.Debug("Persisted exchange", "turns", len(turns))
	}
}

// augment builds [messages[0]] + merged context + messages[1:].
func (h *MemoryAugmentedChatHandler) augment(ctx context.Context, partition string, messages datatypes.Conversation) (datatypes.Conversation, error) {
	last, _ := messages.Last()

	relevant, err := h.store.RetrieveRelevant(ctx, partition, last.Content, h.nearestLimit)
	recordMemoryOp(observability.MemoryOpRetrieveRelevant, err)
	if err != nil {
		return nil, fmt.Errorf("%w: relevant turns: %w", datatypes.ErrMemoryRetrieval, err)
	}
	recent, err := h.store.RetrieveRecent(ctx, partition, h.recentLimit)
	recordMemoryOp(observability.MemoryOpRetrieveRecent, err)
	if err != nil {
		return nil, fmt.Errorf("%w: recent turns: %w", datatypes.ErrMemoryRetrieval, err)
	}

	merged := MergeContext(relevant, recent)
	out := make(datatypes.Conversation, 0, len(messages)+len(merged))
	out = append(out, messages[0])
	out = append(out, merged...)
	out = append(out, messages[1:]...)
	return out, nil
}

func recordMemoryOp(op string, err error) {
	if observability.DefaultMetrics != nil {
		observability.DefaultMetrics.RecordMemoryOp(op, err)
	}
}
