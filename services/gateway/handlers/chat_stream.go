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
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianGateway/services/gateway/aggregator"
	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianGateway/services/llm"
)

// ChatStreamHandler streams a generation through a ChunkAggregator.
//
// # Description
//
// Handle opens a generation stream for the request's messages and tools,
// feeds every delta to a fresh aggregator and yields each fragment as soon
// as the aggregator produces it. After the upstream stream ends it yields
// the aggregator's closing fragment, if any, then {"finished": true}.
//
// # Errors
//
//   - Empty messages: datatypes.ErrMalformedRequest, before any upstream call.
//   - Stream open or read failure: datatypes.ErrUpstreamGeneration, yielded
//     as the last element. No finished fragment follows.
//
// # Cancellation
//
// When the consumer stops ranging, the handler stops reading and closes the
// upstream stream. A cancelled ctx surfaces as an upstream error.
type ChatStreamHandler struct {
	client llm.GenerationClient
}

// NewChatStreamHandler creates a handler over client.
func NewChatStreamHandler(client llm.GenerationClient) *ChatStreamHandler {
	if client == nil {
		panic("NewChatStreamHandler: client must not be nil")
	}
	return &ChatStreamHandler{client: client}
}

// Handle implements Handler.
func (h *ChatStreamHandler) Handle(ctx context.Context, req *datatypes.Request) iter.Seq2[datatypes.Fragment, error] {
	if err := req.ValidateChat(); err != nil {
		return errorSeq(err)
	}
	return h.generate(ctx, req)
}

// generate runs the stream without validating req. The memory handler calls
// it with a conversation that may exceed the inbound message limit.
func (h *ChatStreamHandler) generate(ctx context.Context, req *datatypes.Request) iter.Seq2[datatypes.Fragment, error] {
	return func(yield func(datatypes.Fragment, error) bool) {
		ctx, span := tracer.Start(ctx, "ChatStreamHandler.Handle")
		defer span.End()
		span.SetAttributes(
			attribute.String("request.id", req.RequestID),
			attribute.Int("request.num_messages", len(req.Messages)),
		)

		fail := func(err error) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("Generation stream failed", "request_id", req.RequestID, "error", err)
			yield(datatypes.Fragment{}, err)
		}

		stream, err := h.client.Stream(ctx, req.Messages, req.Tools)
		if err != nil {
			fail(asUpstreamError(err))
			return
		}
		defer stream.Close()

		agg := aggregator.NewChunkAggregator()
		events := 0
		for {
			if err := ctx.Err(); err != nil {
				fail(fmt.Errorf("%w: %w", datatypes.ErrUpstreamGeneration, err))
				return
			}
			ev, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				fail(asUpstreamError(err))
				return
			}
			events++
			if frag, ok := agg.Process(ev); ok {
				if !yield(frag, nil) {
					slog.Debug("Consumer stopped mid-stream", "request_id", req.RequestID, "events", events)
					return
				}
			}
		}

		span.SetAttributes(
			attribute.Int("stream.events", events),
			attribute.String("stream.mode", agg.State().Mode.String()),
		)
		if frag, ok := agg.Finish(); ok {
			if !yield(frag, nil) {
				return
			}
		}
		yield(datatypes.FinishedFragment(), nil)
	}
}

// asUpstreamError wraps err with ErrUpstreamGeneration unless it already
// carries a classification.
func asUpstreamError(err error) error {
	if errors.Is(err, datatypes.ErrUpstreamGeneration) || errors.Is(err, datatypes.ErrMalformedRequest) {
		return err
	}
	return fmt.Errorf("%w: %w", datatypes.ErrUpstreamGeneration, err)
}
