// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm provides the upstream generation backends used by the gateway.
//
// Every backend implements GenerationClient and exposes its response as a
// pull-driven DeltaStream. Backends translate their provider's wire format
// into datatypes.DeltaEvent and wrap provider failures with
// datatypes.ErrUpstreamGeneration.
package llm

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
)

var tracer = otel.Tracer("aleutian.gateway.llm")

// GenerationParams holds optional sampling parameters. Nil means provider default.
type GenerationParams struct {
	Temperature *float32 `json:"temperature" yaml:"temperature"`
	TopP        *float32 `json:"top_p" yaml:"top_p"`
	MaxTokens   *int     `json:"max_tokens" yaml:"max_tokens"`
	Stop        []string `json:"stop" yaml:"stop"`
}

// GenerationClient opens streamed chat completions.
//
// # Description
//
// Stream starts a generation for messages and returns as soon as the
// upstream accepted the request. tools is the request's opaque tool schema
// list, forwarded verbatim; backends without tool support ignore it.
//
// # Outputs
//
//   - DeltaStream: Must be closed by the caller.
//   - error: Wraps datatypes.ErrUpstreamGeneration.
type GenerationClient interface {
	Stream(ctx context.Context, messages []datatypes.Message, tools json.RawMessage) (DeltaStream, error)
}

// DeltaStream is a lazy, finite, single-pass sequence of delta events.
//
// Recv blocks until the next event is available. It returns io.EOF after
// the last event and an error wrapping datatypes.ErrUpstreamGeneration on
// failure. Close releases the upstream connection and may be called at any
// time, including mid-stream.
type DeltaStream interface {
	Recv() (datatypes.DeltaEvent, error)
	Close() error
}
