// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
)

const (
	// OpenAISecretPath is the Podman secret consulted when OPENAI_API_KEY is unset.
	OpenAISecretPath = "/run/secrets/openai_api_key"

	// DefaultOpenAIModel is used when no model is configured.
	DefaultOpenAIModel = "gpt-4o-mini"
)

// OpenAIConfig configures an OpenAIClient.
type OpenAIConfig struct {
	// APIKey falls back to ResolveOpenAIKey when empty.
	APIKey string

	// Model defaults to DefaultOpenAIModel.
	Model string

	// EmbeddingModel defaults to text-embedding-3-small.
	EmbeddingModel string

	// BaseURL overrides the API endpoint, e.g. for a proxy or a test server.
	BaseURL string

	Params GenerationParams
}

// OpenAIClient streams chat completions from the OpenAI API.
type OpenAIClient struct {
	client         *openai.Client
	model          string
	embeddingModel openai.EmbeddingModel
	params         GenerationParams
}

// ResolveOpenAIKey reads the API key from OPENAI_API_KEY, then from the
// Podman secret at OpenAISecretPath.
func ResolveOpenAIKey() (string, error) {
	if key := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); key != "" {
		return key, nil
	}
	keyBytes, err := os.ReadFile(OpenAISecretPath)
	if err != nil {
		slog.Error("OPENAI_API_KEY environment variable not set and secret not found", "path", OpenAISecretPath)
		return "", fmt.Errorf("OPENAI_API_KEY environment variable not set")
	}
	slog.Info("Read the OpenAI API Key from Podman Secrets")
	return strings.TrimSpace(string(keyBytes)), nil
}

// NewOpenAIClient creates an OpenAI backend.
//
// # Inputs
//
//   - cfg: Client configuration. Empty fields take their defaults.
//
// # Outputs
//
//   - *OpenAIClient: Ready client.
//   - error: Non-nil if no API key could be resolved.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		var err error
		if apiKey, err = ResolveOpenAIKey(); err != nil {
			return nil, err
		}
	}
	model := cfg.Model
	if model == "" {
		model = DefaultOpenAIModel
		slog.Warn("OPENAI_MODEL not set, defaulting", "model", model)
	}
	embeddingModel := openai.EmbeddingModel(cfg.EmbeddingModel)
	if embeddingModel == "" {
		embeddingModel = openai.SmallEmbedding3
	}

	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}

	slog.Info("Initializing OpenAI client", "model", model)
	return &OpenAIClient{
		client:         openai.NewClientWithConfig(clientCfg),
		model:          model,
		embeddingModel: embeddingModel,
		params:         cfg.Params,
	}, nil
}

// Stream implements GenerationClient.
//
// # Description
//
// Opens a streamed chat completion. Each chunk's first choice is converted
// into DeltaEvents: one tool-call-delta per tool call entry, otherwise one
// content-delta whose empty Content marks the end of the content turn.
// Chunks without choices (usage reports) are skipped.
func (o *OpenAIClient) Stream(ctx context.Context, messages []datatypes.Message, tools json.RawMessage) (DeltaStream, error) {
	ctx, span := tracer.Start(ctx, "OpenAIClient.Stream")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", o.model),
		attribute.Int("llm.num_messages", len(messages)),
	)

	req := openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: toOpenAIMessages(messages),
		Stream:   true,
	}
	if len(tools) > 0 {
		var decoded []openai.Tool
		if err := json.Unmarshal(tools, &decoded); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("%w: decode tools: %v", datatypes.ErrMalformedRequest, err)
		}
		req.Tools = decoded
		span.SetAttributes(attribute.Int("llm.num_tools", len(decoded)))
	}
	if o.params.Temperature != nil {
		req.Temperature = *o.params.Temperature
	}
	if o.params.TopP != nil {
		req.TopP = *o.params.TopP
	}
	if o.params.MaxTokens != nil {
		req.MaxCompletionTokens = *o.params.MaxTokens
	}
	if len(o.params.Stop) > 0 {
		req.Stop = o.params.Stop
	}

	stream, err := o.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("OpenAI stream request failed", "model", o.model, "error", err)
		return nil, upstreamError(err)
	}
	return &openAIDeltaStream{stream: stream}, nil
}

// Embed returns one embedding vector per input text, in input order.
func (o *OpenAIClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, span := tracer.Start(ctx, "OpenAIClient.Embed")
	defer span.End()
	span.SetAttributes(attribute.Int("llm.num_inputs", len(texts)))

	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: o.embeddingModel,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("OpenAI embeddings call failed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("OpenAI returned %d embeddings for %d inputs", len(resp.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("OpenAI returned embedding index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// openAIDeltaStream adapts a go-openai chat stream to DeltaStream.
type openAIDeltaStream struct {
	stream  *openai.ChatCompletionStream
	pending []datatypes.DeltaEvent
}

func (s *openAIDeltaStream) Recv() (datatypes.DeltaEvent, error) {
	for len(s.pending) == 0 {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return datatypes.DeltaEvent{}, io.EOF
		}
		if err != nil {
			return datatypes.DeltaEvent{}, upstreamError(err)
		}
		s.pending = deltaEventsFromChunk(resp)
	}
	ev := s.pending[0]
	s.pending = s.pending[1:]
	return ev, nil
}

func (s *openAIDeltaStream) Close() error {
	return s.stream.Close()
}

// deltaEventsFromChunk converts one streamed chunk into delta events.
func deltaEventsFromChunk(resp openai.ChatCompletionStreamResponse) []datatypes.DeltaEvent {
	if len(resp.Choices) == 0 {
		return nil
	}
	delta := resp.Choices[0].Delta
	if len(delta.ToolCalls) == 0 {
		return []datatypes.DeltaEvent{datatypes.TextDelta(delta.Content)}
	}

	events := make([]datatypes.DeltaEvent, 0, len(delta.ToolCalls))
	for i, tc := range delta.ToolCalls {
		index := i
		if tc.Index != nil {
			index = *tc.Index
		}
		events = append(events, datatypes.ToolDelta(index, tc.ID, tc.Function.Name, tc.Function.Arguments))
	}
	return events
}

func toOpenAIMessages(messages []datatypes.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}
	return out
}

// upstreamError wraps err with ErrUpstreamGeneration. The status code of
// API errors is kept in the message and err stays in the chain, so a
// cancelled request still matches context.Canceled.
func upstreamError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%w: status %d: %w", datatypes.ErrUpstreamGeneration, apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return fmt.Errorf("%w: status %d: %w", datatypes.ErrUpstreamGeneration, reqErr.HTTPStatusCode, err)
	}
	return fmt.Errorf("%w: %w", datatypes.ErrUpstreamGeneration, err)
}
