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
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
)

// DefaultOllamaModel is used when no model is configured.
const DefaultOllamaModel = "gpt-oss"

// OllamaConfig configures an OllamaClient.
type OllamaConfig struct {
	BaseURL string
	Model   string
	Params  GenerationParams
}

// OllamaClient streams chat completions from a local Ollama server through
// langchaingo.
//
// # Limitations
//
//   - Content only. The tools list is ignored and no tool-call-deltas are
//     produced.
type OllamaClient struct {
	llm    *ollama.LLM
	model  string
	params GenerationParams
}

// NewOllamaClient creates an Ollama backend.
func NewOllamaClient(cfg OllamaConfig) (*OllamaClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("OLLAMA_BASE_URL environment variable not set")
	}
	model := cfg.Model
	if model == "" {
		slog.Warn("OLLAMA_MODEL not set, defaulting", "model", DefaultOllamaModel)
		model = DefaultOllamaModel
	}
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")

	llm, err := ollama.New(ollama.WithServerURL(baseURL), ollama.WithModel(model))
	if err != nil {
		return nil, fmt.Errorf("failed to create ollama client: %w", err)
	}
	slog.Info("Initializing Ollama client", "base_url", baseURL, "model", model)
	return &OllamaClient{llm: llm, model: model, params: cfg.Params}, nil
}

// Stream implements GenerationClient.
//
// # Description
//
// langchaingo delivers chunks through a push callback. Stream runs the
// generation in a goroutine and hands chunks to Recv over an unbuffered
// channel, so the upstream read blocks until the consumer pulls. Close
// cancels the generation.
func (o *OllamaClient) Stream(ctx context.Context, messages []datatypes.Message, tools json.RawMessage) (DeltaStream, error) {
	ctx, span := tracer.Start(ctx, "OllamaClient.Stream")
	span.SetAttributes(
		attribute.String("llm.model", o.model),
		attribute.Int("llm.num_messages", len(messages)),
	)
	if len(tools) > 0 {
		slog.Debug("Ollama backend ignores tools", "model", o.model)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &ollamaDeltaStream{
		chunks: make(chan string),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	opts := []llms.CallOption{
		llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
			select {
			case s.chunks <- string(chunk):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}),
	}
	if o.params.Temperature != nil {
		opts = append(opts, llms.WithTemperature(float64(*o.params.Temperature)))
	}
	if o.params.TopP != nil {
		opts = append(opts, llms.WithTopP(float64(*o.params.TopP)))
	}
	if o.params.MaxTokens != nil {
		opts = append(opts, llms.WithMaxTokens(*o.params.MaxTokens))
	}
	if len(o.params.Stop) > 0 {
		opts = append(opts, llms.WithStopWords(o.params.Stop))
	}

	content := toLangchainMessages(messages)
	go func() {
		defer span.End()
		defer close(s.done)
		_, err := o.llm.GenerateContent(ctx, content, opts...)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.err = fmt.Errorf("%w: ollama: %v", datatypes.ErrUpstreamGeneration, err)
		}
	}()

	return s, nil
}

// ollamaDeltaStream bridges the langchaingo callback into pull semantics.
type ollamaDeltaStream struct {
	chunks chan string
	done   chan struct{}
	cancel context.CancelFunc

	// err is written by the generation goroutine before done is closed.
	err       error
	closeOnce sync.Once
}

func (s *ollamaDeltaStream) Recv() (datatypes.DeltaEvent, error) {
	for {
		select {
		case chunk := <-s.chunks:
			if chunk == "" {
				continue
			}
			return datatypes.TextDelta(chunk), nil
		case <-s.done:
			if s.err != nil {
				return datatypes.DeltaEvent{}, s.err
			}
			return datatypes.DeltaEvent{}, io.EOF
		}
	}
}

func (s *ollamaDeltaStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}

func toLangchainMessages(messages []datatypes.Message) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(messages))
	for _, m := range messages {
		var role llms.ChatMessageType
		switch m.Role {
		case datatypes.RoleSystem:
			role = llms.ChatMessageTypeSystem
		case datatypes.RoleAssistant:
			role = llms.ChatMessageTypeAI
		default:
			// Tool results are sent as user turns; the ollama adapter
			// rejects the tool role.
			role = llms.ChatMessageTypeHuman
		}
		out = append(out, llms.TextParts(role, m.Content))
	}
	return out
}
