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
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
)

// newBridgeStream returns a stream whose producer side is driven by the test.
func newBridgeStream() (*ollamaDeltaStream, context.Context) {
	ctx, cancel := context.WithCancel(context.Background())
	return &ollamaDeltaStream{
		chunks: make(chan string),
		done:   make(chan struct{}),
		cancel: cancel,
	}, ctx
}

func TestOllamaDeltaStream_DeliversChunksInOrder(t *testing.T) {
	s, _ := newBridgeStream()
	go func() {
		for _, c := range []string{"Hel", "", "lo"} {
			s.chunks <- c
		}
		close(s.done)
	}()

	var got []datatypes.DeltaEvent
	for {
		ev, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, ev)
	}
	assert.Equal(t, []datatypes.DeltaEvent{datatypes.TextDelta("Hel"), datatypes.TextDelta("lo")}, got)
}

func TestOllamaDeltaStream_ReportsGenerationError(t *testing.T) {
	s, _ := newBridgeStream()
	s.err = fmt.Errorf("%w: boom", datatypes.ErrUpstreamGeneration)
	close(s.done)

	_, err := s.Recv()
	assert.ErrorIs(t, err, datatypes.ErrUpstreamGeneration)
}

func TestOllamaDeltaStream_CloseCancelsProducer(t *testing.T) {
	s, ctx := newBridgeStream()
	go func() {
		defer close(s.done)
		select {
		case s.chunks <- "never read":
		case <-ctx.Done():
		}
	}()

	closed := make(chan struct{})
	go func() {
		_ = s.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	assert.NoError(t, s.Close(), "second Close is a no-op")
}

func TestOllamaClient_Stream_RoundTrip(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"model":"m","created_at":"2025-01-01T00:00:00Z","message":{"role":"assistant","content":"Hel"},"done":false}`)
		fmt.Fprintln(w, `{"model":"m","created_at":"2025-01-01T00:00:00Z","message":{"role":"assistant","content":"lo"},"done":false}`)
		fmt.Fprintln(w, `{"model":"m","created_at":"2025-01-01T00:00:00Z","message":{"role":"assistant","content":""},"done":true,"done_reason":"stop"}`)
	}))
	defer server.Close()

	client, err := NewOllamaClient(OllamaConfig{BaseURL: server.URL + "/", Model: "m"})
	require.NoError(t, err)

	stream, err := client.Stream(context.Background(), []datatypes.Message{
		{Role: datatypes.RoleSystem, Content: "s"},
		{Role: datatypes.RoleUser, Content: "hi"},
	}, nil)
	require.NoError(t, err)

	events := drain(t, stream)
	var text string
	for _, ev := range events {
		assert.False(t, ev.IsToolCall())
		text += ev.Content
	}
	assert.Equal(t, "Hello", text)
}

func TestToLangchainMessages_Roles(t *testing.T) {
	got := toLangchainMessages([]datatypes.Message{
		{Role: datatypes.RoleSystem, Content: "s"},
		{Role: datatypes.RoleUser, Content: "u"},
		{Role: datatypes.RoleAssistant, Content: "a"},
		{Role: datatypes.RoleTool, Content: "t"},
	})

	require.Len(t, got, 4)
	assert.Equal(t, llms.ChatMessageTypeSystem, got[0].Role)
	assert.Equal(t, llms.ChatMessageTypeHuman, got[1].Role)
	assert.Equal(t, llms.ChatMessageTypeAI, got[2].Role)
	assert.Equal(t, llms.ChatMessageTypeHuman, got[3].Role)
	assert.Equal(t, llms.TextParts(llms.ChatMessageTypeHuman, "u"), got[1])
}
