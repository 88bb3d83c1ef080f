// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// ParseRequest Tests
// =============================================================================

func TestParseRequest_RecognizedFields(t *testing.T) {
	raw := []byte(`{
		"handler": "openai_memory",
		"character_name": "Jane, Doe",
		"messages": [{"role":"system","content":"be nice"},{"role":"user","content":"hi"}],
		"tools": [{"type":"function","function":{"name":"f"}}],
		"extra": 7
	}`)

	req, err := ParseRequest(raw)
	require.NoError(t, err)

	assert.Equal(t, "openai_memory", req.Handler)
	assert.Equal(t, "Jane, Doe", req.CharacterName)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, RoleSystem, req.Messages[0].Role)
	assert.Equal(t, "hi", req.Messages[1].Content)
	assert.JSONEq(t, `[{"type":"function","function":{"name":"f"}}]`, string(req.Tools))
	assert.Equal(t, float64(7), req.Raw["extra"])
	assert.NotEmpty(t, req.RequestID)
}

func TestParseRequest_MissingHandlerIsNotAParseError(t *testing.T) {
	req, err := ParseRequest([]byte(`{"x":1}`))
	require.NoError(t, err)
	assert.Empty(t, req.Handler)
}

func TestParseRequest_NullToolsDropped(t *testing.T) {
	req, err := ParseRequest([]byte(`{"handler":"openai","tools":null}`))
	require.NoError(t, err)
	assert.Nil(t, req.Tools)
}

func TestParseRequest_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{handler:`},
		{"array", `[1,2]`},
		{"null", `null`},
		{"wrong messages type", `{"handler":"openai","messages":"hi"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRequest([]byte(tt.raw))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedRequest))
		})
	}
}

func TestRequest_PayloadDropsHandler(t *testing.T) {
	req, err := ParseRequest([]byte(`{"handler":"generic","x":1,"nested":{"y":"z"}}`))
	require.NoError(t, err)

	payload := req.Payload()
	assert.NotContains(t, payload, HandlerKey)
	assert.Equal(t, float64(1), payload["x"])
	assert.Equal(t, map[string]any{"y": "z"}, payload["nested"])

	// Raw is untouched.
	assert.Contains(t, req.Raw, HandlerKey)
}

// =============================================================================
// Validation Tests
// =============================================================================

func TestRequest_ValidateChat(t *testing.T) {
	tooMany := make(Conversation, MaxMessagesPerRequest+1)
	for i := range tooMany {
		tooMany[i] = Message{Role: RoleUser, Content: "m"}
	}

	tests := []struct {
		name     string
		messages Conversation
		wantErr  bool
	}{
		{"single user message", Conversation{{Role: RoleUser, Content: "hi"}}, false},
		{"empty content allowed", Conversation{{Role: RoleAssistant}}, false},
		{"empty", nil, true},
		{"bad role", Conversation{{Role: "robot", Content: "hi"}}, true},
		{"missing role", Conversation{{Content: "hi"}}, true},
		{"too many", tooMany, true},
		{"content too large", Conversation{{Role: RoleUser, Content: strings.Repeat("a", MaxMessageContentBytes+1)}}, true},
		{"content at limit", Conversation{{Role: RoleUser, Content: strings.Repeat("a", MaxMessageContentBytes)}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &Request{Handler: "openai", Messages: tt.messages}
			err := req.ValidateChat()
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrMalformedRequest)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestRequest_ValidateChat_Tools(t *testing.T) {
	tests := []struct {
		name    string
		tools   string
		wantErr bool
	}{
		{"absent", "", false},
		{"empty list", `[]`, false},
		{"function list", `[{"type":"function","function":{"name":"f"}}]`, false},
		{"object", `{"not":"a list"}`, true},
		{"list of scalars", `[1,2]`, true},
		{"string", `"tools"`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &Request{Handler: "openai", Messages: Conversation{{Role: RoleUser, Content: "hi"}}}
			if tt.tools != "" {
				req.Tools = json.RawMessage(tt.tools)
			}
			err := req.ValidateChat()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedRequest)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestRequest_ValidateMemory_RequiresCharacterName(t *testing.T) {
	req := &Request{
		Handler:       "openai_memory",
		CharacterName: "   ",
		Messages:      Conversation{{Role: RoleSystem, Content: "s"}, {Role: RoleUser, Content: "u"}},
	}
	assert.ErrorIs(t, req.ValidateMemory(), ErrMalformedRequest)

	req.CharacterName = "Jane"
	assert.NoError(t, req.ValidateMemory())
}

// =============================================================================
// Fragment Tests
// =============================================================================

func TestFragment_WireShapes(t *testing.T) {
	tests := []struct {
		name     string
		fragment Fragment
		want     string
	}{
		{"content", ContentFragment("Hel"), `{"message":"Hel","end":false}`},
		{"terminator", TerminatorFragment(), `{"message":"","end":true}`},
		{"tool call", ToolCallFragment("f", `{"a":1}`, "c1"), `{"function":"f","arguments":"{\"a\":1}","id":"c1"}`},
		{"finished", FinishedFragment(), `{"finished":true}`},
		{"generic", GenericFragment(map[string]any{"x": 1}), `{"generic":true,"data":{"x":1}}`},
		{"generic empty", GenericFragment(nil), `{"generic":true,"data":{}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := json.Marshal(tt.fragment)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestFragment_UnknownKindFails(t *testing.T) {
	_, err := json.Marshal(Fragment{Kind: FragmentKind(42)})
	assert.Error(t, err)
}

func TestConversation_Last(t *testing.T) {
	var empty Conversation
	_, ok := empty.Last()
	assert.False(t, ok)

	conv := Conversation{{Role: RoleSystem, Content: "s"}, {Role: RoleUser, Content: "q"}}
	last, ok := conv.Last()
	require.True(t, ok)
	assert.Equal(t, "q", last.Content)
}
