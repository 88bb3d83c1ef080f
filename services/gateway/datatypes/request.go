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
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const (
	// MaxMessageContentBytes caps a single message content.
	MaxMessageContentBytes = 32 * 1024

	// MaxMessagesPerRequest caps the conversation length of one request.
	MaxMessagesPerRequest = 100

	// HandlerKey is the routing field of an inbound request.
	HandlerKey = "handler"
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

var requestValidate *validator.Validate

func init() {
	requestValidate = validator.New()
	_ = requestValidate.RegisterValidation("maxbytes", func(fl validator.FieldLevel) bool {
		return len(fl.Field().String()) <= MaxMessageContentBytes
	})
}

// =============================================================================
// Inbound Request
// =============================================================================

// Request is one inbound JSON frame after decoding.
//
// # Description
//
// Request carries the recognized routing and conversation fields plus the
// full decoded object in Raw, which the generic handler echoes back. Tools is
// kept as raw JSON and forwarded to the generation service without
// interpretation.
//
// # Fields
//
//   - RequestID: Assigned on parse, used for log correlation only.
//   - Handler: Routing key. Empty when the frame omits it.
//   - Messages: Conversation so far, oldest first.
//   - Tools: Optional opaque tool schema list.
//   - CharacterName: Memory partition selector for the memory handler.
//   - Raw: Every top-level field of the frame, including unknown ones.
type Request struct {
	RequestID     string          `json:"-"`
	Handler       string          `json:"handler"`
	Messages      Conversation    `json:"messages,omitempty"`
	Tools         json.RawMessage `json:"tools,omitempty"`
	CharacterName string          `json:"character_name,omitempty"`
	Raw           map[string]any  `json:"-"`
}

// ParseRequest decodes one inbound frame.
//
// # Description
//
// The frame must be a JSON object. A frame that is not valid JSON, or whose
// recognized fields have the wrong type, fails with ErrMalformedRequest. A
// missing handler field is not a parse error; routing reports it.
//
// # Inputs
//
//   - raw: The frame payload.
//
// # Outputs
//
//   - *Request: The decoded request with a fresh RequestID.
//   - error: Wraps ErrMalformedRequest on failure.
func ParseRequest(raw []byte) (*Request, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: frame is not a JSON object", ErrMalformedRequest)
	}

	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	if len(req.Tools) > 0 && string(req.Tools) == "null" {
		req.Tools = nil
	}
	req.Raw = fields
	req.RequestID = uuid.NewString()
	return &req, nil
}

// Payload returns the decoded frame without the routing key.
func (r *Request) Payload() map[string]any {
	out := make(map[string]any, len(r.Raw))
	for k, v := range r.Raw {
		if k == HandlerKey {
			continue
		}
		out[k] = v
	}
	return out
}

// ValidateChat checks the preconditions of the generation-backed handlers.
//
// # Validation
//
//   - Messages: required, 1-100 elements
//   - Messages[].Role: one of system, user, assistant, tool
//   - Messages[].Content: at most 32KB
//   - Tools: absent, or a JSON array of objects
func (r *Request) ValidateChat() error {
	if len(r.Messages) == 0 {
		return fmt.Errorf("%w: messages must not be empty", ErrMalformedRequest)
	}
	if err := requestValidate.Var(r.Messages, fmt.Sprintf("max=%d", MaxMessagesPerRequest)); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	for i := range r.Messages {
		if err := requestValidate.Struct(r.Messages[i]); err != nil {
			return fmt.Errorf("%w: messages[%d]: %v", ErrMalformedRequest, i, err)
		}
		if err := requestValidate.Var(r.Messages[i].Content, "maxbytes"); err != nil {
			return fmt.Errorf("%w: messages[%d] content exceeds %d bytes", ErrMalformedRequest, i, MaxMessageContentBytes)
		}
	}
	if len(r.Tools) > 0 {
		var tools []map[string]json.RawMessage
		if err := json.Unmarshal(r.Tools, &tools); err != nil {
			return fmt.Errorf("%w: tools must be a list of objects: %v", ErrMalformedRequest, err)
		}
	}
	return nil
}

// ValidateMemory checks ValidateChat plus the partition selector.
func (r *Request) ValidateMemory() error {
	if strings.TrimSpace(r.CharacterName) == "" {
		return fmt.Errorf("%w: character_name is required", ErrMalformedRequest)
	}
	return r.ValidateChat()
}
