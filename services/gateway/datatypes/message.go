// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides the wire and domain types shared by the gateway.
//
// This file contains the conversation types. Inbound requests are in
// request.go, upstream deltas in delta.go and outbound fragments in
// fragment.go.
package datatypes

// Role identifies the author of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of a Conversation.
//
// # Description
//
// Message mirrors the chat message shape used by the upstream generation
// service and by the memory store. Ordering within a conversation is
// significant. A system message, when present, is always the first message
// of the conversation and is never read from or written to the memory store.
//
// # Validation
//
//   - Role: required, one of system, user, assistant, tool
//   - Content: may be empty (tool call turns carry no text)
type Message struct {
	Role    Role   `json:"role" validate:"required,oneof=system user assistant tool"`
	Content string `json:"content"`
}

// Conversation is an ordered list of messages, oldest first.
type Conversation []Message

// Last returns the most recent message and false if the conversation is empty.
func (c Conversation) Last() (Message, bool) {
	if len(c) == 0 {
		return Message{}, false
	}
	return c[len(c)-1], true
}
