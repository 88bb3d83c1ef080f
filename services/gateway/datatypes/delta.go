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

// DeltaEvent is one incremental unit produced by a generation stream.
//
// # Description
//
// Exactly one of two shapes per event:
//
//   - content-delta (ToolCall == nil): Content carries a text fragment. An
//     empty Content signals "no more content" for the current turn.
//   - tool-call-delta (ToolCall != nil): partial data for one call slot.
//
// The end of the stream is not a DeltaEvent; streams report it with io.EOF.
type DeltaEvent struct {
	Content  string
	ToolCall *ToolCallDelta
}

// ToolCallDelta carries partial data for one tool call slot.
//
// Empty strings mean the field is absent from this delta. Arguments is a
// fragment to append to the slot's accumulated arguments.
type ToolCallDelta struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

// IsToolCall reports whether the event carries tool call information.
func (e DeltaEvent) IsToolCall() bool {
	return e.ToolCall != nil
}

// HasText reports whether the event carries a non-empty text fragment.
func (e DeltaEvent) HasText() bool {
	return e.ToolCall == nil && e.Content != ""
}

// TextDelta builds a content-delta. An empty text builds the no-more-content signal.
func TextDelta(text string) DeltaEvent {
	return DeltaEvent{Content: text}
}

// ToolDelta builds a tool-call-delta for the given slot.
func ToolDelta(index int, id, name, arguments string) DeltaEvent {
	return DeltaEvent{ToolCall: &ToolCallDelta{
		Index:     index,
		ID:        id,
		Name:      name,
		Arguments: arguments,
	}}
}
