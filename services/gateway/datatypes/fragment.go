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
)

// FragmentKind tags the shape of an outbound Fragment.
type FragmentKind int

const (
	// FragmentContent is {"message": text, "end": bool}.
	FragmentContent FragmentKind = iota

	// FragmentToolCall is {"function": name, "arguments": text, "id": callId}.
	FragmentToolCall

	// FragmentFinished is {"finished": true}, the last fragment of a response.
	FragmentFinished

	// FragmentGeneric is {"generic": true, "data": {...}}.
	FragmentGeneric
)

// String returns the metric label for the kind.
func (k FragmentKind) String() string {
	switch k {
	case FragmentContent:
		return "content"
	case FragmentToolCall:
		return "tool_call"
	case FragmentFinished:
		return "finished"
	case FragmentGeneric:
		return "generic"
	default:
		return "unknown"
	}
}

// Fragment is one unit of the outbound protocol.
//
// # Description
//
// A Fragment is sent to the client as an independent JSON message as soon as
// it is ready. Only the fields relevant to Kind are serialized; see
// MarshalJSON for the exact shapes.
//
// # Examples
//
//	ContentFragment("Hel")         // {"message":"Hel","end":false}
//	TerminatorFragment()           // {"message":"","end":true}
//	ToolCallFragment("f", "{}", "c1") // {"function":"f","arguments":"{}","id":"c1"}
//	FinishedFragment()             // {"finished":true}
type Fragment struct {
	Kind FragmentKind

	// Content fields.
	Message string
	End     bool

	// Tool call fields.
	Function  string
	Arguments string
	ID        string

	// Generic handler payload.
	Data map[string]any
}

// ContentFragment builds a content fragment carrying text.
func ContentFragment(text string) Fragment {
	return Fragment{Kind: FragmentContent, Message: text}
}

// TerminatorFragment builds the end-of-turn content fragment.
func TerminatorFragment() Fragment {
	return Fragment{Kind: FragmentContent, End: true}
}

// ToolCallFragment builds a completed tool invocation fragment.
func ToolCallFragment(function, arguments, id string) Fragment {
	return Fragment{Kind: FragmentToolCall, Function: function, Arguments: arguments, ID: id}
}

// FinishedFragment builds the end-of-response sentinel.
func FinishedFragment() Fragment {
	return Fragment{Kind: FragmentFinished}
}

// GenericFragment builds the generic handler's echo response.
func GenericFragment(data map[string]any) Fragment {
	return Fragment{Kind: FragmentGeneric, Data: data}
}

// IsFinished reports whether f is the end-of-response sentinel.
func (f Fragment) IsFinished() bool {
	return f.Kind == FragmentFinished
}

// MarshalJSON renders the fragment in its wire shape.
func (f Fragment) MarshalJSON() ([]byte, error) {
	switch f.Kind {
	case FragmentContent:
		return json.Marshal(struct {
			Message string `json:"message"`
			End     bool   `json:"end"`
		}{f.Message, f.End})
	case FragmentToolCall:
		return json.Marshal(struct {
			Function  string `json:"function"`
			Arguments string `json:"arguments"`
			ID        string `json:"id"`
		}{f.Function, f.Arguments, f.ID})
	case FragmentFinished:
		return []byte(`{"finished":true}`), nil
	case FragmentGeneric:
		data := f.Data
		if data == nil {
			data = map[string]any{}
		}
		return json.Marshal(struct {
			Generic bool           `json:"generic"`
			Data    map[string]any `json:"data"`
		}{true, data})
	default:
		return nil, fmt.Errorf("unknown fragment kind %d", f.Kind)
	}
}
