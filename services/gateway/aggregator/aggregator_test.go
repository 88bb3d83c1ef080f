// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package aggregator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
)

// run feeds events through a fresh aggregator and collects every fragment,
// including the one produced by Finish.
func run(events ...datatypes.DeltaEvent) []datatypes.Fragment {
	agg := NewChunkAggregator()
	var out []datatypes.Fragment
	for _, ev := range events {
		if f, ok := agg.Process(ev); ok {
			out = append(out, f)
		}
	}
	if f, ok := agg.Finish(); ok {
		out = append(out, f)
	}
	return out
}

// =============================================================================
// Content Mode
// =============================================================================

func TestChunkAggregator_ContentAggregation(t *testing.T) {
	got := run(
		datatypes.TextDelta("Hel"),
		datatypes.TextDelta("lo"),
		datatypes.TextDelta(""),
	)

	assert.Equal(t, []datatypes.Fragment{
		datatypes.ContentFragment("Hel"),
		datatypes.ContentFragment("lo"),
		datatypes.TerminatorFragment(),
	}, got)
}

func TestChunkAggregator_TerminatorEmittedOnFinishWhenMissing(t *testing.T) {
	got := run(datatypes.TextDelta("Hi"))

	assert.Equal(t, []datatypes.Fragment{
		datatypes.ContentFragment("Hi"),
		datatypes.TerminatorFragment(),
	}, got)
}

func TestChunkAggregator_TerminatorIsIdempotent(t *testing.T) {
	tests := []struct {
		name   string
		events []datatypes.DeltaEvent
	}{
		{"one signal", []datatypes.DeltaEvent{datatypes.TextDelta("a"), datatypes.TextDelta("")}},
		{"three signals", []datatypes.DeltaEvent{
			datatypes.TextDelta("a"), datatypes.TextDelta(""), datatypes.TextDelta(""), datatypes.TextDelta(""),
		}},
		{"signal between text", []datatypes.DeltaEvent{
			datatypes.TextDelta("a"), datatypes.TextDelta(""), datatypes.TextDelta("b"), datatypes.TextDelta(""),
		}},
		{"no signal", []datatypes.DeltaEvent{datatypes.TextDelta("a"), datatypes.TextDelta("b")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ends := 0
			for _, f := range run(tt.events...) {
				if f.Kind == datatypes.FragmentContent && f.End {
					ends++
					assert.Empty(t, f.Message)
				}
			}
			assert.Equal(t, 1, ends)
		})
	}
}

func TestChunkAggregator_LeadingEmptyContentIgnored(t *testing.T) {
	agg := NewChunkAggregator()

	_, ok := agg.Process(datatypes.TextDelta(""))
	assert.False(t, ok)
	assert.Equal(t, ModeUnset, agg.State().Mode)

	f, ok := agg.Process(datatypes.TextDelta("x"))
	require.True(t, ok)
	assert.Equal(t, datatypes.ContentFragment("x"), f)
	assert.Equal(t, ModeContent, agg.State().Mode)
}

// =============================================================================
// Tool Call Mode
// =============================================================================

func TestChunkAggregator_ToolCallAggregation(t *testing.T) {
	got := run(
		datatypes.ToolDelta(0, "c1", "f", `{"a":`),
		datatypes.ToolDelta(0, "", "", "1}"),
		datatypes.ToolDelta(1, "c2", "g", "{}"),
	)

	assert.Equal(t, []datatypes.Fragment{
		datatypes.ToolCallFragment("f", `{"a":1}`, "c1"),
		datatypes.ToolCallFragment("g", "{}", "c2"),
	}, got)
}

func TestChunkAggregator_SlotEmittedOnlyWhenClosed(t *testing.T) {
	agg := NewChunkAggregator()

	_, ok := agg.Process(datatypes.ToolDelta(0, "c1", "f", "{"))
	assert.False(t, ok)
	_, ok = agg.Process(datatypes.ToolDelta(0, "", "", "}"))
	assert.False(t, ok)

	st := agg.State()
	assert.Equal(t, ModeToolCall, st.Mode)
	assert.True(t, st.SlotOpen)
	assert.Equal(t, "{}", st.Arguments)

	f, ok := agg.Process(datatypes.ToolDelta(3, "c2", "g", ""))
	require.True(t, ok)
	assert.Equal(t, datatypes.ToolCallFragment("f", "{}", "c1"), f)
	assert.Equal(t, 3, agg.State().SlotIndex)
}

func TestChunkAggregator_LaterFieldsOverwriteOnlyWhenPresent(t *testing.T) {
	got := run(
		datatypes.ToolDelta(0, "c1", "", ""),
		datatypes.ToolDelta(0, "", "f", "a"),
		datatypes.ToolDelta(0, "c9", "", "b"),
	)

	assert.Equal(t, []datatypes.Fragment{
		datatypes.ToolCallFragment("f", "ab", "c9"),
	}, got)
}

func TestChunkAggregator_UnnamedSlotEmitsNothing(t *testing.T) {
	tests := []struct {
		name   string
		events []datatypes.DeltaEvent
		want   []datatypes.Fragment
	}{
		{
			name: "unnamed slot closed by transition",
			events: []datatypes.DeltaEvent{
				datatypes.ToolDelta(0, "c1", "", "{}"),
				datatypes.ToolDelta(1, "c2", "g", "{}"),
			},
			want: []datatypes.Fragment{datatypes.ToolCallFragment("g", "{}", "c2")},
		},
		{
			name: "unnamed slot closed by finish",
			events: []datatypes.DeltaEvent{
				datatypes.ToolDelta(0, "c1", "f", "{}"),
				datatypes.ToolDelta(1, "c2", "", "{}"),
			},
			want: []datatypes.Fragment{datatypes.ToolCallFragment("f", "{}", "c1")},
		},
		{
			name:   "only unnamed slot",
			events: []datatypes.DeltaEvent{datatypes.ToolDelta(0, "", "", "x")},
			want:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, run(tt.events...))
		})
	}
}

func TestChunkAggregator_TextDroppedInToolCallMode(t *testing.T) {
	got := run(
		datatypes.ToolDelta(0, "c1", "f", "{}"),
		datatypes.TextDelta("stray"),
		datatypes.TextDelta(""),
	)

	assert.Equal(t, []datatypes.Fragment{datatypes.ToolCallFragment("f", "{}", "c1")}, got)
}

// =============================================================================
// Mixed and Edge Cases
// =============================================================================

func TestChunkAggregator_ContentModeIsSticky(t *testing.T) {
	agg := NewChunkAggregator()

	_, ok := agg.Process(datatypes.TextDelta("hi"))
	require.True(t, ok)

	_, ok = agg.Process(datatypes.ToolDelta(0, "c1", "f", "{"))
	assert.False(t, ok, "tool data in content mode is folded, not emitted")
	assert.Equal(t, ModeContent, agg.State().Mode)
	assert.Equal(t, "f", agg.State().FuncName)

	f, ok := agg.Process(datatypes.ToolDelta(1, "c2", "g", ""))
	require.True(t, ok, "a later slot transition emits the closed slot")
	assert.Equal(t, datatypes.ToolCallFragment("f", "{", "c1"), f)

	f, ok = agg.Finish()
	require.True(t, ok)
	assert.Equal(t, datatypes.TerminatorFragment(), f)
	assert.Equal(t, ModeContent, agg.State().Mode)
}

func TestChunkAggregator_EmptyStream(t *testing.T) {
	assert.Empty(t, run())
}

func TestChunkAggregator_NothingAfterFinish(t *testing.T) {
	agg := NewChunkAggregator()
	agg.Process(datatypes.TextDelta("a"))

	_, ok := agg.Finish()
	require.True(t, ok)

	_, ok = agg.Finish()
	assert.False(t, ok)
	_, ok = agg.Process(datatypes.TextDelta("b"))
	assert.False(t, ok)
	assert.True(t, agg.State().Finished)
}

func TestMode_String(t *testing.T) {
	assert.Equal(t, "unset", ModeUnset.String())
	assert.Equal(t, "content", ModeContent.String())
	assert.Equal(t, "tool_call", ModeToolCall.String())
	assert.Equal(t, "unknown", Mode(9).String())
}
