// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package aggregator reassembles upstream generation deltas into outbound
// protocol fragments.
//
// A ChunkAggregator is a pure state machine. It performs no I/O and never
// fails: malformed delta sequences degrade to emitting nothing for the
// affected call slot.
package aggregator

import (
	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
)

// Mode is the tagged state of a ChunkAggregator.
type Mode int

const (
	// ModeUnset is the initial mode, before any text or tool call was seen.
	ModeUnset Mode = iota

	// ModeContent is entered on the first text delta. It is sticky.
	ModeContent

	// ModeToolCall is entered on the first tool call delta.
	ModeToolCall
)

// String returns a lowercase name for logs.
func (m Mode) String() string {
	switch m {
	case ModeUnset:
		return "unset"
	case ModeContent:
		return "content"
	case ModeToolCall:
		return "tool_call"
	default:
		return "unknown"
	}
}

// State is a snapshot of the aggregator's tagged state.
//
// SlotIndex, CallID, FuncName and Arguments describe the currently open tool
// call slot. SlotOpen is false until the first tool call delta arrives.
type State struct {
	Mode       Mode
	SlotOpen   bool
	SlotIndex  int
	CallID     string
	FuncName   string
	Arguments  string
	Terminated bool
	Finished   bool
}

// ChunkAggregator converts one stream of DeltaEvents into Fragments.
//
// # Description
//
// Process is called once per event in arrival order and Finish once after
// the last event. Each call returns at most one fragment.
//
// Content streams produce {message, end:false} per text delta followed by
// exactly one {message:"", end:true} terminator. Tool call streams produce
// one {function, arguments, id} fragment per named slot, emitted when the
// slot is closed by a delta for a different slot index or by Finish.
//
// # Limitations
//
//   - A stream is monomodal. Once CONTENT mode is entered, tool call deltas
//     are folded into the slot accumulators and only emitted on a later slot
//     transition. Text deltas in TOOL_CALL mode are dropped.
//
// # Assumptions
//
//   - One instance per stream. An instance is not safe for concurrent use
//     and is discarded after Finish.
type ChunkAggregator struct {
	state State
}

// NewChunkAggregator returns an aggregator in ModeUnset.
func NewChunkAggregator() *ChunkAggregator {
	return &ChunkAggregator{}
}

// State returns a copy of the current state.
func (a *ChunkAggregator) State() State {
	return a.state
}

// Process folds one delta event into the state.
//
// # Outputs
//
//   - datatypes.Fragment: The fragment to emit, valid only when ok is true.
//   - bool: Whether a fragment was produced.
func (a *ChunkAggregator) Process(ev datatypes.DeltaEvent) (datatypes.Fragment, bool) {
	if a.state.Finished {
		return datatypes.Fragment{}, false
	}

	switch a.state.Mode {
	case ModeUnset:
		if ev.IsToolCall() {
			a.state.Mode = ModeToolCall
			a.openSlot(ev.ToolCall)
			return datatypes.Fragment{}, false
		}
		if ev.HasText() {
			a.state.Mode = ModeContent
			return datatypes.ContentFragment(ev.Content), true
		}
		// No-content signal before anything else; OpenAI's first chunk
		// carries only the role.
		return datatypes.Fragment{}, false

	case ModeContent:
		if ev.IsToolCall() {
			return a.foldToolCall(ev.ToolCall)
		}
		if ev.HasText() {
			return datatypes.ContentFragment(ev.Content), true
		}
		return a.terminate()

	case ModeToolCall:
		if ev.IsToolCall() {
			return a.foldToolCall(ev.ToolCall)
		}
		return datatypes.Fragment{}, false
	}

	return datatypes.Fragment{}, false
}

// Finish closes the stream.
//
// In CONTENT mode it emits the terminator if none was emitted yet. In
// TOOL_CALL mode it emits the open slot if it has a function name. In
// UNSET mode it emits nothing. Calls after the first return nothing.
func (a *ChunkAggregator) Finish() (datatypes.Fragment, bool) {
	if a.state.Finished {
		return datatypes.Fragment{}, false
	}
	a.state.Finished = true

	switch a.state.Mode {
	case ModeContent:
		return a.terminate()
	case ModeToolCall:
		return a.closeSlot()
	default:
		return datatypes.Fragment{}, false
	}
}

func (a *ChunkAggregator) terminate() (datatypes.Fragment, bool) {
	if a.state.Terminated {
		return datatypes.Fragment{}, false
	}
	a.state.Terminated = true
	return datatypes.TerminatorFragment(), true
}

// foldToolCall applies a tool call delta. A delta for a different slot
// closes the open one first.
func (a *ChunkAggregator) foldToolCall(d *datatypes.ToolCallDelta) (datatypes.Fragment, bool) {
	if !a.state.SlotOpen {
		a.openSlot(d)
		return datatypes.Fragment{}, false
	}
	if d.Index == a.state.SlotIndex {
		a.fold(d)
		return datatypes.Fragment{}, false
	}

	frag, ok := a.closeSlot()
	a.openSlot(d)
	return frag, ok
}

func (a *ChunkAggregator) openSlot(d *datatypes.ToolCallDelta) {
	a.state.SlotOpen = true
	a.state.SlotIndex = d.Index
	a.state.CallID = ""
	a.state.FuncName = ""
	a.state.Arguments = ""
	a.fold(d)
}

// fold updates only the fields present in d. Arguments are appended.
func (a *ChunkAggregator) fold(d *datatypes.ToolCallDelta) {
	if d.ID != "" {
		a.state.CallID = d.ID
	}
	if d.Name != "" {
		a.state.FuncName = d.Name
	}
	a.state.Arguments += d.Arguments
}

// closeSlot emits the open slot if it has a function name and clears it.
func (a *ChunkAggregator) closeSlot() (datatypes.Fragment, bool) {
	if !a.state.SlotOpen {
		return datatypes.Fragment{}, false
	}
	name, args, id := a.state.FuncName, a.state.Arguments, a.state.CallID
	a.state.SlotOpen = false
	a.state.CallID = ""
	a.state.FuncName = ""
	a.state.Arguments = ""
	if name == "" {
		return datatypes.Fragment{}, false
	}
	return datatypes.ToolCallFragment(name, args, id), true
}
