// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"encoding/json"
	"io"
	"iter"
	"sync"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianGateway/services/llm"
)

// =============================================================================
// Fake GenerationClient
// =============================================================================

// fakeClient replays a scripted delta sequence and records every call.
type fakeClient struct {
	mu       sync.Mutex
	events   []datatypes.DeltaEvent
	recvErr  error // returned after events are exhausted, instead of io.EOF
	openErr  error
	calls    int
	messages []datatypes.Message
	tools    json.RawMessage
	streams  []*fakeStream
}

func (c *fakeClient) Stream(ctx context.Context, messages []datatypes.Message, tools json.RawMessage) (llm.DeltaStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.messages = append([]datatypes.Message(nil), messages...)
	c.tools = tools
	if c.openErr != nil {
		return nil, c.openErr
	}
	s := &fakeStream{ctx: ctx, events: c.events, endErr: c.recvErr}
	c.streams = append(c.streams, s)
	return s, nil
}

func (c *fakeClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type fakeStream struct {
	ctx    context.Context
	events []datatypes.DeltaEvent
	endErr error
	pos    int
	closed bool
}

func (s *fakeStream) Recv() (datatypes.DeltaEvent, error) {
	if err := s.ctx.Err(); err != nil {
		return datatypes.DeltaEvent{}, err
	}
	if s.pos < len(s.events) {
		ev := s.events[s.pos]
		s.pos++
		return ev, nil
	}
	if s.endErr != nil {
		return datatypes.DeltaEvent{}, s.endErr
	}
	return datatypes.DeltaEvent{}, io.EOF
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

// =============================================================================
// Fake memory.Store
// =============================================================================

type persistCall struct {
	partition string
	messages  []datatypes.Message
}

// fakeStore returns canned retrieval results and records persists.
type fakeStore struct {
	mu          sync.Mutex
	relevant    []datatypes.Message
	recent      []datatypes.Message
	relevantErr error
	recentErr   error
	persistErr  error
	queries     []string
	partitions  []string
	persisted   []persistCall
}

func (s *fakeStore) RetrieveRecent(_ context.Context, partition string, limit int) ([]datatypes.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partitions = append(s.partitions, partition)
	if s.recentErr != nil {
		return nil, s.recentErr
	}
	return truncate(s.recent, limit), nil
}

func (s *fakeStore) RetrieveRelevant(_ context.Context, partition, query string, limit int) ([]datatypes.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partitions = append(s.partitions, partition)
	s.queries = append(s.queries, query)
	if s.relevantErr != nil {
		return nil, s.relevantErr
	}
	return truncate(s.relevant, limit), nil
}

func (s *fakeStore) Persist(_ context.Context, partition string, messages []datatypes.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persisted = append(s.persisted, persistCall{partition: partition, messages: append([]datatypes.Message(nil), messages...)})
	return s.persistErr
}

func (s *fakeStore) persistCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.persisted)
}

func (s *fakeStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.partitions) + len(s.persisted)
}

func truncate(msgs []datatypes.Message, limit int) []datatypes.Message {
	if len(msgs) > limit {
		return msgs[:limit]
	}
	return msgs
}

// =============================================================================
// Helpers
// =============================================================================

// collect drains seq and returns the fragments and the terminal error.
func collect(seq iter.Seq2[datatypes.Fragment, error]) ([]datatypes.Fragment, error) {
	var frags []datatypes.Fragment
	for f, err := range seq {
		if err != nil {
			return frags, err
		}
		frags = append(frags, f)
	}
	return frags, nil
}

func user(content string) datatypes.Message {
	return datatypes.Message{Role: datatypes.RoleUser, Content: content}
}

func assistant(content string) datatypes.Message {
	return datatypes.Message{Role: datatypes.RoleAssistant, Content: content}
}

func system(content string) datatypes.Message {
	return datatypes.Message{Role: datatypes.RoleSystem, Content: content}
}

func textEvents(parts ...string) []datatypes.DeltaEvent {
	out := make([]datatypes.DeltaEvent, len(parts))
	for i, p := range parts {
		out[i] = datatypes.TextDelta(p)
	}
	return out
}

func withTools(req *datatypes.Request, tools string) *datatypes.Request {
	req.Tools = json.RawMessage(tools)
	return req
}
