// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the request handlers of the gateway and the
// registry that routes requests to them by name.
//
// Every handler returns a lazy, single-pass fragment sequence. The consumer
// pulls fragments by ranging over it; breaking out of the loop stops the
// handler, which then stops reading upstream and skips any persistence.
package handlers

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"

	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
)

var tracer = otel.Tracer("aleutian.gateway.handlers")

// Handler names registered by the gateway.
const (
	HandlerGeneric      = "generic"
	HandlerOpenAI       = "openai"
	HandlerOpenAIMemory = "openai_memory"
)

// Handler turns one request into a sequence of outbound fragments.
//
// # Description
//
// Handle returns immediately; no work happens until the sequence is ranged
// over. Each element is either a fragment (err == nil) or a terminal error.
// An error element is always the last element of the sequence.
type Handler interface {
	Handle(ctx context.Context, req *datatypes.Request) iter.Seq2[datatypes.Fragment, error]
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *datatypes.Request) iter.Seq2[datatypes.Fragment, error]

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, req *datatypes.Request) iter.Seq2[datatypes.Fragment, error] {
	return f(ctx, req)
}

// errorSeq yields a single error element.
func errorSeq(err error) iter.Seq2[datatypes.Fragment, error] {
	return func(yield func(datatypes.Fragment, error) bool) {
		yield(datatypes.Fragment{}, err)
	}
}

// =============================================================================
// Registry
// =============================================================================

// Registry maps handler names to handlers.
//
// # Description
//
// Built once at startup and passed by reference to the Dispatcher. There is
// no global registry.
//
// # Thread Safety
//
// Safe for concurrent use. Registration after startup is allowed but not
// expected.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds h under name. Empty names, nil handlers and duplicate
// names are rejected.
func (r *Registry) Register(name string, h Handler) error {
	if name == "" {
		return fmt.Errorf("handler name must not be empty")
	}
	if h == nil {
		return fmt.Errorf("handler %q must not be nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("handler %q already registered", name)
	}
	r.handlers[name] = h
	return nil
}

// Lookup returns the handler registered under name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
