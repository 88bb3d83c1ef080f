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
	"fmt"
	"iter"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
)

// Dispatcher routes inbound frames to handlers.
//
// # Description
//
// Routing failures wrap datatypes.ErrHandlerNotFound and unparseable frames
// wrap datatypes.ErrMalformedRequest, so the transport can drop both with
// errors.Is without closing the channel.
type Dispatcher struct {
	registry *Registry
}

// NewDispatcher creates a dispatcher over registry.
func NewDispatcher(registry *Registry) *Dispatcher {
	if registry == nil {
		panic("NewDispatcher: registry must not be nil")
	}
	return &Dispatcher{registry: registry}
}

// Resolve returns the handler registered under name.
//
// # Outputs
//
//   - Handler: The registered handler.
//   - error: Wraps datatypes.ErrHandlerNotFound when name is empty or unknown.
func (d *Dispatcher) Resolve(name string) (Handler, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: request has no handler field", datatypes.ErrHandlerNotFound)
	}
	h, ok := d.registry.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", datatypes.ErrHandlerNotFound, name)
	}
	return h, nil
}

// Route parses raw and resolves its handler.
func (d *Dispatcher) Route(raw []byte) (*datatypes.Request, Handler, error) {
	req, err := datatypes.ParseRequest(raw)
	if err != nil {
		return nil, nil, err
	}
	h, err := d.Resolve(req.Handler)
	if err != nil {
		return req, nil, err
	}
	return req, h, nil
}

// Dispatch routes raw and returns the handler's fragment sequence. Routing
// and parse failures are yielded as the only element.
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte) iter.Seq2[datatypes.Fragment, error] {
	req, h, err := d.Route(raw)
	if err != nil {
		return errorSeq(err)
	}
	return h.Handle(ctx, req)
}
