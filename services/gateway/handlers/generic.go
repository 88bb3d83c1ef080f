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
	"iter"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
)

// GenericHandler echoes the request back without the routing key.
//
// It yields exactly one {"generic": true, "data": {...}} fragment and no
// finished sentinel. It never contacts a collaborator.
type GenericHandler struct{}

// NewGenericHandler creates a GenericHandler.
func NewGenericHandler() *GenericHandler {
	return &GenericHandler{}
}

// Handle implements Handler.
func (h *GenericHandler) Handle(_ context.Context, req *datatypes.Request) iter.Seq2[datatypes.Fragment, error] {
	return func(yield func(datatypes.Fragment, error) bool) {
		yield(datatypes.GenericFragment(req.Payload()), nil)
	}
}
