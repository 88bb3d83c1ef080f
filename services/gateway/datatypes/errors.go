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

import "errors"

// =============================================================================
// Error Taxonomy
// =============================================================================

// Callers classify failures with errors.Is. Every error surfaced by the
// handlers wraps exactly one of these sentinels.
var (
	// ErrHandlerNotFound is returned when the request names no handler or an
	// unregistered one. The transport drops such requests silently.
	ErrHandlerNotFound = errors.New("handler not found")

	// ErrMalformedRequest is returned when a request violates a handler
	// precondition (bad JSON, empty messages, missing character_name).
	// Handlers return it before contacting any external collaborator.
	ErrMalformedRequest = errors.New("malformed request")

	// ErrUpstreamGeneration wraps transport, auth and rate-limit failures
	// from the generation service. Fatal to the current request.
	ErrUpstreamGeneration = errors.New("upstream generation failed")

	// ErrMemoryRetrieval wraps memory store read failures. Raised before any
	// generation call is made.
	ErrMemoryRetrieval = errors.New("memory retrieval failed")

	// ErrMemoryPersist wraps memory store write failures. Raised only after
	// the full response has been delivered.
	ErrMemoryPersist = errors.New("memory persist failed")
)
