// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"fmt"
	"strings"
)

// Backend names accepted by NewGenerationClient.
const (
	BackendOpenAI = "openai"
	BackendOllama = "ollama"
)

// BackendConfig selects and configures a generation backend.
type BackendConfig struct {
	Type   string
	OpenAI OpenAIConfig
	Ollama OllamaConfig
}

// NewGenerationClient builds the backend named by cfg.Type. An empty type
// selects OpenAI.
func NewGenerationClient(cfg BackendConfig) (GenerationClient, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "", BackendOpenAI:
		client, err := NewOpenAIClient(cfg.OpenAI)
		if err != nil {
			return nil, err
		}
		return client, nil
	case BackendOllama:
		client, err := NewOllamaClient(cfg.Ollama)
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unknown LLM backend type %q", cfg.Type)
	}
}
