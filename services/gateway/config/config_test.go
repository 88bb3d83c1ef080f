// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		EnvPort, EnvLLMBackend, EnvOpenAIKey, EnvOpenAIModel, EnvOllamaBaseURL,
		EnvOllamaModel, EnvTemperature, EnvMaxTokens, EnvWeaviateURL, EnvMemoryBackend, EnvBadgerPath,
		EnvOTelEndpoint, EnvLogLevel,
	} {
		t.Setenv(key, "")
	}
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultPort, cfg.Server.Port)
	assert.Equal(t, MemoryNone, cfg.Memory.Backend)
	assert.Equal(t, 10, cfg.Memory.NearestLimit)
	assert.Equal(t, 10, cfg.Memory.RecentLimit)
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_OverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
llm:
  backend: ollama
  ollama:
    model: llama3
  sampling:
    temperature: 0.2
    top_p: 0.9
    stop: ["END"]
memory:
  backend: badger
  badger_path: /var/lib/gateway/memory
  recent_limit: 4
`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "ollama", cfg.LLM.Backend)
	assert.Equal(t, "llama3", cfg.LLM.Ollama.Model)
	assert.Equal(t, "http://localhost:11434", cfg.LLM.Ollama.BaseURL, "unset keys keep defaults")
	require.NotNil(t, cfg.LLM.Sampling.Temperature)
	assert.InDelta(t, 0.2, *cfg.LLM.Sampling.Temperature, 1e-6)
	require.NotNil(t, cfg.LLM.Sampling.TopP)
	assert.InDelta(t, 0.9, *cfg.LLM.Sampling.TopP, 1e-6)
	assert.Nil(t, cfg.LLM.Sampling.MaxTokens)
	assert.Equal(t, []string{"END"}, cfg.LLM.Sampling.Stop)
	assert.Equal(t, MemoryBadger, cfg.Memory.Backend)
	assert.Equal(t, 4, cfg.Memory.RecentLimit)
	assert.Equal(t, 10, cfg.Memory.NearestLimit)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0600))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvPort, "8080")
	t.Setenv(EnvLLMBackend, "OLLAMA")
	t.Setenv(EnvOpenAIKey, `"sk-test"`)
	t.Setenv(EnvOllamaModel, "llama3")
	t.Setenv(EnvTemperature, "0.5")
	t.Setenv(EnvMaxTokens, "256")
	t.Setenv(EnvOTelEndpoint, "collector:4317")
	t.Setenv(EnvLogLevel, "DEBUG")

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv())

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "ollama", cfg.LLM.Backend)
	assert.Equal(t, "sk-test", cfg.LLM.OpenAI.APIKey, "quotes are trimmed")
	assert.Equal(t, "llama3", cfg.LLM.Ollama.Model)
	require.NotNil(t, cfg.LLM.Sampling.Temperature)
	assert.InDelta(t, 0.5, *cfg.LLM.Sampling.Temperature, 1e-6)
	require.NotNil(t, cfg.LLM.Sampling.MaxTokens)
	assert.Equal(t, 256, *cfg.LLM.Sampling.MaxTokens)
	assert.Equal(t, "collector:4317", cfg.Tracing.Endpoint)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.NoError(t, cfg.Validate())
}

func TestApplyEnv_WeaviateURLSelectsStore(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvWeaviateURL, "http://weaviate:8080")

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv())
	assert.Equal(t, MemoryWeaviate, cfg.Memory.Backend)
	assert.Equal(t, "http://weaviate:8080", cfg.Memory.WeaviateURL)

	clearEnv(t)
	t.Setenv(EnvWeaviateURL, "http://weaviate:8080")
	t.Setenv(EnvMemoryBackend, "badger")
	t.Setenv(EnvBadgerPath, "/tmp/mem")

	cfg = Default()
	require.NoError(t, cfg.ApplyEnv())
	assert.Equal(t, MemoryBadger, cfg.Memory.Backend, "explicit backend wins")
}

func TestApplyEnv_BadPort(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvPort, "eighty")

	cfg := Default()
	assert.Error(t, cfg.ApplyEnv())
}

func TestApplyEnv_BadSampling(t *testing.T) {
	for _, env := range []struct{ key, value string }{
		{EnvTemperature, "warm"},
		{EnvMaxTokens, "lots"},
	} {
		t.Run(env.key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(env.key, env.value)

			cfg := Default()
			assert.Error(t, cfg.ApplyEnv())
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }},
		{"unknown llm backend", func(c *Config) { c.LLM.Backend = "claude" }},
		{"unknown memory backend", func(c *Config) { c.Memory.Backend = "redis" }},
		{"weaviate without url", func(c *Config) { c.Memory.Backend = MemoryWeaviate }},
		{"badger without path", func(c *Config) { c.Memory.Backend = MemoryBadger }},
		{"negative limit", func(c *Config) { c.Memory.RecentLimit = -1 }},
		{"zero rate", func(c *Config) { c.Server.RequestsPerSecond = 0 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"bad ollama url", func(c *Config) { c.LLM.Ollama.BaseURL = "not a url" }},
		{"temperature too high", func(c *Config) { c.LLM.Sampling.Temperature = ptr(float32(3)) }},
		{"top_p zero", func(c *Config) { c.LLM.Sampling.TopP = ptr(float32(0)) }},
		{"max tokens zero", func(c *Config) { c.LLM.Sampling.MaxTokens = ptr(0) }},
		{"too many stop words", func(c *Config) { c.LLM.Sampling.Stop = []string{"a", "b", "c", "d", "e"} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func ptr[T any](v T) *T {
	return &v
}
