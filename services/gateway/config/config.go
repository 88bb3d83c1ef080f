// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the gateway configuration.
//
// Values are resolved in three layers, later layers winning:
//
//  1. Default()
//  2. An optional YAML file (Load)
//  3. Environment variables (ApplyEnv)
//
// Validate must be called on the result before use.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Environment variable names read by ApplyEnv.
const (
	EnvPort          = "GATEWAY_PORT"
	EnvLLMBackend    = "LLM_BACKEND_TYPE"
	EnvOpenAIKey     = "OPENAI_API_KEY"
	EnvOpenAIModel   = "OPENAI_MODEL"
	EnvOllamaBaseURL = "OLLAMA_BASE_URL"
	EnvOllamaModel   = "OLLAMA_MODEL"
	EnvTemperature   = "LLM_TEMPERATURE"
	EnvMaxTokens     = "LLM_MAX_TOKENS"
	EnvWeaviateURL   = "WEAVIATE_SERVICE_URL"
	EnvMemoryBackend = "MEMORY_BACKEND"
	EnvBadgerPath    = "MEMORY_BADGER_PATH"
	EnvOTelEndpoint  = "OTEL_EXPORTER_OTLP_ENDPOINT"
	EnvLogLevel      = "LOG_LEVEL"
)

const (
	DefaultPort        = 12230
	DefaultServiceName = "aleutian-gateway"
)

// Memory backend names.
const (
	MemoryNone     = "none"
	MemoryWeaviate = "weaviate"
	MemoryBadger   = "badger"
)

// Config is the full gateway configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	LLM     LLMConfig     `yaml:"llm"`
	Memory  MemoryConfig  `yaml:"memory"`
	Tracing TracingConfig `yaml:"tracing"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the HTTP listener and the per-connection limits.
type ServerConfig struct {
	Port int `yaml:"port" validate:"min=1,max=65535"`

	// RequestsPerSecond and RequestBurst configure the per-connection token
	// bucket. Requests over the limit wait; they are never dropped.
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gt=0"`
	RequestBurst      int     `yaml:"request_burst" validate:"min=1"`

	// ReadLimitBytes caps a single inbound frame.
	ReadLimitBytes int64 `yaml:"read_limit_bytes" validate:"min=1024"`

	// ShutdownTimeoutSeconds bounds graceful shutdown.
	ShutdownTimeoutSeconds int `yaml:"shutdown_timeout_seconds" validate:"min=1"`
}

// LLMConfig selects and configures the generation backend.
type LLMConfig struct {
	Backend  string         `yaml:"backend" validate:"oneof=openai ollama"`
	OpenAI   OpenAIConfig   `yaml:"openai"`
	Ollama   OllamaConfig   `yaml:"ollama"`
	Sampling SamplingConfig `yaml:"sampling"`
}

// SamplingConfig holds optional sampling parameters passed to whichever
// backend is selected. Unset fields keep the provider default.
type SamplingConfig struct {
	Temperature *float32 `yaml:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	TopP        *float32 `yaml:"top_p,omitempty" validate:"omitempty,gt=0,lte=1"`
	MaxTokens   *int     `yaml:"max_tokens,omitempty" validate:"omitempty,min=1"`
	Stop        []string `yaml:"stop,omitempty" validate:"max=4"`
}

// OpenAIConfig configures the OpenAI backend and the embedding model used by
// the local memory store.
type OpenAIConfig struct {
	// APIKey is normally supplied through OPENAI_API_KEY or the Podman secret,
	// not the file.
	APIKey         string `yaml:"api_key,omitempty"`
	Model          string `yaml:"model"`
	EmbeddingModel string `yaml:"embedding_model"`
	BaseURL        string `yaml:"base_url,omitempty" validate:"omitempty,url"`
}

// OllamaConfig configures the Ollama backend.
type OllamaConfig struct {
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`
	Model   string `yaml:"model"`
}

// MemoryConfig selects the conversation memory store. With backend "none"
// the openai_memory handler is not registered.
type MemoryConfig struct {
	Backend      string `yaml:"backend" validate:"oneof=none weaviate badger"`
	WeaviateURL  string `yaml:"weaviate_url" validate:"required_if=Backend weaviate"`
	BadgerPath   string `yaml:"badger_path" validate:"required_if=Backend badger"`
	NearestLimit int    `yaml:"nearest_limit" validate:"min=0,max=100"`
	RecentLimit  int    `yaml:"recent_limit" validate:"min=0,max=100"`
}

// TracingConfig configures OpenTelemetry export. An empty Endpoint selects
// the stdout exporter when Stdout is set and disables tracing otherwise.
type TracingConfig struct {
	Endpoint    string `yaml:"endpoint"`
	Stdout      bool   `yaml:"stdout"`
	ServiceName string `yaml:"service_name" validate:"required"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn warning error"`
	JSON  bool   `yaml:"json"`
	Dir   string `yaml:"dir"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:                   DefaultPort,
			RequestsPerSecond:      5,
			RequestBurst:           10,
			ReadLimitBytes:         4 << 20,
			ShutdownTimeoutSeconds: 10,
		},
		LLM: LLMConfig{
			Backend: "openai",
			OpenAI: OpenAIConfig{
				Model:          "gpt-4o-mini",
				EmbeddingModel: "text-embedding-3-small",
			},
			Ollama: OllamaConfig{
				BaseURL: "http://localhost:11434",
				Model:   "gpt-oss",
			},
		},
		Memory: MemoryConfig{
			Backend:      MemoryNone,
			NearestLimit: 10,
			RecentLimit:  10,
		},
		Tracing: TracingConfig{
			ServiceName: DefaultServiceName,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML file over Default(). An empty path returns the defaults.
//
// # Outputs
//
//   - Config: The merged configuration. Not yet validated.
//   - error: Non-nil when the file cannot be read or parsed.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read the config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse the config file %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment. Unset and empty variables
// are ignored. Values are trimmed of whitespace and quotes, since Podman can
// pass them literally.
func (c *Config) ApplyEnv() error {
	if v := getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPort, err)
		}
		c.Server.Port = port
	}
	setString(&c.LLM.Backend, EnvLLMBackend)
	setString(&c.LLM.OpenAI.APIKey, EnvOpenAIKey)
	setString(&c.LLM.OpenAI.Model, EnvOpenAIModel)
	setString(&c.LLM.Ollama.BaseURL, EnvOllamaBaseURL)
	setString(&c.LLM.Ollama.Model, EnvOllamaModel)
	if v := getenv(EnvTemperature); v != "" {
		temp, err := strconv.ParseFloat(v, 32)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvTemperature, err)
		}
		t32 := float32(temp)
		c.LLM.Sampling.Temperature = &t32
	}
	if v := getenv(EnvMaxTokens); v != "" {
		maxTokens, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMaxTokens, err)
		}
		c.LLM.Sampling.MaxTokens = &maxTokens
	}
	setString(&c.Memory.WeaviateURL, EnvWeaviateURL)
	setString(&c.Memory.Backend, EnvMemoryBackend)
	setString(&c.Memory.BadgerPath, EnvBadgerPath)
	setString(&c.Tracing.Endpoint, EnvOTelEndpoint)
	setString(&c.Logging.Level, EnvLogLevel)

	// A Weaviate URL alone selects the Weaviate store.
	if getenv(EnvWeaviateURL) != "" && getenv(EnvMemoryBackend) == "" && c.Memory.Backend == MemoryNone {
		c.Memory.Backend = MemoryWeaviate
	}
	c.LLM.Backend = strings.ToLower(c.LLM.Backend)
	c.Memory.Backend = strings.ToLower(c.Memory.Backend)
	c.Logging.Level = strings.ToLower(c.Logging.Level)
	return nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func getenv(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

func setString(dst *string, key string) {
	if v := getenv(key); v != "" {
		*dst = v
	}
}
