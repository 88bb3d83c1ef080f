// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gateway assembles the WebSocket LLM gateway service.
//
// New wires configuration into the generation backend, the optional memory
// store, the handler registry and the HTTP router. Run serves until its
// context is cancelled and then shuts down gracefully.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianGateway/services/gateway/config"
	"github.com/AleutianAI/AleutianGateway/services/gateway/handlers"
	"github.com/AleutianAI/AleutianGateway/services/gateway/memory"
	"github.com/AleutianAI/AleutianGateway/services/gateway/observability"
	"github.com/AleutianAI/AleutianGateway/services/gateway/routes"
	"github.com/AleutianAI/AleutianGateway/services/gateway/transport"
	"github.com/AleutianAI/AleutianGateway/services/llm"
)

// Service is a configured gateway.
type Service struct {
	cfg      config.Config
	router   *gin.Engine
	server   *http.Server
	manager  *transport.ConnectionManager
	registry *handlers.Registry

	closers   []func(context.Context) error
	closeOnce sync.Once
	closeErr  error
}

// New builds a Service from a validated configuration.
//
// # Inputs
//
//   - ctx: Used only during construction (exporter setup).
//   - cfg: Validated configuration.
//   - reg: Registerer for the gateway metrics. Nil uses the Prometheus default
//     registry, which is what /metrics serves.
//
// # Outputs
//
//   - *Service: Ready to Run. Call Close if Run is never called.
//   - error: Non-nil if a backend could not be initialized. Resources
//     acquired before the failure are released.
func New(ctx context.Context, cfg config.Config, reg prometheus.Registerer) (svc *Service, err error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &Service{cfg: cfg}
	defer func() {
		if err != nil {
			_ = s.Close(context.Background())
		}
	}()

	shutdownTracer, err := initTracer(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("failed to setup the tracer: %w", err)
	}
	s.closers = append(s.closers, shutdownTracer)

	metrics := observability.NewGatewayMetrics(reg)
	observability.DefaultMetrics = metrics

	client, err := newGenerationClient(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize LLM client: %w", err)
	}

	store, err := s.newMemoryStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize the memory store: %w", err)
	}

	s.registry, err = buildRegistry(client, store, cfg.Memory)
	if err != nil {
		return nil, err
	}

	s.manager = transport.NewConnectionManager(10*time.Second, metrics)
	opts := transport.DefaultOptions()
	opts.ReadLimit = cfg.Server.ReadLimitBytes
	opts.RequestsPerSecond = cfg.Server.RequestsPerSecond
	opts.Burst = cfg.Server.RequestBurst
	wsHandler := transport.NewWebSocketHandler(handlers.NewDispatcher(s.registry), s.manager, metrics, opts)

	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware(cfg.Tracing.ServiceName))
	routes.SetupRoutes(s.router, wsHandler, s.manager, s.registry.Names())

	s.server = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Server.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("Gateway configured",
		"llm_backend", cfg.LLM.Backend,
		"memory_backend", cfg.Memory.Backend,
		"handlers", s.registry.Names())
	return s, nil
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Service) Handler() http.Handler {
	return s.router
}

// Handlers returns the registered handler names.
func (s *Service) Handlers() []string {
	return s.registry.Names()
}

// Run serves HTTP until ctx is cancelled or the listener fails, then
// closes live WebSocket connections, drains HTTP requests and releases
// backends.
func (s *Service) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("Starting the gateway server", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down the gateway server")

		timeout := time.Duration(s.cfg.Server.ShutdownTimeoutSeconds) * time.Second
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		s.manager.CloseAll()
		return errors.Join(s.server.Shutdown(shutdownCtx), s.Close(shutdownCtx))
	})

	return g.Wait()
}

// Close releases the memory store and flushes the tracer. It runs once.
func (s *Service) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		var errs []error
		for i := len(s.closers) - 1; i >= 0; i-- {
			if err := s.closers[i](ctx); err != nil {
				errs = append(errs, err)
			}
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// =============================================================================
// Backend Wiring
// =============================================================================

func openAIConfig(cfg config.OpenAIConfig, sampling config.SamplingConfig) llm.OpenAIConfig {
	return llm.OpenAIConfig{
		APIKey:         cfg.APIKey,
		Model:          cfg.Model,
		EmbeddingModel: cfg.EmbeddingModel,
		BaseURL:        cfg.BaseURL,
		Params:         generationParams(sampling),
	}
}

func generationParams(sampling config.SamplingConfig) llm.GenerationParams {
	return llm.GenerationParams{
		Temperature: sampling.Temperature,
		TopP:        sampling.TopP,
		MaxTokens:   sampling.MaxTokens,
		Stop:        sampling.Stop,
	}
}

func newGenerationClient(cfg config.LLMConfig) (llm.GenerationClient, error) {
	return llm.NewGenerationClient(llm.BackendConfig{
		Type:   cfg.Backend,
		OpenAI: openAIConfig(cfg.OpenAI, cfg.Sampling),
		Ollama: llm.OllamaConfig{
			BaseURL: cfg.Ollama.BaseURL,
			Model:   cfg.Ollama.Model,
			Params:  generationParams(cfg.Sampling),
		},
	})
}

// newMemoryStore returns nil when memory is disabled.
func (s *Service) newMemoryStore(cfg config.Config) (memory.Store, error) {
	switch cfg.Memory.Backend {
	case config.MemoryWeaviate:
		headers := map[string]string{}
		if key := openAIKey(cfg.LLM.OpenAI); key != "" {
			headers["X-Openai-Api-Key"] = key
		} else {
			slog.Warn("No OpenAI key for the Weaviate text2vec-openai vectorizer")
		}
		store, err := memory.NewWeaviateStore(memory.WeaviateConfig{
			URL:     cfg.Memory.WeaviateURL,
			Headers: headers,
		})
		if err != nil {
			return nil, err
		}
		return store, nil

	case config.MemoryBadger:
		embedder, err := llm.NewOpenAIClient(openAIConfig(cfg.LLM.OpenAI, cfg.LLM.Sampling))
		if err != nil {
			return nil, fmt.Errorf("badger memory needs OpenAI embeddings: %w", err)
		}
		badgerCfg := memory.DefaultBadgerConfig(cfg.Memory.BadgerPath)
		badgerCfg.Logger = slog.Default().With("component", "badger")
		store, err := memory.NewBadgerStore(badgerCfg, embedder)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func(context.Context) error { return store.Close() })
		return store, nil

	default:
		slog.Info("Conversation memory disabled", "memory_backend", cfg.Memory.Backend)
		return nil, nil
	}
}

func openAIKey(cfg config.OpenAIConfig) string {
	if cfg.APIKey != "" {
		return cfg.APIKey
	}
	key, err := llm.ResolveOpenAIKey()
	if err != nil {
		return ""
	}
	return key
}

// buildRegistry registers the generic and chat handlers, plus the memory
// handler when a store is configured.
func buildRegistry(client llm.GenerationClient, store memory.Store, cfg config.MemoryConfig) (*handlers.Registry, error) {
	registry := handlers.NewRegistry()
	chat := handlers.NewChatStreamHandler(client)

	if err := registry.Register(handlers.HandlerGeneric, handlers.NewGenericHandler()); err != nil {
		return nil, err
	}
	if err := registry.Register(handlers.HandlerOpenAI, chat); err != nil {
		return nil, err
	}
	if store == nil {
		return registry, nil
	}

	memoryHandler := handlers.NewMemoryAugmentedChatHandler(chat, store, handlers.MemoryConfig{
		NearestLimit: cfg.NearestLimit,
		RecentLimit:  cfg.RecentLimit,
	})
	if err := registry.Register(handlers.HandlerOpenAIMemory, memoryHandler); err != nil {
		return nil, err
	}
	return registry, nil
}
