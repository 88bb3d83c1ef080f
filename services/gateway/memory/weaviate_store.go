// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
)

const (
	// ClassPrefix is prepended to the partition key to form the class name.
	ClassPrefix = "Chat_hist_"

	// DefaultVectorizer is the Weaviate module that embeds chat turns.
	DefaultVectorizer = "text2vec-openai"
)

// ClassName maps a partition key to its Weaviate class name.
//
// Letters and digits pass through. An underscore is doubled and every other
// byte becomes _xHH, so distinct partition keys never share a class.
//
//	ClassName("Jane_Doe") == "Chat_hist_Jane__Doe"
//	ClassName("Jane-Doe") == "Chat_hist_Jane_x2DDoe"
func ClassName(partition string) string {
	var b strings.Builder
	b.WriteString(ClassPrefix)
	for i := 0; i < len(partition); i++ {
		c := partition[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			b.WriteByte(c)
		case c == '_':
			b.WriteString("__")
		default:
			fmt.Fprintf(&b, "_x%02X", c)
		}
	}
	return b.String()
}

// ChatHistorySchema returns the class definition for one partition.
func ChatHistorySchema(className, vectorizer string) *models.Class {
	skip := map[string]interface{}{
		vectorizer: map[string]interface{}{"skip": true},
	}
	return &models.Class{
		Class:       className,
		Description: "Conversation turns of one character.",
		Vectorizer:  vectorizer,
		InvertedIndexConfig: &models.InvertedIndexConfig{
			IndexTimestamps: true,
		},
		Properties: []*models.Property{
			{
				Name:         "role",
				DataType:     []string{"text"},
				Description:  "Author of the turn",
				ModuleConfig: skip,
			},
			{
				Name:        "content",
				DataType:    []string{"text"},
				Description: "Text of the turn",
			},
			{
				Name:         "timestamp",
				DataType:     []string{"number"},
				Description:  "Unix microseconds at persist time",
				ModuleConfig: skip,
			},
		},
	}
}

// WeaviateConfig configures a WeaviateStore.
type WeaviateConfig struct {
	// URL is the Weaviate base URL, e.g. http://weaviate:8080.
	URL string

	// Vectorizer defaults to DefaultVectorizer.
	Vectorizer string

	// Headers are sent with every request, e.g. X-Openai-Api-Key for
	// the text2vec-openai module.
	Headers map[string]string
}

// WeaviateStore keeps conversation memory in Weaviate, one class per partition.
//
// # Description
//
// Classes are created on first access and remembered for the life of the
// store. Relevance uses nearText over the server side vectorizer; recency
// sorts on the timestamp property.
//
// # Thread Safety
//
// Safe for concurrent use.
type WeaviateStore struct {
	client     *weaviate.Client
	vectorizer string
	now        func() time.Time

	// known holds class names confirmed to exist.
	known sync.Map
}

// NewWeaviateStore creates a store for the Weaviate instance at cfg.URL.
func NewWeaviateStore(cfg WeaviateConfig) (*WeaviateStore, error) {
	weaviateURL := strings.Trim(cfg.URL, "\"' ")
	parsedURL, err := url.Parse(weaviateURL)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("invalid Weaviate URL: %s", weaviateURL)
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:    parsedURL.Host,
		Scheme:  parsedURL.Scheme,
		Headers: cfg.Headers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Weaviate client: %w", err)
	}

	vectorizer := cfg.Vectorizer
	if vectorizer == "" {
		vectorizer = DefaultVectorizer
	}
	slog.Info("Weaviate memory store initialized", "url", weaviateURL, "vectorizer", vectorizer)
	return &WeaviateStore{client: client, vectorizer: vectorizer, now: time.Now}, nil
}

// ensureClass creates the partition's class if it does not exist yet.
func (s *WeaviateStore) ensureClass(ctx context.Context, className string) error {
	if _, ok := s.known.Load(className); ok {
		return nil
	}

	if _, err := s.client.Schema().ClassGetter().WithClassName(className).Do(ctx); err == nil {
		s.known.Store(className, struct{}{})
		return nil
	}

	slog.Info("Schema not found, creating it", "class", className)
	createErr := s.client.Schema().ClassCreator().WithClass(ChatHistorySchema(className, s.vectorizer)).Do(ctx)
	if createErr != nil {
		// A concurrent request may have created it first.
		if _, err := s.client.Schema().ClassGetter().WithClassName(className).Do(ctx); err != nil {
			return fmt.Errorf("create class %s: %w", className, createErr)
		}
	}
	s.known.Store(className, struct{}{})
	return nil
}

// weaviateTurn is one object of a Chat_hist_* class as returned by GraphQL.
type weaviateTurn struct {
	Role      string  `json:"role"`
	Content   string  `json:"content"`
	Timestamp float64 `json:"timestamp"`
}

// weaviateGetResponse is the GraphQL Get payload keyed by class name.
type weaviateGetResponse struct {
	Get map[string][]weaviateTurn `json:"Get"`
}

var turnFields = []graphql.Field{
	{Name: "role"},
	{Name: "content"},
	{Name: "timestamp"},
}

// RetrieveRelevant implements Store.
func (s *WeaviateStore) RetrieveRelevant(ctx context.Context, partition, query string, limit int) ([]datatypes.Message, error) {
	ctx, span := tracer.Start(ctx, "WeaviateStore.RetrieveRelevant")
	defer span.End()
	className := ClassName(partition)
	span.SetAttributes(attribute.String("memory.class", className), attribute.Int("memory.limit", limit))

	if limit <= 0 {
		return nil, nil
	}
	if err := s.ensureClass(ctx, className); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	nearText := s.client.GraphQL().NearTextArgBuilder().WithConcepts([]string{query})
	result, err := s.client.GraphQL().Get().
		WithClassName(className).
		WithFields(turnFields...).
		WithNearText(nearText).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("semantic search: %w", err)
	}
	return parseTurns(result, className)
}

// RetrieveRecent implements Store.
func (s *WeaviateStore) RetrieveRecent(ctx context.Context, partition string, limit int) ([]datatypes.Message, error) {
	ctx, span := tracer.Start(ctx, "WeaviateStore.RetrieveRecent")
	defer span.End()
	className := ClassName(partition)
	span.SetAttributes(attribute.String("memory.class", className), attribute.Int("memory.limit", limit))

	if limit <= 0 {
		return nil, nil
	}
	if err := s.ensureClass(ctx, className); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	result, err := s.client.GraphQL().Get().
		WithClassName(className).
		WithFields(turnFields...).
		WithSort(graphql.Sort{Path: []string{"timestamp"}, Order: graphql.Desc}).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("recent turns query: %w", err)
	}
	return parseTurns(result, className)
}

// Persist implements Store.
func (s *WeaviateStore) Persist(ctx context.Context, partition string, messages []datatypes.Message) error {
	ctx, span := tracer.Start(ctx, "WeaviateStore.Persist")
	defer span.End()
	className := ClassName(partition)
	span.SetAttributes(attribute.String("memory.class", className), attribute.Int("memory.count", len(messages)))

	if len(messages) == 0 {
		return nil
	}
	if err := s.ensureClass(ctx, className); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	// Microseconds keep the timestamp exact in a float64 number property.
	base := s.now().UnixMicro()
	objects := make([]*models.Object, len(messages))
	for i, m := range messages {
		objects[i] = &models.Object{
			Class: className,
			ID:    strfmt.UUID(uuid.NewString()),
			Properties: map[string]interface{}{
				"role":      string(m.Role),
				"content":   m.Content,
				"timestamp": base + int64(i),
			},
		}
	}

	resp, err := s.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to save objects to Weaviate: %w", err)
	}

	failures := batchFailures(resp)
	if len(failures) > 0 {
		err := errors.New(strings.Join(failures, "; "))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Warn("Weaviate batch had failed items", "class", className, "failed", len(failures))
		return fmt.Errorf("%d of %d turns failed: %w", len(failures), len(objects), err)
	}
	return nil
}

// batchFailures collects the error messages of failed batch items.
func batchFailures(resp []models.ObjectsGetResponse) []string {
	var failures []string
	for _, item := range resp {
		if item.Result == nil {
			continue
		}
		if item.Result.Errors != nil && len(item.Result.Errors.Error) > 0 {
			for _, errItem := range item.Result.Errors.Error {
				failures = append(failures, errItem.Message)
			}
			continue
		}
		if item.Result.Status != nil && *item.Result.Status == "FAILED" {
			failures = append(failures, "batch item failed without error details")
		}
	}
	return failures
}

// parseTurns decodes a GraphQL Get response for className.
func parseTurns(resp *models.GraphQLResponse, className string) ([]datatypes.Message, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}
	if len(resp.Errors) > 0 {
		return nil, fmt.Errorf("search error: %s", resp.Errors[0].Message)
	}

	respBytes, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}
	var typed weaviateGetResponse
	if err := json.Unmarshal(respBytes, &typed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal GraphQL response: %w", err)
	}

	turns := typed.Get[className]
	out := make([]datatypes.Message, 0, len(turns))
	for _, t := range turns {
		out = append(out, datatypes.Message{Role: datatypes.Role(t.Role), Content: t.Content})
	}
	return out, nil
}
