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
	"cmp"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianGateway/services/gateway/datatypes"
)

const turnKeyPrefix = "turn/"

// BadgerStore keeps conversation memory in a local BadgerDB.
//
// # Description
//
// Each turn is stored under turn/<hex partition>/<timestamp>/<id>, so a
// reverse prefix scan yields the most recent turns first. Turns are embedded
// with the configured Embedder on persist, and RetrieveRelevant ranks a
// partition's turns by cosine similarity to the embedded query.
//
// # Limitations
//
//   - RetrieveRelevant scans the whole partition. Fine for per-character
//     histories, not for large corpora.
//
// # Thread Safety
//
// Safe for concurrent use.
type BadgerStore struct {
	db       *badgerDB
	embedder Embedder
	now      func() time.Time
}

// NewBadgerStore opens the database described by cfg.
//
// # Inputs
//
//   - cfg: Database configuration.
//   - embedder: Vector source for persisted turns and queries. Required.
//
// # Outputs
//
//   - *BadgerStore: Open store. Call Close when done.
//   - error: Non-nil if embedder is nil or the database cannot be opened.
func NewBadgerStore(cfg BadgerConfig, embedder Embedder) (*BadgerStore, error) {
	if embedder == nil {
		return nil, errors.New("embedder must not be nil")
	}
	db, err := openBadger(cfg)
	if err != nil {
		return nil, err
	}
	slog.Info("Opened local memory store", "path", cfg.Path, "in_memory", cfg.InMemory)
	return &BadgerStore{db: db, embedder: embedder, now: time.Now}, nil
}

// Close closes the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func partitionPrefix(partition string) []byte {
	return []byte(turnKeyPrefix + hex.EncodeToString([]byte(partition)) + "/")
}

func turnKey(partition string, t Turn) []byte {
	return fmt.Appendf(partitionPrefix(partition), "%020d/%s", t.Timestamp, t.ID)
}

// Persist implements Store.
func (s *BadgerStore) Persist(ctx context.Context, partition string, messages []datatypes.Message) error {
	ctx, span := tracer.Start(ctx, "BadgerStore.Persist")
	defer span.End()
	span.SetAttributes(attribute.String("memory.partition", partition), attribute.Int("memory.count", len(messages)))

	if len(messages) == 0 {
		return nil
	}

	texts := make([]string, len(messages))
	for i, m := range messages {
		texts[i] = m.Content
	}
	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("embed turns: %w", err)
	}
	if len(vectors) != len(messages) {
		return fmt.Errorf("embedder returned %d vectors for %d turns", len(vectors), len(messages))
	}

	stamps := turnTimestamps(s.now(), len(messages))
	err = s.db.update(ctx, func(txn *badger.Txn) error {
		for i, m := range messages {
			turn := Turn{
				ID:        uuid.NewString(),
				Role:      m.Role,
				Content:   m.Content,
				Timestamp: stamps[i],
				Vector:    vectors[i],
			}
			value, err := json.Marshal(turn)
			if err != nil {
				return fmt.Errorf("marshal turn: %w", err)
			}
			if err := txn.Set(turnKey(partition, turn), value); err != nil {
				return fmt.Errorf("set turn: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("persist to partition %q: %w", partition, err)
	}
	return nil
}

// RetrieveRecent implements Store.
func (s *BadgerStore) RetrieveRecent(ctx context.Context, partition string, limit int) ([]datatypes.Message, error) {
	ctx, span := tracer.Start(ctx, "BadgerStore.RetrieveRecent")
	defer span.End()
	span.SetAttributes(attribute.String("memory.partition", partition), attribute.Int("memory.limit", limit))

	if limit <= 0 {
		return nil, nil
	}

	var out []datatypes.Message
	prefix := partitionPrefix(partition)
	err := s.db.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(append(slices.Clone(prefix), 0xFF)); it.ValidForPrefix(prefix) && len(out) < limit; it.Next() {
			turn, err := decodeTurn(it.Item())
			if err != nil {
				return err
			}
			out = append(out, turn.Message())
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("read recent turns of %q: %w", partition, err)
	}
	return out, nil
}

// RetrieveRelevant implements Store.
func (s *BadgerStore) RetrieveRelevant(ctx context.Context, partition, query string, limit int) ([]datatypes.Message, error) {
	ctx, span := tracer.Start(ctx, "BadgerStore.RetrieveRelevant")
	defer span.End()
	span.SetAttributes(attribute.String("memory.partition", partition), attribute.Int("memory.limit", limit))

	if limit <= 0 {
		return nil, nil
	}

	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors for 1 query", len(vectors))
	}
	queryVec := vectors[0]

	type scored struct {
		msg   datatypes.Message
		score float64
	}
	var candidates []scored
	prefix := partitionPrefix(partition)
	err = s.db.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			turn, err := decodeTurn(it.Item())
			if err != nil {
				return err
			}
			candidates = append(candidates, scored{msg: turn.Message(), score: cosineSimilarity(queryVec, turn.Vector)})
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("read turns of %q: %w", partition, err)
	}

	slices.SortStableFunc(candidates, func(a, b scored) int {
		return cmp.Compare(b.score, a.score)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]datatypes.Message, len(candidates))
	for i, c := range candidates {
		out[i] = c.msg
	}
	return out, nil
}

func decodeTurn(item *badger.Item) (Turn, error) {
	var turn Turn
	err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &turn)
	})
	if err != nil {
		return Turn{}, fmt.Errorf("decode turn %s: %w", item.Key(), err)
	}
	return turn, nil
}

// cosineSimilarity returns 0 for mismatched or zero-length vectors.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
