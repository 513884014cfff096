// Package vectorstore is the agent long-term-memory backend: one
// pgvector-indexed table partitioned by collection name, one
// collection per agent, named `user{uid}_project{pid}_{name}_context`
// per spec §4.2.
package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"github.com/sony/gobreaker"

	"github.com/agentcore/platform/internal/apperror"
	"github.com/agentcore/platform/internal/embeddings"
)

// CollectionName builds the per-agent collection identifier.
func CollectionName(userID, projectID, agentName string) string {
	return fmt.Sprintf("user%s_project%s_%s_context", userID, projectID, agentName)
}

// Record is one long-term-memory entry.
type Record struct {
	ID         string
	Content    string
	Metadata   map[string]any
	Score      float64
	RecordedAt time.Time
}

// Store is the pgvector-backed vector store, circuit-broken the same
// way the LLM client is (spec: vector store is an external
// collaborator whose failures the bus must classify as Transient).
type Store struct {
	pool     *pgxpool.Pool
	embedder embeddings.Embedder
	breaker  *gobreaker.CircuitBreaker
}

// New builds a Store. maxFailures/openTimeout configure the circuit
// breaker guarding every call.
func New(pool *pgxpool.Pool, embedder embeddings.Embedder, maxFailures uint32, openTimeout time.Duration) *Store {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "vectorstore",
		Timeout: openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
	})
	return &Store{pool: pool, embedder: embedder, breaker: cb}
}

// Add embeds and appends content to a collection (Worker Space's
// add_context).
func (s *Store) Add(ctx context.Context, collection, content string, metadata map[string]any) error {
	_, err := s.breaker.Execute(func() (any, error) {
		vec, err := s.embedder.Embed(ctx, content)
		if err != nil {
			return nil, apperror.Wrap("vectorstore.Add", apperror.CodeTransient, err)
		}
		meta, err := json.Marshal(metadata)
		if err != nil {
			return nil, apperror.Wrap("vectorstore.Add", apperror.CodeValidation, err)
		}
		_, err = s.pool.Exec(ctx, `
			INSERT INTO agent_context_vectors (id, collection_name, content, metadata, embedding, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, uuid.NewString(), collection, content, meta, pgvector.NewVector(vec), time.Now().UTC())
		return nil, err
	})
	if err != nil {
		return classifyErr("vectorstore.Add", err)
	}
	return nil
}

// Search returns the top-`limit` records in collection closest to
// query, optionally filtered by metadata equality (Worker Space's
// search_context).
func (s *Store) Search(ctx context.Context, collection, query string, limit int, filters map[string]any) ([]Record, error) {
	res, err := s.breaker.Execute(func() (any, error) {
		vec, err := s.embedder.Embed(ctx, query)
		if err != nil {
			return nil, apperror.Wrap("vectorstore.Search", apperror.CodeTransient, err)
		}

		rows, err := s.pool.Query(ctx, `
			SELECT id, content, metadata, created_at, 1 - (embedding <=> $2) AS score
			FROM agent_context_vectors
			WHERE collection_name = $1
			ORDER BY embedding <=> $2
			LIMIT $3
		`, collection, pgvector.NewVector(vec), limit)
		if err != nil {
			return nil, apperror.Wrap("vectorstore.Search", apperror.CodeTransient, err)
		}
		defer rows.Close()

		var out []Record
		for rows.Next() {
			var r Record
			var metaJSON []byte
			if err := rows.Scan(&r.ID, &r.Content, &metaJSON, &r.RecordedAt, &r.Score); err != nil {
				return nil, apperror.Wrap("vectorstore.Search", apperror.CodeTransient, err)
			}
			if err := json.Unmarshal(metaJSON, &r.Metadata); err != nil {
				return nil, apperror.Wrap("vectorstore.Search", apperror.CodePermanent, err)
			}
			if matchesFilters(r.Metadata, filters) {
				out = append(out, r)
			}
		}
		return out, rows.Err()
	})
	if err != nil {
		return nil, classifyErr("vectorstore.Search", err)
	}
	return res.([]Record), nil
}

// Clear removes every vector in collection (Worker Space's clear_context).
func (s *Store) Clear(ctx context.Context, collection string) error {
	_, err := s.breaker.Execute(func() (any, error) {
		_, err := s.pool.Exec(ctx, `DELETE FROM agent_context_vectors WHERE collection_name = $1`, collection)
		return nil, err
	})
	if err != nil {
		return classifyErr("vectorstore.Clear", err)
	}
	return nil
}

func matchesFilters(metadata map[string]any, filters map[string]any) bool {
	for k, v := range filters {
		if metadata[k] != v {
			return false
		}
	}
	return true
}

// classifyErr maps gobreaker's open-circuit sentinel and any other
// failure to the bus's Transient classification, so an open circuit
// surfaces as a retryable condition rather than a permanent one.
func classifyErr(op string, err error) error {
	if ce, ok := err.(*apperror.CoreError); ok {
		return ce
	}
	return apperror.Wrap(op, apperror.CodeTransient, err)
}
