// Package search provides vector similarity lookup over extracted entities
// using an external search index.
package search

import (
	"context"

	"github.com/google/uuid"

	"github.com/ashita-ai/tsumugi/internal/model"
)

// Result holds an entity ID and its raw similarity score from the search
// index. The caller hydrates full Entity objects from Postgres (source of
// truth).
type Result struct {
	EntityID uuid.UUID
	Score    float32
}

// Point is the data needed to upsert a single entity into the index.
type Point struct {
	ID         uuid.UUID
	Kind       model.EntityKind
	Name       string
	Confidence float32
	Embedding  []float32
}

// Searcher is the interface for vector search indexes.
// Implementations must be safe for concurrent use.
type Searcher interface {
	// FindSimilar returns entity IDs of the given kind whose embeddings are
	// similar to the query embedding, best first. Results scoring below
	// minScore are dropped.
	FindSimilar(ctx context.Context, kind model.EntityKind, embedding []float32, limit int, minScore float32) ([]Result, error)

	// Upsert inserts or updates entity points in the index.
	Upsert(ctx context.Context, points []Point) error

	// Healthy returns nil if the search index is reachable, or an error
	// describing the problem.
	Healthy(ctx context.Context) error
}

// Noop is a Searcher that indexes nothing and finds nothing. Used when no
// index is configured: extraction still works, it just never sees similar
// entities, so every extracted entity looks new.
type Noop struct{}

func (Noop) FindSimilar(context.Context, model.EntityKind, []float32, int, float32) ([]Result, error) {
	return nil, nil
}

func (Noop) Upsert(context.Context, []Point) error { return nil }

func (Noop) Healthy(context.Context) error { return nil }
