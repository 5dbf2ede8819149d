package rag

import (
	"context"
	"errors"
	"fmt"
)

const (
	// DefaultCollection holds every agent's vectors, partitioned by payload.
	DefaultCollection = "user_data"
	// DefaultDimension matches text-embedding-3-small.
	DefaultDimension = 1536
	// DefaultTopK is the number of chunks a retrieval returns.
	DefaultTopK = 5
)

var (
	// ErrDimensionMismatch is returned when a vector's length differs from
	// the collection's fixed dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	// ErrCollectionNotFound is returned for operations on a collection that
	// was never created.
	ErrCollectionNotFound = errors.New("collection not found")
)

// Payload keys written by store nodes.
const (
	PayloadUserID    = "user_id"
	PayloadGraphID   = "graph_id"
	PayloadNodeID    = "node_id"
	PayloadContent   = "content"
	PayloadCreatedAt = "created_at"
)

// Document is a piece of loaded text with loader metadata.
type Document struct {
	Content  string
	Metadata map[string]any
}

// Point is one stored vector.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// SearchResult is a scored match. Higher scores are more similar.
type SearchResult struct {
	ID      string
	Score   float64
	Payload map[string]any
}

// Content returns the payload's content field, or "".
func (r SearchResult) Content() string {
	s, _ := r.Payload[PayloadContent].(string)
	return s
}

// VectorStore is a collection-scoped similarity index. The dimension of a
// collection is fixed when it is created.
type VectorStore interface {
	EnsureCollection(ctx context.Context, name string, dim int) error
	Upsert(ctx context.Context, collection string, points []Point) error
	// Search returns at most limit results whose payload matches every
	// filter entry, most similar first.
	Search(ctx context.Context, collection string, vector []float32, filter map[string]any, limit int) ([]SearchResult, error)
	// Delete removes the points matching filter and reports how many.
	Delete(ctx context.Context, collection string, filter map[string]any) (int, error)
	Close() error
}

// Embedder turns text into vectors of a fixed dimension.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// MatchesFilter reports whether payload holds every key of filter with an
// equal value. Values are compared by their printed form so that numbers
// decoded from JSON still match.
func MatchesFilter(payload, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := payload[k]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// CheckDimension returns ErrDimensionMismatch when len(v) != dim.
func CheckDimension(v []float32, dim int) error {
	if len(v) != dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(v), dim)
	}
	return nil
}
