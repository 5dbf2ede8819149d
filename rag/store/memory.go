package store

import (
	"context"
	"fmt"
	"maps"
	"math"
	"sort"
	"sync"

	"github.com/MR-GREEN1337/wakil/rag"
)

type collection struct {
	dim    int
	order  []string
	points map[string]rag.Point
}

// InMemoryVectorStore is a rag.VectorStore kept in process memory. It scores
// by cosine similarity.
type InMemoryVectorStore struct {
	mu          sync.RWMutex
	collections map[string]*collection
}

var _ rag.VectorStore = (*InMemoryVectorStore)(nil)

// NewInMemoryVectorStore creates a new InMemoryVectorStore
func NewInMemoryVectorStore() *InMemoryVectorStore {
	return &InMemoryVectorStore{collections: make(map[string]*collection)}
}

// EnsureCollection creates the collection, or checks that an existing one has
// the same dimension.
func (s *InMemoryVectorStore) EnsureCollection(ctx context.Context, name string, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("collection %q: dimension must be positive", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.collections[name]; ok {
		if c.dim != dim {
			return fmt.Errorf("%w: collection %q has dimension %d, requested %d", rag.ErrDimensionMismatch, name, c.dim, dim)
		}
		return nil
	}
	s.collections[name] = &collection{dim: dim, points: make(map[string]rag.Point)}
	return nil
}

// Upsert inserts or replaces points by id. Either every point is stored or
// none is.
func (s *InMemoryVectorStore) Upsert(ctx context.Context, name string, points []rag.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collections[name]
	if !ok {
		return fmt.Errorf("%w: %s", rag.ErrCollectionNotFound, name)
	}
	for _, p := range points {
		if err := rag.CheckDimension(p.Vector, c.dim); err != nil {
			return fmt.Errorf("point %s: %w", p.ID, err)
		}
	}
	for _, p := range points {
		if _, exists := c.points[p.ID]; !exists {
			c.order = append(c.order, p.ID)
		}
		c.points[p.ID] = rag.Point{
			ID:      p.ID,
			Vector:  append([]float32(nil), p.Vector...),
			Payload: maps.Clone(p.Payload),
		}
	}
	return nil
}

// Search performs similarity search
func (s *InMemoryVectorStore) Search(ctx context.Context, name string, vector []float32, filter map[string]any, limit int) ([]rag.SearchResult, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.collections[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", rag.ErrCollectionNotFound, name)
	}
	if err := rag.CheckDimension(vector, c.dim); err != nil {
		return nil, err
	}

	results := make([]rag.SearchResult, 0)
	for _, id := range c.order {
		p := c.points[id]
		if !rag.MatchesFilter(p.Payload, filter) {
			continue
		}
		results = append(results, rag.SearchResult{
			ID:      p.ID,
			Score:   cosineSimilarity32(vector, p.Vector),
			Payload: maps.Clone(p.Payload),
		})
	}

	// stable so that equal scores keep insertion order
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Delete removes the points whose payload matches filter. An empty filter
// empties the collection.
func (s *InMemoryVectorStore) Delete(ctx context.Context, name string, filter map[string]any) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collections[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", rag.ErrCollectionNotFound, name)
	}
	kept := c.order[:0]
	removed := 0
	for _, id := range c.order {
		if rag.MatchesFilter(c.points[id].Payload, filter) {
			delete(c.points, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	c.order = kept
	return removed, nil
}

// Count returns the number of points in a collection.
func (s *InMemoryVectorStore) Count(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.collections[name]; ok {
		return len(c.points)
	}
	return 0
}

// Close releases all collections.
func (s *InMemoryVectorStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections = make(map[string]*collection)
	return nil
}

// cosineSimilarity32 calculates cosine similarity between two float32 vectors
func cosineSimilarity32(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct float64
	var normA float64
	var normB float64

	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}
