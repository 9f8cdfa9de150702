// Package vector provides the similarity index the router searches.
package vector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
)

var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// Hit is one search result.
type Hit struct {
	ID      string
	Score   float64
	Payload map[string]string
}

// Index stores vectors by id and finds the nearest ones.
type Index interface {
	Upsert(ctx context.Context, id string, vec []float32, payload map[string]string) error
	Delete(ctx context.Context, id string) error
	Search(ctx context.Context, vec []float32, limit int, minScore float64) ([]Hit, error)
}

type item struct {
	vec     []float32
	norm    float64
	payload map[string]string
}

// Memory is an in-process Index ranking by cosine similarity.
type Memory struct {
	mu    sync.RWMutex
	dims  int
	items map[string]item
}

var _ Index = (*Memory)(nil)

// NewMemory creates an empty index. The first upsert fixes the dimension.
func NewMemory() *Memory {
	return &Memory{items: make(map[string]item)}
}

// Upsert implements Index.
func (m *Memory) Upsert(ctx context.Context, id string, vec []float32, payload map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(vec) == 0 {
		return fmt.Errorf("upsert %s: empty vector", id)
	}
	n := norm(vec)
	if n == 0 {
		return fmt.Errorf("upsert %s: zero vector", id)
	}

	cp := make(map[string]string, len(payload))
	for k, v := range payload {
		cp[k] = v
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dims == 0 || len(m.items) == 0 {
		m.dims = len(vec)
	}
	if len(vec) != m.dims {
		return fmt.Errorf("upsert %s: %w: got %d, want %d", id, ErrDimensionMismatch, len(vec), m.dims)
	}
	m.items[id] = item{vec: append([]float32(nil), vec...), norm: n, payload: cp}
	return nil
}

// Delete implements Index.
func (m *Memory) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.items, id)
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored vectors.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Search implements Index. Hits scoring below minScore are dropped; the rest
// are ordered by descending score, ties by id.
func (m *Memory) Search(ctx context.Context, vec []float32, limit int, minScore float64) ([]Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	qn := norm(vec)

	m.mu.RLock()
	if len(m.items) > 0 && len(vec) != m.dims {
		m.mu.RUnlock()
		return nil, fmt.Errorf("search: %w: got %d, want %d", ErrDimensionMismatch, len(vec), m.dims)
	}
	var hits []Hit
	if qn > 0 {
		for id, it := range m.items {
			score := dot(vec, it.vec) / (qn * it.norm)
			if score < minScore {
				continue
			}
			hits = append(hits, Hit{ID: id, Score: score, Payload: it.payload})
		}
	}
	m.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func dot(a, b []float32) float64 {
	var s float64
	for i := range a {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

func norm(v []float32) float64 {
	return math.Sqrt(dot(v, v))
}
