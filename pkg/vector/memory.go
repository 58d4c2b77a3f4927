package vector

import (
	"context"
	"sort"
	"sync"

	"github.com/gotnhq/gotn/pkg/errs"
	"github.com/gotnhq/gotn/pkg/vecmath"
)

// memKey scopes an embedding id to its project.
type memKey struct {
	project string
	id      string
}

// Memory is a brute-force exact-cosine store. Vectors are normalized on
// insert so a query is one dot product per entry. The first insert pins the
// dimension; later vectors must match it.
type Memory struct {
	mu      sync.RWMutex
	dims    int
	entries map[memKey][]float32
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[memKey][]float32)}
}

// Upsert adds or replaces the vector for (projectID, id).
func (m *Memory) Upsert(ctx context.Context, id string, vec []float32, projectID string) error {
	if id == "" {
		return errs.New(errs.KindValidation, "vector id is empty")
	}
	if err := checkVector(vec); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return errs.Wrap(errs.KindOf(err), err, "upsert %s", id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dims == 0 {
		m.dims = len(vec)
	} else if len(vec) != m.dims {
		return errs.New(errs.KindInvalidEmbedding, "dimension mismatch: got %d, want %d", len(vec), m.dims)
	}
	m.entries[memKey{project: projectID, id: id}] = vecmath.Normalize(vec)
	return nil
}

// Search returns the k nearest entries by cosine similarity, highest first.
// Ties break on id so results are stable. A non-empty projectID restricts
// the scan to that project.
func (m *Memory) Search(ctx context.Context, vec []float32, k int, projectID string) ([]Match, error) {
	if k <= 0 {
		return nil, errs.New(errs.KindValidation, "k must be > 0, got %d", k)
	}
	if err := checkVector(vec); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.entries) == 0 {
		return []Match{}, nil
	}
	if len(vec) != m.dims {
		return nil, errs.New(errs.KindInvalidEmbedding, "dimension mismatch: got %d, want %d", len(vec), m.dims)
	}

	query := vecmath.Normalize(vec)
	matches := make([]Match, 0, len(m.entries))
	for key, stored := range m.entries {
		select {
		case <-ctx.Done():
			err := ctx.Err()
			return nil, errs.Wrap(errs.KindOf(err), err, "search cancelled")
		default:
		}
		if projectID != "" && key.project != projectID {
			continue
		}
		matches = append(matches, Match{
			ID:        key.id,
			Score:     float32(vecmath.Dot(query, stored)),
			ProjectID: key.project,
		})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Count reports the number of stored vectors across all projects.
func (m *Memory) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
