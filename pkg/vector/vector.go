// Package vector provides embedding storage with cosine similarity search.
//
// Two implementations are available:
//   - Memory: brute-force exact cosine over an in-process map
//   - Remote: a Milvus-compatible v2 REST backend over TLS
//
// Both are safe for concurrent use. New selects between them from config:
// the remote backend is used only when an endpoint and token are both
// configured, otherwise everything stays in process.
package vector

import (
	"context"
	"math"
	"time"

	"github.com/gotnhq/gotn/pkg/errs"
)

// Match is one search hit, sorted by descending similarity.
type Match struct {
	ID        string  `json:"id"`
	Score     float32 `json:"score"`
	ProjectID string  `json:"project_id,omitempty"`
}

// Store stores embeddings and answers nearest-neighbor queries. An empty
// projectID on Search means unscoped: hits from every project are eligible.
type Store interface {
	Upsert(ctx context.Context, id string, vec []float32, projectID string) error
	Search(ctx context.Context, vec []float32, k int, projectID string) ([]Match, error)
}

// Config selects and parameterizes the backing store.
type Config struct {
	Endpoint   string        // remote base URL, e.g. https://milvus.internal:19530
	Token      string        // bearer token for the remote backend
	Collection string        // remote collection name
	Dimensions int           // vector width for the remote collection schema
	Timeout    time.Duration // per-request timeout for the remote backend
}

// DefaultConfig returns the remote backend defaults. Endpoint and Token are
// deliberately empty so the zero config selects the in-memory store.
func DefaultConfig() *Config {
	return &Config{
		Collection: "gotn_nodes",
		Dimensions: 1536,
		Timeout:    30 * time.Second,
	}
}

// New returns the store the config describes: Remote when both endpoint and
// token are set, Memory otherwise.
func New(cfg *Config) Store {
	if cfg != nil && cfg.Endpoint != "" && cfg.Token != "" {
		return NewRemote(cfg)
	}
	return NewMemory()
}

// checkVector rejects vectors no backend can index.
func checkVector(vec []float32) error {
	if len(vec) == 0 {
		return errs.New(errs.KindInvalidEmbedding, "vector is empty")
	}
	for i, v := range vec {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return errs.New(errs.KindInvalidEmbedding, "vector[%d] is not finite", i)
		}
	}
	return nil
}
