package embed

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"log/slog"
	"math"
	"sync/atomic"

	badger "github.com/dgraph-io/badger/v4"
	"golang.org/x/crypto/blake2b"

	"github.com/gotnhq/gotn/pkg/errs"
)

// Cached wraps an Embedder with a persistent BadgerDB cache. Keys are
// model:blake2b(text), so switching models never serves stale vectors.
// Cache write failures degrade to a recomputed embedding, never to an
// error.
type Cached struct {
	base   Embedder
	db     *badger.DB
	logger *slog.Logger

	hits   atomic.Uint64
	misses atomic.Uint64
}

// OpenCached opens (or creates) the cache database under dir and wraps
// base with it. Close releases the database.
func OpenCached(base Embedder, dir string, logger *slog.Logger) (*Cached, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	opts := badger.DefaultOptions(dir).
		WithLogger(nil).
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errs.Wrap(errs.KindIOError, err, "opening embedding cache at %s", dir)
	}
	return &Cached{base: base, db: db, logger: logger}, nil
}

// Close releases the cache database.
func (c *Cached) Close() error {
	return c.db.Close()
}

// cacheKey builds the storage key for one (model, text) pair.
func cacheKey(model, text string) []byte {
	sum := blake2b.Sum256([]byte(text))
	return []byte(model + ":" + hex.EncodeToString(sum[:]))
}

// Embed returns the cached vector when present, otherwise computes, stores,
// and returns it.
func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	key := cacheKey(c.base.Model(), text)

	var cached []float32
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			vec, err := decodeVector(val)
			if err != nil {
				return err
			}
			cached = vec
			return nil
		})
	})
	if err == nil && cached != nil {
		c.hits.Add(1)
		return cached, nil
	}
	if err != nil && err != badger.ErrKeyNotFound {
		// A corrupt or unreadable entry is just a miss; recompute below.
		c.logger.Warn("embedding cache read failed", "error", err)
	}

	c.misses.Add(1)
	vec, err := c.base.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	if werr := c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, encodeVector(vec))
	}); werr != nil {
		c.logger.Warn("embedding cache write failed", "error", werr)
	}
	return vec, nil
}

// Dimensions returns the wrapped embedder's vector width.
func (c *Cached) Dimensions() int { return c.base.Dimensions() }

// Model returns the wrapped embedder's model name.
func (c *Cached) Model() string { return c.base.Model() }

// CacheStats holds hit and miss counts since the cache was opened.
type CacheStats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
}

// Stats reports cache effectiveness.
func (c *Cached) Stats() CacheStats {
	return CacheStats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}

// encodeVector packs a vector as little-endian float32 bits.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeVector unpacks an encoded vector.
func decodeVector(data []byte) ([]float32, error) {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil, errs.New(errs.KindIOError, "corrupt cached vector: %d bytes", len(data))
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec, nil
}
