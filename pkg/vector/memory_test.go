package vector

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotnhq/gotn/pkg/errs"
	"github.com/gotnhq/gotn/pkg/vecmath"
)

func TestMemoryUpsertSearch(t *testing.T) {
	ctx := context.Background()

	t.Run("ranks_by_cosine_similarity", func(t *testing.T) {
		m := NewMemory()
		require.NoError(t, m.Upsert(ctx, "a", []float32{1, 0, 0}, "p1"))
		require.NoError(t, m.Upsert(ctx, "b", []float32{0.9, 0.1, 0}, "p1"))
		require.NoError(t, m.Upsert(ctx, "c", []float32{0, 1, 0}, "p1"))

		matches, err := m.Search(ctx, []float32{1, 0, 0}, 3, "p1")
		require.NoError(t, err)
		require.Len(t, matches, 3)
		assert.Equal(t, "a", matches[0].ID)
		assert.Equal(t, "b", matches[1].ID)
		assert.Equal(t, "c", matches[2].ID)
		assert.InDelta(t, 1.0, matches[0].Score, 1e-5)
		assert.InDelta(t, 0.0, matches[2].Score, 1e-5)
	})

	t.Run("respects_k", func(t *testing.T) {
		m := NewMemory()
		require.NoError(t, m.Upsert(ctx, "a", []float32{1, 0}, ""))
		require.NoError(t, m.Upsert(ctx, "b", []float32{0, 1}, ""))

		matches, err := m.Search(ctx, []float32{1, 0}, 1, "")
		require.NoError(t, err)
		require.Len(t, matches, 1)
		assert.Equal(t, "a", matches[0].ID)
	})

	t.Run("scores_match_cosine_of_raw_vectors", func(t *testing.T) {
		m := NewMemory()
		stored := []float32{2.5, 0.3, -0.8}
		query := []float32{0.2, -1.3, 4.7}
		require.NoError(t, m.Upsert(ctx, "a", stored, ""))

		matches, err := m.Search(ctx, query, 1, "")
		require.NoError(t, err)
		require.Len(t, matches, 1)
		assert.InDelta(t, vecmath.Cosine(query, stored), float64(matches[0].Score), 1e-5,
			"normalize-on-insert plus dot must equal plain cosine")
	})

	t.Run("equal_scores_break_ties_by_id", func(t *testing.T) {
		m := NewMemory()
		require.NoError(t, m.Upsert(ctx, "zz", []float32{1, 0}, ""))
		require.NoError(t, m.Upsert(ctx, "aa", []float32{2, 0}, ""))

		matches, err := m.Search(ctx, []float32{1, 0}, 2, "")
		require.NoError(t, err)
		require.Len(t, matches, 2)
		assert.Equal(t, "aa", matches[0].ID, "same direction, same score, id order wins")
		assert.Equal(t, "zz", matches[1].ID)
	})

	t.Run("upsert_replaces_vector", func(t *testing.T) {
		m := NewMemory()
		require.NoError(t, m.Upsert(ctx, "a", []float32{1, 0}, ""))
		require.NoError(t, m.Upsert(ctx, "a", []float32{0, 1}, ""))
		assert.Equal(t, 1, m.Count())

		matches, err := m.Search(ctx, []float32{1, 0}, 1, "")
		require.NoError(t, err)
		assert.InDelta(t, 0.0, matches[0].Score, 1e-5)
	})

	t.Run("zero_vector_scores_zero", func(t *testing.T) {
		m := NewMemory()
		require.NoError(t, m.Upsert(ctx, "zero", []float32{0, 0, 0}, ""))

		matches, err := m.Search(ctx, []float32{1, 0, 0}, 1, "")
		require.NoError(t, err)
		require.Len(t, matches, 1)
		assert.InDelta(t, 0.0, matches[0].Score, 1e-5)
	})

	t.Run("empty_store_returns_no_matches", func(t *testing.T) {
		m := NewMemory()
		matches, err := m.Search(ctx, []float32{1, 0}, 5, "")
		require.NoError(t, err)
		assert.Empty(t, matches)
	})
}

func TestMemoryProjectIsolation(t *testing.T) {
	ctx := context.Background()

	m := NewMemory()
	require.NoError(t, m.Upsert(ctx, "n1", []float32{1, 0}, "p1"))
	require.NoError(t, m.Upsert(ctx, "n2", []float32{1, 0}, "p2"))

	t.Run("scoped_search_sees_one_project", func(t *testing.T) {
		matches, err := m.Search(ctx, []float32{1, 0}, 10, "p1")
		require.NoError(t, err)
		require.Len(t, matches, 1)
		assert.Equal(t, "n1", matches[0].ID)
		assert.Equal(t, "p1", matches[0].ProjectID)
	})

	t.Run("unscoped_search_sees_all", func(t *testing.T) {
		matches, err := m.Search(ctx, []float32{1, 0}, 10, "")
		require.NoError(t, err)
		assert.Len(t, matches, 2)
	})

	t.Run("same_id_in_two_projects_stays_distinct", func(t *testing.T) {
		require.NoError(t, m.Upsert(ctx, "shared", []float32{0, 1}, "p1"))
		require.NoError(t, m.Upsert(ctx, "shared", []float32{1, 0}, "p2"))

		matches, err := m.Search(ctx, []float32{0, 1}, 1, "p1")
		require.NoError(t, err)
		require.Len(t, matches, 1)
		assert.InDelta(t, 1.0, matches[0].Score, 1e-5)
	})
}

func TestMemoryValidation(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects_empty_vector", func(t *testing.T) {
		m := NewMemory()
		err := m.Upsert(ctx, "a", nil, "")
		require.Error(t, err)
		assert.Equal(t, errs.KindInvalidEmbedding, errs.KindOf(err))
	})

	t.Run("rejects_non_finite_vector", func(t *testing.T) {
		m := NewMemory()
		err := m.Upsert(ctx, "a", []float32{1, float32(math.NaN())}, "")
		require.Error(t, err)
		assert.Equal(t, errs.KindInvalidEmbedding, errs.KindOf(err))
	})

	t.Run("rejects_empty_id", func(t *testing.T) {
		m := NewMemory()
		err := m.Upsert(ctx, "", []float32{1}, "")
		require.Error(t, err)
		assert.True(t, errs.IsValidation(err))
	})

	t.Run("pins_dimension_on_first_insert", func(t *testing.T) {
		m := NewMemory()
		require.NoError(t, m.Upsert(ctx, "a", []float32{1, 0, 0}, ""))

		err := m.Upsert(ctx, "b", []float32{1, 0}, "")
		require.Error(t, err)
		assert.Equal(t, errs.KindInvalidEmbedding, errs.KindOf(err))

		_, err = m.Search(ctx, []float32{1, 0}, 1, "")
		require.Error(t, err)
		assert.Equal(t, errs.KindInvalidEmbedding, errs.KindOf(err))
	})

	t.Run("rejects_non_positive_k", func(t *testing.T) {
		m := NewMemory()
		_, err := m.Search(ctx, []float32{1}, 0, "")
		require.Error(t, err)
		assert.True(t, errs.IsValidation(err))
	})

	t.Run("cancelled_context_stops_search", func(t *testing.T) {
		m := NewMemory()
		require.NoError(t, m.Upsert(ctx, "a", []float32{1, 0}, ""))

		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		_, err := m.Search(cancelled, []float32{1, 0}, 1, "")
		require.Error(t, err)
		assert.Equal(t, errs.KindCancelled, errs.KindOf(err))
	})
}

func TestNewSelectsBackend(t *testing.T) {
	t.Run("defaults_to_memory", func(t *testing.T) {
		_, ok := New(DefaultConfig()).(*Memory)
		assert.True(t, ok)
	})

	t.Run("nil_config_means_memory", func(t *testing.T) {
		_, ok := New(nil).(*Memory)
		assert.True(t, ok)
	})

	t.Run("endpoint_without_token_stays_in_memory", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Endpoint = "https://milvus.internal:19530"
		_, ok := New(cfg).(*Memory)
		assert.True(t, ok)
	})

	t.Run("endpoint_and_token_select_remote", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Endpoint = "https://milvus.internal:19530"
		cfg.Token = "secret"
		_, ok := New(cfg).(*Remote)
		assert.True(t, ok)
	})
}
