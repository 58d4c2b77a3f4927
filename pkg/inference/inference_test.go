package inference

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotnhq/gotn/pkg/errs"
	"github.com/gotnhq/gotn/pkg/schema"
	"github.com/gotnhq/gotn/pkg/storage"
	"github.com/gotnhq/gotn/pkg/vector"
)

func newStore(t *testing.T) *storage.Store {
	t.Helper()
	s := storage.NewStore(t.TempDir(), storage.NewKeyLock(), nil)
	_, err := s.Init(context.Background())
	require.NoError(t, err)
	return s
}

func addNode(t *testing.T, s *storage.Store, id, summary string, requires, produces, tags []string, withRef bool) {
	t.Helper()
	n := &schema.Node{
		ID:         schema.NodeID(id),
		Kind:       "micro_prompt",
		Summary:    summary,
		PromptText: "prompt " + id,
		Requires:   requires,
		Produces:   produces,
		Tags:       tags,
	}
	if withRef {
		n.EmbeddingRef = &schema.EmbeddingRef{Collection: "gotn_nodes", ID: id}
	}
	_, err := s.AddNode(context.Background(), n)
	require.NoError(t, err)
}

// stubEmbedder serves fixed vectors keyed by the exact embed text.
type stubEmbedder struct {
	vecs map[string][]float32
}

func (s *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec, ok := s.vecs[text]
	if !ok {
		return nil, errs.New(errs.KindIOError, "no stub vector for %q", text)
	}
	return vec, nil
}

func (s *stubEmbedder) Dimensions() int { return 3 }
func (s *stubEmbedder) Model() string   { return "stub" }

// downVectors fails every call like an unreachable backend.
type downVectors struct{}

func (downVectors) Upsert(context.Context, string, []float32, string) error {
	return errs.New(errs.KindVectorBackendUnavailable, "backend down")
}

func (downVectors) Search(context.Context, []float32, int, string) ([]vector.Match, error) {
	return nil, errs.New(errs.KindVectorBackendUnavailable, "backend down")
}

func TestHardInference(t *testing.T) {
	ctx := context.Background()

	t.Run("links_consumers_to_producers", func(t *testing.T) {
		s := newStore(t)
		addNode(t, s, "A", "build parser", nil, []string{"x"}, nil, false)
		addNode(t, s, "B", "wire parser", []string{"x"}, []string{"y"}, nil, false)
		addNode(t, s, "C", "test wiring", []string{"y"}, nil, nil, false)

		engine := New(s, Options{})
		result, err := engine.Run(ctx, nil)
		require.NoError(t, err)

		require.Len(t, result.HardAdded, 2)
		assert.Equal(t, schema.NodeID("B"), result.HardAdded[0].Src)
		assert.Equal(t, schema.NodeID("A"), result.HardAdded[0].Dst)
		assert.Equal(t, "B requires 'x' which A produces", result.HardAdded[0].Evidence)
		assert.Equal(t, schema.NodeID("C"), result.HardAdded[1].Src)
		assert.Equal(t, schema.NodeID("B"), result.HardAdded[1].Dst)

		g, err := s.ReadGraph(ctx)
		require.NoError(t, err)
		assert.Len(t, g.Edges, 2)
	})

	t.Run("second_run_skips_existing_edges", func(t *testing.T) {
		s := newStore(t)
		addNode(t, s, "A", "a", nil, []string{"x"}, nil, false)
		addNode(t, s, "B", "b", []string{"x"}, nil, nil, false)

		engine := New(s, Options{})
		_, err := engine.Run(ctx, nil)
		require.NoError(t, err)

		again, err := engine.Run(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, again.HardAdded)
		assert.Equal(t, 1, again.SkippedExisting)

		g, err := s.ReadGraph(ctx)
		require.NoError(t, err)
		assert.Len(t, g.Edges, 1)
	})

	t.Run("never_links_a_node_to_itself", func(t *testing.T) {
		s := newStore(t)
		addNode(t, s, "A", "a", []string{"x"}, []string{"x"}, nil, false)

		result, err := New(s, Options{}).Run(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, result.HardAdded)
	})

	t.Run("shared_tags_produce_one_edge", func(t *testing.T) {
		s := newStore(t)
		addNode(t, s, "A", "a", []string{"x", "y"}, nil, nil, false)
		addNode(t, s, "B", "b", nil, []string{"x", "y"}, nil, false)

		result, err := New(s, Options{}).Run(ctx, nil)
		require.NoError(t, err)
		require.Len(t, result.HardAdded, 1)
		assert.Equal(t, "A requires 'x' which B produces", result.HardAdded[0].Evidence)
	})

	t.Run("subset_restricts_producers_and_consumers", func(t *testing.T) {
		s := newStore(t)
		addNode(t, s, "A", "a", nil, []string{"x"}, nil, false)
		addNode(t, s, "B", "b", []string{"x"}, []string{"y"}, nil, false)
		addNode(t, s, "C", "c", []string{"y"}, nil, nil, false)

		result, err := New(s, Options{}).Run(ctx, []schema.NodeID{"A", "B"})
		require.NoError(t, err)
		require.Len(t, result.HardAdded, 1)
		assert.Equal(t, schema.NodeID("B"), result.HardAdded[0].Src)
	})

	t.Run("unknown_node_id_is_not_found", func(t *testing.T) {
		s := newStore(t)
		_, err := New(s, Options{}).Run(ctx, []schema.NodeID{"ghost"})
		require.Error(t, err)
		assert.True(t, errs.IsNotFound(err))
	})
}

func TestSoftInference(t *testing.T) {
	ctx := context.Background()

	// seedSoft builds three embedded nodes and a matching memory store.
	seedSoft := func(t *testing.T) (*storage.Store, *stubEmbedder, *vector.Memory) {
		t.Helper()
		s := newStore(t)
		addNode(t, s, "n1", "alpha", nil, nil, []string{"svc"}, true)
		addNode(t, s, "n2", "beta", nil, nil, []string{"svc"}, true)
		addNode(t, s, "n3", "gamma", nil, nil, []string{"svc"}, true)

		vecs := map[string][]float32{
			"alpha svc": {1, 0, 0},
			"beta svc":  {0.95, 0.05, 0},
			"gamma svc": {0, 1, 0},
		}
		mem := vector.NewMemory()
		require.NoError(t, mem.Upsert(ctx, "n1", vecs["alpha svc"], "p"))
		require.NoError(t, mem.Upsert(ctx, "n2", vecs["beta svc"], "p"))
		require.NoError(t, mem.Upsert(ctx, "n3", vecs["gamma svc"], "p"))
		return s, &stubEmbedder{vecs: vecs}, mem
	}

	t.Run("mutual_pair_gets_two_equal_edges", func(t *testing.T) {
		s, emb, mem := seedSoft(t)
		engine := New(s, Options{
			Embedder: emb,
			Vectors:  mem,
			Project:  "p",
			Config:   &Config{TopK: 2, Threshold: 0.9},
		})

		result, err := engine.Run(ctx, nil)
		require.NoError(t, err)
		require.Len(t, result.SoftAdded, 2)
		assert.Equal(t, schema.NodeID("n1"), result.SoftAdded[0].Src)
		assert.Equal(t, schema.NodeID("n2"), result.SoftAdded[0].Dst)
		assert.Equal(t, schema.NodeID("n2"), result.SoftAdded[1].Src)
		assert.Equal(t, schema.NodeID("n1"), result.SoftAdded[1].Dst)
		require.NotNil(t, result.SoftAdded[0].Score)
		assert.InDelta(t, 0.9986, *result.SoftAdded[0].Score, 1e-3)
		require.NotNil(t, result.SoftAdded[1].Score)
		assert.Equal(t, *result.SoftAdded[0].Score, *result.SoftAdded[1].Score)

		g, err := s.ReadGraph(ctx)
		require.NoError(t, err)
		assert.Len(t, g.Edges, 2)
		for _, e := range g.Edges {
			assert.NotEqual(t, schema.NodeID("n3"), e.Src)
			assert.NotEqual(t, schema.NodeID("n3"), e.Dst)
		}
	})

	t.Run("pair_needs_membership_in_both_top_k_lists", func(t *testing.T) {
		s := newStore(t)
		addNode(t, s, "a", "a", nil, nil, nil, true)
		addNode(t, s, "b", "b", nil, nil, nil, true)
		addNode(t, s, "c", "c", nil, nil, nil, true)

		vecs := map[string][]float32{
			"a ": {1, 0},
			"b ": {0.8, 0.6},
			"c ": {0, 1},
		}
		mem := vector.NewMemory()
		require.NoError(t, mem.Upsert(ctx, "a", vecs["a "], "p"))
		require.NoError(t, mem.Upsert(ctx, "b", vecs["b "], "p"))
		require.NoError(t, mem.Upsert(ctx, "c", vecs["c "], "p"))

		engine := New(s, Options{
			Embedder: &stubEmbedder{vecs: vecs},
			Vectors:  mem,
			Project:  "p",
			Config:   &Config{TopK: 1, Threshold: 0.5},
		})
		result, err := engine.Run(ctx, nil)
		require.NoError(t, err)

		// c's nearest neighbor is b, but b's nearest is a, so only
		// the a-b pair is mutual.
		require.Len(t, result.SoftAdded, 2)
		assert.Equal(t, schema.NodeID("a"), result.SoftAdded[0].Src)
		assert.Equal(t, schema.NodeID("b"), result.SoftAdded[0].Dst)
	})

	t.Run("soft_runs_are_idempotent", func(t *testing.T) {
		s, emb, mem := seedSoft(t)
		engine := New(s, Options{
			Embedder: emb,
			Vectors:  mem,
			Project:  "p",
			Config:   &Config{TopK: 2, Threshold: 0.9},
		})

		_, err := engine.Run(ctx, nil)
		require.NoError(t, err)
		again, err := engine.Run(ctx, nil)
		require.NoError(t, err)

		assert.Empty(t, again.SoftAdded)
		assert.Equal(t, 1, again.SkippedExisting)

		g, err := s.ReadGraph(ctx)
		require.NoError(t, err)
		assert.Len(t, g.Edges, 2)
	})

	t.Run("embed_failure_skips_that_node_only", func(t *testing.T) {
		s, emb, mem := seedSoft(t)
		delete(emb.vecs, "gamma svc")

		engine := New(s, Options{
			Embedder: emb,
			Vectors:  mem,
			Project:  "p",
			Config:   &Config{TopK: 2, Threshold: 0.9},
		})
		result, err := engine.Run(ctx, nil)
		require.NoError(t, err)

		assert.Equal(t, 1, result.Warnings)
		assert.Len(t, result.SoftAdded, 2, "n1 and n2 still pair up")
	})

	t.Run("unavailable_backend_skips_the_whole_soft_pass", func(t *testing.T) {
		s := newStore(t)
		addNode(t, s, "a", "alpha", nil, []string{"x"}, nil, true)
		addNode(t, s, "b", "beta", []string{"x"}, nil, nil, true)

		engine := New(s, Options{
			Embedder: &stubEmbedder{vecs: map[string][]float32{"alpha ": {1, 0}, "beta ": {0, 1}}},
			Vectors:  downVectors{},
			Project:  "p",
		})
		result, err := engine.Run(ctx, nil)
		require.NoError(t, err)

		assert.Equal(t, 1, result.Warnings)
		assert.Empty(t, result.SoftAdded)
		assert.Len(t, result.HardAdded, 1, "hard pass is unaffected")
	})

	t.Run("nodes_without_embedding_ref_are_ignored", func(t *testing.T) {
		s := newStore(t)
		addNode(t, s, "a", "alpha", nil, nil, nil, false)

		engine := New(s, Options{
			Embedder: &stubEmbedder{vecs: map[string][]float32{}},
			Vectors:  vector.NewMemory(),
			Project:  "p",
		})
		result, err := engine.Run(ctx, nil)
		require.NoError(t, err)
		assert.Zero(t, result.Warnings, "unembedded nodes are not even queried")
		assert.Empty(t, result.SoftAdded)
	})
}

func TestInferenceConcurrencySafety(t *testing.T) {
	// Hard inference against a graph mutated between read and commit: the
	// engine re-checks nothing, but the store's conflict detection keeps
	// duplicate edges out and the engine downgrades them to warnings.
	ctx := context.Background()
	s := newStore(t)
	addNode(t, s, "A", "a", nil, []string{"x"}, nil, false)
	addNode(t, s, "B", "b", []string{"x"}, nil, nil, false)

	_, err := s.AddEdge(ctx, &schema.Edge{
		Type: schema.EdgeHardRequires, Src: "B", Dst: "A",
		Evidence: "B requires 'x' which A produces",
	})
	require.NoError(t, err)

	result, err := New(s, Options{}).Run(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, result.HardAdded)
	assert.Equal(t, 1, result.SkippedExisting)
}
