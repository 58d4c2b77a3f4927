package storage

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotnhq/gotn/pkg/errs"
	"github.com/gotnhq/gotn/pkg/schema"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir(), NewKeyLock(), nil)
}

func initializedStore(t *testing.T) *Store {
	t.Helper()
	s := testStore(t)
	created, err := s.Init(context.Background())
	require.NoError(t, err)
	require.True(t, created)
	return s
}

func TestStoreInit(t *testing.T) {
	ctx := context.Background()

	t.Run("creates_layout_and_journal_entry", func(t *testing.T) {
		s := testStore(t)
		created, err := s.Init(ctx)
		require.NoError(t, err)
		assert.True(t, created)

		layout := s.Layout()
		assert.True(t, fileExists(layout.MetaPath()))
		assert.True(t, fileExists(layout.GraphPath()))
		assert.DirExists(t, layout.RunsDir())
		assert.DirExists(t, layout.CacheDir())
		assert.DirExists(t, layout.LocksDir())

		entries, skipped, err := s.Journal().ReadEntries(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, skipped)
		require.Len(t, entries, 1)
		assert.Equal(t, schema.EventWorkspaceInitialized, entries[0].Event)

		g, err := s.ReadGraph(ctx)
		require.NoError(t, err)
		assert.Empty(t, g.Nodes)
		assert.Equal(t, int64(1), g.Version)
	})

	t.Run("reinit_is_idempotent", func(t *testing.T) {
		s := initializedStore(t)
		created, err := s.Init(ctx)
		require.NoError(t, err)
		assert.False(t, created)

		entries, _, err := s.Journal().ReadEntries(ctx)
		require.NoError(t, err)
		assert.Len(t, entries, 1, "no second workspace_initialized entry")
	})

	t.Run("is_initialized", func(t *testing.T) {
		s := testStore(t)
		assert.False(t, s.IsInitialized())
		_, err := s.Init(ctx)
		require.NoError(t, err)
		assert.True(t, s.IsInitialized())
	})
}

func TestStoreAddNode(t *testing.T) {
	ctx := context.Background()

	t.Run("stores_node_with_defaults_and_journals", func(t *testing.T) {
		s := initializedStore(t)
		stored, err := s.AddNode(ctx, &schema.Node{
			ID: "n1", Kind: "micro_prompt", Summary: "s", PromptText: "p",
		})
		require.NoError(t, err)
		assert.Equal(t, schema.StatusReady, stored.Status)
		assert.Equal(t, int64(1), stored.Version)

		g, err := s.ReadGraph(ctx)
		require.NoError(t, err)
		require.Len(t, g.Nodes, 1)
		assert.Equal(t, int64(2), g.Version, "init wrote v1, first mutation bumps to 2")

		entries, _, err := s.Journal().ReadEntries(ctx)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, schema.EventAddNode, entries[1].Event)
	})

	t.Run("duplicate_id_is_conflict", func(t *testing.T) {
		s := initializedStore(t)
		_, err := s.AddNode(ctx, testNode("n1"))
		require.NoError(t, err)
		_, err = s.AddNode(ctx, testNode("n1"))
		require.Error(t, err)
		assert.True(t, errs.IsConflict(err))

		g, err := s.ReadGraph(ctx)
		require.NoError(t, err)
		assert.Len(t, g.Nodes, 1)
		assert.Equal(t, int64(2), g.Version, "failed write must not bump version")
	})

	t.Run("invalid_node_is_rejected_before_write", func(t *testing.T) {
		s := initializedStore(t)
		_, err := s.AddNode(ctx, &schema.Node{ID: "n1"})
		require.Error(t, err)
		assert.True(t, errs.IsValidation(err))

		entries, _, err := s.Journal().ReadEntries(ctx)
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})
}

func TestStoreUpdateNode(t *testing.T) {
	ctx := context.Background()

	t.Run("advances_node_version_and_preserves_created_at", func(t *testing.T) {
		s := initializedStore(t)
		stored, err := s.AddNode(ctx, testNode("n1"))
		require.NoError(t, err)

		mod := *stored
		mod.Summary = "updated summary"
		updated, err := s.UpdateNode(ctx, "n1", &mod)
		require.NoError(t, err)
		assert.Equal(t, int64(2), updated.Version)
		assert.Equal(t, stored.CreatedAt, updated.CreatedAt)
		assert.Equal(t, "updated summary", updated.Summary)
	})

	t.Run("id_change_is_immutable_field", func(t *testing.T) {
		s := initializedStore(t)
		_, err := s.AddNode(ctx, testNode("n1"))
		require.NoError(t, err)

		mod := testNode("n2")
		_, err = s.UpdateNode(ctx, "n1", mod)
		require.Error(t, err)
		assert.Equal(t, errs.KindImmutableField, errs.KindOf(err))
	})

	t.Run("missing_node_is_not_found", func(t *testing.T) {
		s := initializedStore(t)
		_, err := s.UpdateNode(ctx, "ghost", testNode("ghost"))
		require.Error(t, err)
		assert.True(t, errs.IsNotFound(err))
	})
}

func TestStoreEdges(t *testing.T) {
	ctx := context.Background()
	score := func(v float64) *float64 { return &v }

	twoNodes := func(t *testing.T) *Store {
		s := initializedStore(t)
		_, err := s.AddNode(ctx, testNode("a"))
		require.NoError(t, err)
		_, err = s.AddNode(ctx, testNode("b"))
		require.NoError(t, err)
		return s
	}

	t.Run("add_edge_and_journal", func(t *testing.T) {
		s := twoNodes(t)
		stored, err := s.AddEdge(ctx, &schema.Edge{
			Type: schema.EdgeHardRequires, Src: "b", Dst: "a",
			Evidence: "b requires 'x' which a produces",
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), stored.Version)

		entries, _, err := s.Journal().ReadEntries(ctx)
		require.NoError(t, err)
		assert.Equal(t, schema.EventAddEdge, entries[len(entries)-1].Event)
	})

	t.Run("duplicate_triple_is_conflict", func(t *testing.T) {
		s := twoNodes(t)
		edge := &schema.Edge{Type: schema.EdgeHardRequires, Src: "b", Dst: "a"}
		_, err := s.AddEdge(ctx, edge)
		require.NoError(t, err)
		_, err = s.AddEdge(ctx, edge)
		require.Error(t, err)
		assert.True(t, errs.IsConflict(err))
	})

	t.Run("dangling_endpoint_is_validation", func(t *testing.T) {
		s := twoNodes(t)
		_, err := s.AddEdge(ctx, &schema.Edge{Type: schema.EdgeHardRequires, Src: "b", Dst: "ghost"})
		require.Error(t, err)
		assert.True(t, errs.IsValidation(err))
	})

	t.Run("soft_pair_commits_atomically", func(t *testing.T) {
		s := twoNodes(t)
		before, err := s.ReadGraph(ctx)
		require.NoError(t, err)

		pair := []schema.Edge{
			{Type: schema.EdgeSoftSemantic, Src: "a", Dst: "b", Score: score(0.91)},
			{Type: schema.EdgeSoftSemantic, Src: "b", Dst: "a", Score: score(0.91)},
		}
		_, err = s.AddEdges(ctx, pair)
		require.NoError(t, err)

		g, err := s.ReadGraph(ctx)
		require.NoError(t, err)
		assert.Len(t, g.Edges, 2)
		assert.Equal(t, before.Version+1, g.Version, "one commit for the pair")

		entries, _, err := s.Journal().ReadEntries(ctx)
		require.NoError(t, err)
		assert.Equal(t, schema.EventAddEdge, entries[len(entries)-1].Event)
		assert.Equal(t, schema.EventAddEdge, entries[len(entries)-2].Event)
	})

	t.Run("half_a_soft_pair_is_rejected", func(t *testing.T) {
		s := twoNodes(t)
		_, err := s.AddEdge(ctx, &schema.Edge{
			Type: schema.EdgeSoftSemantic, Src: "a", Dst: "b", Score: score(0.9),
		})
		require.Error(t, err)
		assert.True(t, errs.IsValidation(err))
	})

	t.Run("update_edge_endpoint_change_is_immutable_field", func(t *testing.T) {
		s := twoNodes(t)
		_, err := s.AddEdge(ctx, &schema.Edge{Type: schema.EdgeHardRequires, Src: "b", Dst: "a"})
		require.NoError(t, err)

		key := schema.EdgeKey{Src: "b", Dst: "a", Type: schema.EdgeHardRequires}
		_, err = s.UpdateEdge(ctx, key, &schema.Edge{Src: "a", Dst: "b", Type: schema.EdgeHardRequires})
		require.Error(t, err)
		assert.Equal(t, errs.KindImmutableField, errs.KindOf(err))
	})

	t.Run("update_edge_advances_version", func(t *testing.T) {
		s := twoNodes(t)
		_, err := s.AddEdge(ctx, &schema.Edge{Type: schema.EdgeHardRequires, Src: "b", Dst: "a"})
		require.NoError(t, err)

		key := schema.EdgeKey{Src: "b", Dst: "a", Type: schema.EdgeHardRequires}
		updated, err := s.UpdateEdge(ctx, key, &schema.Edge{Evidence: "refreshed"})
		require.NoError(t, err)
		assert.Equal(t, int64(2), updated.Version)
		assert.Equal(t, "refreshed", updated.Evidence)
	})
}

func TestStoreConcurrentWriters(t *testing.T) {
	ctx := context.Background()

	t.Run("ten_concurrent_add_node_calls", func(t *testing.T) {
		s := initializedStore(t)

		const n = 10
		var wg sync.WaitGroup
		errors := make([]error, n)
		for i := 0; i < n; i++ {
			i := i
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, errors[i] = s.AddNode(ctx, testNode(schema.NodeID(fmt.Sprintf("node-%02d", i))))
			}()
		}
		wg.Wait()
		for i, err := range errors {
			require.NoError(t, err, "writer %d", i)
		}

		g, err := s.ReadGraph(ctx)
		require.NoError(t, err)
		assert.Len(t, g.Nodes, n)
		assert.Equal(t, int64(1+n), g.Version, "strictly one bump per committed write")

		entries, skipped, err := s.Journal().ReadEntries(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, skipped)
		adds := 0
		for _, e := range entries {
			if e.Event == schema.EventAddNode {
				adds++
			}
		}
		assert.Equal(t, n, adds)
	})
}

func TestStoreRecovery(t *testing.T) {
	ctx := context.Background()

	seed := func(t *testing.T) *Store {
		s := initializedStore(t)
		_, err := s.AddNode(ctx, testNode("a"))
		require.NoError(t, err)
		_, err = s.AddNode(ctx, testNode("b"))
		require.NoError(t, err)
		_, err = s.AddEdge(ctx, &schema.Edge{Type: schema.EdgeHardRequires, Src: "b", Dst: "a"})
		require.NoError(t, err)
		return s
	}

	t.Run("recover_after_snapshot_deletion", func(t *testing.T) {
		s := seed(t)
		require.NoError(t, os.Remove(s.Layout().GraphPath()))

		report, err := s.Recover(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, report.NodesRecovered)
		assert.Equal(t, 1, report.EdgesRecovered)
		assert.Equal(t, 0, report.SkippedEntries)
		assert.Equal(t, 4, report.Replayed, "init + 2 nodes + 1 edge")
		assert.Equal(t, int64(4), report.Graph.Version)

		g, err := s.ReadGraph(ctx)
		require.NoError(t, err)
		assert.Len(t, g.Nodes, 2)
		assert.Len(t, g.Edges, 1)
	})

	t.Run("read_graph_self_heals_missing_snapshot", func(t *testing.T) {
		s := seed(t)
		require.NoError(t, os.Remove(s.Layout().GraphPath()))

		g, err := s.ReadGraph(ctx)
		require.NoError(t, err)
		assert.Len(t, g.Nodes, 2)
		assert.Len(t, g.Edges, 1)
	})

	t.Run("read_graph_self_heals_corrupt_snapshot", func(t *testing.T) {
		s := seed(t)
		require.NoError(t, os.WriteFile(s.Layout().GraphPath(), []byte("{torn write"), 0o644))

		g, err := s.ReadGraph(ctx)
		require.NoError(t, err)
		assert.Len(t, g.Nodes, 2)
		assert.Len(t, g.Edges, 1)
	})

	t.Run("recovery_tolerates_corrupt_journal_lines", func(t *testing.T) {
		s := seed(t)
		require.NoError(t, AppendLine(s.Journal().Path(), []byte("%%% torn line %%%")))
		require.NoError(t, os.Remove(s.Layout().GraphPath()))

		report, err := s.Recover(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, report.NodesRecovered)
		assert.Equal(t, 1, report.SkippedEntries)
	})

	t.Run("recovery_is_idempotent", func(t *testing.T) {
		s := seed(t)
		first, err := s.Recover(ctx)
		require.NoError(t, err)
		second, err := s.Recover(ctx)
		require.NoError(t, err)

		assert.Equal(t, first.Graph.Nodes, second.Graph.Nodes)
		assert.Equal(t, first.Graph.Edges, second.Graph.Edges)
		assert.Equal(t, first.Graph.Version, second.Graph.Version)
	})

	t.Run("uninitialized_workspace_read_is_not_found", func(t *testing.T) {
		s := testStore(t)
		_, err := s.ReadGraph(ctx)
		require.Error(t, err)
		assert.True(t, errs.IsNotFound(err))
	})
}

func TestStoreRunEvents(t *testing.T) {
	ctx := context.Background()

	t.Run("start_and_finish_run_journal_without_graph_write", func(t *testing.T) {
		s := initializedStore(t)
		before, err := s.ReadGraph(ctx)
		require.NoError(t, err)

		run := &schema.Run{
			ID: "run-2025-06-01T12-00-00Z", Goal: "ship it",
			Nodes: []schema.NodeID{}, Status: schema.RunPlanned,
			CreatedAt: before.Updated,
		}
		require.NoError(t, s.StartRun(ctx, run))
		require.NoError(t, s.FinishRun(ctx, run.ID, schema.RunCompleted))

		after, err := s.ReadGraph(ctx)
		require.NoError(t, err)
		assert.Equal(t, before.Version, after.Version)

		entries, _, err := s.Journal().ReadEntries(ctx)
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.Equal(t, schema.EventStartRun, entries[1].Event)
		assert.Equal(t, schema.EventFinishRun, entries[2].Event)
	})
}
