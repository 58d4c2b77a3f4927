package runs

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotnhq/gotn/pkg/errs"
	"github.com/gotnhq/gotn/pkg/plan"
	"github.com/gotnhq/gotn/pkg/schema"
)

func testRecorder(t *testing.T) *Recorder {
	t.Helper()
	return NewRecorder(filepath.Join(t.TempDir(), "runs"))
}

func testPlan() *plan.Plan {
	return &plan.Plan{
		Goal:     "ship the widget",
		Criteria: plan.Criteria{Goal: "ship the widget"},
		Ordered:  []schema.NodeID{"a", "b"},
		Layers:   [][]schema.NodeID{{"a"}, {"b"}},
		Reason:   "Planned 2 nodes in 2 layers over 1 hard dependencies; within a layer nodes run in descending soft-semantic weight, ties broken by id.",
	}
}

func TestCreateRun(t *testing.T) {
	t.Run("materializes_plan_and_empty_steps", func(t *testing.T) {
		rec := testRecorder(t)
		dir, err := rec.CreateRun(testPlan())
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(filepath.Base(dir), "run-"))

		doc, err := rec.ReadPlan(dir)
		require.NoError(t, err)
		assert.Equal(t, "ship the widget", doc.Goal)
		assert.Equal(t, []schema.NodeID{"a", "b"}, doc.Ordered)
		assert.Len(t, doc.Layers, 2)
		assert.False(t, doc.CreatedAt.IsZero())
		assert.Contains(t, doc.Reason, "2 nodes")

		info, err := os.Stat(filepath.Join(dir, "steps.jsonl"))
		require.NoError(t, err)
		assert.Zero(t, info.Size())
	})

	t.Run("rapid_runs_get_distinct_directories", func(t *testing.T) {
		rec := testRecorder(t)
		seen := map[string]bool{}
		for i := 0; i < 5; i++ {
			dir, err := rec.CreateRun(testPlan())
			require.NoError(t, err)
			require.False(t, seen[dir], "directory %s claimed twice", dir)
			seen[dir] = true
		}
	})
}

func TestLatestRun(t *testing.T) {
	t.Run("resolves_the_newest_run", func(t *testing.T) {
		rec := testRecorder(t)
		_, err := rec.CreateRun(testPlan())
		require.NoError(t, err)
		time.Sleep(3 * time.Millisecond)
		second, err := rec.CreateRun(testPlan())
		require.NoError(t, err)

		latest, err := rec.LatestRun()
		require.NoError(t, err)
		assert.Equal(t, second, latest)
	})

	t.Run("not_found_without_runs", func(t *testing.T) {
		rec := testRecorder(t)
		_, err := rec.LatestRun()
		require.Error(t, err)
		assert.True(t, errs.IsNotFound(err))

		// An existing but empty runs dir behaves the same.
		require.NoError(t, os.MkdirAll(rec.Dir(), 0o755))
		_, err = rec.LatestRun()
		assert.True(t, errs.IsNotFound(err))
	})
}

func TestSteps(t *testing.T) {
	t.Run("appends_one_compact_line_per_step", func(t *testing.T) {
		rec := testRecorder(t)
		dir, err := rec.CreateRun(testPlan())
		require.NoError(t, err)

		require.NoError(t, rec.AppendStep(dir, StepRecord{NodeID: "a", Action: "proceed", Reason: "All guards passed"}))
		require.NoError(t, rec.AppendStep(dir, StepRecord{NodeID: "b", Action: "skip", Reason: "Artifacts already present: out.txt"}))

		raw, err := os.ReadFile(filepath.Join(dir, "steps.jsonl"))
		require.NoError(t, err)
		lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
		require.Len(t, lines, 2)
		assert.NotContains(t, lines[0], "  ", "records are compact, one per line")

		steps, err := rec.ReadSteps(dir)
		require.NoError(t, err)
		require.Len(t, steps, 2)
		assert.Equal(t, schema.NodeID("a"), steps[0].NodeID)
		assert.Equal(t, "proceed", steps[0].Action)
		assert.False(t, steps[0].Timestamp.IsZero(), "zero timestamps are filled in")
		assert.Equal(t, "skip", steps[1].Action)
	})

	t.Run("torn_trailing_line_is_skipped", func(t *testing.T) {
		rec := testRecorder(t)
		dir, err := rec.CreateRun(testPlan())
		require.NoError(t, err)
		require.NoError(t, rec.AppendStep(dir, StepRecord{NodeID: "a", Action: "proceed"}))

		f, err := os.OpenFile(filepath.Join(dir, "steps.jsonl"), os.O_APPEND|os.O_WRONLY, 0o644)
		require.NoError(t, err)
		_, err = f.WriteString(`{"node_id": "b", "action":`)
		require.NoError(t, err)
		require.NoError(t, f.Close())

		steps, err := rec.ReadSteps(dir)
		require.NoError(t, err)
		assert.Len(t, steps, 1)
	})

	t.Run("default_path_works_without_a_run", func(t *testing.T) {
		rec := testRecorder(t)
		require.NoError(t, rec.AppendStep(rec.DefaultStepsPath(), StepRecord{NodeID: "a", Action: "fail", Reason: "Guard failed: db unavailable"}))

		steps, err := rec.ReadSteps(rec.DefaultStepsPath())
		require.NoError(t, err)
		require.Len(t, steps, 1)
		assert.Equal(t, "fail", steps[0].Action)
	})
}

func TestWritePatch(t *testing.T) {
	rec := testRecorder(t)
	dir, err := rec.CreateRun(testPlan())
	require.NoError(t, err)

	node := &schema.Node{ID: "node-7", Summary: "add the retry loop", PromptText: "Wrap the embed call in a retry."}
	path, err := rec.WritePatch(dir, node)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "patches", "node-7.patch"), path)

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "# node: node-7")
	assert.Contains(t, string(content), "add the retry loop")
	assert.Contains(t, string(content), "Wrap the embed call in a retry.")
}
