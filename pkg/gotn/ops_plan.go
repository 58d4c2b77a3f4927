package gotn

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/gotnhq/gotn/pkg/errs"
	"github.com/gotnhq/gotn/pkg/guard"
	"github.com/gotnhq/gotn/pkg/plan"
	"github.com/gotnhq/gotn/pkg/runs"
	"github.com/gotnhq/gotn/pkg/schema"
)

// PlanRequest selects and names the plan to compose.
type PlanRequest struct {
	Goal     string   `json:"goal,omitempty"`
	Requires []string `json:"requires,omitempty"`
	Produces []string `json:"produces,omitempty"`
}

// ComposeResult is a composed plan with its materialized run.
type ComposeResult struct {
	Plan      *plan.Plan `json:"plan"`
	RunID     string     `json:"run_id"`
	RunFolder string     `json:"run_folder"`
}

// ComposePlan orders the selected nodes over the hard dependency DAG,
// materializes a run directory with plan.json and an empty steps.jsonl,
// and journals the run start. Composition never changes node status.
func (s *Service) ComposePlan(ctx context.Context, req PlanRequest) (*ComposeResult, error) {
	g, err := s.store.ReadGraph(ctx)
	if err != nil {
		return nil, err
	}

	p, err := plan.Compose(ctx, g, plan.Criteria{
		Goal:     req.Goal,
		Requires: req.Requires,
		Produces: req.Produces,
	})
	if err != nil {
		return nil, err
	}

	runDir, err := s.recorder.CreateRun(p)
	if err != nil {
		return nil, err
	}
	runID := filepath.Base(runDir)

	run := &schema.Run{
		ID:             runID,
		Goal:           p.Goal,
		Nodes:          p.Ordered,
		OrderingReason: p.Reason,
		Status:         schema.RunPlanned,
		CreatedAt:      time.Now().UTC(),
		Provenance: schema.Provenance{
			CreatedBy: "composer",
			Source:    "plan",
		},
	}
	if err := s.store.StartRun(ctx, run); err != nil {
		return nil, err
	}

	s.metrics.PlansComposed.Inc()
	s.logger.Info("plan composed",
		"run", runID, "nodes", len(p.Ordered), "layers", len(p.Layers))
	return &ComposeResult{Plan: p, RunID: runID, RunFolder: runDir}, nil
}

// ExecuteResult reports one guarded execution.
type ExecuteResult struct {
	NodeID      schema.NodeID `json:"node_id"`
	Action      string        `json:"action"`
	Reason      string        `json:"reason"`
	Status      schema.Status `json:"status"`
	PatchPath   string        `json:"patch_path,omitempty"`
	RunID       string        `json:"run_id,omitempty"`
	RunFinished bool          `json:"run_finished,omitempty"`
}

// ExecuteNode evaluates the node's artifacts and guards, records the step
// in the run's steps.jsonl, and persists the resulting status: proceed
// writes the patch and completes the node, present artifacts skip it, and
// a failing guard fails it. An empty runID resolves to the latest run;
// with no run at all the step goes unrecorded but the status still moves.
func (s *Service) ExecuteNode(ctx context.Context, nodeID schema.NodeID, runID string) (*ExecuteResult, error) {
	g, err := s.store.ReadGraph(ctx)
	if err != nil {
		return nil, err
	}
	node := g.NodeByID(nodeID)
	if node == nil {
		return nil, errs.New(errs.KindNotFound, "node %q not found", nodeID)
	}

	runDir, runID, err := s.resolveRun(runID)
	if err != nil {
		return nil, err
	}

	decision := s.guards.Evaluate(ctx, node)
	result := &ExecuteResult{
		NodeID: nodeID,
		Action: string(decision.Result),
		Reason: decision.Reason,
		RunID:  runID,
	}

	if runDir != "" {
		err := s.recorder.AppendStep(runDir, runs.StepRecord{
			NodeID: nodeID,
			Action: string(decision.Result),
			Reason: decision.Reason,
		})
		if err != nil {
			return nil, err
		}
	}

	// From here on the step record exists; any failure must still land
	// the node in a terminal status.
	switch decision.Result {
	case guard.Proceed:
		result.Status = schema.StatusCompleted
		s.metrics.ExecutesProceeded.Inc()
		if runDir != "" {
			patchPath, err := s.recorder.WritePatch(runDir, node)
			if err != nil {
				s.failNode(ctx, node)
				return nil, err
			}
			result.PatchPath = patchPath
		}
	case guard.Skip:
		result.Status = schema.StatusSkipped
		s.metrics.ExecutesSkipped.Inc()
	case guard.Fail:
		result.Status = schema.StatusFailed
		s.metrics.GuardFailures.Inc()
	}

	patch := *node
	patch.Status = result.Status
	if _, err := s.store.UpdateNode(ctx, nodeID, &patch); err != nil {
		s.failNode(ctx, node)
		return nil, err
	}

	finished, err := s.maybeFinishRun(ctx, g, node, result.Status, runDir, runID)
	if err != nil {
		return nil, err
	}
	result.RunFinished = finished

	s.logger.Info("node executed",
		"node", string(nodeID), "action", result.Action,
		"status", string(result.Status), "run", runID)
	return result, nil
}

// failNode forces the node to failed after the step record was written.
// Errors here are logged only; the original error matters more.
func (s *Service) failNode(ctx context.Context, node *schema.Node) {
	patch := *node
	patch.Status = schema.StatusFailed
	if _, err := s.store.UpdateNode(ctx, node.ID, &patch); err != nil {
		s.logger.Error("marking node failed also failed",
			"node", string(node.ID), "error", err)
	}
}

// resolveRun maps a run id onto its directory. Empty means latest; a
// workspace with no runs yet yields no directory at all.
func (s *Service) resolveRun(runID string) (dir, id string, err error) {
	if runID != "" {
		dir = filepath.Join(s.recorder.Dir(), runID)
		if _, statErr := os.Stat(dir); statErr != nil {
			return "", "", errs.New(errs.KindNotFound, "run %q not found", runID)
		}
		return dir, runID, nil
	}

	dir, err = s.recorder.LatestRun()
	if err != nil {
		if errs.IsNotFound(err) {
			return "", "", nil
		}
		return "", "", err
	}
	return dir, filepath.Base(dir), nil
}

// maybeFinishRun journals finish_run when the executed node was the last
// planned node still pending. g is the pre-update graph; newStatus is what
// the executed node just became.
func (s *Service) maybeFinishRun(ctx context.Context, g *schema.Graph, executed *schema.Node, newStatus schema.Status, runDir, runID string) (bool, error) {
	if runDir == "" {
		return false, nil
	}
	doc, err := s.recorder.ReadPlan(runDir)
	if err != nil {
		return false, err
	}

	anyFailed := newStatus == schema.StatusFailed
	for _, id := range doc.Ordered {
		if id == executed.ID {
			continue
		}
		n := g.NodeByID(id)
		if n == nil {
			continue
		}
		switch n.Status {
		case schema.StatusCompleted, schema.StatusSkipped:
		case schema.StatusFailed:
			anyFailed = true
		default:
			return false, nil
		}
	}

	status := schema.RunCompleted
	if anyFailed {
		status = schema.RunFailed
	}
	if err := s.store.FinishRun(ctx, runID, status); err != nil {
		return false, err
	}
	s.logger.Info("run finished", "run", runID, "status", string(status))
	return true, nil
}
