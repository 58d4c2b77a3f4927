// Package plan composes safe execution orderings over the task graph.
//
// Composition is pure: it reads a graph snapshot and produces an ordered,
// layered plan without touching storage. Hard requires edges are the only
// ordering constraints. Soft semantic edges contribute a per-node weight
// that decides ordering inside a layer, so closely related work surfaces
// earlier without ever violating a hard dependency.
package plan

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/gotnhq/gotn/pkg/errs"
	"github.com/gotnhq/gotn/pkg/schema"
)

// Criteria narrows composition to part of the graph. A node is selected
// when its requires tags intersect Requires or its produces tags intersect
// Produces. With no filters every node is selected. Goal is free text
// recorded on the plan, it does not filter.
type Criteria struct {
	Goal     string   `json:"goal,omitempty"`
	Requires []string `json:"requires,omitempty"`
	Produces []string `json:"produces,omitempty"`
}

func (c Criteria) unfiltered() bool {
	return len(c.Requires) == 0 && len(c.Produces) == 0
}

// Plan is the result of composition: a linear extension of the hard
// dependency DAG plus the layer structure it was derived from.
type Plan struct {
	Goal     string            `json:"goal,omitempty"`
	Criteria Criteria          `json:"criteria"`
	Ordered  []schema.NodeID   `json:"ordered_node_ids"`
	Layers   [][]schema.NodeID `json:"layers"`
	Reason   string            `json:"reason"`
}

// CycleError reports the nodes left unordered when hard dependencies turn
// out not to form a DAG. Residual is sorted for stable reporting.
type CycleError struct {
	Residual []schema.NodeID
}

func (e *CycleError) Error() string {
	ids := make([]string, len(e.Residual))
	for i, id := range e.Residual {
		ids[i] = string(id)
	}
	return fmt.Sprintf("dependency cycle among %d nodes: %s", len(e.Residual), strings.Join(ids, ", "))
}

// Compose selects nodes per criteria, restricts hard_requires edges to the
// selection, and runs Kahn's layering: every node whose hard prerequisites
// are all satisfied joins the next layer, ordered by soft-semantic weight
// descending then id ascending. The flattened layers are the execution
// order.
//
// An empty selection fails with NoSelection. A cyclic selection fails with
// Cycle wrapping a CycleError naming the residual nodes. Composition checks
// ctx at each layer boundary and never mutates the graph.
func Compose(ctx context.Context, g *schema.Graph, criteria Criteria) (*Plan, error) {
	selected := selectNodes(g, criteria)
	if len(selected) == 0 {
		if criteria.unfiltered() {
			return nil, errs.New(errs.KindNoSelection, "the graph has no nodes to plan")
		}
		return nil, errs.New(errs.KindNoSelection,
			"no nodes match requires=%v produces=%v", criteria.Requires, criteria.Produces)
	}

	inSelection := make(map[schema.NodeID]struct{}, len(selected))
	for _, n := range selected {
		inSelection[n.ID] = struct{}{}
	}

	// deps counts each node's unmet hard prerequisites inside the
	// selection; successors maps a prerequisite to the nodes it unblocks.
	deps := make(map[schema.NodeID]int, len(selected))
	successors := make(map[schema.NodeID][]schema.NodeID)
	for _, n := range selected {
		deps[n.ID] = 0
	}
	hardEdges := 0
	for _, e := range g.Edges {
		if e.Type != schema.EdgeHardRequires {
			continue
		}
		if _, ok := inSelection[e.Src]; !ok {
			continue
		}
		if _, ok := inSelection[e.Dst]; !ok {
			continue
		}
		hardEdges++
		deps[e.Src]++
		successors[e.Dst] = append(successors[e.Dst], e.Src)
	}

	weights := softWeights(g, inSelection)

	var (
		layers  [][]schema.NodeID
		ordered []schema.NodeID
	)
	for len(deps) > 0 {
		select {
		case <-ctx.Done():
			return nil, errs.Wrap(errs.KindOf(ctx.Err()), ctx.Err(), "plan composition interrupted")
		default:
		}

		ready := make([]schema.NodeID, 0, len(deps))
		for id, d := range deps {
			if d == 0 {
				ready = append(ready, id)
			}
		}
		if len(ready) == 0 {
			residual := make([]schema.NodeID, 0, len(deps))
			for id := range deps {
				residual = append(residual, id)
			}
			sort.Slice(residual, func(i, j int) bool { return residual[i] < residual[j] })
			return nil, errs.Wrap(errs.KindCycle, &CycleError{Residual: residual},
				"hard dependencies do not form a DAG")
		}

		sort.Slice(ready, func(i, j int) bool {
			wi, wj := weights[ready[i]], weights[ready[j]]
			if wi != wj {
				return wi > wj
			}
			return ready[i] < ready[j]
		})

		for _, id := range ready {
			delete(deps, id)
		}
		for _, id := range ready {
			for _, dependent := range successors[id] {
				// Decrementing a missing key would resurrect it.
				if _, live := deps[dependent]; live {
					deps[dependent]--
				}
			}
		}

		layers = append(layers, ready)
		ordered = append(ordered, ready...)
	}

	return &Plan{
		Goal:     criteria.Goal,
		Criteria: criteria,
		Ordered:  ordered,
		Layers:   layers,
		Reason: fmt.Sprintf(
			"Planned %d nodes in %d layers over %d hard dependencies; within a layer nodes run in descending soft-semantic weight, ties broken by id.",
			len(ordered), len(layers), hardEdges),
	}, nil
}

func selectNodes(g *schema.Graph, c Criteria) []*schema.Node {
	if c.unfiltered() {
		out := make([]*schema.Node, len(g.Nodes))
		for i := range g.Nodes {
			out[i] = &g.Nodes[i]
		}
		return out
	}
	var out []*schema.Node
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if intersects(n.Requires, c.Requires) || intersects(n.Produces, c.Produces) {
			out = append(out, n)
		}
	}
	return out
}

func intersects(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		if _, ok := set[s]; ok {
			return true
		}
	}
	return false
}

// softWeights sums incoming soft_semantic scores per selected node. Edges
// from unselected nodes still count: relatedness to the rest of the graph
// is a useful priority signal even when the neighbor is out of scope.
func softWeights(g *schema.Graph, selected map[schema.NodeID]struct{}) map[schema.NodeID]float64 {
	weights := make(map[schema.NodeID]float64, len(selected))
	for _, e := range g.Edges {
		if e.Type != schema.EdgeSoftSemantic || e.Score == nil {
			continue
		}
		if _, ok := selected[e.Dst]; !ok {
			continue
		}
		weights[e.Dst] += *e.Score
	}
	return weights
}
