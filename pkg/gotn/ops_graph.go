package gotn

import (
	"context"

	"github.com/gotnhq/gotn/pkg/breakdown"
	"github.com/gotnhq/gotn/pkg/errs"
	"github.com/gotnhq/gotn/pkg/inference"
	"github.com/gotnhq/gotn/pkg/schema"
)

// InitResult reports workspace initialization.
type InitResult struct {
	Created bool `json:"created"`
	Nodes   int  `json:"nodes"`
	Edges   int  `json:"edges"`
}

// InitWorkspace creates .gotn/ under the workspace root, or reports the
// state of an already initialized one. Idempotent.
func (s *Service) InitWorkspace(ctx context.Context) (*InitResult, error) {
	created, err := s.store.Init(ctx)
	if err != nil {
		return nil, err
	}
	g, err := s.store.ReadGraph(ctx)
	if err != nil {
		return nil, err
	}
	s.logger.Info("workspace ready",
		"workspace", s.cfg.Workspace.Path, "created", created,
		"nodes", len(g.Nodes), "edges", len(g.Edges))
	return &InitResult{Created: created, Nodes: len(g.Nodes), Edges: len(g.Edges)}, nil
}

// StoreNodeResult reports one stored node.
type StoreNodeResult struct {
	Node             *schema.Node  `json:"node"`
	NodeID           schema.NodeID `json:"node_id"`
	EmbeddingCreated bool          `json:"embedding_created"`
}

// StoreNode persists the node, embeds its summary and tags, upserts the
// vector, and writes the embedding reference back onto the node. An
// embedding or vector failure degrades, not fails: the node stays
// persisted and EmbeddingCreated reports false.
func (s *Service) StoreNode(ctx context.Context, node *schema.Node) (*StoreNodeResult, error) {
	stored, err := s.store.AddNode(ctx, node)
	if err != nil {
		return nil, err
	}
	s.metrics.NodesStored.Inc()

	result := &StoreNodeResult{Node: stored, NodeID: stored.ID}
	if withRef, ok := s.attachEmbedding(ctx, stored); ok {
		result.Node = withRef
		result.EmbeddingCreated = true
	}
	s.logger.Info("node stored",
		"node", string(stored.ID), "embedding", result.EmbeddingCreated)
	return result, nil
}

// attachEmbedding embeds the node, upserts the vector, and persists the
// embedding reference. Any failure is logged and absorbed.
func (s *Service) attachEmbedding(ctx context.Context, node *schema.Node) (*schema.Node, bool) {
	s.metrics.EmbedCalls.Inc()
	vec, err := s.embedder.Embed(ctx, inference.EmbedText(node))
	if err != nil {
		s.logger.Warn("embedding failed, node kept without reference",
			"node", string(node.ID), "error", err)
		return nil, false
	}

	s.metrics.VectorUpserts.Inc()
	if err := s.vectors.Upsert(ctx, string(node.ID), vec, s.project); err != nil {
		s.logger.Warn("vector upsert failed, node kept without reference",
			"node", string(node.ID), "error", err)
		return nil, false
	}

	patch := *node
	patch.EmbeddingRef = &schema.EmbeddingRef{Collection: s.collection, ID: string(node.ID)}
	updated, err := s.store.UpdateNode(ctx, node.ID, &patch)
	if err != nil {
		s.logger.Warn("storing embedding reference failed",
			"node", string(node.ID), "error", err)
		return nil, false
	}
	return updated, true
}

// AddEdge stores an edge. A soft semantic edge is mirrored automatically:
// both directions are committed together with the same score so no
// snapshot ever holds half a pair.
func (s *Service) AddEdge(ctx context.Context, edge *schema.Edge) ([]schema.Edge, error) {
	if edge == nil {
		return nil, errs.New(errs.KindValidation, "edge is nil")
	}

	batch := []schema.Edge{*edge}
	if edge.Type == schema.EdgeSoftSemantic {
		mirror := *edge
		mirror.Src, mirror.Dst = edge.Dst, edge.Src
		if edge.Score != nil {
			score := *edge.Score
			mirror.Score = &score
		}
		batch = append(batch, mirror)
	}

	stored, err := s.store.AddEdges(ctx, batch)
	if err != nil {
		return nil, err
	}
	for i := range stored {
		if stored[i].Type.IsSoft() {
			s.metrics.EdgesSoft.Inc()
		} else {
			s.metrics.EdgesHard.Inc()
		}
	}
	return stored, nil
}

// InferEdges runs hard and soft inference over nodeIDs (empty means every
// node) and reports what was added.
func (s *Service) InferEdges(ctx context.Context, nodeIDs []schema.NodeID) (*inference.Result, error) {
	result, err := s.inferEngine().Run(ctx, nodeIDs)
	if err != nil {
		return nil, err
	}
	s.metrics.EdgesHard.Add(int64(len(result.HardAdded)))
	s.metrics.EdgesSoft.Add(int64(len(result.SoftAdded)))
	return result, nil
}

// BreakdownRequest asks for a prompt decomposition.
type BreakdownRequest struct {
	Prompt   string `json:"prompt"`
	Mode     string `json:"mode,omitempty"`
	MaxNodes int    `json:"max_nodes,omitempty"`
	// Compose runs inference over the created nodes and composes a plan
	// with the prompt as its goal.
	Compose bool `json:"compose,omitempty"`
}

// BreakdownResult reports one stored decomposition.
type BreakdownResult struct {
	RootID           schema.NodeID   `json:"root_id"`
	CreatedNodeIDs   []schema.NodeID `json:"created_node_ids"`
	CreatedEdgeCount int             `json:"created_edge_count"`
	Plan             *ComposeResult  `json:"plan,omitempty"`
}

// BreakdownPrompt decomposes the prompt into a root node and children,
// stores them all through the normal store path (embedding included), and
// links each parented child with a derived_from edge from its parent.
func (s *Service) BreakdownPrompt(ctx context.Context, req BreakdownRequest) (*BreakdownResult, error) {
	decomposed, err := s.decomposer.Decompose(ctx, breakdown.Request{
		ProjectID: s.project,
		Prompt:    req.Prompt,
		Mode:      breakdown.Mode(req.Mode),
		MaxNodes:  req.MaxNodes,
	})
	if err != nil {
		return nil, err
	}
	s.metrics.Breakdowns.Inc()

	rootRes, err := s.StoreNode(ctx, decomposed.Root)
	if err != nil {
		return nil, err
	}
	result := &BreakdownResult{
		RootID:         rootRes.NodeID,
		CreatedNodeIDs: []schema.NodeID{rootRes.NodeID},
	}

	var edges []schema.Edge
	var childIDs []schema.NodeID
	for _, child := range decomposed.Children {
		childRes, err := s.StoreNode(ctx, child)
		if err != nil {
			return nil, err
		}
		result.CreatedNodeIDs = append(result.CreatedNodeIDs, childRes.NodeID)
		childIDs = append(childIDs, childRes.NodeID)
		if child.Parent != "" {
			edges = append(edges, schema.Edge{
				Type:     schema.EdgeDerivedFrom,
				Src:      child.Parent,
				Dst:      childRes.NodeID,
				Evidence: "decomposed from " + string(child.Parent),
				Provenance: schema.Provenance{
					CreatedBy: "breakdown",
					Source:    "decomposition",
				},
			})
		}
	}

	if len(edges) > 0 {
		stored, err := s.store.AddEdges(ctx, edges)
		if err != nil {
			return nil, err
		}
		result.CreatedEdgeCount = len(stored)
	}

	// Keep the root's children list authoritative for tracing, in
	// decomposition order.
	if len(childIDs) > 0 {
		root := *rootRes.Node
		root.Children = append([]schema.NodeID{}, childIDs...)
		if _, err := s.store.UpdateNode(ctx, root.ID, &root); err != nil {
			return nil, err
		}
	}

	if req.Compose {
		if _, err := s.InferEdges(ctx, result.CreatedNodeIDs); err != nil {
			return nil, err
		}
		composed, err := s.ComposePlan(ctx, PlanRequest{Goal: req.Prompt})
		if err != nil {
			return nil, err
		}
		result.Plan = composed
	}

	s.logger.Info("breakdown stored",
		"root", string(result.RootID),
		"children", len(result.CreatedNodeIDs)-1,
		"edges", result.CreatedEdgeCount)
	return result, nil
}
