package gotn

import (
	"context"
	"path/filepath"

	"github.com/gotnhq/gotn/pkg/embed"
	"github.com/gotnhq/gotn/pkg/errs"
	"github.com/gotnhq/gotn/pkg/schema"
	"github.com/gotnhq/gotn/pkg/vector"
)

// ReadGraph returns the current graph. A non-empty projectID keeps only
// the nodes tagged into that project and the edges whose endpoints both
// survive the filter; version and timestamp stay those of the full graph.
func (s *Service) ReadGraph(ctx context.Context, projectID string) (*schema.Graph, error) {
	g, err := s.store.ReadGraph(ctx)
	if err != nil {
		return nil, err
	}
	if projectID == "" {
		return g, nil
	}

	tag := schema.ProjectTag(projectID)
	view := &schema.Graph{
		Nodes:   []schema.Node{},
		Edges:   []schema.Edge{},
		Version: g.Version,
		Updated: g.Updated,
	}
	kept := make(map[schema.NodeID]struct{})
	for i := range g.Nodes {
		if g.Nodes[i].HasTag(tag) {
			view.Nodes = append(view.Nodes, g.Nodes[i])
			kept[g.Nodes[i].ID] = struct{}{}
		}
	}
	for i := range g.Edges {
		if _, ok := kept[g.Edges[i].Src]; !ok {
			continue
		}
		if _, ok := kept[g.Edges[i].Dst]; !ok {
			continue
		}
		view.Edges = append(view.Edges, g.Edges[i])
	}
	return view, nil
}

// Trace is everything known about one node's position in the graph: its
// ancestry, children, tag interfaces, and every incident edge as the
// proof set for why it sits where it sits.
type Trace struct {
	Node     *schema.Node    `json:"node"`
	Parents  []schema.NodeID `json:"parents"`
	Children []schema.NodeID `json:"children"`
	Requires []string        `json:"requires"`
	Produces []string        `json:"produces"`
	Incoming []schema.Edge   `json:"incoming"`
	Outgoing []schema.Edge   `json:"outgoing"`
	ProofSet []schema.Edge   `json:"proof_set"`
}

// TraceNode explains one node: the parent chain up to the root, children
// both declared and discovered by back-reference, and all incident edges.
func (s *Service) TraceNode(ctx context.Context, nodeID schema.NodeID) (*Trace, error) {
	g, err := s.store.ReadGraph(ctx)
	if err != nil {
		return nil, err
	}
	node := g.NodeByID(nodeID)
	if node == nil {
		return nil, errs.New(errs.KindNotFound, "node %q not found", nodeID)
	}

	trace := &Trace{
		Node:     node,
		Parents:  []schema.NodeID{},
		Children: []schema.NodeID{},
		Requires: append([]string{}, node.Requires...),
		Produces: append([]string{}, node.Produces...),
		Incoming: []schema.Edge{},
		Outgoing: []schema.Edge{},
	}

	// Ancestry, nearest first. The seen set stops parent loops that bad
	// data could otherwise introduce.
	seen := map[schema.NodeID]struct{}{nodeID: {}}
	for cur := node; cur.Parent != ""; {
		if _, dup := seen[cur.Parent]; dup {
			break
		}
		parent := g.NodeByID(cur.Parent)
		if parent == nil {
			break
		}
		trace.Parents = append(trace.Parents, parent.ID)
		seen[parent.ID] = struct{}{}
		cur = parent
	}

	childSeen := make(map[schema.NodeID]struct{})
	for _, id := range node.Children {
		if _, dup := childSeen[id]; dup {
			continue
		}
		childSeen[id] = struct{}{}
		trace.Children = append(trace.Children, id)
	}
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if n.Parent != nodeID {
			continue
		}
		if _, dup := childSeen[n.ID]; dup {
			continue
		}
		childSeen[n.ID] = struct{}{}
		trace.Children = append(trace.Children, n.ID)
	}

	for i := range g.Edges {
		e := g.Edges[i]
		if e.Dst == nodeID {
			trace.Incoming = append(trace.Incoming, e)
		}
		if e.Src == nodeID {
			trace.Outgoing = append(trace.Outgoing, e)
		}
	}
	trace.ProofSet = append(append([]schema.Edge{}, trace.Outgoing...), trace.Incoming...)
	return trace, nil
}

// SearchHit is one semantic search result.
type SearchHit struct {
	ID      schema.NodeID `json:"id"`
	Summary string        `json:"summary"`
	Score   float32       `json:"score"`
	Status  schema.Status `json:"status,omitempty"`
}

// SearchNodes embeds the query, runs KNN over the project's vectors, and
// resolves hits to node summaries. Vectors whose node has since vanished
// are dropped from the results.
func (s *Service) SearchNodes(ctx context.Context, query string, limit int) ([]SearchHit, error) {
	if query == "" {
		return nil, errs.New(errs.KindValidation, "search query must not be empty")
	}
	if limit <= 0 {
		limit = 5
	}

	s.metrics.EmbedCalls.Inc()
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	s.metrics.VectorSearches.Inc()
	matches, err := s.vectors.Search(ctx, vec, limit, s.project)
	if err != nil {
		return nil, err
	}

	g, err := s.store.ReadGraph(ctx)
	if err != nil {
		return nil, err
	}

	hits := make([]SearchHit, 0, len(matches))
	for _, m := range matches {
		node := g.NodeByID(schema.NodeID(m.ID))
		if node == nil {
			s.logger.Debug("search hit without a node, dropping", "id", m.ID)
			continue
		}
		hits = append(hits, SearchHit{
			ID:      node.ID,
			Summary: node.Summary,
			Score:   m.Score,
			Status:  node.Status,
		})
	}
	return hits, nil
}

// DebugInfo is the operational snapshot returned by the debug tool.
type DebugInfo struct {
	Workspace    string            `json:"workspace"`
	Initialized  bool              `json:"initialized"`
	GraphVersion int64             `json:"graph_version,omitempty"`
	Nodes        int               `json:"nodes"`
	Edges        int               `json:"edges"`
	LatestRun    string            `json:"latest_run,omitempty"`
	Counters     map[string]int64  `json:"counters"`
	EmbedCache   *embed.CacheStats `json:"embed_cache,omitempty"`
	VectorCount  int               `json:"vector_count,omitempty"`
}

// Debug gathers counters plus live state from each subsystem.
func (s *Service) Debug(ctx context.Context) (*DebugInfo, error) {
	info := &DebugInfo{
		Workspace:   s.cfg.Workspace.Path,
		Initialized: s.store.IsInitialized(),
		Counters:    s.metrics.Snapshot(),
	}

	if info.Initialized {
		g, err := s.store.ReadGraph(ctx)
		if err != nil {
			return nil, err
		}
		info.GraphVersion = g.Version
		info.Nodes = len(g.Nodes)
		info.Edges = len(g.Edges)

		if dir, err := s.recorder.LatestRun(); err == nil {
			info.LatestRun = filepath.Base(dir)
		} else if !errs.IsNotFound(err) {
			return nil, err
		}
	}

	if s.cached != nil {
		stats := s.cached.Stats()
		info.EmbedCache = &stats
	}
	if mem, ok := s.vectors.(*vector.Memory); ok {
		info.VectorCount = mem.Count()
	}
	return info, nil
}

// RecoverResult reports a journal replay plus the integrity check over
// the recovered edge set.
type RecoverResult struct {
	NodesRecovered int  `json:"nodes_recovered"`
	EdgesRecovered int  `json:"edges_recovered"`
	Replayed       int  `json:"replayed"`
	SkippedEntries int  `json:"skipped_entries"`
	DanglingEdges  int  `json:"dangling_edges"`
	Integrity      bool `json:"integrity"`
}

// Recover rebuilds the graph snapshot from the journal and verifies that
// every recovered edge still has both endpoints.
func (s *Service) Recover(ctx context.Context) (*RecoverResult, error) {
	report, err := s.store.Recover(ctx)
	if err != nil {
		return nil, err
	}
	s.metrics.Recoveries.Inc()
	s.metrics.JournalEntriesSkipped.Add(int64(report.SkippedEntries))

	dangling := 0
	for i := range report.Graph.Edges {
		e := &report.Graph.Edges[i]
		if report.Graph.NodeByID(e.Src) == nil || report.Graph.NodeByID(e.Dst) == nil {
			dangling++
		}
	}

	result := &RecoverResult{
		NodesRecovered: report.NodesRecovered,
		EdgesRecovered: report.EdgesRecovered,
		Replayed:       report.Replayed,
		SkippedEntries: report.SkippedEntries,
		DanglingEdges:  dangling,
		Integrity:      dangling == 0,
	}
	s.logger.Info("recovery verified",
		"nodes", result.NodesRecovered, "edges", result.EdgesRecovered,
		"skipped", result.SkippedEntries, "dangling", dangling)
	return result, nil
}
