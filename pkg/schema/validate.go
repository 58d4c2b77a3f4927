package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gotnhq/gotn/pkg/errs"
)

// Issue is a single validation violation, qualified by the JSON-ish path of
// the offending field.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationError aggregates every violation found in one shape. Validators
// are total: they keep going after the first problem so callers see the
// whole picture in one round trip.
type ValidationError struct {
	Issues []Issue
}

func (v *ValidationError) Error() string {
	parts := make([]string, len(v.Issues))
	for i, is := range v.Issues {
		parts[i] = fmt.Sprintf("%s: %s", is.Path, is.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// add records a violation.
func (v *ValidationError) add(path, format string, args ...any) {
	v.Issues = append(v.Issues, Issue{Path: path, Message: fmt.Sprintf(format, args...)})
}

// errOrNil wraps the collected issues in the taxonomy, or returns nil when
// the shape was clean.
func (v *ValidationError) errOrNil() error {
	if len(v.Issues) == 0 {
		return nil
	}
	return errs.Wrap(errs.KindValidation, v, "%d issue(s)", len(v.Issues))
}

// ValidateNode checks a node after defaults have been applied.
func ValidateNode(n *Node) error {
	v := &ValidationError{}
	validateNodeInto(v, "node", n)
	return v.errOrNil()
}

func validateNodeInto(v *ValidationError, path string, n *Node) {
	if n == nil {
		v.add(path, "node is nil")
		return
	}
	if n.ID == "" {
		v.add(path+".id", "must be non-empty")
	}
	if n.Kind == "" {
		v.add(path+".kind", "must be non-empty")
	}
	if n.Summary == "" {
		v.add(path+".summary", "must be non-empty")
	}
	if n.PromptText == "" {
		v.add(path+".prompt_text", "must be non-empty")
	}
	if n.Parent != "" && n.Parent == n.ID {
		v.add(path+".parent", "node cannot be its own parent")
	}
	if !IsValidStatus(n.Status) {
		v.add(path+".status", "unknown status %q", n.Status)
	}
	if n.Version < 1 {
		v.add(path+".version", "must be >= 1, got %d", n.Version)
	}
	if n.CreatedAt.IsZero() {
		v.add(path+".created_at", "must be set")
	}
	if n.UpdatedAt.IsZero() {
		v.add(path+".updated_at", "must be set")
	}
	for i, tag := range n.Requires {
		if tag == "" {
			v.add(fmt.Sprintf("%s.requires[%d]", path, i), "tag must be non-empty")
		}
	}
	for i, tag := range n.Produces {
		if tag == "" {
			v.add(fmt.Sprintf("%s.produces[%d]", path, i), "tag must be non-empty")
		}
	}
	if ref := n.EmbeddingRef; ref != nil {
		if ref.Collection == "" {
			v.add(path+".embedding_ref.collection", "must be non-empty")
		}
		if ref.ID == "" {
			v.add(path+".embedding_ref.id", "must be non-empty")
		}
	}
}

// ValidateEdge checks a single edge in isolation. Endpoint existence is a
// graph-level concern, checked by ValidateGraph and the store.
func ValidateEdge(e *Edge) error {
	v := &ValidationError{}
	validateEdgeInto(v, "edge", e)
	return v.errOrNil()
}

func validateEdgeInto(v *ValidationError, path string, e *Edge) {
	if e == nil {
		v.add(path, "edge is nil")
		return
	}
	if e.Src == "" {
		v.add(path+".src", "must be non-empty")
	}
	if e.Dst == "" {
		v.add(path+".dst", "must be non-empty")
	}
	if e.Src != "" && e.Src == e.Dst {
		v.add(path, "src and dst must differ (%q)", e.Src)
	}
	if !IsValidEdgeType(e.Type) {
		v.add(path+".type", "unknown edge type %q", e.Type)
	}
	if e.Type.IsSoft() {
		if e.Score == nil {
			v.add(path+".score", "required for %s edges", e.Type)
		}
	}
	if e.Score != nil && (*e.Score < 0 || *e.Score > 1) {
		v.add(path+".score", "must be in [0,1], got %v", *e.Score)
	}
	if e.Version < 1 {
		v.add(path+".version", "must be >= 1, got %d", e.Version)
	}
}

// ValidateGraph checks the whole graph: per-entity validity, unique node
// ids, no dangling edge endpoints, and soft_semantic symmetry. It runs
// before every snapshot write.
func ValidateGraph(g *Graph) error {
	v := &ValidationError{}
	if g == nil {
		v.add("graph", "graph is nil")
		return v.errOrNil()
	}
	if g.Version < 1 {
		v.add("graph.version", "must be >= 1, got %d", g.Version)
	}

	ids := make(map[NodeID]struct{}, len(g.Nodes))
	for i := range g.Nodes {
		n := &g.Nodes[i]
		path := fmt.Sprintf("graph.nodes[%d]", i)
		validateNodeInto(v, path, n)
		if _, dup := ids[n.ID]; dup && n.ID != "" {
			v.add(path+".id", "duplicate node id %q", n.ID)
		}
		ids[n.ID] = struct{}{}
	}

	keys := make(map[EdgeKey]struct{}, len(g.Edges))
	for i := range g.Edges {
		e := &g.Edges[i]
		path := fmt.Sprintf("graph.edges[%d]", i)
		validateEdgeInto(v, path, e)
		if _, ok := ids[e.Src]; !ok && e.Src != "" {
			v.add(path+".src", "dangling endpoint %q", e.Src)
		}
		if _, ok := ids[e.Dst]; !ok && e.Dst != "" {
			v.add(path+".dst", "dangling endpoint %q", e.Dst)
		}
		key := e.Key()
		if _, dup := keys[key]; dup {
			v.add(path, "duplicate edge (%s -> %s, %s)", e.Src, e.Dst, e.Type)
		}
		keys[key] = struct{}{}
	}

	// Soft semantic edges travel in equal-score pairs.
	for i := range g.Edges {
		e := &g.Edges[i]
		if e.Type != EdgeSoftSemantic {
			continue
		}
		rev := g.EdgeByKey(EdgeKey{Src: e.Dst, Dst: e.Src, Type: EdgeSoftSemantic})
		if rev == nil {
			v.add(fmt.Sprintf("graph.edges[%d]", i), "soft_semantic edge %s -> %s has no reverse", e.Src, e.Dst)
			continue
		}
		if e.Score != nil && rev.Score != nil && *e.Score != *rev.Score {
			v.add(fmt.Sprintf("graph.edges[%d].score", i), "soft_semantic pair %s <-> %s disagrees on score", e.Src, e.Dst)
		}
	}

	return v.errOrNil()
}

// ValidateMeta checks a workspace meta document.
func ValidateMeta(m *Meta) error {
	v := &ValidationError{}
	if m == nil {
		v.add("meta", "meta is nil")
		return v.errOrNil()
	}
	if m.Version < 1 {
		v.add("meta.version", "must be >= 1, got %d", m.Version)
	}
	if m.Created.IsZero() {
		v.add("meta.created", "must be set")
	}
	if m.Updated.IsZero() {
		v.add("meta.updated", "must be set")
	}
	if m.WorkspacePath == "" {
		v.add("meta.workspace_path", "must be non-empty")
	}
	return v.errOrNil()
}

// ValidateRun checks a run document.
func ValidateRun(r *Run) error {
	v := &ValidationError{}
	if r == nil {
		v.add("run", "run is nil")
		return v.errOrNil()
	}
	if r.ID == "" {
		v.add("run.id", "must be non-empty")
	}
	if !IsValidRunStatus(r.Status) {
		v.add("run.status", "unknown run status %q", r.Status)
	}
	if r.CreatedAt.IsZero() {
		v.add("run.created_at", "must be set")
	}
	for i, id := range r.Nodes {
		if id == "" {
			v.add(fmt.Sprintf("run.nodes[%d]", i), "node id must be non-empty")
		}
	}
	return v.errOrNil()
}

// ValidateJournalEntry checks the envelope and the event-specific payload.
// Replay calls this per line; a failure means the line is skipped and
// counted, never that recovery aborts.
func ValidateJournalEntry(e *JournalEntry) error {
	v := &ValidationError{}
	if e == nil {
		v.add("entry", "entry is nil")
		return v.errOrNil()
	}
	if e.ID == "" {
		v.add("entry.id", "must be non-empty")
	}
	if e.Timestamp.IsZero() {
		v.add("entry.timestamp", "must be set")
	}
	if !IsValidEvent(e.Event) {
		v.add("entry.event", "unknown event %q", e.Event)
		return v.errOrNil()
	}
	if len(e.Data) == 0 {
		v.add("entry.data", "must be non-empty")
		return v.errOrNil()
	}

	switch e.Event {
	case EventWorkspaceInitialized:
		var d WorkspaceInitializedData
		if err := json.Unmarshal(e.Data, &d); err != nil {
			v.add("entry.data", "workspace_initialized payload: %v", err)
		}
	case EventAddNode, EventUpdateNode:
		var n Node
		if err := json.Unmarshal(e.Data, &n); err != nil {
			v.add("entry.data", "node payload: %v", err)
		} else if err := ValidateNode(&n); err != nil {
			v.add("entry.data", "node payload: %v", err)
		}
	case EventAddEdge, EventUpdateEdge:
		var ed Edge
		if err := json.Unmarshal(e.Data, &ed); err != nil {
			v.add("entry.data", "edge payload: %v", err)
		} else if err := ValidateEdge(&ed); err != nil {
			v.add("entry.data", "edge payload: %v", err)
		}
	case EventStartRun:
		var r Run
		if err := json.Unmarshal(e.Data, &r); err != nil {
			v.add("entry.data", "run payload: %v", err)
		} else if err := ValidateRun(&r); err != nil {
			v.add("entry.data", "run payload: %v", err)
		}
	case EventFinishRun:
		var d FinishRunData
		if err := json.Unmarshal(e.Data, &d); err != nil {
			v.add("entry.data", "finish_run payload: %v", err)
		} else if !IsValidRunStatus(d.Status) {
			v.add("entry.data.status", "unknown run status %q", d.Status)
		}
	}

	return v.errOrNil()
}
