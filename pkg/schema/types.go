// Package schema defines the canonical data shapes for gotn workspaces and
// the strict validators that guard every trust boundary.
//
// The shapes mirror what is persisted under .gotn/: Graph (graph.json),
// Meta (meta.json), JournalEntry (journal.ndjson lines), and Run
// (runs/run-<ts>/plan.json). Validation is total per shape and reports every
// violation with a path-qualified message rather than stopping at the first.
//
// Defaults are applied on ingest, never on read: optional list fields become
// empty slices, status becomes "ready", version becomes 1, and missing
// timestamps are stamped with wall-clock time.
package schema

import (
	"encoding/json"
	"time"
)

// NodeID is a strongly-typed identifier for graph nodes.
//
// Node ids are opaque non-empty strings chosen by callers (or generated by
// the breakdown path). Using a named type keeps node ids from being mixed
// up with project ids and tag strings in signatures.
type NodeID string

// Status is the lifecycle state of a node.
type Status string

const (
	StatusReady     Status = "ready"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
	StatusBlocked   Status = "blocked"
)

// ValidStatuses lists every accepted node status.
var ValidStatuses = []Status{
	StatusReady, StatusRunning, StatusCompleted,
	StatusFailed, StatusSkipped, StatusBlocked,
}

// IsValidStatus reports whether s is a known node status.
func IsValidStatus(s Status) bool {
	for _, v := range ValidStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// EdgeType classifies a directed edge.
//
// Semantics:
//   - hard_requires: execution dependency; dst must be satisfied before src.
//   - derived_from: parent-to-child decomposition.
//   - soft_semantic: mutual semantic similarity; always created as a pair of
//     opposing edges carrying the same score.
//   - soft_order: advisory ordering hint.
type EdgeType string

const (
	EdgeHardRequires EdgeType = "hard_requires"
	EdgeSoftSemantic EdgeType = "soft_semantic"
	EdgeSoftOrder    EdgeType = "soft_order"
	EdgeDerivedFrom  EdgeType = "derived_from"
)

// ValidEdgeTypes lists every accepted edge type.
var ValidEdgeTypes = []EdgeType{
	EdgeHardRequires, EdgeSoftSemantic, EdgeSoftOrder, EdgeDerivedFrom,
}

// IsValidEdgeType reports whether t is a known edge type.
func IsValidEdgeType(t EdgeType) bool {
	for _, v := range ValidEdgeTypes {
		if t == v {
			return true
		}
	}
	return false
}

// IsSoft reports whether the edge type carries a similarity score.
func (t EdgeType) IsSoft() bool {
	return t == EdgeSoftSemantic || t == EdgeSoftOrder
}

// Artifacts names the expected outputs of a node. Files listed here
// short-circuit execution when they already exist (see the guard engine).
type Artifacts struct {
	Files        []string `json:"files"`
	Outputs      []string `json:"outputs"`
	Dependencies []string `json:"dependencies"`
}

// EmbeddingRef links a node to its vector in the vector store.
type EmbeddingRef struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
}

// Provenance records who created or last touched an entity.
type Provenance struct {
	CreatedBy string    `json:"created_by"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// Node is a micro-prompt: one small, atomic unit of work in the graph.
//
// Dependency tags (Requires/Produces) are content tags, not node ids; the
// edge engine matches consumers to producers over them. Parent/Children hold
// node ids and are resolved by lookup at traversal time, never by pointer,
// so partially-ingested trees stay representable.
type Node struct {
	ID         NodeID `json:"id"`
	Kind       string `json:"kind"`
	Summary    string `json:"summary"`
	PromptText string `json:"prompt_text"`

	Parent   NodeID   `json:"parent,omitempty"`
	Children []NodeID `json:"children"`

	Requires []string `json:"requires"`
	Produces []string `json:"produces"`

	ExecTarget      string    `json:"exec_target,omitempty"`
	Tags            []string  `json:"tags"`
	SuccessCriteria []string  `json:"success_criteria"`
	Guards          []string  `json:"guards"`
	Artifacts       Artifacts `json:"artifacts"`

	Status    Status    `json:"status"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	EmbeddingRef *EmbeddingRef `json:"embedding_ref,omitempty"`
	Provenance   Provenance    `json:"provenance"`
}

// HasTag reports whether the node carries the exact tag.
func (n *Node) HasTag(tag string) bool {
	for _, t := range n.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// ProjectTag returns the tag that scopes a node to a project. Project
// membership is tag-based; nodes without the tag are unscoped.
func ProjectTag(projectID string) string {
	return "project:" + projectID
}

// Edge is a directed, typed relation between two nodes. Identity is the
// triple (Src, Dst, Type); storing a second edge with the same triple is a
// conflict.
type Edge struct {
	Type       EdgeType   `json:"type"`
	Src        NodeID     `json:"src"`
	Dst        NodeID     `json:"dst"`
	Score      *float64   `json:"score,omitempty"`
	Evidence   string     `json:"evidence,omitempty"`
	Provenance Provenance `json:"provenance"`
	Version    int64      `json:"version"`
}

// EdgeKey is the identity triple of an edge.
type EdgeKey struct {
	Src  NodeID
	Dst  NodeID
	Type EdgeType
}

// Key returns the identity triple of the edge.
func (e *Edge) Key() EdgeKey {
	return EdgeKey{Src: e.Src, Dst: e.Dst, Type: e.Type}
}

// Graph is the full persisted node/edge set. Version increases strictly on
// every committed write; Updated reflects wall-clock time at commit.
type Graph struct {
	Nodes   []Node    `json:"nodes"`
	Edges   []Edge    `json:"edges"`
	Version int64     `json:"version"`
	Updated time.Time `json:"updated"`
}

// NewGraph returns an empty graph at version 1.
func NewGraph() *Graph {
	return &Graph{Nodes: []Node{}, Edges: []Edge{}, Version: 1, Updated: time.Now().UTC()}
}

// NodeByID returns the node with the given id, or nil.
func (g *Graph) NodeByID(id NodeID) *Node {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i]
		}
	}
	return nil
}

// EdgeByKey returns the edge with the given identity triple, or nil.
func (g *Graph) EdgeByKey(key EdgeKey) *Edge {
	for i := range g.Edges {
		if g.Edges[i].Key() == key {
			return &g.Edges[i]
		}
	}
	return nil
}

// Meta describes the workspace itself. Version is the on-disk format
// version, not the graph version.
type Meta struct {
	Version       int64     `json:"version"`
	Created       time.Time `json:"created"`
	Updated       time.Time `json:"updated"`
	WorkspacePath string    `json:"workspace_path"`
}

// EventType names a journal event.
type EventType string

const (
	EventWorkspaceInitialized EventType = "workspace_initialized"
	EventAddNode              EventType = "add_node"
	EventUpdateNode           EventType = "update_node"
	EventAddEdge              EventType = "add_edge"
	EventUpdateEdge           EventType = "update_edge"
	EventStartRun             EventType = "start_run"
	EventFinishRun            EventType = "finish_run"
)

// ValidEvents lists every accepted journal event type.
var ValidEvents = []EventType{
	EventWorkspaceInitialized,
	EventAddNode, EventUpdateNode,
	EventAddEdge, EventUpdateEdge,
	EventStartRun, EventFinishRun,
}

// IsValidEvent reports whether e is a known journal event type.
func IsValidEvent(e EventType) bool {
	for _, v := range ValidEvents {
		if e == v {
			return true
		}
	}
	return false
}

// MutatesGraph reports whether replaying the event changes graph state.
// Run bookkeeping events are journaled but do not touch nodes or edges.
func (e EventType) MutatesGraph() bool {
	switch e {
	case EventAddNode, EventUpdateNode, EventAddEdge, EventUpdateEdge:
		return true
	default:
		return false
	}
}

// JournalEntry is one line of journal.ndjson. Data holds the event-specific
// payload; Checksum, when present, is the hex BLAKE2b-256 digest of Data and
// is verified on replay. Entries without a checksum are accepted unverified.
type JournalEntry struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Event     EventType       `json:"event"`
	Data      json.RawMessage `json:"data"`
	Checksum  string          `json:"checksum,omitempty"`
}

// WorkspaceInitializedData is the payload of a workspace_initialized event.
type WorkspaceInitializedData struct {
	WorkspacePath string `json:"workspace_path"`
}

// FinishRunData is the payload of a finish_run event.
type FinishRunData struct {
	RunID      string    `json:"run_id"`
	Status     RunStatus `json:"status"`
	FinishedAt time.Time `json:"finished_at"`
}

// RunStatus is the lifecycle state of a recorded run.
type RunStatus string

const (
	RunPlanned   RunStatus = "planned"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// ValidRunStatuses lists every accepted run status.
var ValidRunStatuses = []RunStatus{
	RunPlanned, RunRunning, RunCompleted, RunFailed, RunCancelled,
}

// IsValidRunStatus reports whether s is a known run status.
func IsValidRunStatus(s RunStatus) bool {
	for _, v := range ValidRunStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Run records one composed plan and its execution lifecycle. ID doubles as
// the run directory name (run-<timestamp>).
type Run struct {
	ID             string     `json:"id"`
	Goal           string     `json:"goal"`
	Nodes          []NodeID   `json:"nodes"`
	OrderingReason string     `json:"ordering_reason"`
	Status         RunStatus  `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	Provenance     Provenance `json:"provenance"`
}

// ApplyNodeDefaults fills the ingest defaults in place: empty slices for
// nil list fields, ready status, version 1, and now for missing timestamps.
func ApplyNodeDefaults(n *Node, now time.Time) {
	if n.Children == nil {
		n.Children = []NodeID{}
	}
	if n.Requires == nil {
		n.Requires = []string{}
	}
	if n.Produces == nil {
		n.Produces = []string{}
	}
	if n.Tags == nil {
		n.Tags = []string{}
	}
	if n.SuccessCriteria == nil {
		n.SuccessCriteria = []string{}
	}
	if n.Guards == nil {
		n.Guards = []string{}
	}
	if n.Artifacts.Files == nil {
		n.Artifacts.Files = []string{}
	}
	if n.Artifacts.Outputs == nil {
		n.Artifacts.Outputs = []string{}
	}
	if n.Artifacts.Dependencies == nil {
		n.Artifacts.Dependencies = []string{}
	}
	if n.Status == "" {
		n.Status = StatusReady
	}
	if n.Version == 0 {
		n.Version = 1
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	if n.UpdatedAt.IsZero() {
		n.UpdatedAt = now
	}
}

// ApplyEdgeDefaults fills the ingest defaults for an edge in place.
func ApplyEdgeDefaults(e *Edge, now time.Time) {
	if e.Version == 0 {
		e.Version = 1
	}
	if e.Provenance.CreatedAt.IsZero() {
		e.Provenance.CreatedAt = now
	}
}
