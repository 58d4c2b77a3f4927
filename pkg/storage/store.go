package storage

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/gotnhq/gotn/pkg/errs"
	"github.com/gotnhq/gotn/pkg/schema"
)

// Store is the durable graph store for one workspace. Mutations serialize
// on the graph:<workspace> lock key, commit the snapshot atomically, then
// append the matching journal events before releasing the lock, so journal
// order always matches mutation order. Reads take no lock and see either
// the pre- or post-rename snapshot.
type Store struct {
	layout  Layout
	locks   *KeyLock
	journal *Journal
	logger  *slog.Logger
}

// NewStore builds a store rooted at workspace. All stores sharing the same
// locks table serialize correctly against each other; callers normally use
// one KeyLock per process.
func NewStore(workspace string, locks *KeyLock, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	layout := NewLayout(workspace)
	return &Store{
		layout:  layout,
		locks:   locks,
		journal: NewJournal(layout, locks, logger),
		logger:  logger,
	}
}

// Layout exposes the resolved workspace paths.
func (s *Store) Layout() Layout { return s.layout }

// Journal exposes the journal handle (run bookkeeping events go through it).
func (s *Store) Journal() *Journal { return s.journal }

// IsInitialized reports whether the workspace has been set up.
func (s *Store) IsInitialized() bool {
	return fileExists(s.layout.MetaPath())
}

// Init creates the .gotn tree: meta.json, an empty graph snapshot at
// version 1, the runs/cache/locks directories, and the
// workspace_initialized journal entry. Re-initializing an existing
// workspace is a no-op that reports created=false. Serialized on
// init:<workspace>.
func (s *Store) Init(ctx context.Context) (created bool, err error) {
	err = s.locks.WithLock(ctx, LockKey(LockKindInit, s.layout.Workspace), func() error {
		for _, dir := range []string{s.layout.Dir(), s.layout.RunsDir(), s.layout.CacheDir(), s.layout.LocksDir()} {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return errs.Wrap(errs.KindIOError, err, "creating %s", dir)
			}
		}
		if s.IsInitialized() {
			return nil
		}

		now := time.Now().UTC()
		meta := &schema.Meta{
			Version:       1,
			Created:       now,
			Updated:       now,
			WorkspacePath: s.layout.Workspace,
		}
		if err := schema.ValidateMeta(meta); err != nil {
			return err
		}
		if err := WriteJSONAtomic(s.layout.MetaPath(), meta); err != nil {
			return err
		}
		if err := WriteJSONAtomic(s.layout.GraphPath(), schema.NewGraph()); err != nil {
			return err
		}
		if _, err := s.journal.Append(ctx, schema.EventWorkspaceInitialized, schema.WorkspaceInitializedData{
			WorkspacePath: s.layout.Workspace,
		}); err != nil {
			return err
		}
		created = true
		return nil
	})
	return created, err
}

// ReadMeta loads meta.json.
func (s *Store) ReadMeta() (*schema.Meta, error) {
	var meta schema.Meta
	if err := ReadJSON(s.layout.MetaPath(), &meta, errs.KindCorruptSnapshot); err != nil {
		return nil, err
	}
	return &meta, nil
}

// readSnapshot loads graph.json without recovery handling.
func (s *Store) readSnapshot() (*schema.Graph, error) {
	var g schema.Graph
	if err := ReadJSON(s.layout.GraphPath(), &g, errs.KindCorruptSnapshot); err != nil {
		return nil, err
	}
	return &g, nil
}

// ReadGraph returns the current graph. A corrupt snapshot (or a missing one
// in a workspace whose journal exists) triggers journal recovery; when
// recovery itself fails a minimal empty graph is written and the original
// corruption is reported.
func (s *Store) ReadGraph(ctx context.Context) (*schema.Graph, error) {
	g, err := s.readSnapshot()
	if err == nil {
		return g, nil
	}

	recoverable := errs.Is(err, errs.KindCorruptSnapshot) ||
		(errs.IsNotFound(err) && fileExists(s.layout.JournalPath()))
	if !recoverable {
		return nil, err
	}

	s.logger.Warn("graph snapshot unreadable, recovering from journal", "error", err)
	report, rerr := s.Recover(ctx)
	if rerr != nil {
		// Last resort: leave the workspace readable.
		if werr := WriteJSONAtomic(s.layout.GraphPath(), schema.NewGraph()); werr != nil {
			s.logger.Error("writing fallback empty graph failed", "error", werr)
		}
		return nil, errs.Wrap(errs.KindCorruptSnapshot, rerr, "snapshot unreadable and recovery failed")
	}
	return report.Graph, nil
}

// journalOp pairs a journal event with its payload; mutate appends them in
// order after the snapshot commit.
type journalOp struct {
	event   schema.EventType
	payload any
}

// mutate runs one serialized read-modify-write cycle: load the snapshot
// (recovering if it is unreadable), let fn change it and name the journal
// events, bump the version, stamp updated, validate the whole graph, write
// it atomically, then append the events. Cancellation is honored before
// lock acquisition; once the commit starts it runs to completion.
func (s *Store) mutate(ctx context.Context, fn func(g *schema.Graph) ([]journalOp, error)) (*schema.Graph, error) {
	release, err := s.locks.Acquire(ctx, LockKey(LockKindGraph, s.layout.Workspace))
	if err != nil {
		return nil, err
	}
	defer release()

	g, err := s.readSnapshot()
	if err != nil {
		if errs.Is(err, errs.KindCorruptSnapshot) ||
			(errs.IsNotFound(err) && fileExists(s.layout.JournalPath())) {
			report, rerr := s.recoverLocked(ctx)
			if rerr != nil {
				return nil, rerr
			}
			g = report.Graph
		} else if errs.IsNotFound(err) {
			return nil, errs.New(errs.KindNotFound, "workspace %s is not initialized", s.layout.Workspace)
		} else {
			return nil, err
		}
	}

	ops, err := fn(g)
	if err != nil {
		return nil, err
	}

	g.Version++
	g.Updated = time.Now().UTC()
	if err := schema.ValidateGraph(g); err != nil {
		return nil, err
	}
	if err := WriteJSONAtomic(s.layout.GraphPath(), g); err != nil {
		return nil, err
	}
	for _, op := range ops {
		if _, err := s.journal.Append(ctx, op.event, op.payload); err != nil {
			// Snapshot is already committed; the journal is now behind it.
			// Recovery tolerates this window, but the caller must know.
			s.logger.Error("journal append failed after snapshot commit",
				"event", string(op.event), "error", err)
			return nil, err
		}
	}
	return g, nil
}

// WriteGraph persists g as the next snapshot version. This is the raw
// primitive behind the typed mutations; it appends no journal events, so
// callers outside recovery should prefer AddNode/AddEdges/UpdateNode/
// UpdateEdge, which keep the journal in step.
func (s *Store) WriteGraph(ctx context.Context, g *schema.Graph) (*schema.Graph, error) {
	return s.mutate(ctx, func(cur *schema.Graph) ([]journalOp, error) {
		cur.Nodes = g.Nodes
		cur.Edges = g.Edges
		return nil, nil
	})
}

// AddNode validates, defaults, and stores a new node. Duplicate ids are a
// Conflict. The committed node (defaults applied, version 1) is returned.
func (s *Store) AddNode(ctx context.Context, node *schema.Node) (*schema.Node, error) {
	if node == nil {
		return nil, errs.New(errs.KindValidation, "node is nil")
	}
	stored := *node
	now := time.Now().UTC()
	schema.ApplyNodeDefaults(&stored, now)
	if err := schema.ValidateNode(&stored); err != nil {
		return nil, err
	}

	_, err := s.mutate(ctx, func(g *schema.Graph) ([]journalOp, error) {
		if g.NodeByID(stored.ID) != nil {
			return nil, errs.New(errs.KindConflict, "node %q already exists", stored.ID)
		}
		g.Nodes = append(g.Nodes, stored)
		return []journalOp{{event: schema.EventAddNode, payload: &stored}}, nil
	})
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

// UpdateNode replaces the node identified by id. Changing the id is an
// ImmutableField error; a missing node is NotFound. The per-node version
// advances and updated_at is stamped.
func (s *Store) UpdateNode(ctx context.Context, id schema.NodeID, node *schema.Node) (*schema.Node, error) {
	if node == nil {
		return nil, errs.New(errs.KindValidation, "node is nil")
	}
	if node.ID != "" && node.ID != id {
		return nil, errs.New(errs.KindImmutableField, "node id cannot change (%q -> %q)", id, node.ID)
	}

	var stored schema.Node
	_, err := s.mutate(ctx, func(g *schema.Graph) ([]journalOp, error) {
		existing := g.NodeByID(id)
		if existing == nil {
			return nil, errs.New(errs.KindNotFound, "node %q not found", id)
		}
		stored = *node
		stored.ID = id
		stored.CreatedAt = existing.CreatedAt
		stored.Version = existing.Version + 1
		stored.UpdatedAt = time.Now().UTC()
		schema.ApplyNodeDefaults(&stored, stored.UpdatedAt)
		if err := schema.ValidateNode(&stored); err != nil {
			return nil, err
		}
		*existing = stored
		return []journalOp{{event: schema.EventUpdateNode, payload: &stored}}, nil
	})
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

// AddEdge stores a single new edge. See AddEdges.
func (s *Store) AddEdge(ctx context.Context, edge *schema.Edge) (*schema.Edge, error) {
	if edge == nil {
		return nil, errs.New(errs.KindValidation, "edge is nil")
	}
	stored, err := s.AddEdges(ctx, []schema.Edge{*edge})
	if err != nil {
		return nil, err
	}
	return &stored[0], nil
}

// AddEdges stores a batch of new edges in one snapshot commit with one
// journal entry per edge. Soft semantic pairs must be committed together
// through this path so no snapshot ever holds half a pair. Duplicate
// (src, dst, type) triples are a Conflict; endpoints must exist.
func (s *Store) AddEdges(ctx context.Context, edges []schema.Edge) ([]schema.Edge, error) {
	if len(edges) == 0 {
		return nil, errs.New(errs.KindValidation, "no edges given")
	}
	now := time.Now().UTC()
	stored := make([]schema.Edge, len(edges))
	for i := range edges {
		stored[i] = edges[i]
		schema.ApplyEdgeDefaults(&stored[i], now)
		if err := schema.ValidateEdge(&stored[i]); err != nil {
			return nil, err
		}
	}

	_, err := s.mutate(ctx, func(g *schema.Graph) ([]journalOp, error) {
		ops := make([]journalOp, 0, len(stored))
		for i := range stored {
			e := &stored[i]
			if g.NodeByID(e.Src) == nil {
				return nil, errs.New(errs.KindValidation, "edge src %q does not exist", e.Src)
			}
			if g.NodeByID(e.Dst) == nil {
				return nil, errs.New(errs.KindValidation, "edge dst %q does not exist", e.Dst)
			}
			if g.EdgeByKey(e.Key()) != nil {
				return nil, errs.New(errs.KindConflict, "edge (%s -> %s, %s) already exists", e.Src, e.Dst, e.Type)
			}
			g.Edges = append(g.Edges, *e)
			ops = append(ops, journalOp{event: schema.EventAddEdge, payload: e})
		}
		return ops, nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// UpdateEdge replaces the edge identified by key. Changing src, dst, or
// type is an ImmutableField error; a missing edge is NotFound.
func (s *Store) UpdateEdge(ctx context.Context, key schema.EdgeKey, edge *schema.Edge) (*schema.Edge, error) {
	if edge == nil {
		return nil, errs.New(errs.KindValidation, "edge is nil")
	}
	if (edge.Src != "" && edge.Src != key.Src) ||
		(edge.Dst != "" && edge.Dst != key.Dst) ||
		(edge.Type != "" && edge.Type != key.Type) {
		return nil, errs.New(errs.KindImmutableField, "edge endpoints and type cannot change")
	}

	var stored schema.Edge
	_, err := s.mutate(ctx, func(g *schema.Graph) ([]journalOp, error) {
		existing := g.EdgeByKey(key)
		if existing == nil {
			return nil, errs.New(errs.KindNotFound, "edge (%s -> %s, %s) not found", key.Src, key.Dst, key.Type)
		}
		stored = *edge
		stored.Src, stored.Dst, stored.Type = key.Src, key.Dst, key.Type
		stored.Version = existing.Version + 1
		schema.ApplyEdgeDefaults(&stored, time.Now().UTC())
		if err := schema.ValidateEdge(&stored); err != nil {
			return nil, err
		}
		*existing = stored
		return []journalOp{{event: schema.EventUpdateEdge, payload: &stored}}, nil
	})
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

// StartRun journals a start_run event. Run events never touch the graph
// snapshot, so they only serialize on the journal key.
func (s *Store) StartRun(ctx context.Context, run *schema.Run) error {
	if err := schema.ValidateRun(run); err != nil {
		return err
	}
	_, err := s.journal.Append(ctx, schema.EventStartRun, run)
	return err
}

// FinishRun journals a finish_run event.
func (s *Store) FinishRun(ctx context.Context, runID string, status schema.RunStatus) error {
	if !schema.IsValidRunStatus(status) {
		return errs.New(errs.KindValidation, "unknown run status %q", status)
	}
	_, err := s.journal.Append(ctx, schema.EventFinishRun, schema.FinishRunData{
		RunID:      runID,
		Status:     status,
		FinishedAt: time.Now().UTC(),
	})
	return err
}

// RecoveryReport summarizes a completed recovery.
type RecoveryReport struct {
	Graph          *schema.Graph
	NodesRecovered int
	EdgesRecovered int
	Replayed       int
	SkippedEntries int
}

// Recover rebuilds the graph snapshot from the journal and persists it,
// taking the graph lock for the write. The recovered snapshot's version is
// max(1, entries replayed); corrupt journal lines are skipped and counted.
// Recovery is idempotent.
func (s *Store) Recover(ctx context.Context) (*RecoveryReport, error) {
	release, err := s.locks.Acquire(ctx, LockKey(LockKindGraph, s.layout.Workspace))
	if err != nil {
		return nil, err
	}
	defer release()
	return s.recoverLocked(ctx)
}

// recoverLocked is Recover without lock acquisition, for callers already
// holding the graph key.
func (s *Store) recoverLocked(ctx context.Context) (*RecoveryReport, error) {
	result, err := s.journal.Replay(ctx)
	if err != nil {
		return nil, err
	}

	g := result.Graph
	if err := schema.ValidateGraph(g); err != nil {
		// Replay produced something inconsistent (e.g. an edge whose node
		// entry was corrupt and skipped). Drop dangling edges and retry.
		g = pruneDanglingEdges(g)
		if err := schema.ValidateGraph(g); err != nil {
			return nil, errs.Wrap(errs.KindCorruptJournal, err, "replayed graph is invalid")
		}
	}
	g.Updated = time.Now().UTC()
	if err := WriteJSONAtomic(s.layout.GraphPath(), g); err != nil {
		return nil, err
	}

	if meta, err := s.ReadMeta(); err == nil {
		meta.Updated = g.Updated
		if err := WriteJSONAtomic(s.layout.MetaPath(), meta); err != nil {
			s.logger.Warn("updating meta after recovery failed", "error", err)
		}
	}

	s.logger.Info("journal recovery complete",
		"nodes", len(g.Nodes), "edges", len(g.Edges),
		"replayed", result.Replayed, "skipped", result.Skipped)

	return &RecoveryReport{
		Graph:          g,
		NodesRecovered: len(g.Nodes),
		EdgesRecovered: len(g.Edges),
		Replayed:       result.Replayed,
		SkippedEntries: result.Skipped,
	}, nil
}

// pruneDanglingEdges returns a copy of g without edges whose endpoints are
// missing, and without soft_semantic edges that lost their reverse.
func pruneDanglingEdges(g *schema.Graph) *schema.Graph {
	ids := make(map[schema.NodeID]struct{}, len(g.Nodes))
	for i := range g.Nodes {
		ids[g.Nodes[i].ID] = struct{}{}
	}

	kept := make([]schema.Edge, 0, len(g.Edges))
	for _, e := range g.Edges {
		if _, ok := ids[e.Src]; !ok {
			continue
		}
		if _, ok := ids[e.Dst]; !ok {
			continue
		}
		kept = append(kept, e)
	}

	// Second pass: soft pairs must stay symmetric.
	byKey := make(map[schema.EdgeKey]struct{}, len(kept))
	for _, e := range kept {
		byKey[e.Key()] = struct{}{}
	}
	final := make([]schema.Edge, 0, len(kept))
	for _, e := range kept {
		if e.Type == schema.EdgeSoftSemantic {
			rev := schema.EdgeKey{Src: e.Dst, Dst: e.Src, Type: schema.EdgeSoftSemantic}
			if _, ok := byKey[rev]; !ok {
				continue
			}
		}
		final = append(final, e)
	}

	out := *g
	out.Edges = final
	return &out
}
