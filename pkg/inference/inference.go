// Package inference detects implicit relationships between task nodes.
//
// Two passes run over a node set (all nodes, or a caller-selected subset):
//
//   - Hard pass: structural tag matching. A node that requires a tag
//     another node produces gets a hard_requires edge, with evidence naming
//     the tag.
//   - Soft pass: mutual nearest neighbors. Each node with an embedding is
//     queried against the vector store; a pair survives only when each node
//     appears in the other's top-k above the similarity threshold, and is
//     committed as two opposing soft_semantic edges with the same score.
//
// Both passes are idempotent: edges that already exist are skipped and
// counted. Embedder and vector-store failures degrade the soft pass, never
// the whole run.
package inference

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/gotnhq/gotn/pkg/embed"
	"github.com/gotnhq/gotn/pkg/errs"
	"github.com/gotnhq/gotn/pkg/schema"
	"github.com/gotnhq/gotn/pkg/storage"
	"github.com/gotnhq/gotn/pkg/vector"
)

// Config holds the soft-pass tuning parameters.
type Config struct {
	TopK      int     // neighbors considered per node
	Threshold float64 // minimum cosine similarity for a soft edge
}

// DefaultConfig returns the balanced defaults: top 5 neighbors, 0.78
// similarity floor.
func DefaultConfig() *Config {
	return &Config{
		TopK:      5,
		Threshold: 0.78,
	}
}

// EdgeSummary describes one edge the engine added.
type EdgeSummary struct {
	Src      schema.NodeID   `json:"src"`
	Dst      schema.NodeID   `json:"dst"`
	Type     schema.EdgeType `json:"type"`
	Score    *float64        `json:"score,omitempty"`
	Evidence string          `json:"evidence,omitempty"`
}

// Result reports one inference run.
type Result struct {
	HardAdded       []EdgeSummary `json:"hard_added"`
	SoftAdded       []EdgeSummary `json:"soft_added"`
	SkippedExisting int           `json:"skipped_existing"`
	Warnings        int           `json:"warnings"`
}

// Options connects the engine to its collaborators. Embedder and Vectors
// are optional; without them only the hard pass runs.
type Options struct {
	Embedder embed.Embedder
	Vectors  vector.Store
	Project  string
	Config   *Config
	Logger   *slog.Logger
}

// Engine runs inference passes against one workspace's graph store.
type Engine struct {
	store    *storage.Store
	embedder embed.Embedder
	vectors  vector.Store
	project  string
	cfg      *Config
	logger   *slog.Logger
}

// New creates an inference engine over store.
func New(store *storage.Store, opts Options) *Engine {
	cfg := opts.Config
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultConfig().TopK
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultConfig().Threshold
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		store:    store,
		embedder: opts.Embedder,
		vectors:  opts.Vectors,
		project:  opts.Project,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run executes the hard and soft passes over nodeIDs (nil or empty means
// every node). Unknown ids are a NotFound error. Edges added before a
// cancellation stay committed; the graph is always consistent.
func (e *Engine) Run(ctx context.Context, nodeIDs []schema.NodeID) (*Result, error) {
	g, err := e.store.ReadGraph(ctx)
	if err != nil {
		return nil, err
	}

	candidates, err := selectCandidates(g, nodeIDs)
	if err != nil {
		return nil, err
	}

	result := &Result{
		HardAdded: []EdgeSummary{},
		SoftAdded: []EdgeSummary{},
	}
	existing := make(map[schema.EdgeKey]struct{}, len(g.Edges))
	for i := range g.Edges {
		existing[g.Edges[i].Key()] = struct{}{}
	}

	if err := e.hardPass(ctx, candidates, existing, result); err != nil {
		return nil, err
	}
	if err := e.softPass(ctx, candidates, existing, result); err != nil {
		return nil, err
	}
	return result, nil
}

// EmbedText is the canonical text a node is embedded under: summary plus
// tags. Store and inference must agree on it or KNN lookups go stale.
func EmbedText(n *schema.Node) string {
	return n.Summary + " " + strings.Join(n.Tags, " ")
}

// selectCandidates resolves nodeIDs against the graph, defaulting to all
// nodes.
func selectCandidates(g *schema.Graph, nodeIDs []schema.NodeID) ([]*schema.Node, error) {
	if len(nodeIDs) == 0 {
		candidates := make([]*schema.Node, len(g.Nodes))
		for i := range g.Nodes {
			candidates[i] = &g.Nodes[i]
		}
		return candidates, nil
	}

	candidates := make([]*schema.Node, 0, len(nodeIDs))
	for _, id := range nodeIDs {
		n := g.NodeByID(id)
		if n == nil {
			return nil, errs.New(errs.KindNotFound, "node %q not found", id)
		}
		candidates = append(candidates, n)
	}
	return candidates, nil
}

// hardPass links consumers to producers by tag. One edge per (src, dst)
// pair; the first matching tag supplies the evidence.
func (e *Engine) hardPass(ctx context.Context, candidates []*schema.Node, existing map[schema.EdgeKey]struct{}, result *Result) error {
	producers := make(map[string][]*schema.Node)
	for _, n := range candidates {
		for _, tag := range n.Produces {
			producers[tag] = append(producers[tag], n)
		}
	}

	created := make(map[schema.EdgeKey]struct{})
	for _, consumer := range candidates {
		if err := ctx.Err(); err != nil {
			return errs.Wrap(errs.KindOf(err), err, "hard inference interrupted")
		}
		for _, tag := range consumer.Requires {
			for _, producer := range producers[tag] {
				if producer.ID == consumer.ID {
					continue
				}
				key := schema.EdgeKey{Src: consumer.ID, Dst: producer.ID, Type: schema.EdgeHardRequires}
				if _, done := created[key]; done {
					continue
				}
				if _, present := existing[key]; present {
					created[key] = struct{}{}
					result.SkippedExisting++
					continue
				}

				edge := schema.Edge{
					Type:     schema.EdgeHardRequires,
					Src:      consumer.ID,
					Dst:      producer.ID,
					Evidence: fmt.Sprintf("%s requires '%s' which %s produces", consumer.ID, tag, producer.ID),
					Provenance: schema.Provenance{
						CreatedBy: "inference",
						Source:    "tag_match",
					},
				}
				stored, err := e.store.AddEdge(ctx, &edge)
				if err != nil {
					e.logger.Warn("hard edge commit failed",
						"src", string(key.Src), "dst", string(key.Dst), "error", err)
					result.Warnings++
					continue
				}
				created[key] = struct{}{}
				result.HardAdded = append(result.HardAdded, EdgeSummary{
					Src: stored.Src, Dst: stored.Dst, Type: stored.Type, Evidence: stored.Evidence,
				})
			}
		}
	}
	return nil
}

// softPass finds mutual nearest neighbors among candidates with embeddings
// and commits each surviving pair as two opposing edges in one batch.
func (e *Engine) softPass(ctx context.Context, candidates []*schema.Node, existing map[schema.EdgeKey]struct{}, result *Result) error {
	if e.embedder == nil || e.vectors == nil {
		return nil
	}

	byID := make(map[schema.NodeID]*schema.Node, len(candidates))
	for _, n := range candidates {
		byID[n.ID] = n
	}

	// Top-k neighbor sets, thresholded, per embedded candidate.
	neighbors := make(map[schema.NodeID]map[schema.NodeID]float64)
	for _, n := range candidates {
		if n.EmbeddingRef == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return errs.Wrap(errs.KindOf(err), err, "soft inference interrupted")
		}

		vec, err := e.embedder.Embed(ctx, EmbedText(n))
		if err != nil {
			e.logger.Warn("embedding failed, skipping node", "node", string(n.ID), "error", err)
			result.Warnings++
			continue
		}

		matches, err := e.vectors.Search(ctx, vec, e.cfg.TopK+1, e.project)
		if err != nil {
			if errs.Is(err, errs.KindVectorBackendUnavailable) {
				e.logger.Warn("vector backend unavailable, skipping soft inference", "error", err)
				result.Warnings++
				return nil
			}
			e.logger.Warn("vector search failed, skipping node", "node", string(n.ID), "error", err)
			result.Warnings++
			continue
		}

		m := make(map[schema.NodeID]float64)
		rank := 0
		for _, match := range matches {
			id := schema.NodeID(match.ID)
			if id == n.ID {
				continue
			}
			if rank >= e.cfg.TopK {
				break
			}
			rank++
			if float64(match.Score) < e.cfg.Threshold {
				continue
			}
			m[id] = float64(match.Score)
		}
		neighbors[n.ID] = m
	}

	// Pair formation, in id order so runs are deterministic.
	ids := make([]schema.NodeID, 0, len(neighbors))
	for id := range neighbors {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, a := range ids {
		for _, b := range sortedKeys(neighbors[a]) {
			if b <= a {
				continue
			}
			scoreBA, mutual := neighbors[b][a]
			if !mutual {
				continue
			}
			if _, ok := byID[b]; !ok {
				continue
			}

			keyAB := schema.EdgeKey{Src: a, Dst: b, Type: schema.EdgeSoftSemantic}
			keyBA := schema.EdgeKey{Src: b, Dst: a, Type: schema.EdgeSoftSemantic}
			_, haveAB := existing[keyAB]
			_, haveBA := existing[keyBA]
			if haveAB || haveBA {
				result.SkippedExisting++
				continue
			}

			score := neighbors[a][b]
			if scoreBA > score {
				score = scoreBA
			}
			evidence := fmt.Sprintf("%s and %s are mutual nearest neighbors (score %.2f)", a, b, score)
			prov := schema.Provenance{CreatedBy: "inference", Source: "mutual_knn"}
			scoreAB, scoreBACopy := score, score
			pair := []schema.Edge{
				{Type: schema.EdgeSoftSemantic, Src: a, Dst: b, Score: &scoreAB, Evidence: evidence, Provenance: prov},
				{Type: schema.EdgeSoftSemantic, Src: b, Dst: a, Score: &scoreBACopy, Evidence: evidence, Provenance: prov},
			}
			stored, err := e.store.AddEdges(ctx, pair)
			if err != nil {
				e.logger.Warn("soft pair commit failed",
					"a", string(a), "b", string(b), "error", err)
				result.Warnings++
				continue
			}
			for i := range stored {
				result.SoftAdded = append(result.SoftAdded, EdgeSummary{
					Src: stored[i].Src, Dst: stored[i].Dst, Type: stored[i].Type,
					Score: stored[i].Score, Evidence: stored[i].Evidence,
				})
			}
		}
	}
	return nil
}

func sortedKeys(m map[schema.NodeID]float64) []schema.NodeID {
	keys := make([]schema.NodeID, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
