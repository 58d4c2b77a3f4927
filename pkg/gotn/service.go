// Package gotn wires the substrate into one service: the durable graph
// store, the embedding and vector layers, edge inference, plan
// composition, guarded execution, and prompt breakdown, behind the
// operations the tool server and CLI expose.
//
// A Service is bound to a single workspace for its lifetime. All
// operations are safe for concurrent use; writes serialize through the
// store's lock table.
package gotn

import (
	"context"
	"io"
	"log/slog"

	"github.com/gotnhq/gotn/pkg/breakdown"
	"github.com/gotnhq/gotn/pkg/config"
	"github.com/gotnhq/gotn/pkg/embed"
	"github.com/gotnhq/gotn/pkg/errs"
	"github.com/gotnhq/gotn/pkg/guard"
	"github.com/gotnhq/gotn/pkg/inference"
	"github.com/gotnhq/gotn/pkg/metrics"
	"github.com/gotnhq/gotn/pkg/runs"
	"github.com/gotnhq/gotn/pkg/storage"
	"github.com/gotnhq/gotn/pkg/vector"
)

// Service is the full substrate bound to one workspace.
type Service struct {
	cfg        *config.Config
	store      *storage.Store
	embedder   embed.Embedder
	cached     *embed.Cached
	vectors    vector.Store
	collection string
	decomposer breakdown.Decomposer
	guards     *guard.Engine
	recorder   *runs.Recorder
	metrics    *metrics.Metrics
	logger     *slog.Logger
	project    string
}

// Option overrides one collaborator, mainly for tests.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithEmbedder replaces the configured embedder. The disk cache is not
// wrapped around an injected embedder.
func WithEmbedder(e embed.Embedder) Option {
	return func(s *Service) { s.embedder = e }
}

// WithVectors replaces the configured vector store.
func WithVectors(v vector.Store) Option {
	return func(s *Service) { s.vectors = v }
}

// WithDecomposer replaces the configured prompt decomposer.
func WithDecomposer(d breakdown.Decomposer) Option {
	return func(s *Service) { s.decomposer = d }
}

// WithMetrics shares a counter set with the caller, typically so the
// server can mirror it to Prometheus.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// Open builds a service over cfg's workspace. The workspace does not have
// to be initialized yet; only InitWorkspace creates .gotn/. Close the
// service to release the embedding cache.
func Open(cfg *config.Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Service{
		cfg:        cfg,
		collection: vector.DefaultConfig().Collection,
		project:    cfg.Workspace.ProjectID,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}

	s.store = storage.NewStore(cfg.Workspace.Path, storage.NewKeyLock(), s.logger)

	if s.embedder == nil {
		base, err := embed.New(&embed.Config{
			Provider:   cfg.EmbedderResolved(),
			APIURL:     cfg.Embedder.BaseURL,
			APIKey:     cfg.Embedder.APIKey,
			Model:      cfg.Embedder.Model,
			Dimensions: cfg.Embedder.Dimensions,
			Timeout:    cfg.Embedder.Timeout,
		})
		if err != nil {
			return nil, err
		}
		// The cache only helps once the workspace exists; before that,
		// opening it would scatter .gotn/cache into uninitialized
		// directories.
		if s.store.IsInitialized() {
			cached, err := embed.OpenCached(base, s.store.Layout().CacheDir(), s.logger)
			if err != nil {
				s.logger.Warn("embedding cache unavailable, continuing without", "error", err)
				s.embedder = base
			} else {
				s.cached = cached
				s.embedder = cached
			}
		} else {
			s.embedder = base
		}
	}

	if s.vectors == nil {
		s.vectors = vector.New(&vector.Config{
			Endpoint:   cfg.Vector.RemoteEndpoint,
			Token:      cfg.Vector.RemoteToken,
			Collection: s.collection,
			Dimensions: cfg.Embedder.Dimensions,
			Timeout:    cfg.Vector.Timeout,
		})
	}

	if s.decomposer == nil {
		s.decomposer = breakdown.New(&breakdown.Config{
			APIURL:   cfg.Breakdown.BaseURL,
			APIKey:   cfg.BreakdownKey(),
			Model:    cfg.Breakdown.Model,
			Timeout:  cfg.Breakdown.Timeout,
			MaxNodes: cfg.Breakdown.MaxNodes,
		})
	}

	if s.metrics == nil {
		s.metrics = metrics.New()
	}

	s.guards = guard.New(cfg.Workspace.Path)
	s.recorder = runs.NewRecorder(s.store.Layout().RunsDir())
	return s, nil
}

// Close releases resources held by the service. Safe to call on a service
// whose cache never opened.
func (s *Service) Close() error {
	if s.cached != nil {
		return s.cached.Close()
	}
	if c, ok := s.embedder.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// WarmVectors re-seeds an in-process vector store from the persisted
// graph. Every node carrying an embedding reference is re-embedded
// (the disk cache usually serves these) and upserted, so KNN queries
// work after a restart. Remote stores keep their vectors and are left
// alone; so is an uninitialized workspace. Returns how many vectors
// were loaded.
func (s *Service) WarmVectors(ctx context.Context) (int, error) {
	if _, ok := s.vectors.(*vector.Memory); !ok {
		return 0, nil
	}
	if !s.store.IsInitialized() {
		return 0, nil
	}

	g, err := s.store.ReadGraph(ctx)
	if err != nil {
		return 0, err
	}

	warmed := 0
	for i := range g.Nodes {
		node := &g.Nodes[i]
		if node.EmbeddingRef == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return warmed, errs.Wrap(errs.KindOf(err), err, "vector warmup interrupted")
		}
		vec, err := s.embedder.Embed(ctx, inference.EmbedText(node))
		if err != nil {
			s.logger.Warn("vector warmup: embed failed", "node", string(node.ID), "error", err)
			continue
		}
		if err := s.vectors.Upsert(ctx, string(node.ID), vec, s.project); err != nil {
			s.logger.Warn("vector warmup: upsert failed", "node", string(node.ID), "error", err)
			continue
		}
		warmed++
	}
	if warmed > 0 {
		s.logger.Info("vector store warmed", "vectors", warmed)
	}
	return warmed, nil
}

// Store exposes the graph store for read endpoints.
func (s *Service) Store() *storage.Store { return s.store }

// Metrics exposes the counter set, for Prometheus registration.
func (s *Service) Metrics() *metrics.Metrics { return s.metrics }

// Workspace returns the bound workspace root.
func (s *Service) Workspace() string { return s.cfg.Workspace.Path }

// inferEngine builds a fresh inference engine; the engine itself is
// stateless between runs.
func (s *Service) inferEngine() *inference.Engine {
	return inference.New(s.store, inference.Options{
		Embedder: s.embedder,
		Vectors:  s.vectors,
		Project:  s.project,
		Config: &inference.Config{
			TopK:      s.cfg.Inference.SoftTopK,
			Threshold: s.cfg.Inference.SoftThreshold,
		},
		Logger: s.logger,
	})
}

// checkWorkspaceArg rejects a tool-supplied workspace path that does not
// match the workspace this service is bound to. Multi-workspace routing
// is a deliberate non-feature; one process serves one workspace.
func (s *Service) checkWorkspaceArg(path string) error {
	if path == "" || path == s.cfg.Workspace.Path {
		return nil
	}
	return errs.New(errs.KindValidation,
		"this server is bound to workspace %q, not %q", s.cfg.Workspace.Path, path)
}

// checkProjectArg is the project-scope counterpart of checkWorkspaceArg.
func (s *Service) checkProjectArg(project string) error {
	if project == "" || project == s.project {
		return nil
	}
	return errs.New(errs.KindValidation,
		"this server is bound to project %q, not %q", s.project, project)
}

// CheckToolScope validates tool-supplied workspace and project arguments
// against the service's bindings. Either argument may be empty.
func (s *Service) CheckToolScope(workspacePath, project string) error {
	if err := s.checkWorkspaceArg(workspacePath); err != nil {
		return err
	}
	return s.checkProjectArg(project)
}
