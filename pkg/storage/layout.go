package storage

import "path/filepath"

// Names inside the .gotn directory.
const (
	GotnDirName     = ".gotn"
	MetaFileName    = "meta.json"
	GraphFileName   = "graph.json"
	JournalFileName = "journal.ndjson"
	RunsDirName     = "runs"
	CacheDirName    = "cache"
	LocksDirName    = "locks"
	LogsFileName    = "logs.ndjson"
)

// Layout resolves every persisted path for one workspace root.
type Layout struct {
	Workspace string
}

// NewLayout normalizes the workspace root into absolute form when possible.
func NewLayout(workspace string) Layout {
	if abs, err := filepath.Abs(workspace); err == nil {
		workspace = abs
	}
	return Layout{Workspace: workspace}
}

// Dir returns the .gotn directory.
func (l Layout) Dir() string { return filepath.Join(l.Workspace, GotnDirName) }

// MetaPath returns the meta.json path.
func (l Layout) MetaPath() string { return filepath.Join(l.Dir(), MetaFileName) }

// GraphPath returns the graph.json path.
func (l Layout) GraphPath() string { return filepath.Join(l.Dir(), GraphFileName) }

// JournalPath returns the journal.ndjson path.
func (l Layout) JournalPath() string { return filepath.Join(l.Dir(), JournalFileName) }

// RunsDir returns the runs directory.
func (l Layout) RunsDir() string { return filepath.Join(l.Dir(), RunsDirName) }

// CacheDir returns the cache directory.
func (l Layout) CacheDir() string { return filepath.Join(l.Dir(), CacheDirName) }

// LocksDir returns the reserved locks directory.
func (l Layout) LocksDir() string { return filepath.Join(l.Dir(), LocksDirName) }

// LogsPath returns the structured log sink path.
func (l Layout) LogsPath() string { return filepath.Join(l.Dir(), LogsFileName) }
