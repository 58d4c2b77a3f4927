// Package logging builds the process logger: structured JSON records on
// stderr, mirrored to the workspace log file so a crashed run leaves its
// trail next to the journal.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/gotnhq/gotn/pkg/errs"
	"github.com/gotnhq/gotn/pkg/storage"
)

// New returns a JSON logger writing to w at the named level.
func New(w io.Writer, level string) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: Level(level)})
	return slog.New(handler)
}

// Open returns a logger that tees stderr and <workspace>/.gotn/logs.ndjson,
// creating the directory when missing, plus the file to close on shutdown.
func Open(workspace, level string) (*slog.Logger, io.Closer, error) {
	path := storage.NewLayout(workspace).LogsPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, errs.Wrap(errs.KindIOError, err, "creating log directory")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, errs.Wrap(errs.KindIOError, err, "opening log file %s", path)
	}
	return New(io.MultiWriter(os.Stderr, f), level), f, nil
}

// Level maps a config level name onto a slog level. Unknown names fall
// back to info rather than failing startup.
func Level(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
