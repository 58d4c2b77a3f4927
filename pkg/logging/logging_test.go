package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("emits_one_json_record_per_line", func(t *testing.T) {
		var buf bytes.Buffer
		logger := New(&buf, "info")
		logger.Info("node stored", "node_id", "auth-service", "version", 3)

		var rec map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
		assert.Equal(t, "node stored", rec["msg"])
		assert.Equal(t, "auth-service", rec["node_id"])
		assert.Equal(t, float64(3), rec["version"])
		assert.Equal(t, "INFO", rec["level"])
	})

	t.Run("level_filters_lower_records", func(t *testing.T) {
		var buf bytes.Buffer
		logger := New(&buf, "warn")
		logger.Info("quiet")
		logger.Warn("loud")

		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		require.Len(t, lines, 1)
		assert.Contains(t, lines[0], "loud")
	})

	t.Run("debug_level_lets_debug_through", func(t *testing.T) {
		var buf bytes.Buffer
		New(&buf, "debug").Debug("trace me")
		assert.Contains(t, buf.String(), "trace me")
	})
}

func TestOpen(t *testing.T) {
	t.Run("mirrors_records_into_the_workspace_log", func(t *testing.T) {
		workspace := t.TempDir()
		logger, closer, err := Open(workspace, "info")
		require.NoError(t, err)

		logger.Info("recovery complete", "applied", 12)
		require.NoError(t, closer.Close())

		data, err := os.ReadFile(filepath.Join(workspace, ".gotn", "logs.ndjson"))
		require.NoError(t, err)
		assert.Contains(t, string(data), "recovery complete")
		assert.Contains(t, string(data), `"applied":12`)
	})

	t.Run("appends_across_reopens", func(t *testing.T) {
		workspace := t.TempDir()

		logger, closer, err := Open(workspace, "info")
		require.NoError(t, err)
		logger.Info("first run")
		require.NoError(t, closer.Close())

		logger, closer, err = Open(workspace, "info")
		require.NoError(t, err)
		logger.Info("second run")
		require.NoError(t, closer.Close())

		data, err := os.ReadFile(filepath.Join(workspace, ".gotn", "logs.ndjson"))
		require.NoError(t, err)
		assert.Contains(t, string(data), "first run")
		assert.Contains(t, string(data), "second run")
	})

	t.Run("creates_the_gotn_directory", func(t *testing.T) {
		workspace := t.TempDir()
		_, closer, err := Open(workspace, "info")
		require.NoError(t, err)
		defer closer.Close()

		info, err := os.Stat(filepath.Join(workspace, ".gotn"))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})
}

func TestLevel(t *testing.T) {
	cases := []struct {
		name string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"ERROR", slog.LevelError},
		{"  Info ", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"shout", slog.LevelInfo},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Level(tc.name), "level %q", tc.name)
	}
}
