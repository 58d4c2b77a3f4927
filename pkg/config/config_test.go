package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gotnhq/gotn/pkg/errs"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gotn.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	t.Run("defaults_are_valid", func(t *testing.T) {
		cfg := Default()
		require.NoError(t, cfg.Validate())
		assert.Equal(t, ".", cfg.Workspace.Path)
		assert.Equal(t, "default", cfg.Workspace.ProjectID)
		assert.Equal(t, 1536, cfg.Embedder.Dimensions)
		assert.Equal(t, "text-embedding-3-small", cfg.Embedder.Model)
		assert.Equal(t, 5, cfg.Inference.SoftTopK)
		assert.InDelta(t, 0.78, cfg.Inference.SoftThreshold, 1e-9)
		assert.Equal(t, 7433, cfg.Server.Port)
		assert.Equal(t, "info", cfg.Logging.Level)
	})

	t.Run("timeouts_are_fixed", func(t *testing.T) {
		cfg := Default()
		assert.Equal(t, 30*time.Second, cfg.Embedder.Timeout)
		assert.Equal(t, 30*time.Second, cfg.Vector.Timeout)
		assert.Equal(t, 120*time.Second, cfg.Breakdown.Timeout)
	})
}

func TestLoadFromEnv(t *testing.T) {
	t.Run("env_overrides_defaults", func(t *testing.T) {
		t.Setenv("GOTN_WORKSPACE_PATH", "/srv/work")
		t.Setenv("GOTN_EMBED_DIM", "768")
		t.Setenv("GOTN_SOFT_THRESHOLD", "0.9")
		t.Setenv("GOTN_HTTP_PORT", "9999")

		cfg := LoadFromEnv()
		assert.Equal(t, "/srv/work", cfg.Workspace.Path)
		assert.Equal(t, 768, cfg.Embedder.Dimensions)
		assert.InDelta(t, 0.9, cfg.Inference.SoftThreshold, 1e-9)
		assert.Equal(t, 9999, cfg.Server.Port)
		// Untouched fields keep their defaults.
		assert.Equal(t, "default", cfg.Workspace.ProjectID)
		assert.Equal(t, "gpt-4o-mini", cfg.Breakdown.Model)
	})

	t.Run("unparsable_numbers_keep_the_default", func(t *testing.T) {
		t.Setenv("GOTN_EMBED_DIM", "tall")
		t.Setenv("GOTN_SOFT_THRESHOLD", "high")
		cfg := LoadFromEnv()
		assert.Equal(t, 1536, cfg.Embedder.Dimensions)
		assert.InDelta(t, 0.78, cfg.Inference.SoftThreshold, 1e-9)
	})
}

func TestLoad(t *testing.T) {
	t.Run("file_overlays_defaults", func(t *testing.T) {
		path := writeConfigFile(t, `
embedder:
  model: text-embedding-3-large
  dimensions: 3072
inference:
  soft_top_k: 9
`)
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "text-embedding-3-large", cfg.Embedder.Model)
		assert.Equal(t, 3072, cfg.Embedder.Dimensions)
		assert.Equal(t, 9, cfg.Inference.SoftTopK)
		// Fields the file does not mention keep defaults.
		assert.Equal(t, ".", cfg.Workspace.Path)
		assert.InDelta(t, 0.78, cfg.Inference.SoftThreshold, 1e-9)
	})

	t.Run("env_beats_the_file", func(t *testing.T) {
		path := writeConfigFile(t, `
embedder:
  model: from-file
server:
  port: 8001
`)
		t.Setenv("GOTN_EMBEDDER_MODEL", "from-env")
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "from-env", cfg.Embedder.Model)
		assert.Equal(t, 8001, cfg.Server.Port)
	})

	t.Run("empty_path_skips_the_file_layer", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, "text-embedding-3-small", cfg.Embedder.Model)
	})

	t.Run("missing_file_is_not_found", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.Error(t, err)
		assert.True(t, errs.IsNotFound(err))
	})

	t.Run("bad_yaml_is_a_validation_error", func(t *testing.T) {
		path := writeConfigFile(t, "embedder: [not, a, mapping")
		_, err := Load(path)
		require.Error(t, err)
		assert.True(t, errs.IsValidation(err))
	})
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty_workspace_path", func(c *Config) { c.Workspace.Path = "" }},
		{"empty_project_id", func(c *Config) { c.Workspace.ProjectID = "" }},
		{"unknown_embedder_provider", func(c *Config) { c.Embedder.Provider = "oracle" }},
		{"zero_dimensions", func(c *Config) { c.Embedder.Dimensions = 0 }},
		{"zero_breakdown_max_nodes", func(c *Config) { c.Breakdown.MaxNodes = 0 }},
		{"zero_soft_top_k", func(c *Config) { c.Inference.SoftTopK = 0 }},
		{"zero_soft_threshold", func(c *Config) { c.Inference.SoftThreshold = 0 }},
		{"soft_threshold_above_one", func(c *Config) { c.Inference.SoftThreshold = 1.5 }},
		{"port_zero", func(c *Config) { c.Server.Port = 0 }},
		{"port_out_of_range", func(c *Config) { c.Server.Port = 70000 }},
		{"unknown_log_level", func(c *Config) { c.Logging.Level = "loud" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errs.IsValidation(err))
		})
	}

	t.Run("known_providers_pass", func(t *testing.T) {
		for _, p := range []string{"", "openai", "deterministic"} {
			cfg := Default()
			cfg.Embedder.Provider = p
			assert.NoError(t, cfg.Validate())
		}
	})
}

func TestKeyResolution(t *testing.T) {
	t.Run("breakdown_key_falls_back_to_embedder_key", func(t *testing.T) {
		cfg := Default()
		cfg.Embedder.APIKey = "sk-embed"
		assert.Equal(t, "sk-embed", cfg.BreakdownKey())

		cfg.Breakdown.APIKey = "sk-break"
		assert.Equal(t, "sk-break", cfg.BreakdownKey())
	})

	t.Run("provider_resolves_by_key_presence", func(t *testing.T) {
		cfg := Default()
		assert.Equal(t, "deterministic", cfg.EmbedderResolved())

		cfg.Embedder.APIKey = "sk-embed"
		assert.Equal(t, "openai", cfg.EmbedderResolved())

		cfg.Embedder.Provider = "deterministic"
		assert.Equal(t, "deterministic", cfg.EmbedderResolved())
	})
}

func TestString(t *testing.T) {
	t.Run("never_leaks_secrets", func(t *testing.T) {
		cfg := Default()
		cfg.Embedder.APIKey = "sk-secret-embed"
		cfg.Breakdown.APIKey = "sk-secret-break"
		cfg.Vector.RemoteToken = "vt-secret"
		cfg.Vector.RemoteEndpoint = "https://vectors.internal:9200"

		s := cfg.String()
		assert.NotContains(t, s, "sk-secret-embed")
		assert.NotContains(t, s, "sk-secret-break")
		assert.NotContains(t, s, "vt-secret")
		assert.Contains(t, s, "https://vectors.internal:9200")
		assert.Contains(t, s, "default")
	})
}
