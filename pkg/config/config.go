// Package config loads gotn configuration from defaults, an optional YAML
// file, and GOTN_* environment variables, in that order of increasing
// precedence. CLI flags sit above all three and are applied by the caller.
//
// Environment Variables:
//
//	GOTN_WORKSPACE_PATH       - Workspace root holding .gotn/ (default: ".")
//	GOTN_PROJECT_ID           - Vector namespace for this workspace (default: "default")
//	GOTN_EMBEDDER_PROVIDER    - "openai", "deterministic", or empty to pick by key
//	GOTN_EMBEDDER_API_KEY     - API key for the remote embedder
//	GOTN_EMBEDDER_BASE_URL    - Embedder endpoint (default: https://api.openai.com)
//	GOTN_EMBEDDER_MODEL       - Embedding model (default: text-embedding-3-small)
//	GOTN_EMBED_DIM            - Embedding dimensions (default: 1536)
//	GOTN_REMOTE_VECTOR_ENDPOINT - Remote vector store URL; empty keeps vectors in process
//	GOTN_REMOTE_VECTOR_TOKEN  - Bearer token for the remote vector store
//	GOTN_BREAKDOWN_API_KEY    - Key for the breakdown model (default: embedder key)
//	GOTN_BREAKDOWN_BASE_URL   - Breakdown endpoint (default: https://api.openai.com)
//	GOTN_BREAKDOWN_MODEL      - Breakdown model (default: gpt-4o-mini)
//	GOTN_BREAKDOWN_MAX_NODES  - Child cap per breakdown (default: 8)
//	GOTN_SOFT_K               - Neighbors per node for soft inference (default: 5)
//	GOTN_SOFT_THRESHOLD       - Minimum cosine score for a soft edge (default: 0.78)
//	GOTN_HTTP_ADDRESS         - HTTP bind address (default: 0.0.0.0)
//	GOTN_HTTP_PORT            - HTTP port (default: 7433)
//	GOTN_LOG_LEVEL            - debug, info, warn, or error (default: info)
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gotnhq/gotn/pkg/errs"
)

// Config holds the full gotn configuration.
type Config struct {
	Workspace WorkspaceConfig `yaml:"workspace"`
	Embedder  EmbedderConfig  `yaml:"embedder"`
	Vector    VectorConfig    `yaml:"vector"`
	Breakdown BreakdownConfig `yaml:"breakdown"`
	Inference InferenceConfig `yaml:"inference"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// WorkspaceConfig locates the workspace and names its vector namespace.
type WorkspaceConfig struct {
	// Path is the directory holding (or about to hold) .gotn/.
	Path string `yaml:"path"`
	// ProjectID namespaces vectors so workspaces sharing a remote
	// store do not see each other's neighbors.
	ProjectID string `yaml:"project_id"`
}

// EmbedderConfig selects and tunes the embedding provider.
type EmbedderConfig struct {
	// Provider is "openai", "deterministic", or empty to pick
	// openai when an API key is set and deterministic otherwise.
	Provider   string `yaml:"provider"`
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
	// Timeout is fixed in code, not tunable from the file.
	Timeout time.Duration `yaml:"-"`
}

// VectorConfig selects the vector backend. An empty RemoteEndpoint keeps
// vectors in process.
type VectorConfig struct {
	RemoteEndpoint string        `yaml:"remote_endpoint"`
	RemoteToken    string        `yaml:"remote_token"`
	Timeout        time.Duration `yaml:"-"`
}

// BreakdownConfig tunes the prompt decomposition model.
type BreakdownConfig struct {
	// APIKey falls back to the embedder key when empty; see BreakdownKey.
	APIKey   string        `yaml:"api_key"`
	BaseURL  string        `yaml:"base_url"`
	Model    string        `yaml:"model"`
	Timeout  time.Duration `yaml:"-"`
	MaxNodes int           `yaml:"max_nodes"`
}

// InferenceConfig tunes soft edge inference.
type InferenceConfig struct {
	SoftTopK      int     `yaml:"soft_top_k"`
	SoftThreshold float64 `yaml:"soft_threshold"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Workspace: WorkspaceConfig{
			Path:      ".",
			ProjectID: "default",
		},
		Embedder: EmbedderConfig{
			BaseURL:    "https://api.openai.com",
			Model:      "text-embedding-3-small",
			Dimensions: 1536,
			Timeout:    30 * time.Second,
		},
		Vector: VectorConfig{
			Timeout: 30 * time.Second,
		},
		Breakdown: BreakdownConfig{
			BaseURL:  "https://api.openai.com",
			Model:    "gpt-4o-mini",
			Timeout:  120 * time.Second,
			MaxNodes: 8,
		},
		Inference: InferenceConfig{
			SoftTopK:      5,
			SoftThreshold: 0.78,
		},
		Server: ServerConfig{
			Address: "0.0.0.0",
			Port:    7433,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadFromEnv returns defaults overlaid with GOTN_* environment variables.
func LoadFromEnv() *Config {
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

// Load builds the configuration from defaults, the YAML file at path when
// path is not empty, and finally the environment. A set but unreadable or
// unparsable file is an error; an empty path just skips the file layer.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.ApplyFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// ApplyFile overlays the YAML file at path onto c. Fields the file does
// not mention keep their current values.
func (c *Config) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return errs.Wrap(errs.KindNotFound, err, "config file %s", path)
		}
		return errs.Wrap(errs.KindIOError, err, "reading config file %s", path)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return errs.Wrap(errs.KindValidation, err, "parsing config file %s", path)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Workspace.Path = getEnv("GOTN_WORKSPACE_PATH", c.Workspace.Path)
	c.Workspace.ProjectID = getEnv("GOTN_PROJECT_ID", c.Workspace.ProjectID)

	c.Embedder.Provider = getEnv("GOTN_EMBEDDER_PROVIDER", c.Embedder.Provider)
	c.Embedder.APIKey = getEnv("GOTN_EMBEDDER_API_KEY", c.Embedder.APIKey)
	c.Embedder.BaseURL = getEnv("GOTN_EMBEDDER_BASE_URL", c.Embedder.BaseURL)
	c.Embedder.Model = getEnv("GOTN_EMBEDDER_MODEL", c.Embedder.Model)
	c.Embedder.Dimensions = getEnvInt("GOTN_EMBED_DIM", c.Embedder.Dimensions)

	c.Vector.RemoteEndpoint = getEnv("GOTN_REMOTE_VECTOR_ENDPOINT", c.Vector.RemoteEndpoint)
	c.Vector.RemoteToken = getEnv("GOTN_REMOTE_VECTOR_TOKEN", c.Vector.RemoteToken)

	c.Breakdown.APIKey = getEnv("GOTN_BREAKDOWN_API_KEY", c.Breakdown.APIKey)
	c.Breakdown.BaseURL = getEnv("GOTN_BREAKDOWN_BASE_URL", c.Breakdown.BaseURL)
	c.Breakdown.Model = getEnv("GOTN_BREAKDOWN_MODEL", c.Breakdown.Model)
	c.Breakdown.MaxNodes = getEnvInt("GOTN_BREAKDOWN_MAX_NODES", c.Breakdown.MaxNodes)

	c.Inference.SoftTopK = getEnvInt("GOTN_SOFT_K", c.Inference.SoftTopK)
	c.Inference.SoftThreshold = getEnvFloat("GOTN_SOFT_THRESHOLD", c.Inference.SoftThreshold)

	c.Server.Address = getEnv("GOTN_HTTP_ADDRESS", c.Server.Address)
	c.Server.Port = getEnvInt("GOTN_HTTP_PORT", c.Server.Port)

	c.Logging.Level = getEnv("GOTN_LOG_LEVEL", c.Logging.Level)
}

// Validate checks the configuration for values no component can work with.
func (c *Config) Validate() error {
	if c.Workspace.Path == "" {
		return errs.New(errs.KindValidation, "workspace path must not be empty")
	}
	if c.Workspace.ProjectID == "" {
		return errs.New(errs.KindValidation, "project id must not be empty")
	}
	switch c.Embedder.Provider {
	case "", "openai", "deterministic":
	default:
		return errs.New(errs.KindValidation,
			"embedder provider %q is not openai or deterministic", c.Embedder.Provider)
	}
	if c.Embedder.Dimensions <= 0 {
		return errs.New(errs.KindValidation,
			"embedding dimensions must be positive, got %d", c.Embedder.Dimensions)
	}
	if c.Breakdown.MaxNodes <= 0 {
		return errs.New(errs.KindValidation,
			"breakdown max nodes must be positive, got %d", c.Breakdown.MaxNodes)
	}
	if c.Inference.SoftTopK <= 0 {
		return errs.New(errs.KindValidation,
			"soft top k must be positive, got %d", c.Inference.SoftTopK)
	}
	if c.Inference.SoftThreshold <= 0 || c.Inference.SoftThreshold > 1 {
		return errs.New(errs.KindValidation,
			"soft threshold must be in (0, 1], got %v", c.Inference.SoftThreshold)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errs.New(errs.KindValidation, "invalid http port: %d", c.Server.Port)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return errs.New(errs.KindValidation,
			"log level %q is not debug, info, warn, or error", c.Logging.Level)
	}
	return nil
}

// BreakdownKey resolves the breakdown API key, falling back to the
// embedder key so one key configures both models.
func (c *Config) BreakdownKey() string {
	if c.Breakdown.APIKey != "" {
		return c.Breakdown.APIKey
	}
	return c.Embedder.APIKey
}

// EmbedderResolved returns the effective provider name after applying the
// pick-by-key rule for an empty Provider.
func (c *Config) EmbedderResolved() string {
	if c.Embedder.Provider != "" {
		return c.Embedder.Provider
	}
	if c.Embedder.APIKey != "" {
		return "openai"
	}
	return "deterministic"
}

// String returns a log-safe summary. API keys and tokens are never included.
func (c *Config) String() string {
	vector := "in-process"
	if c.Vector.RemoteEndpoint != "" {
		vector = c.Vector.RemoteEndpoint
	}
	return fmt.Sprintf(
		"Config{workspace: %s, project: %s, embedder: %s/%s dim=%d, vector: %s, http: %s:%d, log: %s}",
		c.Workspace.Path, c.Workspace.ProjectID,
		c.EmbedderResolved(), c.Embedder.Model, c.Embedder.Dimensions,
		vector,
		c.Server.Address, c.Server.Port,
		c.Logging.Level,
	)
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
