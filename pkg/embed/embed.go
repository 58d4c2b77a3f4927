// Package embed generates vector embeddings for node text.
//
// Two providers are available:
//   - OpenAI-compatible: POST /v1/embeddings against any conforming API
//   - Deterministic: a keyed-hash pseudorandom vector, stable per text,
//     for offline and development use
//
// Cached wraps any provider with a persistent BadgerDB cache keyed by
// model and text hash, so re-embedding unchanged node summaries costs one
// disk read instead of an API call.
//
// Example:
//
//	cfg := embed.DefaultConfig()
//	cfg.APIKey = os.Getenv("GOTN_EMBED_API_KEY")
//	embedder, err := embed.New(cfg)
//	if err != nil {
//		return err
//	}
//	vec, err := embedder.Embed(ctx, "parse the config file")
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/gotnhq/gotn/pkg/errs"
)

// Embedder generates vector embeddings from text. Implementations must be
// safe for concurrent use.
type Embedder interface {
	// Embed generates the embedding for one text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the embedding vector width.
	Dimensions() int

	// Model returns the model name, used in cache keys and embedding refs.
	Model() string
}

// Config holds embedding provider settings.
type Config struct {
	Provider       string        // openai or deterministic
	APIURL         string        // base URL, e.g. https://api.openai.com
	APIKey         string        // bearer key; empty selects the deterministic provider
	Model          string        // e.g. text-embedding-3-small
	Dimensions     int           // expected vector width
	Timeout        time.Duration // per-request timeout
	MaxRetries     int           // retries after the first failed attempt
	InitialBackoff time.Duration // first retry delay, doubled per retry
}

// DefaultConfig returns the OpenAI-compatible defaults: text-embedding-3-small
// at 1536 dimensions, 30 s timeout, 3 retries starting at 250 ms.
func DefaultConfig() *Config {
	return &Config{
		Provider:       ProviderOpenAI,
		APIURL:         "https://api.openai.com",
		Model:          "text-embedding-3-small",
		Dimensions:     1536,
		Timeout:        30 * time.Second,
		MaxRetries:     3,
		InitialBackoff: 250 * time.Millisecond,
	}
}

// Provider names accepted by New.
const (
	ProviderOpenAI        = "openai"
	ProviderDeterministic = "deterministic"
)

// New selects a provider from config. An openai provider without an API key
// falls back to the deterministic one so workspaces stay usable offline.
func New(cfg *Config) (Embedder, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	switch cfg.Provider {
	case ProviderDeterministic:
		return NewDeterministic(cfg.Dimensions), nil
	case ProviderOpenAI, "":
		if cfg.APIKey == "" {
			return NewDeterministic(cfg.Dimensions), nil
		}
		return NewOpenAI(cfg), nil
	default:
		return nil, errs.New(errs.KindValidation, "unknown embedding provider %q", cfg.Provider)
	}
}

// OpenAI calls an OpenAI-compatible embeddings endpoint. Transient failures
// (429 and 5xx) are retried with exponential backoff; anything else surfaces
// immediately.
type OpenAI struct {
	cfg    *Config
	client *http.Client
}

// NewOpenAI creates an OpenAI-compatible embedder. Zero config fields fall
// back to DefaultConfig values.
func NewOpenAI(cfg *Config) *OpenAI {
	def := DefaultConfig()
	resolved := *cfg
	if resolved.APIURL == "" {
		resolved.APIURL = def.APIURL
	}
	if resolved.Model == "" {
		resolved.Model = def.Model
	}
	if resolved.Dimensions == 0 {
		resolved.Dimensions = def.Dimensions
	}
	if resolved.Timeout == 0 {
		resolved.Timeout = def.Timeout
	}
	if resolved.MaxRetries == 0 {
		resolved.MaxRetries = def.MaxRetries
	}
	if resolved.InitialBackoff == 0 {
		resolved.InitialBackoff = def.InitialBackoff
	}

	return &OpenAI{
		cfg:    &resolved,
		client: &http.Client{Timeout: resolved.Timeout},
	}
}

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed requests one embedding, retrying transient failures. The backoff
// schedule is InitialBackoff doubled per retry, with the context honored
// between attempts.
func (e *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := e.cfg.InitialBackoff << (attempt - 1)
			select {
			case <-ctx.Done():
				err := ctx.Err()
				return nil, errs.Wrap(errs.KindOf(err), err, "embedding request")
			case <-time.After(backoff):
			}
		}

		vec, retryable, err := e.embedOnce(ctx, text)
		if err == nil {
			return vec, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}
	return nil, errs.Wrap(errs.KindIOError, lastErr, "embeddings API still failing after %d retries", e.cfg.MaxRetries)
}

// embedOnce performs a single API call. The second return value reports
// whether the failure is worth retrying.
func (e *OpenAI) embedOnce(ctx context.Context, text string) ([]float32, bool, error) {
	body, err := json.Marshal(embeddingsRequest{
		Model: e.cfg.Model,
		Input: []string{text},
	})
	if err != nil {
		return nil, false, errs.Wrap(errs.KindIOError, err, "marshaling embeddings request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.APIURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, false, errs.Wrap(errs.KindIOError, err, "building embeddings request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, false, errs.Wrap(errs.KindOf(err), err, "sending embeddings request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return nil, retryable, errs.New(errs.KindIOError, "embeddings API returned %d: %s",
			resp.StatusCode, string(respBody))
	}

	var decoded embeddingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, false, errs.Wrap(errs.KindIOError, err, "decoding embeddings response")
	}
	if len(decoded.Data) == 0 {
		return nil, false, errs.New(errs.KindInvalidEmbedding, "no embedding in response")
	}

	vec := decoded.Data[0].Embedding
	if err := checkEmbedding(vec, e.cfg.Dimensions); err != nil {
		return nil, false, err
	}
	return vec, false, nil
}

// Dimensions returns the configured vector width.
func (e *OpenAI) Dimensions() int { return e.cfg.Dimensions }

// Model returns the configured model name.
func (e *OpenAI) Model() string { return e.cfg.Model }

// checkEmbedding verifies the vector is exactly dims wide and finite.
func checkEmbedding(vec []float32, dims int) error {
	if len(vec) != dims {
		return errs.New(errs.KindInvalidEmbedding, "embedding has %d dimensions, want %d", len(vec), dims)
	}
	for i, v := range vec {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return errs.New(errs.KindInvalidEmbedding, "embedding[%d] is not finite", i)
		}
	}
	return nil
}
