package vector

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/gotnhq/gotn/pkg/errs"
)

// Milvus v2 REST paths.
const (
	pathCollectionHas    = "/v2/vectordb/collections/has"
	pathCollectionCreate = "/v2/vectordb/collections/create"
	pathCollectionLoad   = "/v2/vectordb/collections/load"
	pathEntitiesUpsert   = "/v2/vectordb/entities/upsert"
	pathEntitiesSearch   = "/v2/vectordb/entities/search"
)

// Index parameters for the node embedding collection.
const (
	indexType   = "IVF_FLAT"
	metricType  = "COSINE"
	indexNlist  = 1024
	searchProbe = 10
)

// Remote talks to a Milvus-compatible v2 REST backend. The collection is
// created and loaded lazily on first use; all requests carry the bearer
// token. Transport and backend failures classify as
// VectorBackendUnavailable so callers can degrade instead of failing hard.
type Remote struct {
	cfg    *Config
	client *http.Client

	mu    sync.Mutex
	ready bool
}

// NewRemote creates a remote store from cfg. Zero collection, dimension,
// and timeout fields fall back to DefaultConfig values.
func NewRemote(cfg *Config) *Remote {
	def := DefaultConfig()
	resolved := *cfg
	if resolved.Collection == "" {
		resolved.Collection = def.Collection
	}
	if resolved.Dimensions == 0 {
		resolved.Dimensions = def.Dimensions
	}
	if resolved.Timeout == 0 {
		resolved.Timeout = def.Timeout
	}

	return &Remote{
		cfg: &resolved,
		client: &http.Client{
			Timeout: resolved.Timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
			},
		},
	}
}

// milvusEnvelope is the common response wrapper: code 0 means success,
// anything else carries a message.
type milvusEnvelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// post sends one JSON request and decodes the data payload into out.
func (r *Remote) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errs.Wrap(errs.KindIOError, err, "marshaling %s request", path)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.Endpoint+path, bytes.NewReader(body))
	if err != nil {
		return errs.Wrap(errs.KindVectorBackendUnavailable, err, "building %s request", path)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.cfg.Token)

	resp, err := r.client.Do(req)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return errs.Wrap(errs.KindTimeout, err, "vector backend %s", path)
		case errors.Is(err, context.Canceled):
			return errs.Wrap(errs.KindCancelled, err, "vector backend %s", path)
		default:
			return errs.Wrap(errs.KindVectorBackendUnavailable, err, "vector backend %s", path)
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return errs.New(errs.KindVectorBackendUnavailable, "vector backend %s returned %d: %s",
			path, resp.StatusCode, string(respBody))
	}

	var envelope milvusEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return errs.Wrap(errs.KindVectorBackendUnavailable, err, "decoding %s response", path)
	}
	if envelope.Code != 0 {
		return errs.New(errs.KindVectorBackendUnavailable, "vector backend %s failed with code %d: %s",
			path, envelope.Code, envelope.Message)
	}
	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return errs.Wrap(errs.KindVectorBackendUnavailable, err, "decoding %s data", path)
		}
	}
	return nil
}

// ensureCollection creates and loads the collection once per process.
func (r *Remote) ensureCollection(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ready {
		return nil
	}

	var has struct {
		Has bool `json:"has"`
	}
	if err := r.post(ctx, pathCollectionHas, map[string]any{
		"collectionName": r.cfg.Collection,
	}, &has); err != nil {
		return err
	}

	if !has.Has {
		create := map[string]any{
			"collectionName": r.cfg.Collection,
			"schema": map[string]any{
				"autoId":             false,
				"enableDynamicField": false,
				"fields": []map[string]any{
					{
						"fieldName":         "id",
						"dataType":          "VarChar",
						"isPrimary":         true,
						"elementTypeParams": map[string]any{"max_length": "512"},
					},
					{
						"fieldName":         "project_id",
						"dataType":          "VarChar",
						"elementTypeParams": map[string]any{"max_length": "256"},
					},
					{
						"fieldName":         "embedding",
						"dataType":          "FloatVector",
						"elementTypeParams": map[string]any{"dim": strconv.Itoa(r.cfg.Dimensions)},
					},
				},
			},
			"indexParams": []map[string]any{
				{
					"fieldName":  "embedding",
					"indexName":  "embedding_idx",
					"metricType": metricType,
					"params": map[string]any{
						"index_type": indexType,
						"nlist":      indexNlist,
					},
				},
			},
		}
		if err := r.post(ctx, pathCollectionCreate, create, nil); err != nil {
			return err
		}
	}

	if err := r.post(ctx, pathCollectionLoad, map[string]any{
		"collectionName": r.cfg.Collection,
	}, nil); err != nil {
		return err
	}
	r.ready = true
	return nil
}

// Upsert writes one embedding row keyed by id.
func (r *Remote) Upsert(ctx context.Context, id string, vec []float32, projectID string) error {
	if id == "" {
		return errs.New(errs.KindValidation, "vector id is empty")
	}
	if err := checkVector(vec); err != nil {
		return err
	}
	if len(vec) != r.cfg.Dimensions {
		return errs.New(errs.KindInvalidEmbedding, "dimension mismatch: got %d, want %d", len(vec), r.cfg.Dimensions)
	}
	if err := r.ensureCollection(ctx); err != nil {
		return err
	}

	return r.post(ctx, pathEntitiesUpsert, map[string]any{
		"collectionName": r.cfg.Collection,
		"data": []map[string]any{
			{"id": id, "project_id": projectID, "embedding": vec},
		},
	}, nil)
}

// Search runs an ANN query. A non-empty projectID becomes a scalar filter;
// an empty one searches every project. With the COSINE metric the backend's
// distance is the similarity, so it maps straight to Match.Score.
func (r *Remote) Search(ctx context.Context, vec []float32, k int, projectID string) ([]Match, error) {
	if k <= 0 {
		return nil, errs.New(errs.KindValidation, "k must be > 0, got %d", k)
	}
	if err := checkVector(vec); err != nil {
		return nil, err
	}
	if len(vec) != r.cfg.Dimensions {
		return nil, errs.New(errs.KindInvalidEmbedding, "dimension mismatch: got %d, want %d", len(vec), r.cfg.Dimensions)
	}
	if err := r.ensureCollection(ctx); err != nil {
		return nil, err
	}

	search := map[string]any{
		"collectionName": r.cfg.Collection,
		"data":           [][]float32{vec},
		"annsField":      "embedding",
		"limit":          k,
		"outputFields":   []string{"project_id"},
		"searchParams": map[string]any{
			"metricType": metricType,
			"params":     map[string]any{"nprobe": searchProbe},
		},
	}
	if projectID != "" {
		search["filter"] = fmt.Sprintf("project_id == %q", projectID)
	}

	var rows []struct {
		ID        string  `json:"id"`
		Distance  float32 `json:"distance"`
		ProjectID string  `json:"project_id"`
	}
	if err := r.post(ctx, pathEntitiesSearch, search, &rows); err != nil {
		return nil, err
	}

	matches := make([]Match, len(rows))
	for i, row := range rows {
		matches[i] = Match{ID: row.ID, Score: row.Distance, ProjectID: row.ProjectID}
	}
	return matches, nil
}
