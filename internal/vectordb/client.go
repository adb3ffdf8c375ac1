// Package vectordb is a minimal Qdrant HTTP client scoped to
// tenant-partitioned chunk storage. Every read and write carries a
// server-side tenant filter; calls without one fail closed.
package vectordb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tessellate-ai/ragcore/internal/circuitbreaker"
	"github.com/tessellate-ai/ragcore/internal/config"
	"github.com/tessellate-ai/ragcore/internal/faults"
	"github.com/tessellate-ai/ragcore/internal/metrics"
	"github.com/tessellate-ai/ragcore/internal/models"
	"github.com/tessellate-ai/ragcore/internal/tracing"
)

// Client talks to Qdrant over its HTTP API.
type Client struct {
	cfg   config.QdrantConfig
	base  string
	httpw *circuitbreaker.HTTPWrapper
	log   *zap.Logger
}

var _ Index = (*Client)(nil)

func NewClient(cfg config.QdrantConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6333
	}
	if cfg.Collection == "" {
		cfg.Collection = "documents"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}
	return &Client{
		cfg:   cfg,
		base:  fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port),
		httpw: circuitbreaker.NewHTTPWrapper(httpClient, "qdrant", "vectordb", logger),
		log:   logger,
	}
}

// tenantFilter builds the mandatory server-side scope clause.
func tenantFilter(tenantID string, extra ...map[string]interface{}) map[string]interface{} {
	must := []map[string]interface{}{
		{"key": "tenant_id", "match": map[string]interface{}{"value": tenantID}},
	}
	must = append(must, extra...)
	return map[string]interface{}{"must": must}
}

// guardTenant fails closed on a missing tenant scope.
func guardTenant(op, tenantID string) error {
	if tenantID == "" {
		metrics.TenantScopeViolations.WithLabelValues("vectordb").Inc()
		return faults.TenantScope(op)
	}
	return nil
}

// EnsureCollection creates the chunk collection with cosine distance if
// it does not exist yet.
func (c *Client) EnsureCollection(ctx context.Context, dimension int) error {
	url := fmt.Sprintf("%s/collections/%s", c.base, c.cfg.Collection)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpw.Do(req)
	if err != nil {
		return faults.Transient("vectordb.ensure", err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return nil
	}

	body, _ := json.Marshal(map[string]interface{}{
		"vectors": map[string]interface{}{"size": dimension, "distance": "Cosine"},
	})
	req, err = http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err = c.httpw.Do(req)
	if err != nil {
		return faults.Transient("vectordb.ensure", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return faults.Transient("vectordb.ensure", fmt.Errorf("create collection status %d", resp.StatusCode))
	}
	c.log.Info("created vector collection",
		zap.String("collection", c.cfg.Collection),
		zap.Int("dimension", dimension))
	return nil
}

type upsertItem struct {
	ID      string                 `json:"id"`
	Vector  []float32              `json:"vector"`
	Payload map[string]interface{} `json:"payload"`
}

// Upsert writes points with wait=true so a subsequent search sees them
// (read-your-writes). Idempotent on chunk id.
func (c *Client) Upsert(ctx context.Context, tenantID string, points []Point) error {
	const op = "vectordb.upsert"
	if err := guardTenant(op, tenantID); err != nil {
		return err
	}
	if len(points) == 0 {
		return nil
	}

	items := make([]upsertItem, 0, len(points))
	for _, p := range points {
		if p.Chunk.TenantID != tenantID {
			metrics.TenantScopeViolations.WithLabelValues("vectordb").Inc()
			return faults.TenantScope(op)
		}
		items = append(items, upsertItem{
			ID:     p.Chunk.ID,
			Vector: p.Vector,
			Payload: map[string]interface{}{
				"text":        p.Chunk.Text,
				"document_id": p.Chunk.DocumentID,
				"tenant_id":   p.Chunk.TenantID,
				"filename":    p.Chunk.Metadata.Filename,
				"page_number": p.Chunk.Metadata.Page,
				"ordinal":     p.Chunk.Ordinal,
				"token_count": p.Chunk.TokenCount,
			},
		})
	}

	url := fmt.Sprintf("%s/collections/%s/points?wait=true", c.base, c.cfg.Collection)
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPut, url)
	defer span.End()

	body, _ := json.Marshal(map[string]interface{}{"points": items})
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return faults.New(faults.KindIndexWriteFailure, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.httpw.Do(req)
	if err != nil {
		metrics.VectorIndexOps.WithLabelValues("upsert", "error").Inc()
		return faults.New(faults.KindIndexWriteFailure, op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.VectorIndexOps.WithLabelValues("upsert", "error").Inc()
		return faults.New(faults.KindIndexWriteFailure, op, fmt.Errorf("status %d", resp.StatusCode))
	}
	metrics.VectorIndexOps.WithLabelValues("upsert", "ok").Inc()
	return nil
}

type queryRequest struct {
	Query       []float32              `json:"query"`
	Limit       int                    `json:"limit"`
	WithPayload bool                   `json:"with_payload"`
	Filter      map[string]interface{} `json:"filter"`
}

type scoredPoint struct {
	ID      interface{}            `json:"id"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
}

type searchResponse struct {
	Result []scoredPoint `json:"result"`
}

// queryResponse is the nested shape of the modern /points/query endpoint.
type queryResponse struct {
	Result struct {
		Points []scoredPoint `json:"points"`
	} `json:"result"`
}

// Search runs tenant-scoped ANN and returns hits by cosine similarity
// descending. Prefers the modern /points/query endpoint and falls back
// to /points/search for older Qdrant versions.
func (c *Client) Search(ctx context.Context, tenantID string, vector []float32, k int) ([]SearchResult, error) {
	const op = "vectordb.search"
	if err := guardTenant(op, tenantID); err != nil {
		return nil, err
	}

	urlQuery := fmt.Sprintf("%s/collections/%s/points/query", c.base, c.cfg.Collection)
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, urlQuery)
	defer span.End()

	filter := tenantFilter(tenantID)
	body, _ := json.Marshal(queryRequest{Query: vector, Limit: k, WithPayload: true, Filter: filter})

	call := func(url string, payload []byte) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		tracing.InjectTraceparent(ctx, req)
		return c.httpw.Do(req)
	}

	resp, err := call(urlQuery, body)
	if err != nil {
		metrics.VectorIndexOps.WithLabelValues("search", "error").Inc()
		return nil, faults.Transient(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		legacy, _ := json.Marshal(map[string]interface{}{
			"vector": vector, "limit": k, "with_payload": true, "filter": filter,
		})
		urlSearch := fmt.Sprintf("%s/collections/%s/points/search", c.base, c.cfg.Collection)
		resp2, err2 := call(urlSearch, legacy)
		if err2 != nil {
			metrics.VectorIndexOps.WithLabelValues("search", "error").Inc()
			return nil, faults.Transient(op, err2)
		}
		defer resp2.Body.Close()
		if resp2.StatusCode != http.StatusOK {
			metrics.VectorIndexOps.WithLabelValues("search", "error").Inc()
			return nil, faults.Transient(op, fmt.Errorf("status %d", resp2.StatusCode))
		}
		var sr searchResponse
		if err := json.NewDecoder(resp2.Body).Decode(&sr); err != nil {
			metrics.VectorIndexOps.WithLabelValues("search", "error").Inc()
			return nil, faults.Transient(op, err)
		}
		metrics.VectorIndexOps.WithLabelValues("search", "ok").Inc()
		return c.toResults(tenantID, sr.Result), nil
	}

	var qr queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
		metrics.VectorIndexOps.WithLabelValues("search", "error").Inc()
		return nil, faults.Transient(op, err)
	}
	metrics.VectorIndexOps.WithLabelValues("search", "ok").Inc()
	return c.toResults(tenantID, qr.Result.Points), nil
}

// toResults rebuilds chunks from payloads, dropping any point whose
// payload claims a different tenant. The server filter already scopes
// results; the re-check is the fail-closed side of the contract.
func (c *Client) toResults(tenantID string, points []scoredPoint) []SearchResult {
	out := make([]SearchResult, 0, len(points))
	for _, p := range points {
		payload := p.Payload
		if payload == nil {
			continue
		}
		if s, _ := payload["tenant_id"].(string); s != tenantID {
			metrics.TenantScopeViolations.WithLabelValues("vectordb").Inc()
			c.log.Error("dropping cross-tenant point from search results",
				zap.String("tenant_id", tenantID), zap.Any("point_id", p.ID))
			continue
		}
		chunk := models.Chunk{
			ID:       fmt.Sprintf("%v", p.ID),
			TenantID: tenantID,
		}
		chunk.Text, _ = payload["text"].(string)
		chunk.DocumentID, _ = payload["document_id"].(string)
		chunk.Metadata.Filename, _ = payload["filename"].(string)
		if v, ok := payload["page_number"].(float64); ok {
			chunk.Metadata.Page = int(v)
		}
		if v, ok := payload["ordinal"].(float64); ok {
			chunk.Ordinal = int(v)
			chunk.Metadata.Ordinal = int(v)
		}
		if v, ok := payload["token_count"].(float64); ok {
			chunk.TokenCount = int(v)
		}
		out = append(out, SearchResult{Chunk: chunk, Score: p.Score})
	}
	return out
}

// DeleteByDocument removes every point of one document within the
// tenant's partition.
func (c *Client) DeleteByDocument(ctx context.Context, tenantID, documentID string) error {
	const op = "vectordb.delete"
	if err := guardTenant(op, tenantID); err != nil {
		return err
	}

	url := fmt.Sprintf("%s/collections/%s/points/delete?wait=true", c.base, c.cfg.Collection)
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	filter := tenantFilter(tenantID, map[string]interface{}{
		"key": "document_id", "match": map[string]interface{}{"value": documentID},
	})
	body, _ := json.Marshal(map[string]interface{}{"filter": filter})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return faults.New(faults.KindIndexWriteFailure, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.httpw.Do(req)
	if err != nil {
		metrics.VectorIndexOps.WithLabelValues("delete", "error").Inc()
		return faults.New(faults.KindIndexWriteFailure, op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.VectorIndexOps.WithLabelValues("delete", "error").Inc()
		return faults.New(faults.KindIndexWriteFailure, op, fmt.Errorf("status %d", resp.StatusCode))
	}
	metrics.VectorIndexOps.WithLabelValues("delete", "ok").Inc()
	return nil
}

// Health probes the chunk collection. Reachability alone is not
// enough: a Qdrant that lost the collection cannot serve retrieval.
func (c *Client) Health(ctx context.Context) error {
	url := fmt.Sprintf("%s/collections/%s", c.base, c.cfg.Collection)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpw.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("collection %s status %d", c.cfg.Collection, resp.StatusCode)
	}
	return nil
}

// Count reports the tenant's indexed chunk count (exact).
func (c *Client) Count(ctx context.Context, tenantID string) (int, error) {
	const op = "vectordb.count"
	if err := guardTenant(op, tenantID); err != nil {
		return 0, err
	}

	url := fmt.Sprintf("%s/collections/%s/points/count", c.base, c.cfg.Collection)
	body, _ := json.Marshal(map[string]interface{}{
		"filter": tenantFilter(tenantID),
		"exact":  true,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, faults.Transient(op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectTraceparent(ctx, req)

	resp, err := c.httpw.Do(req)
	if err != nil {
		metrics.VectorIndexOps.WithLabelValues("count", "error").Inc()
		return 0, faults.Transient(op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		metrics.VectorIndexOps.WithLabelValues("count", "error").Inc()
		return 0, faults.Transient(op, fmt.Errorf("status %d", resp.StatusCode))
	}

	var out struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		metrics.VectorIndexOps.WithLabelValues("count", "error").Inc()
		return 0, faults.Transient(op, err)
	}
	metrics.VectorIndexOps.WithLabelValues("count", "ok").Inc()
	return out.Result.Count, nil
}
