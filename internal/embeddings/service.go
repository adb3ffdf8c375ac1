// Package embeddings turns text into vectors through an OpenAI-style
// embeddings endpoint, with an in-process LRU in front of an optional
// Redis vector cache.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tessellate-ai/ragcore/internal/chunker"
	"github.com/tessellate-ai/ragcore/internal/circuitbreaker"
	"github.com/tessellate-ai/ragcore/internal/config"
	"github.com/tessellate-ai/ragcore/internal/faults"
	"github.com/tessellate-ai/ragcore/internal/metrics"
	"github.com/tessellate-ai/ragcore/internal/tracing"
)

const (
	retryInitialBackoff = time.Second
	retryMaxBackoff     = 30 * time.Second
	retryMaxAttempts    = 5
)

// Embedder is the vector-generation surface consumed by the ingestion
// worker and the retriever. Implementations are stateless and safe for
// concurrent use.
type Embedder interface {
	// Embed returns one vector per input, order preserved. The int
	// reports how many inputs were truncated to the model token limit.
	Embed(ctx context.Context, texts []string) ([][]float32, int, error)

	// EmbedQuery embeds a single query string, cache-first.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// Dimension is the configured vector width.
	Dimension() int
}

// Service implements Embedder against an OpenAI-compatible
// /v1/embeddings endpoint.
type Service struct {
	cfg     config.EmbeddingsConfig
	http    *circuitbreaker.HTTPWrapper
	cache   Cache
	lru     *LocalLRU
	logger  *zap.Logger
	backoff time.Duration
}

var _ Embedder = (*Service)(nil)

// NewService builds the embedding service. cache may be nil when the
// Redis layer is disabled.
func NewService(cfg config.EmbeddingsConfig, cache Cache, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 128
	}
	if cfg.MaxItemTokens <= 0 {
		cfg.MaxItemTokens = 8192
	}
	if cfg.RedisCacheTTL == 0 {
		cfg.RedisCacheTTL = 24 * time.Hour
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	return &Service{
		cfg:     cfg,
		http:    circuitbreaker.NewHTTPWrapper(&http.Client{Timeout: cfg.Timeout}, "embeddings", "embeddings", logger),
		cache:   cache,
		lru:     NewLocalLRU(cfg.CacheSize),
		logger:  logger,
		backoff: retryInitialBackoff,
	}
}

// Dimension returns the configured vector width.
func (s *Service) Dimension() int { return s.cfg.Dimension }

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedData struct {
	Embedding []float64 `json:"embedding"`
	Index     int       `json:"index"`
}

type embedResponse struct {
	Data  []embedData `json:"data"`
	Error *apiError   `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
}

// Embed embeds texts, splitting into upstream batches transparently.
// Oversize items are pre-truncated to the model token limit; the count
// of truncated items is returned so callers can record it.
func (s *Service) Embed(ctx context.Context, texts []string) ([][]float32, int, error) {
	if len(texts) == 0 {
		return [][]float32{}, 0, nil
	}

	truncated := 0
	prepared := make([]string, len(texts))
	for i, text := range texts {
		cut, wasCut := chunker.Truncate(text, s.cfg.MaxItemTokens)
		prepared[i] = cut
		if wasCut {
			truncated++
			metrics.EmbeddingTruncations.Inc()
			s.logger.Warn("input truncated to embedding token limit",
				zap.Int("index", i),
				zap.Int("max_tokens", s.cfg.MaxItemTokens))
		}
	}

	results := make([][]float32, len(prepared))
	var uncachedTexts []string
	var uncachedIndices []int
	for i, text := range prepared {
		if v, ok := s.cacheGet(ctx, text); ok {
			results[i] = v
			continue
		}
		uncachedTexts = append(uncachedTexts, text)
		uncachedIndices = append(uncachedIndices, i)
	}
	if len(uncachedTexts) == 0 {
		return results, truncated, nil
	}

	for start := 0; start < len(uncachedTexts); start += s.cfg.MaxBatch {
		end := start + s.cfg.MaxBatch
		if end > len(uncachedTexts) {
			end = len(uncachedTexts)
		}
		batch := uncachedTexts[start:end]

		vectors, err := s.embedBatch(ctx, batch)
		if err != nil {
			return nil, truncated, err
		}
		for j, vec := range vectors {
			idx := uncachedIndices[start+j]
			results[idx] = vec
			s.cacheSet(ctx, batch[j], vec)
		}
	}
	return results, truncated, nil
}

// EmbedQuery embeds one query string through the same cache layers.
func (s *Service) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	cut, _ := chunker.Truncate(text, s.cfg.MaxItemTokens)
	if v, ok := s.cacheGet(ctx, cut); ok {
		return v, nil
	}
	vectors, err := s.embedBatch(ctx, []string{cut})
	if err != nil {
		return nil, err
	}
	s.cacheSet(ctx, cut, vectors[0])
	return vectors[0], nil
}

func (s *Service) cacheGet(ctx context.Context, text string) ([]float32, bool) {
	key := MakeKey(s.cfg.Model, text)
	if v, ok := s.lru.Get(ctx, key); ok {
		metrics.EmbeddingCacheHits.WithLabelValues("lru").Inc()
		return v, true
	}
	if s.cache != nil {
		if v, ok := s.cache.Get(ctx, key); ok {
			s.lru.Set(ctx, key, v, 30*time.Minute)
			metrics.EmbeddingCacheHits.WithLabelValues("redis").Inc()
			return v, true
		}
	}
	return nil, false
}

func (s *Service) cacheSet(ctx context.Context, text string, v []float32) {
	key := MakeKey(s.cfg.Model, text)
	s.lru.Set(ctx, key, v, 30*time.Minute)
	if s.cache != nil {
		s.cache.Set(ctx, key, v, s.cfg.RedisCacheTTL)
	}
}

// embedBatch posts one batch upstream, retrying transient failures with
// exponential backoff. Permanent failures return immediately.
func (s *Service) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	backoff := s.backoff
	var lastErr error
	for attempt := 1; attempt <= retryMaxAttempts; attempt++ {
		vectors, err := s.post(ctx, batch)
		if err == nil {
			metrics.EmbeddingBatches.WithLabelValues("ok").Inc()
			return vectors, nil
		}
		lastErr = err
		if !faults.IsTransient(err) {
			metrics.EmbeddingBatches.WithLabelValues("failed").Inc()
			return nil, err
		}
		if attempt == retryMaxAttempts {
			break
		}
		metrics.EmbeddingRetries.Inc()
		s.logger.Warn("embedding batch failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, faults.New(faults.KindCancelled, "embeddings.embed", ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > retryMaxBackoff {
			backoff = retryMaxBackoff
		}
	}
	metrics.EmbeddingBatches.WithLabelValues("exhausted").Inc()
	return nil, lastErr
}

func (s *Service) post(ctx context.Context, batch []string) ([][]float32, error) {
	const op = "embeddings.embed"

	url := s.cfg.BaseURL + "/v1/embeddings"
	ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
	defer span.End()

	body, err := json.Marshal(embedRequest{Model: s.cfg.Model, Input: batch})
	if err != nil {
		return nil, faults.New(faults.KindEmbedFailure, op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, faults.New(faults.KindEmbedFailure, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}
	tracing.InjectTraceparent(ctx, req)

	resp, err := s.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, faults.New(faults.KindCancelled, op, err)
		}
		return nil, faults.Transient(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		detail := strings.TrimSpace(string(payload))
		var envelope embedResponse
		if json.Unmarshal(payload, &envelope) == nil && envelope.Error != nil && envelope.Error.Message != "" {
			detail = envelope.Error.Message
		}
		kind := faults.ClassifyStatus(resp.StatusCode)
		if kind == faults.KindPermanentUpstream {
			kind = faults.KindEmbedFailure
		}
		return nil, faults.New(kind, op, fmt.Errorf("status %d: %s", resp.StatusCode, detail))
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, faults.New(faults.KindEmbedFailure, op, fmt.Errorf("decoding response: %w", err))
	}
	if len(out.Data) != len(batch) {
		return nil, faults.New(faults.KindEmbedFailure, op,
			fmt.Errorf("returned %d embeddings for %d inputs", len(out.Data), len(batch)))
	}

	vectors := make([][]float32, len(batch))
	for i, d := range out.Data {
		idx := d.Index
		if idx < 0 || idx >= len(vectors) {
			idx = i
		}
		vec := make([]float32, len(d.Embedding))
		for j, f := range d.Embedding {
			vec[j] = float32(f)
		}
		vectors[idx] = vec
	}
	return vectors, nil
}
