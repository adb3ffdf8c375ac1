package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tessellate-ai/ragcore/internal/config"
	"github.com/tessellate-ai/ragcore/internal/faults"
)

// embedHandler returns a vector per input whose first component encodes
// the input's length, making result ordering checkable.
func embedHandler(calls *atomic.Int32, batchSizes *[]int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if batchSizes != nil {
			*batchSizes = append(*batchSizes, len(req.Input))
		}
		data := make([]embedData, len(req.Input))
		for i, text := range req.Input {
			data[i] = embedData{Index: i, Embedding: []float64{float64(len(text)), 1.0}}
		}
		json.NewEncoder(w).Encode(map[string]any{"data": data})
	}
}

func newTestService(t *testing.T, handler http.Handler, cfg config.EmbeddingsConfig, cache Cache) *Service {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg.BaseURL = srv.URL
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	svc := NewService(cfg, cache, zaptest.NewLogger(t))
	svc.backoff = time.Millisecond
	return svc
}

func TestEmbedEmptyInput(t *testing.T) {
	var calls atomic.Int32
	svc := newTestService(t, embedHandler(&calls, nil), config.EmbeddingsConfig{}, nil)

	vectors, truncated, err := svc.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vectors)
	assert.Zero(t, truncated)
	assert.Zero(t, calls.Load())
}

func TestEmbedSplitsBatches(t *testing.T) {
	var calls atomic.Int32
	var batchSizes []int
	svc := newTestService(t, embedHandler(&calls, &batchSizes), config.EmbeddingsConfig{MaxBatch: 128}, nil)

	texts := make([]string, 300)
	for i := range texts {
		texts[i] = strings.Repeat("a", i%7+1)
	}
	vectors, truncated, err := svc.Embed(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vectors, 300)
	assert.Zero(t, truncated)
	assert.Equal(t, []int{128, 128, 44}, batchSizes)

	// Order must be preserved across the split.
	for i, v := range vectors {
		require.Len(t, v, 2)
		assert.Equal(t, float32(len(texts[i])), v[0])
	}
}

func TestEmbedTruncatesOversizeItems(t *testing.T) {
	var seen []string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		seen = req.Input
		data := make([]embedData, len(req.Input))
		for i := range req.Input {
			data[i] = embedData{Index: i, Embedding: []float64{1}}
		}
		json.NewEncoder(w).Encode(map[string]any{"data": data})
	})
	svc := newTestService(t, handler, config.EmbeddingsConfig{MaxItemTokens: 5}, nil)

	_, truncated, err := svc.Embed(context.Background(), []string{
		"short one",
		"one two three four five six seven eight",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, truncated)
	require.Len(t, seen, 2)
	assert.Equal(t, "one two three four five", seen[1])
}

func TestEmbedRetriesTransientThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		data := make([]embedData, len(req.Input))
		for i := range req.Input {
			data[i] = embedData{Index: i, Embedding: []float64{1}}
		}
		json.NewEncoder(w).Encode(map[string]any{"data": data})
	})
	svc := newTestService(t, handler, config.EmbeddingsConfig{}, nil)

	vectors, _, err := svc.Embed(context.Background(), []string{"hello"})
	require.NoError(t, err)
	require.Len(t, vectors, 1)
	assert.Equal(t, int32(3), calls.Load())
}

func TestEmbedPermanentFailureNotRetried(t *testing.T) {
	var calls atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"input invalid"}}`))
	})
	svc := newTestService(t, handler, config.EmbeddingsConfig{}, nil)

	_, _, err := svc.Embed(context.Background(), []string{"hello"})
	require.Error(t, err)
	assert.Equal(t, faults.KindEmbedFailure, faults.KindOf(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestEmbedQueryUsesLRU(t *testing.T) {
	var calls atomic.Int32
	svc := newTestService(t, embedHandler(&calls, nil), config.EmbeddingsConfig{}, nil)

	first, err := svc.EmbedQuery(context.Background(), "what is the leave policy")
	require.NoError(t, err)
	second, err := svc.EmbedQuery(context.Background(), "what is the leave policy")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), calls.Load())
}

func TestEmbedRedisCacheSurvivesProcessRestart(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := NewRedisCache(client, nil)

	var calls atomic.Int32
	srv := httptest.NewServer(embedHandler(&calls, nil))
	t.Cleanup(srv.Close)

	cfg := config.EmbeddingsConfig{BaseURL: srv.URL, Timeout: 5 * time.Second}

	svc1 := NewService(cfg, cache, zaptest.NewLogger(t))
	svc1.backoff = time.Millisecond
	v1, err := svc1.EmbedQuery(context.Background(), "persistent question")
	require.NoError(t, err)

	// A fresh service has an empty LRU; the vector must come from Redis.
	svc2 := NewService(cfg, cache, zaptest.NewLogger(t))
	svc2.backoff = time.Millisecond
	v2, err := svc2.EmbedQuery(context.Background(), "persistent question")
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Equal(t, int32(1), calls.Load())
}
