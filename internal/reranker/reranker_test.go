package reranker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tessellate-ai/ragcore/internal/faults"
	"github.com/tessellate-ai/ragcore/internal/llm"
	"github.com/tessellate-ai/ragcore/internal/models"
)

// scriptedClient returns a canned JSON payload (or error) per call and
// records the requests it saw.
type scriptedClient struct {
	payload  string
	err      error
	delay    time.Duration
	requests []llm.Request
}

func (c *scriptedClient) Complete(ctx context.Context, req llm.Request) (string, llm.Usage, error) {
	return "", llm.Usage{}, errors.New("not used")
}

func (c *scriptedClient) CompleteJSON(ctx context.Context, req llm.Request, out any) error {
	c.requests = append(c.requests, req)
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return faults.New(faults.KindCancelled, "test", ctx.Err())
		}
	}
	if c.err != nil {
		return c.err
	}
	return json.Unmarshal([]byte(c.payload), out)
}

func (c *scriptedClient) Stream(ctx context.Context, req llm.Request) (<-chan llm.StreamChunk, error) {
	return nil, errors.New("not used")
}

var _ llm.Client = (*scriptedClient)(nil)

func candidates(n int) []Candidate {
	out := make([]Candidate, n)
	for i := range out {
		out[i] = Candidate{
			Chunk: models.Chunk{
				ID:       fmt.Sprintf("chunk-%02d", i),
				TenantID: "tenant-a",
				Text:     fmt.Sprintf("passage number %d", i),
			},
			RRFScore: 1.0 / float64(61+i),
		}
	}
	return out
}

func TestRerankReordersByModelScore(t *testing.T) {
	client := &scriptedClient{
		payload: `{"scores":[{"index":1,"score":2},{"index":2,"score":9},{"index":3,"score":5}]}`,
	}
	r := NewLLMReranker(client, time.Second, zaptest.NewLogger(t))

	got, err := r.Rerank(context.Background(), "which passage", candidates(3))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "chunk-01", got[0].Chunk.ID)
	assert.Equal(t, 9.0, got[0].Score)
	assert.Equal(t, "chunk-02", got[1].Chunk.ID)
	assert.Equal(t, "chunk-00", got[2].Chunk.ID)

	// One batched call carrying every passage, 1-indexed.
	require.Len(t, client.requests, 1)
	prompt := client.requests[0].Messages[1].Content
	assert.Contains(t, prompt, "[1] passage number 0")
	assert.Contains(t, prompt, "[3] passage number 2")
}

func TestRerankTiesKeepFusedOrder(t *testing.T) {
	client := &scriptedClient{
		payload: `{"scores":[{"index":1,"score":7},{"index":2,"score":7},{"index":3,"score":7}]}`,
	}
	r := NewLLMReranker(client, time.Second, zaptest.NewLogger(t))

	got, err := r.Rerank(context.Background(), "q", candidates(3))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "chunk-00", got[0].Chunk.ID)
	assert.Equal(t, "chunk-01", got[1].Chunk.ID)
	assert.Equal(t, "chunk-02", got[2].Chunk.ID)
}

func TestRerankClampsAndSkipsBogusIndices(t *testing.T) {
	client := &scriptedClient{
		payload: `{"scores":[{"index":1,"score":99},{"index":2,"score":-4},{"index":50,"score":8},{"index":0,"score":8}]}`,
	}
	r := NewLLMReranker(client, time.Second, zaptest.NewLogger(t))

	got, err := r.Rerank(context.Background(), "q", candidates(3))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, 10.0, got[0].Score)
	assert.Equal(t, "chunk-00", got[0].Chunk.ID)
	assert.Equal(t, 0.0, got[1].Score)
	assert.Equal(t, "chunk-01", got[1].Chunk.ID)
	// Unscored candidates sort last.
	assert.Equal(t, "chunk-02", got[2].Chunk.ID)
	assert.Equal(t, float64(unscored), got[2].Score)
}

func TestRerankFallsBackOnCallError(t *testing.T) {
	client := &scriptedClient{err: faults.Transient("llm", errors.New("boom"))}
	r := NewLLMReranker(client, time.Second, zaptest.NewLogger(t))

	got, err := r.Rerank(context.Background(), "q", candidates(4))
	require.NoError(t, err, "a failed rerank must not fail the retrieval")
	require.Len(t, got, 4)
	for i, s := range got {
		assert.Equal(t, fmt.Sprintf("chunk-%02d", i), s.Chunk.ID, "fused order preserved")
		assert.Equal(t, float64(unscored), s.Score)
	}
}

func TestRerankFallsBackOnEmptyScoreSet(t *testing.T) {
	client := &scriptedClient{payload: `{"scores":[]}`}
	r := NewLLMReranker(client, time.Second, zaptest.NewLogger(t))

	got, err := r.Rerank(context.Background(), "q", candidates(2))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "chunk-00", got[0].Chunk.ID)
	assert.Equal(t, "chunk-01", got[1].Chunk.ID)
}

func TestRerankFallsBackOnTimeout(t *testing.T) {
	client := &scriptedClient{
		payload: `{"scores":[{"index":1,"score":9}]}`,
		delay:   200 * time.Millisecond,
	}
	r := NewLLMReranker(client, 20*time.Millisecond, zaptest.NewLogger(t))

	got, err := r.Rerank(context.Background(), "q", candidates(2))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, float64(unscored), got[0].Score)
}

func TestRerankPropagatesParentCancellation(t *testing.T) {
	client := &scriptedClient{
		payload: `{"scores":[{"index":1,"score":9}]}`,
		delay:   time.Second,
	}
	r := NewLLMReranker(client, 5*time.Second, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := r.Rerank(ctx, "q", candidates(2))
	require.Error(t, err)
	assert.Equal(t, faults.KindCancelled, faults.KindOf(err))
}

func TestRerankEmptyInput(t *testing.T) {
	r := NewLLMReranker(&scriptedClient{}, time.Second, zaptest.NewLogger(t))
	got, err := r.Rerank(context.Background(), "q", nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}
