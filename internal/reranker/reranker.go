package reranker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tessellate-ai/ragcore/internal/faults"
	"github.com/tessellate-ai/ragcore/internal/llm"
	"github.com/tessellate-ai/ragcore/internal/metrics"
	"github.com/tessellate-ai/ragcore/internal/models"
)

// snippetLimit caps how much of each chunk the scoring prompt carries.
const snippetLimit = 500

// unscored marks candidates the model left out; they sort after every
// scored candidate, keeping their fused order among themselves.
const unscored = -1

// Candidate is a fused retrieval result awaiting model scoring. Slices
// passed to Rerank must already be in fused-score order.
type Candidate struct {
	Chunk    models.Chunk
	RRFScore float64
}

// Scored is a candidate after re-ranking. Score is the model's [0,10]
// relevance judgment, or the unscored sentinel.
type Scored struct {
	Candidate
	Score float64
}

// Reranker reorders fused candidates by model-judged relevance.
type Reranker interface {
	// Rerank returns the candidates scored and reordered. When the
	// scoring call fails or returns garbage it falls back to the input
	// order rather than failing the retrieval; only cancellation
	// propagates as an error.
	Rerank(ctx context.Context, query string, candidates []Candidate) ([]Scored, error)
}

// LLMReranker scores all candidates in one batched JSON-mode chat call.
type LLMReranker struct {
	client  llm.Client
	timeout time.Duration
	logger  *zap.Logger
}

func NewLLMReranker(client llm.Client, timeout time.Duration, logger *zap.Logger) *LLMReranker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMReranker{client: client, timeout: timeout, logger: logger}
}

var _ Reranker = (*LLMReranker)(nil)

type scoreEntry struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

type scoreResponse struct {
	Scores []scoreEntry `json:"scores"`
}

func (r *LLMReranker) Rerank(ctx context.Context, query string, candidates []Candidate) ([]Scored, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var resp scoreResponse
	req := llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: scoringSystemPrompt},
			{Role: "user", Content: buildScoringPrompt(query, candidates)},
		},
		Temperature: 0,
		MaxTokens:   1024,
	}
	if err := r.client.CompleteJSON(ctx, req, &resp); err != nil {
		// The caller going away is not a fallback case.
		if parent.Err() != nil {
			return nil, faults.New(faults.KindCancelled, "rerank", parent.Err())
		}
		reason := "error"
		if ctx.Err() != nil {
			reason = "timeout"
		}
		metrics.RerankFallbacks.WithLabelValues(reason).Inc()
		r.logger.Warn("rerank call failed, keeping fused order", zap.Error(err))
		return fallback(candidates), nil
	}

	scores := make([]float64, len(candidates))
	for i := range scores {
		scores[i] = unscored
	}
	matched := 0
	for _, s := range resp.Scores {
		// Indices are 1-based to match the prompt's passage labels.
		i := s.Index - 1
		if i < 0 || i >= len(candidates) {
			continue
		}
		score := s.Score
		if score < 0 {
			score = 0
		}
		if score > 10 {
			score = 10
		}
		if scores[i] == unscored {
			matched++
		}
		scores[i] = score
	}
	if matched == 0 {
		metrics.RerankFallbacks.WithLabelValues("no_scores").Inc()
		r.logger.Warn("rerank response matched no candidates, keeping fused order",
			zap.Int("candidates", len(candidates)))
		return fallback(candidates), nil
	}

	out := make([]Scored, len(candidates))
	for i, c := range candidates {
		out[i] = Scored{Candidate: c, Score: scores[i]}
	}
	// Stable sort: equal scores keep their fused order.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

// fallback carries the input order through unchanged.
func fallback(candidates []Candidate) []Scored {
	out := make([]Scored, len(candidates))
	for i, c := range candidates {
		out[i] = Scored{Candidate: c, Score: unscored}
	}
	return out
}

const scoringSystemPrompt = `You are a relevance scoring system. Given a query and numbered passages, score how well each passage answers the query on an integer scale from 0 (irrelevant) to 10 (directly answers it).

Respond with ONLY this JSON shape, one entry per passage:
{"scores": [{"index": 1, "score": 7}, {"index": 2, "score": 3}]}`

func buildScoringPrompt(query string, candidates []Candidate) string {
	var sb strings.Builder
	sb.WriteString("Query: ")
	sb.WriteString(query)
	sb.WriteString("\n\nPassages:\n")
	for i, c := range candidates {
		text := c.Chunk.Text
		if len(text) > snippetLimit {
			text = text[:snippetLimit] + "..."
		}
		fmt.Fprintf(&sb, "[%d] %s\n\n", i+1, text)
	}
	sb.WriteString("Score every passage.")
	return sb.String()
}
