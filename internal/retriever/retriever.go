// Package retriever fuses vector and lexical search over a tenant's
// chunks and re-ranks the result.
package retriever

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tessellate-ai/ragcore/internal/config"
	"github.com/tessellate-ai/ragcore/internal/faults"
	"github.com/tessellate-ai/ragcore/internal/lexical"
	"github.com/tessellate-ai/ragcore/internal/llm"
	"github.com/tessellate-ai/ragcore/internal/metrics"
	"github.com/tessellate-ai/ragcore/internal/models"
	"github.com/tessellate-ai/ragcore/internal/reranker"
	"github.com/tessellate-ai/ragcore/internal/vectordb"
)

// QueryEmbedder is the slice of the embedding service the retriever
// needs: one query, one vector.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// VectorSearcher is the ANN side of the hybrid pipeline.
type VectorSearcher interface {
	Search(ctx context.Context, tenantID string, vector []float32, k int) ([]vectordb.SearchResult, error)
}

// Retriever runs the hybrid pipeline: embed, search both indices in
// parallel, fuse with reciprocal rank fusion, then LLM re-rank. A
// single failed branch degrades to the other; the pipeline errors only
// when both branches fail.
type Retriever struct {
	embedder QueryEmbedder
	vectors  VectorSearcher
	lexical  lexical.Searcher
	reranker reranker.Reranker
	llm      llm.Client
	cfg      config.RetrievalConfig
	logger   *zap.Logger
}

// New creates a hybrid retriever. reranker may be nil to disable the
// re-rank stage.
func New(
	embedder QueryEmbedder,
	vectors VectorSearcher,
	lex lexical.Searcher,
	rr reranker.Reranker,
	client llm.Client,
	cfg config.RetrievalConfig,
	logger *zap.Logger,
) *Retriever {
	if cfg.TopK <= 0 {
		cfg.TopK = 20
	}
	if cfg.RerankTopK <= 0 {
		cfg.RerankTopK = 10
	}
	if cfg.FinalTopK <= 0 {
		cfg.FinalTopK = 5
	}
	if cfg.RRFK <= 0 {
		cfg.RRFK = 60
	}
	return &Retriever{
		embedder: embedder,
		vectors:  vectors,
		lexical:  lex,
		reranker: rr,
		llm:      client,
		cfg:      cfg,
		logger:   logger,
	}
}

// candidate carries a chunk through fusion with its strongest raw
// branch score (cosine when the vector branch saw it, BM25 otherwise).
type candidate struct {
	chunk     models.Chunk
	fused     float64
	raw       float64
	hasVector bool
}

// Retrieve runs the full pipeline for one query and returns at most
// FinalTopK chunks, strongest first. An empty result is not an error;
// the orchestrator owns the retry policy.
func (r *Retriever) Retrieve(ctx context.Context, tenantID, query string) ([]models.RetrievedChunk, error) {
	fused, err := r.fusedSearch(ctx, tenantID, query)
	if err != nil {
		metrics.RetrievalRequests.WithLabelValues("error").Inc()
		return nil, err
	}
	if len(fused) == 0 {
		metrics.RetrievalRequests.WithLabelValues("empty").Inc()
		return nil, nil
	}
	out, err := r.finish(ctx, query, fused)
	if err != nil {
		metrics.RetrievalRequests.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.RetrievalRequests.WithLabelValues("hit").Inc()
	return out, nil
}

// RetrieveUnion runs fusion for each query, merges the candidate sets
// keeping the maximum fused score per chunk, and re-ranks the merged
// list once. Used by the retry-with-expansion path.
func (r *Retriever) RetrieveUnion(ctx context.Context, tenantID string, queries []string) ([]models.RetrievedChunk, error) {
	merged := make(map[string]candidate)
	for _, q := range queries {
		fused, err := r.fusedSearch(ctx, tenantID, q)
		if err != nil {
			if faults.IsCancelled(err) {
				return nil, err
			}
			r.logger.Warn("Union branch failed, continuing",
				zap.String("query", q), zap.Error(err))
			continue
		}
		for _, c := range fused {
			if prev, ok := merged[c.chunk.ID]; !ok || c.fused > prev.fused {
				merged[c.chunk.ID] = c
			}
		}
	}
	if len(merged) == 0 {
		metrics.RetrievalRequests.WithLabelValues("empty").Inc()
		return nil, nil
	}

	fused := make([]candidate, 0, len(merged))
	for _, c := range merged {
		fused = append(fused, c)
	}
	sortByFused(fused)
	if len(fused) > r.cfg.RerankTopK {
		fused = fused[:r.cfg.RerankTopK]
	}

	out, err := r.finish(ctx, strings.Join(queries, " | "), fused)
	if err != nil {
		metrics.RetrievalRequests.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.RetrievalRequests.WithLabelValues("hit").Inc()
	return out, nil
}

// expansionResponse is the JSON schema for query expansion.
type expansionResponse struct {
	ExpandedQueries []string `json:"expanded_queries"`
	Reasoning       string   `json:"reasoning"`
}

const expandSystemPrompt = `You expand search queries for a document retrieval system. Produce 2 to 3 alternative phrasings of the query: use synonyms and domain wording that an author might have used instead (for example "warranty" might appear in documents as "guarantee"). Keep each paraphrase short and self-contained.

Respond with JSON: {"expanded_queries": ["...", "..."], "reasoning": "..."}`

// Expand asks the chat model for 2-3 paraphrases of the query. The
// original query is always the first element of the result.
func (r *Retriever) Expand(ctx context.Context, query string) ([]string, error) {
	var resp expansionResponse
	err := r.llm.CompleteJSON(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: expandSystemPrompt},
			{Role: "user", Content: query},
		},
		Temperature: 0.4,
	}, &resp)
	if err != nil {
		metrics.QueryExpansions.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("expand query: %w", err)
	}

	out := []string{query}
	seen := map[string]bool{strings.ToLower(strings.TrimSpace(query)): true}
	for _, q := range resp.ExpandedQueries {
		q = strings.TrimSpace(q)
		key := strings.ToLower(q)
		if q == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, q)
		if len(out) == 4 {
			break
		}
	}
	if len(out) == 1 {
		metrics.QueryExpansions.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("expand query: model produced no paraphrases")
	}
	metrics.QueryExpansions.WithLabelValues("ok").Inc()
	r.logger.Debug("Expanded query",
		zap.String("query", query),
		zap.Strings("paraphrases", out[1:]),
	)
	return out, nil
}

// fusedSearch runs both branches in parallel and fuses them, returning
// at most RerankTopK candidates ordered by fused score.
func (r *Retriever) fusedSearch(ctx context.Context, tenantID, query string) ([]candidate, error) {
	if strings.TrimSpace(tenantID) == "" {
		metrics.TenantScopeViolations.WithLabelValues("retriever").Inc()
		return nil, faults.TenantScope("retriever.search")
	}

	var (
		vectorHits []vectordb.SearchResult
		lexHits    []lexical.Result
		vectorErr  error
		lexErr     error
	)

	// Plain group: a failed branch must not cancel its sibling, so
	// branch errors are captured instead of returned.
	var g errgroup.Group
	g.Go(func() error {
		start := time.Now()
		defer func() {
			metrics.RetrievalBranchDuration.WithLabelValues("vector").Observe(time.Since(start).Seconds())
		}()
		vec, err := r.embedder.EmbedQuery(ctx, query)
		if err != nil {
			vectorErr = fmt.Errorf("embed query: %w", err)
			return nil
		}
		hits, err := r.vectors.Search(ctx, tenantID, vec, r.cfg.TopK)
		if err != nil {
			vectorErr = fmt.Errorf("vector search: %w", err)
			return nil
		}
		vectorHits = hits
		return nil
	})
	g.Go(func() error {
		start := time.Now()
		defer func() {
			metrics.RetrievalBranchDuration.WithLabelValues("lexical").Observe(time.Since(start).Seconds())
		}()
		hits, err := r.lexical.Search(ctx, tenantID, query, r.cfg.TopK)
		if err != nil {
			lexErr = fmt.Errorf("lexical search: %w", err)
			return nil
		}
		lexHits = hits
		return nil
	})
	_ = g.Wait()

	if vectorErr != nil && lexErr != nil {
		return nil, fmt.Errorf("retrieval failed on both branches: %w", errors.Join(vectorErr, lexErr))
	}
	if faults.IsCancelled(vectorErr) {
		return nil, vectorErr
	}
	if faults.IsCancelled(lexErr) {
		return nil, lexErr
	}
	if vectorErr != nil {
		r.logger.Warn("Vector branch failed, serving lexical only",
			zap.String("tenant_id", tenantID), zap.Error(vectorErr))
	}
	if lexErr != nil {
		r.logger.Warn("Lexical branch failed, serving vector only",
			zap.String("tenant_id", tenantID), zap.Error(lexErr))
	}

	fused := r.fuse(vectorHits, lexHits)
	if len(fused) > r.cfg.RerankTopK {
		fused = fused[:r.cfg.RerankTopK]
	}
	return fused, nil
}

// fuse applies reciprocal rank fusion: each appearance at 1-indexed
// rank r contributes 1/(K+r), contributions sum per chunk.
func (r *Retriever) fuse(vectorHits []vectordb.SearchResult, lexHits []lexical.Result) []candidate {
	k := float64(r.cfg.RRFK)
	byID := make(map[string]*candidate, len(vectorHits)+len(lexHits))

	for i, hit := range vectorHits {
		byID[hit.Chunk.ID] = &candidate{
			chunk:     hit.Chunk,
			fused:     1.0 / (k + float64(i+1)),
			raw:       hit.Score,
			hasVector: true,
		}
	}
	for i, hit := range lexHits {
		if c, ok := byID[hit.Chunk.ID]; ok {
			c.fused += 1.0 / (k + float64(i+1))
			continue
		}
		byID[hit.Chunk.ID] = &candidate{
			chunk: hit.Chunk,
			fused: 1.0 / (k + float64(i+1)),
			raw:   hit.Score,
		}
	}

	out := make([]candidate, 0, len(byID))
	for _, c := range byID {
		out = append(out, *c)
	}
	sortByFused(out)
	return out
}

func sortByFused(cands []candidate) {
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].fused != cands[j].fused {
			return cands[i].fused > cands[j].fused
		}
		return cands[i].chunk.ID < cands[j].chunk.ID
	})
}

// finish re-ranks the fused candidates and cuts to FinalTopK.
func (r *Retriever) finish(ctx context.Context, query string, fused []candidate) ([]models.RetrievedChunk, error) {
	rawByID := make(map[string]float64, len(fused))
	for _, c := range fused {
		rawByID[c.chunk.ID] = c.raw
	}

	ordered := make([]models.RetrievedChunk, 0, len(fused))
	if r.reranker != nil {
		in := make([]reranker.Candidate, len(fused))
		for i, c := range fused {
			in[i] = reranker.Candidate{Chunk: c.chunk, RRFScore: c.fused}
		}
		scored, err := r.reranker.Rerank(ctx, query, in)
		if err != nil {
			return nil, err
		}
		for _, s := range scored {
			ordered = append(ordered, models.RetrievedChunk{
				Chunk:       s.Chunk,
				Score:       rawByID[s.Chunk.ID],
				FusedScore:  s.RRFScore,
				RerankScore: s.Score,
			})
		}
	} else {
		for _, c := range fused {
			ordered = append(ordered, models.RetrievedChunk{
				Chunk:       c.chunk,
				Score:       c.raw,
				FusedScore:  c.fused,
				RerankScore: -1,
			})
		}
	}

	if len(ordered) > r.cfg.FinalTopK {
		ordered = ordered[:r.cfg.FinalTopK]
	}
	return ordered, nil
}
