package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Chat turn metrics
	TurnsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragcore_turns_started_total",
			Help: "Total number of chat turns accepted",
		},
		[]string{"tenant_id"},
	)

	TurnsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragcore_turns_completed_total",
			Help: "Total number of chat turns finished, by terminal state",
		},
		[]string{"tenant_id", "status"},
	)

	TurnDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ragcore_turn_duration_seconds",
			Help:    "End-to-end chat turn duration in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"tenant_id"},
	)

	TurnStageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ragcore_turn_stage_duration_seconds",
			Help:    "Per-stage duration within a chat turn",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	PlannerDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragcore_planner_decisions_total",
			Help: "Planner decisions by variant, including parse fallbacks",
		},
		[]string{"variant"},
	)

	// Retrieval metrics
	RetrievalRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragcore_retrieval_requests_total",
			Help: "Hybrid retrievals by outcome (hit, empty, error)",
		},
		[]string{"outcome"},
	)

	RetrievalBranchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ragcore_retrieval_branch_duration_seconds",
			Help:    "Duration of the vector and lexical retrieval branches",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"branch"},
	)

	RerankFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragcore_rerank_fallbacks_total",
			Help: "Re-rank attempts that fell back to RRF ordering",
		},
		[]string{"reason"},
	)

	QueryExpansions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragcore_query_expansions_total",
			Help: "Retry-with-expansion attempts by outcome",
		},
		[]string{"outcome"},
	)

	// Embedding metrics
	EmbeddingBatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragcore_embedding_batches_total",
			Help: "Upstream embedding batches by outcome",
		},
		[]string{"outcome"},
	)

	EmbeddingRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ragcore_embedding_retries_total",
			Help: "Embedding batch retries after transient failures",
		},
	)

	EmbeddingCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragcore_embedding_cache_hits_total",
			Help: "Embedding cache hits by layer (lru, redis)",
		},
		[]string{"layer"},
	)

	EmbeddingTruncations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ragcore_embedding_truncations_total",
			Help: "Inputs truncated to the embedding model token limit",
		},
	)

	// Index metrics
	VectorIndexOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragcore_vector_index_ops_total",
			Help: "Vector index operations by kind and outcome",
		},
		[]string{"op", "outcome"},
	)

	LexicalIndexOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragcore_lexical_index_ops_total",
			Help: "Lexical index operations by kind and outcome",
		},
		[]string{"op", "outcome"},
	)

	LexicalIndexChunks = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ragcore_lexical_index_chunks",
			Help: "Chunks currently held in a tenant's lexical index",
		},
		[]string{"tenant_id"},
	)

	TenantScopeViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragcore_tenant_scope_violations_total",
			Help: "Data-plane calls rejected for a missing tenant scope",
		},
		[]string{"component"},
	)

	// Memory metrics
	MemoryCompressions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragcore_memory_compressions_total",
			Help: "Conversation memory compressions by outcome",
		},
		[]string{"outcome"},
	)

	// Ingestion metrics
	JobsEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ragcore_jobs_enqueued_total",
			Help: "Ingestion jobs enqueued",
		},
	)

	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragcore_jobs_processed_total",
			Help: "Ingestion jobs finished, by terminal status",
		},
		[]string{"status"},
	)

	JobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ragcore_job_duration_seconds",
			Help:    "Ingestion job duration in seconds",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
		},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ragcore_ingest_queue_depth",
			Help: "Jobs waiting in the ingestion queue",
		},
	)

	ChunksIndexed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragcore_chunks_indexed_total",
			Help: "Chunks written to both indices, by tenant",
		},
		[]string{"tenant_id"},
	)

	// Streaming metrics
	StreamEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ragcore_stream_events_dropped_total",
			Help: "Turn events dropped because a subscriber was slow",
		},
	)

	ActiveStreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ragcore_stream_subscribers",
			Help: "Active turn-event subscribers",
		},
	)
)
