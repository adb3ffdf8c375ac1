// Package config loads and validates the service configuration. Values come
// from a YAML file (CONFIG_PATH) with RAGCORE_-prefixed environment
// overrides; every knob has a default so an empty file is a valid config.
package config

import (
	"fmt"
	"time"
)

// Config is the top-level configuration for both binaries.
type Config struct {
	Service    ServiceConfig    `json:"service" yaml:"service" mapstructure:"service"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging" mapstructure:"logging"`
	Tracing    TracingConfig    `json:"tracing" yaml:"tracing" mapstructure:"tracing"`
	Chunking   ChunkingConfig   `json:"chunking" yaml:"chunking" mapstructure:"chunking"`
	Embeddings EmbeddingsConfig `json:"embeddings" yaml:"embeddings" mapstructure:"embeddings"`
	Chat       ChatModelConfig  `json:"chat" yaml:"chat" mapstructure:"chat"`
	Retrieval  RetrievalConfig  `json:"retrieval" yaml:"retrieval" mapstructure:"retrieval"`
	Memory     MemoryConfig     `json:"memory" yaml:"memory" mapstructure:"memory"`
	Qdrant     QdrantConfig     `json:"qdrant" yaml:"qdrant" mapstructure:"qdrant"`
	Redis      RedisConfig      `json:"redis" yaml:"redis" mapstructure:"redis"`
	Database   DatabaseConfig   `json:"database" yaml:"database" mapstructure:"database"`
	Storage    StorageConfig    `json:"storage" yaml:"storage" mapstructure:"storage"`
	Ingest     IngestConfig     `json:"ingest" yaml:"ingest" mapstructure:"ingest"`
	Tenants    TenantsConfig    `json:"tenants" yaml:"tenants" mapstructure:"tenants"`
}

// ServiceConfig contains process-level settings.
type ServiceConfig struct {
	// OpsAddr serves /metrics and /healthz.
	OpsAddr         string        `json:"ops_addr" yaml:"ops_addr" mapstructure:"ops_addr"`
	TurnDeadline    time.Duration `json:"turn_deadline" yaml:"turn_deadline" mapstructure:"turn_deadline"`
	PersistGrace    time.Duration `json:"persist_grace" yaml:"persist_grace" mapstructure:"persist_grace"`
	GracefulTimeout time.Duration `json:"graceful_timeout" yaml:"graceful_timeout" mapstructure:"graceful_timeout"`
}

// LoggingConfig selects the zap profile.
type LoggingConfig struct {
	Level       string `json:"level" yaml:"level" mapstructure:"level"`
	Development bool   `json:"development" yaml:"development" mapstructure:"development"`
}

// TracingConfig configures the optional OTLP exporter.
type TracingConfig struct {
	Enabled      bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	ServiceName  string `json:"service_name" yaml:"service_name" mapstructure:"service_name"`
	OTLPEndpoint string `json:"otlp_endpoint" yaml:"otlp_endpoint" mapstructure:"otlp_endpoint"`
}

// ChunkingConfig parameterises the splitter.
type ChunkingConfig struct {
	ChunkSize    int `json:"chunk_size" yaml:"chunk_size" mapstructure:"chunk_size"`
	ChunkOverlap int `json:"chunk_overlap" yaml:"chunk_overlap" mapstructure:"chunk_overlap"`
}

// EmbeddingsConfig configures the embedding client.
type EmbeddingsConfig struct {
	BaseURL          string        `json:"base_url" yaml:"base_url" mapstructure:"base_url"`
	APIKey           string        `json:"api_key" yaml:"api_key" mapstructure:"api_key"`
	Model            string        `json:"model" yaml:"model" mapstructure:"model"`
	Dimension        int           `json:"dimension" yaml:"dimension" mapstructure:"dimension"`
	MaxBatch         int           `json:"max_batch" yaml:"max_batch" mapstructure:"max_batch"`
	MaxItemTokens    int           `json:"max_item_tokens" yaml:"max_item_tokens" mapstructure:"max_item_tokens"`
	Timeout          time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
	CacheSize        int           `json:"cache_size" yaml:"cache_size" mapstructure:"cache_size"`
	RedisCacheTTL    time.Duration `json:"redis_cache_ttl" yaml:"redis_cache_ttl" mapstructure:"redis_cache_ttl"`
	EnableRedisCache bool          `json:"enable_redis_cache" yaml:"enable_redis_cache" mapstructure:"enable_redis_cache"`
}

// ChatModelConfig configures the chat-model client.
type ChatModelConfig struct {
	BaseURL     string        `json:"base_url" yaml:"base_url" mapstructure:"base_url"`
	APIKey      string        `json:"api_key" yaml:"api_key" mapstructure:"api_key"`
	Model       string        `json:"model" yaml:"model" mapstructure:"model"`
	Temperature float64       `json:"temperature" yaml:"temperature" mapstructure:"temperature"`
	MaxTokens   int           `json:"max_tokens" yaml:"max_tokens" mapstructure:"max_tokens"`
	Timeout     time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
	// RequestsPerSecond paces outbound calls; 0 disables pacing.
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second" mapstructure:"requests_per_second"`
}

// RetrievalConfig parameterises the hybrid retriever.
type RetrievalConfig struct {
	TopK                 int           `json:"top_k" yaml:"top_k" mapstructure:"top_k"`
	RerankTopK           int           `json:"rerank_top_k" yaml:"rerank_top_k" mapstructure:"rerank_top_k"`
	FinalTopK            int           `json:"final_top_k" yaml:"final_top_k" mapstructure:"final_top_k"`
	RRFK                 int           `json:"rrf_k" yaml:"rrf_k" mapstructure:"rrf_k"`
	MaxRetries           int           `json:"max_retries" yaml:"max_retries" mapstructure:"max_retries"`
	EnableQueryExpansion bool          `json:"enable_query_expansion" yaml:"enable_query_expansion" mapstructure:"enable_query_expansion"`
	RerankTimeout        time.Duration `json:"rerank_timeout" yaml:"rerank_timeout" mapstructure:"rerank_timeout"`
}

// MemoryConfig parameterises conversation memory.
type MemoryConfig struct {
	Window            int `json:"window" yaml:"window" mapstructure:"window"`
	SummaryMaxTokens  int `json:"summary_max_tokens" yaml:"summary_max_tokens" mapstructure:"summary_max_tokens"`
	CompressThreshold int `json:"compress_threshold" yaml:"compress_threshold" mapstructure:"compress_threshold"`
}

// QdrantConfig locates the vector store.
type QdrantConfig struct {
	Host       string        `json:"host" yaml:"host" mapstructure:"host"`
	Port       int           `json:"port" yaml:"port" mapstructure:"port"`
	Collection string        `json:"collection" yaml:"collection" mapstructure:"collection"`
	Timeout    time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
}

// RedisConfig locates Redis (sessions, job queue, embedding cache).
type RedisConfig struct {
	Addr       string        `json:"addr" yaml:"addr" mapstructure:"addr"`
	Password   string        `json:"password" yaml:"password" mapstructure:"password"`
	DB         int           `json:"db" yaml:"db" mapstructure:"db"`
	SessionTTL time.Duration `json:"session_ttl" yaml:"session_ttl" mapstructure:"session_ttl"`
}

// DatabaseConfig locates Postgres (jobs, documents, tenants).
type DatabaseConfig struct {
	DSN             string        `json:"dsn" yaml:"dsn" mapstructure:"dsn"`
	MaxOpenConns    int           `json:"max_open_conns" yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns" yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
}

// StorageConfig holds the on-disk layout.
type StorageConfig struct {
	// UploadDir holds extracted document text: <upload_dir>/<tenant>/<doc>.txt
	UploadDir string `json:"upload_dir" yaml:"upload_dir" mapstructure:"upload_dir"`
	// ChunksDir holds the per-tenant lexical index files: <chunks_dir>/<tenant>.bm25
	ChunksDir string `json:"chunks_dir" yaml:"chunks_dir" mapstructure:"chunks_dir"`
}

// IngestConfig parameterises the worker pool.
type IngestConfig struct {
	Workers      int           `json:"workers" yaml:"workers" mapstructure:"workers"`
	QueueKey     string        `json:"queue_key" yaml:"queue_key" mapstructure:"queue_key"`
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval" mapstructure:"poll_interval"`
}

// TenantsConfig points at the persona registry.
type TenantsConfig struct {
	// Source selects "file" (YAML + hot reload) or "postgres".
	Source string `json:"source" yaml:"source" mapstructure:"source"`
	File   string `json:"file" yaml:"file" mapstructure:"file"`
}

// Default returns the configuration with every recognised option at its
// documented default.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			OpsAddr:         ":2112",
			TurnDeadline:    60 * time.Second,
			PersistGrace:    5 * time.Second,
			GracefulTimeout: 15 * time.Second,
		},
		Logging: LoggingConfig{Level: "info"},
		Tracing: TracingConfig{ServiceName: "ragcore"},
		Chunking: ChunkingConfig{
			ChunkSize:    512,
			ChunkOverlap: 50,
		},
		Embeddings: EmbeddingsConfig{
			BaseURL:          "https://api.openai.com",
			Model:            "text-embedding-3-small",
			Dimension:        1536,
			MaxBatch:         128,
			MaxItemTokens:    8192,
			Timeout:          30 * time.Second,
			CacheSize:        10000,
			RedisCacheTTL:    24 * time.Hour,
			EnableRedisCache: true,
		},
		Chat: ChatModelConfig{
			BaseURL:           "https://api.openai.com",
			Model:             "gpt-4o-mini",
			Temperature:       0.3,
			MaxTokens:         1024,
			Timeout:           60 * time.Second,
			RequestsPerSecond: 0,
		},
		Retrieval: RetrievalConfig{
			TopK:                 20,
			RerankTopK:           10,
			FinalTopK:            5,
			RRFK:                 60,
			MaxRetries:           1,
			EnableQueryExpansion: true,
			RerankTimeout:        10 * time.Second,
		},
		Memory: MemoryConfig{
			Window:            10,
			SummaryMaxTokens:  500,
			CompressThreshold: 10,
		},
		Qdrant: QdrantConfig{
			Host:       "localhost",
			Port:       6333,
			Collection: "documents",
			Timeout:    10 * time.Second,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			SessionTTL: 30 * 24 * time.Hour,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Storage: StorageConfig{
			UploadDir: "./data/uploads",
			ChunksDir: "./data/chunks",
		},
		Ingest: IngestConfig{
			Workers:      4,
			QueueKey:     "ragcore:jobs",
			PollInterval: 2 * time.Second,
		},
		Tenants: TenantsConfig{
			Source: "file",
			File:   "./config/tenants.yaml",
		},
	}
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.Chunking.ChunkSize <= 0 {
		return fmt.Errorf("chunking.chunk_size must be positive, got %d", c.Chunking.ChunkSize)
	}
	if c.Chunking.ChunkOverlap < 0 || c.Chunking.ChunkOverlap >= c.Chunking.ChunkSize {
		return fmt.Errorf("chunking.chunk_overlap must be in [0, chunk_size), got %d", c.Chunking.ChunkOverlap)
	}
	if c.Embeddings.MaxBatch <= 0 {
		return fmt.Errorf("embeddings.max_batch must be positive, got %d", c.Embeddings.MaxBatch)
	}
	if c.Embeddings.Dimension <= 0 {
		return fmt.Errorf("embeddings.dimension must be positive, got %d", c.Embeddings.Dimension)
	}
	if c.Retrieval.TopK <= 0 || c.Retrieval.RerankTopK <= 0 || c.Retrieval.FinalTopK <= 0 {
		return fmt.Errorf("retrieval top_k values must be positive")
	}
	if c.Retrieval.FinalTopK > c.Retrieval.RerankTopK || c.Retrieval.RerankTopK > c.Retrieval.TopK {
		return fmt.Errorf("retrieval requires final_top_k <= rerank_top_k <= top_k")
	}
	if c.Retrieval.MaxRetries < 0 {
		return fmt.Errorf("retrieval.max_retries must be non-negative, got %d", c.Retrieval.MaxRetries)
	}
	if c.Memory.Window <= 0 {
		return fmt.Errorf("memory.window must be positive, got %d", c.Memory.Window)
	}
	if c.Ingest.Workers <= 0 {
		return fmt.Errorf("ingest.workers must be positive, got %d", c.Ingest.Workers)
	}
	if c.Storage.ChunksDir == "" || c.Storage.UploadDir == "" {
		return fmt.Errorf("storage directories must be set")
	}
	switch c.Tenants.Source {
	case "file", "postgres":
	default:
		return fmt.Errorf("tenants.source must be file or postgres, got %q", c.Tenants.Source)
	}
	return nil
}
