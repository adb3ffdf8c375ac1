package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Load reads the config file named by CONFIG_PATH (default
// ./config/ragcore.yaml), applies RAGCORE_* environment overrides and
// validates the result. A missing file is not an error; defaults apply.
func Load() (*Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "./config/ragcore.yaml"
	}
	return LoadFile(path)
}

// LoadFile loads a specific config file.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetEnvPrefix("RAGCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Only a file that exists but cannot be read or parsed is fatal.
		if _, statErr := os.Stat(path); statErr == nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// setDefaults registers every recognised option so environment overrides
// bind even without a config file.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("service.ops_addr", d.Service.OpsAddr)
	v.SetDefault("service.turn_deadline", d.Service.TurnDeadline)
	v.SetDefault("service.persist_grace", d.Service.PersistGrace)
	v.SetDefault("service.graceful_timeout", d.Service.GracefulTimeout)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.development", d.Logging.Development)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)

	v.SetDefault("chunking.chunk_size", d.Chunking.ChunkSize)
	v.SetDefault("chunking.chunk_overlap", d.Chunking.ChunkOverlap)

	v.SetDefault("embeddings.base_url", d.Embeddings.BaseURL)
	v.SetDefault("embeddings.api_key", d.Embeddings.APIKey)
	v.SetDefault("embeddings.model", d.Embeddings.Model)
	v.SetDefault("embeddings.dimension", d.Embeddings.Dimension)
	v.SetDefault("embeddings.max_batch", d.Embeddings.MaxBatch)
	v.SetDefault("embeddings.max_item_tokens", d.Embeddings.MaxItemTokens)
	v.SetDefault("embeddings.timeout", d.Embeddings.Timeout)
	v.SetDefault("embeddings.cache_size", d.Embeddings.CacheSize)
	v.SetDefault("embeddings.redis_cache_ttl", d.Embeddings.RedisCacheTTL)
	v.SetDefault("embeddings.enable_redis_cache", d.Embeddings.EnableRedisCache)

	v.SetDefault("chat.base_url", d.Chat.BaseURL)
	v.SetDefault("chat.api_key", d.Chat.APIKey)
	v.SetDefault("chat.model", d.Chat.Model)
	v.SetDefault("chat.temperature", d.Chat.Temperature)
	v.SetDefault("chat.max_tokens", d.Chat.MaxTokens)
	v.SetDefault("chat.timeout", d.Chat.Timeout)
	v.SetDefault("chat.requests_per_second", d.Chat.RequestsPerSecond)

	v.SetDefault("retrieval.top_k", d.Retrieval.TopK)
	v.SetDefault("retrieval.rerank_top_k", d.Retrieval.RerankTopK)
	v.SetDefault("retrieval.final_top_k", d.Retrieval.FinalTopK)
	v.SetDefault("retrieval.rrf_k", d.Retrieval.RRFK)
	v.SetDefault("retrieval.max_retries", d.Retrieval.MaxRetries)
	v.SetDefault("retrieval.enable_query_expansion", d.Retrieval.EnableQueryExpansion)
	v.SetDefault("retrieval.rerank_timeout", d.Retrieval.RerankTimeout)

	v.SetDefault("memory.window", d.Memory.Window)
	v.SetDefault("memory.summary_max_tokens", d.Memory.SummaryMaxTokens)
	v.SetDefault("memory.compress_threshold", d.Memory.CompressThreshold)

	v.SetDefault("qdrant.host", d.Qdrant.Host)
	v.SetDefault("qdrant.port", d.Qdrant.Port)
	v.SetDefault("qdrant.collection", d.Qdrant.Collection)
	v.SetDefault("qdrant.timeout", d.Qdrant.Timeout)

	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.session_ttl", d.Redis.SessionTTL)

	v.SetDefault("database.dsn", d.Database.DSN)
	v.SetDefault("database.max_open_conns", d.Database.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", d.Database.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", d.Database.ConnMaxLifetime)

	v.SetDefault("storage.upload_dir", d.Storage.UploadDir)
	v.SetDefault("storage.chunks_dir", d.Storage.ChunksDir)

	v.SetDefault("ingest.workers", d.Ingest.Workers)
	v.SetDefault("ingest.queue_key", d.Ingest.QueueKey)
	v.SetDefault("ingest.poll_interval", d.Ingest.PollInterval)

	v.SetDefault("tenants.source", d.Tenants.Source)
	v.SetDefault("tenants.file", d.Tenants.File)
}
