// ingest-worker consumes document jobs from the Redis queue and runs the
// ingestion pipeline: chunk, embed, index into both stores, record. It
// shares the service configuration and serves its own ops endpoints.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tessellate-ai/ragcore/internal/chunker"
	"github.com/tessellate-ai/ragcore/internal/circuitbreaker"
	"github.com/tessellate-ai/ragcore/internal/config"
	"github.com/tessellate-ai/ragcore/internal/db"
	"github.com/tessellate-ai/ragcore/internal/embeddings"
	"github.com/tessellate-ai/ragcore/internal/health"
	"github.com/tessellate-ai/ragcore/internal/ingest"
	"github.com/tessellate-ai/ragcore/internal/lexical"
	"github.com/tessellate-ai/ragcore/internal/tracing"
	"github.com/tessellate-ai/ragcore/internal/vectordb"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Initialize(cfg.Tracing, logger)
	if err != nil {
		logger.Warn("Tracing unavailable, continuing without it", zap.Error(err))
		shutdownTracing = func(context.Context) error { return nil }
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	redisWrap := circuitbreaker.NewRedisWrapper(rdb, "ingest-worker", logger)

	pg, err := db.Connect(ctx, cfg.Database, logger)
	if err != nil {
		logger.Fatal("Failed to connect to Postgres", zap.Error(err))
	}
	defer pg.Close()

	vectors := vectordb.NewClient(cfg.Qdrant, logger)
	if err := vectors.EnsureCollection(ctx, cfg.Embeddings.Dimension); err != nil {
		logger.Fatal("Failed to ensure vector collection",
			zap.String("collection", cfg.Qdrant.Collection),
			zap.Error(err),
		)
	}

	lex, err := lexical.NewManager(cfg.Storage.ChunksDir, logger)
	if err != nil {
		logger.Fatal("Failed to open lexical index directory",
			zap.String("dir", cfg.Storage.ChunksDir),
			zap.Error(err),
		)
	}

	var vectorCache embeddings.Cache
	if cfg.Embeddings.EnableRedisCache {
		vectorCache = embeddings.NewRedisCache(rdb, redisWrap)
	}
	embedder := embeddings.NewService(cfg.Embeddings, vectorCache, logger)

	jobs := db.NewJobStore(pg, logger)
	documents := db.NewDocumentStore(pg, logger)
	queue := ingest.NewQueue(redisWrap, jobs, cfg.Ingest.QueueKey, logger)
	pipeline := ingest.NewPipeline(ingest.PipelineDeps{
		Jobs:      jobs,
		Documents: documents,
		Splitter:  chunker.New(cfg.Chunking),
		Embedder:  embedder,
		Vectors:   vectors,
		Lexical:   lex,
		UploadDir: cfg.Storage.UploadDir,
		Logger:    logger,
	})
	pool := ingest.NewPool(queue, pipeline, cfg.Ingest, logger)

	checks := health.NewManager(0, 0, logger)
	checks.Register(
		health.RedisCheck(redisWrap),
		health.PostgresCheck(pg),
		health.QdrantCheck(vectors),
	)
	checks.Start()

	opsMux := http.NewServeMux()
	opsMux.Handle("/metrics", promhttp.Handler())
	checks.Routes(opsMux)
	opsSrv := &http.Server{
		Addr:         cfg.Service.OpsAddr,
		Handler:      opsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("Ops server listening", zap.String("addr", cfg.Service.OpsAddr))
		if err := opsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Ops server failed", zap.Error(err))
		}
	}()

	// Run blocks until the signal context cancels; workers drain their
	// current job before returning.
	if err := pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Ingest pool exited with error", zap.Error(err))
	}
	logger.Info("Ingest pool drained")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.GracefulTimeout)
	defer cancel()

	if err := opsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Ops server shutdown incomplete", zap.Error(err))
	}
	checks.Close()
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("Tracing shutdown incomplete", zap.Error(err))
	}
	logger.Info("Shutdown complete")
}

// newLogger builds the process logger. An unparseable level falls back
// to the profile default rather than refusing to start.
func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		if lvl, err := zapcore.ParseLevel(cfg.Level); err == nil {
			zc.Level = zap.NewAtomicLevelAt(lvl)
		}
	}
	return zc.Build()
}
