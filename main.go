// ragcore is the retrieval and chat service. It wires every store and
// model client into the hybrid retriever and the turn orchestrator, then
// serves the ops endpoints (/metrics, /healthz, /readyz) until signalled.
// The product API tier mounts the orchestrator in process; everything
// beneath it lives here.
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

	"github.com/tessellate-ai/ragcore/internal/circuitbreaker"
	"github.com/tessellate-ai/ragcore/internal/config"
	"github.com/tessellate-ai/ragcore/internal/db"
	"github.com/tessellate-ai/ragcore/internal/embeddings"
	"github.com/tessellate-ai/ragcore/internal/generator"
	"github.com/tessellate-ai/ragcore/internal/health"
	"github.com/tessellate-ai/ragcore/internal/lexical"
	"github.com/tessellate-ai/ragcore/internal/llm"
	"github.com/tessellate-ai/ragcore/internal/memory"
	"github.com/tessellate-ai/ragcore/internal/orchestrator"
	"github.com/tessellate-ai/ragcore/internal/planner"
	"github.com/tessellate-ai/ragcore/internal/reranker"
	"github.com/tessellate-ai/ragcore/internal/retriever"
	"github.com/tessellate-ai/ragcore/internal/session"
	"github.com/tessellate-ai/ragcore/internal/streaming"
	"github.com/tessellate-ai/ragcore/internal/tenant"
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

	// Redis backs sessions, conversation memory, and the embedding cache.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	redisWrap := circuitbreaker.NewRedisWrapper(rdb, "ragcore", logger)

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

	chat := llm.NewChatClient(cfg.Chat, logger)

	sessions := session.NewStore(redisWrap, cfg.Redis.SessionTTL, logger)
	mem := memory.NewManager(sessions, chat, cfg.Memory, logger)

	var tenants tenant.Registry
	closeTenants := func() error { return nil }
	if cfg.Tenants.Source == "postgres" {
		tenants = tenant.NewDBRegistry(pg, logger)
		logger.Info("Tenant registry backed by Postgres")
	} else {
		fileReg, err := tenant.NewFileRegistry(cfg.Tenants.File, logger)
		if err != nil {
			logger.Fatal("Failed to load tenant registry",
				zap.String("path", cfg.Tenants.File),
				zap.Error(err),
			)
		}
		tenants = fileReg
		closeTenants = fileReg.Close
	}

	hybrid := retriever.New(
		embedder,
		vectors,
		lex,
		reranker.NewLLMReranker(chat, cfg.Retrieval.RerankTimeout, logger),
		chat,
		cfg.Retrieval,
		logger,
	)

	hub := streaming.NewHub(0, 0, logger)

	turns := orchestrator.New(orchestrator.Deps{
		Sessions:  sessions,
		Memory:    mem,
		Planner:   planner.New(chat, logger),
		Retriever: hybrid,
		Generator: generator.New(chat, logger),
		Tenants:   tenants,
		Hub:       hub,
		Service:   cfg.Service,
		Retrieval: cfg.Retrieval,
		Logger:    logger,
	})

	checks := health.NewManager(0, 0, logger)
	checks.Register(
		health.RedisCheck(redisWrap),
		health.PostgresCheck(pg),
		health.QdrantCheck(vectors),
		health.ChatModelCheck(chat),
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

	logger.Info("Retrieval core ready",
		zap.String("collection", cfg.Qdrant.Collection),
		zap.String("chat_model", cfg.Chat.Model),
		zap.String("embedding_model", cfg.Embeddings.Model),
	)

	<-ctx.Done()
	logger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.GracefulTimeout)
	defer cancel()

	if err := opsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Ops server shutdown incomplete", zap.Error(err))
	}
	// In-flight turns get to finish persisting; both waits are bounded by
	// the per-turn deadline and the compression timeout respectively.
	turns.Drain()
	mem.Wait()
	checks.Close()
	hub.Close()
	if err := closeTenants(); err != nil {
		logger.Warn("Tenant registry close failed", zap.Error(err))
	}
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
