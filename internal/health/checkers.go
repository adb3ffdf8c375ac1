package health

import (
	"context"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/tessellate-ai/ragcore/internal/circuitbreaker"
	"github.com/tessellate-ai/ragcore/internal/llm"
	"github.com/tessellate-ai/ragcore/internal/vectordb"
)

// RedisCheck probes the shared Redis connection. An open breaker
// reports unhealthy without another network round trip.
func RedisCheck(client *circuitbreaker.RedisWrapper) Checker {
	return NewCheck("redis", true, func(ctx context.Context) error {
		if client.IsOpen() {
			return errors.New("circuit breaker open")
		}
		return client.Ping(ctx)
	})
}

// PostgresCheck probes the job and document store pool.
func PostgresCheck(conn *sqlx.DB) Checker {
	return NewCheck("postgres", true, func(ctx context.Context) error {
		return conn.PingContext(ctx)
	})
}

// QdrantCheck probes the vector index collection.
func QdrantCheck(index *vectordb.Client) Checker {
	return NewCheck("qdrant", true, func(ctx context.Context) error {
		return index.Health(ctx)
	})
}

// ChatModelCheck probes the chat completion provider. Non-critical: a
// model outage fails turns but ingestion and retrieval keep working, so
// it must not take readiness down.
func ChatModelCheck(client *llm.ChatClient) Checker {
	return NewCheck("chat_model", false, func(ctx context.Context) error {
		return client.Health(ctx)
	})
}
