// Package ingest moves documents into the two retrieval indices. The queue
// hands jobs to a worker pool at-least-once; deterministic chunk ids make
// replayed jobs converge on the same index state.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tessellate-ai/ragcore/internal/circuitbreaker"
	"github.com/tessellate-ai/ragcore/internal/faults"
	"github.com/tessellate-ai/ragcore/internal/metrics"
	"github.com/tessellate-ai/ragcore/internal/models"
)

const defaultQueueKey = "ingest:queue"

// JobCreator is the slice of the job store the queue needs.
type JobCreator interface {
	Create(ctx context.Context, job *models.Job) error
}

// Delivery is one consumed job plus the raw payload needed to ack it.
type Delivery struct {
	Job *models.Job
	raw string
}

// Queue is a Redis-list job queue with reliable consume: Dequeue moves the
// payload into a processing list where it survives a worker crash, Ack
// removes it, and Reclaim drains the processing list back into the queue at
// startup.
type Queue struct {
	client *circuitbreaker.RedisWrapper
	jobs   JobCreator
	key    string
	logger *zap.Logger
}

// NewQueue builds the queue. key defaults to "ingest:queue"; the processing
// list lives at key + ":processing".
func NewQueue(client *circuitbreaker.RedisWrapper, jobs JobCreator, key string, logger *zap.Logger) *Queue {
	if key == "" {
		key = defaultQueueKey
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{client: client, jobs: jobs, key: key, logger: logger}
}

func (q *Queue) processingKey() string { return q.key + ":processing" }

// Enqueue records the job as pending and pushes it onto the queue. The job
// row is written first so a crash between the two steps leaves a visible
// pending job rather than an untracked queue entry.
func (q *Queue) Enqueue(ctx context.Context, job *models.Job) error {
	if strings.TrimSpace(job.TenantID) == "" {
		metrics.TenantScopeViolations.WithLabelValues("ingest").Inc()
		return faults.TenantScope("ingest.enqueue")
	}

	if err := q.jobs.Create(ctx, job); err != nil {
		return fmt.Errorf("record job: %w", err)
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, payload); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}

	metrics.JobsEnqueued.Inc()
	q.refreshDepth(ctx)
	q.logger.Info("Job enqueued",
		zap.String("job_id", job.ID),
		zap.String("tenant_id", job.TenantID),
		zap.String("kind", job.Kind),
		zap.String("document_id", job.DocumentID),
	)
	return nil
}

// Dequeue blocks up to timeout for the next job, moving it into the
// processing list. Returns (nil, nil) when the wait times out. Undecodable
// payloads are discarded with a log line rather than wedging the queue.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	raw, err := q.client.Client().BLMove(ctx, q.key, q.processingKey(), "RIGHT", "LEFT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("dequeue job: %w", err)
	}
	q.refreshDepth(ctx)

	var job models.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		q.logger.Error("Discarding undecodable queue payload", zap.Error(err))
		if remErr := q.client.LRem(ctx, q.processingKey(), 1, raw); remErr != nil {
			q.logger.Warn("Failed to drop bad payload from processing list", zap.Error(remErr))
		}
		return nil, nil
	}
	return &Delivery{Job: &job, raw: raw}, nil
}

// Ack removes a consumed job from the processing list. Call it after the
// job reached a terminal status; an unacked job is redelivered by Reclaim.
func (q *Queue) Ack(ctx context.Context, d *Delivery) error {
	if d == nil {
		return nil
	}
	if err := q.client.LRem(ctx, q.processingKey(), 1, d.raw); err != nil {
		return fmt.Errorf("ack job: %w", err)
	}
	return nil
}

// Reclaim moves everything from the processing list back onto the consuming
// end of the queue. Run once at startup, before workers begin: entries still
// there belong to a previous process that died mid-job.
func (q *Queue) Reclaim(ctx context.Context) (int, error) {
	moved := 0
	for {
		_, err := q.client.Client().LMove(ctx, q.processingKey(), q.key, "RIGHT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return moved, fmt.Errorf("reclaim jobs: %w", err)
		}
		moved++
	}
	if moved > 0 {
		q.logger.Info("Reclaimed in-flight jobs from previous run", zap.Int("count", moved))
	}
	q.refreshDepth(ctx)
	return moved, nil
}

// Depth reports how many jobs are waiting.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

func (q *Queue) refreshDepth(ctx context.Context) {
	if n, err := q.client.LLen(ctx, q.key); err == nil {
		metrics.QueueDepth.Set(float64(n))
	}
}
