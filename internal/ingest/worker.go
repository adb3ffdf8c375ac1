package ingest

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tessellate-ai/ragcore/internal/config"
	"github.com/tessellate-ai/ragcore/internal/models"
)

// Pool runs N workers against the queue until the context is cancelled.
type Pool struct {
	queue    *Queue
	pipeline *Pipeline
	workers  int
	poll     time.Duration
	logger   *zap.Logger
}

func NewPool(queue *Queue, pipeline *Pipeline, cfg config.IngestConfig, logger *zap.Logger) *Pool {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{queue: queue, pipeline: pipeline, workers: workers, poll: poll, logger: logger}
}

// Run reclaims orphaned jobs from a previous process, then consumes until
// ctx is cancelled. Always returns nil after a clean drain.
func (p *Pool) Run(ctx context.Context) error {
	if _, err := p.queue.Reclaim(ctx); err != nil {
		return fmt.Errorf("reclaim processing list: %w", err)
	}

	p.logger.Info("Ingest pool starting", zap.Int("workers", p.workers))
	var g errgroup.Group
	for i := 0; i < p.workers; i++ {
		id := i
		g.Go(func() error {
			p.worker(ctx, id)
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) worker(ctx context.Context, id int) {
	log := p.logger.With(zap.Int("worker", id))
	log.Debug("Ingest worker started")
	for {
		if ctx.Err() != nil {
			log.Debug("Ingest worker stopped")
			return
		}

		delivery, err := p.queue.Dequeue(ctx, p.poll)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			log.Warn("Dequeue failed, backing off", zap.Error(err))
			select {
			case <-time.After(p.poll):
			case <-ctx.Done():
			}
			continue
		}
		if delivery == nil {
			continue
		}
		p.handle(ctx, delivery, log)
	}
}

func (p *Pool) handle(ctx context.Context, d *Delivery, log *zap.Logger) {
	job := d.Job
	log = log.With(
		zap.String("job_id", job.ID),
		zap.String("tenant_id", job.TenantID),
		zap.String("kind", job.Kind),
	)
	log.Info("Processing job")

	if err := p.pipeline.Run(ctx, job); err != nil {
		// Deliberately unacked: Reclaim hands it to the next run.
		log.Warn("Job left for redelivery", zap.Error(err))
		return
	}

	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := p.queue.Ack(ackCtx, d); err != nil {
		log.Warn("Ack failed, job may be redelivered", zap.Error(err))
	}
}

// UploadJob builds the job record for an accepted document upload. path may
// be empty when the text lives at the conventional upload location.
func UploadJob(tenantID, documentID, path string) *models.Job {
	return &models.Job{
		TenantID:   tenantID,
		Kind:       models.JobKindDocumentUpload,
		DocumentID: documentID,
		Path:       path,
	}
}

// DeletionJob builds the job record for a document deletion cascade.
func DeletionJob(tenantID, documentID, path string) *models.Job {
	return &models.Job{
		TenantID:   tenantID,
		Kind:       models.JobKindDocumentDeletion,
		DocumentID: documentID,
		Path:       path,
	}
}
