package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tessellate-ai/ragcore/internal/chunker"
	"github.com/tessellate-ai/ragcore/internal/db"
	"github.com/tessellate-ai/ragcore/internal/embeddings"
	"github.com/tessellate-ai/ragcore/internal/faults"
	"github.com/tessellate-ai/ragcore/internal/metrics"
	"github.com/tessellate-ai/ragcore/internal/models"
	"github.com/tessellate-ai/ragcore/internal/vectordb"
)

const (
	// rollbackTimeout bounds the index scrub after a half-written ingest.
	rollbackTimeout = 30 * time.Second
	// persistTimeout bounds terminal status writes on a detached context.
	persistTimeout = 10 * time.Second
)

// JobUpdater is the slice of the job store the pipeline needs.
type JobUpdater interface {
	UpdateStatus(ctx context.Context, tenantID, jobID string, upd db.StatusUpdate) error
}

// DocumentStore is the slice of the document store the pipeline needs.
type DocumentStore interface {
	Get(ctx context.Context, tenantID, documentID string) (*models.Document, error)
	SetStatus(ctx context.Context, tenantID, documentID, status string) error
	SetIndexed(ctx context.Context, tenantID, documentID string, chunkCount int) error
	Delete(ctx context.Context, tenantID, documentID string) error
}

// VectorIndex is the vector-side surface the pipeline mutates.
type VectorIndex interface {
	Upsert(ctx context.Context, tenantID string, points []vectordb.Point) error
	DeleteByDocument(ctx context.Context, tenantID, documentID string) error
}

// LexicalIndex is the lexical-side surface the pipeline mutates.
type LexicalIndex interface {
	Upsert(ctx context.Context, tenantID string, chunks []models.Chunk) error
	DeleteByDocument(ctx context.Context, tenantID, documentID string) error
}

// PipelineDeps wires a Pipeline.
type PipelineDeps struct {
	Jobs      JobUpdater
	Documents DocumentStore
	Splitter  *chunker.Splitter
	Embedder  embeddings.Embedder
	Vectors   VectorIndex
	Lexical   LexicalIndex
	UploadDir string
	Logger    *zap.Logger
}

// Pipeline executes one ingestion job end to end: chunk, embed, index,
// record. Its error contract drives redelivery: a nil return means the job
// reached a terminal status (or was a replay) and may be acked; a non-nil
// return means infrastructure trouble or shutdown and the job must stay
// queued.
type Pipeline struct {
	jobs      JobUpdater
	documents DocumentStore
	splitter  *chunker.Splitter
	embedder  embeddings.Embedder
	vectors   VectorIndex
	lexical   LexicalIndex
	uploadDir string
	logger    *zap.Logger
}

func NewPipeline(deps PipelineDeps) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		jobs:      deps.Jobs,
		documents: deps.Documents,
		splitter:  deps.Splitter,
		embedder:  deps.Embedder,
		vectors:   deps.Vectors,
		lexical:   deps.Lexical,
		uploadDir: deps.UploadDir,
		logger:    logger,
	}
}

// Run dispatches a job by kind.
func (p *Pipeline) Run(ctx context.Context, job *models.Job) error {
	start := time.Now()
	var err error
	switch job.Kind {
	case models.JobKindDocumentUpload:
		err = p.ingest(ctx, job)
	case models.JobKindDocumentDeletion:
		err = p.remove(ctx, job)
	default:
		err = p.failJob(ctx, job, faults.Permanent("ingest.run", fmt.Errorf("unknown job kind %q", job.Kind)))
	}
	if err == nil {
		metrics.JobDuration.Observe(time.Since(start).Seconds())
	}
	return err
}

func (p *Pipeline) ingest(ctx context.Context, job *models.Job) error {
	doc, err := p.documents.Get(ctx, job.TenantID, job.DocumentID)
	if err != nil {
		if errors.Is(err, db.ErrDocumentNotFound) {
			// Deleted while the job waited; nothing left to index.
			return p.failJob(ctx, job, faults.Permanent("ingest.document", err))
		}
		return err
	}

	proceed, err := p.markProcessing(ctx, job)
	if !proceed || err != nil {
		return err
	}
	if err := p.documents.SetStatus(ctx, job.TenantID, job.DocumentID, models.DocumentProcessing); err != nil {
		p.logger.Warn("Could not mark document processing", zap.String("document_id", job.DocumentID), zap.Error(err))
	}

	raw, err := os.ReadFile(p.textPath(job))
	if err != nil {
		return p.failJob(ctx, job, faults.Permanent("ingest.read", err))
	}
	text := strings.TrimSpace(string(raw))
	if text == "" {
		// An empty document completes with zero chunks; the embedder is
		// never called.
		if err := p.documents.SetIndexed(ctx, job.TenantID, job.DocumentID, 0); err != nil {
			return err
		}
		return p.complete(ctx, job, &models.JobResult{})
	}

	chunks := p.splitter.Split(job.DocumentID, job.TenantID, doc.Filename, text)
	if err := p.setProgress(ctx, job, models.ProgressAccepted); err != nil {
		return err
	}

	texts := make([]string, len(chunks))
	for i := range chunks {
		texts[i] = chunks[i].Text
	}
	vectors, truncated, err := p.embedder.Embed(ctx, texts)
	if err != nil {
		if faults.IsCancelled(err) {
			return err
		}
		return p.failJob(ctx, job, faults.New(faults.KindEmbedFailure, "ingest.embed", err))
	}
	if err := p.setProgress(ctx, job, models.ProgressEmbedded); err != nil {
		return err
	}

	points := make([]vectordb.Point, len(chunks))
	for i := range chunks {
		points[i] = vectordb.Point{Chunk: chunks[i], Vector: vectors[i]}
	}
	if err := p.vectors.Upsert(ctx, job.TenantID, points); err != nil {
		return p.indexFailure(ctx, job, err)
	}
	if err := p.lexical.Upsert(ctx, job.TenantID, chunks); err != nil {
		return p.indexFailure(ctx, job, err)
	}
	if err := p.setProgress(ctx, job, models.ProgressIndexed); err != nil {
		return err
	}

	if err := p.documents.SetIndexed(ctx, job.TenantID, job.DocumentID, len(chunks)); err != nil {
		return err
	}
	metrics.ChunksIndexed.WithLabelValues(job.TenantID).Add(float64(len(chunks)))
	return p.complete(ctx, job, &models.JobResult{
		ChunksCreated:       len(chunks),
		EmbeddingsGenerated: len(chunks),
		TruncatedItems:      truncated,
	})
}

func (p *Pipeline) remove(ctx context.Context, job *models.Job) error {
	proceed, err := p.markProcessing(ctx, job)
	if !proceed || err != nil {
		return err
	}

	if err := p.vectors.DeleteByDocument(ctx, job.TenantID, job.DocumentID); err != nil {
		if faults.IsCancelled(err) {
			return err
		}
		return p.failJob(ctx, job, faults.New(faults.KindIndexWriteFailure, "ingest.delete", err))
	}
	if err := p.lexical.DeleteByDocument(ctx, job.TenantID, job.DocumentID); err != nil {
		if faults.IsCancelled(err) {
			return err
		}
		return p.failJob(ctx, job, faults.New(faults.KindIndexWriteFailure, "ingest.delete", err))
	}

	if err := os.Remove(p.textPath(job)); err != nil && !os.IsNotExist(err) {
		p.logger.Warn("Could not remove upload file", zap.String("document_id", job.DocumentID), zap.Error(err))
	}

	if err := p.documents.Delete(ctx, job.TenantID, job.DocumentID); err != nil && !errors.Is(err, db.ErrDocumentNotFound) {
		return err
	}
	return p.complete(ctx, job, nil)
}

func (p *Pipeline) textPath(job *models.Job) string {
	if job.Path != "" {
		return job.Path
	}
	return filepath.Join(p.uploadDir, job.TenantID, job.DocumentID+".txt")
}

// markProcessing claims the job. Returns false for redelivered jobs that
// already reached a terminal status.
func (p *Pipeline) markProcessing(ctx context.Context, job *models.Job) (bool, error) {
	err := p.jobs.UpdateStatus(ctx, job.TenantID, job.ID, db.StatusUpdate{Status: models.JobProcessing})
	if errors.Is(err, db.ErrIllegalTransition) {
		p.logger.Info("Skipping redelivery of terminal job", zap.String("job_id", job.ID))
		return false, nil
	}
	if errors.Is(err, db.ErrJobNotFound) {
		p.logger.Warn("Queued job has no record, dropping", zap.String("job_id", job.ID))
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (p *Pipeline) setProgress(ctx context.Context, job *models.Job, progress float64) error {
	return p.jobs.UpdateStatus(ctx, job.TenantID, job.ID, db.StatusUpdate{
		Status:   models.JobProcessing,
		Progress: &progress,
	})
}

func (p *Pipeline) complete(ctx context.Context, job *models.Job, result *models.JobResult) error {
	progress := models.ProgressCompleted
	err := p.jobs.UpdateStatus(ctx, job.TenantID, job.ID, db.StatusUpdate{
		Status:   models.JobCompleted,
		Progress: &progress,
		Result:   result,
	})
	if err != nil {
		return err
	}
	metrics.JobsProcessed.WithLabelValues(models.JobCompleted).Inc()
	p.logger.Info("Job completed",
		zap.String("job_id", job.ID),
		zap.String("tenant_id", job.TenantID),
		zap.String("kind", job.Kind),
		zap.String("document_id", job.DocumentID),
	)
	return nil
}

// indexFailure scrubs both indices so a half-written document never serves
// retrieval, then fails the job. The scrub runs detached: the common reason
// an index write failed is that the process is going down.
func (p *Pipeline) indexFailure(ctx context.Context, job *models.Job, cause error) error {
	if faults.IsCancelled(cause) {
		return cause
	}
	detached, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()
	if err := p.vectors.DeleteByDocument(detached, job.TenantID, job.DocumentID); err != nil {
		p.logger.Warn("Vector index rollback failed",
			zap.String("document_id", job.DocumentID), zap.Error(err))
	}
	if err := p.lexical.DeleteByDocument(detached, job.TenantID, job.DocumentID); err != nil {
		p.logger.Warn("Lexical index rollback failed",
			zap.String("document_id", job.DocumentID), zap.Error(err))
	}
	return p.failJob(ctx, job, faults.New(faults.KindIndexWriteFailure, "ingest.index", cause))
}

// failJob records the terminal failure. The write runs detached so a
// shutdown that caused the failure cannot also suppress recording it.
func (p *Pipeline) failJob(ctx context.Context, job *models.Job, cause error) error {
	detached, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	var f *faults.Fault
	msg := ""
	if errors.As(cause, &f) {
		msg = f.Message()
	} else {
		msg = fmt.Sprintf("%s: %v", faults.KindOf(cause), cause)
	}

	err := p.jobs.UpdateStatus(detached, job.TenantID, job.ID, db.StatusUpdate{
		Status: models.JobFailed,
		Error:  msg,
	})
	if err != nil {
		p.logger.Error("Could not record job failure",
			zap.String("job_id", job.ID), zap.Error(err))
		return err
	}
	if err := p.documents.SetStatus(detached, job.TenantID, job.DocumentID, models.DocumentFailed); err != nil {
		p.logger.Warn("Could not mark document failed",
			zap.String("document_id", job.DocumentID), zap.Error(err))
	}
	metrics.JobsProcessed.WithLabelValues(models.JobFailed).Inc()
	p.logger.Error("Job failed",
		zap.String("job_id", job.ID),
		zap.String("tenant_id", job.TenantID),
		zap.String("kind", job.Kind),
		zap.Error(cause),
	)
	return nil
}
