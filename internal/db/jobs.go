package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/tessellate-ai/ragcore/internal/models"
)

var (
	// ErrJobNotFound is returned when no job matches (tenant, id).
	ErrJobNotFound = errors.New("job not found")
	// ErrIllegalTransition is returned when a status update would violate
	// the job state graph.
	ErrIllegalTransition = errors.New("illegal job status transition")
)

// JobStore persists ingestion jobs. Status changes go through UpdateStatus,
// which enforces the legal transition graph under a row lock so concurrent
// workers cannot race a job backwards.
type JobStore struct {
	conn   *sqlx.DB
	logger *zap.Logger
}

func NewJobStore(conn *sqlx.DB, logger *zap.Logger) *JobStore {
	return &JobStore{conn: conn, logger: logger}
}

const jobColumns = `id, tenant_id, kind, document_id, path, status, progress, error, result, created_at, updated_at`

type jobRow struct {
	ID         string         `db:"id"`
	TenantID   string         `db:"tenant_id"`
	Kind       string         `db:"kind"`
	DocumentID string         `db:"document_id"`
	Path       string         `db:"path"`
	Status     string         `db:"status"`
	Progress   float64        `db:"progress"`
	Error      sql.NullString `db:"error"`
	Result     []byte         `db:"result"`
	CreatedAt  time.Time      `db:"created_at"`
	UpdatedAt  time.Time      `db:"updated_at"`
}

func (r jobRow) toJob() (*models.Job, error) {
	job := &models.Job{
		ID:         r.ID,
		TenantID:   r.TenantID,
		Kind:       r.Kind,
		DocumentID: r.DocumentID,
		Path:       r.Path,
		Status:     r.Status,
		Progress:   r.Progress,
		Error:      r.Error.String,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
	if len(r.Result) > 0 {
		var res models.JobResult
		if err := json.Unmarshal(r.Result, &res); err != nil {
			return nil, fmt.Errorf("decode job result: %w", err)
		}
		job.Result = &res
	}
	return job, nil
}

// Create inserts a new job record. A missing id is generated; status
// defaults to pending.
func (s *JobStore) Create(ctx context.Context, job *models.Job) error {
	if err := guard("job.create", job.TenantID); err != nil {
		return err
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = models.JobPending
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO ingest_jobs (id, tenant_id, kind, document_id, path, status, progress, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		job.ID, job.TenantID, job.Kind, job.DocumentID, job.Path, job.Status, job.Progress, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	s.logger.Debug("Job created",
		zap.String("job_id", job.ID),
		zap.String("tenant_id", job.TenantID),
		zap.String("kind", job.Kind),
	)
	return nil
}

// Get returns one job scoped to the tenant. A job belonging to another
// tenant reads as absent.
func (s *JobStore) Get(ctx context.Context, tenantID, jobID string) (*models.Job, error) {
	if err := guard("job.get", tenantID); err != nil {
		return nil, err
	}
	var row jobRow
	err := s.conn.GetContext(ctx, &row,
		`SELECT `+jobColumns+` FROM ingest_jobs WHERE id = $1 AND tenant_id = $2`,
		jobID, tenantID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select job: %w", err)
	}
	return row.toJob()
}

// JobFilter narrows List; zero fields mean no filter.
type JobFilter struct {
	Status     string
	Kind       string
	DocumentID string
	Limit      int
}

// List returns a tenant's jobs, newest first.
func (s *JobStore) List(ctx context.Context, tenantID string, filter JobFilter) ([]*models.Job, error) {
	if err := guard("job.list", tenantID); err != nil {
		return nil, err
	}

	query := `SELECT ` + jobColumns + ` FROM ingest_jobs WHERE tenant_id = $1`
	args := []interface{}{tenantID}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += ` AND status = $` + strconv.Itoa(len(args))
	}
	if filter.Kind != "" {
		args = append(args, filter.Kind)
		query += ` AND kind = $` + strconv.Itoa(len(args))
	}
	if filter.DocumentID != "" {
		args = append(args, filter.DocumentID)
		query += ` AND document_id = $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}

	var rows []jobRow
	if err := s.conn.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	jobs := make([]*models.Job, 0, len(rows))
	for _, r := range rows {
		job, err := r.toJob()
		if err != nil {
			s.logger.Warn("Skipping undecodable job row", zap.String("job_id", r.ID), zap.Error(err))
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// StatusUpdate carries the target status plus optional field updates. Nil
// pointers leave the stored value untouched.
type StatusUpdate struct {
	Status   string
	Progress *float64
	Error    string
	Result   *models.JobResult
}

// UpdateStatus moves a job through its state graph. The current status is
// read under FOR UPDATE and checked against the legal transitions; an
// illegal move returns ErrIllegalTransition and changes nothing.
func (s *JobStore) UpdateStatus(ctx context.Context, tenantID, jobID string, upd StatusUpdate) error {
	if err := guard("job.update_status", tenantID); err != nil {
		return err
	}

	return WithTransaction(ctx, s.conn, func(tx *sqlx.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM ingest_jobs WHERE id = $1 AND tenant_id = $2 FOR UPDATE`,
			jobID, tenantID,
		).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrJobNotFound
		}
		if err != nil {
			return fmt.Errorf("lock job row: %w", err)
		}

		if !models.CanTransition(current, upd.Status) {
			return fmt.Errorf("%w: %s to %s", ErrIllegalTransition, current, upd.Status)
		}

		sets := []string{"status = $1", "updated_at = $2"}
		args := []interface{}{upd.Status, time.Now().UTC()}
		if upd.Progress != nil {
			args = append(args, *upd.Progress)
			sets = append(sets, "progress = $"+strconv.Itoa(len(args)))
		}
		if upd.Error != "" {
			args = append(args, upd.Error)
			sets = append(sets, "error = $"+strconv.Itoa(len(args)))
		}
		if upd.Result != nil {
			encoded, err := json.Marshal(upd.Result)
			if err != nil {
				return fmt.Errorf("encode job result: %w", err)
			}
			args = append(args, encoded)
			sets = append(sets, "result = $"+strconv.Itoa(len(args)))
		}
		args = append(args, jobID, tenantID)
		query := fmt.Sprintf(`UPDATE ingest_jobs SET %s WHERE id = $%d AND tenant_id = $%d`,
			strings.Join(sets, ", "), len(args)-1, len(args))

		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("update job: %w", err)
		}

		s.logger.Debug("Job status updated",
			zap.String("job_id", jobID),
			zap.String("from", current),
			zap.String("to", upd.Status),
		)
		return nil
	})
}
