package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/tessellate-ai/ragcore/internal/models"
)

// ErrDocumentNotFound is returned when no document matches (tenant, id).
var ErrDocumentNotFound = errors.New("document not found")

// DocumentStore persists document records. The row is the source of truth
// for what exists; the deletion worker uses it to drive the index cascade.
type DocumentStore struct {
	conn   *sqlx.DB
	logger *zap.Logger
}

func NewDocumentStore(conn *sqlx.DB, logger *zap.Logger) *DocumentStore {
	return &DocumentStore{conn: conn, logger: logger}
}

const documentColumns = `id, tenant_id, filename, size_bytes, status, chunk_count, uploaded_at`

// Create inserts an accepted upload in status pending. A missing id is
// generated.
func (s *DocumentStore) Create(ctx context.Context, doc *models.Document) error {
	if err := guard("document.create", doc.TenantID); err != nil {
		return err
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.Status == "" {
		doc.Status = models.DocumentPending
	}
	if doc.UploadedAt.IsZero() {
		doc.UploadedAt = time.Now().UTC()
	}

	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO documents (id, tenant_id, filename, size_bytes, status, chunk_count, uploaded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		doc.ID, doc.TenantID, doc.Filename, doc.Size, doc.Status, doc.ChunkCount, doc.UploadedAt,
	)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}

	s.logger.Debug("Document created",
		zap.String("document_id", doc.ID),
		zap.String("tenant_id", doc.TenantID),
		zap.String("filename", doc.Filename),
	)
	return nil
}

// Get returns one document scoped to the tenant.
func (s *DocumentStore) Get(ctx context.Context, tenantID, documentID string) (*models.Document, error) {
	if err := guard("document.get", tenantID); err != nil {
		return nil, err
	}
	var doc models.Document
	err := s.conn.GetContext(ctx, &doc,
		`SELECT `+documentColumns+` FROM documents WHERE id = $1 AND tenant_id = $2`,
		documentID, tenantID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select document: %w", err)
	}
	return &doc, nil
}

// List returns a tenant's documents, newest first.
func (s *DocumentStore) List(ctx context.Context, tenantID string) ([]*models.Document, error) {
	if err := guard("document.list", tenantID); err != nil {
		return nil, err
	}
	var docs []*models.Document
	err := s.conn.SelectContext(ctx, &docs,
		`SELECT `+documentColumns+` FROM documents WHERE tenant_id = $1 ORDER BY uploaded_at DESC`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return docs, nil
}

// SetStatus records a status change without touching counts.
func (s *DocumentStore) SetStatus(ctx context.Context, tenantID, documentID, status string) error {
	if err := guard("document.set_status", tenantID); err != nil {
		return err
	}
	res, err := s.conn.ExecContext(ctx,
		`UPDATE documents SET status = $1 WHERE id = $2 AND tenant_id = $3`,
		status, documentID, tenantID,
	)
	if err != nil {
		return fmt.Errorf("update document status: %w", err)
	}
	return requireRow(res)
}

// SetIndexed marks a document fully indexed with its final chunk count.
func (s *DocumentStore) SetIndexed(ctx context.Context, tenantID, documentID string, chunkCount int) error {
	if err := guard("document.set_indexed", tenantID); err != nil {
		return err
	}
	res, err := s.conn.ExecContext(ctx,
		`UPDATE documents SET status = $1, chunk_count = $2 WHERE id = $3 AND tenant_id = $4`,
		models.DocumentIndexed, chunkCount, documentID, tenantID,
	)
	if err != nil {
		return fmt.Errorf("mark document indexed: %w", err)
	}
	return requireRow(res)
}

// Delete removes the document row. Index and file cleanup happen in the
// deletion worker before this call.
func (s *DocumentStore) Delete(ctx context.Context, tenantID, documentID string) error {
	if err := guard("document.delete", tenantID); err != nil {
		return err
	}
	res, err := s.conn.ExecContext(ctx,
		`DELETE FROM documents WHERE id = $1 AND tenant_id = $2`,
		documentID, tenantID,
	)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrDocumentNotFound
	}
	return nil
}
