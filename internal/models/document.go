package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Document statuses
const (
	DocumentPending    = "pending"
	DocumentProcessing = "processing"
	DocumentIndexed    = "indexed"
	DocumentFailed     = "failed"
)

// chunkNamespace seeds deterministic chunk ids. Never change it: chunk ids
// must stay stable across re-ingestion of the same document.
var chunkNamespace = uuid.MustParse("8f3c1c44-2b9e-4f3a-9d57-6f2f6a1c9b10")

// Document is an accepted upload. Immutable once accepted; deletion cascades
// to every chunk and both indices.
type Document struct {
	ID         string    `json:"document_id" db:"id"`
	TenantID   string    `json:"tenant_id" db:"tenant_id"`
	Filename   string    `json:"filename" db:"filename"`
	Size       int64     `json:"size" db:"size_bytes"`
	Status     string    `json:"status" db:"status"`
	ChunkCount int       `json:"chunk_count" db:"chunk_count"`
	UploadedAt time.Time `json:"uploaded_at" db:"uploaded_at"`
}

// ChunkMetadata travels with every chunk into both indices so citations can
// name their source.
type ChunkMetadata struct {
	Filename string `json:"filename"`
	Page     int    `json:"page,omitempty"` // 0 when the source has no pages
	Ordinal  int    `json:"ordinal"`
}

// Chunk is the unit of indexing and citation.
type Chunk struct {
	ID         string        `json:"chunk_id"`
	DocumentID string        `json:"document_id"`
	TenantID   string        `json:"tenant_id"`
	Ordinal    int           `json:"ordinal"`
	Text       string        `json:"text"`
	TokenCount int           `json:"token_count"`
	Metadata   ChunkMetadata `json:"metadata"`
}

// ChunkID derives the stable id for (document, ordinal). Re-ingesting the
// same document yields the same ids, which is what makes worker replays
// idempotent.
func ChunkID(documentID string, ordinal int) string {
	return uuid.NewSHA1(chunkNamespace, []byte(fmt.Sprintf("%s:%d", documentID, ordinal))).String()
}

// RetrievedChunk is a chunk scored by the retrieval pipeline.
type RetrievedChunk struct {
	Chunk
	// Score is the branch-native score (cosine similarity or BM25).
	Score float64 `json:"score"`
	// FusedScore is the RRF sum across branches.
	FusedScore float64 `json:"fused_score"`
	// RerankScore is the model-assigned 0..10 relevance, -1 when the
	// re-rank step was skipped.
	RerankScore float64 `json:"rerank_score"`
}

// Title renders the citation label shown alongside a source, e.g.
// "handbook.pdf (Page 3)".
func (r *RetrievedChunk) Title() string {
	if r.Metadata.Page > 0 {
		return fmt.Sprintf("%s (Page %d)", r.Metadata.Filename, r.Metadata.Page)
	}
	return r.Metadata.Filename
}
