package models

import (
	"time"
)

// Job statuses
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// Job kinds
const (
	JobKindDocumentUpload   = "document_upload"
	JobKindDocumentDeletion = "document_deletion"
)

// Progress milestones reported by the ingestion worker.
const (
	ProgressAccepted  = 0.1
	ProgressEmbedded  = 0.5
	ProgressIndexed   = 0.9
	ProgressCompleted = 1.0
)

// Job is a unit of background work with persistent status. Delivered
// at-least-once; consumers must tolerate replays.
type Job struct {
	ID         string     `json:"job_id" db:"id"`
	TenantID   string     `json:"tenant_id" db:"tenant_id"`
	Kind       string     `json:"kind" db:"kind"`
	DocumentID string     `json:"document_id" db:"document_id"`
	Path       string     `json:"path" db:"path"`
	Status     string     `json:"status" db:"status"`
	Progress   float64    `json:"progress" db:"progress"`
	Error      string     `json:"error,omitempty" db:"error"`
	Result     *JobResult `json:"result,omitempty" db:"-"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
}

// JobResult summarises a completed ingestion run.
type JobResult struct {
	ChunksCreated       int `json:"chunks_created"`
	EmbeddingsGenerated int `json:"embeddings_generated"`
	TruncatedItems      int `json:"truncated_items,omitempty"`
}

// jobTransitions is the legal status graph. Re-delivery makes
// processing to processing legal; completed is terminal and failed only
// moves back to pending on retry.
var jobTransitions = map[string][]string{
	JobPending:    {JobProcessing, JobFailed},
	JobProcessing: {JobProcessing, JobCompleted, JobFailed},
	JobCompleted:  {},
	JobFailed:     {JobPending},
}

// CanTransition reports whether moving from one job status to another is
// legal.
func CanTransition(from, to string) bool {
	for _, allowed := range jobTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a job status accepts no further work.
func (j *Job) Terminal() bool {
	return j.Status == JobCompleted || j.Status == JobFailed
}
