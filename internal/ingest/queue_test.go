package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tessellate-ai/ragcore/internal/circuitbreaker"
	"github.com/tessellate-ai/ragcore/internal/faults"
	"github.com/tessellate-ai/ragcore/internal/models"
)

type recordingJobs struct {
	mu      sync.Mutex
	created []*models.Job
}

func (r *recordingJobs) Create(_ context.Context, job *models.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = models.JobPending
	}
	r.created = append(r.created, job)
	return nil
}

func (r *recordingJobs) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.created)
}

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis, *recordingJobs) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	wrapper := circuitbreaker.NewRedisWrapper(client, "ingest", zaptest.NewLogger(t))

	jobs := &recordingJobs{}
	return NewQueue(wrapper, jobs, "ingest:queue", zaptest.NewLogger(t)), mr, jobs
}

func TestEnqueuePersistsJobThenPushes(t *testing.T) {
	q, _, jobs := newTestQueue(t)
	ctx := context.Background()

	job := UploadJob("acme", "doc-1", "")
	require.NoError(t, q.Enqueue(ctx, job))

	assert.Equal(t, 1, jobs.count())
	assert.NotEmpty(t, job.ID)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestEnqueueWithoutTenantFailsClosed(t *testing.T) {
	q, _, jobs := newTestQueue(t)

	err := q.Enqueue(context.Background(), UploadJob("", "doc-1", ""))
	require.Error(t, err)
	assert.Equal(t, faults.KindTenantScopeViolation, faults.KindOf(err))
	assert.Zero(t, jobs.count())
}

func TestDequeueMovesIntoProcessingUntilAck(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	job := UploadJob("acme", "doc-1", "")
	require.NoError(t, q.Enqueue(ctx, job))

	d, err := q.Dequeue(ctx, 200*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, job.ID, d.Job.ID)
	assert.Equal(t, "acme", d.Job.TenantID)
	assert.Equal(t, models.JobKindDocumentUpload, d.Job.Kind)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)

	inflight, err := q.client.LLen(ctx, q.processingKey())
	require.NoError(t, err)
	assert.Equal(t, int64(1), inflight, "consumed job parks in the processing list")

	require.NoError(t, q.Ack(ctx, d))
	inflight, err = q.client.LLen(ctx, q.processingKey())
	require.NoError(t, err)
	assert.Zero(t, inflight)
}

func TestDequeueTimeoutReturnsNil(t *testing.T) {
	q, _, _ := newTestQueue(t)

	d, err := q.Dequeue(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestDequeueIsFIFO(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	first := UploadJob("acme", "doc-1", "")
	second := UploadJob("acme", "doc-2", "")
	require.NoError(t, q.Enqueue(ctx, first))
	require.NoError(t, q.Enqueue(ctx, second))

	d, err := q.Dequeue(ctx, 200*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "doc-1", d.Job.DocumentID)
}

func TestReclaimRequeuesOrphans(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, UploadJob("acme", "doc-1", "")))
	require.NoError(t, q.Enqueue(ctx, UploadJob("acme", "doc-2", "")))

	// Consume one and "crash" before acking.
	d, err := q.Dequeue(ctx, 200*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, d)

	moved, err := q.Reclaim(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)

	// The reclaimed job is redelivered first.
	d2, err := q.Dequeue(ctx, 200*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, d2)
	assert.Equal(t, d.Job.ID, d2.Job.ID)
}

func TestDequeueDiscardsCorruptPayload(t *testing.T) {
	q, mr, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := mr.Lpush("ingest:queue", "{not json")
	require.NoError(t, err)

	d, err := q.Dequeue(ctx, 200*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, d)

	inflight, err := q.client.LLen(ctx, q.processingKey())
	require.NoError(t, err)
	assert.Zero(t, inflight, "corrupt payload dropped, not parked")
}
