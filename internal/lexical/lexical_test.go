package lexical

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tessellate-ai/ragcore/internal/faults"
	"github.com/tessellate-ai/ragcore/internal/models"
)

const (
	tenantA = "tenant-a"
	tenantB = "tenant-b"
)

func testChunk(docID string, ordinal int, tenantID, text string) models.Chunk {
	return models.Chunk{
		ID:         models.ChunkID(docID, ordinal),
		DocumentID: docID,
		TenantID:   tenantID,
		Ordinal:    ordinal,
		Text:       text,
		TokenCount: len(Tokenize(text)),
		Metadata:   models.ChunkMetadata{Filename: docID + ".txt", Ordinal: ordinal},
	}
}

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	m, err := NewManager(dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	return m, dir
}

func TestTokenizeLowercasesAndDropsStopwords(t *testing.T) {
	got := Tokenize("The Quick BROWN fox, and the lazy dog!")
	assert.Equal(t, []string{"quick", "brown", "fox", "lazy", "dog"}, got)
}

func TestTokenizeUnicode(t *testing.T) {
	got := Tokenize("Café naïve 東京 2024 года")
	assert.Equal(t, []string{"café", "naïve", "東京", "2024", "года"}, got)
}

func TestTokenizeNumbersSplitFromLetters(t *testing.T) {
	got := Tokenize("port 8080 and ipv6 addresses")
	assert.Equal(t, []string{"port", "8080", "ipv", "6", "addresses"}, got)
}

func TestUpsertAndSearchIsolatesTenants(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Upsert(ctx, tenantA, []models.Chunk{
		testChunk("doc-1", 0, tenantA, "postgres replication lag monitoring"),
		testChunk("doc-1", 1, tenantA, "redis cluster failover runbook"),
	}))
	require.NoError(t, m.Upsert(ctx, tenantB, []models.Chunk{
		testChunk("doc-2", 0, tenantB, "postgres vacuum tuning guide"),
	}))

	hits, err := m.Search(ctx, tenantA, "postgres replication", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, tenantA, hits[0].Chunk.TenantID)
	assert.Equal(t, models.ChunkID("doc-1", 0), hits[0].Chunk.ID)
	assert.Greater(t, hits[0].Score, 0.0)

	hits, err = m.Search(ctx, tenantB, "postgres", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "doc-2", hits[0].Chunk.DocumentID)
}

func TestSearchOmitsZeroScoreChunks(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Upsert(ctx, tenantA, []models.Chunk{
		testChunk("doc-1", 0, tenantA, "kubernetes ingress controllers"),
	}))

	hits, err := m.Search(ctx, tenantA, "unrelated query terms", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearchTieBreaksByChunkID(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	// Identical text gives identical scores; order must still be stable.
	chunks := []models.Chunk{
		testChunk("doc-1", 0, tenantA, "identical text here"),
		testChunk("doc-1", 1, tenantA, "identical text here"),
		testChunk("doc-1", 2, tenantA, "identical text here"),
	}
	require.NoError(t, m.Upsert(ctx, tenantA, chunks))

	first, err := m.Search(ctx, tenantA, "identical text", 10)
	require.NoError(t, err)
	require.Len(t, first, 3)
	for i := 1; i < len(first); i++ {
		assert.Equal(t, first[i-1].Score, first[i].Score)
		assert.Less(t, first[i-1].Chunk.ID, first[i].Chunk.ID)
	}

	second, err := m.Search(ctx, tenantA, "identical text", 10)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestUpsertReplacesExistingChunk(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Upsert(ctx, tenantA, []models.Chunk{
		testChunk("doc-1", 0, tenantA, "original wording about databases"),
	}))
	require.NoError(t, m.Upsert(ctx, tenantA, []models.Chunk{
		testChunk("doc-1", 0, tenantA, "revised wording about caching"),
	}))

	n, err := m.Count(ctx, tenantA)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	hits, err := m.Search(ctx, tenantA, "databases", 10)
	require.NoError(t, err)
	assert.Empty(t, hits, "stale postings must not survive a replay")

	hits, err = m.Search(ctx, tenantA, "caching", 10)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestDeleteByDocument(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Upsert(ctx, tenantA, []models.Chunk{
		testChunk("doc-1", 0, tenantA, "alpha content"),
		testChunk("doc-1", 1, tenantA, "beta content"),
		testChunk("doc-2", 0, tenantA, "gamma content"),
	}))

	require.NoError(t, m.DeleteByDocument(ctx, tenantA, "doc-1"))

	n, err := m.Count(ctx, tenantA)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	hits, err := m.Search(ctx, tenantA, "alpha", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	// Unknown document deletes are no-ops.
	require.NoError(t, m.DeleteByDocument(ctx, tenantA, "doc-9"))
}

func TestPersistenceRoundTrip(t *testing.T) {
	m, dir := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Upsert(ctx, tenantA, []models.Chunk{
		testChunk("doc-1", 0, tenantA, "persisted chunk about vector search"),
		testChunk("doc-1", 1, tenantA, "persisted chunk about keyword search"),
	}))

	// A fresh manager over the same directory must see the same index.
	reopened, err := NewManager(dir, zaptest.NewLogger(t))
	require.NoError(t, err)

	n, err := reopened.Count(ctx, tenantA)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	hits, err := reopened.Search(ctx, tenantA, "keyword search", 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, models.ChunkID("doc-1", 1), hits[0].Chunk.ID)
	assert.Equal(t, "persisted chunk about keyword search", hits[0].Chunk.Text)
}

func TestSaveLeavesNoTempFile(t *testing.T) {
	m, dir := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Upsert(ctx, tenantA, []models.Chunk{
		testChunk("doc-1", 0, tenantA, "some content"),
	}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, tenantA+".bm25", entries[0].Name())
}

func TestCorruptFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, tenantA+".bm25")
	require.NoError(t, os.WriteFile(path, []byte("not an index"), 0o644))

	m, err := NewManager(dir, zaptest.NewLogger(t))
	require.NoError(t, err)

	n, err := m.Count(context.Background(), tenantA)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestVersionMismatchStartsEmpty(t *testing.T) {
	m, dir := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Upsert(ctx, tenantA, []models.Chunk{
		testChunk("doc-1", 0, tenantA, "content written under the current format"),
	}))

	// Flip the version byte; the loader must refuse the file.
	path := filepath.Join(dir, tenantA+".bm25")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[0] = formatVersion + 1
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	_, err = load(path)
	require.ErrorIs(t, err, ErrIncompatible)

	reopened, err := NewManager(dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	n, err := reopened.Count(ctx, tenantA)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestMissingTenantScopeFailsClosed(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Search(ctx, "", "query", 10)
	require.Error(t, err)
	assert.Equal(t, faults.KindTenantScopeViolation, faults.KindOf(err))

	err = m.Upsert(ctx, "../escape", []models.Chunk{testChunk("doc-1", 0, "../escape", "text")})
	require.Error(t, err)
	assert.Equal(t, faults.KindTenantScopeViolation, faults.KindOf(err))
}

func TestUpsertRejectsForeignChunk(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	err := m.Upsert(ctx, tenantA, []models.Chunk{
		testChunk("doc-1", 0, tenantB, "chunk tagged for another tenant"),
	})
	require.Error(t, err)
	assert.Equal(t, faults.KindTenantScopeViolation, faults.KindOf(err))

	n, err := m.Count(ctx, tenantA)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSearchLimitsToK(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	var chunks []models.Chunk
	for i := 0; i < 8; i++ {
		chunks = append(chunks, testChunk("doc-1", i, tenantA, "shared term content"))
	}
	require.NoError(t, m.Upsert(ctx, tenantA, chunks))

	hits, err := m.Search(ctx, tenantA, "shared term", 3)
	require.NoError(t, err)
	assert.Len(t, hits, 3)
}
