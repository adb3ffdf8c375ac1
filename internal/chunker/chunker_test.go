package chunker

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessellate-ai/ragcore/internal/config"
	"github.com/tessellate-ai/ragcore/internal/models"
)

const (
	testDoc    = "6d1f0a22-9f6e-4c7f-a760-1f6a2d2a9c01"
	testTenant = "tenant-a"
)

func defaultSplitter() *Splitter {
	return New(config.ChunkingConfig{ChunkSize: 512, ChunkOverlap: 50})
}

// words returns n distinct tokens with no sentence punctuation.
func words(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("w%04d", i)
	}
	return out
}

func TestSplitEmptyInput(t *testing.T) {
	s := defaultSplitter()
	assert.Empty(t, s.Split(testDoc, testTenant, "a.txt", ""))
	assert.Empty(t, s.Split(testDoc, testTenant, "a.txt", "   \n\t  "))
}

func TestSplitShortText(t *testing.T) {
	s := defaultSplitter()
	chunks := s.Split(testDoc, testTenant, "note.txt", "hello world")
	require.Len(t, chunks, 1)

	c := chunks[0]
	assert.Equal(t, models.ChunkID(testDoc, 0), c.ID)
	assert.Equal(t, 0, c.Ordinal)
	assert.Equal(t, "hello world", c.Text)
	assert.Equal(t, 2, c.TokenCount)
	assert.Equal(t, "note.txt", c.Metadata.Filename)
	assert.Equal(t, 0, c.Metadata.Page)
}

func TestSplitWindowAndOverlap(t *testing.T) {
	s := defaultSplitter()
	tokens := words(1200)
	chunks := s.Split(testDoc, testTenant, "big.txt", strings.Join(tokens, " "))
	require.Len(t, chunks, 3)

	// Windows advance by 462 (512 - 50) with no punctuation to cut on.
	assert.Equal(t, 512, chunks[0].TokenCount)
	assert.Equal(t, 512, chunks[1].TokenCount)
	assert.Equal(t, 276, chunks[2].TokenCount)

	for i, c := range chunks {
		assert.Equal(t, i, c.Ordinal)
		assert.Equal(t, i, c.Metadata.Ordinal)
		assert.Equal(t, models.ChunkID(testDoc, i), c.ID)
		assert.LessOrEqual(t, c.TokenCount, 512+50)
		assert.GreaterOrEqual(t, c.TokenCount, 1)
	}

	// Adjacent chunks share the overlap region.
	first := strings.Fields(chunks[0].Text)
	second := strings.Fields(chunks[1].Text)
	assert.Equal(t, first[len(first)-50:], second[:50])
	assert.Equal(t, "w0462", second[0])
}

func TestSplitTailMerged(t *testing.T) {
	s := defaultSplitter()
	// 532 tokens: the second window would add only 20 new tokens, which
	// is under the 32-token floor, so it folds into the first chunk.
	chunks := s.Split(testDoc, testTenant, "doc.txt", strings.Join(words(532), " "))
	require.Len(t, chunks, 1)
	assert.Equal(t, 532, chunks[0].TokenCount)
	assert.LessOrEqual(t, chunks[0].TokenCount, 512+50)
}

func TestSplitTailKept(t *testing.T) {
	s := defaultSplitter()
	// 560 tokens leave 48 new tokens after the first window, above the
	// floor, so the tail becomes its own chunk including the overlap.
	chunks := s.Split(testDoc, testTenant, "doc.txt", strings.Join(words(560), " "))
	require.Len(t, chunks, 2)
	assert.Equal(t, 512, chunks[0].TokenCount)
	assert.Equal(t, 98, chunks[1].TokenCount)
}

func TestSplitPrefersSentenceBoundary(t *testing.T) {
	s := defaultSplitter()
	tokens := words(600)
	tokens[470] = "finished."
	chunks := s.Split(testDoc, testTenant, "doc.txt", strings.Join(tokens, " "))
	require.Len(t, chunks, 2)

	// The terminator at index 470 falls inside the last tenth of the
	// 512-token window, so the first chunk ends there.
	assert.Equal(t, 471, chunks[0].TokenCount)
	assert.True(t, strings.HasSuffix(chunks[0].Text, "finished."))

	// The next window still retreats by the overlap from the cut point.
	second := strings.Fields(chunks[1].Text)
	assert.Equal(t, "w0421", second[0])
	assert.Equal(t, 600-421, chunks[1].TokenCount)
}

func TestSplitIgnoresEarlySentenceBoundary(t *testing.T) {
	s := defaultSplitter()
	tokens := words(600)
	// Well before the last tenth of the window; must not shorten it.
	tokens[100] = "early."
	chunks := s.Split(testDoc, testTenant, "doc.txt", strings.Join(tokens, " "))
	require.Len(t, chunks, 2)
	assert.Equal(t, 512, chunks[0].TokenCount)
}

func TestSplitDeterministic(t *testing.T) {
	s := defaultSplitter()
	text := strings.Join(words(1500), " ")
	a := s.Split(testDoc, testTenant, "doc.txt", text)
	b := s.Split(testDoc, testTenant, "doc.txt", text)
	assert.Equal(t, a, b)
}

func TestSplitPages(t *testing.T) {
	s := defaultSplitter()
	pages := []string{
		strings.Join(words(40), " "),
		strings.Join(words(40), " "),
	}
	chunks := s.SplitPages(testDoc, testTenant, "scan.pdf", pages)
	require.Len(t, chunks, 2)

	assert.Equal(t, 0, chunks[0].Ordinal)
	assert.Equal(t, 1, chunks[0].Metadata.Page)
	assert.Equal(t, 1, chunks[1].Ordinal)
	assert.Equal(t, 2, chunks[1].Metadata.Page)
	assert.Equal(t, models.ChunkID(testDoc, 1), chunks[1].ID)
}

func TestEstimatorTruncate(t *testing.T) {
	text := strings.Join(words(100), " ")

	kept, cut := Truncate(text, 200)
	assert.False(t, cut)
	assert.Equal(t, text, kept)

	kept, cut = Truncate(text, 10)
	assert.True(t, cut)
	assert.Equal(t, 10, EstimateTokens(kept))

	kept, cut = Truncate(text, 0)
	assert.False(t, cut)
	assert.Equal(t, text, kept)
}
