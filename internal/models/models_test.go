package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChunkIDDeterministic(t *testing.T) {
	a := ChunkID("doc-1", 0)
	b := ChunkID("doc-1", 0)
	assert.Equal(t, a, b)

	// Distinct per ordinal and per document.
	assert.NotEqual(t, a, ChunkID("doc-1", 1))
	assert.NotEqual(t, a, ChunkID("doc-2", 0))
}

func TestJobTransitions(t *testing.T) {
	assert.True(t, CanTransition(JobPending, JobProcessing))
	assert.True(t, CanTransition(JobProcessing, JobCompleted))
	assert.True(t, CanTransition(JobProcessing, JobFailed))
	// Redelivered jobs re-enter processing.
	assert.True(t, CanTransition(JobProcessing, JobProcessing))
	// Failed jobs may be requeued.
	assert.True(t, CanTransition(JobFailed, JobPending))

	assert.False(t, CanTransition(JobCompleted, JobProcessing))
	assert.False(t, CanTransition(JobCompleted, JobFailed))
	assert.False(t, CanTransition(JobPending, JobCompleted))
}

func TestRetrievedChunkTitle(t *testing.T) {
	rc := RetrievedChunk{Chunk: Chunk{Metadata: ChunkMetadata{Filename: "handbook.pdf", Page: 3}}}
	assert.Equal(t, "handbook.pdf (Page 3)", rc.Title())

	rc.Metadata.Page = 0
	assert.Equal(t, "handbook.pdf", rc.Title())
}
