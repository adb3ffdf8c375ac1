// Package chunker cuts document text into overlapping, deterministically
// identified chunks for indexing.
package chunker

import (
	"strings"

	"github.com/tessellate-ai/ragcore/internal/config"
	"github.com/tessellate-ai/ragcore/internal/models"
)

// Splitter windows text into chunks of chunkSize estimator tokens,
// advancing by chunkSize-overlap so adjacent chunks share context.
type Splitter struct {
	chunkSize int
	overlap   int
}

// New creates a Splitter, applying defaults for missing or degenerate
// configuration.
func New(cfg config.ChunkingConfig) *Splitter {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 512
	}
	if cfg.ChunkOverlap < 0 || cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = cfg.ChunkSize / 10
	}
	return &Splitter{chunkSize: cfg.ChunkSize, overlap: cfg.ChunkOverlap}
}

// Split chunks a single run of text. Ordinals are assigned from 0 and
// chunk ids derive from (documentID, ordinal), so re-splitting the same
// text yields byte-identical chunks. Empty or whitespace-only input
// yields an empty list.
func (s *Splitter) Split(documentID, tenantID, filename, text string) []models.Chunk {
	meta := models.ChunkMetadata{Filename: filename}
	return s.appendChunks(nil, documentID, tenantID, meta, text)
}

// SplitPages chunks page texts in order, numbering pages from 1 while
// keeping one contiguous ordinal range across the whole document.
func (s *Splitter) SplitPages(documentID, tenantID, filename string, pages []string) []models.Chunk {
	var chunks []models.Chunk
	for i, page := range pages {
		meta := models.ChunkMetadata{Filename: filename, Page: i + 1}
		chunks = s.appendChunks(chunks, documentID, tenantID, meta, page)
	}
	return chunks
}

type span struct {
	start, end int
}

// appendChunks windows one run of text and appends the resulting chunks
// to dst, continuing dst's ordinal sequence.
func (s *Splitter) appendChunks(dst []models.Chunk, documentID, tenantID string, meta models.ChunkMetadata, text string) []models.Chunk {
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return dst
	}

	// A final tail shorter than this is folded into the previous chunk
	// instead of becoming a fragment.
	minTail := s.overlap
	if minTail > 32 {
		minTail = 32
	}

	var spans []span
	start := 0
	for start < len(tokens) {
		end := start + s.chunkSize
		if end >= len(tokens) {
			end = len(tokens)
			if len(spans) > 0 {
				prev := &spans[len(spans)-1]
				if end-prev.end <= minTail {
					prev.end = end
					break
				}
			}
			spans = append(spans, span{start, end})
			break
		}

		// Prefer a sentence end within the last tenth of the window.
		floor := end - s.chunkSize/10
		if floor <= start {
			floor = start + 1
		}
		for j := end - 1; j >= floor; j-- {
			if endsSentence(tokens[j]) {
				end = j + 1
				break
			}
		}

		spans = append(spans, span{start, end})

		next := end - s.overlap
		if next <= start {
			// Advancement must never stall, even with a pathological
			// overlap configuration.
			next = end
		}
		start = next
	}

	for _, sp := range spans {
		ordinal := len(dst)
		m := meta
		m.Ordinal = ordinal
		dst = append(dst, models.Chunk{
			ID:         models.ChunkID(documentID, ordinal),
			DocumentID: documentID,
			TenantID:   tenantID,
			Ordinal:    ordinal,
			Text:       strings.Join(tokens[sp.start:sp.end], " "),
			TokenCount: sp.end - sp.start,
			Metadata:   m,
		})
	}
	return dst
}
