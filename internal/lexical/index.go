package lexical

import (
	"math"
	"sort"

	"github.com/tessellate-ai/ragcore/internal/models"
)

// BM25 parameters.
const (
	k1 = 1.5
	b  = 0.75
)

// Result is one lexical hit.
type Result struct {
	Chunk models.Chunk
	Score float64
}

// entry keeps one indexed chunk plus its term frequencies so removal and
// serialization do not need to re-tokenize.
type entry struct {
	Chunk  models.Chunk
	Length int
	Terms  map[string]int
}

// index is an immutable-once-published BM25 snapshot for one tenant.
// Writers clone, mutate the clone, persist it, then swap it in; readers
// score against whatever snapshot they loaded.
type index struct {
	Chunks   map[string]*entry
	DocFreq  map[string]int
	Postings map[string]map[string]int // term -> chunk id -> tf
	TotalLen int
}

func newIndex() *index {
	return &index{
		Chunks:   make(map[string]*entry),
		DocFreq:  make(map[string]int),
		Postings: make(map[string]map[string]int),
	}
}

func (ix *index) clone() *index {
	next := &index{
		Chunks:   make(map[string]*entry, len(ix.Chunks)),
		DocFreq:  make(map[string]int, len(ix.DocFreq)),
		Postings: make(map[string]map[string]int, len(ix.Postings)),
		TotalLen: ix.TotalLen,
	}
	for id, e := range ix.Chunks {
		terms := make(map[string]int, len(e.Terms))
		for t, tf := range e.Terms {
			terms[t] = tf
		}
		next.Chunks[id] = &entry{Chunk: e.Chunk, Length: e.Length, Terms: terms}
	}
	for t, df := range ix.DocFreq {
		next.DocFreq[t] = df
	}
	for t, posting := range ix.Postings {
		p := make(map[string]int, len(posting))
		for id, tf := range posting {
			p[id] = tf
		}
		next.Postings[t] = p
	}
	return next
}

// add indexes a chunk, replacing any previous version of the same chunk
// id so re-ingestion stays idempotent.
func (ix *index) add(chunk models.Chunk) {
	ix.remove(chunk.ID)

	tokens := Tokenize(chunk.Text)
	terms := make(map[string]int, len(tokens))
	for _, t := range tokens {
		terms[t]++
	}

	ix.Chunks[chunk.ID] = &entry{Chunk: chunk, Length: len(tokens), Terms: terms}
	ix.TotalLen += len(tokens)
	for t, tf := range terms {
		posting := ix.Postings[t]
		if posting == nil {
			posting = make(map[string]int)
			ix.Postings[t] = posting
		}
		posting[chunk.ID] = tf
		ix.DocFreq[t]++
	}
}

func (ix *index) remove(chunkID string) {
	e, ok := ix.Chunks[chunkID]
	if !ok {
		return
	}
	for t := range e.Terms {
		if posting := ix.Postings[t]; posting != nil {
			delete(posting, chunkID)
			if len(posting) == 0 {
				delete(ix.Postings, t)
			}
		}
		if ix.DocFreq[t] <= 1 {
			delete(ix.DocFreq, t)
		} else {
			ix.DocFreq[t]--
		}
	}
	ix.TotalLen -= e.Length
	delete(ix.Chunks, chunkID)
}

// removeDocument drops every chunk of a document, returning how many
// were removed.
func (ix *index) removeDocument(documentID string) int {
	var ids []string
	for id, e := range ix.Chunks {
		if e.Chunk.DocumentID == documentID {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		ix.remove(id)
	}
	return len(ids)
}

// search scores the Okapi BM25 sum over unique query terms and returns
// up to k positive-scoring chunks, ordered by score descending with ties
// broken by chunk id ascending for determinism.
func (ix *index) search(queryTerms []string, k int) []Result {
	if len(ix.Chunks) == 0 || len(queryTerms) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(queryTerms))
	docCount := float64(len(ix.Chunks))
	avgLen := float64(ix.TotalLen) / docCount

	scores := make(map[string]float64)
	for _, term := range queryTerms {
		if _, dup := seen[term]; dup {
			continue
		}
		seen[term] = struct{}{}

		posting := ix.Postings[term]
		if len(posting) == 0 {
			continue
		}
		df := float64(ix.DocFreq[term])
		idf := math.Log((docCount-df+0.5)/(df+0.5) + 1)
		for chunkID, tf := range posting {
			docLen := float64(ix.Chunks[chunkID].Length)
			num := float64(tf) * (k1 + 1)
			den := float64(tf) + k1*(1-b+b*(docLen/avgLen))
			scores[chunkID] += idf * (num / den)
		}
	}

	results := make([]Result, 0, len(scores))
	for id, score := range scores {
		if score <= 0 {
			continue
		}
		results = append(results, Result{Chunk: ix.Chunks[id].Chunk, Score: score})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Chunk.ID < results[j].Chunk.ID
	})
	if k > 0 && len(results) > k {
		results = results[:k]
	}
	return results
}
