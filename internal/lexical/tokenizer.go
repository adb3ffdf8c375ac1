package lexical

import (
	"hash/fnv"
	"regexp"
	"sort"
	"strings"
)

// tokenPattern matches unicode letter runs (with combining marks) and
// digit runs; everything else is treated as punctuation and dropped.
var tokenPattern = regexp.MustCompile(`\p{L}[\p{L}\p{M}]*|\p{N}+`)

// stopwords is the fixed 50-entry English list. No stemming is applied,
// so the list stays small and conservative.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"but": {}, "by": {}, "for": {}, "from": {}, "had": {}, "has": {},
	"have": {}, "he": {}, "her": {}, "his": {}, "i": {}, "if": {}, "in": {},
	"into": {}, "is": {}, "it": {}, "its": {}, "no": {}, "not": {}, "of": {},
	"on": {}, "or": {}, "our": {}, "she": {}, "so": {}, "that": {}, "the": {},
	"their": {}, "them": {}, "then": {}, "there": {}, "these": {}, "they": {},
	"this": {}, "to": {}, "was": {}, "we": {}, "were": {}, "which": {},
	"who": {}, "will": {}, "with": {}, "you": {},
}

// Tokenize lowercases text, splits on the unicode token pattern, and
// drops stopwords. Documents and queries must go through the same path
// or scores are meaningless.
func Tokenize(text string) []string {
	matches := tokenPattern.FindAllString(strings.ToLower(text), -1)
	out := matches[:0]
	for _, tok := range matches {
		if _, stop := stopwords[tok]; stop {
			continue
		}
		out = append(out, tok)
	}
	return out
}

// TokenizerHash fingerprints the tokenizer configuration. Persisted
// index files carry it so an index tokenized under different rules is
// rejected instead of silently misscoring.
func TokenizerHash() uint32 {
	words := make([]string, 0, len(stopwords))
	for w := range stopwords {
		words = append(words, w)
	}
	sort.Strings(words)

	h := fnv.New32a()
	h.Write([]byte(tokenPattern.String()))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(words, ",")))
	return h.Sum32()
}
