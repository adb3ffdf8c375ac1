package chunker

import "strings"

// Tokenize splits text into estimator tokens. Whitespace-delimited words
// stand in for model tokens; the same estimator backs embedding truncation
// and the memory token budget, so every component counts the same way.
func Tokenize(text string) []string {
	return strings.Fields(text)
}

// EstimateTokens reports the estimator token count for text.
func EstimateTokens(text string) int {
	return len(strings.Fields(text))
}

// Truncate caps text at maxTokens estimator tokens. The boolean is true
// when anything was cut. maxTokens <= 0 means no limit.
func Truncate(text string, maxTokens int) (string, bool) {
	if maxTokens <= 0 {
		return text, false
	}
	fields := strings.Fields(text)
	if len(fields) <= maxTokens {
		return text, false
	}
	return strings.Join(fields[:maxTokens], " "), true
}

// sentenceTerminators close a sentence when they end a token. Includes the
// CJK full-width forms so multilingual corpora get soft boundaries too.
var sentenceTerminators = map[rune]bool{
	'.': true, '!': true, '?': true,
	'。': true, '！': true, '？': true,
}

// endsSentence reports whether a token closes a sentence. Trailing quotes
// and brackets are skipped so `word."` and `word.)` still count.
func endsSentence(token string) bool {
	runes := []rune(token)
	for i := len(runes) - 1; i >= 0; i-- {
		switch runes[i] {
		case '"', '\'', ')', ']', '”', '’', '»':
			continue
		default:
			return sentenceTerminators[runes[i]]
		}
	}
	return false
}
