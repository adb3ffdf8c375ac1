// Package llm provides the chat-model client shared by the planner,
// re-ranker, memory compressor, query expander, and generator.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Message is one turn of a chat-completion conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes a single chat-model call. Zero values for Model,
// Temperature, and MaxTokens fall back to the client's configured
// defaults.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	// JSONMode asks the provider for a json_object response.
	JSONMode bool
}

// Usage is the provider-reported token accounting for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunk is a single fragment of a streamed response. Callers should
// check Err and Done to detect failure and completion.
type StreamChunk struct {
	Delta string
	Done  bool
	Err   error
}

// Client is the chat-model surface the pipeline components consume.
type Client interface {
	// Complete blocks until the full response is received.
	Complete(ctx context.Context, req Request) (string, Usage, error)

	// CompleteJSON forces JSON mode and decodes the response into out,
	// tolerating markdown fences around the payload.
	CompleteJSON(ctx context.Context, req Request, out any) error

	// Stream returns a channel of response fragments. The channel is
	// closed after the Done chunk or on context cancellation.
	Stream(ctx context.Context, req Request) (<-chan StreamChunk, error)
}

// DecodeJSON unmarshals a model response into out. Models wrap payloads
// in markdown fences or lead-in prose often enough that both are
// stripped before giving up.
func DecodeJSON(raw string, out any) error {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	if err := json.Unmarshal([]byte(s), out); err == nil {
		return nil
	}
	start := strings.IndexAny(s, "{[")
	end := strings.LastIndexAny(s, "}]")
	if start >= 0 && end > start {
		if err := json.Unmarshal([]byte(s[start:end+1]), out); err == nil {
			return nil
		}
	}
	return fmt.Errorf("response is not valid JSON: %q", truncateForError(raw))
}

func truncateForError(s string) string {
	const max = 200
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
