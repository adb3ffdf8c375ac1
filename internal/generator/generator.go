// Package generator turns a planned turn into a streamed, cited answer
// in the tenant's voice.
package generator

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tessellate-ai/ragcore/internal/llm"
	"github.com/tessellate-ai/ragcore/internal/memory"
	"github.com/tessellate-ai/ragcore/internal/models"
	"github.com/tessellate-ai/ragcore/internal/tenant"
)

// Delta is one event of a generation stream. The three variants are
// TextDelta, SourceDelta, and End; text arrives first, then the cited
// sources, then exactly one End.
type Delta interface{ isDelta() }

// TextDelta is a fragment of answer text.
type TextDelta struct {
	Text string
}

// SourceDelta names one chunk the answer cited.
type SourceDelta struct {
	ChunkID string
	Title   string
	Preview string
	Page    int
	Score   float64
}

// End closes a stream. MessageID is the id the assistant message will
// be persisted under.
type End struct {
	MessageID string
}

func (TextDelta) isDelta()   {}
func (SourceDelta) isDelta() {}
func (End) isDelta()         {}

// Request is one generation call.
type Request struct {
	Tenant *tenant.Config
	Query  string
	// Chunks is the retrieval result, already cut and ordered. Nil for
	// conversational turns and for knowledge turns the corpus could not
	// answer.
	Chunks []models.RetrievedChunk
	Memory *memory.Context
	// Guidance is the planner's hint for conversational turns.
	Guidance string
	// Conversational skips the context block entirely.
	Conversational bool
	// MessageID is the pre-allocated id of the assistant message.
	MessageID string
}

// Stream is one in-flight generation. Read Deltas() until it closes,
// then check Err(): a stream that closes without an End delta failed or
// was cancelled.
type Stream struct {
	deltas chan Delta

	mu  sync.Mutex
	err error
}

// Deltas returns the event channel.
func (s *Stream) Deltas() <-chan Delta { return s.deltas }

// Err reports why the stream ended early. Valid after Deltas() closes.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// previewLen bounds the source snippet attached to a citation.
const previewLen = 200

var citationPattern = regexp.MustCompile(`\[(\d+)\]`)

// Generator streams answers grounded in retrieved chunks.
type Generator struct {
	llm    llm.Client
	logger *zap.Logger
}

// New creates a generator on the shared chat model.
func New(client llm.Client, logger *zap.Logger) *Generator {
	return &Generator{llm: client, logger: logger}
}

// Generate starts the model stream and returns immediately. Text deltas
// are forwarded as they arrive; once the model finishes, the cited
// sources are parsed out of the full text and emitted, then End.
func (g *Generator) Generate(ctx context.Context, req Request) (*Stream, error) {
	messages := buildMessages(req, time.Now())
	upstream, err := g.llm.Stream(ctx, llm.Request{Messages: messages})
	if err != nil {
		return nil, fmt.Errorf("start generation: %w", err)
	}

	s := &Stream{deltas: make(chan Delta, 16)}
	go g.pump(ctx, req, upstream, s)
	return s, nil
}

func (g *Generator) pump(ctx context.Context, req Request, upstream <-chan llm.StreamChunk, s *Stream) {
	defer close(s.deltas)

	var text strings.Builder
	done := false
	for chunk := range upstream {
		if chunk.Err != nil {
			s.fail(chunk.Err)
			g.logger.Warn("Generation stream failed",
				zap.String("message_id", req.MessageID),
				zap.Error(chunk.Err),
			)
			return
		}
		if chunk.Delta != "" {
			text.WriteString(chunk.Delta)
			select {
			case s.deltas <- TextDelta{Text: chunk.Delta}:
			case <-ctx.Done():
				s.fail(ctx.Err())
				return
			}
		}
		if chunk.Done {
			done = true
			break
		}
	}
	if !done {
		err := ctx.Err()
		if err == nil {
			err = fmt.Errorf("model stream ended without completion")
		}
		s.fail(err)
		return
	}

	for _, src := range citedSources(text.String(), req.Chunks) {
		select {
		case s.deltas <- src:
		case <-ctx.Done():
			s.fail(ctx.Err())
			return
		}
	}
	select {
	case s.deltas <- End{MessageID: req.MessageID}:
	case <-ctx.Done():
		s.fail(ctx.Err())
	}
}

// citedSources maps [n] citations in the answer onto the context block,
// deduplicated by chunk id in first-citation order. Citations pointing
// outside the block are dropped.
func citedSources(text string, chunks []models.RetrievedChunk) []SourceDelta {
	if len(chunks) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(chunks))
	var out []SourceDelta
	for _, m := range citationPattern.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > len(chunks) {
			continue
		}
		chunk := chunks[n-1]
		if seen[chunk.ID] {
			continue
		}
		seen[chunk.ID] = true
		out = append(out, SourceDelta{
			ChunkID: chunk.ID,
			Title:   chunk.Title(),
			Preview: preview(chunk.Text),
			Page:    chunk.Metadata.Page,
			Score:   displayScore(chunk),
		})
	}
	return out
}

func preview(text string) string {
	runes := []rune(text)
	if len(runes) <= previewLen {
		return text
	}
	return string(runes[:previewLen]) + "..."
}

// displayScore picks the most informative score for the caller: the
// model's 0..10 relevance when the re-rank ran, the RRF sum otherwise.
func displayScore(c models.RetrievedChunk) float64 {
	if c.RerankScore >= 0 {
		return c.RerankScore
	}
	return c.FusedScore
}

func buildMessages(req Request, now time.Time) []llm.Message {
	msgs := []llm.Message{{Role: "system", Content: buildSystemPrompt(req, now)}}

	if req.Memory != nil {
		for _, m := range req.Memory.Recent {
			role := m.Role
			if role != models.RoleUser && role != models.RoleAssistant {
				continue
			}
			msgs = append(msgs, llm.Message{Role: role, Content: m.Content})
		}
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: req.Query})
	return msgs
}

func buildSystemPrompt(req Request, now time.Time) string {
	t := req.Tenant
	var b strings.Builder

	fmt.Fprintf(&b, "You are the assistant for %s", t.Name)
	if t.Industry != tenant.IndustryOther {
		fmt.Fprintf(&b, ", a %s company", strings.ReplaceAll(string(t.Industry), "_", " "))
	}
	fmt.Fprintf(&b, ". Answer in a %s tone.\n", t.BrandTone)
	fmt.Fprintf(&b, "Today's date is %s.\n", now.Format("January 2, 2006"))
	if len(t.Languages) > 0 {
		fmt.Fprintf(&b, "Respond only in these languages: %s.\n", strings.Join(t.Languages, ", "))
	}
	if len(t.Capabilities) > 0 {
		fmt.Fprintf(&b, "You can help with: %s.\n", strings.Join(t.Capabilities, "; "))
	}
	if len(t.Constraints) > 0 {
		b.WriteString("Rules you must follow:\n")
		for _, c := range t.Constraints {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	if t.CustomInstructions != "" {
		b.WriteString(t.CustomInstructions)
		b.WriteString("\n")
	}

	if req.Conversational {
		b.WriteString("\nThis is a conversational turn; answer briefly without consulting documents.\n")
		if req.Guidance != "" {
			fmt.Fprintf(&b, "Guidance: %s\n", req.Guidance)
		}
	} else if len(req.Chunks) > 0 {
		b.WriteString("\nAnswer using only the numbered context below. Cite every statement you take from it with its source number like [1] or [2]. If the context does not contain the answer, say so plainly.\n\nContext:\n")
		for i, c := range req.Chunks {
			fmt.Fprintf(&b, "[%d] Source: %s\n%s\n\n", i+1, c.Title(), c.Text)
		}
	} else {
		b.WriteString("\nNo relevant material was found in the document corpus for this question. Say plainly that the provided materials do not cover it, and do not invent an answer.\n")
	}

	if req.Memory != nil && req.Memory.Summary != "" {
		fmt.Fprintf(&b, "\nSummary of the earlier conversation:\n%s\n", req.Memory.Summary)
	}
	return b.String()
}
