package generator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tessellate-ai/ragcore/internal/faults"
	"github.com/tessellate-ai/ragcore/internal/llm"
	"github.com/tessellate-ai/ragcore/internal/memory"
	"github.com/tessellate-ai/ragcore/internal/models"
	"github.com/tessellate-ai/ragcore/internal/tenant"
)

// streamingClient replays a scripted sequence of stream chunks.
type streamingClient struct {
	chunks   []llm.StreamChunk
	startErr error
	endless  bool
	req      llm.Request
}

func (c *streamingClient) Complete(ctx context.Context, req llm.Request) (string, llm.Usage, error) {
	return "", llm.Usage{}, errors.New("not used")
}

func (c *streamingClient) CompleteJSON(ctx context.Context, req llm.Request, out any) error {
	return errors.New("not used")
}

func (c *streamingClient) Stream(ctx context.Context, req llm.Request) (<-chan llm.StreamChunk, error) {
	if c.startErr != nil {
		return nil, c.startErr
	}
	c.req = req
	ch := make(chan llm.StreamChunk)
	go func() {
		defer close(ch)
		for _, k := range c.chunks {
			select {
			case ch <- k:
			case <-ctx.Done():
				return
			}
		}
		for c.endless {
			select {
			case ch <- llm.StreamChunk{Delta: "x"}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

var _ llm.Client = (*streamingClient)(nil)

func textChunks(words ...string) []llm.StreamChunk {
	out := make([]llm.StreamChunk, 0, len(words)+1)
	for _, w := range words {
		out = append(out, llm.StreamChunk{Delta: w})
	}
	return append(out, llm.StreamChunk{Done: true})
}

func testTenant() *tenant.Config {
	return &tenant.Config{
		ID:          "acme",
		Name:        "Acme Outdoor",
		Industry:    tenant.IndustryEcommerce,
		BrandTone:   tenant.ToneFriendly,
		Languages:   []string{"en", "de"},
		Constraints: []string{"never promise delivery dates"},
	}
}

func retrieved(id, filename, text string, page int) models.RetrievedChunk {
	return models.RetrievedChunk{
		Chunk: models.Chunk{
			ID:       id,
			TenantID: "acme",
			Text:     text,
			Metadata: models.ChunkMetadata{Filename: filename, Page: page},
		},
		Score:       0.8,
		FusedScore:  0.03,
		RerankScore: 7,
	}
}

func collect(t *testing.T, s *Stream) []Delta {
	t.Helper()
	var out []Delta
	timeout := time.After(2 * time.Second)
	for {
		select {
		case d, ok := <-s.Deltas():
			if !ok {
				return out
			}
			out = append(out, d)
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

func TestGenerateStreamsTextThenSourcesThenEnd(t *testing.T) {
	client := &streamingClient{chunks: textChunks("The tent ", "weighs 2kg [1]", " and packs small [2].")}
	g := New(client, zaptest.NewLogger(t))

	s, err := g.Generate(context.Background(), Request{
		Tenant: testTenant(),
		Query:  "how heavy is the tent?",
		Chunks: []models.RetrievedChunk{
			retrieved("chunk-a", "catalog.pdf", "The Alpine tent weighs 2kg.", 4),
			retrieved("chunk-b", "catalog.pdf", "Packed size is 40cm.", 5),
		},
		MessageID: "msg-123",
	})
	require.NoError(t, err)

	deltas := collect(t, s)
	require.NoError(t, s.Err())
	require.Len(t, deltas, 3+2+1)

	var text strings.Builder
	for _, d := range deltas[:3] {
		td, ok := d.(TextDelta)
		require.True(t, ok, "text deltas come first")
		text.WriteString(td.Text)
	}
	assert.Equal(t, "The tent weighs 2kg [1] and packs small [2].", text.String())

	src1, ok := deltas[3].(SourceDelta)
	require.True(t, ok)
	assert.Equal(t, "chunk-a", src1.ChunkID)
	assert.Equal(t, "catalog.pdf (Page 4)", src1.Title)
	assert.Equal(t, "The Alpine tent weighs 2kg.", src1.Preview)
	assert.Equal(t, 4, src1.Page)
	assert.Equal(t, 7.0, src1.Score)

	src2, ok := deltas[4].(SourceDelta)
	require.True(t, ok)
	assert.Equal(t, "chunk-b", src2.ChunkID)

	end, ok := deltas[5].(End)
	require.True(t, ok)
	assert.Equal(t, "msg-123", end.MessageID)
}

func TestGenerateDeduplicatesCitations(t *testing.T) {
	client := &streamingClient{chunks: textChunks("See [2], also [1], and again [2].")}
	g := New(client, zaptest.NewLogger(t))

	s, err := g.Generate(context.Background(), Request{
		Tenant: testTenant(),
		Query:  "q",
		Chunks: []models.RetrievedChunk{
			retrieved("chunk-a", "a.txt", "alpha", 0),
			retrieved("chunk-b", "b.txt", "beta", 0),
		},
		MessageID: "m",
	})
	require.NoError(t, err)

	deltas := collect(t, s)
	var sources []SourceDelta
	for _, d := range deltas {
		if sd, ok := d.(SourceDelta); ok {
			sources = append(sources, sd)
		}
	}
	require.Len(t, sources, 2)
	assert.Equal(t, "chunk-b", sources[0].ChunkID, "first-cited first")
	assert.Equal(t, "chunk-a", sources[1].ChunkID)
}

func TestGenerateDropsOutOfRangeCitations(t *testing.T) {
	client := &streamingClient{chunks: textChunks("Claims [7] and [0] are bogus, [1] is real.")}
	g := New(client, zaptest.NewLogger(t))

	s, err := g.Generate(context.Background(), Request{
		Tenant:    testTenant(),
		Query:     "q",
		Chunks:    []models.RetrievedChunk{retrieved("chunk-a", "a.txt", "alpha", 0)},
		MessageID: "m",
	})
	require.NoError(t, err)

	deltas := collect(t, s)
	var sources []SourceDelta
	for _, d := range deltas {
		if sd, ok := d.(SourceDelta); ok {
			sources = append(sources, sd)
		}
	}
	require.Len(t, sources, 1)
	assert.Equal(t, "chunk-a", sources[0].ChunkID)
}

func TestGenerateEmptyContextInstructsHonesty(t *testing.T) {
	client := &streamingClient{chunks: textChunks("The provided materials do not cover that.")}
	g := New(client, zaptest.NewLogger(t))

	s, err := g.Generate(context.Background(), Request{
		Tenant:    testTenant(),
		Query:     "what about quantum pricing?",
		MessageID: "m",
	})
	require.NoError(t, err)
	deltas := collect(t, s)

	system := client.req.Messages[0].Content
	assert.Contains(t, system, "do not cover it")
	assert.NotContains(t, system, "Context:")
	for _, d := range deltas {
		_, isSource := d.(SourceDelta)
		assert.False(t, isSource, "no sources without context")
	}
}

func TestGenerateConversationalTurn(t *testing.T) {
	client := &streamingClient{chunks: textChunks("Hello! How can I help?")}
	g := New(client, zaptest.NewLogger(t))

	s, err := g.Generate(context.Background(), Request{
		Tenant:         testTenant(),
		Query:          "hi!",
		Guidance:       "Greet back warmly.",
		Conversational: true,
		MessageID:      "m",
	})
	require.NoError(t, err)
	collect(t, s)

	system := client.req.Messages[0].Content
	assert.Contains(t, system, "conversational turn")
	assert.Contains(t, system, "Greet back warmly.")
	assert.NotContains(t, system, "Context:")
}

func TestGeneratePromptCarriesTenantVoiceAndMemory(t *testing.T) {
	client := &streamingClient{chunks: textChunks("ok")}
	g := New(client, zaptest.NewLogger(t))

	s, err := g.Generate(context.Background(), Request{
		Tenant: testTenant(),
		Query:  "and in winter?",
		Chunks: []models.RetrievedChunk{retrieved("chunk-a", "a.txt", "alpha", 0)},
		Memory: &memory.Context{
			Summary: "User is planning a hiking trip.",
			Recent: []models.Message{
				{Role: models.RoleUser, Content: "which tent do you recommend?"},
				{Role: models.RoleAssistant, Content: "The Alpine tent [1]."},
			},
		},
		MessageID: "m",
	})
	require.NoError(t, err)
	collect(t, s)

	require.GreaterOrEqual(t, len(client.req.Messages), 4)
	system := client.req.Messages[0].Content
	assert.Contains(t, system, "Acme Outdoor")
	assert.Contains(t, system, "ecommerce company")
	assert.Contains(t, system, "friendly tone")
	assert.Contains(t, system, "en, de")
	assert.Contains(t, system, "never promise delivery dates")
	assert.Contains(t, system, "User is planning a hiking trip.")
	assert.Contains(t, system, "Today's date is")

	assert.Equal(t, "user", client.req.Messages[1].Role)
	assert.Equal(t, "which tent do you recommend?", client.req.Messages[1].Content)
	assert.Equal(t, "assistant", client.req.Messages[2].Role)
	last := client.req.Messages[len(client.req.Messages)-1]
	assert.Equal(t, "user", last.Role)
	assert.Equal(t, "and in winter?", last.Content)
}

func TestGenerateMidStreamErrorSetsErr(t *testing.T) {
	upstream := faults.Transient("llm.stream", errors.New("connection reset"))
	client := &streamingClient{chunks: []llm.StreamChunk{
		{Delta: "partial "},
		{Err: upstream, Done: true},
	}}
	g := New(client, zaptest.NewLogger(t))

	s, err := g.Generate(context.Background(), Request{Tenant: testTenant(), Query: "q", MessageID: "m"})
	require.NoError(t, err)

	deltas := collect(t, s)
	require.Error(t, s.Err())
	assert.True(t, faults.IsTransient(s.Err()))
	for _, d := range deltas {
		_, isEnd := d.(End)
		assert.False(t, isEnd, "failed streams never emit End")
	}
}

func TestGenerateCancellation(t *testing.T) {
	client := &streamingClient{endless: true}
	g := New(client, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, err := g.Generate(ctx, Request{Tenant: testTenant(), Query: "q", MessageID: "m"})
	require.NoError(t, err)

	got := 0
	for d := range s.Deltas() {
		if _, ok := d.(TextDelta); ok {
			got++
			if got == 5 {
				cancel()
			}
		}
	}
	require.Error(t, s.Err())
	assert.True(t, errors.Is(s.Err(), context.Canceled))
}

func TestGenerateStartFailurePropagates(t *testing.T) {
	client := &streamingClient{startErr: faults.Transient("llm.stream", errors.New("502"))}
	g := New(client, zaptest.NewLogger(t))

	_, err := g.Generate(context.Background(), Request{Tenant: testTenant(), Query: "q", MessageID: "m"})
	require.Error(t, err)
	assert.True(t, faults.IsTransient(err))
}

func TestPreviewTruncatesLongChunks(t *testing.T) {
	long := strings.Repeat("é", 300)
	client := &streamingClient{chunks: textChunks("see [1]")}
	g := New(client, zaptest.NewLogger(t))

	s, err := g.Generate(context.Background(), Request{
		Tenant:    testTenant(),
		Query:     "q",
		Chunks:    []models.RetrievedChunk{retrieved("chunk-a", "a.txt", long, 0)},
		MessageID: "m",
	})
	require.NoError(t, err)

	deltas := collect(t, s)
	var src SourceDelta
	for _, d := range deltas {
		if sd, ok := d.(SourceDelta); ok {
			src = sd
		}
	}
	assert.True(t, strings.HasSuffix(src.Preview, "..."))
	assert.Equal(t, 200, len([]rune(strings.TrimSuffix(src.Preview, "..."))))
}
