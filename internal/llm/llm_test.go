package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/tessellate-ai/ragcore/internal/config"
	"github.com/tessellate-ai/ragcore/internal/faults"
)

func testClient(t *testing.T, handler http.Handler) *ChatClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewChatClient(config.ChatModelConfig{
		BaseURL: srv.URL,
		APIKey:  "sk-test",
		Model:   "gpt-4o-mini",
		Timeout: 5 * time.Second,
	}, zaptest.NewLogger(t))
}

func completionBody(content string) string {
	b, _ := json.Marshal(map[string]any{
		"id": "chatcmpl-1",
		"choices": []map[string]any{
			{"message": map[string]string{"role": "assistant", "content": content}},
		},
		"usage": map[string]int{"prompt_tokens": 12, "completion_tokens": 7, "total_tokens": 19},
	})
	return string(b)
}

func TestCompleteSendsAuthAndDefaults(t *testing.T) {
	var got chatRequest
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, completionBody("hello there"))
	}))

	text, usage, err := client.Complete(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello there", text)
	assert.Equal(t, 19, usage.TotalTokens)
	assert.Equal(t, "gpt-4o-mini", got.Model)
	assert.False(t, got.Stream)
	assert.Nil(t, got.ResponseFormat)
}

func TestCompleteJSONStripsFences(t *testing.T) {
	var got chatRequest
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, completionBody("```json\n{\"intent\": \"greeting\"}\n```"))
	}))

	var out struct {
		Intent string `json:"intent"`
	}
	err := client.CompleteJSON(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, "greeting", out.Intent)
	require.NotNil(t, got.ResponseFormat)
	assert.Equal(t, "json_object", got.ResponseFormat.Type)
}

func TestStreamCollectsDeltas(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		frames := []string{"The", " answer", " is", " 42."}
		for _, f := range frames {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", f)
		}
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))

	chunks, err := client.Stream(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "?"}},
	})
	require.NoError(t, err)

	var text string
	var done bool
	for chunk := range chunks {
		require.NoError(t, chunk.Err)
		text += chunk.Delta
		done = chunk.Done
	}
	assert.Equal(t, "The answer is 42.", text)
	assert.True(t, done)
}

func TestStreamStopsOnContextCancel(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for i := 0; i < 1000; i++ {
			fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\n")
			flusher.Flush()
			select {
			case <-r.Context().Done():
				return
			case <-time.After(time.Millisecond):
			}
		}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	chunks, err := client.Stream(ctx, Request{Messages: []Message{{Role: "user", Content: "?"}}})
	require.NoError(t, err)

	<-chunks
	cancel()

	// The producer goroutine must close the channel once the context is
	// gone, even with no further reads pending.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-chunks:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("stream channel never closed after cancel")
		}
	}
}

func TestStatusClassification(t *testing.T) {
	cases := []struct {
		name string
		code int
		body string
		kind faults.Kind
	}{
		{"rate limited", 429, `{"error":{"message":"slow down","code":"rate_limit_exceeded"}}`, faults.KindTransientUpstream},
		{"server error", 500, `oops`, faults.KindTransientUpstream},
		{"bad request", 400, `{"error":{"message":"bad prompt"}}`, faults.KindPermanentUpstream},
		{"quota status", 402, `{"error":{"message":"payment required"}}`, faults.KindQuotaExceeded},
		{"quota via 429", 429, `{"error":{"message":"credit gone","code":"insufficient_quota"}}`, faults.KindQuotaExceeded},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.code)
				fmt.Fprint(w, tc.body)
			}))
			_, _, err := client.Complete(context.Background(), Request{
				Messages: []Message{{Role: "user", Content: "hi"}},
			})
			require.Error(t, err)
			assert.Equal(t, tc.kind, faults.KindOf(err))
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		Intent string `json:"intent"`
	}

	var out payload
	require.NoError(t, DecodeJSON(`{"intent":"chitchat"}`, &out))
	assert.Equal(t, "chitchat", out.Intent)

	out = payload{}
	require.NoError(t, DecodeJSON("```json\n{\"intent\":\"greeting\"}\n```", &out))
	assert.Equal(t, "greeting", out.Intent)

	out = payload{}
	require.NoError(t, DecodeJSON(`Sure, here you go: {"intent":"knowledge"} hope that helps`, &out))
	assert.Equal(t, "knowledge", out.Intent)

	assert.Error(t, DecodeJSON("not json at all", &out))
}
