package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tessellate-ai/ragcore/internal/circuitbreaker"
	"github.com/tessellate-ai/ragcore/internal/config"
	"github.com/tessellate-ai/ragcore/internal/faults"
	"github.com/tessellate-ai/ragcore/internal/tracing"
)

// DefaultBaseURL is used when no chat endpoint is configured.
const DefaultBaseURL = "https://api.openai.com"

// ChatClient talks to an OpenAI-compatible /v1/chat/completions endpoint.
// Outbound calls run through a circuit breaker and an optional rate
// limiter; traceparent headers are injected for upstream correlation.
type ChatClient struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	maxTokens   int

	limiter *rate.Limiter
	unary   *circuitbreaker.HTTPWrapper
	stream  *circuitbreaker.HTTPWrapper
	logger  *zap.Logger
}

// NewChatClient builds a ChatClient from configuration. The streaming
// transport carries no client timeout; the request context governs
// stream lifetime instead.
func NewChatClient(cfg config.ChatModelConfig, logger *zap.Logger) *ChatClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	base := strings.TrimSuffix(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return &ChatClient{
		baseURL:     base,
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		limiter:     limiter,
		unary:       circuitbreaker.NewHTTPWrapper(&http.Client{Timeout: cfg.Timeout}, "chat", "llm", logger),
		stream:      circuitbreaker.NewHTTPWrapper(&http.Client{}, "chat_stream", "llm", logger),
		logger:      logger,
	}
}

var _ Client = (*ChatClient)(nil)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Stream         bool            `json:"stream,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatChoice struct {
	Message      chatMessage `json:"message"`
	Delta        chatMessage `json:"delta"`
	FinishReason string      `json:"finish_reason"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Choices []chatChoice `json:"choices"`
	Usage   Usage        `json:"usage"`
	Error   *apiError    `json:"error,omitempty"`
}

// Complete sends a blocking chat-completion request.
func (c *ChatClient) Complete(ctx context.Context, req Request) (string, Usage, error) {
	resp, err := c.send(ctx, req, false, c.unary)
	if err != nil {
		return "", Usage{}, err
	}
	defer resp.Body.Close()

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", Usage{}, faults.Permanent("llm.complete", fmt.Errorf("decoding response: %w", err))
	}
	if len(out.Choices) == 0 {
		return "", Usage{}, faults.Permanent("llm.complete", errors.New("response contained no choices"))
	}
	return out.Choices[0].Message.Content, out.Usage, nil
}

// CompleteJSON runs Complete in JSON mode and decodes the payload into
// out. Decode failures are permanent; callers fall back rather than
// retry.
func (c *ChatClient) CompleteJSON(ctx context.Context, req Request, out any) error {
	req.JSONMode = true
	raw, _, err := c.Complete(ctx, req)
	if err != nil {
		return err
	}
	if err := DecodeJSON(raw, out); err != nil {
		return faults.Permanent("llm.decode", err)
	}
	return nil
}

// Stream opens an SSE chat-completion stream and forwards text deltas on
// the returned channel. The goroutine exits when the upstream sends
// [DONE], the body ends, or ctx is cancelled.
func (c *ChatClient) Stream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	resp, err := c.send(ctx, req, true, c.stream)
	if err != nil {
		return nil, err
	}

	chunks := make(chan StreamChunk)
	go func() {
		defer close(chunks)
		defer resp.Body.Close()

		emit := func(chunk StreamChunk) bool {
			select {
			case <-ctx.Done():
				return false
			case chunks <- chunk:
				return true
			}
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "[DONE]" {
				emit(StreamChunk{Done: true})
				return
			}
			var frame chatResponse
			if err := json.Unmarshal([]byte(payload), &frame); err != nil {
				emit(StreamChunk{Err: faults.Permanent("llm.stream", fmt.Errorf("parsing frame: %w", err)), Done: true})
				return
			}
			if len(frame.Choices) == 0 {
				continue
			}
			if delta := frame.Choices[0].Delta.Content; delta != "" {
				if !emit(StreamChunk{Delta: delta}) {
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			emit(StreamChunk{Err: c.classifyTransport("llm.stream", err), Done: true})
			return
		}
		// Upstream closed without a [DONE] marker; treat as complete.
		emit(StreamChunk{Done: true})
	}()
	return chunks, nil
}

func (c *ChatClient) send(ctx context.Context, req Request, stream bool, wrapper *circuitbreaker.HTTPWrapper) (*http.Response, error) {
	op := "llm.complete"
	if stream {
		op = "llm.stream"
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, faults.New(faults.KindCancelled, op, err)
		}
	}

	body, err := json.Marshal(c.buildBody(req, stream))
	if err != nil {
		return nil, faults.Permanent(op, fmt.Errorf("marshaling request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, faults.Permanent(op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	tracing.InjectTraceparent(ctx, httpReq)

	resp, err := wrapper.Do(httpReq)
	if err != nil {
		return nil, c.classifyTransport(op, err)
	}
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, statusFault(op, resp.StatusCode, payload)
	}
	return resp, nil
}

func (c *ChatClient) buildBody(req Request, stream bool) chatRequest {
	model := req.Model
	if model == "" {
		model = c.model
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	messages := make([]chatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, chatMessage{Role: m.Role, Content: m.Content})
	}

	out := chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
		Stream:      stream,
	}
	if req.JSONMode {
		out.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	return out
}

// Health probes the provider's model listing, the cheapest
// authenticated endpoint OpenAI-compatible servers expose.
func (c *ChatClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models", nil)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.unary.Do(req)
	if err != nil {
		return c.classifyTransport("llm.health", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("chat provider status %d", resp.StatusCode)
	}
	return nil
}

// classifyTransport maps connection-level failures onto the taxonomy.
// Network errors and open breakers are retryable; only an explicit
// cancellation is not.
func (c *ChatClient) classifyTransport(op string, err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return faults.New(faults.KindCancelled, op, err)
	case errors.Is(err, circuitbreaker.ErrOpen), errors.Is(err, circuitbreaker.ErrTooManyRequests):
		return faults.Transient(op, err)
	default:
		return faults.Transient(op, err)
	}
}

// statusFault classifies a non-200 upstream response. A 429 carrying an
// insufficient_quota code is exhausted credit, not rate limiting, and is
// not worth retrying.
func statusFault(op string, code int, body []byte) error {
	detail := strings.TrimSpace(string(body))
	var envelope struct {
		Error *apiError `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Error != nil && envelope.Error.Message != "" {
		detail = envelope.Error.Message
	}

	kind := faults.ClassifyStatus(code)
	if code == http.StatusTooManyRequests && envelope.Error != nil && envelope.Error.Code == "insufficient_quota" {
		kind = faults.KindQuotaExceeded
	}
	return faults.New(kind, op, fmt.Errorf("status %d: %s", code, detail))
}
