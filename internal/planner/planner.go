// Package planner classifies each user turn and rewrites the query for
// retrieval when one is needed.
package planner

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/tessellate-ai/ragcore/internal/faults"
	"github.com/tessellate-ai/ragcore/internal/llm"
	"github.com/tessellate-ai/ragcore/internal/memory"
	"github.com/tessellate-ai/ragcore/internal/metrics"
)

// Intent is the planner's classification of a user turn.
type Intent string

const (
	// IntentGreeting is a trivial social exchange; no retrieval.
	IntentGreeting Intent = "greeting"
	// IntentChitchat is general conversation; no retrieval.
	IntentChitchat Intent = "chitchat"
	// IntentKnowledge requires retrieval with a rewritten query.
	IntentKnowledge Intent = "knowledge"
	// IntentFallback is ambiguous input, retrieved with the original
	// query untouched.
	IntentFallback Intent = "fallback"
)

// Decision is the planner's output for one turn.
type Decision struct {
	Intent Intent
	// Query is what the retriever should search for: the rewritten
	// query for Knowledge, the original text otherwise.
	Query string
	// Guidance steers the generator on non-retrieval turns, e.g. how to
	// answer a greeting in the tenant's voice.
	Guidance string
}

// NeedsRetrieval reports whether the turn goes through the retriever.
func (d Decision) NeedsRetrieval() bool {
	return d.Intent == IntentKnowledge || d.Intent == IntentFallback
}

const classifySystemPrompt = `You route user messages for a document-grounded assistant. Classify the latest message into exactly one intent:
- "greeting": a bare social opener or closer (hi, thanks, bye).
- "chitchat": conversation that needs no document lookup.
- "knowledge": a question or request answerable from the tenant's documents.
- "fallback": too ambiguous to tell.

For "knowledge", rewrite the message into a self-contained search query: resolve pronouns and references like "it", "the second one", "that policy" using the conversation context, and keep the user's wording otherwise. For "greeting" and "chitchat", suggest one sentence of response guidance.

Respond with JSON: {"intent": "...", "rewritten_query": "...", "guidance": "..."}`

// recentTurnLimit bounds how much raw history the classifier sees.
const recentTurnLimit = 6

type planResponse struct {
	Intent         string `json:"intent"`
	RewrittenQuery string `json:"rewritten_query"`
	Guidance       string `json:"guidance"`
}

// Planner decides, per turn, whether to retrieve and with what query.
// It degrades safely: any model or parse failure yields a Knowledge
// decision on the original query, so a broken classifier can slow
// answers down but never block them.
type Planner struct {
	llm    llm.Client
	logger *zap.Logger
}

// New creates a planner backed by the shared chat model.
func New(client llm.Client, logger *zap.Logger) *Planner {
	return &Planner{llm: client, logger: logger}
}

// Plan classifies the query in the context of the session's memory.
func (p *Planner) Plan(ctx context.Context, query string, mem *memory.Context) (Decision, error) {
	var resp planResponse
	err := p.llm.CompleteJSON(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: classifySystemPrompt},
			{Role: "user", Content: buildClassifyPrompt(query, mem)},
		},
		Temperature: 0,
	}, &resp)
	if err != nil {
		if faults.IsCancelled(err) {
			return Decision{}, err
		}
		metrics.PlannerDecisions.WithLabelValues("parse_error").Inc()
		p.logger.Warn("Classification failed, defaulting to retrieval", zap.Error(err))
		return Decision{Intent: IntentKnowledge, Query: query}, nil
	}

	decision := p.normalise(query, resp)
	metrics.PlannerDecisions.WithLabelValues(string(decision.Intent)).Inc()
	p.logger.Debug("Planned turn",
		zap.String("intent", string(decision.Intent)),
		zap.String("query", decision.Query),
	)
	return decision, nil
}

// normalise maps a raw model response onto a usable decision. Anything
// malformed lands on Knowledge with the original query.
func (p *Planner) normalise(query string, resp planResponse) Decision {
	switch Intent(strings.ToLower(strings.TrimSpace(resp.Intent))) {
	case IntentGreeting:
		return Decision{Intent: IntentGreeting, Query: query, Guidance: resp.Guidance}
	case IntentChitchat:
		return Decision{Intent: IntentChitchat, Query: query, Guidance: resp.Guidance}
	case IntentFallback:
		// Ambiguous input retrieves with the user's own words; a model
		// rewrite of a query it could not classify is noise.
		return Decision{Intent: IntentFallback, Query: query}
	case IntentKnowledge:
		rewritten := strings.TrimSpace(resp.RewrittenQuery)
		if rewritten == "" {
			rewritten = query
		}
		return Decision{Intent: IntentKnowledge, Query: rewritten}
	default:
		return Decision{Intent: IntentKnowledge, Query: query}
	}
}

func buildClassifyPrompt(query string, mem *memory.Context) string {
	var b strings.Builder
	if mem != nil && mem.Summary != "" {
		b.WriteString("Conversation summary:\n")
		b.WriteString(mem.Summary)
		b.WriteString("\n\n")
	}
	if mem != nil && len(mem.Recent) > 0 {
		recent := mem.Recent
		if len(recent) > recentTurnLimit {
			recent = recent[len(recent)-recentTurnLimit:]
		}
		b.WriteString("Recent turns:\n")
		for _, msg := range recent {
			fmt.Fprintf(&b, "%s: %s\n", msg.Role, msg.Content)
		}
		b.WriteString("\n")
	}
	b.WriteString("Latest message:\n")
	b.WriteString(query)
	return b.String()
}
