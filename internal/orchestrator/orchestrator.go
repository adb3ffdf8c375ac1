// Package orchestrator drives one chat turn end to end: persist the
// user message, load memory, plan, retrieve, generate, and persist the
// streamed answer. Turns on the same session run strictly one at a
// time; the answer text a client has already seen is persisted even
// when the client disconnects mid-stream.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tessellate-ai/ragcore/internal/config"
	"github.com/tessellate-ai/ragcore/internal/faults"
	"github.com/tessellate-ai/ragcore/internal/generator"
	"github.com/tessellate-ai/ragcore/internal/memory"
	"github.com/tessellate-ai/ragcore/internal/metrics"
	"github.com/tessellate-ai/ragcore/internal/models"
	"github.com/tessellate-ai/ragcore/internal/planner"
	"github.com/tessellate-ai/ragcore/internal/streaming"
	"github.com/tessellate-ai/ragcore/internal/tenant"
)

// Turn lifecycle states, published on the event hub as they are
// entered. StateFailed is reachable from every other state; turns that
// skip retrieval go straight from planning to generating.
const (
	StateReceived   = "received"
	StatePlanning   = "planning"
	StateRetrieving = "retrieving"
	StateGenerating = "generating"
	StatePersisting = "persisting"
	StateDone       = "done"
	StateFailed     = "failed"
)

const (
	defaultTurnDeadline = 60 * time.Second
	defaultPersistGrace = 5 * time.Second
	defaultMaxRetries   = 1
)

// Sessions is the slice of the session store the orchestrator uses.
type Sessions interface {
	GetOrCreate(ctx context.Context, tenantID, sessionID string) (*models.ChatSession, error)
}

// Memory loads conversation context and appends messages to it.
type Memory interface {
	Load(ctx context.Context, tenantID, sessionID string) (*memory.Context, error)
	Append(ctx context.Context, msg models.Message) (*models.ChatSession, error)
}

// Planner classifies a turn and rewrites its retrieval query.
type Planner interface {
	Plan(ctx context.Context, query string, mem *memory.Context) (planner.Decision, error)
}

// Retriever runs hybrid retrieval, plus query expansion for the retry
// path.
type Retriever interface {
	Retrieve(ctx context.Context, tenantID, query string) ([]models.RetrievedChunk, error)
	RetrieveUnion(ctx context.Context, tenantID string, queries []string) ([]models.RetrievedChunk, error)
	Expand(ctx context.Context, query string) ([]string, error)
}

// Generator streams the answer for a planned turn.
type Generator interface {
	Generate(ctx context.Context, req generator.Request) (*generator.Stream, error)
}

// Deps wires the orchestrator's collaborators.
type Deps struct {
	Sessions  Sessions
	Memory    Memory
	Planner   Planner
	Retriever Retriever
	Generator Generator
	Tenants   tenant.Registry
	// Hub receives turn events for SSE subscribers; nil disables publishing.
	Hub       *streaming.Hub
	Service   config.ServiceConfig
	Retrieval config.RetrievalConfig
	Logger    *zap.Logger
}

// Orchestrator owns the chat turn pipeline.
type Orchestrator struct {
	sessions  Sessions
	memory    Memory
	planner   Planner
	retriever Retriever
	generator Generator
	tenants   tenant.Registry
	hub       *streaming.Hub
	logger    *zap.Logger

	turnDeadline time.Duration
	persistGrace time.Duration
	maxRetries   int
	expansion    bool

	turnLocks sync.Map // "tenant:session" -> chan struct{} (capacity 1)
	inflight  sync.WaitGroup
}

// New creates an orchestrator. Zero durations in cfg pick the defaults.
func New(deps Deps) *Orchestrator {
	o := &Orchestrator{
		sessions:     deps.Sessions,
		memory:       deps.Memory,
		planner:      deps.Planner,
		retriever:    deps.Retriever,
		generator:    deps.Generator,
		tenants:      deps.Tenants,
		hub:          deps.Hub,
		logger:       deps.Logger,
		turnDeadline: deps.Service.TurnDeadline,
		persistGrace: deps.Service.PersistGrace,
		maxRetries:   deps.Retrieval.MaxRetries,
		expansion:    deps.Retrieval.EnableQueryExpansion,
	}
	if o.turnDeadline <= 0 {
		o.turnDeadline = defaultTurnDeadline
	}
	if o.persistGrace <= 0 {
		o.persistGrace = defaultPersistGrace
	}
	if o.maxRetries < 0 {
		o.maxRetries = defaultMaxRetries
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	return o
}

// Turn is the caller-facing handle for one accepted chat turn. Read
// Deltas() until it closes, then check Err(): a turn whose channel
// closes without an End delta failed or was cancelled. The End delta
// arrives only after the assistant message is durably persisted.
type Turn struct {
	ID        string
	SessionID string
	// MessageID is the id the assistant message is persisted under.
	MessageID string

	deltas chan generator.Delta
	mu     sync.Mutex
	err    error
}

// Deltas returns the turn's event channel.
func (t *Turn) Deltas() <-chan generator.Delta { return t.deltas }

// Err reports why the turn ended without an End delta. Valid after
// Deltas() closes.
func (t *Turn) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Turn) fail(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
}

// Chat accepts one user turn and starts processing it. An empty
// sessionID opens a new session. The call blocks while an earlier turn
// on the same session is still running, so messages enter the log in
// the order their turns were accepted; ctx bounds both that wait and
// the turn itself. The returned Turn streams the answer.
func (o *Orchestrator) Chat(ctx context.Context, tenantID, sessionID, userMessage string) (*Turn, error) {
	tc, err := o.tenants.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	userMessage = strings.TrimSpace(userMessage)
	if userMessage == "" {
		return nil, errors.New("empty user message")
	}

	sess, err := o.sessions.GetOrCreate(ctx, tenantID, sessionID)
	if err != nil {
		return nil, err
	}

	unlock, err := o.lockSession(ctx, tc.ID, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("waiting for previous turn: %w", err)
	}

	turn := &Turn{
		ID:        uuid.NewString(),
		SessionID: sess.ID,
		MessageID: uuid.NewString(),
		deltas:    make(chan generator.Delta, 64),
	}
	metrics.TurnsStarted.WithLabelValues(tc.ID).Inc()
	o.logger.Info("Turn accepted",
		zap.String("turn_id", turn.ID),
		zap.String("session_id", sess.ID),
		zap.String("tenant_id", tc.ID),
	)

	o.inflight.Add(1)
	go func() {
		defer o.inflight.Done()
		o.run(ctx, turn, tc, userMessage, unlock)
	}()
	return turn, nil
}

// Drain blocks until every accepted turn has finished persisting. Call
// it at shutdown after the caller has stopped accepting new turns; the
// per-turn deadline bounds the wait.
func (o *Orchestrator) Drain() {
	o.inflight.Wait()
}

func (o *Orchestrator) run(ctx context.Context, turn *Turn, tc *tenant.Config, userMessage string, unlock func()) {
	defer unlock()
	defer close(turn.deltas)

	start := time.Now()
	turnCtx, cancel := context.WithTimeout(ctx, o.turnDeadline)
	defer cancel()

	o.publishState(turn, StateReceived)

	err := o.pipeline(turnCtx, turn, tc, userMessage)
	status := "done"
	switch {
	case err == nil:
	case faults.IsCancelled(err):
		status = "cancelled"
		turn.fail(err)
		o.publishFailure(turn, err)
		o.logger.Info("Turn cancelled",
			zap.String("turn_id", turn.ID),
			zap.String("tenant_id", tc.ID),
		)
	default:
		status = "failed"
		turn.fail(err)
		o.publishFailure(turn, err)
		o.logger.Error("Turn failed",
			zap.String("turn_id", turn.ID),
			zap.String("tenant_id", tc.ID),
			zap.String("correlation_id", faults.CorrelationID(err)),
			zap.Error(err),
		)
	}

	metrics.TurnsCompleted.WithLabelValues(tc.ID, status).Inc()
	metrics.TurnDuration.WithLabelValues(tc.ID).Observe(time.Since(start).Seconds())
}

func (o *Orchestrator) pipeline(ctx context.Context, turn *Turn, tc *tenant.Config, userMessage string) error {
	// The user message is persisted before any model call so a failed
	// turn never loses what the user said.
	if _, err := o.memory.Append(ctx, models.Message{
		SessionID: turn.SessionID,
		TenantID:  tc.ID,
		Role:      models.RoleUser,
		Content:   userMessage,
	}); err != nil {
		return fmt.Errorf("persist user message: %w", err)
	}

	mem, err := o.memory.Load(ctx, tc.ID, turn.SessionID)
	if err != nil {
		if faults.IsCancelled(err) {
			return err
		}
		o.logger.Warn("Memory load failed, continuing without history",
			zap.String("session_id", turn.SessionID),
			zap.Error(err),
		)
		mem = &memory.Context{}
	}
	trimCurrentTurn(mem, userMessage)

	o.publishState(turn, StatePlanning)
	stage := time.Now()
	decision, err := o.planner.Plan(ctx, userMessage, mem)
	metrics.TurnStageDuration.WithLabelValues("planning").Observe(time.Since(stage).Seconds())
	if err != nil {
		return err
	}

	var chunks []models.RetrievedChunk
	var retrieval *models.RetrievalMetadata
	if decision.NeedsRetrieval() {
		o.publishState(turn, StateRetrieving)
		stage = time.Now()
		chunks, retrieval, err = o.retrieve(ctx, tc.ID, decision.Query)
		metrics.TurnStageDuration.WithLabelValues("retrieval").Observe(time.Since(stage).Seconds())
		if err != nil {
			return err
		}
	}

	o.publishState(turn, StateGenerating)
	stage = time.Now()
	stream, err := o.generator.Generate(ctx, generator.Request{
		Tenant:         tc,
		Query:          userMessage,
		Chunks:         chunks,
		Memory:         mem,
		Guidance:       decision.Guidance,
		Conversational: !decision.NeedsRetrieval(),
		MessageID:      turn.MessageID,
	})
	if err != nil {
		return err
	}
	text, genErr := o.tee(ctx, turn, stream)
	metrics.TurnStageDuration.WithLabelValues("generation").Observe(time.Since(stage).Seconds())

	if genErr != nil {
		// Whatever text already reached the client survives the failure.
		if text != "" {
			o.publishState(turn, StatePersisting)
			if perr := o.persistAssistant(ctx, turn, tc.ID, text, retrieval); perr != nil {
				o.logger.Error("Failed to persist partial answer",
					zap.String("turn_id", turn.ID),
					zap.String("session_id", turn.SessionID),
					zap.Error(perr),
				)
			}
		}
		return genErr
	}

	o.publishState(turn, StatePersisting)
	stage = time.Now()
	err = o.persistAssistant(ctx, turn, tc.ID, text, retrieval)
	metrics.TurnStageDuration.WithLabelValues("persistence").Observe(time.Since(stage).Seconds())
	if err != nil {
		return err
	}

	// End reaches the caller only now, so seeing it guarantees the
	// message exists under turn.MessageID.
	o.forward(ctx, turn, generator.End{MessageID: turn.MessageID})
	o.publish(turn, streaming.Event{
		Type:      streaming.EventEnd,
		State:     StateDone,
		MessageID: turn.MessageID,
	})
	return nil
}

// retrieve runs hybrid retrieval and, when the first pass comes back
// empty, retries once per budget with model-expanded paraphrases. An
// expansion failure ends the retry, not the turn.
func (o *Orchestrator) retrieve(ctx context.Context, tenantID, query string) ([]models.RetrievedChunk, *models.RetrievalMetadata, error) {
	meta := &models.RetrievalMetadata{Query: query}
	chunks, err := o.retriever.Retrieve(ctx, tenantID, query)
	if err != nil {
		return nil, nil, err
	}

	for attempt := 0; len(chunks) == 0 && o.expansion && attempt < o.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		queries, expErr := o.retriever.Expand(ctx, query)
		if expErr != nil {
			if faults.IsCancelled(expErr) {
				return nil, nil, expErr
			}
			o.logger.Warn("Query expansion failed, answering without context",
				zap.String("tenant_id", tenantID),
				zap.Error(expErr),
			)
			break
		}
		chunks, err = o.retriever.RetrieveUnion(ctx, tenantID, queries)
		if err != nil {
			return nil, nil, err
		}
		meta.ExpandedQuery = true
		o.logger.Info("Retried retrieval with expanded queries",
			zap.String("tenant_id", tenantID),
			zap.Int("paraphrases", len(queries)-1),
			zap.Int("chunks", len(chunks)),
		)
	}

	meta.ChunkIDs = chunkIDs(chunks)
	return chunks, meta, nil
}

// tee forwards generation deltas to the caller and the event hub while
// collecting the full answer text. The generator's End is swallowed
// here and re-sent by the pipeline after persistence.
func (o *Orchestrator) tee(ctx context.Context, turn *Turn, stream *generator.Stream) (string, error) {
	var text strings.Builder
	ended := false
	for d := range stream.Deltas() {
		switch v := d.(type) {
		case generator.TextDelta:
			text.WriteString(v.Text)
			o.publish(turn, streaming.Event{Type: streaming.EventDelta, Text: v.Text})
			o.forward(ctx, turn, v)
		case generator.SourceDelta:
			o.publish(turn, streaming.Event{Type: streaming.EventSource, Source: &streaming.Source{
				ChunkID: v.ChunkID,
				Title:   v.Title,
				Preview: v.Preview,
				Page:    v.Page,
				Score:   v.Score,
			}})
			o.forward(ctx, turn, v)
		case generator.End:
			ended = true
		}
	}
	if err := stream.Err(); err != nil {
		return text.String(), err
	}
	if !ended {
		return text.String(), errors.New("generation stream closed without completing")
	}
	return text.String(), nil
}

// persistAssistant writes the assistant message on a detached context:
// text the client already saw must outlive a disconnect or the turn
// deadline, bounded by the persist grace.
func (o *Orchestrator) persistAssistant(ctx context.Context, turn *Turn, tenantID, text string, retrieval *models.RetrievalMetadata) error {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.persistGrace)
	defer cancel()

	if _, err := o.memory.Append(pctx, models.Message{
		ID:        turn.MessageID,
		SessionID: turn.SessionID,
		TenantID:  tenantID,
		Role:      models.RoleAssistant,
		Content:   text,
		Retrieval: retrieval,
	}); err != nil {
		return fmt.Errorf("persist assistant message: %w", err)
	}
	return nil
}

// lockSession serialises turns per session. The wait honours ctx so a
// caller that gives up does not queue a stale turn behind the running
// one.
func (o *Orchestrator) lockSession(ctx context.Context, tenantID, sessionID string) (func(), error) {
	key := tenantID + ":" + sessionID
	v, _ := o.turnLocks.LoadOrStore(key, make(chan struct{}, 1))
	sem := v.(chan struct{})
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// forward delivers one delta to the caller's channel. A caller that
// stopped reading stalls here until its buffer drains or the turn
// context ends; the hub copy of the event is never blocked on.
func (o *Orchestrator) forward(ctx context.Context, turn *Turn, d generator.Delta) {
	select {
	case turn.deltas <- d:
	case <-ctx.Done():
	}
}

func (o *Orchestrator) publish(turn *Turn, ev streaming.Event) {
	if o.hub == nil {
		return
	}
	ev.SessionID = turn.SessionID
	o.hub.Publish(turn.ID, ev)
}

func (o *Orchestrator) publishState(turn *Turn, state string) {
	o.publish(turn, streaming.Event{Type: streaming.EventState, State: state})
}

func (o *Orchestrator) publishFailure(turn *Turn, err error) {
	o.publish(turn, streaming.Event{
		Type:  streaming.EventError,
		State: StateFailed,
		Error: sanitize(err),
	})
}

// sanitize reduces an error to its classification and correlation id;
// upstream details stay in the logs.
func sanitize(err error) string {
	var f *faults.Fault
	if errors.As(err, &f) {
		return f.Sanitized()
	}
	return faults.KindOf(err).String()
}

// trimCurrentTurn drops the just-persisted user message from the loaded
// history. The planner and generator both append the query themselves;
// without the trim it would appear twice in their prompts.
func trimCurrentTurn(mem *memory.Context, userMessage string) {
	n := len(mem.Recent)
	if n == 0 {
		return
	}
	last := mem.Recent[n-1]
	if last.Role == models.RoleUser && last.Content == userMessage {
		mem.Recent = mem.Recent[:n-1]
	}
}

func chunkIDs(chunks []models.RetrievedChunk) []string {
	if len(chunks) == 0 {
		return nil
	}
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
	}
	return ids
}
