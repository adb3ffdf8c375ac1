// Package memory maintains per-session conversation context: a rolling
// window of verbatim messages plus an LLM-compressed summary of
// everything older.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tessellate-ai/ragcore/internal/config"
	"github.com/tessellate-ai/ragcore/internal/llm"
	"github.com/tessellate-ai/ragcore/internal/metrics"
	"github.com/tessellate-ai/ragcore/internal/models"
	"github.com/tessellate-ai/ragcore/internal/session"
)

const compressTimeout = 30 * time.Second

const compressSystemPrompt = `You compress chat history for a retrieval assistant. Merge the prior summary and the listed messages into a single updated summary. Preserve user intents, stated preferences, named entities, and unresolved questions. Drop greetings and pleasantries. Write plain prose with no preamble. Stay under %d tokens.`

// Context is what the planner and generator see of a conversation: the
// compressed summary of older turns plus the recent messages verbatim.
type Context struct {
	Summary string
	Recent  []models.Message
}

// Manager layers compression on top of the session store. Compression
// runs in the background after an append pushes the uncompressed tail
// past the threshold; a failed compression leaves every message in
// place, so the window grows until a later attempt succeeds.
type Manager struct {
	sessions *session.Store
	llm      llm.Client
	cfg      config.MemoryConfig
	logger   *zap.Logger

	locks sync.Map // session key -> *sync.Mutex
	wg    sync.WaitGroup
}

// NewManager creates a conversation memory manager.
func NewManager(sessions *session.Store, client llm.Client, cfg config.MemoryConfig, logger *zap.Logger) *Manager {
	if cfg.Window <= 0 {
		cfg.Window = 10
	}
	if cfg.SummaryMaxTokens <= 0 {
		cfg.SummaryMaxTokens = 500
	}
	if cfg.CompressThreshold < cfg.Window {
		cfg.CompressThreshold = cfg.Window
	}
	return &Manager{sessions: sessions, llm: client, cfg: cfg, logger: logger}
}

// Load returns the session's summary and every message past the summary
// watermark. The tail normally holds at most Window messages but grows
// while compression is pending or failing. An unknown session loads as
// empty context.
func (m *Manager) Load(ctx context.Context, tenantID, sessionID string) (*Context, error) {
	sess, err := m.sessions.Get(ctx, tenantID, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return &Context{}, nil
	}
	if err != nil {
		return nil, err
	}

	msgs, err := m.sessions.MessagesFrom(ctx, tenantID, sessionID, sess.SummaryUpTo)
	if err != nil {
		return nil, err
	}
	return &Context{Summary: sess.Summary, Recent: msgs}, nil
}

// Append stores the message and, when the uncompressed tail has grown
// past the threshold, kicks off background compression. The append
// itself never waits on the model.
func (m *Manager) Append(ctx context.Context, msg models.Message) (*models.ChatSession, error) {
	sess, err := m.sessions.AppendMessage(ctx, msg)
	if err != nil {
		return nil, err
	}

	if sess.MessageCount-sess.SummaryUpTo > m.cfg.CompressThreshold {
		m.wg.Add(1)
		go func(tenantID, sessionID string) {
			defer m.wg.Done()
			cctx, cancel := context.WithTimeout(context.Background(), compressTimeout)
			defer cancel()
			if err := m.Compress(cctx, tenantID, sessionID); err != nil {
				m.logger.Warn("Background compression failed",
					zap.String("session_id", sessionID),
					zap.String("tenant_id", tenantID),
					zap.Error(err),
				)
			}
		}(sess.TenantID, sess.ID)
	}
	return sess, nil
}

// Compress folds every message older than the window into the summary.
// Concurrent calls for the same session coalesce: whoever holds the
// lock does the work, later callers return immediately. No message is
// dropped until the new watermark is durably recorded.
func (m *Manager) Compress(ctx context.Context, tenantID, sessionID string) error {
	lock := m.lockFor(tenantID, sessionID)
	if !lock.TryLock() {
		return nil
	}
	defer lock.Unlock()

	sess, err := m.sessions.Get(ctx, tenantID, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	msgs, err := m.sessions.MessagesFrom(ctx, tenantID, sessionID, sess.SummaryUpTo)
	if err != nil {
		return err
	}
	if len(msgs) <= m.cfg.Window {
		return nil
	}

	cut := len(msgs) - m.cfg.Window
	fold := msgs[:cut]
	upTo := sess.SummaryUpTo + cut

	summary, _, err := m.llm.Complete(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: fmt.Sprintf(compressSystemPrompt, m.cfg.SummaryMaxTokens)},
			{Role: "user", Content: buildCompressPrompt(sess.Summary, fold)},
		},
		Temperature: 0.1,
		MaxTokens:   m.cfg.SummaryMaxTokens,
	})
	if err != nil {
		metrics.MemoryCompressions.WithLabelValues("error").Inc()
		return fmt.Errorf("compress session %s: %w", sessionID, err)
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		metrics.MemoryCompressions.WithLabelValues("error").Inc()
		return fmt.Errorf("compress session %s: model returned empty summary", sessionID)
	}

	if err := m.sessions.SetSummary(ctx, tenantID, sessionID, summary, upTo); err != nil {
		metrics.MemoryCompressions.WithLabelValues("error").Inc()
		return err
	}
	metrics.MemoryCompressions.WithLabelValues("ok").Inc()
	m.logger.Info("Compressed conversation history",
		zap.String("session_id", sessionID),
		zap.String("tenant_id", tenantID),
		zap.Int("messages_folded", cut),
		zap.Int("summary_up_to", upTo),
	)
	return nil
}

// Wait blocks until in-flight background compressions finish. Called on
// shutdown.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) lockFor(tenantID, sessionID string) *sync.Mutex {
	key := tenantID + ":" + sessionID
	actual, _ := m.locks.LoadOrStore(key, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

func buildCompressPrompt(prior string, fold []models.Message) string {
	var b strings.Builder
	b.WriteString("Prior summary:\n")
	if prior == "" {
		b.WriteString("(none)\n")
	} else {
		b.WriteString(prior)
		b.WriteString("\n")
	}
	b.WriteString("\nMessages to fold in:\n")
	for _, msg := range fold {
		b.WriteString(msg.Role)
		b.WriteString(": ")
		b.WriteString(msg.Content)
		b.WriteString("\n")
	}
	return b.String()
}
