package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tessellate-ai/ragcore/internal/circuitbreaker"
	"github.com/tessellate-ai/ragcore/internal/faults"
	"github.com/tessellate-ai/ragcore/internal/metrics"
	"github.com/tessellate-ai/ragcore/internal/models"
)

// ErrNotFound is returned when a session does not exist under the
// caller's tenant. Cross-tenant lookups report the same error so a
// session's existence never leaks across tenants.
var ErrNotFound = errors.New("session not found")

// Store persists chat sessions and their message logs in Redis. The
// session record (counts, summary watermark) lives under one key and
// the ordered message log under another; both keys embed the tenant id
// so no lookup can cross tenants by construction.
//
// Writes to a single session are not atomic across the two keys.
// Callers serialise writes per session; the orchestrator does this with
// a per-session turn lock.
type Store struct {
	client *circuitbreaker.RedisWrapper
	ttl    time.Duration
	logger *zap.Logger
}

// NewStore creates a session store. ttl bounds how long an idle
// session and its messages survive; every write refreshes it.
func NewStore(client *circuitbreaker.RedisWrapper, ttl time.Duration, logger *zap.Logger) *Store {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &Store{client: client, ttl: ttl, logger: logger}
}

func sessionKey(tenantID, sessionID string) string {
	return fmt.Sprintf("session:%s:%s", tenantID, sessionID)
}

func messagesKey(tenantID, sessionID string) string {
	return fmt.Sprintf("messages:%s:%s", tenantID, sessionID)
}

func (s *Store) guard(op, tenantID string) error {
	if strings.TrimSpace(tenantID) == "" {
		metrics.TenantScopeViolations.WithLabelValues("session").Inc()
		return faults.TenantScope(op)
	}
	return nil
}

// Create starts a new active session for the tenant.
func (s *Store) Create(ctx context.Context, tenantID string) (*models.ChatSession, error) {
	if err := s.guard("session.create", tenantID); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	sess := &models.ChatSession{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Status:    models.SessionActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.save(ctx, sess); err != nil {
		return nil, err
	}
	s.logger.Info("Created session",
		zap.String("session_id", sess.ID),
		zap.String("tenant_id", tenantID),
	)
	return sess, nil
}

// Get loads a session scoped to the tenant. Missing sessions, and
// sessions owned by another tenant, return ErrNotFound.
func (s *Store) Get(ctx context.Context, tenantID, sessionID string) (*models.ChatSession, error) {
	if err := s.guard("session.get", tenantID); err != nil {
		return nil, err
	}
	if sessionID == "" {
		return nil, ErrNotFound
	}

	data, err := s.client.Get(ctx, sessionKey(tenantID, sessionID))
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	var sess models.ChatSession
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	// The key already embeds the tenant; a mismatched record means the
	// store was written around. Refuse to serve it.
	if sess.TenantID != tenantID {
		metrics.TenantScopeViolations.WithLabelValues("session").Inc()
		s.logger.Error("Session record tenant mismatch",
			zap.String("session_id", sessionID),
			zap.String("expected_tenant", tenantID),
			zap.String("stored_tenant", sess.TenantID),
		)
		return nil, ErrNotFound
	}
	return &sess, nil
}

// GetOrCreate resolves the session for a turn. An empty sessionID
// starts a fresh session; an unknown one is created under the given id
// so clients may mint their own ids.
func (s *Store) GetOrCreate(ctx context.Context, tenantID, sessionID string) (*models.ChatSession, error) {
	if sessionID == "" {
		return s.Create(ctx, tenantID)
	}
	sess, err := s.Get(ctx, tenantID, sessionID)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	sess = &models.ChatSession{
		ID:        sessionID,
		TenantID:  tenantID,
		Status:    models.SessionActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.save(ctx, sess); err != nil {
		return nil, err
	}
	s.logger.Info("Created session with client id",
		zap.String("session_id", sessionID),
		zap.String("tenant_id", tenantID),
	)
	return sess, nil
}

// AppendMessage appends msg to the session's log and updates the
// per-role counters. The session must already exist. Returns the
// updated session.
func (s *Store) AppendMessage(ctx context.Context, msg models.Message) (*models.ChatSession, error) {
	if err := s.guard("session.append", msg.TenantID); err != nil {
		return nil, err
	}

	sess, err := s.Get(ctx, msg.TenantID, msg.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status == models.SessionClosed {
		return nil, fmt.Errorf("session %s is closed", msg.SessionID)
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}

	key := messagesKey(msg.TenantID, msg.SessionID)
	if err := s.client.RPush(ctx, key, data); err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	if err := s.client.Expire(ctx, key, s.ttl); err != nil {
		s.logger.Warn("Failed to refresh message log TTL", zap.Error(err))
	}

	sess.MessageCount++
	switch msg.Role {
	case models.RoleUser:
		sess.UserMessageCount++
	case models.RoleAssistant:
		sess.AssistantMessageCount++
	}
	if err := s.save(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Messages returns the session's full ordered message log.
func (s *Store) Messages(ctx context.Context, tenantID, sessionID string) ([]models.Message, error) {
	return s.MessagesFrom(ctx, tenantID, sessionID, 0)
}

// MessagesFrom returns messages starting at the given 0-based offset.
// Conversation memory uses this to skip messages already folded into
// the summary.
func (s *Store) MessagesFrom(ctx context.Context, tenantID, sessionID string, from int) ([]models.Message, error) {
	if err := s.guard("session.messages", tenantID); err != nil {
		return nil, err
	}
	if from < 0 {
		from = 0
	}

	raw, err := s.client.LRange(ctx, messagesKey(tenantID, sessionID), int64(from), -1)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}

	msgs := make([]models.Message, 0, len(raw))
	for _, item := range raw {
		var msg models.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			s.logger.Warn("Skipping undecodable message",
				zap.String("session_id", sessionID),
				zap.Error(err),
			)
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// SetSummary records a compressed summary covering the first upTo
// messages. Stale compressions (upTo at or behind the stored watermark)
// are ignored so a slow background compaction never rolls the summary
// back.
func (s *Store) SetSummary(ctx context.Context, tenantID, sessionID, summary string, upTo int) error {
	if err := s.guard("session.summary", tenantID); err != nil {
		return err
	}
	sess, err := s.Get(ctx, tenantID, sessionID)
	if err != nil {
		return err
	}
	if upTo <= sess.SummaryUpTo {
		return nil
	}
	sess.Summary = summary
	sess.SummaryUpTo = upTo
	return s.save(ctx, sess)
}

// Close marks the session closed. Closed sessions reject new messages
// but remain readable until the TTL expires them.
func (s *Store) Close(ctx context.Context, tenantID, sessionID string) error {
	if err := s.guard("session.close", tenantID); err != nil {
		return err
	}
	sess, err := s.Get(ctx, tenantID, sessionID)
	if err != nil {
		return err
	}
	sess.Status = models.SessionClosed
	return s.save(ctx, sess)
}

// Delete removes the session record and its message log.
func (s *Store) Delete(ctx context.Context, tenantID, sessionID string) error {
	if err := s.guard("session.delete", tenantID); err != nil {
		return err
	}
	if err := s.client.Del(ctx, sessionKey(tenantID, sessionID), messagesKey(tenantID, sessionID)); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	s.logger.Info("Deleted session",
		zap.String("session_id", sessionID),
		zap.String("tenant_id", tenantID),
	)
	return nil
}

func (s *Store) save(ctx context.Context, sess *models.ChatSession) error {
	sess.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := s.client.Set(ctx, sessionKey(sess.TenantID, sess.ID), data, s.ttl); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}
