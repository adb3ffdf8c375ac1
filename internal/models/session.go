package models

import "time"

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Session statuses
const (
	SessionActive = "active"
	SessionClosed = "closed"
)

// ChatSession owns an ordered sequence of messages for one tenant.
type ChatSession struct {
	ID                    string    `json:"session_id"`
	TenantID              string    `json:"tenant_id"`
	Status                string    `json:"status"`
	MessageCount          int       `json:"message_count"`
	UserMessageCount      int       `json:"user_message_count"`
	AssistantMessageCount int       `json:"assistant_message_count"`
	// Summary is the compressed history older than the memory window.
	// Empty until the first compression.
	Summary string `json:"summary,omitempty"`
	// SummaryUpTo is the ordinal (1-based message count) the summary
	// covers; messages past it are retained verbatim.
	SummaryUpTo int       `json:"summary_up_to,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RetrievalMetadata records which chunks backed an assistant message so
// citations stay auditable.
type RetrievalMetadata struct {
	ChunkIDs      []string `json:"chunk_ids"`
	Query         string   `json:"query,omitempty"`
	ExpandedQuery bool     `json:"expanded_query,omitempty"`
}

// Message is one turn half within a session.
type Message struct {
	ID        string             `json:"message_id"`
	SessionID string             `json:"session_id"`
	TenantID  string             `json:"tenant_id"`
	Role      string             `json:"role"`
	Content   string             `json:"content"`
	CreatedAt time.Time          `json:"created_at"`
	Retrieval *RetrievalMetadata `json:"retrieval_metadata,omitempty"`
}
