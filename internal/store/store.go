// Package store defines the Session Store contract (§4.2): durable
// persistence of sessions and their event history, independent of the
// in-memory working set the Session Manager keeps on top of it.
package store

import (
	"time"

	"github.com/nextlevelbuilder/agentcore/internal/providers"
	"github.com/nextlevelbuilder/agentcore/pkg/protocol"
)

// State is a session's lifecycle state (§3).
type State string

const (
	StateActive       State = "active"
	StateIdle         State = "idle"
	StateDisconnected State = "disconnected"
	StateClosed       State = "closed"
	StateExpired      State = "expired"
)

// Message is one ordered element of a session's history, persisted
// verbatim (the canonical chat Message plus an id and timestamp, §3).
type Message struct {
	ID         string            `json:"id"`
	Role       providers.Role    `json:"role"`
	Content    string            `json:"content"`
	ToolCalls  []providers.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	Metadata   map[string]any    `json:"metadata,omitempty"`
}

// Metadata is a session's persisted header (§6: "metadata" object in the
// session document).
type Metadata struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id,omitempty"`
	Title          string     `json:"title,omitempty"`
	State          State      `json:"state"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	MessageCount   int        `json:"message_count"`
}

// Session is the full on-disk session document (§6).
type Session struct {
	Metadata Metadata  `json:"metadata"`
	Messages []Message `json:"messages"`
}

// ListFilter selects sessions from the index (§4.2).
type ListFilter struct {
	UserID        string
	State         State
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	TitleContains string
	SortBy        string // created_at | updated_at | last_activity_at | message_count
	Descending    bool
	Limit         int
	Offset        int
}

// ListResult is the paginated result of ListSessions.
type ListResult struct {
	Sessions []Metadata
	Total    int
}

// Stats summarizes storage health (session count, expired count, index
// size). The GET /health handlers do not read it.
type Stats struct {
	SessionCount int
	ExpiredCount int
	IndexSize    int
}

// Store is the durable Session Store contract (§4.2).
type Store interface {
	CreateSession(s *Session) error
	LoadSession(id string) (*Session, error)
	SaveSession(s *Session) error
	AppendMessage(sessionID string, msg Message) error
	AppendEvent(sessionID string, evt protocol.AgentEvent) error
	LoadEvents(sessionID string) ([]protocol.AgentEvent, error)
	DeleteSession(id string) error
	ListSessions(filter ListFilter) (ListResult, error)
	CleanupExpired() (int, error)
	CleanupInactive(before time.Time) (int, error)
	CleanupIndex() error
	Stats() Stats
}
