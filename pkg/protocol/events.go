// Package protocol defines the AgentEvent sum type carried on the event
// bus, the reply-channel tag, and the wire-level event/frame names used by
// the WebSocket gateway and the HTTP/SSE surface.
package protocol

import "time"

// EventType discriminates an AgentEvent's payload.
type EventType string

const (
	EventChatRequest     EventType = "chat_request"
	EventToken           EventType = "token"
	EventToolStart       EventType = "tool_start"
	EventToolComplete    EventType = "tool_complete"
	EventToolError       EventType = "tool_error"
	EventAgentComplete   EventType = "agent_complete"
	EventAgentError      EventType = "agent_error"
	EventSessionCreated  EventType = "session_created"
	EventSessionClosed   EventType = "session_closed"
	EventConfigUpdated   EventType = "config_updated"
)

// ReplyChannelKind tags which egress transport owns a ChatRequest's reply.
type ReplyChannelKind string

const (
	ReplyGateway ReplyChannelKind = "gateway"
	ReplyHTTP    ReplyChannelKind = "http"
)

// ReplyChannel identifies which transport should render events for one
// conversation turn: Gateway(sessionID) or Http(requestID).
type ReplyChannel struct {
	Kind ReplyChannelKind
	// SessionID is set when Kind == ReplyGateway.
	SessionID string
	// RequestID is set when Kind == ReplyHTTP.
	RequestID string
}

// Gateway builds a gateway-routed reply channel.
func Gateway(sessionID string) ReplyChannel {
	return ReplyChannel{Kind: ReplyGateway, SessionID: sessionID}
}

// Http builds an HTTP/SSE-routed reply channel.
func Http(requestID string) ReplyChannel {
	return ReplyChannel{Kind: ReplyHTTP, RequestID: requestID}
}

// Usage mirrors token accounting from one LLM call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// AgentEvent is the bus payload sum type. Exactly one of the Type-tagged
// fields below is meaningful for a given Type; SessionID is always set so
// subscribers can filter without inspecting the rest of the payload.
type AgentEvent struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`

	// ChatRequest
	Content string       `json:"content,omitempty"`
	ReplyTo ReplyChannel  `json:"-"`

	// Token
	Text string `json:"text,omitempty"`

	// ToolStart / ToolComplete / ToolError
	CallID string         `json:"call_id,omitempty"`
	Name   string         `json:"name,omitempty"`
	Args   map[string]any `json:"args,omitempty"`
	Result string         `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`

	// AgentComplete
	Usage Usage `json:"usage,omitempty"`

	// AgentError
	Message string `json:"message,omitempty"`

	// ConfigUpdated
	Sections []string `json:"sections,omitempty"`

	At time.Time `json:"at"`
}
