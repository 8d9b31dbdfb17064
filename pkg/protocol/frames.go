package protocol

// WebSocket frame type names, client→server and server→client (§6).
const (
	FrameConnect = "connect"
	FrameChat    = "chat"
	FrameCommand = "command"
	FramePing    = "ping"

	FrameConnected        = "connected"
	FrameAgentToken       = "agent_token"
	FrameAgentToolStart   = "agent_tool_start"
	FrameAgentToolComplete = "agent_tool_complete"
	FrameAgentComplete    = "agent_complete"
	FramePong             = "pong"
	FrameError            = "error"
)

// Error codes carried in an `error` WebSocket frame.
const (
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeNotConnected     = "NOT_CONNECTED"
	CodeCapacityExceeded = "CAPACITY_EXCEEDED"
	CodeInvalidMessage   = "INVALID_MESSAGE"
	CodeAgentError       = "AGENT_ERROR"
	CodeToolError        = "TOOL_ERROR"
)

// SSE `type` field values (§6).
const (
	SSEToken        = "token"
	SSEToolStart    = "tool_start"
	SSEToolComplete = "tool_complete"
	SSEToolError    = "tool_error"
	SSEComplete     = "complete"
	SSEError        = "error"
)

// InFrame is one client→server WebSocket JSON text frame.
type InFrame struct {
	Type      string   `json:"type"`
	SessionID string   `json:"session_id,omitempty"`
	Auth      string   `json:"auth,omitempty"`
	Content   string   `json:"content,omitempty"`
	Name      string   `json:"name,omitempty"`
	Args      []string `json:"args,omitempty"`
	Timestamp int64    `json:"timestamp,omitempty"`
}

// OutFrame is one server→client WebSocket JSON text frame.
type OutFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Token     string `json:"token,omitempty"`
	Tool      string `json:"tool,omitempty"`
	Result    string `json:"result,omitempty"`
	Usage     *Usage `json:"usage,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
}

// SSEFrame is the JSON body of one `data: <JSON>\n\n` SSE event.
type SSEFrame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Tool    string `json:"tool,omitempty"`
	Result  string `json:"result,omitempty"`
	Usage   *Usage `json:"usage,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}
