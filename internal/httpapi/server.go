// Package httpapi implements the REST+SSE surface of the agent runtime
// core: POST /chat, GET /stream/{session_id}, POST /stop/{session_id},
// GET /history/{session_id}, and GET /health (§6).
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentcore/internal/bus"
	"github.com/nextlevelbuilder/agentcore/internal/sessions"
	"github.com/nextlevelbuilder/agentcore/internal/store"
	"github.com/nextlevelbuilder/agentcore/pkg/protocol"
)

// Server holds the dependencies the HTTP handlers need: the Session
// Manager for history/lifecycle operations and the bus for publishing
// ChatRequest events the Agent Runner picks up.
type Server struct {
	Sessions *sessions.Manager
	Bus      *bus.Bus
}

// New wires a Server over sm and b.
func New(sm *sessions.Manager, b *bus.Bus) *Server {
	return &Server{Sessions: sm, Bus: b}
}

// RegisterRoutes mounts the §6 routes under /api/v1 on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/chat", s.handleChat)
	mux.HandleFunc("GET /api/v1/stream/{session_id}", s.handleStream)
	mux.HandleFunc("POST /api/v1/stop/{session_id}", s.handleStop)
	mux.HandleFunc("GET /api/v1/history/{session_id}", s.handleHistory)
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
}

type chatRequestBody struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`
}

type chatResponseBody struct {
	SessionID string `json:"session_id"`
	StreamURL string `json:"stream_url"`
	Status    string `json:"status"`
}

// handleChat implements POST /chat (§6): it resolves or creates the
// session and publishes a ChatRequest for the Agent Runner to pick up (the
// Agent Loop appends the user message), returning the stream URL the
// caller should GET.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var body chatRequestBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if body.Message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "message is required"})
		return
	}

	sess, err := s.Sessions.GetOrCreate(body.SessionID, "")
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	requestID := uuid.NewString()
	s.Bus.Publish(protocol.AgentEvent{
		Type:      protocol.EventChatRequest,
		SessionID: sess.Metadata.ID,
		Content:   body.Message,
		ReplyTo:   protocol.Http(requestID),
	})

	writeJSON(w, http.StatusOK, chatResponseBody{
		SessionID: sess.Metadata.ID,
		StreamURL: "/api/v1/stream/" + sess.Metadata.ID,
		Status:    "accepted",
	})
}

// handleStream implements GET /stream/{session_id} (§6): it connects to
// the session's live event channel and relays each AgentEvent as one SSE
// frame until the agent completes, errors, or the client disconnects.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	if sessionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "session_id is required"})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	connID := uuid.NewString()
	events, err := s.Sessions.Connect(sessionID, connID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	defer s.Sessions.Disconnect(sessionID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			frame, terminal := toSSEFrame(evt)
			if err := writeSSE(w, frame); err != nil {
				return
			}
			flusher.Flush()
			if terminal {
				return
			}
		}
	}
}

// toSSEFrame maps one bus AgentEvent onto the §6 SSE frame vocabulary.
// terminal is true for the frame types that end the stream.
func toSSEFrame(evt protocol.AgentEvent) (protocol.SSEFrame, bool) {
	switch evt.Type {
	case protocol.EventToken:
		return protocol.SSEFrame{Type: protocol.SSEToken, Content: evt.Text}, false
	case protocol.EventToolStart:
		return protocol.SSEFrame{Type: protocol.SSEToolStart, Tool: evt.Name}, false
	case protocol.EventToolComplete:
		return protocol.SSEFrame{Type: protocol.SSEToolComplete, Tool: evt.Name, Result: evt.Result}, false
	case protocol.EventToolError:
		return protocol.SSEFrame{Type: protocol.SSEToolError, Tool: evt.Name, Message: evt.Error}, false
	case protocol.EventAgentComplete:
		usage := evt.Usage
		return protocol.SSEFrame{Type: protocol.SSEComplete, Usage: &usage}, true
	case protocol.EventAgentError:
		return protocol.SSEFrame{Type: protocol.SSEError, Message: evt.Message}, true
	default:
		return protocol.SSEFrame{Type: string(evt.Type)}, false
	}
}

func writeSSE(w http.ResponseWriter, frame protocol.SSEFrame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}

// handleStop implements POST /stop/{session_id} (§6): it cancels the
// in-flight Agent Loop run for the session, if any.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	if sessionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "session_id is required"})
		return
	}
	cancelled := s.Sessions.Cancel(sessionID)
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

type historyResponseBody struct {
	SessionID string          `json:"session_id"`
	Messages  []store.Message `json:"messages"`
}

// handleHistory implements GET /history/{session_id} (§6).
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	if sessionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "session_id is required"})
		return
	}
	messages, err := s.Sessions.History(sessionID)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, historyResponseBody{SessionID: sessionID, Messages: messages})
}

// handleHealth implements GET /health (§6).
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
