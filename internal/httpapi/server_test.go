package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentcore/internal/bus"
	"github.com/nextlevelbuilder/agentcore/internal/sessions"
	"github.com/nextlevelbuilder/agentcore/internal/store/jsonl"
	"github.com/nextlevelbuilder/agentcore/pkg/protocol"
)

func newTestServer(t *testing.T) (*Server, *sessions.Manager, *bus.Bus) {
	t.Helper()
	st, err := jsonl.Open(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("jsonl.Open: %v", err)
	}
	sm := sessions.NewManager(st, sessions.DefaultConfig())
	b := bus.New(16)
	return New(sm, b), sm, b
}

func TestHandleChatCreatesSessionAndPublishes(t *testing.T) {
	s, _, b := newTestServer(t)
	recv := b.Subscribe()
	defer recv.Unsubscribe()

	body := `{"message":"hi there"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(body))
	w := httptest.NewRecorder()

	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp chatResponseBody
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.SessionID == "" {
		t.Fatal("expected a non-empty session_id")
	}
	if resp.StreamURL != "/api/v1/stream/"+resp.SessionID {
		t.Fatalf("unexpected stream_url: %q", resp.StreamURL)
	}

	select {
	case evt := <-recv.Events():
		if evt.Type != protocol.EventChatRequest || evt.Content != "hi there" {
			t.Fatalf("unexpected event: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a chat_request event to be published")
	}
}

func TestHandleChatRejectsEmptyMessage(t *testing.T) {
	s, _, _ := newTestServer(t)
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader(`{"message":""}`))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestHandleHistoryReturnsMessages(t *testing.T) {
	s, sm, _ := newTestServer(t)
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	sess, err := sm.Create("", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/history/"+sess.Metadata.ID, nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp historyResponseBody
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.SessionID != sess.Metadata.ID {
		t.Fatalf("unexpected session id: %q", resp.SessionID)
	}
	if len(resp.Messages) != 0 {
		t.Fatalf("expected no messages yet, got %d", len(resp.Messages))
	}
}

func TestHandleHistoryUnknownSession(t *testing.T) {
	s, _, _ := newTestServer(t)
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/history/does-not-exist", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestHandleStopCancelsSession(t *testing.T) {
	s, sm, _ := newTestServer(t)
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	sess, _ := sm.Create("", "")
	cancelled := false
	sm.RegisterCancel(sess.Metadata.ID, func() { cancelled = true })

	req := httptest.NewRequest(http.MethodPost, "/api/v1/stop/"+sess.Metadata.ID, nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !cancelled {
		t.Fatal("expected the registered cancel func to run")
	}
}

func TestHandleHealth(t *testing.T) {
	s, _, _ := newTestServer(t)
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestHandleStreamRelaysEventsAndEndsOnComplete(t *testing.T) {
	s, sm, _ := newTestServer(t)
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	sess, err := sm.Create("", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stream/"+sess.Metadata.ID, nil)
	rec := newFlushRecorder()

	done := make(chan struct{})
	go func() {
		mux.ServeHTTP(rec, req)
		close(done)
	}()

	// Give the handler time to connect before publishing.
	time.Sleep(30 * time.Millisecond)

	if err := sm.AppendEvent(sess.Metadata.ID, protocol.AgentEvent{
		Type: protocol.EventToken, SessionID: sess.Metadata.ID, Text: "hi",
	}); err != nil {
		t.Fatalf("AppendEvent token: %v", err)
	}
	if err := sm.AppendEvent(sess.Metadata.ID, protocol.AgentEvent{
		Type: protocol.EventAgentComplete, SessionID: sess.Metadata.ID,
	}); err != nil {
		t.Fatalf("AppendEvent complete: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream handler did not terminate after agent_complete")
	}

	body := rec.Body.String()
	if !strings.Contains(body, `"type":"token"`) {
		t.Fatalf("expected a token SSE frame, got: %s", body)
	}
	if !strings.Contains(body, `"type":"complete"`) {
		t.Fatalf("expected a complete SSE frame, got: %s", body)
	}
}

// flushRecorder is an httptest.ResponseRecorder that also implements
// http.Flusher, since the stream handler requires flush support.
type flushRecorder struct {
	*httptest.ResponseRecorder
}

func newFlushRecorder() *flushRecorder {
	return &flushRecorder{ResponseRecorder: httptest.NewRecorder()}
}

func (f *flushRecorder) Flush() {}
