package gateway

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/agentcore/internal/bus"
	"github.com/nextlevelbuilder/agentcore/internal/sessions"
	"github.com/nextlevelbuilder/agentcore/internal/store/jsonl"
	"github.com/nextlevelbuilder/agentcore/pkg/protocol"
)

func newTestManager(t *testing.T) *sessions.Manager {
	t.Helper()
	st, err := jsonl.Open(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("jsonl.Open: %v", err)
	}
	return sessions.NewManager(st, sessions.DefaultConfig())
}

func dialTestServer(t *testing.T, s *Server) (*websocket.Conn, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	addr, start := StartTestServer(s, ctx)
	go start()
	time.Sleep(20 * time.Millisecond)

	url := "ws://" + addr + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		cancel()
		t.Fatalf("dial: %v", err)
	}
	return conn, func() {
		conn.Close()
		cancel()
		time.Sleep(10 * time.Millisecond)
	}
}

func TestGatewayHealthEndpoint(t *testing.T) {
	b := bus.New(16)
	sm := newTestManager(t)
	s := NewServer(DefaultConfig(), b, sm)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addr, start := StartTestServer(s, ctx)
	go start()
	time.Sleep(20 * time.Millisecond)

	resp, err := http.Get("http://" + addr + "/health")
	if err != nil {
		t.Fatalf("health get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestGatewayConnectHandshake(t *testing.T) {
	b := bus.New(16)
	sm := newTestManager(t)
	s := NewServer(DefaultConfig(), b, sm)
	conn, closeAll := dialTestServer(t, s)
	defer closeAll()

	if err := conn.WriteJSON(protocol.InFrame{Type: protocol.FrameConnect, SessionID: "sess-1"}); err != nil {
		t.Fatalf("write connect: %v", err)
	}

	var out protocol.OutFrame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&out); err != nil {
		t.Fatalf("read connected frame: %v", err)
	}
	if out.Type != protocol.FrameConnected {
		t.Fatalf("expected connected frame, got %+v", out)
	}
	if out.SessionID != "sess-1" {
		t.Fatalf("expected session id sess-1, got %q", out.SessionID)
	}
}

func TestGatewayUnauthorizedConnect(t *testing.T) {
	b := bus.New(16)
	sm := newTestManager(t)
	cfg := DefaultConfig()
	cfg.AuthToken = "secret"
	s := NewServer(cfg, b, sm)
	conn, closeAll := dialTestServer(t, s)
	defer closeAll()

	if err := conn.WriteJSON(protocol.InFrame{Type: protocol.FrameConnect, SessionID: "sess-1", Auth: "wrong"}); err != nil {
		t.Fatalf("write connect: %v", err)
	}

	var out protocol.OutFrame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&out); err != nil {
		t.Fatalf("read error frame: %v", err)
	}
	if out.Type != protocol.FrameError || out.Code != protocol.CodeUnauthorized {
		t.Fatalf("expected unauthorized error frame, got %+v", out)
	}
}

func TestGatewayChatPublishesToBus(t *testing.T) {
	b := bus.New(16)
	sm := newTestManager(t)
	s := NewServer(DefaultConfig(), b, sm)
	conn, closeAll := dialTestServer(t, s)
	defer closeAll()

	recv := b.Subscribe()
	defer recv.Unsubscribe()

	conn.WriteJSON(protocol.InFrame{Type: protocol.FrameConnect, SessionID: "sess-2"})
	var connected protocol.OutFrame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&connected); err != nil {
		t.Fatalf("read connected: %v", err)
	}

	conn.WriteJSON(protocol.InFrame{Type: protocol.FrameChat, Content: "hello there"})

	select {
	case evt := <-recv.Events():
		if evt.Type != protocol.EventChatRequest {
			t.Fatalf("expected chat_request event, got %+v", evt)
		}
		if evt.Content != "hello there" {
			t.Fatalf("expected content %q, got %q", "hello there", evt.Content)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for chat_request event")
	}
}

func TestGatewayChatBeforeConnectIsRejected(t *testing.T) {
	b := bus.New(16)
	sm := newTestManager(t)
	s := NewServer(DefaultConfig(), b, sm)
	conn, closeAll := dialTestServer(t, s)
	defer closeAll()

	conn.WriteJSON(protocol.InFrame{Type: protocol.FrameChat, Content: "too early"})

	var out protocol.OutFrame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&out); err != nil {
		t.Fatalf("read error frame: %v", err)
	}
	if out.Type != protocol.FrameError || out.Code != protocol.CodeNotConnected {
		t.Fatalf("expected not-connected error frame, got %+v", out)
	}
}

func TestGatewayCapacityExceeded(t *testing.T) {
	b := bus.New(16)
	sm := newTestManager(t)
	cfg := DefaultConfig()
	cfg.MaxConnections = 1
	s := NewServer(cfg, b, sm)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addr, start := StartTestServer(s, ctx)
	go start()
	time.Sleep(20 * time.Millisecond)

	wsURL := "ws://" + addr + "/ws"

	conn1, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial first conn: %v", err)
	}
	defer conn1.Close()

	// Give the server a moment to register the first connection.
	time.Sleep(30 * time.Millisecond)

	conn2, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial second conn: %v", err)
	}
	defer conn2.Close()

	var out protocol.OutFrame
	conn2.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn2.ReadJSON(&out); err != nil {
		t.Fatalf("read capacity error frame: %v", err)
	}
	if out.Type != protocol.FrameError || out.Code != protocol.CodeCapacityExceeded {
		t.Fatalf("expected capacity exceeded frame, got %+v", out)
	}

	if _, _, err := conn2.ReadMessage(); err == nil {
		t.Fatal("expected the socket to close after the capacity error frame")
	}
}
