package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/agentcore/internal/bus"
	"github.com/nextlevelbuilder/agentcore/internal/sessions"
	"github.com/nextlevelbuilder/agentcore/pkg/protocol"
)

// Server is the WebSocket Gateway (§4.4): it accepts connections, enforces
// the configured capacity, and binds each authenticated connection to its
// session's event channel.
type Server struct {
	cfg      Config
	Bus      *bus.Bus
	Sessions *sessions.Manager

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	conns   map[string]*connection
	bySess  map[string]*connection

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer wires a Server over b and sm using cfg.
func NewServer(cfg Config, b *bus.Bus, sm *sessions.Manager) *Server {
	s := &Server{
		cfg:      cfg,
		Bus:      b,
		Sessions: sm,
		conns:    make(map[string]*connection),
		bySess:   make(map[string]*connection),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	return s
}

// BuildMux creates and caches the HTTP mux with the /ws and /health routes.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	s.mux = mux
	return mux
}

// Start begins listening for WebSocket connections until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()
	s.httpServer = &http.Server{Addr: s.cfg.BindAddr, Handler: mux}

	slog.Info("gateway starting", "addr", s.cfg.BindAddr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// handleWebSocket upgrades the HTTP request to a WebSocket, enforcing the
// configured connection capacity before doing so (§4.4 step 2).
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.atCapacity() {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.WriteJSON(protocol.OutFrame{
			Type:    protocol.FrameError,
			Code:    protocol.CodeCapacityExceeded,
			Message: "server at capacity",
		})
		conn.Close()
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	c := newConnection(ws, s)
	s.addConn(c)
	defer s.removeConn(c.id)

	c.run(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok"}`)
}

func (s *Server) atCapacity() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.MaxConnections > 0 && len(s.conns) >= s.cfg.MaxConnections
}

func (s *Server) addConn(c *connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c.id] = c
}

// bind associates sessionID with c, so events forwarded for that session
// reach this connection. A prior binding for the same session is replaced
// (reconnect supersedes the old connection rather than racing it).
func (s *Server) bind(sessionID string, c *connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bySess[sessionID] = c
}

func (s *Server) unbind(sessionID, connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.bySess[sessionID]; ok && cur.id == connID {
		delete(s.bySess, sessionID)
	}
}

func (s *Server) removeConn(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, id)
}

// ConnectionCount reports the number of currently accepted connections.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// StartTestServer listens on a random loopback port and returns its address
// plus a start function, for use by gateway tests.
func StartTestServer(s *Server, ctx context.Context) (addr string, start func()) {
	mux := s.BuildMux()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}

	s.httpServer = &http.Server{Handler: mux}
	addr = ln.Addr().String()

	start = func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.httpServer.Shutdown(shutdownCtx)
		}()
		s.httpServer.Serve(ln)
	}

	return addr, start
}
