package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/agentcore/pkg/protocol"
)

// inboundRateLimit bounds how many frames one connection may send per
// second before frames are silently dropped, protecting the Agent Runner
// from a single abusive client (§4.4 domain-stack: golang.org/x/time/rate).
const inboundRateLimit = 20

// connection is one accepted WebSocket's server-side state: its socket,
// outbound queue, and liveness bookkeeping (§4.4).
type connection struct {
	id        string
	sessionID string
	authed    bool

	ws       *websocket.Conn
	send     chan protocol.OutFrame
	events   <-chan protocol.AgentEvent
	limiter  *rate.Limiter
	lastSeen time.Time

	server *Server
}

func newConnection(ws *websocket.Conn, s *Server) *connection {
	return &connection{
		id:       uuid.NewString(),
		ws:       ws,
		send:     make(chan protocol.OutFrame, 64),
		limiter:  rate.NewLimiter(rate.Limit(inboundRateLimit), inboundRateLimit),
		lastSeen: time.Now(),
		server:   s,
	}
}

// run multiplexes inbound frames, outbound queued frames, bound session
// events, and heartbeat ticks until the connection closes (§4.4 step 4).
func (c *connection) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	inbound := make(chan protocol.InFrame)
	readErrs := make(chan error, 1)
	go c.readLoop(inbound, readErrs)

	ticker := time.NewTicker(c.server.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-readErrs:
			if err != nil {
				slog.Debug("connection read loop ended", "conn_id", c.id, "error", err)
			}
			c.teardown()
			return
		case frame, ok := <-inbound:
			if !ok {
				continue
			}
			c.lastSeen = time.Now()
			if !c.limiter.Allow() {
				continue
			}
			c.handleInbound(ctx, frame)
		case evt, ok := <-c.events:
			if !ok {
				c.events = nil
				continue
			}
			c.forwardEvent(evt)
		case frame := <-c.send:
			if err := c.writeFrame(frame); err != nil {
				c.teardown()
				return
			}
		case <-ticker.C:
			if time.Since(c.lastSeen) > 3*c.server.cfg.HeartbeatInterval {
				slog.Info("connection heartbeat timeout", "conn_id", c.id, "session_id", c.sessionID)
				c.teardown()
				return
			}
			c.writeFrame(protocol.OutFrame{Type: protocol.FramePong, Timestamp: time.Now().Unix()})
		}
	}
}

func (c *connection) readLoop(out chan<- protocol.InFrame, errs chan<- error) {
	defer close(out)
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			errs <- err
			return
		}
		var frame protocol.InFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.send <- protocol.OutFrame{Type: protocol.FrameError, Code: protocol.CodeInvalidMessage, Message: "malformed frame"}
			continue
		}
		out <- frame
	}
}

func (c *connection) handleInbound(ctx context.Context, frame protocol.InFrame) {
	switch frame.Type {
	case protocol.FrameConnect:
		c.handleConnect(frame)
	case protocol.FrameChat:
		c.handleChat(frame)
	case protocol.FrameCommand:
		c.handleCommand(ctx, frame)
	case protocol.FramePing:
		c.writeFrame(protocol.OutFrame{Type: protocol.FramePong, Timestamp: time.Now().Unix()})
	default:
		c.writeFrame(protocol.OutFrame{Type: protocol.FrameError, Code: protocol.CodeInvalidMessage, Message: "unknown frame type"})
	}
}

func (c *connection) handleConnect(frame protocol.InFrame) {
	if c.server.cfg.AuthToken != "" && frame.Auth != c.server.cfg.AuthToken {
		c.writeFrame(protocol.OutFrame{Type: protocol.FrameError, Code: protocol.CodeUnauthorized, Message: "invalid auth token"})
		c.teardown()
		return
	}

	sess, err := c.server.Sessions.GetOrCreate(frame.SessionID, "")
	if err != nil {
		c.writeFrame(protocol.OutFrame{Type: protocol.FrameError, Code: protocol.CodeInvalidMessage, Message: err.Error()})
		return
	}

	events, err := c.server.Sessions.Connect(sess.Metadata.ID, c.id)
	if err != nil {
		c.writeFrame(protocol.OutFrame{Type: protocol.FrameError, Code: protocol.CodeInvalidMessage, Message: err.Error()})
		return
	}

	c.sessionID = sess.Metadata.ID
	c.authed = true
	c.events = events
	c.server.bind(c.sessionID, c)

	c.writeFrame(protocol.OutFrame{Type: protocol.FrameConnected, SessionID: c.sessionID, Timestamp: time.Now().Unix()})
}

func (c *connection) handleChat(frame protocol.InFrame) {
	if !c.authed {
		c.writeFrame(protocol.OutFrame{Type: protocol.FrameError, Code: protocol.CodeNotConnected, Message: "connect before chatting"})
		return
	}
	c.server.Bus.Publish(protocol.AgentEvent{
		Type:      protocol.EventChatRequest,
		SessionID: c.sessionID,
		Content:   frame.Content,
		ReplyTo:   protocol.Gateway(c.sessionID),
		At:        time.Now().UTC(),
	})
}

func (c *connection) handleCommand(ctx context.Context, frame protocol.InFrame) {
	switch frame.Name {
	case "ping":
		c.writeFrame(protocol.OutFrame{Type: protocol.FramePong, Timestamp: time.Now().Unix()})
	case "status":
		c.writeFrame(protocol.OutFrame{Type: protocol.FrameConnected, SessionID: c.sessionID, Timestamp: time.Now().Unix()})
	case "stop":
		if c.sessionID != "" {
			c.server.Sessions.Cancel(c.sessionID)
		}
	default:
		c.server.Bus.Publish(protocol.AgentEvent{
			Type:      protocol.EventType(frame.Name),
			SessionID: c.sessionID,
			At:        time.Now().UTC(),
		})
	}
}

// forwardEvent translates one bus AgentEvent into the wire OutFrame
// vocabulary for this connection's bound session.
func (c *connection) forwardEvent(evt protocol.AgentEvent) {
	switch evt.Type {
	case protocol.EventToken:
		c.writeFrame(protocol.OutFrame{Type: protocol.FrameAgentToken, SessionID: evt.SessionID, Token: evt.Text, Timestamp: evt.At.Unix()})
	case protocol.EventToolStart:
		c.writeFrame(protocol.OutFrame{Type: protocol.FrameAgentToolStart, SessionID: evt.SessionID, Tool: evt.Name, Timestamp: evt.At.Unix()})
	case protocol.EventToolComplete:
		c.writeFrame(protocol.OutFrame{Type: protocol.FrameAgentToolComplete, SessionID: evt.SessionID, Tool: evt.Name, Result: evt.Result, Timestamp: evt.At.Unix()})
	case protocol.EventToolError:
		c.writeFrame(protocol.OutFrame{Type: protocol.FrameError, SessionID: evt.SessionID, Code: protocol.CodeToolError, Message: evt.Error, Timestamp: evt.At.Unix()})
	case protocol.EventAgentComplete:
		c.writeFrame(protocol.OutFrame{Type: protocol.FrameAgentComplete, SessionID: evt.SessionID, Usage: &protocol.Usage{InputTokens: evt.Usage.InputTokens, OutputTokens: evt.Usage.OutputTokens}, Timestamp: evt.At.Unix()})
	case protocol.EventAgentError:
		c.writeFrame(protocol.OutFrame{Type: protocol.FrameError, SessionID: evt.SessionID, Code: protocol.CodeAgentError, Message: evt.Message, Timestamp: evt.At.Unix()})
	}
}

func (c *connection) writeFrame(frame protocol.OutFrame) error {
	return c.ws.WriteJSON(frame)
}

func (c *connection) teardown() {
	if c.sessionID != "" {
		_ = c.server.Sessions.Disconnect(c.sessionID)
		c.server.unbind(c.sessionID, c.id)
	}
	c.ws.Close()
	c.server.removeConn(c.id)
}
