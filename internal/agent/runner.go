package agent

import (
	"context"
	"sync"

	"github.com/nextlevelbuilder/agentcore/internal/bus"
	"github.com/nextlevelbuilder/agentcore/pkg/protocol"
)

// Runner is the Agent Runner (§5): the single subscriber that turns each
// bus-published ChatRequest into one Agent Loop invocation, serializing
// concurrent requests for the same session (§5 Open Question: strict
// per-session serialization).
type Runner struct {
	Bus  *bus.Bus
	Loop *Loop

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewRunner wires a Runner over loop, reading ChatRequest events from b.
func NewRunner(b *bus.Bus, loop *Loop) *Runner {
	return &Runner{Bus: b, Loop: loop, locks: make(map[string]*sync.Mutex)}
}

func (r *Runner) sessionLock(sessionID string) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	l, ok := r.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[sessionID] = l
	}
	return l
}

// Run subscribes to the bus and dispatches one goroutine per ChatRequest
// until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	recv := r.Bus.Subscribe()
	defer recv.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-recv.Events():
			if !ok {
				return
			}
			if evt.Type != protocol.EventChatRequest {
				continue
			}
			go r.handle(ctx, evt)
		}
	}
}

func (r *Runner) handle(ctx context.Context, evt protocol.AgentEvent) {
	lock := r.sessionLock(evt.SessionID)
	lock.Lock()
	defer lock.Unlock()
	r.Loop.Run(ctx, evt.SessionID, evt.Content, evt.ReplyTo)
}
