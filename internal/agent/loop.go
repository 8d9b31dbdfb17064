// Package agent implements the Agent Loop (§4.5): the bounded
// plan-call-observe cycle that turns one user message into a finished
// assistant turn, streaming tokens and tool activity onto the event bus
// as it goes.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nextlevelbuilder/agentcore/internal/apperr"
	"github.com/nextlevelbuilder/agentcore/internal/bus"
	"github.com/nextlevelbuilder/agentcore/internal/providers"
	"github.com/nextlevelbuilder/agentcore/internal/sessions"
	"github.com/nextlevelbuilder/agentcore/internal/store"
	"github.com/nextlevelbuilder/agentcore/internal/tools"
	"github.com/nextlevelbuilder/agentcore/pkg/protocol"
)

// Config governs one loop invocation (§4.5, §6 agent.* keys).
type Config struct {
	MaxRounds      int
	Model          string
	SystemPrompt   string
	Temperature    float64
	MaxTokens      int
	ToolTimeout    time.Duration
}

// DefaultConfig matches the spec's suggested defaults.
func DefaultConfig() Config {
	return Config{
		MaxRounds:   10,
		MaxTokens:   4096,
		Temperature: 0.7,
		ToolTimeout: 30 * time.Second,
	}
}

// Loop drives the reasoning cycle for one ChatRequest (§4.5).
type Loop struct {
	Sessions *sessions.Manager
	Bus      *bus.Bus
	Provider providers.Provider
	Tools    *tools.Invoker
	Registry *tools.Registry
	Config   Config
}

// New builds a Loop from its collaborators.
func New(sm *sessions.Manager, b *bus.Bus, p providers.Provider, inv *tools.Invoker, reg *tools.Registry, cfg Config) *Loop {
	return &Loop{Sessions: sm, Bus: b, Provider: p, Tools: inv, Registry: reg, Config: cfg}
}

type partialToolCall struct {
	name string
	args strings.Builder
}

// Run executes one loop invocation for sessionID: seeds the system
// message if absent, appends the user content, and drives up to
// MaxRounds of LLM-then-tools cycles, publishing events as it goes.
func (l *Loop) Run(ctx context.Context, sessionID, content string, replyTo protocol.ReplyChannel) {
	ctx, cancel := context.WithCancel(ctx)
	l.Sessions.RegisterCancel(sessionID, cancel)
	defer l.Sessions.UnregisterCancel(sessionID)
	defer cancel()

	if err := l.seed(sessionID, content); err != nil {
		l.publishError(sessionID, replyTo, err.Error())
		return
	}

	var usage protocol.Usage

	for round := 1; round <= l.Config.MaxRounds; round++ {
		if ctx.Err() != nil {
			l.publishError(sessionID, replyTo, "cancelled")
			return
		}

		history, err := l.Sessions.History(sessionID)
		if err != nil {
			l.publishError(sessionID, replyTo, err.Error())
			return
		}

		req := providers.ChatRequest{
			Model:    l.modelOrDefault(),
			Messages: toProviderMessages(history),
			Tools:    l.Registry.ProviderDefs(),
			Stream:   true,
			Options: map[string]any{
				providers.OptTemperature: l.Config.Temperature,
				providers.OptMaxTokens:   l.Config.MaxTokens,
			},
		}

		result, err := l.runRound(ctx, sessionID, replyTo, req)
		if err != nil {
			if ctx.Err() != nil {
				l.publishError(sessionID, replyTo, "cancelled")
			} else {
				l.publishError(sessionID, replyTo, err.Error())
			}
			return
		}
		usage.InputTokens += result.usage.PromptTokens
		usage.OutputTokens += result.usage.CompletionTokens

		if len(result.toolCalls) == 0 {
			msg := store.Message{
				ID:        uuid.NewString(),
				Role:      providers.RoleAssistant,
				Content:   result.content,
				CreatedAt: time.Now().UTC(),
			}
			if err := l.Sessions.AppendMessage(sessionID, msg); err != nil {
				l.publishError(sessionID, replyTo, err.Error())
				return
			}
			l.publishComplete(sessionID, replyTo, usage)
			return
		}

		assistantMsg := store.Message{
			ID:        uuid.NewString(),
			Role:      providers.RoleAssistant,
			Content:   result.content,
			ToolCalls: result.toolCalls,
			CreatedAt: time.Now().UTC(),
		}
		if err := l.Sessions.AppendMessage(sessionID, assistantMsg); err != nil {
			l.publishError(sessionID, replyTo, err.Error())
			return
		}

		if err := l.runTools(ctx, sessionID, replyTo, result.toolCalls); err != nil {
			l.publishError(sessionID, replyTo, err.Error())
			return
		}
	}

	l.publishComplete(sessionID, replyTo, usage)
}

// seed inserts the configured system message at position 0 if the
// session has no history yet, then appends the user's message.
func (l *Loop) seed(sessionID, content string) error {
	history, err := l.Sessions.History(sessionID)
	if err != nil {
		return err
	}
	if len(history) == 0 && l.Config.SystemPrompt != "" {
		if err := l.Sessions.AppendMessage(sessionID, store.Message{
			ID:        uuid.NewString(),
			Role:      providers.RoleSystem,
			Content:   l.Config.SystemPrompt,
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			return err
		}
	}
	return l.Sessions.AppendMessage(sessionID, store.Message{
		ID:        uuid.NewString(),
		Role:      providers.RoleUser,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	})
}

func (l *Loop) modelOrDefault() string {
	if l.Config.Model != "" {
		return l.Config.Model
	}
	return l.Provider.DefaultModel()
}

type roundResult struct {
	content   string
	toolCalls []providers.ToolCall
	usage     providers.Usage
}

// runRound opens one streaming chat call and consumes chunks until the
// stream ends, publishing Token events for content as it arrives.
func (l *Loop) runRound(ctx context.Context, sessionID string, replyTo protocol.ReplyChannel, req providers.ChatRequest) (*roundResult, error) {
	var content strings.Builder
	partials := make(map[string]*partialToolCall)
	order := make([]string, 0)
	var usage providers.Usage
	var streamErr error

	_, err := l.Provider.ChatStream(ctx, req, func(c providers.Chunk) {
		switch c.Type {
		case providers.ChunkContent:
			content.WriteString(c.Text)
			l.publish(protocol.AgentEvent{
				Type: protocol.EventToken, SessionID: sessionID, Text: c.Text, ReplyTo: replyTo,
			})
		case providers.ChunkToolCallStart:
			if _, ok := partials[c.CallID]; !ok {
				order = append(order, c.CallID)
			}
			partials[c.CallID] = &partialToolCall{name: c.Name}
		case providers.ChunkToolCallDelta:
			p, ok := partials[c.CallID]
			if !ok {
				p = &partialToolCall{}
				partials[c.CallID] = p
				order = append(order, c.CallID)
			}
			p.args.WriteString(c.ArgsDelta)
		case providers.ChunkToolCallEnd:
			// No-op; retained for provider compatibility (§4.5).
		case providers.ChunkUsage:
			usage = c.Usage
		case providers.ChunkError:
			streamErr = fmt.Errorf("%w: %s", apperr.ErrTransient, c.Message)
		}
	})
	if err != nil {
		return nil, err
	}
	if streamErr != nil {
		return nil, streamErr
	}

	calls := make([]providers.ToolCall, 0, len(order))
	for _, id := range order {
		p := partials[id]
		args := map[string]any{}
		raw := p.args.String()
		if raw != "" {
			if jsonErr := json.Unmarshal([]byte(raw), &args); jsonErr != nil {
				args = map[string]any{}
			}
		}
		calls = append(calls, providers.ToolCall{ID: id, Name: p.name, Arguments: args})
	}

	return &roundResult{content: content.String(), toolCalls: calls, usage: usage}, nil
}

// runTools executes each tool call sequentially in arrival order (§4.5
// tie-break: no parallel execution), appending a tool-role message for
// each outcome so the next round can observe it.
func (l *Loop) runTools(ctx context.Context, sessionID string, replyTo protocol.ReplyChannel, calls []providers.ToolCall) error {
	for _, call := range calls {
		if ctx.Err() != nil {
			return fmt.Errorf("cancelled")
		}

		l.publish(protocol.AgentEvent{
			Type: protocol.EventToolStart, SessionID: sessionID, CallID: call.ID, Name: call.Name,
			Args: call.Arguments, ReplyTo: replyTo,
		})

		toolCtx, cancel := context.WithTimeout(ctx, l.toolTimeout())
		res, err := l.Tools.Execute(toolCtx, call)
		cancel()

		var toolContent string
		if err != nil || (res != nil && !res.Success) {
			msg := errMessage(err, res)
			l.publish(protocol.AgentEvent{
				Type: protocol.EventToolError, SessionID: sessionID, CallID: call.ID, Name: call.Name, Error: msg, ReplyTo: replyTo,
			})
			toolContent = "Error: " + msg
		} else {
			l.publish(protocol.AgentEvent{
				Type: protocol.EventToolComplete, SessionID: sessionID, CallID: call.ID, Name: call.Name, Result: res.Result, ReplyTo: replyTo,
			})
			toolContent = res.Result
		}

		if err := l.Sessions.AppendMessage(sessionID, store.Message{
			ID:         uuid.NewString(),
			Role:       providers.RoleTool,
			Content:    toolContent,
			ToolCallID: call.ID,
			CreatedAt:  time.Now().UTC(),
		}); err != nil {
			return err
		}
	}
	return nil
}

func errMessage(err error, res *tools.Result) string {
	if err != nil {
		if apperr.ClassifyOf(err) == apperr.KindNotFound {
			return "unknown tool"
		}
		return err.Error()
	}
	return res.Result
}

func (l *Loop) toolTimeout() time.Duration {
	if l.Config.ToolTimeout <= 0 {
		return 30 * time.Second
	}
	return l.Config.ToolTimeout
}

func (l *Loop) publish(evt protocol.AgentEvent) {
	evt.At = time.Now().UTC()
	if l.Bus != nil {
		l.Bus.Publish(evt)
	}
	_ = l.Sessions.AppendEvent(evt.SessionID, evt)
}

func (l *Loop) publishComplete(sessionID string, replyTo protocol.ReplyChannel, usage protocol.Usage) {
	l.publish(protocol.AgentEvent{Type: protocol.EventAgentComplete, SessionID: sessionID, Usage: usage, ReplyTo: replyTo})
}

func (l *Loop) publishError(sessionID string, replyTo protocol.ReplyChannel, message string) {
	l.publish(protocol.AgentEvent{Type: protocol.EventAgentError, SessionID: sessionID, Message: message, ReplyTo: replyTo})
}

func toProviderMessages(history []store.Message) []providers.Message {
	out := make([]providers.Message, len(history))
	for i, m := range history {
		out[i] = providers.Message{
			Role:       m.Role,
			Content:    m.Content,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
		}
	}
	return out
}
