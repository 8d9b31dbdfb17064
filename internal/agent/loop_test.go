package agent

import (
	"context"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentcore/internal/bus"
	"github.com/nextlevelbuilder/agentcore/internal/providers"
	"github.com/nextlevelbuilder/agentcore/internal/sessions"
	"github.com/nextlevelbuilder/agentcore/internal/store/jsonl"
	"github.com/nextlevelbuilder/agentcore/internal/tools"
	"github.com/nextlevelbuilder/agentcore/pkg/protocol"
)

// fakeProvider replays a scripted sequence of ChatStream responses, one
// per call, so a test can drive the loop through several rounds.
type fakeProvider struct {
	calls     int
	responses [][]providers.Chunk
}

func (f *fakeProvider) ID() string           { return "fake" }
func (f *fakeProvider) DefaultModel() string { return "fake-model" }
func (f *fakeProvider) Validate(ctx context.Context) error { return nil }

func (f *fakeProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	return &providers.ChatResponse{}, nil
}

func (f *fakeProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.Chunk)) (*providers.ChatResponse, error) {
	idx := f.calls
	f.calls++
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	for _, c := range f.responses[idx] {
		onChunk(c)
	}
	return &providers.ChatResponse{}, nil
}

func newTestLoop(t *testing.T, provider providers.Provider) (*Loop, *sessions.Manager, *bus.Bus) {
	t.Helper()
	st, err := jsonl.Open(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("jsonl.Open: %v", err)
	}
	sm := sessions.NewManager(st, sessions.DefaultConfig())
	b := bus.New(16)
	reg := tools.NewRegistry()
	inv := tools.NewInvoker(reg, tools.NewExecutor(), nil)
	cfg := DefaultConfig()
	cfg.SystemPrompt = "you are a test assistant"
	return New(sm, b, provider, inv, reg, cfg), sm, b
}

func TestLoopSimpleCompletion(t *testing.T) {
	provider := &fakeProvider{
		responses: [][]providers.Chunk{
			{
				{Type: providers.ChunkStart},
				{Type: providers.ChunkContent, Text: "hello "},
				{Type: providers.ChunkContent, Text: "world"},
				{Type: providers.ChunkFinish, FinishReason: "stop"},
				{Type: providers.ChunkUsage, Usage: providers.Usage{PromptTokens: 5, CompletionTokens: 2}},
			},
		},
	}
	l, sm, b := newTestLoop(t, provider)

	sess, err := sm.Create("u1", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	recv := b.Subscribe()
	defer recv.Unsubscribe()

	l.Run(context.Background(), sess.Metadata.ID, "hi", protocol.Gateway(sess.Metadata.ID))

	history, err := sm.History(sess.Metadata.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	// system + user + assistant
	if len(history) != 3 {
		t.Fatalf("expected 3 messages, got %d: %+v", len(history), history)
	}
	if history[2].Role != providers.RoleAssistant || history[2].Content != "hello world" {
		t.Fatalf("unexpected assistant message: %+v", history[2])
	}

	sawComplete := false
	for {
		select {
		case evt := <-recv.Events():
			if evt.Type == protocol.EventAgentComplete {
				sawComplete = true
			}
		case <-time.After(50 * time.Millisecond):
			if !sawComplete {
				t.Fatal("expected an AgentComplete event")
			}
			return
		}
	}
}

func TestLoopWithToolCall(t *testing.T) {
	st, err := jsonl.Open(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("jsonl.Open: %v", err)
	}
	sm := sessions.NewManager(st, sessions.DefaultConfig())
	b := bus.New(16)
	reg := tools.NewRegistry()
	executor := tools.NewExecutor()
	builtins := tools.NewBuiltinTools(t.TempDir(), executor)
	for _, d := range builtins.Defs() {
		reg.Register(d)
	}
	inv := tools.NewInvoker(reg, executor, builtins)

	provider := &fakeProvider{
		responses: [][]providers.Chunk{
			{
				{Type: providers.ChunkStart},
				{Type: providers.ChunkToolCallStart, CallID: "call1", Name: "write_file"},
				{Type: providers.ChunkToolCallDelta, CallID: "call1", ArgsDelta: `{"path":"out.txt",`},
				{Type: providers.ChunkToolCallDelta, CallID: "call1", ArgsDelta: `"content":"hi"}`},
				{Type: providers.ChunkToolCallEnd, CallID: "call1"},
				{Type: providers.ChunkFinish, FinishReason: "tool_calls"},
			},
			{
				{Type: providers.ChunkStart},
				{Type: providers.ChunkContent, Text: "done"},
				{Type: providers.ChunkFinish, FinishReason: "stop"},
			},
		},
	}

	cfg := DefaultConfig()
	l := New(sm, b, provider, inv, reg, cfg)

	sess, err := sm.Create("", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	l.Run(context.Background(), sess.Metadata.ID, "write a file", protocol.Gateway(sess.Metadata.ID))

	history, err := sm.History(sess.Metadata.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	var sawTool, sawAssistantFinal bool
	for _, m := range history {
		if m.Role == providers.RoleTool {
			sawTool = true
		}
		if m.Role == providers.RoleAssistant && m.Content == "done" {
			sawAssistantFinal = true
		}
	}
	if !sawTool {
		t.Fatal("expected a tool-role message after the tool call round")
	}
	if !sawAssistantFinal {
		t.Fatal("expected the final assistant message from the second round")
	}
}

func TestLoopUnknownToolProducesToolError(t *testing.T) {
	st, err := jsonl.Open(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("jsonl.Open: %v", err)
	}
	sm := sessions.NewManager(st, sessions.DefaultConfig())
	b := bus.New(16)
	reg := tools.NewRegistry()
	inv := tools.NewInvoker(reg, tools.NewExecutor(), nil)

	provider := &fakeProvider{
		responses: [][]providers.Chunk{
			{
				{Type: providers.ChunkToolCallStart, CallID: "call1", Name: "does_not_exist"},
				{Type: providers.ChunkToolCallDelta, CallID: "call1", ArgsDelta: `{}`},
				{Type: providers.ChunkFinish, FinishReason: "tool_calls"},
			},
			{
				{Type: providers.ChunkContent, Text: "ok"},
				{Type: providers.ChunkFinish, FinishReason: "stop"},
			},
		},
	}

	l := New(sm, b, provider, inv, reg, DefaultConfig())
	sess, _ := sm.Create("", "")

	recv := b.Subscribe()
	defer recv.Unsubscribe()

	l.Run(context.Background(), sess.Metadata.ID, "go", protocol.Gateway(sess.Metadata.ID))

	history, err := sm.History(sess.Metadata.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	found := false
	for _, m := range history {
		if m.Role == providers.RoleTool && m.Content == "Error: unknown tool" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a tool message reporting the unknown tool, got %+v", history)
	}
}

func TestLoopRoundBudgetExhausted(t *testing.T) {
	st, err := jsonl.Open(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("jsonl.Open: %v", err)
	}
	sm := sessions.NewManager(st, sessions.DefaultConfig())
	b := bus.New(16)
	reg := tools.NewRegistry()
	executor := tools.NewExecutor()
	builtins := tools.NewBuiltinTools(t.TempDir(), executor)
	for _, d := range builtins.Defs() {
		reg.Register(d)
	}
	inv := tools.NewInvoker(reg, executor, builtins)

	// Every round returns a tool call, so the loop never reaches a
	// terminal assistant message before the round budget runs out.
	loopingResponse := []providers.Chunk{
		{Type: providers.ChunkToolCallStart, CallID: "call1", Name: "read_file"},
		{Type: providers.ChunkToolCallDelta, CallID: "call1", ArgsDelta: `{"path":"missing.txt"}`},
		{Type: providers.ChunkFinish, FinishReason: "tool_calls"},
	}
	provider := &fakeProvider{responses: [][]providers.Chunk{loopingResponse}}

	cfg := DefaultConfig()
	cfg.MaxRounds = 2
	l := New(sm, b, provider, inv, reg, cfg)
	sess, _ := sm.Create("", "")

	recv := b.Subscribe()
	defer recv.Unsubscribe()

	l.Run(context.Background(), sess.Metadata.ID, "loop forever", protocol.Gateway(sess.Metadata.ID))

	sawComplete := false
	for {
		select {
		case evt := <-recv.Events():
			if evt.Type == protocol.EventAgentComplete {
				sawComplete = true
			}
		case <-time.After(50 * time.Millisecond):
			if !sawComplete {
				t.Fatal("expected AgentComplete once the round budget is exhausted")
			}
			return
		}
	}
}
