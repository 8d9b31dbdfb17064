package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/agentcore/internal/providers/auth"
)

func TestAnthropicChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-api-key"); got != "anthro-key" {
			t.Fatalf("unexpected x-api-key: %q", got)
		}
		events := []string{
			"event: message_start\ndata: {\"message\":{\"model\":\"claude-test\",\"usage\":{\"input_tokens\":10}}}\n\n",
			"event: content_block_start\ndata: {\"index\":0,\"content_block\":{\"type\":\"text\"}}\n\n",
			"event: content_block_delta\ndata: {\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"Hi\"}}\n\n",
			"event: content_block_stop\ndata: {\"index\":0}\n\n",
			"event: message_delta\ndata: {\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"output_tokens\":3}}\n\n",
			"event: message_stop\ndata: {}\n\n",
		}
		for _, e := range events {
			w.Write([]byte(e))
		}
	}))
	defer srv.Close()

	t.Setenv("TEST_ANTHROPIC_KEY", "anthro-key")
	p := NewAnthropicProvider("anthropic", srv.URL, "claude-test", auth.NewAPIKey("TEST_ANTHROPIC_KEY"))

	var texts []string
	resp, err := p.ChatStream(context.Background(), ChatRequest{
		Model:    "claude-test",
		Messages: []Message{{Role: RoleSystem, Content: "be terse"}, {Role: RoleUser, Content: "hi"}},
	}, func(c Chunk) {
		if c.Type == ChunkContent {
			texts = append(texts, c.Text)
		}
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if strings.Join(texts, "") != "Hi" {
		t.Fatalf("expected Hi, got %v", texts)
	}
	if resp.FinishReason != "end_turn" || resp.Usage.PromptTokens != 10 || resp.Usage.CompletionTokens != 3 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestAnthropicSplitsSystemMessage(t *testing.T) {
	req := ChatRequest{Messages: []Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "hi"},
	}}
	system, rest := split(req)
	if system != "sys" {
		t.Fatalf("expected system prompt extracted, got %q", system)
	}
	if len(rest) != 1 || rest[0].Role != RoleUser {
		t.Fatalf("unexpected rest: %+v", rest)
	}
}
