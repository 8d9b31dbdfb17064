package providers

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/agentcore/internal/apperr"
	"github.com/nextlevelbuilder/agentcore/internal/providers/auth"
)

func TestOpenAIChatNonStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Fatalf("unexpected auth header: %q", got)
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"hello there"},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`))
	}))
	defer srv.Close()

	t.Setenv("TEST_OPENAI_KEY", "test-key")
	p := NewOpenAIProvider("openai", srv.URL, "gpt-test", auth.NewAPIKey("TEST_OPENAI_KEY"))

	resp, err := p.Chat(context.Background(), ChatRequest{Model: "gpt-test", Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "hello there" || resp.FinishReason != "stop" || resp.Usage.TotalTokens != 7 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestOpenAIChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		lines := []string{
			`data: {"model":"gpt-test","choices":[{"delta":{"content":"Hel"}}]}`,
			`data: {"choices":[{"delta":{"content":"lo"}}]}`,
			`data: {"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`,
			`data: [DONE]`,
		}
		for _, l := range lines {
			w.Write([]byte(l + "\n\n"))
		}
	}))
	defer srv.Close()

	p := NewOpenAIProvider("openai", srv.URL, "gpt-test", nil)

	var texts []string
	resp, err := p.ChatStream(context.Background(), ChatRequest{Model: "gpt-test", Messages: []Message{{Role: RoleUser, Content: "hi"}}}, func(c Chunk) {
		if c.Type == ChunkContent {
			texts = append(texts, c.Text)
		}
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if strings.Join(texts, "") != "Hello" {
		t.Fatalf("expected accumulated content Hello, got %v", texts)
	}
	if resp.Content != "Hello" || resp.FinishReason != "stop" || resp.Usage.TotalTokens != 4 {
		t.Fatalf("unexpected final response: %+v", resp)
	}
}

func TestOpenAIChatStreamToolCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lines := []string{
			`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"echo_upper","arguments":""}}]}}]}`,
			`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"text\":"}}]}}]}`,
			`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"hello\"}"}}]}}]}`,
			`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
			`data: [DONE]`,
		}
		for _, l := range lines {
			w.Write([]byte(l + "\n\n"))
		}
	}))
	defer srv.Close()

	p := NewOpenAIProvider("openai", srv.URL, "gpt-test", nil)
	resp, err := p.ChatStream(context.Background(), ChatRequest{Model: "gpt-test"}, func(Chunk) {})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.ToolCalls))
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "call_1" || tc.Name != "echo_upper" || tc.Arguments["text"] != "hello" {
		t.Fatalf("unexpected tool call: %+v", tc)
	}
}

func TestOpenAIChatHTTPErrorMapsToAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid key"}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider("openai", srv.URL, "gpt-test", nil)
	_, err := p.Chat(context.Background(), ChatRequest{Model: "gpt-test"})
	if err == nil {
		t.Fatal("expected error")
	}
	var herr *HTTPError
	if e, ok := err.(*HTTPError); ok {
		herr = e
	}
	if herr == nil || herr.Status != 401 || herr.Kind() != apperr.ErrAuth {
		t.Fatalf("expected HTTPError 401 classified as ErrAuth, got %v", err)
	}
}

// sanity check that the scanner-based line parser tolerates CRLF framing,
// which some intermediaries introduce.
func TestScannerToleratesCRLF(t *testing.T) {
	r := strings.NewReader("data: {}\r\n\r\n")
	scanner := bufio.NewScanner(r)
	if !scanner.Scan() || scanner.Text() != "data: {}" {
		t.Fatalf("expected line %q without trailing CR, got %q", "data: {}", scanner.Text())
	}
}
