package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/agentcore/internal/apperr"
	"github.com/nextlevelbuilder/agentcore/internal/providers/auth"
)

// OpenAIProvider implements the OpenAI-compatible family transformer:
// messages/tools/stream arrays; streaming wire format "data: {json}\n\n"
// terminated by "[DONE]" (§4.6).
type OpenAIProvider struct {
	name         string
	apiBase      string
	chatPath     string
	defaultModel string
	client       *http.Client
	retryConfig  RetryConfig
	authn        auth.Authenticator
}

// NewOpenAIProvider builds an OpenAI-compatible provider. apiBase
// defaults to the canonical OpenAI endpoint when empty.
func NewOpenAIProvider(name, apiBase, defaultModel string, authn auth.Authenticator) *OpenAIProvider {
	if apiBase == "" {
		apiBase = "https://api.openai.com/v1"
	}
	return &OpenAIProvider{
		name:         name,
		apiBase:      strings.TrimRight(apiBase, "/"),
		chatPath:     "/chat/completions",
		defaultModel: defaultModel,
		client:       &http.Client{Timeout: 120 * time.Second},
		retryConfig:  DefaultRetryConfig(),
		authn:        authn,
	}
}

func (p *OpenAIProvider) ID() string           { return p.name }
func (p *OpenAIProvider) DefaultModel() string { return p.defaultModel }

func (p *OpenAIProvider) Validate(ctx context.Context) error {
	if p.authn == nil {
		return nil
	}
	_, err := p.authn.AuthHeaders(ctx)
	return err
}

func (p *OpenAIProvider) maybeRefresh(ctx context.Context) error {
	if p.authn == nil {
		return nil
	}
	if p.authn.NeedsRefresh(ctx) {
		return p.authn.Refresh(ctx)
	}
	return nil
}

func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if err := p.maybeRefresh(ctx); err != nil {
		return nil, err
	}
	return RetryDo(ctx, p.retryConfig, func() (*ChatResponse, error) {
		body := p.buildRequestBody(req, false)
		raw, err := p.doRequest(ctx, body)
		if err != nil {
			return nil, err
		}
		return p.parseResponse(raw)
	})
}

func (p *OpenAIProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(Chunk)) (*ChatResponse, error) {
	if err := p.maybeRefresh(ctx); err != nil {
		return nil, err
	}

	body := bytes.NewReader(p.buildRequestBody(req, true))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+p.chatPath, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrInternal, err)
	}
	p.applyHeaders(ctx, httpReq)

	res, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrTransient, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(res.Body)
		herr := &HTTPError{Status: res.StatusCode, Body: string(raw), RetryAfter: ParseRetryAfter(res.Header)}
		return nil, fmt.Errorf("%w: %v", herr.Kind(), herr)
	}

	return p.consumeStream(res.Body, onChunk)
}

type toolCallAccumulator struct {
	id   string
	name string
	args strings.Builder
}

func (p *OpenAIProvider) consumeStream(body io.Reader, onChunk func(Chunk)) (*ChatResponse, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var content strings.Builder
	toolCalls := map[int]*toolCallAccumulator{}
	var order []int
	var usage Usage
	finishReason := ""
	sentStart := false

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			break
		}

		var chunk struct {
			Model   string `json:"model"`
			Choices []struct {
				Delta struct {
					Content   string `json:"content"`
					ToolCalls []struct {
						Index    int    `json:"index"`
						ID       string `json:"id"`
						Function struct {
							Name      string `json:"name"`
							Arguments string `json:"arguments"`
						} `json:"function"`
					} `json:"tool_calls"`
				} `json:"delta"`
				FinishReason string `json:"finish_reason"`
			} `json:"choices"`
			Usage *struct {
				PromptTokens     int `json:"prompt_tokens"`
				CompletionTokens int `json:"completion_tokens"`
				TotalTokens      int `json:"total_tokens"`
			} `json:"usage"`
		}
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}

		if !sentStart {
			onChunk(Chunk{Type: ChunkStart, Model: chunk.Model})
			sentStart = true
		}

		if chunk.Usage != nil {
			usage = Usage{PromptTokens: chunk.Usage.PromptTokens, CompletionTokens: chunk.Usage.CompletionTokens, TotalTokens: chunk.Usage.TotalTokens}
		}

		for _, c := range chunk.Choices {
			if c.Delta.Content != "" {
				content.WriteString(c.Delta.Content)
				onChunk(Chunk{Type: ChunkContent, Text: c.Delta.Content})
			}
			for _, tc := range c.Delta.ToolCalls {
				acc, ok := toolCalls[tc.Index]
				if !ok {
					acc = &toolCallAccumulator{id: tc.ID, name: tc.Function.Name}
					toolCalls[tc.Index] = acc
					order = append(order, tc.Index)
					onChunk(Chunk{Type: ChunkToolCallStart, CallID: tc.ID, Name: tc.Function.Name})
				}
				if tc.Function.Arguments != "" {
					acc.args.WriteString(tc.Function.Arguments)
					onChunk(Chunk{Type: ChunkToolCallDelta, CallID: acc.id, ArgsDelta: tc.Function.Arguments})
				}
			}
			if c.FinishReason != "" {
				finishReason = c.FinishReason
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: stream read failed: %v", apperr.ErrTransient, err)
	}

	resp := &ChatResponse{Content: content.String(), FinishReason: finishReason, Usage: usage}
	for _, idx := range order {
		acc := toolCalls[idx]
		onChunk(Chunk{Type: ChunkToolCallEnd, CallID: acc.id})
		var args map[string]any
		if err := json.Unmarshal([]byte(acc.args.String()), &args); err != nil {
			args = map[string]any{}
		}
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{ID: acc.id, Name: acc.name, Arguments: args})
	}
	onChunk(Chunk{Type: ChunkUsage, Usage: usage})
	onChunk(Chunk{Type: ChunkFinish, FinishReason: finishReason})
	return resp, nil
}

func (p *OpenAIProvider) buildRequestBody(req ChatRequest, stream bool) []byte {
	type wireMessage struct {
		Role       string     `json:"role"`
		Content    any        `json:"content,omitempty"`
		ToolCalls  []wireCall `json:"tool_calls,omitempty"`
		ToolCallID string     `json:"tool_call_id,omitempty"`
	}
	messages := make([]wireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		wm := wireMessage{Role: string(m.Role), ToolCallID: m.ToolCallID}
		if len(m.Images) == 0 {
			if !(m.Role == RoleAssistant && len(m.ToolCalls) > 0 && m.Content == "") {
				wm.Content = m.Content
			}
		} else {
			wm.Content = buildVisionParts(m)
		}
		for _, tc := range m.ToolCalls {
			argBytes, _ := json.Marshal(tc.Arguments)
			wm.ToolCalls = append(wm.ToolCalls, wireCall{ID: tc.ID, Type: "function", Function: wireFunc{Name: tc.Name, Arguments: string(argBytes)}})
		}
		messages = append(messages, wm)
	}

	body := map[string]any{
		"model":    req.Model,
		"messages": messages,
		"stream":   stream,
	}
	if len(req.Tools) > 0 {
		body["tools"] = req.Tools
	}
	if v, ok := req.Options[OptMaxTokens]; ok {
		body["max_tokens"] = v
	}
	if v, ok := req.Options[OptTemperature]; ok {
		body["temperature"] = v
	}

	raw, _ := json.Marshal(body)
	return raw
}

type wireFunc struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireCall struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	Function wireFunc `json:"function"`
}

func buildVisionParts(m Message) []map[string]any {
	parts := []map[string]any{}
	if m.Content != "" {
		parts = append(parts, map[string]any{"type": "text", "text": m.Content})
	}
	for _, img := range m.Images {
		parts = append(parts, map[string]any{
			"type": "image_url",
			"image_url": map[string]any{
				"url": "data:" + img.MimeType + ";base64," + img.Data,
			},
		})
	}
	return parts
}

func (p *OpenAIProvider) applyHeaders(ctx context.Context, httpReq *http.Request) {
	httpReq.Header.Set("Content-Type", "application/json")
	if p.authn == nil {
		return
	}
	headers, err := p.authn.AuthHeaders(ctx)
	if err != nil {
		return
	}
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}
}

func (p *OpenAIProvider) doRequest(ctx context.Context, body []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+p.chatPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrInternal, err)
	}
	p.applyHeaders(ctx, httpReq)

	res, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrTransient, err)
	}
	defer res.Body.Close()
	raw, _ := io.ReadAll(res.Body)
	if res.StatusCode != http.StatusOK {
		herr := &HTTPError{Status: res.StatusCode, Body: string(raw), RetryAfter: ParseRetryAfter(res.Header)}
		return nil, herr
	}
	return raw, nil
}

func (p *OpenAIProvider) parseResponse(raw []byte) (*ChatResponse, error) {
	var wire struct {
		Choices []struct {
			Message struct {
				Content   string `json:"content"`
				ToolCalls []struct {
					ID       string `json:"id"`
					Function struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrTransform, err)
	}
	if len(wire.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices in response", apperr.ErrTransform)
	}
	choice := wire.Choices[0]
	resp := &ChatResponse{
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage: Usage{
			PromptTokens:     wire.Usage.PromptTokens,
			CompletionTokens: wire.Usage.CompletionTokens,
			TotalTokens:      wire.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		var args map[string]any
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			args = map[string]any{}
		}
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}
	return resp, nil
}
