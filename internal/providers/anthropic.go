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

// AnthropicProvider implements the Anthropic-style family transformer:
// system prompt separated from the message array, content blocks, and a
// stateful SSE stream tagged message_start/content_block_delta/
// message_stop (§4.6, §9).
type AnthropicProvider struct {
	name         string
	apiBase      string
	apiVersion   string
	defaultModel string
	client       *http.Client
	retryConfig  RetryConfig
	authn        auth.Authenticator
}

// NewAnthropicProvider builds an Anthropic-style provider.
func NewAnthropicProvider(name, apiBase, defaultModel string, authn auth.Authenticator) *AnthropicProvider {
	if apiBase == "" {
		apiBase = "https://api.anthropic.com/v1"
	}
	return &AnthropicProvider{
		name:         name,
		apiBase:      strings.TrimRight(apiBase, "/"),
		apiVersion:   "2023-06-01",
		defaultModel: defaultModel,
		client:       &http.Client{Timeout: 120 * time.Second},
		retryConfig:  DefaultRetryConfig(),
		authn:        authn,
	}
}

func (p *AnthropicProvider) ID() string           { return p.name }
func (p *AnthropicProvider) DefaultModel() string { return p.defaultModel }

func (p *AnthropicProvider) Validate(ctx context.Context) error {
	if p.authn == nil {
		return nil
	}
	_, err := p.authn.AuthHeaders(ctx)
	return err
}

func (p *AnthropicProvider) maybeRefresh(ctx context.Context) error {
	if p.authn == nil {
		return nil
	}
	if p.authn.NeedsRefresh(ctx) {
		return p.authn.Refresh(ctx)
	}
	return nil
}

// split separates the leading system message (if any) from the rest,
// matching Anthropic's top-level `system` field.
func split(req ChatRequest) (system string, rest []Message) {
	for i, m := range req.Messages {
		if i == 0 && m.Role == RoleSystem {
			system = m.Content
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}

func (p *AnthropicProvider) buildRequestBody(req ChatRequest, stream bool) []byte {
	system, rest := split(req)

	type contentBlock map[string]any
	type wireMessage struct {
		Role    string         `json:"role"`
		Content []contentBlock `json:"content"`
	}

	messages := make([]wireMessage, 0, len(rest))
	for _, m := range rest {
		role := string(m.Role)
		if m.Role == RoleTool {
			role = "user"
			messages = append(messages, wireMessage{Role: role, Content: []contentBlock{{
				"type":        "tool_result",
				"tool_use_id": m.ToolCallID,
				"content":     m.Content,
			}}})
			continue
		}
		var blocks []contentBlock
		if m.Content != "" {
			blocks = append(blocks, contentBlock{"type": "text", "text": m.Content})
		}
		for _, img := range m.Images {
			blocks = append(blocks, contentBlock{
				"type": "image",
				"source": map[string]any{
					"type":       "base64",
					"media_type": img.MimeType,
					"data":       img.Data,
				},
			})
		}
		for _, tc := range m.ToolCalls {
			blocks = append(blocks, contentBlock{
				"type":  "tool_use",
				"id":    tc.ID,
				"name":  tc.Name,
				"input": tc.Arguments,
			})
		}
		messages = append(messages, wireMessage{Role: role, Content: blocks})
	}

	body := map[string]any{
		"model":    req.Model,
		"messages": messages,
		"stream":   stream,
	}
	if system != "" {
		body["system"] = system
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]any, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{
				"name":         t.Function.Name,
				"description":  t.Function.Description,
				"input_schema": t.Function.Parameters,
			})
		}
		body["tools"] = tools
	}
	maxTokens := 4096
	if v, ok := req.Options[OptMaxTokens]; ok {
		if n, ok := v.(int); ok {
			maxTokens = n
		}
	}
	body["max_tokens"] = maxTokens
	if v, ok := req.Options[OptTemperature]; ok {
		body["temperature"] = v
	}

	raw, _ := json.Marshal(body)
	return raw
}

func (p *AnthropicProvider) applyHeaders(ctx context.Context, httpReq *http.Request) {
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("anthropic-version", p.apiVersion)
	if p.authn == nil {
		return
	}
	headers, err := p.authn.AuthHeaders(ctx)
	if err != nil {
		return
	}
	for k, v := range headers {
		// Anthropic uses x-api-key rather than Authorization: Bearer for
		// API-key auth; ApiKey authenticator still yields "Authorization"
		// so translate it here to the upstream's expected header.
		if k == "Authorization" && strings.HasPrefix(v, "Bearer ") {
			httpReq.Header.Set("x-api-key", strings.TrimPrefix(v, "Bearer "))
			continue
		}
		httpReq.Header.Set(k, v)
	}
}

func (p *AnthropicProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if err := p.maybeRefresh(ctx); err != nil {
		return nil, err
	}
	return RetryDo(ctx, p.retryConfig, func() (*ChatResponse, error) {
		raw, err := p.doRequest(ctx, p.buildRequestBody(req, false))
		if err != nil {
			return nil, err
		}
		return p.parseResponse(raw)
	})
}

func (p *AnthropicProvider) doRequest(ctx context.Context, body []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+"/messages", bytes.NewReader(body))
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

func (p *AnthropicProvider) parseResponse(raw []byte) (*ChatResponse, error) {
	var wire struct {
		Content []struct {
			Type  string         `json:"type"`
			Text  string         `json:"text"`
			ID    string         `json:"id"`
			Name  string         `json:"name"`
			Input map[string]any `json:"input"`
		} `json:"content"`
		StopReason string `json:"stop_reason"`
		Usage      struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrTransform, err)
	}
	resp := &ChatResponse{
		FinishReason: wire.StopReason,
		Usage: Usage{
			PromptTokens:     wire.Usage.InputTokens,
			CompletionTokens: wire.Usage.OutputTokens,
			TotalTokens:      wire.Usage.InputTokens + wire.Usage.OutputTokens,
		},
	}
	for _, block := range wire.Content {
		switch block.Type {
		case "text":
			resp.Content += block.Text
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{ID: block.ID, Name: block.Name, Arguments: block.Input})
		}
	}
	return resp, nil
}

// anthropicStreamState tracks partial tool-call assembly across SSE
// events; the Anthropic format requires state where OpenAI's is mostly
// stateless per line (§9).
type anthropicStreamState struct {
	blockIndexToCallID map[int]string
	argsBuf            map[int]*strings.Builder
}

func (p *AnthropicProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(Chunk)) (*ChatResponse, error) {
	if err := p.maybeRefresh(ctx); err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+"/messages", bytes.NewReader(p.buildRequestBody(req, true)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrInternal, err)
	}
	p.applyHeaders(ctx, httpReq)
	httpReq.Header.Set("Accept", "text/event-stream")

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

func (p *AnthropicProvider) consumeStream(body io.Reader, onChunk func(Chunk)) (*ChatResponse, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	state := &anthropicStreamState{blockIndexToCallID: map[int]string{}, argsBuf: map[int]*strings.Builder{}}
	var content strings.Builder
	var toolCalls []ToolCall
	var usage Usage
	finishReason := ""
	var eventName string

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			eventName = strings.TrimPrefix(line, "event: ")
			continue
		case strings.HasPrefix(line, "data: "):
			// fall through to handle below
		default:
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")

		switch eventName {
		case "message_start":
			var ev struct {
				Message struct {
					Model string `json:"model"`
					Usage struct {
						InputTokens int `json:"input_tokens"`
					} `json:"usage"`
				} `json:"message"`
			}
			if json.Unmarshal([]byte(payload), &ev) == nil {
				onChunk(Chunk{Type: ChunkStart, Model: ev.Message.Model})
				usage.PromptTokens = ev.Message.Usage.InputTokens
			}
		case "content_block_start":
			var ev struct {
				Index        int `json:"index"`
				ContentBlock struct {
					Type string `json:"type"`
					ID   string `json:"id"`
					Name string `json:"name"`
				} `json:"content_block"`
			}
			if json.Unmarshal([]byte(payload), &ev) == nil && ev.ContentBlock.Type == "tool_use" {
				state.blockIndexToCallID[ev.Index] = ev.ContentBlock.ID
				state.argsBuf[ev.Index] = &strings.Builder{}
				onChunk(Chunk{Type: ChunkToolCallStart, CallID: ev.ContentBlock.ID, Name: ev.ContentBlock.Name})
				toolCalls = append(toolCalls, ToolCall{ID: ev.ContentBlock.ID, Name: ev.ContentBlock.Name})
			}
		case "content_block_delta":
			var ev struct {
				Index int `json:"index"`
				Delta struct {
					Type        string `json:"type"`
					Text        string `json:"text"`
					PartialJSON string `json:"partial_json"`
				} `json:"delta"`
			}
			if json.Unmarshal([]byte(payload), &ev) != nil {
				continue
			}
			switch ev.Delta.Type {
			case "text_delta":
				content.WriteString(ev.Delta.Text)
				onChunk(Chunk{Type: ChunkContent, Text: ev.Delta.Text})
			case "input_json_delta":
				if buf, ok := state.argsBuf[ev.Index]; ok {
					buf.WriteString(ev.Delta.PartialJSON)
					onChunk(Chunk{Type: ChunkToolCallDelta, CallID: state.blockIndexToCallID[ev.Index], ArgsDelta: ev.Delta.PartialJSON})
				}
			}
		case "content_block_stop":
			var ev struct {
				Index int `json:"index"`
			}
			if json.Unmarshal([]byte(payload), &ev) == nil {
				if callID, ok := state.blockIndexToCallID[ev.Index]; ok {
					onChunk(Chunk{Type: ChunkToolCallEnd, CallID: callID})
				}
			}
		case "message_delta":
			var ev struct {
				Delta struct {
					StopReason string `json:"stop_reason"`
				} `json:"delta"`
				Usage struct {
					OutputTokens int `json:"output_tokens"`
				} `json:"usage"`
			}
			if json.Unmarshal([]byte(payload), &ev) == nil {
				finishReason = ev.Delta.StopReason
				usage.CompletionTokens = ev.Usage.OutputTokens
			}
		case "message_stop":
			onChunk(Chunk{Type: ChunkUsage, Usage: usage})
			onChunk(Chunk{Type: ChunkFinish, FinishReason: finishReason})
		case "error":
			var ev struct {
				Error struct {
					Message string `json:"message"`
				} `json:"error"`
			}
			json.Unmarshal([]byte(payload), &ev)
			onChunk(Chunk{Type: ChunkError, Message: ev.Error.Message})
			return nil, fmt.Errorf("%w: %s", apperr.ErrTransient, ev.Error.Message)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: stream read failed: %v", apperr.ErrTransient, err)
	}

	for i := range toolCalls {
		buf, ok := state.argsBuf[findBlockIndex(state, toolCalls[i].ID)]
		if !ok {
			continue
		}
		var args map[string]any
		if err := json.Unmarshal([]byte(buf.String()), &args); err != nil {
			args = map[string]any{}
		}
		toolCalls[i].Arguments = args
	}

	return &ChatResponse{Content: content.String(), ToolCalls: toolCalls, FinishReason: finishReason, Usage: usage}, nil
}

func findBlockIndex(state *anthropicStreamState, callID string) int {
	for idx, id := range state.blockIndexToCallID {
		if id == callID {
			return idx
		}
	}
	return -1
}
