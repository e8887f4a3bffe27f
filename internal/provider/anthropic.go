package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xonecas/symb/internal/agenterr"
	"github.com/xonecas/symb/internal/transport"
)

const roleSystem = "system"

const defaultAnthropicVersion = "2023-06-01"
const defaultAnthropicURL = "https://api.anthropic.com/v1/messages"
const defaultMaxTokens = 8192

// AnthropicProvider speaks the Anthropic Messages wire dialect directly
// against net/http via the shared transport.Client, per spec §4.2.
type AnthropicProvider struct {
	name            string
	apiKey          string
	baseURL         string
	anthropicVer    string
	model           string
	temperature     float64
	enableCaching   bool
	client          *transport.Client
}

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	Name             string
	APIKey           string
	BaseURL          string // defaults to defaultAnthropicURL
	AnthropicVersion string // defaults to defaultAnthropicVersion
	Model            string
	Temperature      float64
	EnableCaching    bool
}

func NewAnthropic(cfg AnthropicConfig) *AnthropicProvider {
	name := cfg.Name
	if name == "" {
		name = "anthropic"
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultAnthropicURL
	}
	ver := cfg.AnthropicVersion
	if ver == "" {
		ver = defaultAnthropicVersion
	}
	return &AnthropicProvider{
		name:          name,
		apiKey:        cfg.APIKey,
		baseURL:       baseURL,
		anthropicVer:  ver,
		model:         cfg.Model,
		temperature:   cfg.Temperature,
		enableCaching: cfg.EnableCaching,
		client:        transport.NewClient(30*time.Second, 300*time.Second),
	}
}

func (p *AnthropicProvider) Name() string { return p.name }

func (p *AnthropicProvider) Close() error { return p.client.Close() }

func (p *AnthropicProvider) ListModels(ctx context.Context) ([]Model, error) {
	// Anthropic does not expose a public model-listing endpoint the core
	// wire protocol list (§6) names; the configured model is the only one
	// surfaced. This mirrors the provider selection contract in §4.2, which
	// binds exactly one model for the session rather than discovering a menu.
	return []Model{{Name: p.model}}, nil
}

func (p *AnthropicProvider) ChatStream(ctx context.Context, messages []Message, tools []Tool) (<-chan StreamEvent, error) {
	system, anthMessages := toAnthropicMessages(messages)
	if !p.enableCaching {
		for i := range system {
			system[i].CacheControl = nil
		}
	}
	anthTools := toAnthropicTools(tools)
	if !p.enableCaching {
		for i := range anthTools {
			anthTools[i].CacheControl = nil
		}
	}

	req := anthropicRequest{
		Model:       p.model,
		Messages:    anthMessages,
		System:      system,
		MaxTokens:   defaultMaxTokens,
		Temperature: p.temperature,
		Stream:      true,
		Tools:       anthTools,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq := transport.Request{
		Method: http.MethodPost,
		URL:    p.baseURL,
		Body:   body,
		Headers: map[string]string{
			"Content-Type":     "application/json",
			"x-api-key":        p.apiKey,
			"anthropic-version": p.anthropicVer,
		},
	}

	ch := make(chan StreamEvent)
	go func() {
		defer close(ch)
		bt := newAnthropicBlockTracker()
		var currentEvent string

		resp := p.client.DoStream(ctx, httpReq, func(evt transport.SSEEvent) bool {
			currentEvent = evt.Name
			return bt.handleAnthropicEvent(ctx, ch, currentEvent, evt.Data)
		})
		if resp.Err != nil {
			trySend(ctx, ch, StreamEvent{Type: EventError, Err: classifyAnthropicError(resp)})
		}
	}()

	return ch, nil
}

// classifyAnthropicError converts a transport.Response error into the
// error taxonomy of §7, detecting context-length-exceeded per §4.2's pattern
// match on the error message.
func classifyAnthropicError(resp *transport.Response) error {
	if resp.Err == transport.ErrStreamAborted {
		return &agenterr.InterruptedError{}
	}
	msg := resp.Err.Message
	lower := strings.ToLower(string(resp.Body))
	if strings.Contains(lower, "maximum context length") || strings.Contains(lower, "too many tokens") {
		return &agenterr.ContextLengthExceededError{Message: msg}
	}
	if resp.Status == 401 || resp.Status == 403 {
		return &agenterr.AuthError{Message: msg}
	}
	return agenterr.NewProviderHTTPError(resp.Status, msg)
}

// Anthropic Messages API request types.

type anthropicRequest struct {
	Model       string                `json:"model"`
	Messages    []anthropicMessage    `json:"messages"`
	System      []anthropicCacheBlock `json:"system,omitempty"`
	MaxTokens   int                   `json:"max_tokens"`
	Temperature float64               `json:"temperature,omitempty"`
	Stream      bool                  `json:"stream"`
	Tools       []anthropicTool       `json:"tools,omitempty"`
}

// anthropicCacheControl marks a block for prompt caching.
type anthropicCacheControl struct {
	Type string `json:"type"` // "ephemeral"
}

// anthropicCacheBlock is a system prompt content block with optional cache_control.
type anthropicCacheBlock struct {
	Type         string                 `json:"type"` // "text"
	Text         string                 `json:"text"`
	CacheControl *anthropicCacheControl `json:"cache_control,omitempty"`
}

type anthropicMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"` // string or []block
}

// anthropicTextBlock is a "text" content block.
type anthropicTextBlock struct {
	Type string `json:"type"` // "text"
	Text string `json:"text"`
}

// anthropicImageBlock is an "image" content block with base64 source data.
type anthropicImageBlock struct {
	Type   string              `json:"type"` // "image"
	Source anthropicImageSource `json:"source"`
}

type anthropicImageSource struct {
	Type      string `json:"type"` // "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// anthropicToolUseBlock is a "tool_use" content block.
type anthropicToolUseBlock struct {
	Type  string          `json:"type"` // "tool_use"
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// anthropicToolResultBlock is a "tool_result" content block.
type anthropicToolResultBlock struct {
	Type      string `json:"type"` // "tool_result"
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
}

type anthropicTool struct {
	Name         string                 `json:"name"`
	Description  string                 `json:"description,omitempty"`
	InputSchema  json.RawMessage        `json:"input_schema"`
	CacheControl *anthropicCacheControl `json:"cache_control,omitempty"`
}

// Anthropic SSE streaming response types.

type anthropicMessageStart struct {
	Message struct {
		Usage struct {
			InputTokens         int `json:"input_tokens"`
			OutputTokens        int `json:"output_tokens"`
			CacheReadInputTokens int `json:"cache_read_input_tokens"`
		} `json:"usage"`
	} `json:"message"`
}

type anthropicMessageDelta struct {
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type anthropicContentBlockStart struct {
	Type         string `json:"type"`
	Index        int    `json:"index"`
	ContentBlock struct {
		Type string `json:"type"` // "text" or "tool_use"
		Text string `json:"text,omitempty"`
		ID   string `json:"id,omitempty"`
		Name string `json:"name,omitempty"`
	} `json:"content_block"`
}

type anthropicContentBlockDelta struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta struct {
		Type        string `json:"type"` // "text_delta", "thinking_delta", "input_json_delta", "signature_delta"
		Text        string `json:"text,omitempty"`
		Thinking    string `json:"thinking,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
	} `json:"delta"`
}

// toAnthropicMessages converts provider-agnostic messages to Anthropic Messages API format.
// Returns (system blocks, messages) — system is extracted and hoisted out.
// The last system block gets cache_control for prompt caching.
func toAnthropicMessages(messages []Message) ([]anthropicCacheBlock, []anthropicMessage) {
	var systemParts []string
	var result []anthropicMessage

	for _, m := range messages {
		if m.Role == roleSystem {
			systemParts = append(systemParts, m.Content)
			continue
		}

		if m.Role == "tool" {
			result = append(result, anthropicMessage{
				Role: "user",
				Content: []anthropicToolResultBlock{
					{
						Type:      "tool_result",
						ToolUseID: m.ToolCallID,
						Content:   m.Content,
					},
				},
			})
			continue
		}

		if m.Role == "assistant" && len(m.ToolCalls) > 0 {
			var blocks []interface{}
			if m.Content != "" {
				blocks = append(blocks, anthropicTextBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				input := tc.Arguments
				if len(input) == 0 {
					input = json.RawMessage(`{}`)
				}
				blocks = append(blocks, anthropicToolUseBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: input,
				})
			}
			if len(blocks) == 0 {
				// Neither text nor calls: drop the message per spec §4.2.
				continue
			}
			result = append(result, anthropicMessage{Role: "assistant", Content: blocks})
			continue
		}

		if m.Role == "user" && len(m.Blocks) > 0 {
			// A user message whose content is an array is passed through to
			// support image blocks, per spec §4.2.
			var blocks []interface{}
			for _, b := range m.Blocks {
				switch b.Type {
				case "image":
					blocks = append(blocks, anthropicImageBlock{
						Type: "image",
						Source: anthropicImageSource{
							Type:      "base64",
							MediaType: b.MimeType,
							Data:      encodeBase64(b.Data),
						},
					})
				default:
					blocks = append(blocks, anthropicTextBlock{Type: "text", Text: b.Text})
				}
			}
			result = append(result, anthropicMessage{Role: "user", Content: blocks})
			continue
		}

		// Simple text message.
		result = append(result, anthropicMessage{Role: m.Role, Content: m.Content})
	}

	var system []anthropicCacheBlock
	if len(systemParts) > 0 {
		system = make([]anthropicCacheBlock, len(systemParts))
		for i, part := range systemParts {
			system[i] = anthropicCacheBlock{Type: "text", Text: part}
		}
		system[len(system)-1].CacheControl = &anthropicCacheControl{Type: "ephemeral"}
	}
	return system, result
}

// toAnthropicTools converts provider-agnostic tools to Anthropic tool format.
func toAnthropicTools(tools []Tool) []anthropicTool {
	if tools == nil {
		return nil
	}
	emptySchema := json.RawMessage(`{"type":"object","properties":{}}`)
	result := make([]anthropicTool, len(tools))
	for i, t := range tools {
		schema := t.Parameters
		if len(schema) == 0 {
			schema = emptySchema
		}
		result[i] = anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		}
	}
	if len(result) > 0 {
		result[len(result)-1].CacheControl = &anthropicCacheControl{Type: "ephemeral"}
	}
	return result
}

// anthropicBlockTracker maps Anthropic block indices to tool call indices
// while streaming.
type anthropicBlockTracker struct {
	toolCallCount  int
	blockIsToolUse map[int]bool
	blockToolIndex map[int]int
}

func newAnthropicBlockTracker() *anthropicBlockTracker {
	return &anthropicBlockTracker{
		blockIsToolUse: make(map[int]bool),
		blockToolIndex: make(map[int]int),
	}
}

// handleAnthropicEvent dispatches one decoded SSE event from the shared
// transport.DecodeSSE. Returns false to abort the stream (ctx cancelled).
func (bt *anthropicBlockTracker) handleAnthropicEvent(ctx context.Context, ch chan<- StreamEvent, eventName, data string) bool {
	switch eventName {
	case "message_stop":
		trySend(ctx, ch, StreamEvent{Type: EventDone})
		return false
	case "content_block_start":
		return bt.handleBlockStart(ctx, ch, data)
	case "content_block_delta":
		return bt.handleBlockDelta(ctx, ch, data)
	case "message_start":
		handleAnthropicMessageStart(ctx, ch, data)
	case "message_delta":
		handleAnthropicMessageDelta(ctx, ch, data)
	case "error":
		var e struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		json.Unmarshal([]byte(data), &e)
		trySend(ctx, ch, StreamEvent{Type: EventError, Err: fmt.Errorf("%s", e.Error.Message)})
		return false
	case "ping", "content_block_stop":
		// Ignored.
	}
	return true
}

func (bt *anthropicBlockTracker) handleBlockStart(ctx context.Context, ch chan<- StreamEvent, data string) bool {
	var evt anthropicContentBlockStart
	if err := json.Unmarshal([]byte(data), &evt); err != nil {
		log.Warn().Err(err).Msg("Failed to parse anthropic content_block_start")
		return true
	}
	if evt.ContentBlock.Type != "tool_use" {
		return true
	}
	idx := bt.toolCallCount
	bt.toolCallCount++
	bt.blockIsToolUse[evt.Index] = true
	bt.blockToolIndex[evt.Index] = idx
	return trySend(ctx, ch, StreamEvent{
		Type:          EventToolCallBegin,
		ToolCallIndex: idx,
		ToolCallID:    evt.ContentBlock.ID,
		ToolCallName:  evt.ContentBlock.Name,
	})
}

func (bt *anthropicBlockTracker) handleBlockDelta(ctx context.Context, ch chan<- StreamEvent, data string) bool {
	var evt anthropicContentBlockDelta
	if err := json.Unmarshal([]byte(data), &evt); err != nil {
		log.Warn().Err(err).Msg("Failed to parse anthropic content_block_delta")
		return true
	}
	switch evt.Delta.Type {
	case "text_delta":
		if evt.Delta.Text != "" {
			return trySend(ctx, ch, StreamEvent{Type: EventContentDelta, Content: evt.Delta.Text})
		}
	case "thinking_delta":
		if evt.Delta.Thinking != "" {
			return trySend(ctx, ch, StreamEvent{Type: EventReasoningDelta, Content: evt.Delta.Thinking})
		}
	case "input_json_delta":
		if evt.Delta.PartialJSON != "" && bt.blockIsToolUse[evt.Index] {
			return trySend(ctx, ch, StreamEvent{
				Type:          EventToolCallDelta,
				ToolCallIndex: bt.blockToolIndex[evt.Index],
				ToolCallArgs:  evt.Delta.PartialJSON,
			})
		}
	}
	return true
}

func handleAnthropicMessageStart(ctx context.Context, ch chan<- StreamEvent, data string) {
	var ms anthropicMessageStart
	if err := json.Unmarshal([]byte(data), &ms); err != nil {
		return
	}
	u := ms.Message.Usage
	if u.InputTokens > 0 || u.OutputTokens > 0 || u.CacheReadInputTokens > 0 {
		trySend(ctx, ch, StreamEvent{
			Type:         EventUsage,
			InputTokens:  u.InputTokens,
			OutputTokens: u.OutputTokens,
		})
	}
}

func handleAnthropicMessageDelta(ctx context.Context, ch chan<- StreamEvent, data string) {
	var md anthropicMessageDelta
	if err := json.Unmarshal([]byte(data), &md); err != nil {
		return
	}
	if md.Usage.OutputTokens > 0 {
		trySend(ctx, ch, StreamEvent{Type: EventUsage, OutputTokens: md.Usage.OutputTokens})
	}
}

// trySend sends an event on ch, aborting if ctx is cancelled. Returns false if cancelled.
func trySend(ctx context.Context, ch chan<- StreamEvent, evt StreamEvent) bool {
	select {
	case ch <- evt:
		return true
	case <-ctx.Done():
		return false
	}
}
