package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"

	"github.com/xonecas/symb/internal/agenterr"
	"github.com/xonecas/symb/internal/transport"
)

const defaultOpenAIURL = "https://api.openai.com/v1/chat/completions"

// OpenAIProvider speaks the OpenAI Chat Completions streaming dialect, per
// spec §6, against the shared transport.Client.
type OpenAIProvider struct {
	name        string
	apiKey      string
	baseURL     string
	authHeader  string // defaults to "Authorization"; Bearer-prefixed
	extraHeaders map[string]string
	model       string
	temperature float64
	client      *transport.Client
}

// OpenAIConfig configures an OpenAIProvider.
type OpenAIConfig struct {
	Name         string
	APIKey       string
	BaseURL      string // defaults to defaultOpenAIURL; no environment variable is read
	AuthHeader   string // defaults to "Authorization"
	ExtraHeaders map[string]string
	Model        string
	Temperature  float64
}

func NewOpenAI(cfg OpenAIConfig) *OpenAIProvider {
	name := cfg.Name
	if name == "" {
		name = "openai"
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOpenAIURL
	}
	authHeader := cfg.AuthHeader
	if authHeader == "" {
		authHeader = "Authorization"
	}
	return &OpenAIProvider{
		name:         name,
		apiKey:       cfg.APIKey,
		baseURL:      baseURL,
		authHeader:   authHeader,
		extraHeaders: cfg.ExtraHeaders,
		model:        cfg.Model,
		temperature:  cfg.Temperature,
		client:       transport.NewClient(30*time.Second, 300*time.Second),
	}
}

func (p *OpenAIProvider) Name() string { return p.name }

func (p *OpenAIProvider) Close() error { return p.client.Close() }

func (p *OpenAIProvider) ListModels(ctx context.Context) ([]Model, error) {
	listURL := strings.TrimSuffix(p.baseURL, "/chat/completions") + "/models"
	req := transport.Request{
		Method:  http.MethodGet,
		URL:     listURL,
		Headers: p.headers(),
	}
	resp := p.client.Do(ctx, req)
	if resp.Err != nil {
		return nil, agenterr.NewProviderHTTPError(resp.Status, resp.Err.Message)
	}
	var parsed struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return nil, &agenterr.InvalidResponseError{Message: err.Error()}
	}
	models := make([]Model, len(parsed.Data))
	for i, m := range parsed.Data {
		models[i] = Model{Name: m.ID}
	}
	return models, nil
}

func (p *OpenAIProvider) headers() map[string]string {
	h := map[string]string{
		"Content-Type": "application/json",
	}
	if p.authHeader == "Authorization" {
		h["Authorization"] = "Bearer " + p.apiKey
	} else {
		h[p.authHeader] = p.apiKey
	}
	for k, v := range p.extraHeaders {
		h[k] = v
	}
	return h
}

func (p *OpenAIProvider) ChatStream(ctx context.Context, messages []Message, tools []Tool) (<-chan StreamEvent, error) {
	oaiMessages := mergeSystemMessagesOpenAI(toOpenAIMessages(messages))
	reqBody := map[string]interface{}{
		"model":       p.model,
		"messages":    oaiMessages,
		"stream":      true,
		"temperature": p.temperature,
		"stream_options": chatStreamOptions{IncludeUsage: true},
	}
	if tools != nil {
		reqBody["tools"] = toOpenAITools(tools)
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	httpReq := transport.Request{
		Method:  http.MethodPost,
		URL:     p.baseURL,
		Body:    body,
		Headers: p.headers(),
	}

	ch := make(chan StreamEvent)
	go func() {
		defer close(ch)
		var toolCallCount int

		resp := p.client.DoStream(ctx, httpReq, func(evt transport.SSEEvent) bool {
			if strings.TrimSpace(evt.Data) == "[DONE]" {
				return trySend(ctx, ch, StreamEvent{Type: EventDone})
			}
			var chunk chatCompletionStreamResponse
			if err := json.Unmarshal([]byte(evt.Data), &chunk); err != nil {
				log.Warn().Err(err).Msg("openai: failed to parse stream chunk")
				return true
			}
			if chunk.Usage != nil {
				if !trySend(ctx, ch, StreamEvent{
					Type:         EventUsage,
					InputTokens:  chunk.Usage.PromptTokens,
					OutputTokens: chunk.Usage.CompletionTokens,
				}) {
					return false
				}
			}
			for _, choice := range chunk.Choices {
				if !emitOpenAIDelta(ctx, ch, choice.Delta, &toolCallCount) {
					return false
				}
			}
			return true
		})
		if resp.Err != nil && resp.Err != transport.ErrStreamAborted {
			trySend(ctx, ch, StreamEvent{Type: EventError, Err: classifyOpenAIError(resp)})
		} else if resp.Err == transport.ErrStreamAborted {
			trySend(ctx, ch, StreamEvent{Type: EventError, Err: &agenterr.InterruptedError{}})
		}
	}()

	return ch, nil
}

func classifyOpenAIError(resp *transport.Response) error {
	lower := strings.ToLower(string(resp.Body))
	if strings.Contains(lower, "context_length_exceeded") || strings.Contains(lower, "maximum context length") {
		return &agenterr.ContextLengthExceededError{Message: string(resp.Body)}
	}
	if resp.Status == 401 || resp.Status == 403 {
		return &agenterr.AuthError{Message: string(resp.Body)}
	}
	return agenterr.NewProviderHTTPError(resp.Status, resp.Err.Message)
}

// chatCompletionStreamResponse, chatCompletionUsage, chatStreamOptions,
// chatCompletionStreamChoice/Delta/ToolCall/Function mirror the streamed
// Chat Completions chunk shape of spec §6.

type chatCompletionStreamResponse struct {
	Choices []chatCompletionStreamChoice `json:"choices"`
	Usage   *chatCompletionUsage         `json:"usage,omitempty"`
}

type chatCompletionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type chatStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatCompletionStreamChoice struct {
	Delta        chatCompletionStreamDelta `json:"delta"`
	FinishReason *string                   `json:"finish_reason"`
}

type chatCompletionStreamDelta struct {
	Role             string                   `json:"role,omitempty"`
	Content          string                   `json:"content,omitempty"`
	Reasoning        string                   `json:"reasoning,omitempty"`
	ReasoningContent string                   `json:"reasoning_content,omitempty"`
	ToolCalls        []chatCompletionToolCall `json:"tool_calls,omitempty"`
}

type chatCompletionToolCall struct {
	Index    int                    `json:"index"`
	ID       string                 `json:"id"`
	Type     string                 `json:"type"`
	Function chatCompletionFunction `json:"function"`
}

type chatCompletionFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// emitOpenAIDelta translates one streamed choice delta into StreamEvents.
// toolCallCount counts tool-call starts. EventToolCallBegin is sent for every
// delta that carries a tool-call id or function name; the count does not gate it.
func emitOpenAIDelta(ctx context.Context, ch chan<- StreamEvent, delta chatCompletionStreamDelta, toolCallCount *int) bool {
	if delta.Content != "" {
		if !trySend(ctx, ch, StreamEvent{Type: EventContentDelta, Content: delta.Content}) {
			return false
		}
	}
	reasoning := delta.Reasoning
	if reasoning == "" {
		reasoning = delta.ReasoningContent
	}
	if reasoning != "" {
		if !trySend(ctx, ch, StreamEvent{Type: EventReasoningDelta, Content: reasoning}) {
			return false
		}
	}
	for _, tc := range delta.ToolCalls {
		if tc.ID != "" || tc.Function.Name != "" {
			*toolCallCount++
			if !trySend(ctx, ch, StreamEvent{
				Type:          EventToolCallBegin,
				ToolCallIndex: tc.Index,
				ToolCallID:    tc.ID,
				ToolCallName:  tc.Function.Name,
			}) {
				return false
			}
		}
		if tc.Function.Arguments != "" {
			if !trySend(ctx, ch, StreamEvent{
				Type:          EventToolCallDelta,
				ToolCallIndex: tc.Index,
				ToolCallArgs:  tc.Function.Arguments,
			}) {
				return false
			}
		}
	}
	return true
}

// toOpenAIMessages converts provider-agnostic messages to the OpenAI SDK's
// ChatCompletionMessage shape.
func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		msg := openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		}
		if m.ToolCallID != "" {
			msg.ToolCallID = m.ToolCallID
		}
		if len(m.ToolCalls) > 0 {
			msg.ToolCalls = make([]openai.ToolCall, len(m.ToolCalls))
			for j, tc := range m.ToolCalls {
				msg.ToolCalls[j] = openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				}
			}
		}
		result[i] = msg
	}
	return result
}

// mergeSystemMessagesOpenAI merges system messages intelligently while preserving conversation flow.
func mergeSystemMessagesOpenAI(messages []openai.ChatCompletionMessage) []openai.ChatCompletionMessage {
	if len(messages) == 0 {
		return messages
	}

	var systemMessages []string
	var conversationMessages []openai.ChatCompletionMessage

	for _, msg := range messages {
		if msg.Role == roleSystem {
			systemMessages = append(systemMessages, msg.Content)
		} else {
			conversationMessages = append(conversationMessages, msg)
		}
	}

	result := make([]openai.ChatCompletionMessage, 0, len(messages))

	if len(systemMessages) > 0 {
		mergedSystem := strings.Join(systemMessages, "\n\n")
		result = append(result, openai.ChatCompletionMessage{
			Role:    roleSystem,
			Content: mergedSystem,
		})
	}

	result = append(result, conversationMessages...)

	log.Debug().
		Int("original_count", len(messages)).
		Int("merged_count", len(result)).
		Int("system_merged", len(systemMessages)).
		Int("conversation_kept", len(conversationMessages)).
		Msg("OpenAI: merged system messages")

	return result
}

// toOpenAITools converts provider-agnostic tools to OpenAI SDK tool format.
// Parameters is passed through as json.RawMessage to preserve deterministic
// serialization order (important for KV-cache hit rate).
func toOpenAITools(tools []Tool) []openai.Tool {
	if tools == nil {
		return nil
	}
	emptyParams := json.RawMessage(`{"type":"object","properties":{}}`)
	result := make([]openai.Tool, len(tools))
	for i, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = emptyParams
		}

		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		}
	}
	return result
}
