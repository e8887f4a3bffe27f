package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/rs/zerolog/log"

	"github.com/xonecas/symb/internal/agenterr"
	"github.com/xonecas/symb/internal/transport"
)

const bedrockAnthropicVersion = "bedrock-2023-05-31"

// BedrockProvider signs and sends raw HTTP requests to the Bedrock Runtime
// invoke-with-response-stream endpoint carrying an Anthropic-Messages-shaped
// body, per spec §4.2/§6. It deliberately does not use the higher-level
// bedrockruntime.ConverseStream client so the wire body stays exactly the
// Anthropic dialect shared with AnthropicProvider.
type BedrockProvider struct {
	name          string
	region        string
	modelID       string
	temperature   float64
	enableCaching bool
	client        *transport.Client
	credCache     aws.CredentialsCache
	refreshed     bool
}

// BedrockConfig configures a BedrockProvider.
type BedrockConfig struct {
	Name          string
	Region        string // defaults to AWS_REGION
	Profile       string // optional AWS_PROFILE override
	ModelID       string
	Temperature   float64
	EnableCaching bool
}

func NewBedrock(ctx context.Context, cfg BedrockConfig) (*BedrockProvider, error) {
	name := cfg.Name
	if name == "" {
		name = "bedrock"
	}
	var optFns []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		optFns = append(optFns, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		optFns = append(optFns, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, &agenterr.ConfigError{Message: fmt.Sprintf("loading AWS config: %v", err)}
	}
	region := cfg.Region
	if region == "" {
		region = awsCfg.Region
	}
	return &BedrockProvider{
		name:          name,
		region:        region,
		modelID:       cfg.ModelID,
		temperature:   cfg.Temperature,
		enableCaching: cfg.EnableCaching,
		client:        transport.NewClient(30*time.Second, 300*time.Second),
		credCache:     *aws.NewCredentialsCache(awsCfg.Credentials),
	}, nil
}

func (p *BedrockProvider) Name() string { return p.name }

func (p *BedrockProvider) Close() error { return p.client.Close() }

func (p *BedrockProvider) ListModels(ctx context.Context) ([]Model, error) {
	return []Model{{Name: p.modelID}}, nil
}

func (p *BedrockProvider) invokeURL() string {
	return fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com/model/%s/invoke-with-response-stream", p.region, p.modelID)
}

// sign produces the SigV4-signed headers for a POST of body to the invoke
// endpoint, per AWS's documented signing process for bedrock-runtime.
func (p *BedrockProvider) sign(ctx context.Context, body []byte) (http.Header, error) {
	creds, err := p.credCache.Retrieve(ctx)
	if err != nil {
		return nil, &agenterr.AuthError{Message: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.invokeURL(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/vnd.amazon.eventstream")

	signer := v4.NewSigner()
	payloadHash := sha256Hex(body)
	if err := signer.SignHTTP(ctx, creds, req, payloadHash, "bedrock", p.region, time.Now()); err != nil {
		return nil, &agenterr.AuthError{Message: err.Error()}
	}
	return req.Header, nil
}

func (p *BedrockProvider) ChatStream(ctx context.Context, messages []Message, tools []Tool) (<-chan StreamEvent, error) {
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

	reqBody := map[string]interface{}{
		"anthropic_version": bedrockAnthropicVersion,
		"messages":          anthMessages,
		"max_tokens":        defaultMaxTokens,
		"temperature":       p.temperature,
	}
	if len(system) > 0 {
		reqBody["system"] = system
	}
	if anthTools != nil {
		reqBody["tools"] = anthTools
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	headers, err := p.sign(ctx, body)
	if err != nil {
		return nil, err
	}
	headerMap := make(map[string]string, len(headers))
	for k := range headers {
		headerMap[k] = headers.Get(k)
	}

	httpReq := transport.Request{
		Method:  http.MethodPost,
		URL:     p.invokeURL(),
		Body:    body,
		Headers: headerMap,
	}

	ch := make(chan StreamEvent)
	go func() {
		defer close(ch)
		bt := newAnthropicBlockTracker()

		resp := p.client.DoStream(ctx, httpReq, func(evt transport.SSEEvent) bool {
			eventType, payload, ok := unwrapBedrockEventStreamChunk(evt.Data)
			if !ok {
				return true
			}
			return bt.handleAnthropicEvent(ctx, ch, eventType, payload)
		})
		if resp.Err != nil && resp.Err != transport.ErrStreamAborted {
			if (resp.Status == 401 || resp.Status == 403) && !p.refreshed {
				p.refreshed = true
				p.credCache.Invalidate()
				log.Warn().Msg("bedrock: auth error, credentials will be refreshed on next attempt")
				trySend(ctx, ch, StreamEvent{Type: EventError, Err: &agenterr.AuthError{Message: resp.Err.Message, Refreshed: true}})
				return
			}
			trySend(ctx, ch, StreamEvent{Type: EventError, Err: classifyBedrockError(resp)})
		} else if resp.Err == transport.ErrStreamAborted {
			trySend(ctx, ch, StreamEvent{Type: EventError, Err: &agenterr.InterruptedError{}})
		}
	}()

	return ch, nil
}

func classifyBedrockError(resp *transport.Response) error {
	lower := strings.ToLower(string(resp.Body))
	if strings.Contains(lower, "too many tokens") || strings.Contains(lower, "input is too long") {
		return &agenterr.ContextLengthExceededError{Message: string(resp.Body)}
	}
	if resp.Status == 401 || resp.Status == 403 {
		return &agenterr.AuthError{Message: string(resp.Body)}
	}
	return agenterr.NewProviderHTTPError(resp.Status, resp.Err.Message)
}

// unwrapBedrockEventStreamChunk extracts the Anthropic-dialect JSON payload
// carried inside a Bedrock response-stream "chunk" event, whose data field
// is itself a base64-wrapped JSON envelope of shape {"bytes": "<base64>"}.
// The decoded bytes are the same message_start/content_block_delta/... JSON
// the direct Anthropic Messages API emits, so they feed the same tracker.
func unwrapBedrockEventStreamChunk(data string) (eventType string, payload string, ok bool) {
	var envelope struct {
		Bytes string `json:"bytes"`
	}
	if err := json.Unmarshal([]byte(data), &envelope); err != nil || envelope.Bytes == "" {
		return "", "", false
	}
	decoded, err := decodeBase64(envelope.Bytes)
	if err != nil {
		return "", "", false
	}
	var named struct {
		Type string `json:"type"`
	}
	json.Unmarshal(decoded, &named)
	return named.Type, string(decoded), true
}
