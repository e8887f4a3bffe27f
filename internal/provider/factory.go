package provider

import "context"

// OpenAIFactory creates OpenAIProvider instances bound to one API key/endpoint.
type OpenAIFactory struct {
	name         string
	apiKey       string
	baseURL      string
	authHeader   string
	extraHeaders map[string]string
}

func NewOpenAIFactory(name, apiKey, baseURL, authHeader string, extraHeaders map[string]string) *OpenAIFactory {
	return &OpenAIFactory{name: name, apiKey: apiKey, baseURL: baseURL, authHeader: authHeader, extraHeaders: extraHeaders}
}

func (f *OpenAIFactory) Name() string { return f.name }

func (f *OpenAIFactory) Create(model string, opts Options) Provider {
	return NewOpenAI(OpenAIConfig{
		Name:         f.name,
		APIKey:       f.apiKey,
		BaseURL:      f.baseURL,
		AuthHeader:   f.authHeader,
		ExtraHeaders: f.extraHeaders,
		Model:        model,
		Temperature:  opts.Temperature,
	})
}

// AnthropicFactory creates AnthropicProvider instances bound to one API key.
type AnthropicFactory struct {
	name             string
	apiKey           string
	baseURL          string
	anthropicVersion string
	enableCaching    bool
}

func NewAnthropicFactory(name, apiKey, baseURL, anthropicVersion string, enableCaching bool) *AnthropicFactory {
	return &AnthropicFactory{name: name, apiKey: apiKey, baseURL: baseURL, anthropicVersion: anthropicVersion, enableCaching: enableCaching}
}

func (f *AnthropicFactory) Name() string { return f.name }

func (f *AnthropicFactory) Create(model string, opts Options) Provider {
	return NewAnthropic(AnthropicConfig{
		Name:             f.name,
		APIKey:           f.apiKey,
		BaseURL:          f.baseURL,
		AnthropicVersion: f.anthropicVersion,
		Model:            model,
		Temperature:      opts.Temperature,
		EnableCaching:    f.enableCaching,
	})
}

// BedrockFactory creates BedrockProvider instances for one AWS region/profile.
// Credential loading happens lazily per Create call since it may hit disk/IMDS.
type BedrockFactory struct {
	name          string
	region        string
	profile       string
	enableCaching bool
}

func NewBedrockFactory(name, region, profile string, enableCaching bool) *BedrockFactory {
	return &BedrockFactory{name: name, region: region, profile: profile, enableCaching: enableCaching}
}

func (f *BedrockFactory) Name() string { return f.name }

func (f *BedrockFactory) Create(model string, opts Options) Provider {
	p, err := NewBedrock(context.Background(), BedrockConfig{
		Name:          f.name,
		Region:        f.region,
		Profile:       f.profile,
		ModelID:       model,
		Temperature:   opts.Temperature,
		EnableCaching: f.enableCaching,
	})
	if err != nil {
		// Surfaced as a provider whose every call fails with the same
		// ConfigError, so Registry.Create's fire-and-forget construction
		// contract doesn't need a second error path.
		return &brokenProvider{name: f.name, err: err}
	}
	return p
}

// brokenProvider reports a single construction-time error from every method.
// Used when a Factory can't finish building a provider (e.g. Bedrock
// credential loading failed) but the Factory interface has no error return.
type brokenProvider struct {
	name string
	err  error
}

func (b *brokenProvider) Name() string { return b.name }
func (b *brokenProvider) Close() error { return nil }
func (b *brokenProvider) ListModels(ctx context.Context) ([]Model, error) {
	return nil, b.err
}
func (b *brokenProvider) ChatStream(ctx context.Context, messages []Message, tools []Tool) (<-chan StreamEvent, error) {
	return nil, b.err
}
