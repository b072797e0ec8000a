package ai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/pipewatch/pkg/models"
)

// ProviderOptions configures one langchaingo-backed provider.
type ProviderOptions struct {
	Kind         string
	APIKey       string
	BaseURL      string
	Model        string
	Temperature  float64
	MaxTokens    int
	RequiresLogs bool
	Timeout      time.Duration
}

// LLMProvider adapts a langchaingo model to the Provider interface.
type LLMProvider struct {
	name    string
	llm     llms.Model
	options ProviderOptions
}

// NewLLMProvider creates a provider from configuration. The kind
// selects the backend; the name is the configuration key the gateway
// refers to it by.
func NewLLMProvider(ctx context.Context, name string, options ProviderOptions) (*LLMProvider, error) {
	var model llms.Model
	var err error

	log.Debug().
		Str("provider", name).
		Str("kind", options.Kind).
		Str("model", options.Model).
		Msg("Creating AI provider")

	switch options.Kind {
	case "openai":
		model, err = createOpenAIModel(options)
	case "googleai", "gemini":
		model, err = createGoogleAIModel(ctx, options)
	case "ollama":
		model, err = createOllamaModel(options)
	default:
		return nil, fmt.Errorf("unsupported provider kind: %s", options.Kind)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create model for provider %s: %w", name, err)
	}

	return &LLMProvider{
		name:    name,
		llm:     model,
		options: options,
	}, nil
}

func createOpenAIModel(options ProviderOptions) (llms.Model, error) {
	opts := []openai.Option{
		openai.WithModel(options.Model),
		openai.WithToken(options.APIKey),
	}

	if options.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(options.BaseURL))
	}

	return openai.New(opts...)
}

func createGoogleAIModel(ctx context.Context, options ProviderOptions) (llms.Model, error) {
	opts := []googleai.Option{
		googleai.WithAPIKey(options.APIKey),
	}
	if options.Model != "" {
		opts = append(opts, googleai.WithDefaultModel(options.Model))
	}

	return googleai.New(ctx, opts...)
}

func createOllamaModel(options ProviderOptions) (llms.Model, error) {
	baseURL := options.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}

	opts := []ollama.Option{
		ollama.WithServerURL(baseURL),
		ollama.WithModel(options.Model),
	}

	return ollama.New(opts...)
}

// Name returns the configuration name of this provider.
func (p *LLMProvider) Name() string {
	return p.name
}

// Supports reports whether this provider can analyze the given context.
func (p *LLMProvider) Supports(actx models.AnalysisContext) bool {
	if p.options.RequiresLogs && !actx.HasLogs() {
		return false
	}
	return true
}

// Submit sends the prompt and returns the raw completion. The
// provider's own submit timeout bounds the call.
func (p *LLMProvider) Submit(ctx context.Context, prompt string) (string, error) {
	timeout := p.options.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	callOptions := []llms.CallOption{
		llms.WithTemperature(p.options.Temperature),
	}
	if p.options.MaxTokens > 0 {
		callOptions = append(callOptions, llms.WithMaxTokens(p.options.MaxTokens))
	}
	if p.options.Model != "" {
		callOptions = append(callOptions, llms.WithModel(p.options.Model))
	}

	raw, err := llms.GenerateFromSinglePrompt(ctx, p.llm, prompt, callOptions...)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", &models.TimeoutError{Operation: p.name + " submit", Err: err}
		}
		return "", err
	}
	return raw, nil
}
