package ai

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/pipewatch/internal/retry"
	"github.com/pipewatch/pkg/models"
)

// Gateway fronts the provider registry. It owns the retry and failover
// policy: one retry against the primary, then one attempt against the
// fallback, then a ProviderError.
type Gateway struct {
	registry    *Registry
	primary     string
	fallback    string
	retryConfig retry.Config
}

// NewGateway wires a gateway to its registry. The fallback name may be
// empty, in which case primary exhaustion is final.
func NewGateway(registry *Registry, primary, fallback string) (*Gateway, error) {
	if _, err := registry.Get(primary); err != nil {
		return nil, fmt.Errorf("primary provider: %w", err)
	}
	if fallback != "" {
		if _, err := registry.Get(fallback); err != nil {
			return nil, fmt.Errorf("fallback provider: %w", err)
		}
	}
	return &Gateway{
		registry:    registry,
		primary:     primary,
		fallback:    fallback,
		retryConfig: retry.ProviderConfig(),
	}, nil
}

// Analyze runs the full provider policy for one request and returns a
// normalized result attributed to the provider that produced it.
func (g *Gateway) Analyze(ctx context.Context, trigger models.Trigger, actx models.AnalysisContext) (*models.AnalysisResult, error) {
	prompt := BuildPrompt(trigger, actx)

	result, err := g.analyzeWith(ctx, g.primary, prompt, actx)
	if err == nil {
		return result, nil
	}
	if ctx.Err() != nil {
		return nil, &models.ProviderError{Provider: g.primary, Err: ctx.Err()}
	}

	log.Warn().Err(err).
		Str("provider", g.primary).
		Str("fallback", g.fallback).
		Msg("Primary provider exhausted, failing over")

	if g.fallback == "" || g.fallback == g.primary {
		return nil, &models.ProviderError{Provider: g.primary, Err: err}
	}

	result, fallbackErr := g.analyzeWith(ctx, g.fallback, prompt, actx)
	if fallbackErr != nil {
		return nil, &models.ProviderError{
			Provider: g.fallback,
			Err:      fmt.Errorf("fallback failed after primary error (%v): %w", err, fallbackErr),
		}
	}
	return result, nil
}

// analyzeWith runs one provider with the retry policy and normalizes
// its output. A well-formed submit whose response cannot be normalized
// counts as a provider failure; it is not retried because the same
// prompt tends to produce the same malformed shape.
func (g *Gateway) analyzeWith(ctx context.Context, name, prompt string, actx models.AnalysisContext) (*models.AnalysisResult, error) {
	provider, err := g.registry.Get(name)
	if err != nil {
		return nil, err
	}
	if !provider.Supports(actx) {
		return nil, fmt.Errorf("provider %s does not support this context", name)
	}

	var raw string
	res := retry.WithBackoff(ctx, g.retryConfig, func() error {
		var submitErr error
		raw, submitErr = provider.Submit(ctx, prompt)
		return submitErr
	})
	if !res.Success {
		return nil, fmt.Errorf("submit failed after %d attempts: %w", res.Attempts, res.LastError)
	}

	return NormalizeResponse(raw, name)
}
