// Package ai routes analysis contexts to AI providers. Providers are
// resolved once at startup; a request is served by the configured
// primary with one retry, then a single failover to the fallback.
package ai

import (
	"context"
	"fmt"

	"github.com/pipewatch/pkg/models"
)

// Provider is one AI backend. Supports lets a provider decline a
// context it cannot handle (for example, a log-only model asked to
// analyze a request with no logs) before any tokens are spent.
type Provider interface {
	Name() string
	Supports(actx models.AnalysisContext) bool
	Submit(ctx context.Context, prompt string) (string, error)
}

// Registry holds the providers resolved from configuration.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider under its name. Later registrations with
// the same name replace earlier ones.
func (r *Registry) Register(p Provider) {
	r.providers[p.Name()] = p
}

// Get returns the named provider or an error naming what is missing.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("no provider registered under %q", name)
	}
	return p, nil
}

// Names lists registered provider names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}
