// Package llms provides streaming LLM providers behind a common
// interface, plus a registry keyed by catalog model ID.
package llms

import (
	"fmt"

	"github.com/loomhq/loom/pkg/config"
	"github.com/loomhq/loom/pkg/registry"
)

// Registry holds one LLM per catalog model ID, alongside the catalog
// spec so callers can check tier and reasoning flags.
type Registry struct {
	registry.BaseRegistry[LLM]

	specs map[string]config.ModelSpec
}

// NewRegistry builds a provider per catalog entry. Every catalog model
// gets its own LLM instance even when entries share a provider, since
// the upstream model name is bound at construction.
func NewRegistry(cfg *config.Config) (*Registry, error) {
	r := &Registry{
		BaseRegistry: *registry.NewBaseRegistry[LLM](),
		specs:        make(map[string]config.ModelSpec, len(cfg.Models.Catalog)),
	}

	for _, spec := range cfg.Models.Catalog {
		providerCfg, ok := cfg.Providers[spec.Provider]
		if !ok {
			return nil, fmt.Errorf("model %s references unknown provider: %s", spec.ID, spec.Provider)
		}

		var llm LLM
		switch providerCfg.Type {
		case config.ProviderOpenAI:
			llm = NewOpenAIProvider(spec.Upstream, providerCfg)
		case config.ProviderAnthropic:
			llm = NewAnthropicProvider(spec.Upstream, providerCfg)
		default:
			return nil, fmt.Errorf("provider %s has unsupported type: %s", spec.Provider, providerCfg.Type)
		}

		if err := r.Register(spec.ID, llm); err != nil {
			return nil, err
		}
		r.specs[spec.ID] = spec
	}

	return r, nil
}

// NewStaticRegistry builds an empty registry to be filled through
// RegisterModel, for tests and embedding.
func NewStaticRegistry() *Registry {
	return &Registry{
		BaseRegistry: *registry.NewBaseRegistry[LLM](),
		specs:        make(map[string]config.ModelSpec),
	}
}

// RegisterModel adds an explicit model/provider pair.
func (r *Registry) RegisterModel(spec config.ModelSpec, llm LLM) error {
	if err := r.Register(spec.ID, llm); err != nil {
		return err
	}
	r.specs[spec.ID] = spec
	return nil
}

// Spec returns the catalog entry for a model ID.
func (r *Registry) Spec(id string) (config.ModelSpec, bool) {
	spec, ok := r.specs[id]
	return spec, ok
}

// Close closes every registered provider.
func (r *Registry) Close() error {
	var firstErr error
	for _, llm := range r.List() {
		if err := llm.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
