package provider

import "sort"

// Provider ids accepted by the registry.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// Registry maps provider ids to handler factories. It is built once at
// process start and never mutated afterwards, so concurrent lookups need
// no locking.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry builds the default registry with all bundled handlers.
func NewRegistry() *Registry {
	return &Registry{
		factories: map[string]Factory{
			ProviderAnthropic: NewAnthropicHandler,
			ProviderOpenAI:    NewOpenAIHandler,
		},
	}
}

// NewRegistryWith builds a registry from an explicit factory map. Used by
// tests to install scripted handlers.
func NewRegistryWith(factories map[string]Factory) *Registry {
	m := make(map[string]Factory, len(factories))
	for id, f := range factories {
		m[id] = f
	}
	return &Registry{factories: m}
}

// Get returns the factory for the given provider id.
func (r *Registry) Get(providerID string) (Factory, error) {
	f, ok := r.factories[providerID]
	if !ok {
		return nil, &UnknownProviderError{Provider: providerID, Known: r.Providers()}
	}
	return f, nil
}

// Providers lists the registered provider ids in stable order.
func (r *Registry) Providers() []string {
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
