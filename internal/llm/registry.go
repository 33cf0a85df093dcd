package llm

import (
	"strings"
	"sync"

	nexuserrors "github.com/sleeptime/nexus/internal/errors"
)

// Registry resolves a "provider/model" identifier to a Gateway, replacing
// branching on string prefixes with a lookup table keyed by scheme.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty Registry. Call Register for each provider
// scheme the binary supports before resolving identifiers.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds a provider scheme (e.g. "anthropic") to the Factory that
// builds gateways for it. Re-registering a scheme replaces the prior
// Factory.
func (r *Registry) Register(scheme string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[scheme] = factory
}

// Build resolves "provider/model" into a Gateway using the registered
// Factory for that provider scheme.
func (r *Registry) Build(identifier string, params Params) (Gateway, error) {
	scheme, model, err := SplitIdentifier(identifier)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	factory, ok := r.factories[scheme]
	r.mu.RUnlock()
	if !ok {
		return nil, nexuserrors.Newf(nexuserrors.Configuration, "llm.registry.build", "no provider registered for scheme %q", scheme)
	}

	params.Provider = scheme
	params.ModelIdentifier = model
	return factory(model, params)
}

// SplitIdentifier splits "provider/model" into its two parts.
func SplitIdentifier(identifier string) (scheme, model string, err error) {
	parts := strings.SplitN(identifier, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", nexuserrors.Newf(nexuserrors.Configuration, "llm.registry.split", `model identifier %q must be "provider/model"`, identifier)
	}
	return parts[0], parts[1], nil
}
