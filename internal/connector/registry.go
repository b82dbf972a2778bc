package connector

import (
	"fmt"

	"github.com/elderhq/elder/pkg/models"
)

// Registry is the fixed provider-to-connector table, populated once at
// startup. Keeping registration closed turns "which provider" dispatch into
// a lookup against a known set instead of an open-ended runtime decision.
type Registry struct {
	connectors map[models.Provider]Connector
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{connectors: make(map[models.Provider]Connector)}
}

// Register adds a connector for its provider. Registering an unknown
// provider or the same provider twice is a startup bug, not a runtime
// condition, so both return errors for main to fail fast on.
func (r *Registry) Register(c Connector) error {
	p := c.Provider()
	if !p.Valid() {
		return fmt.Errorf("register connector: unknown provider %q", p)
	}
	if _, exists := r.connectors[p]; exists {
		return fmt.Errorf("register connector: provider %q already registered", p)
	}
	r.connectors[p] = c
	return nil
}

// Get returns the connector for a provider.
func (r *Registry) Get(p models.Provider) (Connector, error) {
	c, ok := r.connectors[p]
	if !ok {
		return nil, NewConfigError("registry", fmt.Errorf("no connector registered for provider %q", p))
	}
	return c, nil
}

// Providers lists the registered providers.
func (r *Registry) Providers() []models.Provider {
	out := make([]models.Provider, 0, len(r.connectors))
	for p := range r.connectors {
		out = append(out, p)
	}
	return out
}
