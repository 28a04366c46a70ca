package integrations

import (
	"sort"
	"sync"

	"github.com/servicehero/flowd/pkg/schema"
)

// Registry is the thread-safe lookup table of configured integrations.
// Action steps resolve their service through it at dispatch time.
type Registry struct {
	mu           sync.RWMutex
	integrations map[string]Integration
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		integrations: make(map[string]Integration),
	}
}

// Register adds an integration. Duplicate names are a conflict.
func (r *Registry) Register(integ Integration) error {
	if integ == nil {
		return schema.NewError(schema.ErrCodeValidation, "integration is nil")
	}
	name := integ.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "integration name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.integrations[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "integration %q already registered", name)
	}

	r.integrations[name] = integ
	return nil
}

// Deregister removes an integration by name. Used when a provider subprocess
// goes down for a restart.
func (r *Registry) Deregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.integrations, name)
}

// Get retrieves an integration by service name.
func (r *Registry) Get(name string) (Integration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	integ, ok := r.integrations[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotConfigured,
			"integration %q not configured", name)
	}
	return integ, nil
}

// Has checks whether an integration is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.integrations[name]
	return ok
}

// Count returns the number of registered integrations.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.integrations)
}

// IntegrationInfo summarizes a registered integration for API listings.
type IntegrationInfo struct {
	Name    string       `json:"name"`
	Actions []ActionInfo `json:"actions"`
}

// List returns info for all registered integrations, sorted by name.
func (r *Registry) List() []IntegrationInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]IntegrationInfo, 0, len(r.integrations))
	for _, integ := range r.integrations {
		infos = append(infos, IntegrationInfo{
			Name:    integ.Name(),
			Actions: integ.Actions(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
