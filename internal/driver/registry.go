package driver

import (
	"fmt"
	"sort"
	"sync"

	"github.com/convertful/integrations/internal/config"
	"github.com/convertful/integrations/internal/errors"
	"github.com/convertful/integrations/internal/models"
)

// Constructor builds an unconfigured driver.
type Constructor func(deps Deps) Driver

// Registry resolves driver names to constructors.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
	deps         Deps
	configs      map[string]config.DriverConfig
}

// NewRegistry creates an empty registry. deps are handed to every driver,
// with Config replaced by the entry of configs for the driver's name.
func NewRegistry(deps Deps, configs map[string]config.DriverConfig) *Registry {
	if configs == nil {
		configs = map[string]config.DriverConfig{}
	}
	return &Registry{
		constructors: make(map[string]Constructor),
		deps:         deps,
		configs:      configs,
	}
}

// Register adds a constructor. Registering a name twice is a programming
// error and panics.
func (r *Registry) Register(name string, c Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.constructors[name]; exists {
		panic(fmt.Sprintf("driver %s registered twice", name))
	}
	r.constructors[name] = c
}

// Names returns registered driver names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.constructors))
	for name := range r.constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.constructors[name]
	return ok
}

// New constructs a bare driver.
func (r *Registry) New(name string) (Driver, error) {
	r.mu.RLock()
	c, ok := r.constructors[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &errors.ErrDriverNotFound{Name: name}
	}

	deps := r.deps
	deps.Config = r.configs[name]
	return c(deps), nil
}

// Factory constructs a driver and applies credentials, meta and params in
// that order. A nil map means "not supplied" and skips its setter.
func (r *Registry) Factory(name string, credentials, meta, params models.Values) (Driver, error) {
	return r.build(name, credentials, meta, params, false)
}

// FactoryValidated is Factory with credentials and params validated.
// Meta is trusted as given.
func (r *Registry) FactoryValidated(name string, credentials, meta, params models.Values) (Driver, error) {
	return r.build(name, credentials, meta, params, true)
}

// ForIntegration builds the driver of a stored integration.
func (r *Registry) ForIntegration(in *models.Integration) (Driver, error) {
	if in == nil {
		return nil, fmt.Errorf("integration is nil")
	}
	return r.Factory(in.Driver, in.Credentials, in.Meta, in.Params)
}

func (r *Registry) build(name string, credentials, meta, params models.Values, validate bool) (Driver, error) {
	d, err := r.New(name)
	if err != nil {
		return nil, err
	}
	if credentials != nil {
		if err := d.SetCredentials(credentials, validate); err != nil {
			return nil, err
		}
	}
	if meta != nil {
		d.SetMeta(meta)
	}
	if params != nil {
		if err := d.SetParams(params, validate); err != nil {
			return nil, err
		}
	}
	return d, nil
}
