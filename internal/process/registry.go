package process

import (
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownProcessType is returned when starting a process whose type was
// never registered.
var ErrUnknownProcessType = errors.New("unknown process type")

// Registry maps process types to their configurations. It is populated once
// at startup; registering the same type twice fails.
type Registry struct {
	mu      sync.RWMutex
	configs map[string]Configuration
}

// NewRegistry creates an empty process registry
func NewRegistry() *Registry {
	return &Registry{configs: make(map[string]Configuration)}
}

// Register stores a configuration keyed by its process type
func (r *Registry) Register(cfg Configuration) error {
	if cfg.ProcessType == "" {
		return fmt.Errorf("process configuration has no type")
	}
	if len(cfg.Steps) == 0 {
		return fmt.Errorf("process %q has no steps", cfg.ProcessType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.configs[cfg.ProcessType]; ok {
		return fmt.Errorf("process type %q already registered", cfg.ProcessType)
	}
	r.configs[cfg.ProcessType] = cfg
	return nil
}

// RegisterAll registers every configuration, failing on the first duplicate
func (r *Registry) RegisterAll(cfgs ...Configuration) error {
	for _, cfg := range cfgs {
		if err := r.Register(cfg); err != nil {
			return err
		}
	}
	return nil
}

// Lookup returns the configuration for a process type
func (r *Registry) Lookup(processType string) (Configuration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, ok := r.configs[processType]
	return cfg, ok
}
