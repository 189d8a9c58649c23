package config

import (
	"fmt"
	"sync"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// Manager serves the active configuration to concurrent readers and bumps a
// version counter on every apply. The version participates in the prompt
// cache key, so applying a config invalidates composed prompts.
type Manager struct {
	mu      sync.RWMutex
	cfg     *Config
	version atomic.Uint64
}

// NewManager wraps an already-validated configuration.
func NewManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = Default()
	}
	m := &Manager{cfg: cfg}
	m.version.Store(1)
	return m
}

// Current returns the active configuration. Callers must treat it as
// read-only; Apply swaps the pointer rather than mutating in place.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Version returns the monotonically increasing apply counter.
func (m *Manager) Version() uint64 {
	return m.version.Load()
}

// Apply swaps in a new configuration and bumps the version.
func (m *Manager) Apply(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	m.version.Add(1)
}

// Reload loads the file at path and applies it.
func (m *Manager) Reload(path string) error {
	cfg, err := Load(path)
	if err != nil {
		return err
	}
	m.Apply(cfg)
	return nil
}

// WithOverrides returns a copy of the active configuration with a sparse
// override map deep-merged over it. The merged result is re-decoded
// strictly, so overrides with unknown keys or mismatched types are rejected.
func (m *Manager) WithOverrides(overrides map[string]any) (*Config, error) {
	cfg := m.Current()
	if len(overrides) == 0 {
		return cfg, nil
	}

	base, err := configToRaw(cfg)
	if err != nil {
		return nil, err
	}
	merged := mergeMaps(base, overrides)
	out, err := decodeRawConfig(merged)
	if err != nil {
		return nil, fmt.Errorf("invalid config overrides: %w", err)
	}
	applyDefaults(out)
	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config overrides: %w", err)
	}
	return out, nil
}

// ResolveModel returns the model configuration a request should run with,
// after request-level overrides. An empty name selects llm.default; with a
// single configured model that one is used regardless.
func (m *Manager) ResolveModel(name string, overrides map[string]any) (ModelConfig, error) {
	cfg, err := m.WithOverrides(overrides)
	if err != nil {
		return ModelConfig{}, err
	}

	if name == "" {
		name = cfg.LLM.Default
	}
	if name == "" && len(cfg.LLM.Models) == 1 {
		for only := range cfg.LLM.Models {
			name = only
		}
	}
	if name == "" {
		return ModelConfig{}, fmt.Errorf("no model named and llm.default is unset")
	}

	mc, ok := cfg.LLM.Models[name]
	if !ok {
		return ModelConfig{}, fmt.Errorf("unknown model %q", name)
	}
	applyModelDefaults(&mc)
	return mc, nil
}

func configToRaw(cfg *Config) (map[string]any, error) {
	payload, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := yaml.Unmarshal(payload, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}
