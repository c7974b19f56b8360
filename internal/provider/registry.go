package provider

import (
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
)

// Registry holds the resolved provider set for one manager instance.
// Resolution substitutes {key} templates and materializes header
// credentials from the environment. The resolved map is swapped as a
// whole on reload; individual records are immutable.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*Resolved
	defaults  map[Network][]string

	getenv func(string) string
	logger *slog.Logger
}

func NewRegistry(configs []Config, defaults map[Network][]string, logger *slog.Logger) *Registry {
	return NewRegistryWithEnv(configs, defaults, os.Getenv, logger)
}

// NewRegistryWithEnv injects the env lookup, keeping tests hermetic.
func NewRegistryWithEnv(configs []Config, defaults map[Network][]string, getenv func(string) string, logger *slog.Logger) *Registry {
	if getenv == nil {
		getenv = os.Getenv
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		getenv: getenv,
		logger: logger,
	}
	r.Reload(configs, defaults)
	return r
}

// Reload re-resolves the full provider set and swaps it in atomically.
func (r *Registry) Reload(configs []Config, defaults map[Network][]string) {
	resolved := make(map[string]*Resolved, len(configs))
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		resolved[cfg.ID] = r.resolve(cfg)
	}

	d := make(map[Network][]string, len(defaults))
	for n, ids := range defaults {
		d[n] = append([]string(nil), ids...)
	}

	r.mu.Lock()
	r.providers = resolved
	r.defaults = d
	r.mu.Unlock()

	r.logger.Info("provider_registry_loaded", "providers", len(resolved))
}

func (r *Registry) resolve(cfg Config) *Resolved {
	res := &Resolved{
		Config:    cfg,
		Endpoints: make(map[string]string, len(cfg.Endpoints)),
	}

	if cfg.KeyEnvName != "" {
		res.Key = r.getenv(cfg.KeyEnvName)
		if res.Key == "" {
			r.logger.Warn("provider_key_missing",
				"provider", cfg.ID,
				"env", cfg.KeyEnvName)
		}
	}
	if cfg.APIKeyEnvName != "" {
		res.APIKey = r.getenv(cfg.APIKeyEnvName)
		if res.APIKey == "" {
			r.logger.Warn("provider_api_key_missing",
				"provider", cfg.ID,
				"env", cfg.APIKeyEnvName)
		}
	}

	for tag, tmpl := range cfg.Endpoints {
		u := tmpl
		if strings.Contains(u, KeyPlaceholder) && res.Key != "" {
			u = strings.ReplaceAll(u, KeyPlaceholder, res.Key)
		}
		// A missing key leaves the placeholder in place; the provider
		// then fails validation at probe time instead of load time.
		res.Endpoints[tag] = u
	}

	return res
}

// Get returns the resolved provider by id.
func (r *Registry) Get(id string) (*Resolved, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// ForNetwork lists resolved providers serving the network, ordered by
// priority then id for deterministic iteration.
func (r *Registry) ForNetwork(network Network) []*Resolved {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Resolved, 0, len(r.providers))
	for _, p := range r.providers {
		if p.Network == network {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// All lists every resolved provider across networks.
func (r *Registry) All() []*Resolved {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Resolved, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DefaultOrder returns the declared fallback id order for the network.
func (r *Registry) DefaultOrder(network Network) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.defaults[network]...)
}
