package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/RCrewX/ton-provider-system/internal/provider"
)

// RegistryFile is the on-disk provider declaration document. YAML and
// JSON are both accepted (yaml.v3 parses either).
type RegistryFile struct {
	Version   string                  `yaml:"version" json:"version"`
	Providers map[string]ProviderSpec `yaml:"providers" json:"providers"`
	Defaults  DefaultsSpec            `yaml:"defaults" json:"defaults"`
}

// ProviderSpec mirrors provider.Config with optional fields as
// pointers, so absent values can take their documented defaults.
type ProviderSpec struct {
	DisplayName       string            `yaml:"displayName" json:"displayName"`
	Type              string            `yaml:"type" json:"type"`
	Network           string            `yaml:"network" json:"network"`
	Endpoints         map[string]string `yaml:"endpoints" json:"endpoints"`
	KeyEnvName        string            `yaml:"keyEnvName" json:"keyEnvName"`
	APIKeyEnvName     string            `yaml:"apiKeyEnvName" json:"apiKeyEnvName"`
	RPS               *int              `yaml:"rps" json:"rps"`
	Priority          *int              `yaml:"priority" json:"priority"`
	Enabled           *bool             `yaml:"enabled" json:"enabled"`
	IsDynamic         *bool             `yaml:"isDynamic" json:"isDynamic"`
	BrowserCompatible *bool             `yaml:"browserCompatible" json:"browserCompatible"`
}

type DefaultsSpec struct {
	Testnet []string `yaml:"testnet" json:"testnet"`
	Mainnet []string `yaml:"mainnet" json:"mainnet"`
}

// ValidationError aggregates every offending path found in a registry
// file, so an operator can fix the document in one pass.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid provider registry: %s", strings.Join(e.Problems, "; "))
}

// LoadRegistryFile reads and validates a provider registry document.
func LoadRegistryFile(path string) (*RegistryFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry file: %w", err)
	}
	return ParseRegistry(data)
}

// ParseRegistry decodes and validates a registry document.
func ParseRegistry(data []byte) (*RegistryFile, error) {
	var f RegistryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode registry file: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks schema constraints, collecting every violation.
func (f *RegistryFile) Validate() error {
	var problems []string

	if len(f.Providers) == 0 {
		problems = append(problems, "providers: at least one provider required")
	}

	ids := make([]string, 0, len(f.Providers))
	for id := range f.Providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		spec := f.Providers[id]
		path := "providers." + id

		hasHTTP := false
		for _, tag := range []string{provider.APIv2, provider.APIv3, provider.APIv4} {
			if spec.Endpoints[tag] != "" {
				hasHTTP = true
			}
		}
		dynamic := spec.IsDynamic != nil && *spec.IsDynamic
		if !hasHTTP && !dynamic {
			problems = append(problems, path+".endpoints: one of v2/v3/v4 required")
		}
		if spec.RPS != nil && *spec.RPS <= 0 {
			problems = append(problems, path+".rps: must be a positive integer")
		}
		if spec.Priority != nil && *spec.Priority < 0 {
			problems = append(problems, path+".priority: must be non-negative")
		}
		switch n := strings.TrimSpace(spec.Network); n {
		case "", string(provider.Mainnet), string(provider.Testnet):
		default:
			problems = append(problems, path+".network: unknown network "+n)
		}
	}

	for _, id := range f.Defaults.Testnet {
		if _, ok := f.Providers[id]; !ok {
			problems = append(problems, "defaults.testnet: unknown provider id "+id)
		}
	}
	for _, id := range f.Defaults.Mainnet {
		if _, ok := f.Providers[id]; !ok {
			problems = append(problems, "defaults.mainnet: unknown provider id "+id)
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// ProviderConfigs lowers the file into concrete provider configs with
// all defaults applied: rps 1, priority 10, enabled true, isDynamic
// false, browserCompatible true.
func (f *RegistryFile) ProviderConfigs() []provider.Config {
	ids := make([]string, 0, len(f.Providers))
	for id := range f.Providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]provider.Config, 0, len(ids))
	for _, id := range ids {
		spec := f.Providers[id]
		cfg := provider.Config{
			ID:                id,
			DisplayName:       spec.DisplayName,
			Type:              provider.Type(spec.Type),
			Network:           provider.ParseNetwork(spec.Network),
			Endpoints:         spec.Endpoints,
			KeyEnvName:        spec.KeyEnvName,
			APIKeyEnvName:     spec.APIKeyEnvName,
			RPS:               1,
			Priority:          10,
			Enabled:           true,
			BrowserCompatible: true,
		}
		if cfg.DisplayName == "" {
			cfg.DisplayName = id
		}
		if cfg.Type == "" {
			cfg.Type = provider.TypeCustom
		}
		if spec.RPS != nil {
			cfg.RPS = *spec.RPS
		}
		if spec.Priority != nil {
			cfg.Priority = *spec.Priority
		}
		if spec.Enabled != nil {
			cfg.Enabled = *spec.Enabled
		}
		if spec.IsDynamic != nil {
			cfg.IsDynamic = *spec.IsDynamic
		}
		if spec.BrowserCompatible != nil {
			cfg.BrowserCompatible = *spec.BrowserCompatible
		}
		out = append(out, cfg)
	}
	return out
}

// DefaultOrder returns the declared fallback ordering per network.
func (f *RegistryFile) DefaultOrder() map[provider.Network][]string {
	return map[provider.Network][]string{
		provider.Testnet: append([]string(nil), f.Defaults.Testnet...),
		provider.Mainnet: append([]string(nil), f.Defaults.Mainnet...),
	}
}
