package provider

import (
	"strings"
	"time"
)

// Network identifies the logical TON network a provider serves.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
)

// ParseNetwork maps a string to a Network, defaulting to mainnet.
func ParseNetwork(s string) Network {
	if strings.EqualFold(strings.TrimSpace(s), string(Testnet)) {
		return Testnet
	}
	return Mainnet
}

// Type identifies a known provider family. Each family has its own
// endpoint shape, auth convention and response wrapper.
type Type string

const (
	TypeToncenter  Type = "toncenter"
	TypeChainstack Type = "chainstack"
	TypeQuicknode  Type = "quicknode"
	TypeOrbs       Type = "orbs"
	TypeOnfinality Type = "onfinality"
	TypeGetblock   Type = "getblock"
	TypeTatum      Type = "tatum"
	TypeAnkr       Type = "ankr"
	TypeTonhub     Type = "tonhub"
	TypeCustom     Type = "custom"
)

// API version tags used as keys in the Endpoints map.
const (
	APIv2 = "v2"
	APIv3 = "v3"
	APIv4 = "v4"
	APIWS = "ws"
)

// KeyPlaceholder is the literal token inside endpoint templates that is
// replaced by the value of KeyEnvName at resolution time.
const KeyPlaceholder = "{key}"

// Config is the declarative description of one RPC provider, as it
// appears in the registry file before any secrets are applied.
type Config struct {
	ID                string            `yaml:"id" json:"id"`
	DisplayName       string            `yaml:"displayName" json:"displayName"`
	Type              Type              `yaml:"type" json:"type"`
	Network           Network           `yaml:"network" json:"network"`
	Endpoints         map[string]string `yaml:"endpoints" json:"endpoints"`
	KeyEnvName        string            `yaml:"keyEnvName,omitempty" json:"keyEnvName,omitempty"`
	APIKeyEnvName     string            `yaml:"apiKeyEnvName,omitempty" json:"apiKeyEnvName,omitempty"`
	RPS               int               `yaml:"rps" json:"rps"`
	Priority          int               `yaml:"priority" json:"priority"`
	Enabled           bool              `yaml:"enabled" json:"enabled"`
	IsDynamic         bool              `yaml:"isDynamic,omitempty" json:"isDynamic,omitempty"`
	BrowserCompatible bool              `yaml:"browserCompatible" json:"browserCompatible"`
}

// Resolved is a provider with its endpoint templates materialized
// against the environment. Treated as immutable after construction; the
// registry swaps whole records on config reload.
type Resolved struct {
	Config

	// Endpoints with {key} substituted. Shadows Config.Endpoints.
	Endpoints map[string]string

	// Key is the value of KeyEnvName, empty when unset or missing.
	Key string

	// APIKey is the header credential from APIKeyEnvName.
	APIKey string
}

// Endpoint returns the first configured HTTP endpoint in v2, v3, v4
// preference order.
func (r *Resolved) Endpoint() string {
	for _, v := range []string{APIv2, APIv3, APIv4} {
		if u := r.Endpoints[v]; u != "" {
			return u
		}
	}
	return ""
}

// Usable reports whether the provider can be probed at all: at least
// one HTTP endpoint without a dangling {key} token, or dynamic
// discovery.
func (r *Resolved) Usable() bool {
	if r.IsDynamic {
		return true
	}
	for _, v := range []string{APIv2, APIv3, APIv4} {
		if u := r.Endpoints[v]; u != "" && !strings.Contains(u, KeyPlaceholder) {
			return true
		}
	}
	return false
}

// Status is the health classification of one (provider, network) pair.
type Status string

const (
	StatusUntested  Status = "untested"
	StatusTesting   Status = "testing"
	StatusAvailable Status = "available"
	StatusDegraded  Status = "degraded"
	StatusStale     Status = "stale"
	StatusOffline   Status = "offline"
)

// HealthResult is the outcome of the most recent probe or explicit mark
// for one (provider, network) pair. Updated as a whole; readers never
// observe a half-written record.
type HealthResult struct {
	Status       Status    `json:"status"`
	Success      bool      `json:"success"`
	LatencyMs    *int64    `json:"latencyMs"`
	Seqno        *uint64   `json:"seqno"`
	BlocksBehind uint64    `json:"blocksBehind"`
	LastTested   time.Time `json:"lastTested"`
	Error        string    `json:"error,omitempty"`

	// BrowserCompatible is the config flag AND-ed with "no CORS error
	// observed on a probe".
	BrowserCompatible bool `json:"browserCompatible"`
}

// Clone returns a copy safe to hand to subscribers.
func (h *HealthResult) Clone() *HealthResult {
	if h == nil {
		return nil
	}
	c := *h
	if h.LatencyMs != nil {
		v := *h.LatencyMs
		c.LatencyMs = &v
	}
	if h.Seqno != nil {
		v := *h.Seqno
		c.Seqno = &v
	}
	return &c
}
