package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestRegistry_ResolvesKeyTemplates(t *testing.T) {
	cfgs := []Config{{
		ID:         "chainstack",
		Type:       TypeChainstack,
		Network:    Mainnet,
		Endpoints:  map[string]string{APIv2: "https://core.chainstack.com/{key}/api/v2"},
		KeyEnvName: "CHAINSTACK_KEY",
		RPS:        25,
		Enabled:    true,
	}}
	reg := NewRegistryWithEnv(cfgs, nil, envMap(map[string]string{"CHAINSTACK_KEY": "sekrit"}), nil)

	p, ok := reg.Get("chainstack")
	require.True(t, ok)
	assert.Equal(t, "https://core.chainstack.com/sekrit/api/v2", p.Endpoints[APIv2])
	assert.Equal(t, "sekrit", p.Key)
	assert.True(t, p.Usable())
}

func TestRegistry_MissingKeyLeavesPlaceholder(t *testing.T) {
	cfgs := []Config{{
		ID:         "chainstack",
		Type:       TypeChainstack,
		Network:    Mainnet,
		Endpoints:  map[string]string{APIv2: "https://core.chainstack.com/{key}/api/v2"},
		KeyEnvName: "UNSET_ENV",
		Enabled:    true,
	}}
	reg := NewRegistryWithEnv(cfgs, nil, envMap(nil), nil)

	p, ok := reg.Get("chainstack")
	require.True(t, ok)
	assert.Contains(t, p.Endpoints[APIv2], KeyPlaceholder,
		"missing env leaves the template for probe-time failure")
	assert.False(t, p.Usable())
}

func TestRegistry_DynamicProviderUsableWithoutEndpoints(t *testing.T) {
	cfgs := []Config{{
		ID:        "orbs",
		Type:      TypeOrbs,
		Network:   Mainnet,
		IsDynamic: true,
		Enabled:   true,
	}}
	reg := NewRegistryWithEnv(cfgs, nil, envMap(nil), nil)

	p, ok := reg.Get("orbs")
	require.True(t, ok)
	assert.True(t, p.Usable())
}

func TestRegistry_SkipsDisabledProviders(t *testing.T) {
	cfgs := []Config{
		{ID: "on", Network: Mainnet, Enabled: true, Endpoints: map[string]string{APIv2: "https://a"}},
		{ID: "off", Network: Mainnet, Enabled: false, Endpoints: map[string]string{APIv2: "https://b"}},
	}
	reg := NewRegistryWithEnv(cfgs, nil, envMap(nil), nil)

	_, ok := reg.Get("off")
	assert.False(t, ok)
	assert.Len(t, reg.All(), 1)
}

func TestRegistry_ForNetworkOrdering(t *testing.T) {
	cfgs := []Config{
		{ID: "z", Network: Testnet, Priority: 5, Enabled: true, Endpoints: map[string]string{APIv2: "https://z"}},
		{ID: "a", Network: Testnet, Priority: 10, Enabled: true, Endpoints: map[string]string{APIv2: "https://a"}},
		{ID: "m", Network: Testnet, Priority: 5, Enabled: true, Endpoints: map[string]string{APIv2: "https://m"}},
		{ID: "other", Network: Mainnet, Priority: 1, Enabled: true, Endpoints: map[string]string{APIv2: "https://o"}},
	}
	reg := NewRegistryWithEnv(cfgs, nil, envMap(nil), nil)

	got := reg.ForNetwork(Testnet)
	require.Len(t, got, 3)
	assert.Equal(t, "m", got[0].ID)
	assert.Equal(t, "z", got[1].ID)
	assert.Equal(t, "a", got[2].ID)
}

func TestRegistry_ReloadSwapsAtomically(t *testing.T) {
	reg := NewRegistryWithEnv([]Config{
		{ID: "old", Network: Mainnet, Enabled: true, Endpoints: map[string]string{APIv2: "https://old"}},
	}, nil, envMap(nil), nil)

	reg.Reload([]Config{
		{ID: "new", Network: Mainnet, Enabled: true, Endpoints: map[string]string{APIv2: "https://new"}},
	}, map[Network][]string{Mainnet: {"new"}})

	_, ok := reg.Get("old")
	assert.False(t, ok)
	_, ok = reg.Get("new")
	assert.True(t, ok)
	assert.Equal(t, []string{"new"}, reg.DefaultOrder(Mainnet))
}

func TestResolved_EndpointPreference(t *testing.T) {
	p := &Resolved{Endpoints: map[string]string{
		APIv3: "https://v3",
		APIv4: "https://v4",
	}}
	assert.Equal(t, "https://v3", p.Endpoint(), "v2 > v3 > v4 preference")

	p.Endpoints[APIv2] = "https://v2"
	assert.Equal(t, "https://v2", p.Endpoint())
}
