package config

import (
	"github.com/RCrewX/ton-provider-system/internal/provider"
)

// Hard-coded public endpoints used when nothing is selectable.
const (
	FallbackMainnetURL = "https://toncenter.com/api/v2/jsonRPC"
	FallbackTestnetURL = "https://testnet.toncenter.com/api/v2/jsonRPC"
)

// FallbackURL returns the public endpoint of last resort for a network.
func FallbackURL(network provider.Network) string {
	if network == provider.Testnet {
		return FallbackTestnetURL
	}
	return FallbackMainnetURL
}

// BuiltinRegistry is the shipped provider catalog: every known family
// except custom. Toncenter, Orbs and TonHub have entries on both
// networks; the other families are mainnet only. A user-supplied
// registry file is merged over it by id (file entries win).
func BuiltinRegistry() *RegistryFile {
	return &RegistryFile{
		Version: "1",
		Providers: map[string]ProviderSpec{
			"toncenter-mainnet": {
				DisplayName: "TON Center",
				Type:        string(provider.TypeToncenter),
				Network:     "mainnet",
				Endpoints: map[string]string{
					provider.APIv2: "https://toncenter.com/api/v2",
					provider.APIv3: "https://toncenter.com/api/v3",
				},
				APIKeyEnvName: "TONCENTER_API_KEY",
				RPS:           intp(9),
				Priority:      intp(10),
			},
			"toncenter-testnet": {
				DisplayName: "TON Center Testnet",
				Type:        string(provider.TypeToncenter),
				Network:     "testnet",
				Endpoints: map[string]string{
					provider.APIv2: "https://testnet.toncenter.com/api/v2",
					provider.APIv3: "https://testnet.toncenter.com/api/v3",
				},
				APIKeyEnvName: "TONCENTER_TESTNET_API_KEY",
				RPS:           intp(9),
				Priority:      intp(10),
			},
			"orbs-mainnet": {
				DisplayName: "Orbs TON Access",
				Type:        string(provider.TypeOrbs),
				Network:     "mainnet",
				Endpoints: map[string]string{
					provider.APIv2: "https://ton.access.orbs.network/mainnet/toncenter-api-v2",
				},
				RPS:       intp(10),
				Priority:  intp(20),
				IsDynamic: boolp(true),
			},
			"orbs-testnet": {
				DisplayName: "Orbs TON Access Testnet",
				Type:        string(provider.TypeOrbs),
				Network:     "testnet",
				Endpoints: map[string]string{
					provider.APIv2: "https://ton.access.orbs.network/testnet/toncenter-api-v2",
				},
				RPS:       intp(10),
				Priority:  intp(20),
				IsDynamic: boolp(true),
			},
			"tonhub-mainnet": {
				DisplayName: "TonHub",
				Type:        string(provider.TypeTonhub),
				Network:     "mainnet",
				Endpoints: map[string]string{
					provider.APIv4: "https://mainnet-v4.tonhubapi.com",
				},
				RPS:      intp(10),
				Priority: intp(30),
			},
			"tonhub-testnet": {
				DisplayName: "TonHub Sandbox",
				Type:        string(provider.TypeTonhub),
				Network:     "testnet",
				Endpoints: map[string]string{
					provider.APIv4: "https://testnet-v4.tonhubapi.com",
				},
				RPS:      intp(10),
				Priority: intp(30),
			},
			"chainstack-mainnet": {
				DisplayName: "Chainstack",
				Type:        string(provider.TypeChainstack),
				Network:     "mainnet",
				Endpoints: map[string]string{
					provider.APIv2: "https://ton-mainnet.core.chainstack.com/{key}/api/v2",
				},
				KeyEnvName: "CHAINSTACK_KEY",
				RPS:        intp(25),
				Priority:   intp(40),
			},
			"quicknode-mainnet": {
				DisplayName: "QuickNode",
				Type:        string(provider.TypeQuicknode),
				Network:     "mainnet",
				Endpoints: map[string]string{
					provider.APIv2: "https://{key}.ton-mainnet.quiknode.pro",
				},
				KeyEnvName: "QUICKNODE_KEY",
				RPS:        intp(25),
				Priority:   intp(40),
			},
			"onfinality-mainnet": {
				DisplayName: "OnFinality",
				Type:        string(provider.TypeOnfinality),
				Network:     "mainnet",
				Endpoints: map[string]string{
					provider.APIv2: "https://ton.api.onfinality.io",
				},
				KeyEnvName:    "ONFINALITY_KEY",
				APIKeyEnvName: "ONFINALITY_KEY",
				RPS:           intp(5),
				Priority:      intp(50),
			},
			"getblock-mainnet": {
				DisplayName: "GetBlock",
				Type:        string(provider.TypeGetblock),
				Network:     "mainnet",
				Endpoints: map[string]string{
					provider.APIv2: "https://go.getblock.io/{key}",
				},
				KeyEnvName:    "GETBLOCK_KEY",
				APIKeyEnvName: "GETBLOCK_KEY",
				RPS:           intp(5),
				Priority:      intp(60),
			},
			"tatum-mainnet": {
				DisplayName: "Tatum",
				Type:        string(provider.TypeTatum),
				Network:     "mainnet",
				Endpoints: map[string]string{
					provider.APIv2: "https://ton-mainnet.gateway.tatum.io",
				},
				APIKeyEnvName: "TATUM_API_KEY",
				RPS:           intp(3),
				Priority:      intp(70),
			},
			"ankr-mainnet": {
				DisplayName: "Ankr",
				Type:        string(provider.TypeAnkr),
				Network:     "mainnet",
				Endpoints: map[string]string{
					provider.APIv2: "https://rpc.ankr.com/http/ton_api_v2",
				},
				APIKeyEnvName: "ANKR_API_KEY",
				RPS:           intp(25),
				Priority:      intp(70),
			},
		},
		Defaults: DefaultsSpec{
			Mainnet: []string{"toncenter-mainnet", "orbs-mainnet", "tonhub-mainnet"},
			Testnet: []string{"toncenter-testnet", "orbs-testnet", "tonhub-testnet"},
		},
	}
}

// MergeRegistry overlays user entries onto the built-in catalog. The
// user file's defaults replace the built-in ordering when present.
func MergeRegistry(base, overlay *RegistryFile) *RegistryFile {
	if overlay == nil {
		return base
	}
	merged := &RegistryFile{
		Version:   base.Version,
		Providers: make(map[string]ProviderSpec, len(base.Providers)+len(overlay.Providers)),
		Defaults:  base.Defaults,
	}
	for id, spec := range base.Providers {
		merged.Providers[id] = spec
	}
	for id, spec := range overlay.Providers {
		merged.Providers[id] = spec
	}
	if overlay.Version != "" {
		merged.Version = overlay.Version
	}
	if len(overlay.Defaults.Mainnet) > 0 {
		merged.Defaults.Mainnet = overlay.Defaults.Mainnet
	}
	if len(overlay.Defaults.Testnet) > 0 {
		merged.Defaults.Testnet = overlay.Defaults.Testnet
	}
	return merged
}

func intp(v int) *int    { return &v }
func boolp(v bool) *bool { return &v }
