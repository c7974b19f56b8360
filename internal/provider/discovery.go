package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultDiscoveryURL is the Orbs decentralized-access gateway that
// hands out the current node endpoint for a network.
const DefaultDiscoveryURL = "https://ton.access.orbs.network/mngr/endpoints"

// Discoverer fetches the live endpoint for dynamic (Orbs-family)
// providers. Discovery failure is not fatal: callers fall back to the
// provider's configured static endpoint.
type Discoverer struct {
	BaseURL string
	Client  *http.Client
	Logger  *slog.Logger
}

func NewDiscoverer(logger *slog.Logger) *Discoverer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discoverer{
		BaseURL: DefaultDiscoveryURL,
		Client:  &http.Client{Timeout: 10 * time.Second},
		Logger:  logger,
	}
}

// Discover asks the gateway for the network's endpoint. The gateway
// answers either a bare JSON string list or an object with a url field;
// both shapes occur in the wild.
func (d *Discoverer) Discover(ctx context.Context, network Network) (string, error) {
	u := fmt.Sprintf("%s?network=%s", d.BaseURL, url.QueryEscape(string(network)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("discovery request: %w", err)
	}

	resp, err := d.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("discovery call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("discovery status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", fmt.Errorf("discovery read: %w", err)
	}

	endpoint, err := parseDiscoveryResponse(body)
	if err != nil {
		return "", err
	}

	d.Logger.Debug("orbs_endpoint_discovered",
		"network", network,
		"endpoint", endpoint)
	return endpoint, nil
}

func parseDiscoveryResponse(body []byte) (string, error) {
	var list []string
	if err := json.Unmarshal(body, &list); err == nil {
		for _, u := range list {
			if strings.TrimSpace(u) != "" {
				return strings.TrimSpace(u), nil
			}
		}
		return "", fmt.Errorf("discovery returned empty endpoint list")
	}

	var obj struct {
		URL       string   `json:"url"`
		Endpoints []string `json:"endpoints"`
	}
	if err := json.Unmarshal(body, &obj); err == nil {
		if obj.URL != "" {
			return obj.URL, nil
		}
		for _, u := range obj.Endpoints {
			if strings.TrimSpace(u) != "" {
				return strings.TrimSpace(u), nil
			}
		}
	}
	return "", fmt.Errorf("unrecognized discovery response")
}

// ResolveEndpoint yields the URL to probe for p: the discovered
// endpoint for dynamic providers, the configured one otherwise.
func (d *Discoverer) ResolveEndpoint(ctx context.Context, p *Resolved) string {
	static := p.Endpoint()
	if !p.IsDynamic {
		return static
	}
	discovered, err := d.Discover(ctx, p.Network)
	if err != nil {
		d.Logger.Warn("orbs_discovery_failed_using_static",
			"provider", p.ID,
			"error", err)
		return static
	}
	return discovered
}
