package selector

import (
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/RCrewX/ton-provider-system/internal/health"
	"github.com/RCrewX/ton-provider-system/internal/monitor"
	"github.com/RCrewX/ton-provider-system/internal/provider"
)

// Weights distribute the composite provider score across its
// sub-scores. Each sub-score is in [0, 1].
type Weights struct {
	Status    float64
	Latency   float64
	Priority  float64
	Freshness float64
}

// Config tunes selection.
type Config struct {
	// MinStatus lists the statuses eligible for scored selection.
	// Anything else only surfaces through the fallback order.
	MinStatus []provider.Status

	// Cooldown is how long a failed provider is excluded before it
	// becomes a low-score retry candidate again.
	Cooldown time.Duration

	// PreferredLatency anchors the logarithmic latency sub-score.
	PreferredLatency time.Duration

	Weights Weights

	// BrowserMode pre-filters candidates to browser-compatible
	// providers at every selection step.
	BrowserMode bool
}

func (c *Config) withDefaults() {
	if len(c.MinStatus) == 0 {
		c.MinStatus = []provider.Status{provider.StatusAvailable, provider.StatusDegraded}
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.PreferredLatency <= 0 {
		c.PreferredLatency = time.Second
	}
	if c.Weights == (Weights{}) {
		c.Weights = Weights{Status: 0.2, Latency: 0.4, Priority: 0.3, Freshness: 0.3}
	}
}

// Selector picks the best provider for a network from the live registry
// and health state, honoring manual overrides and the custom-endpoint
// bypass. Deterministic up to ties; ties break by priority then id.
type Selector struct {
	mu sync.Mutex

	cfg      Config
	registry *provider.Registry
	checker  *health.Checker

	customEndpoint string
	selectedID     string
	autoSelect     bool

	// best caches the current best provider id per network. Advisory
	// only: scoring always produces a valid answer from primary state.
	best map[provider.Network]string

	metrics *monitor.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

func New(cfg Config, registry *provider.Registry, checker *health.Checker, logger *slog.Logger) *Selector {
	cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{
		cfg:        cfg,
		registry:   registry,
		checker:    checker,
		autoSelect: true,
		best:       make(map[provider.Network]string),
		metrics:    monitor.GetMetrics(),
		logger:     logger,
		now:        time.Now,
	}
}

// SetCustomEndpoint installs (or clears, with "") an operator URL that
// bypasses the registry, health data and rate limiting entirely.
func (s *Selector) SetCustomEndpoint(url string) {
	s.mu.Lock()
	s.customEndpoint = strings.TrimSpace(url)
	s.mu.Unlock()
}

// CustomEndpoint returns the active custom URL, empty when unset.
func (s *Selector) CustomEndpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.customEndpoint
}

// IsUsingCustomEndpoint reports whether the bypass is active.
func (s *Selector) IsUsingCustomEndpoint() bool {
	return s.CustomEndpoint() != ""
}

// SetSelectedProvider pins selection to one provider id and disables
// auto-select. An empty id clears the pin.
func (s *Selector) SetSelectedProvider(id string) {
	s.mu.Lock()
	s.selectedID = id
	if id != "" {
		s.autoSelect = false
	}
	s.mu.Unlock()
}

// SelectedProviderID returns the manual pin, empty when none.
func (s *Selector) SelectedProviderID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectedID
}

// SetAutoSelect toggles automatic selection. Enabling it clears any
// manual pin.
func (s *Selector) SetAutoSelect(on bool) {
	s.mu.Lock()
	s.autoSelect = on
	if on {
		s.selectedID = ""
	}
	s.mu.Unlock()
}

// AutoSelect reports whether automatic selection is on.
func (s *Selector) AutoSelect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoSelect
}

// BestCached returns the advisory cached best id for a network.
func (s *Selector) BestCached(network provider.Network) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.best[network]
}

// GetBestProvider resolves the provider to use for the network, or nil
// when nothing is selectable (callers then fall back to the hard-coded
// public URL).
func (s *Selector) GetBestProvider(network provider.Network) *provider.Resolved {
	s.mu.Lock()
	custom := s.customEndpoint
	auto := s.autoSelect
	pinned := s.selectedID
	cached := s.best[network]
	s.mu.Unlock()

	// 1. Custom endpoint bypasses everything.
	if custom != "" {
		return customProvider(custom, network)
	}

	// 2. Manual pin.
	if !auto && pinned != "" {
		if p, ok := s.registry.Get(pinned); ok && p.Network == network {
			return p
		}
		s.logger.Warn("selected_provider_unavailable_falling_back",
			"provider", pinned, "network", network)
	}

	// 3. Cached best, if it still looks healthy.
	if cached != "" {
		if p, ok := s.registry.Get(cached); ok && p.Network == network {
			if h := s.checker.Result(cached, network); h != nil && h.Success && s.statusEligible(h.Status) {
				return p
			}
		}
		s.mu.Lock()
		if s.best[network] == cached {
			delete(s.best, network)
		}
		s.mu.Unlock()
	}

	// 4. Recompute from live state.
	p := s.pick(network, "")
	if p != nil {
		s.mu.Lock()
		s.best[network] = p.ID
		s.mu.Unlock()
	}
	return p
}

// HandleProviderFailure drops the failed provider from the cache and
// returns the next-best candidate with it excluded.
func (s *Selector) HandleProviderFailure(id string, network provider.Network) *provider.Resolved {
	s.mu.Lock()
	if s.best[network] == id {
		delete(s.best, network)
	}
	s.mu.Unlock()

	s.metrics.RecordFailover(id, string(network))

	next := s.pick(network, id)
	if next != nil {
		s.mu.Lock()
		s.best[network] = next.ID
		s.mu.Unlock()
		s.logger.Info("provider_failover",
			"from", id, "to", next.ID, "network", network)
	}
	return next
}

// pick scores every candidate and falls back through the declared
// default order when nothing scores positive.
func (s *Selector) pick(network provider.Network, exclude string) *provider.Resolved {
	candidates := s.candidates(network, exclude)

	var best *provider.Resolved
	bestScore := 0.0
	for _, p := range candidates {
		sc := s.Score(p)
		if sc > bestScore {
			best, bestScore = p, sc
			continue
		}
		if sc == bestScore && sc > 0 && best != nil {
			if p.Priority < best.Priority || (p.Priority == best.Priority && p.ID < best.ID) {
				best = p
			}
		}
	}
	if best != nil {
		return best
	}

	// Nothing scored positive: walk the declared default order.
	for _, id := range s.registry.DefaultOrder(network) {
		if id == exclude {
			continue
		}
		p, ok := s.registry.Get(id)
		if !ok || p.Network != network || !s.browserEligible(p) {
			continue
		}
		if s.usableFallback(p) {
			return p
		}
	}

	// Last resort: any untested or cooldown-expired provider.
	for _, p := range candidates {
		if s.usableFallback(p) {
			return p
		}
	}
	return nil
}

// usableFallback admits untested and successful providers, plus failed
// ones whose cooldown has expired. Failed providers still inside their
// cooldown stay excluded; callers take the hard-coded public fallback
// instead.
func (s *Selector) usableFallback(p *provider.Resolved) bool {
	h := s.checker.Result(p.ID, p.Network)
	if h == nil || h.Status == provider.StatusUntested || h.Success {
		return true
	}
	return s.cooldownExpired(h)
}

func (s *Selector) candidates(network provider.Network, exclude string) []*provider.Resolved {
	all := s.registry.ForNetwork(network)
	out := make([]*provider.Resolved, 0, len(all))
	for _, p := range all {
		if p.ID == exclude || !s.browserEligible(p) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// browserEligible applies the browser-mode pre-filter: the config flag
// and the probed CORS verdict must both allow the provider.
func (s *Selector) browserEligible(p *provider.Resolved) bool {
	if !s.cfg.BrowserMode {
		return true
	}
	if !p.BrowserCompatible {
		return false
	}
	if h := s.checker.Result(p.ID, p.Network); h != nil && !h.BrowserCompatible {
		return false
	}
	return true
}

// Score computes the composite selection score for one provider.
func (s *Selector) Score(p *provider.Resolved) float64 {
	h := s.checker.Result(p.ID, p.Network)

	if h == nil || h.Status == provider.StatusUntested {
		return 0.01 / float64(p.Priority+1)
	}
	if !h.Success {
		if s.cooldownExpired(h) {
			return 0.001 / float64(p.Priority+1)
		}
		return 0
	}
	if h.Status == provider.StatusOffline || !s.statusEligible(h.Status) {
		return 0
	}

	statusScore := 0.0
	switch h.Status {
	case provider.StatusAvailable:
		statusScore = 1.0
	case provider.StatusDegraded:
		statusScore = 0.5
	case provider.StatusStale:
		statusScore = 0.3
	}

	latencyScore := 0.5
	if h.LatencyMs != nil {
		ratio := float64(*h.LatencyMs) / float64(s.cfg.PreferredLatency.Milliseconds())
		latencyScore = math.Max(0, 1-math.Log(ratio+1)/math.Log(11))
	}

	priorityScore := math.Max(0, 1-float64(p.Priority)/100)
	freshnessScore := math.Max(0, 1-float64(h.BlocksBehind)/10)

	w := s.cfg.Weights
	return w.Status*statusScore +
		w.Latency*latencyScore +
		w.Priority*priorityScore +
		w.Freshness*freshnessScore
}

func (s *Selector) statusEligible(st provider.Status) bool {
	for _, m := range s.cfg.MinStatus {
		if st == m {
			return true
		}
	}
	return false
}

func (s *Selector) cooldownExpired(h *provider.HealthResult) bool {
	return !h.LastTested.IsZero() && s.now().Sub(h.LastTested) > s.cfg.Cooldown
}

// customProvider synthesizes the pseudo-provider representing an
// operator-supplied endpoint.
func customProvider(url string, network provider.Network) *provider.Resolved {
	return &provider.Resolved{
		Config: provider.Config{
			ID:                "custom",
			DisplayName:       "Custom endpoint",
			Type:              provider.TypeCustom,
			Network:           network,
			RPS:               10,
			Priority:          0,
			Enabled:           true,
			BrowserCompatible: true,
		},
		Endpoints: map[string]string{provider.APIv2: url},
	}
}
