package manager

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/RCrewX/ton-provider-system/internal/config"
	"github.com/RCrewX/ton-provider-system/internal/health"
	"github.com/RCrewX/ton-provider-system/internal/limiter"
	"github.com/RCrewX/ton-provider-system/internal/monitor"
	"github.com/RCrewX/ton-provider-system/internal/provider"
	"github.com/RCrewX/ton-provider-system/internal/recovery"
	"github.com/RCrewX/ton-provider-system/internal/selector"
)

// ErrNotInitialized is returned by resolution calls before Init.
var ErrNotInitialized = errors.New("provider manager not initialized")

// ProviderState pairs a provider's health record with its rate-limit
// bucket snapshot for the emitted view.
type ProviderState struct {
	Health    *provider.HealthResult `json:"health"`
	RateLimit limiter.State          `json:"rateLimit"`
}

// State is the snapshot handed to subscribers after init, probe
// completion, explicit marks and override changes.
type State struct {
	Network            provider.Network         `json:"network"`
	Initialized        bool                     `json:"initialized"`
	IsTesting          bool                     `json:"isTesting"`
	Providers          map[string]ProviderState `json:"providers"`
	BestProvider       string                   `json:"bestProvider"`
	SelectedProviderID string                   `json:"selectedProviderId"`
	AutoSelect         bool                     `json:"autoSelect"`
	CustomEndpoint     string                   `json:"customEndpoint"`
	HighestSeqno       uint64                   `json:"highestSeqno"`
}

// ActiveProviderInfo describes the provider behind the most recent
// endpoint resolution.
type ActiveProviderInfo struct {
	ID       string `json:"id"`
	IsCustom bool   `json:"isCustom"`
	Fallback bool   `json:"fallback"`
}

// Options configures a Manager instance.
type Options struct {
	Network      provider.Network
	Registry     *config.RegistryFile // nil means built-in catalog
	ProbeOnStart bool
	Checker      health.CheckerConfig
	Selector     selector.Config
	Getenv       func(string) string
	Logger       *slog.Logger
}

// Manager composes the registry, rate limiters, health checker and
// selector behind a small facade, and broadcasts state changes to
// subscribers.
type Manager struct {
	mu sync.Mutex

	network     provider.Network
	opts        Options
	initialized bool
	isTesting   bool

	registry *provider.Registry
	limiters *limiter.Set
	checker  *health.Checker
	sel      *selector.Selector
	disc     *provider.Discoverer
	quota    *monitor.QuotaMonitor
	metrics  *monitor.Metrics
	logger   *slog.Logger

	active ActiveProviderInfo

	listeners  map[int]func(State)
	nextListen int

	cancelProbing context.CancelFunc
}

func New(opts Options) *Manager {
	if opts.Network == "" {
		opts.Network = provider.Mainnet
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		network:   opts.Network,
		opts:      opts,
		metrics:   monitor.GetMetrics(),
		logger:    opts.Logger.With("network", opts.Network),
		listeners: make(map[int]func(State)),
	}
}

// Init validates and resolves the provider registry, wires the
// components, pre-configures a rate limiter per provider and optionally
// runs a startup probe sweep. Idempotent for the same network.
func (m *Manager) Init(ctx context.Context) error {
	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return nil
	}

	file := m.opts.Registry
	if file == nil {
		file = config.BuiltinRegistry()
	}
	if err := file.Validate(); err != nil {
		m.mu.Unlock()
		return err
	}

	m.limiters = limiter.NewSet(m.logger)
	m.quota = monitor.NewQuotaMonitor(m.logger)
	m.disc = provider.NewDiscoverer(m.logger)
	m.registry = provider.NewRegistryWithEnv(
		file.ProviderConfigs(), file.DefaultOrder(), m.opts.Getenv, m.logger)

	for _, p := range m.registry.All() {
		m.limiters.Configure(p.ID, limiter.DefaultConfig(p.RPS))
	}

	m.checker = health.NewChecker(m.opts.Checker, m.limiters, m.disc, m.logger)
	m.sel = selector.New(m.opts.Selector, m.registry, m.checker, m.logger)

	m.initialized = true
	probeOnStart := m.opts.ProbeOnStart
	m.mu.Unlock()

	m.logger.Info("provider_manager_initialized",
		"providers", len(m.registry.ForNetwork(m.network)))

	if probeOnStart {
		m.ProbeAll(ctx)
	}
	m.emit()
	return nil
}

// ProbeAll sweeps every provider on this manager's network.
func (m *Manager) ProbeAll(ctx context.Context) {
	if !m.ready() {
		return
	}
	m.setTesting(true)
	m.checker.ProbeAll(ctx, m.registry.ForNetwork(m.network))
	m.metrics.SetHighestSeqno(string(m.network), m.checker.HighestSeqno(m.network))
	m.setTesting(false)
	m.emit()
}

// StartProbing launches the background probe ticker. Stopped by
// Destroy or by canceling ctx.
func (m *Manager) StartProbing(ctx context.Context, interval time.Duration) {
	if !m.ready() || interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	if m.cancelProbing != nil {
		m.cancelProbing()
	}
	m.cancelProbing = cancel
	m.mu.Unlock()

	recovery.Go(m.logger, "probe_ticker", func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.ProbeAll(ctx)
			}
		}
	})
}

// ResolveEndpoint picks a provider and returns its concrete endpoint
// URL. No rate-limit token is acquired. When nothing is selectable the
// hard-coded public fallback URL is returned.
func (m *Manager) ResolveEndpoint(ctx context.Context) (string, error) {
	if !m.ready() {
		return "", ErrNotInitialized
	}

	p := m.sel.GetBestProvider(m.network)
	if p == nil {
		m.logger.Warn("no_selectable_provider_using_fallback")
		m.setActive(ActiveProviderInfo{Fallback: true})
		return config.FallbackURL(m.network), nil
	}
	return m.endpointOf(ctx, p), nil
}

// ResolveEndpointWithRateLimit resolves an endpoint and acquires a
// token on the chosen provider. On acquire timeout the next-best
// provider is tried once; if that also times out, the hard-coded
// fallback is returned with acquired=false.
func (m *Manager) ResolveEndpointWithRateLimit(ctx context.Context, timeout time.Duration) (string, bool, error) {
	if !m.ready() {
		return "", false, ErrNotInitialized
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	p := m.sel.GetBestProvider(m.network)
	if p == nil {
		m.setActive(ActiveProviderInfo{Fallback: true})
		return config.FallbackURL(m.network), false, nil
	}

	// The custom endpoint bypasses rate limiting entirely.
	if p.ID == "custom" {
		return m.endpointOf(ctx, p), true, nil
	}

	if m.acquire(ctx, p.ID, timeout) {
		return m.endpointOf(ctx, p), true, nil
	}

	m.logger.Warn("token_acquire_timeout_trying_next", "provider", p.ID)
	if next := m.sel.HandleProviderFailure(p.ID, m.network); next != nil && next.ID != p.ID {
		if m.acquire(ctx, next.ID, timeout) {
			return m.endpointOf(ctx, next), true, nil
		}
	}

	m.setActive(ActiveProviderInfo{Fallback: true})
	return config.FallbackURL(m.network), false, nil
}

func (m *Manager) acquire(ctx context.Context, id string, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	ok := m.limiters.Get(id).Acquire(ctx)
	m.metrics.ObserveAcquireWait(id, time.Since(start))
	return ok
}

// endpointOf materializes the URL for a chosen provider: the custom
// string verbatim, discovery for dynamic providers, the family
// normalization otherwise.
func (m *Manager) endpointOf(ctx context.Context, p *provider.Resolved) string {
	if p.ID == "custom" {
		m.setActive(ActiveProviderInfo{ID: p.ID, IsCustom: true})
		return p.Endpoints[provider.APIv2]
	}

	raw := m.disc.ResolveEndpoint(ctx, p)
	url := provider.NormalizeEndpoint(p.Type, raw, p.Key != "" || p.APIKey != "")

	m.setActive(ActiveProviderInfo{ID: p.ID})
	m.metrics.RecordSelection(p.ID, string(m.network))
	m.quota.Inc(p.ID)
	return url
}

// ReportSuccess informs the active provider's rate limiter that the
// caller's request went through.
func (m *Manager) ReportSuccess() {
	if !m.ready() {
		return
	}
	active := m.activeInfo()
	if active.ID == "" || active.IsCustom {
		return
	}
	m.limiters.Get(active.ID).ReportSuccess()
}

// ReportError classifies a caller-reported failure against the active
// provider, updates its rate limiter and health, and triggers failover
// on the next resolve.
func (m *Manager) ReportError(err error) {
	if !m.ready() || err == nil {
		return
	}
	active := m.activeInfo()
	if active.ID == "" || active.IsCustom {
		return
	}

	msg := err.Error()
	bucket := m.limiters.Get(active.ID)

	switch health.ClassifyMessage(msg) {
	case health.ClassRateLimited:
		bucket.ReportRateLimitError()
		m.metrics.RecordRateLimited(active.ID)
		m.checker.MarkDegraded(active.ID, m.network, msg)
	case health.ClassPermanent, health.ClassTransient, health.ClassTimeout:
		bucket.ReportError()
		m.checker.MarkOffline(active.ID, m.network, msg)
	default:
		bucket.ReportError()
		m.checker.MarkDegraded(active.ID, m.network, msg)
	}

	m.sel.HandleProviderFailure(active.ID, m.network)
	m.emit()
}

// SetSelectedProvider pins selection to id; empty clears the pin.
func (m *Manager) SetSelectedProvider(id string) {
	if !m.ready() {
		return
	}
	m.sel.SetSelectedProvider(id)
	m.emit()
}

// SetAutoSelect toggles automatic selection.
func (m *Manager) SetAutoSelect(on bool) {
	if !m.ready() {
		return
	}
	m.sel.SetAutoSelect(on)
	m.emit()
}

// SetCustomEndpoint installs or clears ("") the operator bypass URL.
func (m *Manager) SetCustomEndpoint(url string) {
	if !m.ready() {
		return
	}
	m.sel.SetCustomEndpoint(url)
	m.emit()
}

// UpdateConfig swaps in a new provider registry document atomically.
func (m *Manager) UpdateConfig(file *config.RegistryFile) error {
	if !m.ready() {
		return ErrNotInitialized
	}
	if err := file.Validate(); err != nil {
		return err
	}
	m.registry.Reload(file.ProviderConfigs(), file.DefaultOrder())
	for _, p := range m.registry.All() {
		m.limiters.Configure(p.ID, limiter.DefaultConfig(p.RPS))
	}
	m.emit()
	return nil
}

// Subscribe registers a state listener. The returned function removes
// it.
func (m *Manager) Subscribe(fn func(State)) func() {
	m.mu.Lock()
	id := m.nextListen
	m.nextListen++
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// GetState builds the current snapshot.
func (m *Manager) GetState() State {
	m.mu.Lock()
	st := State{
		Network:     m.network,
		Initialized: m.initialized,
		IsTesting:   m.isTesting,
		Providers:   make(map[string]ProviderState),
	}
	initialized := m.initialized
	m.mu.Unlock()

	if !initialized {
		return st
	}

	healthMap := m.checker.Snapshot(m.network)
	limits := m.limiters.States()
	for _, p := range m.registry.ForNetwork(m.network) {
		st.Providers[p.ID] = ProviderState{
			Health:    healthMap[p.ID],
			RateLimit: limits[p.ID],
		}
	}
	st.BestProvider = m.sel.BestCached(m.network)
	st.SelectedProviderID = m.sel.SelectedProviderID()
	st.AutoSelect = m.sel.AutoSelect()
	st.CustomEndpoint = m.sel.CustomEndpoint()
	st.HighestSeqno = m.checker.HighestSeqno(m.network)
	return st
}

// GetActiveProviderInfo describes the provider behind the last
// resolution.
func (m *Manager) GetActiveProviderInfo() ActiveProviderInfo {
	return m.activeInfo()
}

// IsUsingCustomEndpoint reports whether the operator bypass is active.
func (m *Manager) IsUsingCustomEndpoint() bool {
	return m.ready() && m.sel.IsUsingCustomEndpoint()
}

// GetSelectedProviderID returns the manual pin, empty when none.
func (m *Manager) GetSelectedProviderID() string {
	if !m.ready() {
		return ""
	}
	return m.sel.SelectedProviderID()
}

// GetBestProvider exposes the selector's choice for callers that need
// the full provider record.
func (m *Manager) GetBestProvider() *provider.Resolved {
	if !m.ready() {
		return nil
	}
	return m.sel.GetBestProvider(m.network)
}

// Network returns the network this manager serves.
func (m *Manager) Network() provider.Network {
	return m.network
}

// Destroy stops background probing and releases all listeners. The
// manager must be re-initialized before further use.
func (m *Manager) Destroy() {
	m.mu.Lock()
	if m.cancelProbing != nil {
		m.cancelProbing()
		m.cancelProbing = nil
	}
	m.listeners = make(map[int]func(State))
	m.initialized = false
	m.mu.Unlock()
}

func (m *Manager) ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized
}

func (m *Manager) setTesting(v bool) {
	m.mu.Lock()
	m.isTesting = v
	m.mu.Unlock()
}

func (m *Manager) setActive(info ActiveProviderInfo) {
	m.mu.Lock()
	m.active = info
	m.mu.Unlock()
}

func (m *Manager) activeInfo() ActiveProviderInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// emit broadcasts the current state to all subscribers outside the
// lock.
func (m *Manager) emit() {
	m.mu.Lock()
	fns := make([]func(State), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	if len(fns) == 0 {
		return
	}
	st := m.GetState()
	for _, fn := range fns {
		fn(st)
	}
}

// --- process-wide singleton access ---

var (
	instancesMu sync.Mutex
	instances   = map[provider.Network]*Manager{}
)

// GetInstance returns the shared manager for a network, creating an
// uninitialized one with default options on first use. Multi-tenant
// embedders should use New directly.
func GetInstance(network provider.Network) *Manager {
	instancesMu.Lock()
	defer instancesMu.Unlock()

	if m, ok := instances[network]; ok {
		return m
	}
	m := New(Options{Network: network})
	instances[network] = m
	return m
}

// ResetInstances drops all shared managers. Intended for tests.
func ResetInstances() {
	instancesMu.Lock()
	defer instancesMu.Unlock()
	for n, m := range instances {
		m.Destroy()
		delete(instances, n)
	}
}
