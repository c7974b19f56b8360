package health

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/RCrewX/ton-provider-system/internal/limiter"
	"github.com/RCrewX/ton-provider-system/internal/monitor"
	"github.com/RCrewX/ton-provider-system/internal/provider"
)

// probeBody is the fixed health-probe envelope. getMasterchainInfo is
// the cheapest call that proves the node tracks the chain tip.
const probeBody = `{"id":"1","jsonrpc":"2.0","method":"getMasterchainInfo","params":{}}`

// CheckerConfig tunes probing and classification thresholds.
type CheckerConfig struct {
	ProbeTimeout    time.Duration
	MaxBlocksBehind uint64
	DegradedLatency time.Duration
	BatchSize       int
	SweepRPS        float64
	BrowserMode     bool
}

func (c *CheckerConfig) withDefaults() {
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 10 * time.Second
	}
	if c.MaxBlocksBehind == 0 {
		c.MaxBlocksBehind = 10
	}
	if c.DegradedLatency <= 0 {
		c.DegradedLatency = 3 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 2
	}
	if c.SweepRPS <= 0 {
		c.SweepRPS = 4
	}
}

// Checker probes providers, classifies outcomes and owns the health
// map plus the per-network highest observed seqno. It recovers locally:
// every probe yields a HealthResult, nothing escapes its boundary.
type Checker struct {
	mu       sync.Mutex
	results  map[string]*provider.HealthResult
	inflight map[string]bool
	highest  map[provider.Network]uint64

	cfg      CheckerConfig
	limiters *limiter.Set
	disc     *provider.Discoverer
	client   *http.Client

	// sweep paces probes across all providers so a full sweep never
	// turns into a 429 storm against the smaller providers.
	sweep *rate.Limiter

	metrics *monitor.Metrics
	logger  *slog.Logger
}

func NewChecker(cfg CheckerConfig, limiters *limiter.Set, disc *provider.Discoverer, logger *slog.Logger) *Checker {
	cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if limiters == nil {
		limiters = limiter.NewSet(logger)
	}
	if disc == nil {
		disc = provider.NewDiscoverer(logger)
	}
	return &Checker{
		results:  make(map[string]*provider.HealthResult),
		inflight: make(map[string]bool),
		highest:  make(map[provider.Network]uint64),
		cfg:      cfg,
		limiters: limiters,
		disc:     disc,
		client:   &http.Client{Timeout: cfg.ProbeTimeout},
		sweep:    rate.NewLimiter(rate.Limit(cfg.SweepRPS), 1),
		metrics:  monitor.GetMetrics(),
		logger:   logger,
	}
}

func probeKey(id string, network provider.Network) string {
	return id + "|" + string(network)
}

// Result returns the current health record for (id, network), nil when
// the pair was never probed or marked.
func (c *Checker) Result(id string, network provider.Network) *provider.HealthResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.results[probeKey(id, network)].Clone()
}

// Snapshot clones the full health map, keyed by provider id, for one
// network.
func (c *Checker) Snapshot(network provider.Network) map[string]*provider.HealthResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	suffix := "|" + string(network)
	out := make(map[string]*provider.HealthResult)
	for key, res := range c.results {
		if strings.HasSuffix(key, suffix) {
			out[strings.TrimSuffix(key, suffix)] = res.Clone()
		}
	}
	return out
}

// SetResult stores a health record directly, replacing any prior one.
// For embedders that bring their own probing strategy.
func (c *Checker) SetResult(id string, network provider.Network, res *provider.HealthResult) {
	c.mu.Lock()
	c.results[probeKey(id, network)] = res.Clone()
	c.mu.Unlock()
}

// HighestSeqno returns the network-wide highest observed tip seqno.
func (c *Checker) HighestSeqno(network provider.Network) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.highest[network]
}

// observeSeqno raises the network's tip monotonically; regressions from
// lagging providers are dropped.
func (c *Checker) observeSeqno(network provider.Network, seqno uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seqno > c.highest[network] {
		c.highest[network] = seqno
	}
	return c.highest[network]
}

// Probe runs the single-probe algorithm for one provider. At most one
// probe per (provider, network) is in flight; a duplicate call returns
// the current record untouched.
func (c *Checker) Probe(ctx context.Context, p *provider.Resolved) *provider.HealthResult {
	key := probeKey(p.ID, p.Network)

	c.mu.Lock()
	if c.inflight[key] {
		res := c.results[key].Clone()
		c.mu.Unlock()
		return res
	}
	c.inflight[key] = true
	prior := c.results[key]
	browserOK := p.BrowserCompatible
	if prior != nil && !prior.BrowserCompatible {
		browserOK = false
	}
	testing := &provider.HealthResult{
		Status:            provider.StatusTesting,
		BrowserCompatible: browserOK,
	}
	if prior != nil {
		// Keep last-known diagnostics visible while the probe runs.
		testing.Seqno = prior.Seqno
		testing.LatencyMs = prior.LatencyMs
		testing.BlocksBehind = prior.BlocksBehind
	}
	c.results[key] = testing
	c.mu.Unlock()

	res := c.probe(ctx, p, browserOK)

	c.mu.Lock()
	c.results[key] = res
	delete(c.inflight, key)
	c.mu.Unlock()

	c.metrics.RecordProbe(p.ID, string(p.Network), string(res.Status))
	return res.Clone()
}

func (c *Checker) probe(ctx context.Context, p *provider.Resolved, browserOK bool) *provider.HealthResult {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()

	bucket := c.limiters.Get(p.ID)
	if !bucket.Acquire(ctx) {
		return c.failure(p, browserOK, nil, "rate limit timeout")
	}

	endpoint := c.disc.ResolveEndpoint(ctx, p)
	if endpoint == "" || strings.Contains(endpoint, provider.KeyPlaceholder) {
		return c.failure(p, browserOK, nil, "endpoint not resolved: missing api key")
	}
	if p.Type == provider.TypeTatum && p.APIKey == "" {
		return c.failure(p, browserOK, nil, "tatum requires an api key")
	}

	target := provider.NormalizeEndpoint(p.Type, endpoint, p.Key != "" || p.APIKey != "")
	headers := provider.RequestHeaders(p.Type, p.APIKey)

	seqno, latency, status, body, err := c.post(ctx, target, headers)

	// OnFinality serves keyed traffic at /rpc; when its backend wedges
	// there, the keyless /public path often still answers.
	if err != nil && p.Type == provider.TypeOnfinality &&
		strings.HasSuffix(target, "/rpc") && containsBackendError(err, body) {
		fallback := strings.TrimSuffix(target, "/rpc") + "/public"
		c.logger.Warn("onfinality_rpc_failed_trying_public", "provider", p.ID, "error", err)
		seqno, latency, status, body, err = c.post(ctx, fallback, provider.RequestHeaders(p.Type, ""))
	}

	if err != nil {
		return c.classifyFailure(p, browserOK, latency, status, err)
	}

	highest := c.observeSeqno(p.Network, seqno)
	behind := uint64(0)
	if highest > seqno {
		behind = highest - seqno
	}

	st := provider.StatusAvailable
	switch {
	case behind > c.cfg.MaxBlocksBehind:
		st = provider.StatusStale
	case latency > c.cfg.DegradedLatency:
		st = provider.StatusDegraded
	}

	bucket.ReportSuccess()
	c.metrics.ObserveProbeLatency(p.ID, latency)

	ms := latency.Milliseconds()
	sq := seqno
	res := &provider.HealthResult{
		Status:            st,
		Success:           true,
		LatencyMs:         &ms,
		Seqno:             &sq,
		BlocksBehind:      behind,
		LastTested:        time.Now(),
		BrowserCompatible: browserOK,
	}

	c.logger.Debug("probe_ok",
		"provider", p.ID,
		"network", p.Network,
		"status", st,
		"seqno", seqno,
		"latency_ms", ms,
		"blocks_behind", behind)
	return res
}

// post sends the probe envelope and extracts the seqno.
func (c *Checker) post(ctx context.Context, target string, headers map[string]string) (uint64, time.Duration, int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(probeBody))
	if err != nil {
		return 0, 0, 0, nil, fmt.Errorf("build probe request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return 0, latency, 0, nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return 0, latency, resp.StatusCode, body,
			fmt.Errorf("http %d: %s", resp.StatusCode, truncate(body, 200))
	}

	seqno, err := ParseMasterchainInfo(body)
	if err != nil {
		return 0, latency, resp.StatusCode, body, err
	}
	return seqno, latency, resp.StatusCode, body, nil
}

// classifyFailure turns a probe error into the health record and feeds
// the rate limiter.
func (c *Checker) classifyFailure(p *provider.Resolved, browserOK bool, latency time.Duration, status int, err error) *provider.HealthResult {
	class := Classify(status, err)
	bucket := c.limiters.Get(p.ID)

	res := &provider.HealthResult{
		Success:           false,
		LastTested:        time.Now(),
		Error:             err.Error(),
		BrowserCompatible: browserOK,
	}
	if latency > 0 && class != ClassTimeout {
		ms := latency.Milliseconds()
		res.LatencyMs = &ms
	}

	// Preserve the last known seqno for diagnostics.
	if prior := c.priorResult(p); prior != nil && prior.Seqno != nil {
		res.Seqno = prior.Seqno
		res.BlocksBehind = prior.BlocksBehind
	}

	switch class {
	case ClassRateLimited:
		res.Status = provider.StatusDegraded
		bucket.ReportRateLimitError()
		c.metrics.RecordRateLimited(p.ID)
	default:
		res.Status = provider.StatusOffline
		bucket.ReportError()
	}

	if IsCORSError(err.Error()) {
		res.BrowserCompatible = false
	}

	c.logger.Warn("probe_failed",
		"provider", p.ID,
		"network", p.Network,
		"class", class.String(),
		"error", err.Error())
	return res
}

func (c *Checker) priorResult(p *provider.Resolved) *provider.HealthResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.results[probeKey(p.ID, p.Network)]
}

func (c *Checker) failure(p *provider.Resolved, browserOK bool, latencyMs *int64, cause string) *provider.HealthResult {
	return &provider.HealthResult{
		Status:            provider.StatusOffline,
		Success:           false,
		LatencyMs:         latencyMs,
		LastTested:        time.Now(),
		Error:             cause,
		BrowserCompatible: browserOK,
	}
}

// ProbeAll sweeps every provider in small batches. Concurrency inside a
// batch is bounded and batches are spaced by the slowest declared RPS
// in the batch, floor 500ms; probing everything at once has repeatedly
// produced 429 storms from the smaller providers.
func (c *Checker) ProbeAll(ctx context.Context, providers []*provider.Resolved) {
	for i := 0; i < len(providers); i += c.cfg.BatchSize {
		end := i + c.cfg.BatchSize
		if end > len(providers) {
			end = len(providers)
		}
		batch := providers[i:end]

		var wg sync.WaitGroup
		for _, p := range batch {
			if err := c.sweep.Wait(ctx); err != nil {
				return
			}
			wg.Add(1)
			go func(p *provider.Resolved) {
				defer wg.Done()
				c.Probe(ctx, p)
			}(p)
		}
		wg.Wait()

		if end < len(providers) {
			if !sleepCtx(ctx, batchDelay(batch)) {
				return
			}
		}
	}

	c.updateHealthyGauges(providers)
}

func batchDelay(batch []*provider.Resolved) time.Duration {
	minRPS := 0
	for _, p := range batch {
		if p.RPS > 0 && (minRPS == 0 || p.RPS < minRPS) {
			minRPS = p.RPS
		}
	}
	if minRPS == 0 {
		minRPS = 1
	}
	delay := time.Second / time.Duration(minRPS)
	if delay < 500*time.Millisecond {
		delay = 500 * time.Millisecond
	}
	return delay
}

func (c *Checker) updateHealthyGauges(providers []*provider.Resolved) {
	counts := make(map[provider.Network]int)
	c.mu.Lock()
	for _, p := range providers {
		if res := c.results[probeKey(p.ID, p.Network)]; res != nil && res.Success {
			counts[p.Network]++
		}
	}
	c.mu.Unlock()

	for network, n := range counts {
		c.metrics.SetHealthyProviders(string(network), n)
	}
}

// MarkDegraded records an externally reported soft failure. Prior
// seqno and latency are kept for diagnostics.
func (c *Checker) MarkDegraded(id string, network provider.Network, cause string) {
	c.mark(id, network, provider.StatusDegraded, cause)
}

// MarkOffline records an externally reported hard failure.
func (c *Checker) MarkOffline(id string, network provider.Network, cause string) {
	c.mark(id, network, provider.StatusOffline, cause)
}

func (c *Checker) mark(id string, network provider.Network, status provider.Status, cause string) {
	key := probeKey(id, network)

	c.mu.Lock()
	prior := c.results[key]
	res := &provider.HealthResult{
		Status:            status,
		Success:           false,
		LastTested:        time.Now(),
		Error:             cause,
		BrowserCompatible: true,
	}
	if prior != nil {
		res.Seqno = prior.Seqno
		res.LatencyMs = prior.LatencyMs
		res.BlocksBehind = prior.BlocksBehind
		res.BrowserCompatible = prior.BrowserCompatible
	}
	c.results[key] = res
	c.mu.Unlock()

	c.logger.Info("provider_marked",
		"provider", id,
		"network", network,
		"status", status,
		"cause", cause)
}

func containsBackendError(err error, body []byte) bool {
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "backend error") {
		return true
	}
	return bytes.Contains(bytes.ToLower(body), []byte("backend error"))
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n]
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
