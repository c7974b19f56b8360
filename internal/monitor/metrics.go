package monitor

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the provider manager
type Metrics struct {
	// Probe metrics
	ProbesTotal  *prometheus.CounterVec
	ProbeLatency *prometheus.HistogramVec

	// Provider health metrics
	HealthyProviders *prometheus.GaugeVec
	HighestSeqno     *prometheus.GaugeVec

	// Rate limiting metrics
	RateLimitedTotal *prometheus.CounterVec
	AcquireWaitTime  *prometheus.HistogramVec

	// Selection metrics
	SelectionsTotal *prometheus.CounterVec
	FailoversTotal  *prometheus.CounterVec
}

var (
	metrics     *Metrics
	metricsOnce sync.Once
)

// GetMetrics returns the singleton Metrics instance
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = NewMetrics()
	})
	return metrics
}

// NewMetrics creates a new Metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		ProbesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tonmgr_probes_total",
			Help: "Total number of health probes by provider and resulting status",
		}, []string{"provider", "network", "status"}),
		ProbeLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tonmgr_probe_duration_seconds",
			Help:    "Health probe round-trip time",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),

		HealthyProviders: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tonmgr_healthy_providers",
			Help: "Number of providers with a passing last probe",
		}, []string{"network"}),
		HighestSeqno: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tonmgr_highest_seqno",
			Help: "Highest masterchain seqno observed per network",
		}, []string{"network"}),

		RateLimitedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tonmgr_rate_limited_total",
			Help: "Total number of 429-class signals per provider",
		}, []string{"provider"}),
		AcquireWaitTime: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tonmgr_acquire_wait_seconds",
			Help:    "Time spent waiting for a rate-limit token",
			Buckets: []float64{.005, .025, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"provider"}),

		SelectionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tonmgr_selections_total",
			Help: "Endpoint resolutions per provider",
		}, []string{"provider", "network"}),
		FailoversTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "tonmgr_failovers_total",
			Help: "Failovers away from a provider after a reported error or a token-acquire timeout",
		}, []string{"provider", "network"}),
	}
}

// RecordProbe counts one finished probe.
func (m *Metrics) RecordProbe(providerID, network, status string) {
	if m == nil {
		return
	}
	m.ProbesTotal.WithLabelValues(providerID, network, status).Inc()
}

// ObserveProbeLatency records a probe round-trip.
func (m *Metrics) ObserveProbeLatency(providerID string, d time.Duration) {
	if m == nil {
		return
	}
	m.ProbeLatency.WithLabelValues(providerID).Observe(d.Seconds())
}

// RecordRateLimited counts a 429-class signal.
func (m *Metrics) RecordRateLimited(providerID string) {
	if m == nil {
		return
	}
	m.RateLimitedTotal.WithLabelValues(providerID).Inc()
}

// ObserveAcquireWait records time spent blocked on a token.
func (m *Metrics) ObserveAcquireWait(providerID string, d time.Duration) {
	if m == nil {
		return
	}
	m.AcquireWaitTime.WithLabelValues(providerID).Observe(d.Seconds())
}

// SetHealthyProviders updates the healthy gauge for a network.
func (m *Metrics) SetHealthyProviders(network string, n int) {
	if m == nil {
		return
	}
	m.HealthyProviders.WithLabelValues(network).Set(float64(n))
}

// SetHighestSeqno publishes the network tip.
func (m *Metrics) SetHighestSeqno(network string, seqno uint64) {
	if m == nil {
		return
	}
	m.HighestSeqno.WithLabelValues(network).Set(float64(seqno))
}

// RecordSelection counts an endpoint resolution.
func (m *Metrics) RecordSelection(providerID, network string) {
	if m == nil {
		return
	}
	m.SelectionsTotal.WithLabelValues(providerID, network).Inc()
}

// RecordFailover counts a failover away from a provider.
func (m *Metrics) RecordFailover(providerID, network string) {
	if m == nil {
		return
	}
	m.FailoversTotal.WithLabelValues(providerID, network).Inc()
}
