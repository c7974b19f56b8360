package monitor

import (
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultDailyQuota is the free-tier daily request allowance most
	// commercial TON providers ship with.
	DefaultDailyQuota = 100000

	alertThreshold    = 0.80
	criticalThreshold = 0.90
)

// QuotaMonitor tracks per-provider daily request counts against each
// provider's declared quota and warns before a commercial allowance is
// burned through.
type QuotaMonitor struct {
	mu     sync.Mutex
	counts map[string]uint64
	quotas map[string]uint64
	reset  time.Time
	logger *slog.Logger
}

func NewQuotaMonitor(logger *slog.Logger) *QuotaMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &QuotaMonitor{
		counts: make(map[string]uint64),
		quotas: make(map[string]uint64),
		reset:  nextMidnightUTC(),
		logger: logger,
	}
}

// SetQuota overrides the daily allowance for one provider.
func (m *QuotaMonitor) SetQuota(providerID string, quota uint64) {
	m.mu.Lock()
	m.quotas[providerID] = quota
	m.mu.Unlock()
}

// Inc records one request against the provider's daily allowance.
func (m *QuotaMonitor) Inc(providerID string) {
	m.mu.Lock()
	m.rollLocked()
	m.counts[providerID]++
	count := m.counts[providerID]
	quota := m.quotas[providerID]
	m.mu.Unlock()

	if quota == 0 {
		quota = DefaultDailyQuota
	}
	usage := float64(count) / float64(quota)

	// Log on every 100th call to avoid flooding.
	if count%100 != 0 {
		return
	}
	switch {
	case usage >= criticalThreshold:
		m.logger.Error("provider_quota_critical",
			"provider", providerID,
			"calls", count,
			"quota", quota,
			"usage_percent", usage*100)
	case usage >= alertThreshold:
		m.logger.Warn("provider_quota_warning",
			"provider", providerID,
			"calls", count,
			"quota", quota,
			"remaining", quota-count)
	}
}

// Usage returns the provider's consumed fraction of its daily quota.
func (m *QuotaMonitor) Usage(providerID string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollLocked()

	quota := m.quotas[providerID]
	if quota == 0 {
		quota = DefaultDailyQuota
	}
	return float64(m.counts[providerID]) / float64(quota)
}

// rollLocked clears all counters once the UTC day ticks over.
func (m *QuotaMonitor) rollLocked() {
	if time.Now().UTC().Before(m.reset) {
		return
	}
	m.counts = make(map[string]uint64)
	m.reset = nextMidnightUTC()
}

func nextMidnightUTC() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
}
