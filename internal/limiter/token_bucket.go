package limiter

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"
)

// Config sizes one provider's token bucket.
type Config struct {
	RPS               int
	BurstSize         int
	MinDelay          time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}

// DefaultConfig derives bucket sizing from the provider's declared RPS.
// Very-low-RPS providers cannot tolerate bursting and get a safety
// margin on the spacing; higher-RPS providers absorb a 1.5x burst.
func DefaultConfig(rps int) Config {
	if rps <= 0 {
		rps = 1
	}
	cfg := Config{
		RPS:               rps,
		BackoffMultiplier: 2,
		MaxBackoff:        60 * time.Second,
	}
	switch {
	case rps <= 3:
		cfg.BurstSize = 1
		cfg.MinDelay = ceilMillis(1000.0 / float64(rps) * 1.2)
	case rps <= 5:
		cfg.BurstSize = 2
		cfg.MinDelay = ceilMillis(1000.0 / float64(rps) * 1.2)
	default:
		cfg.BurstSize = int(math.Max(3, math.Ceil(float64(rps)*1.5)))
		cfg.MinDelay = ceilMillis(1000.0 / float64(rps) * 1.1)
	}
	return cfg
}

// ceilMillis rounds to the microsecond before taking the ceiling, so
// binary noise (1000.0/10*1.1 is 110.00000000000001) does not push an
// exact product up a whole millisecond.
func ceilMillis(ms float64) time.Duration {
	return time.Duration(math.Ceil(math.Round(ms*1e3)/1e3)) * time.Millisecond
}

// State is a point-in-time snapshot of a bucket, for dashboards and
// subscribers.
type State struct {
	Tokens            float64       `json:"tokens"`
	LastRefill        time.Time     `json:"lastRefill"`
	CurrentBackoff    time.Duration `json:"currentBackoff"`
	ConsecutiveErrors int           `json:"consecutiveErrors"`
	Processing        bool          `json:"processing"`
	QueueLength       int           `json:"queueLength"`
}

// TokenBucket rate-limits one provider. Tokens accrue at RPS up to
// BurstSize; each Acquire costs one token, enforces a minimum spacing
// floor, and honors an exponential backoff installed by rate-limit
// error reports. Acquire calls are serialized FIFO: at most one is in
// the critical section per bucket, different buckets proceed in
// parallel.
type TokenBucket struct {
	mu         sync.Mutex
	cfg        Config
	tokens     float64
	lastRefill time.Time

	currentBackoff    time.Duration
	consecutiveErrors int

	processing bool
	waiters    []chan struct{}

	logger *slog.Logger
	now    func() time.Time
}

func NewTokenBucket(cfg Config, logger *slog.Logger) *TokenBucket {
	if cfg.RPS <= 0 {
		cfg.RPS = 1
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 1
	}
	if cfg.BackoffMultiplier <= 1 {
		cfg.BackoffMultiplier = 2
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &TokenBucket{
		cfg:    cfg,
		tokens: float64(cfg.BurstSize),
		logger: logger,
		now:    time.Now,
	}
	b.lastRefill = b.now()
	return b
}

// Acquire blocks until a token is consumed or ctx expires. It returns
// false on deadline; it never returns an error and never panics.
func (b *TokenBucket) Acquire(ctx context.Context) bool {
	if !b.admit(ctx) {
		return false
	}
	// From here this goroutine owns the critical section and must
	// release it on every path.

	b.mu.Lock()
	b.refillLocked()
	backoff := b.currentBackoff
	b.mu.Unlock()

	if backoff > 0 {
		if !sleepCtx(ctx, backoff) {
			b.release()
			return false
		}
		b.mu.Lock()
		b.currentBackoff = 0
		b.lastRefill = b.now()
		b.mu.Unlock()
	}

	for {
		b.mu.Lock()
		b.refillLocked()
		if b.tokens >= 1 {
			b.tokens--
			wait := b.cfg.MinDelay - b.now().Sub(b.lastRefill)
			b.mu.Unlock()
			if wait > 0 && !sleepCtx(ctx, wait) {
				b.release()
				return false
			}
			b.mu.Lock()
			b.lastRefill = b.now()
			b.mu.Unlock()
			b.release()
			return true
		}
		// Not enough tokens; wait a slice and refill again.
		need := time.Duration((1 - b.tokens) / float64(b.cfg.RPS) * float64(time.Second))
		b.mu.Unlock()

		nap := b.cfg.MinDelay
		if nap <= 0 || nap > need {
			nap = need
		}
		if nap > 100*time.Millisecond {
			nap = 100 * time.Millisecond
		}
		if nap <= 0 {
			nap = time.Millisecond
		}
		if !sleepCtx(ctx, nap) {
			b.release()
			return false
		}
	}
}

// admit enters the FIFO queue and blocks until this goroutine holds the
// critical section. Returns false if ctx expired first.
func (b *TokenBucket) admit(ctx context.Context) bool {
	b.mu.Lock()
	if !b.processing && len(b.waiters) == 0 {
		b.processing = true
		b.mu.Unlock()
		return true
	}
	ch := make(chan struct{})
	b.waiters = append(b.waiters, ch)
	b.mu.Unlock()

	select {
	case <-ch:
		return true
	case <-ctx.Done():
		b.mu.Lock()
		for i, w := range b.waiters {
			if w == ch {
				b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
				b.mu.Unlock()
				return false
			}
		}
		b.mu.Unlock()
		// Already signaled: we own the section, hand it off.
		b.release()
		return false
	}
}

// release leaves the critical section, waking the next FIFO waiter if
// any. Ownership transfers directly to the woken waiter.
func (b *TokenBucket) release() {
	b.mu.Lock()
	if len(b.waiters) > 0 {
		next := b.waiters[0]
		b.waiters = b.waiters[1:]
		close(next)
		b.mu.Unlock()
		return
	}
	b.processing = false
	b.mu.Unlock()
}

// refillLocked accrues tokens for the elapsed time. Caller holds mu.
func (b *TokenBucket) refillLocked() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(float64(b.cfg.BurstSize), b.tokens+elapsed*float64(b.cfg.RPS))
	b.lastRefill = now
}

// ReportSuccess clears any backoff after a request went through.
func (b *TokenBucket) ReportSuccess() {
	b.mu.Lock()
	b.currentBackoff = 0
	b.consecutiveErrors = 0
	b.mu.Unlock()
}

// ReportRateLimitError installs or escalates the exponential backoff
// after an explicit 429-class signal. The bucket is drained so the next
// Acquire waits out the full backoff plus a refill window.
func (b *TokenBucket) ReportRateLimitError() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveErrors++
	if b.currentBackoff == 0 {
		b.currentBackoff = time.Duration(float64(b.cfg.MinDelay) * b.cfg.BackoffMultiplier)
	} else {
		b.currentBackoff = time.Duration(float64(b.currentBackoff) * b.cfg.BackoffMultiplier)
	}
	if b.currentBackoff > b.cfg.MaxBackoff {
		b.currentBackoff = b.cfg.MaxBackoff
	}
	b.tokens = 0
	b.lastRefill = b.now()

	b.logger.Warn("rate_limit_backoff",
		"backoff", b.currentBackoff,
		"consecutive_errors", b.consecutiveErrors)
}

// ReportError records a non-429 failure. Repeated failures install a
// soft backoff capped well below the rate-limit ceiling.
func (b *TokenBucket) ReportError() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveErrors++
	if b.consecutiveErrors >= 3 {
		backoff := time.Duration(b.consecutiveErrors) * b.cfg.MinDelay
		if max := b.cfg.MaxBackoff / 2; backoff > max {
			backoff = max
		}
		b.currentBackoff = backoff
	}
}

// UpdateConfig merges non-zero fields of the new config, clamping
// stored tokens to the new burst size.
func (b *TokenBucket) UpdateConfig(cfg Config) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cfg.RPS > 0 {
		b.cfg.RPS = cfg.RPS
	}
	if cfg.BurstSize > 0 {
		b.cfg.BurstSize = cfg.BurstSize
	}
	if cfg.MinDelay > 0 {
		b.cfg.MinDelay = cfg.MinDelay
	}
	if cfg.BackoffMultiplier > 1 {
		b.cfg.BackoffMultiplier = cfg.BackoffMultiplier
	}
	if cfg.MaxBackoff > 0 {
		b.cfg.MaxBackoff = cfg.MaxBackoff
	}
	if b.tokens > float64(b.cfg.BurstSize) {
		b.tokens = float64(b.cfg.BurstSize)
	}
}

// Reset restores a full bucket and clears error bookkeeping.
func (b *TokenBucket) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tokens = float64(b.cfg.BurstSize)
	b.lastRefill = b.now()
	b.currentBackoff = 0
	b.consecutiveErrors = 0
}

// GetState returns a snapshot of the bucket.
func (b *TokenBucket) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	return State{
		Tokens:            b.tokens,
		LastRefill:        b.lastRefill,
		CurrentBackoff:    b.currentBackoff,
		ConsecutiveErrors: b.consecutiveErrors,
		Processing:        b.processing,
		QueueLength:       len(b.waiters),
	}
}

// Config returns the active configuration.
func (b *TokenBucket) Config() Config {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
