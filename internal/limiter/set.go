package limiter

import (
	"log/slog"
	"sync"
)

// Set keys independent token buckets by provider id. Buckets are
// created lazily on first acquire or first explicit configure; a 429 on
// one provider never throttles another.
type Set struct {
	mu      sync.Mutex
	buckets map[string]*TokenBucket
	logger  *slog.Logger
}

func NewSet(logger *slog.Logger) *Set {
	if logger == nil {
		logger = slog.Default()
	}
	return &Set{
		buckets: make(map[string]*TokenBucket),
		logger:  logger,
	}
}

// Get returns the bucket for id, creating one with conservative
// defaults when none was configured yet.
func (s *Set) Get(id string) *TokenBucket {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[id]
	if !ok {
		b = NewTokenBucket(DefaultConfig(1), s.logger.With("provider", id))
		s.buckets[id] = b
	}
	return b
}

// Configure installs or updates the bucket for id.
func (s *Set) Configure(id string, cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.buckets[id]; ok {
		b.UpdateConfig(cfg)
		return
	}
	s.buckets[id] = NewTokenBucket(cfg, s.logger.With("provider", id))
}

// States snapshots every bucket, for the emitted state view.
func (s *Set) States() map[string]State {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]State, len(s.buckets))
	for id, b := range s.buckets {
		out[id] = b.GetState()
	}
	return out
}
