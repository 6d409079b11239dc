// Package expiring implements C13: small TTL-bounded in-memory structures
// used by MessageBus (broadcast-delivery dedup) and SyncEngine (seen-version
// tracking) that must not grow unboundedly between sweep cycles.
package expiring

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Set is a TTL-keyed string set: Add records key with an expiry, Contains
// reports whether key is present and unexpired, and Sweep evicts expired
// entries. Safe for concurrent use.
type Set struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
	now     func() time.Time

	logger       *slog.Logger
	evicted      atomic.Int64
	lastLogged   atomic.Int64
}

type Option func(*Set)

func WithLogger(l *slog.Logger) Option { return func(s *Set) { s.logger = l } }
func WithClock(now func() time.Time) Option {
	return func(s *Set) { s.now = now }
}

// New creates a Set whose entries expire ttl after being Added.
func New(ttl time.Duration, opts ...Option) *Set {
	s := &Set{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add records key as seen, refreshing its expiry if already present.
func (s *Set) Add(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = s.now().Add(s.ttl)
}

// Contains reports whether key is present and not yet expired. An expired
// entry is treated as absent but is not evicted here — eviction happens on
// Sweep, to keep Contains O(1) and lock-hold time short.
func (s *Set) Contains(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiry, ok := s.entries[key]
	if !ok {
		return false
	}
	return s.now().Before(expiry)
}

// Sweep removes every expired entry and returns the count evicted. Call
// periodically (driven by the owning component's sweep ticker) rather than
// on every Add/Contains, matching the Store's own sweep-on-interval design.
func (s *Set) Sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, expiry := range s.entries {
		if !now.Before(expiry) {
			delete(s.entries, k)
			n++
		}
	}
	if n > 0 {
		total := s.evicted.Add(int64(n))
		s.maybeLog(total)
	}
	return n
}

// Len reports the current entry count, expired or not (call Sweep first for
// an exact live count).
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// maybeLog mirrors bus.Bus's exponential-threshold drop logging: noisy at
// small counts would be useless, so only log when total crosses a decade
// boundary (1, 10, 100, ...).
func (s *Set) maybeLog(total int64) {
	if s.logger == nil {
		return
	}
	threshold := int64(1)
	for threshold*10 <= total {
		threshold *= 10
	}
	if total != threshold {
		return
	}
	last := s.lastLogged.Load()
	if threshold <= last {
		return
	}
	if s.lastLogged.CompareAndSwap(last, threshold) {
		s.logger.Info("expiring set evicted entries", "total_evicted", total)
	}
}
