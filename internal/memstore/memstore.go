// Package memstore implements C1 from the design: a bounded, cost-weighted,
// TTL'd in-memory map with a periodic sweep. The bounded map is
// github.com/dgraph-io/ristretto/v2 rather than a hand-rolled LRU — its
// OnEvict hook answers the design's own open question about how to keep the
// store's tracking-key set from drifting out of sync with the live map
// without extra locking on the hot path (spec.md §9, "memory entry tracking
// set").
package memstore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"imagecache/internal/expiry"
)

// Costed is implemented by anything storable in a Store: the pixel-count
// (or other memory-footprint proxy) charged against the store's cost limit.
type Costed interface {
	CacheCost() int
}

// Config configures one Store instance. Zero values pick the spec's
// defaults (spec.md §6 "Configuration options").
type Config struct {
	// TotalCostLimit bounds the aggregate cost of live entries. Zero means
	// unlimited.
	TotalCostLimit int64
	// CountLimit bounds the number of live entries. Zero means unlimited.
	CountLimit int64
	// DefaultExpiration is used when Store is called without an explicit
	// policy. Defaults to 5 minutes, matching spec.md §6.
	DefaultExpiration time.Duration
	// CleanInterval is the period of the tracking-set reconciliation
	// sweep. Defaults to 120 seconds, matching spec.md §6.
	CleanInterval time.Duration
	Logger        *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.DefaultExpiration <= 0 {
		c.DefaultExpiration = 5 * time.Minute
	}
	if c.CleanInterval <= 0 {
		c.CleanInterval = 120 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type entry[T Costed] struct {
	key       string
	value     T
	cost      int64
	storedAt  time.Time
	expiresAt time.Time // zero = never expires
}

// Store is a generic, bounded, TTL'd key→value map. See C1 in SPEC_FULL.md.
type Store[T Costed] struct {
	cfg   Config
	cache *ristretto.Cache[string, *entry[T]]

	mu       sync.Mutex
	tracking map[string]struct{} // superset of live keys; reconciled by OnEvict and by sweep
	order    []string            // insertion order, for manual count-limit eviction

	stop   chan struct{}
	closed bool
}

// New creates a Store. Ristretto's admission sketch is sized with a fixed
// 1e7 counters; cfg does not change it.
func New[T Costed](cfg Config) (*Store[T], error) {
	cfg = cfg.withDefaults()

	maxCost := cfg.TotalCostLimit
	if maxCost <= 0 {
		maxCost = 1 << 30 // effectively unlimited, ristretto requires a positive MaxCost
	}

	s := &Store[T]{
		cfg:      cfg,
		tracking: make(map[string]struct{}),
		stop:     make(chan struct{}),
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, *entry[T]]{
		NumCounters: 1e7,
		MaxCost:     maxCost,
		BufferItems: 64,
		Metrics:     true, // TotalCost reads cost-added/cost-evicted from these
		OnEvict: func(item *ristretto.Item[*entry[T]]) {
			if item.Value == nil {
				return
			}
			s.untrack(item.Value.key)
		},
	})
	if err != nil {
		return nil, err
	}
	s.cache = cache

	go s.sweepLoop()
	return s, nil
}

func (s *Store[T]) untrack(key string) {
	s.mu.Lock()
	delete(s.tracking, key)
	s.mu.Unlock()
}

// Store inserts value under key. A no-op if the supplied policy already
// names an expiration in the past (spec.md §4.1).
func (s *Store[T]) Store(key string, value T, policy expiry.Policy) {
	now := time.Now()
	if !policy.IsZero() && policy.AlreadyPast(now) {
		return
	}

	var expiresAt time.Time
	if policy.IsZero() {
		expiresAt = now.Add(s.cfg.DefaultExpiration)
	} else {
		expiresAt = policy.EstimatedExpiration(now)
	}

	cost := int64(value.CacheCost())
	e := &entry[T]{key: key, value: value, cost: cost, storedAt: now, expiresAt: expiresAt}

	var ttl time.Duration
	if !expiresAt.IsZero() {
		ttl = time.Until(expiresAt)
		if ttl <= 0 {
			return
		}
	}

	if ttl > 0 {
		s.cache.SetWithTTL(key, e, cost, ttl)
	} else {
		s.cache.Set(key, e, cost)
	}
	// Ristretto applies Set through an internal ring buffer; without this,
	// a Value call racing the buffer's drain can miss an entry that was
	// just Stored. spec.md §5 requires memory store to be immediately
	// visible to subsequent value calls (property #2, S1), so the hot
	// path pays the flush here rather than leaving visibility to chance.
	s.cache.Wait()

	s.trackAndEnforceCount(key)
}

func (s *Store[T]) trackAndEnforceCount(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tracking[key]; !ok {
		s.tracking[key] = struct{}{}
		s.order = append(s.order, key)
	}

	if s.cfg.CountLimit <= 0 {
		return
	}
	for int64(len(s.tracking)) > s.cfg.CountLimit && len(s.order) > 0 {
		oldest := s.order[0]
		s.order = s.order[1:]
		if _, live := s.tracking[oldest]; live {
			delete(s.tracking, oldest)
			s.cache.Del(oldest)
		}
	}
}

// Value returns the stored value for key, or the zero value and false if
// missing or expired. extend controls whether/how this read refreshes the
// entry's TTL (spec.md glossary "Expiration-extending").
func (s *Store[T]) Value(key string, extend expiry.Extend) (T, bool) {
	var zero T
	e, ok := s.cache.Get(key)
	if !ok || e == nil {
		return zero, false
	}

	now := time.Now()
	if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
		s.cache.Del(key)
		s.untrack(key)
		return zero, false
	}

	if extend.Kind() != expiry.ExtendNone {
		nextExpiry := extend.NextExpiration(now, e.storedAt, e.expiresAt)
		if !nextExpiry.Equal(e.expiresAt) {
			refreshed := &entry[T]{key: key, value: e.value, cost: e.cost, storedAt: now, expiresAt: nextExpiry}
			ttl := time.Until(nextExpiry)
			if ttl > 0 {
				s.cache.SetWithTTL(key, refreshed, e.cost, ttl)
			}
		}
	}

	return e.value, true
}

// IsCached reports liveness without extending the TTL (spec.md §4.1).
func (s *Store[T]) IsCached(key string) bool {
	_, ok := s.Value(key, expiry.NoExtend())
	return ok
}

// Remove deletes a single key.
func (s *Store[T]) Remove(key string) {
	s.cache.Del(key)
	s.untrack(key)
}

// RemoveAll clears the store.
func (s *Store[T]) RemoveAll() {
	s.mu.Lock()
	s.tracking = make(map[string]struct{})
	s.order = nil
	s.mu.Unlock()
	s.cache.Clear()
}

// RemoveExpired walks the tracking set and drops any key the backing cache
// no longer has live (either because Ristretto already expired/evicted it,
// or because our own lazy expiration check caught it on a prior Value
// call). This is the periodic-sweep reconciliation spec.md §4.1 describes.
func (s *Store[T]) RemoveExpired() {
	s.mu.Lock()
	keys := make([]string, 0, len(s.tracking))
	for k := range s.tracking {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	now := time.Now()
	for _, k := range keys {
		e, ok := s.cache.Get(k)
		if !ok || e == nil || (!e.expiresAt.IsZero() && now.After(e.expiresAt)) {
			s.cache.Del(k)
			s.untrack(k)
		}
	}
}

// TotalCost reports the current cost used, for tests and diagnostics.
func (s *Store[T]) TotalCost() int64 {
	m := s.cache.Metrics
	if m == nil {
		return 0
	}
	return int64(m.CostAdded()) - int64(m.CostEvicted())
}

// Len reports the current size of the tracking set (a superset of live
// entries, per spec.md §3 invariants).
func (s *Store[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tracking)
}

func (s *Store[T]) sweepLoop() {
	ticker := time.NewTicker(s.cfg.CleanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.RemoveExpired()
		case <-s.stop:
			return
		}
	}
}

// Close stops the sweep goroutine and releases the backing cache. Safe to
// call once; required for test isolation (spec.md §9 "periodic sweepers").
func (s *Store[T]) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stop)
	s.cache.Close()
}

// Wait blocks until Ristretto's internal async buffers have drained,
// useful in tests that assert cost/count immediately after Store.
func (s *Store[T]) Wait(ctx context.Context) {
	s.cache.Wait()
	_ = ctx
}
