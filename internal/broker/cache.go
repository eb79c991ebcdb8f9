package broker

import (
	"sync"
	"time"
)

// TTLCache is a (value, expires_at) cache keyed by endpoint-class strings.
// Expired entries are retained so callers can serve them as stale when the
// broker is rate limiting.
type TTLCache[T any] struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry[T]
	ttl     time.Duration
	clock   func() time.Time
}

type cacheEntry[T any] struct {
	value     T
	expiresAt time.Time
}

// NewTTLCache creates a cache with a uniform TTL.
func NewTTLCache[T any](ttl time.Duration) *TTLCache[T] {
	return &TTLCache[T]{
		entries: make(map[string]cacheEntry[T]),
		ttl:     ttl,
		clock:   time.Now,
	}
}

// Get returns a fresh value, if any.
func (c *TTLCache[T]) Get(key string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || c.clock().After(e.expiresAt) {
		var zero T
		return zero, false
	}
	return e.value, true
}

// GetStale returns the last recorded value regardless of freshness. The
// second return reports presence, the third freshness.
func (c *TTLCache[T]) GetStale(key string) (T, bool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok {
		var zero T
		return zero, false, false
	}
	return e.value, true, !c.clock().After(e.expiresAt)
}

// Put records a value with the cache's TTL.
func (c *TTLCache[T]) Put(key string, v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry[T]{value: v, expiresAt: c.clock().Add(c.ttl)}
}

// Invalidate drops a key.
func (c *TTLCache[T]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// SetClock overrides the time source. Test hook.
func (c *TTLCache[T]) SetClock(clock func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock = clock
}

// RateGate tracks a single blocked-until instant per endpoint class. While
// blocked, adapters serve stale cache instead of hitting the broker; polling
// resumes by itself once the instant passes.
type RateGate struct {
	mu           sync.Mutex
	blockedUntil time.Time
	clock        func() time.Time
}

// NewRateGate creates an open gate.
func NewRateGate() *RateGate {
	return &RateGate{clock: time.Now}
}

// Blocked reports whether the gate is currently closed.
func (g *RateGate) Blocked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.clock().Before(g.blockedUntil)
}

// BlockFor closes the gate for the given duration, keeping the later of the
// current and the new deadline.
func (g *RateGate) BlockFor(d time.Duration) {
	g.BlockUntil(g.now().Add(d))
}

// BlockUntil closes the gate until the given instant.
func (g *RateGate) BlockUntil(t time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t.After(g.blockedUntil) {
		g.blockedUntil = t
	}
}

// Remaining returns how long until the gate reopens, zero when open.
func (g *RateGate) Remaining() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if d := g.blockedUntil.Sub(g.clock()); d > 0 {
		return d
	}
	return 0
}

func (g *RateGate) now() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.clock()
}

// SetClock overrides the time source. Test hook.
func (g *RateGate) SetClock(clock func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clock = clock
}
