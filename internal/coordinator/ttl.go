package coordinator

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// TTLCache remembers when each key was last refreshed.
type TTLCache struct {
	clock clockwork.Clock
	ttl   time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewTTLCache creates a cache whose entries expire after ttl. A nil clock uses the real clock.
func NewTTLCache(ttl time.Duration, clock clockwork.Clock) *TTLCache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &TTLCache{clock: clock, ttl: ttl, seen: make(map[string]time.Time)}
}

// Due reports whether key was never marked or its mark has expired.
func (c *TTLCache) Due(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dueLocked(key)
}

func (c *TTLCache) dueLocked(key string) bool {
	last, ok := c.seen[key]
	return !ok || c.clock.Since(last) >= c.ttl
}

// Mark records a refresh of key now.
func (c *TTLCache) Mark(key string) {
	c.mu.Lock()
	c.seen[key] = c.clock.Now()
	c.mu.Unlock()
}

// TryClaim marks key and returns true if it was due, so that only one caller refreshes it.
func (c *TTLCache) TryClaim(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dueLocked(key) {
		return false
	}
	c.seen[key] = c.clock.Now()
	return true
}

// Forget drops key so the next Due reports true, e.g. after a failed refresh.
func (c *TTLCache) Forget(key string) {
	c.mu.Lock()
	delete(c.seen, key)
	c.mu.Unlock()
}
