// Package verify caches session-validation results from the upstream
// agent so the relay does not hit it on every request.
package verify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/astation/relay/internal/v1/logging"
)

type cachedSession struct {
	astationID string
	valid      bool
	cachedAt   time.Time
	ttl        time.Duration
}

// Stats summarizes the cache contents.
type Stats struct {
	Total   int `json:"total"`
	Valid   int `json:"valid"`
	Invalid int `json:"invalid"`
	Expired int `json:"expired"`
}

// Cache holds validation results with per-entry TTLs. Reads expire
// lazily; a periodic sweep drops dead entries.
type Cache struct {
	mu    sync.RWMutex
	cache map[string]cachedSession
	clock clock.WithTicker
}

// NewCache creates an empty Cache. Pass clock.RealClock{} outside of tests.
func NewCache(clk clock.WithTicker) *Cache {
	return &Cache{
		cache: make(map[string]cachedSession),
		clock: clk,
	}
}

// Get returns the cached result, or ok=false when absent or expired.
func (c *Cache) Get(sessionID string) (valid bool, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cached, found := c.cache[sessionID]
	if !found {
		return false, false
	}
	if c.clock.Since(cached.cachedAt) >= cached.ttl {
		return false, false
	}
	return cached.valid, true
}

// Set stores a validation result for the given TTL.
func (c *Cache) Set(sessionID, astationID string, valid bool, ttl time.Duration) {
	c.mu.Lock()
	c.cache[sessionID] = cachedSession{
		astationID: astationID,
		valid:      valid,
		cachedAt:   c.clock.Now(),
		ttl:        ttl,
	}
	c.mu.Unlock()
}

// Remove drops a session, e.g. after explicit invalidation.
func (c *Cache) Remove(sessionID string) {
	c.mu.Lock()
	delete(c.cache, sessionID)
	c.mu.Unlock()
}

// CleanupExpired drops entries past their TTL.
func (c *Cache) CleanupExpired() {
	now := c.clock.Now()

	c.mu.Lock()
	before := len(c.cache)
	for id, cached := range c.cache {
		if now.Sub(cached.cachedAt) >= cached.ttl {
			delete(c.cache, id)
		}
	}
	removed := before - len(c.cache)
	c.mu.Unlock()

	if removed > 0 {
		logging.Debug(context.Background(), "Removed expired verify cache entries",
			zap.Int("count", removed))
	}
}

// Stats reports how many entries are live, invalid, or waiting for the
// next sweep.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.clock.Now()
	s := Stats{Total: len(c.cache)}
	for _, cached := range c.cache {
		switch {
		case now.Sub(cached.cachedAt) >= cached.ttl:
			s.Expired++
		case cached.valid:
			s.Valid++
		default:
			s.Invalid++
		}
	}
	return s
}

// RunCleanup sweeps expired entries on the given interval until ctx is
// done.
func (c *Cache) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			c.CleanupExpired()
		}
	}
}
