package maps

import (
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// defaultMaxEntries caps the number of cached routes.
const defaultMaxEntries = 4096

// RouteCache is a tiny in-memory cache for route lookups keyed by coords.
// When full, Set sweeps expired entries and then evicts the oldest one.
type RouteCache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
	max   int
	now   func() time.Time
}

type cacheEntry struct {
	v  Route
	ts time.Time
}

// NewRouteCache creates a cache with the provided TTL.
func NewRouteCache(ttl time.Duration) *RouteCache {
	return &RouteCache{store: make(map[string]cacheEntry), ttl: ttl, max: defaultMaxEntries, now: time.Now}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.5f,%.5f", c.Lat, c.Lng)
}

// Get returns cached value and true if present and not expired.
func (c *RouteCache) Get(a, b models.Coord) (Route, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return Route{}, false
	}
	if c.now().Sub(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return Route{}, false
	}
	return e.v, true
}

// Set stores a value in the cache.
func (c *RouteCache) Set(a, b models.Coord, v Route) {
	k := keyFor(a, b)
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.store[k]; !ok && len(c.store) >= c.max {
		c.evict(now)
	}
	c.store[k] = cacheEntry{v: v, ts: now}
}

// evict drops expired entries and, if the cache is still full, the oldest.
// Callers hold mu.
func (c *RouteCache) evict(now time.Time) {
	var oldestKey string
	var oldest time.Time
	for k, e := range c.store {
		if now.Sub(e.ts) > c.ttl {
			delete(c.store, k)
			continue
		}
		if oldestKey == "" || e.ts.Before(oldest) {
			oldestKey, oldest = k, e.ts
		}
	}
	if len(c.store) >= c.max && oldestKey != "" {
		delete(c.store, oldestKey)
	}
}
