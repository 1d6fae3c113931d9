package route

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/fleet-dispatch/internal/models"
)

// Cache is a tiny in-memory cache for route lookups keyed by endpoints.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
	now   func() time.Time
}

type cacheEntry struct {
	path []models.Point
	ts   time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl, now: time.Now}
}

func keyFor(a, b models.Point) string {
	return fmtPoint(a) + "->" + fmtPoint(b)
}

func fmtPoint(p models.Point) string {
	return fmt.Sprintf("%.6f,%.6f", p.Lat, p.Lon)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Point) ([]models.Point, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if c.now().Sub(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return nil, false
	}
	return append([]models.Point(nil), e.path...), true
}

// Set stores a value in the cache.
func (c *Cache) Set(a, b models.Point, path []models.Point) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{path: append([]models.Point(nil), path...), ts: c.now()}
	c.mu.Unlock()
}

// Cached wraps a Provider with a Cache.
type Cached struct {
	Provider Provider
	Cache    *Cache
}

func (c Cached) Route(ctx context.Context, from, to models.Point) ([]models.Point, error) {
	if path, ok := c.Cache.Get(from, to); ok {
		return path, nil
	}
	path, err := c.Provider.Route(ctx, from, to)
	if err != nil {
		return nil, err
	}
	c.Cache.Set(from, to, path)
	return path, nil
}
