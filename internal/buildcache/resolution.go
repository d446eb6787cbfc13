package buildcache

import (
	"sync"
	"sync/atomic"

	"github.com/vk/bootstrapgo/internal/metrics"
	"golang.org/x/sync/singleflight"
)

// Resolution is the outcome of resolving one requirement.
type Resolution struct {
	URL        string
	Version    string
	Constraint string
	PreBuilt   bool
}

// ResolutionCache maps requirement strings to their resolution. Entries
// never expire within a run. Only successful resolutions are stored.
type ResolutionCache struct {
	mu      sync.RWMutex
	entries map[string]Resolution
	group   singleflight.Group

	hits   atomic.Int64
	misses atomic.Int64
}

func NewResolutionCache() *ResolutionCache {
	return &ResolutionCache{entries: make(map[string]Resolution)}
}

// Get returns the cached resolution for key.
func (c *ResolutionCache) Get(key string) (Resolution, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.entries[key]
	return r, ok
}

// Put stores r under key, replacing any previous entry.
func (c *ResolutionCache) Put(key string, r Resolution) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = r
}

// Do returns the cached resolution for key or calls fn to produce it.
// Concurrent callers for the same key share a single fn call.
func (c *ResolutionCache) Do(key string, fn func() (Resolution, error)) (Resolution, error) {
	if r, ok := c.Get(key); ok {
		c.hits.Add(1)
		metrics.ResolutionCacheHitsTotal.Inc()
		return r, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		if r, ok := c.Get(key); ok {
			return r, nil
		}
		c.misses.Add(1)
		r, err := fn()
		if err != nil {
			return Resolution{}, err
		}
		c.Put(key, r)
		return r, nil
	})
	if err != nil {
		return Resolution{}, err
	}
	return v.(Resolution), nil
}

// Len returns the number of cached resolutions.
func (c *ResolutionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns how many lookups were answered from the cache and how many
// needed a resolution.
func (c *ResolutionCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
