package router

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/bedah-kym/flowcore/internal/provider"
)

// ResultCache is a short-TTL cache for read-only provider results, so
// rapid repeats of the same query within a conversation do not hammer
// the provider.
type ResultCache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	result    *provider.Result
	expiresAt time.Time
}

// NewResultCache creates a cache with the given entry TTL. A
// non-positive TTL disables caching.
func NewResultCache(ttl time.Duration) *ResultCache {
	return &ResultCache{ttl: ttl, now: time.Now, entries: make(map[string]cacheEntry)}
}

// WithClock overrides the time source for tests.
func (c *ResultCache) WithClock(now func() time.Time) *ResultCache {
	c.now = now
	return c
}

// Get returns the cached result for the key, or nil when absent or
// expired. Expired entries are deleted on read.
func (c *ResultCache) Get(key string) *provider.Result {
	if c.ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		return nil
	}
	return e.result
}

// Put stores a result under the key.
func (c *ResultCache) Put(key string, res *provider.Result) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{result: res, expiresAt: c.now().Add(c.ttl)}
}

// CacheKey derives a stable key from the capability, action, and the
// merged parameters. encoding/json sorts map keys, so logically
// identical requests collide regardless of parameter order.
func CacheKey(capability, action string, params map[string]any) string {
	body, _ := json.Marshal(params)
	h := sha256.New()
	h.Write([]byte(capability))
	h.Write([]byte{0})
	h.Write([]byte(action))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
