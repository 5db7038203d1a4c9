package cache

import (
	"sync"

	"github.com/golang/groupcache/lru"
)

// Cache maps names to internal ids. Implementations must be safe for concurrent use.
type Cache interface {
	Get(key string) (string, bool)
	Put(key, value string)
	Invalidate(key string)
}

type lruCache struct {
	mu    sync.Mutex
	cache *lru.Cache
}

func NewLRU(maxEntries int) Cache {
	return &lruCache{cache: lru.New(maxEntries)}
}

func (c *lruCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.cache.Get(key)
	if !ok {
		return "", false
	}

	return v.(string), true
}

func (c *lruCache) Put(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache.Add(key, value)
}

func (c *lruCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache.Remove(key)
}

type nopCache struct{}

// NewNop returns a cache that never remembers anything
func NewNop() Cache {
	return nopCache{}
}

func (nopCache) Get(string) (string, bool) { return "", false }
func (nopCache) Put(string, string)        {}
func (nopCache) Invalidate(string)         {}
