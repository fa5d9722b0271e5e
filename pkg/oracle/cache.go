package oracle

import (
	"context"
	"sync"
	"time"
)

// Cache keeps successful reads of another reader for a short time to avoid repeated remote calls
type Cache struct {
	reader   Reader
	mu       sync.RWMutex
	cache    map[string]*cachedValue
	cacheTTL time.Duration
	now      func() time.Time
}

// cachedValue represents a cached oracle value with timestamp
type cachedValue struct {
	value     uint64
	timestamp time.Time
}

// NewCache wraps reader with a cache of the given TTL
func NewCache(reader Reader, cacheTTL time.Duration) *Cache {
	return &Cache{
		reader:   reader,
		cache:    make(map[string]*cachedValue),
		cacheTTL: cacheTTL,
		now:      time.Now,
	}
}

// Get retrieves a cached value if it's still valid
func (c *Cache) Get(ref uint64, key []byte) (uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cached, exists := c.cache[staticKey(ref, key)]
	if !exists {
		return 0, false
	}

	// Check if cache is still valid
	if c.now().Sub(cached.timestamp) > c.cacheTTL {
		return 0, false
	}

	return cached.value, true
}

// Set stores a value in the cache with current timestamp
func (c *Cache) Set(ref uint64, key []byte, value uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache[staticKey(ref, key)] = &cachedValue{
		value:     value,
		timestamp: c.now(),
	}
}

// Clear removes all cached entries
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache = make(map[string]*cachedValue)
}

// Stats returns the number of cached entries and the TTL
func (c *Cache) Stats() (int, time.Duration) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache), c.cacheTTL
}

func (c *Cache) Read(ctx context.Context, ref uint64, key []byte) (uint64, error) {
	if value, ok := c.Get(ref, key); ok {
		return value, nil
	}
	value, err := c.reader.Read(ctx, ref, key)
	if err != nil {
		return 0, err
	}
	c.Set(ref, key, value)
	return value, nil
}
