package cache

import "sync"

// MemoryCache is an in-memory Cache. It survives nothing; intended for
// tests and for running the tracker without local persistence.
type MemoryCache struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{values: make(map[string][]byte)}
}

// Get returns the stored value for key.
func (c *MemoryCache) Get(key string) ([]byte, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, true, nil
}

// Set stores the value for key.
func (c *MemoryCache) Set(key string, value []byte) error {
	cp := make([]byte, len(value))
	copy(cp, value)
	c.mu.Lock()
	c.values[key] = cp
	c.mu.Unlock()
	return nil
}

// Delete removes the key.
func (c *MemoryCache) Delete(key string) error {
	c.mu.Lock()
	delete(c.values, key)
	c.mu.Unlock()
	return nil
}

// Len returns the number of stored keys.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.values)
}
