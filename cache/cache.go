package cache

import (
	"sync"
)

// Cache is a mutex guarded map for small in-memory registries
type Cache[T interface{}] struct {
	cache map[string]T
	mutex sync.RWMutex
}

func New[T interface{}]() *Cache[T] {
	return &Cache[T]{
		cache: make(map[string]T),
	}
}

func (c *Cache[T]) Remove(key string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.cache, key)
}

func (c *Cache[T]) GetOK(key string) (T, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	v, ok := c.cache[key]
	return v, ok
}

func (c *Cache[T]) Store(key string, value T) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.cache[key] = value
}

// GetOrStore returns the existing value for key, or stores and returns create()
func (c *Cache[T]) GetOrStore(key string, create func() T) (T, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if v, ok := c.cache[key]; ok {
		return v, true
	}
	v := create()
	c.cache[key] = v
	return v, false
}

// RemoveIf deletes every entry matching pred and returns the removed values
func (c *Cache[T]) RemoveIf(pred func(key string, value T) bool) []T {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	var removed []T
	for k, v := range c.cache {
		if pred(k, v) {
			removed = append(removed, v)
			delete(c.cache, k)
		}
	}
	return removed
}

// Values returns a snapshot of the stored values
func (c *Cache[T]) Values() []T {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	out := make([]T, 0, len(c.cache))
	for _, v := range c.cache {
		out = append(out, v)
	}
	return out
}

func (c *Cache[T]) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.cache)
}
