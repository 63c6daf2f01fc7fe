// Package cache provides a small expiring key/value cache. Expiry is checked on read;
// an optional janitor goroutine reclaims memory held by expired entries.
package cache

import (
	"strings"
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache is a thread-safe TTL cache. Writers replace whole entries.
type Cache[V any] struct {
	mu         sync.RWMutex
	entries    map[string]entry[V]
	defaultTTL time.Duration
	now        func() time.Time
	// epoch counts evictions. GetOrCompute stores its result only when no eviction
	// happened while it was computing.
	epoch uint64

	stopJanitor chan struct{}
	janitorDone chan struct{}
	stopOnce    sync.Once
}

// New creates a cache whose entries expire after ttl.
func New[V any](ttl time.Duration) *Cache[V] {
	return &Cache[V]{
		entries:    make(map[string]entry[V]),
		defaultTTL: ttl,
		now:        time.Now,
	}
}

// WithClock overrides the time source. Intended for tests.
func (c *Cache[V]) WithClock(now func() time.Time) *Cache[V] {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
	return c
}

// StartJanitor removes expired entries every interval until Stop is called.
func (c *Cache[V]) StartJanitor(interval time.Duration) {
	c.mu.Lock()
	if c.stopJanitor != nil {
		c.mu.Unlock()
		return
	}
	c.stopJanitor = make(chan struct{})
	c.janitorDone = make(chan struct{})
	stop, done := c.stopJanitor, c.janitorDone
	c.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.purgeExpired()
			case <-stop:
				return
			}
		}
	}()
}

// Stop halts the janitor if one was started and waits for it to exit.
func (c *Cache[V]) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		stop, done := c.stopJanitor, c.janitorDone
		c.mu.Unlock()
		if stop == nil {
			return
		}
		close(stop)
		<-done
	})
}

func (c *Cache[V]) purgeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, key)
		}
	}
}

// Get returns the value for key if present and not expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	now := c.now()
	c.mu.RUnlock()

	if !ok || now.After(e.expiresAt) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value under key with the default TTL.
func (c *Cache[V]) Set(key string, value V) {
	c.SetWithTTL(key, value, c.defaultTTL)
}

// SetWithTTL stores value under key with a custom TTL.
func (c *Cache[V]) SetWithTTL(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry[V]{value: value, expiresAt: c.now().Add(ttl)}
}

// GetOrCompute returns the cached value or computes, stores and returns a fresh one.
// Errors are not cached. A value whose computation overlapped an eviction is returned
// but not stored, since it may predate the change that caused the eviction.
func (c *Cache[V]) GetOrCompute(key string, compute func() (V, error)) (V, bool, error) {
	if v, ok := c.Get(key); ok {
		return v, true, nil
	}
	c.mu.RLock()
	started := c.epoch
	c.mu.RUnlock()

	v, err := compute()
	if err != nil {
		return v, false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch == started {
		c.entries[key] = entry[V]{value: v, expiresAt: c.now().Add(c.defaultTTL)}
	}
	return v, false, nil
}

// Delete evicts key.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	delete(c.entries, key)
}

// DeleteByPrefix evicts every key starting with prefix.
func (c *Cache[V]) DeleteByPrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	for key := range c.entries {
		if strings.HasPrefix(key, prefix) {
			delete(c.entries, key)
		}
	}
}

// Clear evicts everything.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.entries = make(map[string]entry[V])
}

// Entries returns a copy of every unexpired entry.
func (c *Cache[V]) Entries() map[string]V {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	out := make(map[string]V, len(c.entries))
	for key, e := range c.entries {
		if !now.After(e.expiresAt) {
			out[key] = e.value
		}
	}
	return out
}

// Len counts entries, including expired ones not yet purged.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
