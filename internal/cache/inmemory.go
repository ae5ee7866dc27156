package cache

import (
	"context"
	"sync"
	"time"
)

const evictInterval = time.Minute

// InMemoryCache is the process-local Cache used when Redis is disabled.
// Expired entries are dropped lazily on read and swept by a background
// ticker so coverage sets for long-gone agreements do not accumulate.
type InMemoryCache struct {
	mu      sync.RWMutex
	entries map[string]inmemEntry
	stop    chan struct{}
	once    sync.Once
}

type inmemEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e inmemEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// NewInMemoryCache creates an in-memory cache and starts its sweep loop.
func NewInMemoryCache() *InMemoryCache {
	c := &InMemoryCache{
		entries: make(map[string]inmemEntry),
		stop:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

func (c *InMemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || e.expired(time.Now()) {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(e.value))
	copy(cp, e.value)
	return cp, nil
}

func (c *InMemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	c.mu.Lock()
	if c.entries != nil {
		c.entries[key] = inmemEntry{value: cp, expiresAt: expiresAt}
	}
	c.mu.Unlock()
	return nil
}

func (c *InMemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

func (c *InMemoryCache) Exists(_ context.Context, key string) (bool, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	return ok && !e.expired(time.Now()), nil
}

func (c *InMemoryCache) Ping(_ context.Context) error { return nil }

func (c *InMemoryCache) Close() error {
	c.once.Do(func() {
		close(c.stop)
		c.mu.Lock()
		c.entries = nil
		c.mu.Unlock()
	})
	return nil
}

func (c *InMemoryCache) sweep() {
	ticker := time.NewTicker(evictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for key, e := range c.entries {
				if e.expired(now) {
					delete(c.entries, key)
				}
			}
			c.mu.Unlock()
		}
	}
}
