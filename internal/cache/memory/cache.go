// Package memory is an in-process cache backend.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/llm-reader/internal/cache"
)

// Cache is a mutex-guarded map. Expired entries are dropped when read.
type Cache struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]cache.Entry
}

// New returns an empty Cache. now defaults to time.Now.
func New(now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{now: now, entries: make(map[string]cache.Entry)}
}

// Get implements cache.Cache.
func (c *Cache) Get(_ context.Context, key string) (cache.Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return cache.Entry{}, false, nil
	}
	if !e.Fresh(c.now()) {
		delete(c.entries, key)
		return cache.Entry{}, false, nil
	}
	return e, true, nil
}

// Set implements cache.Cache.
func (c *Cache) Set(_ context.Context, key string, entry cache.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry.Payload = append([]byte(nil), entry.Payload...)
	c.entries[key] = entry
	return nil
}

// Len returns the number of stored entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
