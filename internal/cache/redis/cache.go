// Package redis is a Redis-backed cache backend shared across instances.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/llm-reader/internal/cache"
)

// Cache stores JSON-encoded entries with a Redis TTL equal to the entry TTL.
type Cache struct {
	client goredis.UniversalClient
	prefix string
	now    func() time.Time
}

// New wraps client. now defaults to time.Now.
func New(client goredis.UniversalClient, prefix string, now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{client: client, prefix: prefix, now: now}
}

// Get implements cache.Cache.
func (c *Cache) Get(ctx context.Context, key string) (cache.Entry, bool, error) {
	raw, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return cache.Entry{}, false, nil
	}
	if err != nil {
		return cache.Entry{}, false, fmt.Errorf("cache get: %w", err)
	}
	var e cache.Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return cache.Entry{}, false, fmt.Errorf("decode cache entry: %w", err)
	}
	if !e.Fresh(c.now()) {
		return cache.Entry{}, false, nil
	}
	return e, true, nil
}

// Set implements cache.Cache. Entries without a positive TTL are not stored.
func (c *Cache) Set(ctx context.Context, key string, entry cache.Entry) error {
	if entry.TTL <= 0 {
		return nil
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if err := c.client.Set(ctx, c.prefix+key, data, entry.TTL).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}
