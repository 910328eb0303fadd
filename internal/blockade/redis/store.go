// Package redis stores blockades as expiring Redis keys, one per domain.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/llm-reader/internal/blockade"
)

// Store keeps the longest-lived blockade for each domain under prefix+domain.
// Redis expires the key at ExpireAt, and reads check ExpireAt again so clock
// skew between instances never extends a ban.
type Store struct {
	client goredis.UniversalClient
	prefix string
	now    func() time.Time
}

// New wraps client. now defaults to time.Now.
func New(client goredis.UniversalClient, prefix string, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{client: client, prefix: prefix, now: now}
}

func (s *Store) key(host string) string {
	return s.prefix + blockade.NormalizeDomain(host)
}

// IsBlocked implements blockade.Store.
func (s *Store) IsBlocked(ctx context.Context, host string) (bool, error) {
	b, err := s.Active(ctx, host)
	return b != nil, err
}

// Active implements blockade.Store.
func (s *Store) Active(ctx context.Context, host string) (*blockade.Blockade, error) {
	b, err := s.load(ctx, s.key(host))
	if err != nil || b == nil {
		return nil, err
	}
	if !b.Active(s.now()) {
		return nil, nil
	}
	return b, nil
}

func (s *Store) load(ctx context.Context, key string) (*blockade.Blockade, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get blockade: %w", err)
	}
	var b blockade.Blockade
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("decode blockade: %w", err)
	}
	return &b, nil
}

// Record implements blockade.Store. An existing blockade that outlives the
// new one is kept.
func (s *Store) Record(ctx context.Context, domain, reason, triggerURL string, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	now := s.now().UTC()
	b := blockade.Blockade{
		Domain:        blockade.NormalizeDomain(domain),
		TriggerReason: reason,
		TriggerURL:    triggerURL,
		CreatedAt:     now,
		ExpireAt:      now.Add(d),
	}
	key := s.key(domain)
	if existing, err := s.load(ctx, key); err == nil && existing != nil && existing.ExpireAt.After(b.ExpireAt) {
		return nil
	}
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode blockade: %w", err)
	}
	if err := s.client.Set(ctx, key, data, d).Err(); err != nil {
		return fmt.Errorf("set blockade: %w", err)
	}
	return nil
}

// Purge implements blockade.Store. Redis expires keys on its own, so there is
// nothing left to delete.
func (s *Store) Purge(context.Context, time.Time) (int, error) {
	return 0, nil
}
