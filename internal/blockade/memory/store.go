// Package memory provides an in-process blockade store.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/llm-reader/internal/blockade"
)

// Store keeps blockades in a map keyed by normalized domain.
type Store struct {
	mu   sync.RWMutex
	now  func() time.Time
	byID map[string][]blockade.Blockade
}

// New returns an empty Store. now defaults to time.Now.
func New(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{now: now, byID: make(map[string][]blockade.Blockade)}
}

// IsBlocked implements blockade.Store.
func (s *Store) IsBlocked(ctx context.Context, host string) (bool, error) {
	b, err := s.Active(ctx, host)
	return b != nil, err
}

// Active implements blockade.Store.
func (s *Store) Active(_ context.Context, host string) (*blockade.Blockade, error) {
	domain := blockade.NormalizeDomain(host)
	now := s.now()

	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *blockade.Blockade
	for i := range s.byID[domain] {
		b := s.byID[domain][i]
		if !b.Active(now) {
			continue
		}
		if latest == nil || b.ExpireAt.After(latest.ExpireAt) {
			latest = &b
		}
	}
	return latest, nil
}

// Record implements blockade.Store.
func (s *Store) Record(_ context.Context, domain, reason, triggerURL string, d time.Duration) error {
	domain = blockade.NormalizeDomain(domain)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[domain] = append(s.byID[domain], blockade.Blockade{
		Domain:        domain,
		TriggerReason: reason,
		TriggerURL:    triggerURL,
		CreatedAt:     now,
		ExpireAt:      now.Add(d),
	})
	return nil
}

// Purge implements blockade.Store.
func (s *Store) Purge(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for domain, list := range s.byID {
		kept := list[:0]
		for _, b := range list {
			if b.ExpireAt.Before(olderThan) {
				removed++
				continue
			}
			kept = append(kept, b)
		}
		if len(kept) == 0 {
			delete(s.byID, domain)
			continue
		}
		s.byID[domain] = kept
	}
	return removed, nil
}
