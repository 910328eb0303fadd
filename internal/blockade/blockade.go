// Package blockade records temporary per-domain crawl bans triggered by the
// abuse monitor. Expiry is evaluated when a blockade is read, so a blockade
// stops applying the moment ExpireAt passes even if it has not been purged.
package blockade

import (
	"context"
	"net"
	"strings"
	"time"
)

// Blockade is one recorded ban.
type Blockade struct {
	Domain        string    `json:"domain"`
	TriggerReason string    `json:"trigger_reason"`
	TriggerURL    string    `json:"trigger_url"`
	CreatedAt     time.Time `json:"created_at"`
	ExpireAt      time.Time `json:"expire_at"`
}

// Active reports whether the blockade still applies at now.
func (b Blockade) Active(now time.Time) bool {
	return now.Before(b.ExpireAt)
}

// Store persists blockades.
type Store interface {
	// IsBlocked reports whether host has an active blockade.
	IsBlocked(ctx context.Context, host string) (bool, error)
	// Active returns the active blockade with the latest expiry, or nil.
	Active(ctx context.Context, host string) (*Blockade, error)
	// Record writes a blockade lasting d from now.
	Record(ctx context.Context, domain, reason, triggerURL string, d time.Duration) error
	// Purge deletes blockades that expired before olderThan and returns how many.
	Purge(ctx context.Context, olderThan time.Time) (int, error)
}

// NormalizeDomain lowercases host and strips any port and trailing dot so
// "Example.COM:443" and "example.com." share one blockade.
func NormalizeDomain(host string) string {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.TrimSuffix(strings.ToLower(host), ".")
}
