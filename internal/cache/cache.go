// Package cache stores crawl snapshots keyed by target URL, output format and
// user agent, with a freshness window derived from the page itself.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"time"
)

// Entry is one cached payload.
type Entry struct {
	Payload  []byte        `json:"payload"`
	StoredAt time.Time     `json:"stored_at"`
	TTL      time.Duration `json:"ttl"`
}

// Fresh reports whether the entry is still within its TTL at now.
func (e Entry) Fresh(now time.Time) bool {
	return now.Before(e.StoredAt.Add(e.TTL))
}

// Age is how long ago the entry was stored.
func (e Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.StoredAt)
}

// Cache is a keyed store of entries. Get returns ok=false on a miss; an
// expired entry is a miss.
type Cache interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, entry Entry) error
}

// Key derives the cache key for a crawl.
func Key(normalizedURL, format, userAgent string) string {
	h := sha256.New()
	for _, part := range []string{normalizedURL, format, userAgent} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

const (
	DefaultTTL  = 600 * time.Second
	monthOldTTL = 1800 * time.Second
	yearOldTTL  = 3600 * time.Second
	liveTTL     = 300 * time.Second
)

var liveMarker = regexp.MustCompile(`(?i)\b(live|breaking|updated)\b`)

// FreshnessTTL picks how long a page may be served from cache. Old content
// changes rarely and lives longer; pages that look like live coverage expire
// sooner regardless of age.
func FreshnessTTL(now time.Time, publishedAt *time.Time, title, text string) time.Duration {
	if liveMarker.MatchString(title) || liveMarker.MatchString(text) {
		return liveTTL
	}
	if publishedAt == nil || publishedAt.IsZero() {
		return DefaultTTL
	}
	age := now.Sub(*publishedAt)
	switch {
	case age > 365*24*time.Hour:
		return yearOldTTL
	case age > 30*24*time.Hour:
		return monthOldTTL
	default:
		return DefaultTTL
	}
}
