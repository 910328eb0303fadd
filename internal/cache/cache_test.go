package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKeyIsStableAndFieldSensitive(t *testing.T) {
	t.Parallel()

	a := Key("https://example.com/", "markdown", "ua")
	require.Len(t, a, 64)
	require.Equal(t, a, Key("https://example.com/", "markdown", "ua"))
	require.NotEqual(t, a, Key("https://example.com/", "html", "ua"))
	require.NotEqual(t, a, Key("https://example.com/", "markdown", ""))
	// Field boundaries matter.
	require.NotEqual(t, Key("ab", "c", ""), Key("a", "bc", ""))
}

func TestFreshnessTTL(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	ptr := func(d time.Duration) *time.Time {
		ts := now.Add(-d)
		return &ts
	}

	tests := []struct {
		name      string
		published *time.Time
		title     string
		text      string
		want      time.Duration
	}{
		{"no date", nil, "Docs", "plain", 600 * time.Second},
		{"recent", ptr(24 * time.Hour), "Docs", "plain", 600 * time.Second},
		{"older than a month", ptr(40 * 24 * time.Hour), "Docs", "plain", 1800 * time.Second},
		{"older than a year", ptr(400 * 24 * time.Hour), "Docs", "plain", 3600 * time.Second},
		{"live title wins over age", ptr(400 * 24 * time.Hour), "LIVE: election night", "", 300 * time.Second},
		{"updated in text", nil, "Story", "This article was Updated at noon", 300 * time.Second},
		{"word boundary", nil, "Delivered", "olive oil", 600 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, FreshnessTTL(now, tt.published, tt.title, tt.text))
		})
	}
}

func TestEntryFresh(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	e := Entry{StoredAt: now, TTL: time.Minute}
	require.True(t, e.Fresh(now.Add(59*time.Second)))
	require.False(t, e.Fresh(now.Add(time.Minute)))
	require.Equal(t, 30*time.Second, e.Age(now.Add(30*time.Second)))
}
