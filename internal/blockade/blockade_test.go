package blockade

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestBlockadeActive(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	b := Blockade{Domain: "example.com", CreatedAt: now, ExpireAt: now.Add(time.Hour)}

	require.True(t, b.Active(now))
	require.True(t, b.Active(now.Add(59*time.Minute)))
	require.False(t, b.Active(now.Add(time.Hour)))
}

func TestNormalizeDomain(t *testing.T) {
	t.Parallel()

	require.Equal(t, "example.com", NormalizeDomain("Example.COM"))
	require.Equal(t, "example.com", NormalizeDomain("example.com:8443"))
	require.Equal(t, "example.com", NormalizeDomain("example.com."))
	require.Equal(t, "::1", NormalizeDomain("[::1]:80"))
}

type purgeStub struct {
	Store
	n   int
	err error
	got time.Time
}

func (p *purgeStub) Purge(_ context.Context, olderThan time.Time) (int, error) {
	p.got = olderThan
	return p.n, p.err
}

func TestPurgeOnceLogs(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	cutoff := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	stub := &purgeStub{n: 3}
	purgeOnce(context.Background(), stub, cutoff, zap.New(core))
	require.Equal(t, cutoff, stub.got)
	require.Equal(t, 1, logs.FilterMessage("purged expired blockades").Len())

	failing := &purgeStub{err: errors.New("connection refused")}
	purgeOnce(context.Background(), failing, cutoff, zap.New(core))
	require.Equal(t, 1, logs.FilterMessage("blockade purge failed").Len())
}
