package abuse

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/llm-reader/internal/blockade"
	blockmem "github.com/JakeFAU/llm-reader/internal/blockade/memory"
	"github.com/JakeFAU/llm-reader/internal/crawler"
	"github.com/JakeFAU/llm-reader/internal/events"
)

type rejecter struct {
	mu   sync.Mutex
	tags []string
	errs []error
}

func (r *rejecter) RejectTagged(tag string, err error) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tags = append(r.tags, tag)
	r.errs = append(r.errs, err)
	return 2
}

type collector struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *collector) Emit(evt events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

type failingStore struct {
	blockade.Store
}

func (failingStore) Record(context.Context, string, string, string, time.Duration) error {
	return errors.New("db down")
}

func crawled(host, outcome string) events.Event {
	evt := events.New(events.KindCrawled)
	evt.Host = host
	evt.URL = "https://" + host + "/page"
	evt.Outcome = outcome
	return evt
}

type monitorFixture struct {
	monitor *Monitor
	store   *blockmem.Store
	pool    *rejecter
	emitted *collector
	now     time.Time
}

func newMonitorFixture(cfg Config) *monitorFixture {
	f := &monitorFixture{pool: &rejecter{}, emitted: &collector{}, now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }
	f.store = blockmem.New(clock)
	f.monitor = NewMonitor(cfg, f.store, f.pool, f.emitted, nil)
	f.monitor.now = clock
	return f
}

func TestMonitorBlocksOnAbuseSignal(t *testing.T) {
	t.Parallel()
	f := newMonitorFixture(Config{BlockDuration: time.Hour})
	ctx := context.Background()

	evt := crawled("example.com", string(crawler.KindBlocked))
	evt.AbuseReason = "challenge title \"Just a moment...\""
	require.NoError(t, f.monitor.Consume(ctx, []events.Event{evt}))

	b, err := f.store.Active(ctx, "example.com")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, evt.AbuseReason, b.TriggerReason)
	assert.Equal(t, evt.URL, b.TriggerURL)
	assert.Equal(t, f.now.Add(time.Hour), b.ExpireAt)

	require.Equal(t, []string{"example.com"}, f.pool.tags)
	assert.Equal(t, crawler.KindBlocked, crawler.KindOf(f.pool.errs[0]))
	require.Len(t, f.emitted.events, 1)
	assert.Equal(t, events.KindAbuse, f.emitted.events[0].Kind)
	assert.NoError(t, f.emitted.events[0].Validate())
}

func TestMonitorBlocksAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	f := newMonitorFixture(Config{FailureThreshold: 3, FailureWindow: time.Minute})
	ctx := context.Background()
	nav := string(crawler.KindNavigation)

	f.monitor.Observe(ctx, crawled("flaky.io", nav))
	f.monitor.Observe(ctx, crawled("flaky.io", nav))
	f.monitor.Observe(ctx, crawled("flaky.io", events.OutcomeOK))
	f.monitor.Observe(ctx, crawled("flaky.io", nav))
	f.monitor.Observe(ctx, crawled("flaky.io", string(crawler.KindExtraction)))
	blocked, err := f.store.IsBlocked(ctx, "flaky.io")
	require.NoError(t, err)
	assert.False(t, blocked)

	f.monitor.Observe(ctx, crawled("flaky.io", nav))
	blocked, err = f.store.IsBlocked(ctx, "flaky.io")
	require.NoError(t, err)
	assert.True(t, blocked)

	b, err := f.store.Active(ctx, "flaky.io")
	require.NoError(t, err)
	assert.Equal(t, "repeated failures: 3", b.TriggerReason)
}

func TestMonitorFailureWindowRestartsStreak(t *testing.T) {
	t.Parallel()
	f := newMonitorFixture(Config{FailureThreshold: 2, FailureWindow: time.Minute})
	ctx := context.Background()
	nav := string(crawler.KindNavigation)

	f.monitor.Observe(ctx, crawled("slow.io", nav))
	f.now = f.now.Add(2 * time.Minute)
	f.monitor.Observe(ctx, crawled("slow.io", nav))
	blocked, err := f.store.IsBlocked(ctx, "slow.io")
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestMonitorIgnoresUnrelatedOutcomes(t *testing.T) {
	t.Parallel()
	f := newMonitorFixture(Config{FailureThreshold: 1})
	ctx := context.Background()

	f.monitor.Observe(ctx, crawled("a.io", string(crawler.KindQueueTimeout)))
	f.monitor.Observe(ctx, crawled("a.io", string(crawler.KindBlocked)))
	f.monitor.Observe(ctx, crawled("", string(crawler.KindNavigation)))
	f.monitor.Observe(ctx, events.New(events.KindCrippled))
	cached := crawled("a.io", string(crawler.KindExtraction))
	cached.FromCache = true
	f.monitor.Observe(ctx, cached)

	assert.Empty(t, f.pool.tags)
	assert.Empty(t, f.emitted.events)
}

func TestMonitorIgnoresCanceledCrawls(t *testing.T) {
	t.Parallel()
	f := newMonitorFixture(Config{FailureThreshold: 2, FailureWindow: time.Minute})
	ctx := context.Background()
	nav := string(crawler.KindNavigation)

	for range 5 {
		f.monitor.Observe(ctx, crawled("busy.io", events.OutcomeCanceled))
	}
	f.monitor.Observe(ctx, crawled("busy.io", nav))
	blocked, err := f.store.IsBlocked(ctx, "busy.io")
	require.NoError(t, err)
	assert.False(t, blocked)
	assert.Empty(t, f.pool.tags)
}

func TestMonitorSwallowsStoreFailures(t *testing.T) {
	t.Parallel()
	pool := &rejecter{}
	emitted := &collector{}
	m := NewMonitor(Config{}, failingStore{}, pool, emitted, nil)

	evt := crawled("example.com", string(crawler.KindBlocked))
	evt.AbuseReason = "captcha"
	require.NotPanics(t, func() { m.Observe(context.Background(), evt) })
	assert.Len(t, pool.tags, 1)
	assert.Len(t, emitted.events, 1)
	require.NoError(t, m.Close(context.Background()))
}
