package pagepool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFactory struct {
	mu       sync.Mutex
	attempts int
	created  int
	closed   []any
	failures int
	gate     chan struct{}
}

func (f *fakeFactory) NewPage(ctx context.Context) (any, error) {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("target crashed during creation")
	}
	f.created++
	return f.created, nil
}

func (f *fakeFactory) ClosePage(handle any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, handle)
	return nil
}

func (f *fakeFactory) counts() (attempts, created, closed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts, f.created, len(f.closed)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func waitQueued(t *testing.T, pool *Pool, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return pool.Stats().Queued == n }, time.Second, time.Millisecond)
}

func TestAcquireCreatesLazilyAndReusesIdlePage(t *testing.T) {
	factory := &fakeFactory{}
	pool := New(Config{MaxPages: 2}, factory)
	ctx := context.Background()

	page, err := pool.Acquire(ctx, 0, "example.com")
	require.NoError(t, err)
	require.Equal(t, uint64(1), page.Serial)
	require.True(t, pool.Leased(page))

	require.NoError(t, pool.Release(page))
	require.False(t, pool.Leased(page))

	again, err := pool.Acquire(ctx, 0, "example.com")
	require.NoError(t, err)
	require.Same(t, page, again)

	_, created, _ := factory.counts()
	require.Equal(t, 1, created)
}

func TestReleaseRejectsPageThatIsNotLeased(t *testing.T) {
	pool := New(Config{MaxPages: 1}, &fakeFactory{})

	page, err := pool.Acquire(context.Background(), 0, "")
	require.NoError(t, err)
	require.NoError(t, pool.Release(page))
	require.ErrorIs(t, pool.Release(page), ErrNotLeased)
}

func TestPriorityOrdering(t *testing.T) {
	pool := New(Config{MaxPages: 1}, &fakeFactory{})
	ctx := context.Background()

	holder, err := pool.Acquire(ctx, 0, "")
	require.NoError(t, err)

	order := make(chan int, 3)
	var wg sync.WaitGroup
	for i, prio := range []int{0, 5, 1} {
		wg.Add(1)
		go func(prio int) {
			defer wg.Done()
			page, err := pool.Acquire(ctx, prio, "")
			if !assert.NoError(t, err) {
				return
			}
			order <- prio
			assert.NoError(t, pool.Release(page))
		}(prio)
		waitQueued(t, pool, i+1)
	}

	require.NoError(t, pool.Release(holder))
	wg.Wait()
	close(order)

	var got []int
	for prio := range order {
		got = append(got, prio)
	}
	require.Equal(t, []int{5, 1, 0}, got)
}

func TestEqualPriorityIsFIFO(t *testing.T) {
	pool := New(Config{MaxPages: 1}, &fakeFactory{})
	ctx := context.Background()

	holder, err := pool.Acquire(ctx, 3, "")
	require.NoError(t, err)

	order := make(chan int, 4)
	var wg sync.WaitGroup
	for i := range 4 {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			page, err := pool.Acquire(ctx, 3, "")
			if !assert.NoError(t, err) {
				return
			}
			order <- id
			assert.NoError(t, pool.Release(page))
		}(i)
		waitQueued(t, pool, i+1)
	}

	require.NoError(t, pool.Release(holder))
	wg.Wait()
	close(order)

	var got []int
	for id := range order {
		got = append(got, id)
	}
	require.Equal(t, []int{0, 1, 2, 3}, got)
}

func TestCapacityIsNeverExceeded(t *testing.T) {
	factory := &fakeFactory{}
	pool := New(Config{MaxPages: 2}, factory)
	ctx := context.Background()

	var (
		mu         sync.Mutex
		concurrent int
		peak       int
		wg         sync.WaitGroup
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			page, err := pool.Acquire(ctx, 0, "")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			concurrent++
			if concurrent > peak {
				peak = concurrent
			}
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			concurrent--
			mu.Unlock()
			assert.NoError(t, pool.Release(page))
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, peak, 2)
	_, created, _ := factory.counts()
	require.LessOrEqual(t, created, 2)
	stats := pool.Stats()
	require.Equal(t, 0, stats.Leased)
	require.Equal(t, 0, stats.Queued)
}

func TestQueueTimeoutDoesNotAffectOtherWaiters(t *testing.T) {
	pool := New(Config{MaxPages: 1}, &fakeFactory{})

	holder, err := pool.Acquire(context.Background(), 0, "")
	require.NoError(t, err)

	longCtx, cancelLong := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelLong()
	longDone := make(chan error, 1)
	go func() {
		page, err := pool.Acquire(longCtx, 0, "")
		if err == nil {
			err = pool.Release(page)
		}
		longDone <- err
	}()
	waitQueued(t, pool, 1)

	shortCtx, cancelShort := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancelShort()
	start := time.Now()
	_, err = pool.Acquire(shortCtx, 0, "")
	require.ErrorIs(t, err, ErrQueueTimeout)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	require.Equal(t, 1, pool.Stats().Queued)

	require.NoError(t, pool.Release(holder))
	require.NoError(t, <-longDone)
}

func TestQueueFull(t *testing.T) {
	pool := New(Config{MaxPages: 1, MaxQueueDepth: 1}, &fakeFactory{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	holder, err := pool.Acquire(ctx, 0, "")
	require.NoError(t, err)

	go func() { _, _ = pool.Acquire(ctx, 0, "") }()
	waitQueued(t, pool, 1)

	_, err = pool.Acquire(ctx, 9, "")
	require.ErrorIs(t, err, ErrQueueFull)
	require.NoError(t, pool.Release(holder))
}

func TestFailAllRejectsQueuedRequestsWithSameError(t *testing.T) {
	factory := &fakeFactory{}
	pool := New(Config{MaxPages: 1}, factory)
	ctx := context.Background()

	holder, err := pool.Acquire(ctx, 0, "")
	require.NoError(t, err)

	errs := make(chan error, 2)
	for i := range 2 {
		go func() {
			_, err := pool.Acquire(ctx, 0, "")
			errs <- err
		}()
		waitQueued(t, pool, i+1)
	}

	reason := errors.New("browser disconnected")
	require.Equal(t, 2, pool.FailAll(reason))
	require.Equal(t, 0, pool.Stats().Queued)

	first, second := <-errs, <-errs
	require.ErrorIs(t, first, ErrServiceCrippled)
	require.ErrorIs(t, first, reason)
	require.Equal(t, first, second)

	_, err = pool.Acquire(ctx, 0, "")
	require.ErrorIs(t, err, ErrServiceCrippled)

	// Leased pages are closed on release while crippled.
	require.NoError(t, pool.Release(holder))
	require.Equal(t, 0, pool.Stats().Pages)
	_, _, closed := factory.counts()
	require.Equal(t, 1, closed)

	pool.Recover()
	page, err := pool.Acquire(ctx, 0, "")
	require.NoError(t, err)
	require.Equal(t, uint64(2), page.Serial)
}

func TestCreationFailureRetriesAgainstQueue(t *testing.T) {
	factory := &fakeFactory{failures: 1}
	pool := New(Config{MaxPages: 1, RetryDelay: 10 * time.Millisecond}, factory)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	page, err := pool.Acquire(ctx, 0, "")
	require.NoError(t, err)
	require.NotNil(t, page)

	attempts, created, _ := factory.counts()
	require.Equal(t, 2, attempts)
	require.Equal(t, 1, created)
}

func TestDiscardReplacesBrokenPageForWaiter(t *testing.T) {
	factory := &fakeFactory{}
	pool := New(Config{MaxPages: 1}, factory)
	ctx := context.Background()

	broken, err := pool.Acquire(ctx, 0, "")
	require.NoError(t, err)

	got := make(chan *Page, 1)
	go func() {
		page, err := pool.Acquire(ctx, 0, "")
		assert.NoError(t, err)
		got <- page
	}()
	waitQueued(t, pool, 1)

	require.NoError(t, pool.Discard(broken, errors.New("target crashed")))
	replacement := <-got
	require.NotSame(t, broken, replacement)
	require.Equal(t, uint64(2), replacement.Serial)
	require.ErrorIs(t, pool.Discard(broken, nil), ErrNotLeased)
}

func TestLatePageAfterDeadlineIsNotLeaked(t *testing.T) {
	factory := &fakeFactory{}
	pool := New(Config{MaxPages: 1}, factory)

	broken, err := pool.Acquire(context.Background(), 0, "")
	require.NoError(t, err)

	gate := make(chan struct{})
	factory.mu.Lock()
	factory.gate = gate
	factory.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := pool.Acquire(ctx, 0, "")
		done <- err
	}()
	waitQueued(t, pool, 1)

	// The replacement is created for the waiter but stalls past its deadline.
	require.NoError(t, pool.Discard(broken, errors.New("crash")))
	require.Eventually(t, func() bool { return pool.Stats().Creating == 1 }, time.Second, time.Millisecond)
	time.Sleep(80 * time.Millisecond)
	close(gate)

	require.ErrorIs(t, <-done, ErrQueueTimeout)
	require.Eventually(t, func() bool {
		stats := pool.Stats()
		return stats.Pages == 1 && stats.Idle == 1 && stats.Leased == 0 && stats.Creating == 0
	}, time.Second, time.Millisecond)
}

func TestAcquireHonorsDeadlineWhileCreationHangs(t *testing.T) {
	gate := make(chan struct{})
	factory := &fakeFactory{gate: gate}
	pool := New(Config{MaxPages: 1, CreateTimeout: 5 * time.Second}, factory)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := pool.Acquire(ctx, 0, "example.com")
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrQueueTimeout)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, elapsed, time.Second)
	require.Equal(t, 1, pool.Stats().Creating)

	// The page finished after its caller left and serves the next one.
	close(gate)
	require.Eventually(t, func() bool { return pool.Stats().Idle == 1 }, time.Second, time.Millisecond)

	page, err := pool.Acquire(context.Background(), 0, "example.com")
	require.NoError(t, err)
	require.Equal(t, uint64(1), page.Serial)
	_, created, _ := factory.counts()
	require.Equal(t, 1, created)
}

func TestAbandonedCreationServesNextWaiter(t *testing.T) {
	gate := make(chan struct{})
	factory := &fakeFactory{gate: gate}
	pool := New(Config{MaxPages: 1, CreateTimeout: 5 * time.Second}, factory)

	short, cancelShort := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancelShort()
	_, err := pool.Acquire(short, 0, "")
	require.ErrorIs(t, err, ErrQueueTimeout)

	got := make(chan *Page, 1)
	go func() {
		page, err := pool.Acquire(context.Background(), 0, "")
		assert.NoError(t, err)
		got <- page
	}()
	waitQueued(t, pool, 1)

	close(gate)
	page := <-got
	require.Equal(t, uint64(1), page.Serial)
	require.True(t, pool.Leased(page))
	_, created, _ := factory.counts()
	require.Equal(t, 1, created)
}

func TestReleaseLeasesToWaiterBeforeReturning(t *testing.T) {
	pool := New(Config{MaxPages: 1}, &fakeFactory{})

	holder, err := pool.Acquire(context.Background(), 0, "")
	require.NoError(t, err)

	got := make(chan *Page, 1)
	go func() {
		page, err := pool.Acquire(context.Background(), 0, "")
		assert.NoError(t, err)
		got <- page
	}()
	waitQueued(t, pool, 1)

	require.NoError(t, pool.Release(holder))
	require.True(t, pool.Leased(holder))
	stats := pool.Stats()
	require.Equal(t, 0, stats.Queued)
	require.Equal(t, 0, stats.Idle)
	require.Equal(t, 1, stats.Leased)

	require.Same(t, holder, <-got)
}

func TestRejectTagged(t *testing.T) {
	pool := New(Config{MaxPages: 1}, &fakeFactory{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	holder, err := pool.Acquire(ctx, 0, "")
	require.NoError(t, err)

	blocked := errors.New("domain blocked")
	results := make(chan error, 3)
	for i, tag := range []string{"bad.example", "good.example", "bad.example"} {
		go func(tag string) {
			page, err := pool.Acquire(ctx, 0, tag)
			if err == nil {
				err = pool.Release(page)
			}
			results <- err
		}(tag)
		waitQueued(t, pool, i+1)
	}

	require.Equal(t, 2, pool.RejectTagged("bad.example", blocked))
	require.ErrorIs(t, <-results, blocked)
	require.ErrorIs(t, <-results, blocked)
	require.Equal(t, 1, pool.Stats().Queued)

	require.NoError(t, pool.Release(holder))
	require.NoError(t, <-results)
}

func TestReapClosesOnlyIdlePagesPastTimeout(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	factory := &fakeFactory{}
	pool := New(Config{MaxPages: 2, IdleTimeout: time.Minute}, factory, WithClock(clock.Now))
	ctx := context.Background()

	idle, err := pool.Acquire(ctx, 0, "")
	require.NoError(t, err)
	busy, err := pool.Acquire(ctx, 0, "")
	require.NoError(t, err)
	require.NoError(t, pool.Release(idle))

	clock.Advance(30 * time.Second)
	require.Equal(t, 0, pool.reap())

	clock.Advance(31 * time.Second)
	require.Equal(t, 1, pool.reap())

	stats := pool.Stats()
	require.Equal(t, 1, stats.Pages)
	require.Equal(t, 1, stats.Leased)
	require.True(t, pool.Leased(busy))
	_, _, closed := factory.counts()
	require.Equal(t, 1, closed)
}

func TestCloseRejectsWaiters(t *testing.T) {
	pool := New(Config{MaxPages: 1}, &fakeFactory{})
	ctx := context.Background()

	holder, err := pool.Acquire(ctx, 0, "")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := pool.Acquire(ctx, 0, "")
		done <- err
	}()
	waitQueued(t, pool, 1)

	pool.Close()
	require.ErrorIs(t, <-done, ErrClosed)
	require.NoError(t, pool.Release(holder))
	require.Equal(t, 0, pool.Stats().Pages)
}
