package crawler

import (
	"context"
	"errors"
	"iter"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	blockmem "github.com/JakeFAU/llm-reader/internal/blockade/memory"
	cachemem "github.com/JakeFAU/llm-reader/internal/cache/memory"
	"github.com/JakeFAU/llm-reader/internal/events"
	"github.com/JakeFAU/llm-reader/internal/pagepool"
	"github.com/JakeFAU/llm-reader/internal/robots"
)

const articleHTML = `<html><head><title>Example Domain</title></head>
<body><article><h1>Example Domain</h1><p>For use in examples. <a href="/more">More</a></p>
<img src="/logo.png" alt="Logo"></article></body></html>`

type pageFactory struct {
	mu     sync.Mutex
	made   int
	closed int
}

func (f *pageFactory) NewPage(context.Context) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.made++
	return f.made, nil
}

func (f *pageFactory) ClosePage(any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *pageFactory) closedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// scriptedNavigator yields the same script for every navigation.
type scriptedNavigator struct {
	mu     sync.Mutex
	script []Snapshot
	err    error
	shot   []byte
	calls  int
	pulled int
	// block makes Snapshots wait for ctx after the script runs out.
	block bool
}

func (n *scriptedNavigator) Snapshots(ctx context.Context, _ any, target string, _ Options) iter.Seq2[Snapshot, error] {
	n.mu.Lock()
	n.calls++
	n.mu.Unlock()
	return func(yield func(Snapshot, error) bool) {
		for _, snap := range n.script {
			if snap.URL == "" {
				snap.URL = target
			}
			n.mu.Lock()
			n.pulled++
			n.mu.Unlock()
			if !yield(snap, nil) {
				return
			}
		}
		if n.err != nil {
			yield(Snapshot{}, n.err)
			return
		}
		if n.block {
			<-ctx.Done()
		}
	}
}

func (n *scriptedNavigator) Screenshot(context.Context, any, bool) ([]byte, error) {
	if n.shot == nil {
		return nil, errors.New("no screenshot")
	}
	return n.shot, nil
}

func (n *scriptedNavigator) navigations() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls
}

func stableScript(html string) []Snapshot {
	return []Snapshot{
		{HTML: "<html></html>"},
		{Title: "Example Domain", HTML: html, Text: "Example Domain For use in examples.", ElementCount: 8, StatusCode: 200},
		{Title: "Example Domain", HTML: html, Text: "Example Domain For use in examples.", ElementCount: 8, StatusCode: 200},
	}
}

type stubDirect struct {
	mu    sync.Mutex
	calls int
	opts  Options
	snap  Snapshot
	err   error
}

func (d *stubDirect) Fetch(_ context.Context, target string, opts Options) (Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.opts = opts
	snap := d.snap
	snap.URL = target
	return snap, d.err
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingEmitter) Emit(evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) last(t *testing.T) events.Event {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.events)
	return r.events[len(r.events)-1]
}

type mockRobots struct {
	mock.Mock
}

func (m *mockRobots) Check(ctx context.Context, target *url.URL, userAgent string) robots.Decision {
	args := m.Called(ctx, target, userAgent)
	return args.Get(0).(robots.Decision)
}

func (m *mockRobots) Pace(target *url.URL, delay time.Duration) time.Duration {
	args := m.Called(target, delay)
	return args.Get(0).(time.Duration)
}

type mockBlobs struct {
	mock.Mock
}

func (m *mockBlobs) PutObject(ctx context.Context, path, contentType string, data []byte) (string, error) {
	args := m.Called(ctx, path, contentType, data)
	return args.String(0), args.Error(1)
}

type detectorFunc func(Snapshot) string

func (f detectorFunc) Inspect(s Snapshot) string { return f(s) }

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	orch      *Orchestrator
	pool      *pagepool.Pool
	factory   *pageFactory
	nav       *scriptedNavigator
	direct    *stubDirect
	cache     *cachemem.Cache
	blockades *blockmem.Store
	events    *recordingEmitter
	clock     *clock
}

func newHarness(t *testing.T, mutate func(*Deps, *Settings)) *harness {
	t.Helper()
	h := &harness{
		factory: &pageFactory{},
		nav:     &scriptedNavigator{script: stableScript(articleHTML)},
		direct:  &stubDirect{snap: Snapshot{Title: "Direct", HTML: articleHTML, StatusCode: 200}},
		events:  &recordingEmitter{},
		clock:   &clock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)},
	}
	h.pool = pagepool.New(pagepool.Config{MaxPages: 1}, h.factory)
	t.Cleanup(h.pool.Close)
	h.cache = cachemem.New(h.clock.Now)
	h.blockades = blockmem.New(h.clock.Now)

	deps := Deps{
		Pages:     h.pool,
		Navigator: h.nav,
		Direct:    h.direct,
		Cache:     h.cache,
		Blockades: h.blockades,
		Events:    h.events,
		Now:       h.clock.Now,
	}
	settings := Settings{
		CacheEnabled: true,
		Defaults: Defaults{
			Timeout:     2 * time.Second,
			MaxTimeout:  5 * time.Second,
			MaxPriority: 10,
			Viewport:    Viewport{Width: 1024, Height: 768},
		},
	}
	if mutate != nil {
		mutate(&deps, &settings)
	}
	orch, err := New(deps, settings)
	require.NoError(t, err)
	h.orch = orch
	return h
}

func requireKind(t *testing.T, err error, kind ErrorKind) *Error {
	t.Helper()
	require.Error(t, err)
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, kind, cerr.Kind, cerr.Error())
	return cerr
}
