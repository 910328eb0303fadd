package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/llm-reader/internal/browser"
	"github.com/JakeFAU/llm-reader/internal/events"
)

type scriptedRestarter struct {
	mu    sync.Mutex
	errs  []error
	calls int
	gate  chan struct{}
}

func (r *scriptedRestarter) Restart(context.Context) error {
	if r.gate != nil {
		<-r.gate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if len(r.errs) == 0 {
		return nil
	}
	err := r.errs[0]
	r.errs = r.errs[1:]
	return err
}

func (r *scriptedRestarter) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type countingPool struct {
	failed    atomic.Int32
	recovered atomic.Int32
}

func (p *countingPool) FailAll(error) int {
	p.failed.Add(1)
	return 3
}

func (p *countingPool) Recover() { p.recovered.Add(1) }

type recordingEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (e *recordingEmitter) Emit(evt events.Event) {
	e.mu.Lock()
	e.events = append(e.events, evt)
	e.mu.Unlock()
}

func (e *recordingEmitter) Kinds() []events.Kind {
	e.mu.Lock()
	defer e.mu.Unlock()
	kinds := make([]events.Kind, 0, len(e.events))
	for _, evt := range e.events {
		kinds = append(kinds, evt.Kind)
	}
	return kinds
}

func newTestSupervisor(t *testing.T, ctx context.Context, r restarter, pool failer, em events.Emitter) *supervisor {
	t.Helper()
	s := newSupervisor(ctx, r, pool, em, zaptest.NewLogger(t))
	s.minBackoff = time.Millisecond
	s.maxBackoff = 4 * time.Millisecond
	return s
}

func TestSupervisorRestartsAndRecovers(t *testing.T) {
	t.Parallel()

	r := &scriptedRestarter{errs: []error{errors.New("no chrome"), errors.New("still no chrome")}}
	pool := &countingPool{}
	em := &recordingEmitter{}
	s := newTestSupervisor(t, context.Background(), r, pool, em)

	s.onDisconnect(errors.New("ws closed"))
	s.wait()

	require.Equal(t, 3, r.Calls())
	require.EqualValues(t, 1, pool.failed.Load())
	require.EqualValues(t, 1, pool.recovered.Load())
	require.Equal(t, []events.Kind{events.KindCrippled, events.KindRecovered}, em.Kinds())
	require.Contains(t, em.events[0].Note, "rejected 3 queued requests")
	require.Contains(t, em.events[1].Note, "3 attempt(s)")
}

func TestSupervisorRunsOneRestartLoop(t *testing.T) {
	t.Parallel()

	r := &scriptedRestarter{gate: make(chan struct{})}
	pool := &countingPool{}
	em := &recordingEmitter{}
	s := newTestSupervisor(t, context.Background(), r, pool, em)

	s.onDisconnect(errors.New("first"))
	s.onDisconnect(errors.New("second"))
	close(r.gate)
	s.wait()

	require.Equal(t, 1, r.Calls())
	require.EqualValues(t, 2, pool.failed.Load())
	require.EqualValues(t, 1, pool.recovered.Load())
	require.Equal(t, []events.Kind{events.KindCrippled, events.KindCrippled, events.KindRecovered}, em.Kinds())
}

func TestSupervisorStopsWhenBrowserClosed(t *testing.T) {
	t.Parallel()

	r := &scriptedRestarter{errs: []error{browser.ErrClosed}}
	pool := &countingPool{}
	em := &recordingEmitter{}
	s := newTestSupervisor(t, context.Background(), r, pool, em)

	s.onDisconnect(errors.New("gone"))
	s.wait()

	require.Equal(t, 1, r.Calls())
	require.Zero(t, pool.recovered.Load())
	require.Equal(t, []events.Kind{events.KindCrippled}, em.Kinds())
}

func TestSupervisorStopsOnShutdown(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	failing := make([]error, 100)
	for i := range failing {
		failing[i] = errors.New("launch failed")
	}
	r := &scriptedRestarter{errs: failing}
	pool := &countingPool{}
	s := newTestSupervisor(t, ctx, r, pool, &recordingEmitter{})
	s.maxBackoff = time.Hour
	s.minBackoff = time.Hour

	s.onDisconnect(errors.New("gone"))
	require.Eventually(t, func() bool { return r.Calls() == 1 }, time.Second, time.Millisecond)
	cancel()
	s.wait()

	require.Zero(t, pool.recovered.Load())
}
