// Package pagepool leases a bounded set of browser pages to concurrent crawls.
// Demand beyond the pool size waits in a priority queue; higher priority is
// served first and equal priorities are served in arrival order.
package pagepool

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/llm-reader/internal/metrics"
)

var (
	// ErrQueueTimeout is returned when the caller's deadline passes before a page is available.
	ErrQueueTimeout = errors.New("timed out waiting for a page")
	// ErrQueueFull is returned when MaxQueueDepth requests are already waiting.
	ErrQueueFull = errors.New("page request queue is full")
	// ErrServiceCrippled wraps the reason passed to FailAll.
	ErrServiceCrippled = errors.New("browser unavailable")
	// ErrNotLeased is returned when releasing a page that is not currently leased.
	ErrNotLeased = errors.New("page is not leased")
	// ErrClosed is returned once the pool has been closed.
	ErrClosed = errors.New("page pool closed")
)

// Factory opens and closes the browser pages the pool manages.
type Factory interface {
	NewPage(ctx context.Context) (any, error)
	ClosePage(handle any) error
}

// Config sizes the pool.
type Config struct {
	MaxPages     int
	IdleTimeout  time.Duration
	ReapInterval time.Duration
	// MaxQueueDepth bounds waiting requests; 0 means unbounded.
	MaxQueueDepth int
	CreateTimeout time.Duration
	// RetryDelay spaces dispatch attempts after a failed page creation.
	RetryDelay time.Duration
}

// Page is a pooled browser page. Handle is owned by the Factory.
type Page struct {
	Serial    uint64
	CreatedAt time.Time
	Handle    any

	inUse      bool
	lastUsedAt time.Time
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Pages    int
	Idle     int
	Leased   int
	Creating int
	Queued   int
}

// Option customizes a Pool.
type Option func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger.Named("pagepool")
		}
	}
}

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

// Pool owns every page and the wait queue behind a single mutex.
type Pool struct {
	cfg     Config
	factory Factory
	logger  *zap.Logger
	now     func() time.Time
	serial  atomic.Uint64

	mu           sync.Mutex
	pages        []*Page
	idle         []*Page
	leased       int
	creating     int
	queue        requestHeap
	seq          uint64
	crippled     error
	closed       bool
	retryPending bool
}

// New builds a Pool. Pages are created lazily on demand.
func New(cfg Config, factory Factory, opts ...Option) *Pool {
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 1
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 30 * time.Second
	}
	if cfg.CreateTimeout <= 0 {
		cfg.CreateTimeout = 30 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 250 * time.Millisecond
	}
	p := &Pool{
		cfg:     cfg,
		factory: factory,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Acquire leases a page, waiting in the queue until ctx is done when the pool
// is at capacity. tag identifies the requester (the target host) so queued
// requests can be rejected in bulk with RejectTagged. Acquire never waits past
// ctx, not even on a slow page creation; a page that finishes after its caller
// left is parked as idle for the next waiter.
func (p *Pool) Acquire(ctx context.Context, priority int, tag string) (*Page, error) {
	start := p.now()

	p.mu.Lock()
	if err := p.unavailableLocked(); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	if page := p.popIdleLocked(); page != nil {
		p.leaseLocked(page)
		p.publishLocked()
		p.mu.Unlock()
		metrics.ObserveAcquireWait("idle", 0)
		return page, nil
	}
	if p.cfg.MaxQueueDepth > 0 && p.queue.Len() >= p.cfg.MaxQueueDepth {
		p.mu.Unlock()
		metrics.ObserveAcquireWait("full", 0)
		return nil, ErrQueueFull
	}
	p.seq++
	req := &request{
		priority:   priority,
		seq:        p.seq,
		enqueuedAt: start,
		tag:        tag,
		ch:         make(chan result, 1),
	}
	heap.Push(&p.queue, req)
	p.dispatchLocked()
	p.mu.Unlock()

	return p.await(ctx, req)
}

func (p *Pool) await(ctx context.Context, req *request) (*Page, error) {
	select {
	case res := <-req.ch:
		p.observeWait(req, res)
		return res.page, res.err
	case <-ctx.Done():
	}
	timeout := fmt.Errorf("%w: %w", ErrQueueTimeout, ctx.Err())

	// Every send on req.ch happens under p.mu, so the checks below see a
	// settled request.
	p.mu.Lock()
	if req.index >= 0 {
		heap.Remove(&p.queue, req.index)
		p.publishLocked()
		p.mu.Unlock()
		p.observeWait(req, result{err: timeout})
		return nil, timeout
	}
	select {
	case res := <-req.ch:
		p.mu.Unlock()
		if res.err != nil {
			p.observeWait(req, res)
			return nil, res.err
		}
		// Leased on the same pass the deadline fired.
		if err := p.Release(res.page); err != nil {
			p.logger.Warn("hand back of late page failed", zap.Uint64("serial", res.page.Serial), zap.Error(err))
		}
	default:
		// A page is still being created for this request; createFor parks it.
		req.abandoned = true
		p.mu.Unlock()
	}
	p.observeWait(req, result{err: timeout})
	return nil, timeout
}

func (p *Pool) observeWait(req *request, res result) {
	outcome := "queued"
	switch err := res.err; {
	case err == nil && res.created:
		outcome = "created"
	case err == nil:
	case errors.Is(err, ErrQueueTimeout):
		outcome = "timeout"
	case errors.Is(err, ErrServiceCrippled):
		outcome = "crippled"
	default:
		outcome = "rejected"
	}
	metrics.ObserveAcquireWait(outcome, p.now().Sub(req.enqueuedAt))
}

// Release returns a leased page to the pool and hands it to the next waiter.
func (p *Pool) Release(page *Page) error {
	p.mu.Lock()
	if page == nil || !page.inUse {
		p.mu.Unlock()
		return ErrNotLeased
	}
	page.inUse = false
	page.lastUsedAt = p.now()
	p.leased--

	if p.crippled != nil || p.closed {
		p.removeLocked(page)
		p.publishLocked()
		p.mu.Unlock()
		p.closePage(page, "shutdown")
		return nil
	}
	p.idle = append(p.idle, page)
	p.dispatchLocked()
	p.mu.Unlock()
	return nil
}

// Discard closes a leased page that can no longer be trusted (a crashed tab)
// and frees its slot for a replacement.
func (p *Pool) Discard(page *Page, reason error) error {
	p.mu.Lock()
	if page == nil || !page.inUse {
		p.mu.Unlock()
		return ErrNotLeased
	}
	page.inUse = false
	p.leased--
	p.removeLocked(page)
	p.dispatchLocked()
	p.mu.Unlock()

	p.logger.Warn("discarding broken page", zap.Uint64("serial", page.Serial), zap.Error(reason))
	p.closePage(page, "broken")
	return nil
}

// FailAll marks the pool crippled: every queued request is rejected with the
// same error, idle pages are closed and Acquire fails fast until Recover.
// It returns the number of rejected requests.
func (p *Pool) FailAll(reason error) int {
	err := fmt.Errorf("%w: %w", ErrServiceCrippled, reason)

	p.mu.Lock()
	p.crippled = err
	rejected := p.queue.Len()
	for p.queue.Len() > 0 {
		req := heap.Pop(&p.queue).(*request)
		req.ch <- result{err: err}
	}
	idle := p.idle
	p.idle = nil
	for _, page := range idle {
		p.removeLocked(page)
	}
	p.publishLocked()
	p.mu.Unlock()

	for _, page := range idle {
		p.closePage(page, "crippled")
	}
	p.logger.Error("browser lost, pool crippled", zap.Int("rejected", rejected), zap.Error(reason))
	return rejected
}

// Recover clears the crippled state after the browser is back.
func (p *Pool) Recover() {
	p.mu.Lock()
	p.crippled = nil
	p.dispatchLocked()
	p.mu.Unlock()
	p.logger.Info("pool recovered")
}

// Crippled reports the error set by FailAll, or nil.
func (p *Pool) Crippled() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.crippled
}

// RejectTagged fails every queued request carrying tag with err and returns
// how many were rejected. Leased pages are unaffected.
func (p *Pool) RejectTagged(tag string, err error) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	var victims []*request
	for _, req := range p.queue {
		if req.tag == tag {
			victims = append(victims, req)
		}
	}
	for _, req := range victims {
		heap.Remove(&p.queue, req.index)
		req.ch <- result{err: err}
	}
	p.publishLocked()
	return len(victims)
}

// Start runs the idle reaper until ctx is done.
func (p *Pool) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(p.cfg.ReapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := p.reap(); n > 0 {
					p.logger.Debug("reaped idle pages", zap.Int("count", n))
				}
			}
		}
	}()
}

func (p *Pool) reap() int {
	if p.cfg.IdleTimeout <= 0 {
		return 0
	}
	now := p.now()

	p.mu.Lock()
	var expired []*Page
	kept := p.idle[:0]
	for _, page := range p.idle {
		if now.Sub(page.lastUsedAt) > p.cfg.IdleTimeout {
			expired = append(expired, page)
			continue
		}
		kept = append(kept, page)
	}
	p.idle = kept
	for _, page := range expired {
		p.removeLocked(page)
	}
	p.publishLocked()
	p.mu.Unlock()

	for _, page := range expired {
		p.closePage(page, "idle")
	}
	return len(expired)
}

// Close rejects queued requests and closes idle pages. Leased pages are
// closed as they are released.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	for p.queue.Len() > 0 {
		req := heap.Pop(&p.queue).(*request)
		req.ch <- result{err: ErrClosed}
	}
	idle := p.idle
	p.idle = nil
	for _, page := range idle {
		p.removeLocked(page)
	}
	p.publishLocked()
	p.mu.Unlock()

	for _, page := range idle {
		p.closePage(page, "shutdown")
	}
}

// Stats returns current pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Pages:    len(p.pages),
		Idle:     len(p.idle),
		Leased:   p.leased,
		Creating: p.creating,
		Queued:   p.queue.Len(),
	}
}

// Leased reports whether page is currently leased.
func (p *Pool) Leased(page *Page) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return page.inUse
}

// dispatchLocked hands idle pages (or newly created ones, while under
// capacity) to the highest priority waiters. Callers hold p.mu.
func (p *Pool) dispatchLocked() {
	for p.queue.Len() > 0 {
		if page := p.popIdleLocked(); page != nil {
			req := heap.Pop(&p.queue).(*request)
			p.leaseLocked(page)
			req.ch <- result{page: page}
			continue
		}
		if p.crippled != nil || p.closed || p.retryPending || p.sizeLocked() >= p.cfg.MaxPages {
			break
		}
		req := heap.Pop(&p.queue).(*request)
		p.creating++
		go p.createFor(req)
	}
	p.publishLocked()
}

func (p *Pool) createFor(req *request) {
	page, err := p.create()

	p.mu.Lock()
	p.creating--
	if err == nil {
		p.pages = append(p.pages, page)
		if uerr := p.unavailableLocked(); uerr != nil {
			p.removeLocked(page)
			if !req.abandoned {
				req.ch <- result{err: uerr}
			}
			p.publishLocked()
			p.mu.Unlock()
			p.closePage(page, "crippled")
			return
		}
		if req.abandoned {
			p.idle = append(p.idle, page)
			p.dispatchLocked()
			p.mu.Unlock()
			p.logger.Debug("caller left before page was ready, parked as idle", zap.Uint64("serial", page.Serial))
			return
		}
		p.leaseLocked(page)
		req.ch <- result{page: page, created: true}
		p.publishLocked()
		p.mu.Unlock()
		return
	}

	p.logger.Warn("page creation failed", zap.Error(err))
	switch uerr := p.unavailableLocked(); {
	case req.abandoned:
		if p.queue.Len() > 0 {
			p.scheduleRetryLocked()
		}
	case uerr != nil:
		req.ch <- result{err: uerr}
	default:
		// Keeps its original seq, so it goes back to the head of its priority.
		heap.Push(&p.queue, req)
		p.scheduleRetryLocked()
	}
	p.publishLocked()
	p.mu.Unlock()
}

func (p *Pool) scheduleRetryLocked() {
	if p.retryPending {
		return
	}
	p.retryPending = true
	time.AfterFunc(p.cfg.RetryDelay, func() {
		p.mu.Lock()
		p.retryPending = false
		p.dispatchLocked()
		p.mu.Unlock()
	})
}

func (p *Pool) create() (*Page, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.CreateTimeout)
	defer cancel()
	handle, err := p.factory.NewPage(ctx)
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	now := p.now()
	page := &Page{
		Serial:     p.serial.Add(1),
		CreatedAt:  now,
		Handle:     handle,
		lastUsedAt: now,
	}
	p.logger.Debug("page created", zap.Uint64("serial", page.Serial))
	return page, nil
}

func (p *Pool) closePage(page *Page, reason string) {
	metrics.ObservePageClosed(reason)
	if err := p.factory.ClosePage(page.Handle); err != nil {
		p.logger.Debug("close page failed", zap.Uint64("serial", page.Serial), zap.String("reason", reason), zap.Error(err))
	}
}

func (p *Pool) unavailableLocked() error {
	if p.closed {
		return ErrClosed
	}
	return p.crippled
}

func (p *Pool) sizeLocked() int {
	return len(p.pages) + p.creating
}

func (p *Pool) popIdleLocked() *Page {
	n := len(p.idle)
	if n == 0 {
		return nil
	}
	page := p.idle[n-1]
	p.idle[n-1] = nil
	p.idle = p.idle[:n-1]
	return page
}

func (p *Pool) leaseLocked(page *Page) {
	page.inUse = true
	p.leased++
}

func (p *Pool) removeLocked(page *Page) {
	for i, candidate := range p.pages {
		if candidate == page {
			p.pages = append(p.pages[:i], p.pages[i+1:]...)
			break
		}
	}
	for i, candidate := range p.idle {
		if candidate == page {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			break
		}
	}
}

func (p *Pool) publishLocked() {
	metrics.SetPoolState(len(p.idle), p.leased, p.creating, p.queue.Len())
}
