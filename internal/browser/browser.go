// Package browser runs headless Chrome through chromedp. Browser is the page
// factory behind the page pool and Navigator drives leased tabs.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("browser closed")

// Config controls the Chrome process.
type Config struct {
	Headless   bool
	NoSandbox  bool
	UserAgent  string
	ChromePath string
	// SampleInterval spaces snapshots while a page stabilizes (default 500ms).
	SampleInterval time.Duration
}

// Browser owns one Chrome process and opens tabs in it.
type Browser struct {
	cfg    Config
	logger *zap.Logger

	mu            sync.Mutex
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	generation    uint64
	closed        bool
	onDisconnect  func(error)
}

// tab is the pool handle for one Chrome target.
type tab struct {
	ctx        context.Context
	cancel     context.CancelFunc
	meta       *responseMeta
	generation uint64
}

// Launch starts Chrome and waits for it to accept commands.
func Launch(ctx context.Context, cfg Config, logger *zap.Logger) (*Browser, error) {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Browser{cfg: cfg, logger: logger.Named("browser")}
	if err := b.start(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Browser) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", b.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("mute-audio", true),
	)
	if b.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(b.cfg.UserAgent))
	}
	if b.cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if b.cfg.ChromePath != "" {
		opts = append(opts, chromedp.ExecPath(b.cfg.ChromePath))
	}
	return opts
}

func (b *Browser) start(ctx context.Context) error {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), b.allocatorOptions()...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	stop := forwardCancel(ctx, browserCancel)
	err := chromedp.Run(browserCtx)
	stop()
	if err != nil {
		browserCancel()
		allocCancel()
		return fmt.Errorf("chromedp warmup: %w", err)
	}

	b.mu.Lock()
	b.generation++
	gen := b.generation
	b.allocCancel, b.browserCtx, b.browserCancel = allocCancel, browserCtx, browserCancel
	b.mu.Unlock()

	go b.watch(gen, browserCtx)
	b.logger.Info("chrome started", zap.Uint64("generation", gen), zap.Bool("headless", b.cfg.Headless))
	return nil
}

// watch reports an unexpected end of the browser context, which chromedp
// cancels when the DevTools connection is lost.
func (b *Browser) watch(gen uint64, browserCtx context.Context) {
	<-browserCtx.Done()
	b.mu.Lock()
	current := gen == b.generation && !b.closed
	fn := b.onDisconnect
	b.mu.Unlock()
	if !current {
		return
	}
	cause := context.Cause(browserCtx)
	b.logger.Error("lost connection to chrome", zap.Uint64("generation", gen), zap.Error(cause))
	if fn != nil {
		fn(fmt.Errorf("chrome connection lost: %w", cause))
	}
}

// OnDisconnect registers fn to run when Chrome goes away unexpectedly.
func (b *Browser) OnDisconnect(fn func(error)) {
	b.mu.Lock()
	b.onDisconnect = fn
	b.mu.Unlock()
}

// Restart kills the current process, if any, and launches a new one. Tabs
// from the previous process become unusable.
func (b *Browser) Restart(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.generation++
	browserCancel, allocCancel := b.browserCancel, b.allocCancel
	b.mu.Unlock()

	if browserCancel != nil {
		browserCancel()
		allocCancel()
	}
	return b.start(ctx)
}

// Close shuts Chrome down.
func (b *Browser) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	browserCtx, browserCancel, allocCancel := b.browserCtx, b.browserCancel, b.allocCancel
	b.mu.Unlock()

	var err error
	if browserCtx != nil {
		err = chromedp.Cancel(browserCtx)
		browserCancel()
		allocCancel()
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// NewPage implements pagepool.Factory by opening a tab.
func (b *Browser) NewPage(ctx context.Context) (any, error) {
	b.mu.Lock()
	if b.closed || b.browserCtx == nil {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	parent, gen := b.browserCtx, b.generation
	b.mu.Unlock()

	tabCtx, cancel := chromedp.NewContext(parent)
	meta := newResponseMeta()
	chromedp.ListenTarget(tabCtx, meta.listen)

	stop := forwardCancel(ctx, cancel)
	err := chromedp.Run(tabCtx, network.Enable())
	stop()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open tab: %w", err)
	}
	return &tab{ctx: tabCtx, cancel: cancel, meta: meta, generation: gen}, nil
}

// ClosePage implements pagepool.Factory.
func (b *Browser) ClosePage(handle any) error {
	t, ok := handle.(*tab)
	if !ok {
		return fmt.Errorf("unexpected page handle %T", handle)
	}
	if t.ctx.Err() != nil {
		return nil
	}
	err := chromedp.Cancel(t.ctx)
	t.cancel()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}

// responseMeta records what the main document response looked like.
type responseMeta struct {
	mu         sync.Mutex
	requestID  network.RequestID
	statusCode int
	mimeType   string
	url        string
	crashed    bool
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) listen(ev any) {
	switch e := ev.(type) {
	case *network.EventResponseReceived:
		if e.Type != network.ResourceTypeDocument || e.Response == nil {
			return
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.requestID != "" {
			return
		}
		m.requestID = e.RequestID
		m.statusCode = int(e.Response.Status)
		m.mimeType = e.Response.MimeType
		m.url = e.Response.URL
	case *inspector.EventTargetCrashed:
		m.mu.Lock()
		m.crashed = true
		m.mu.Unlock()
	}
}

func (m *responseMeta) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestID, m.statusCode, m.mimeType, m.url = "", 0, "", ""
}

type documentInfo struct {
	requestID  network.RequestID
	statusCode int
	mimeType   string
	url        string
	crashed    bool
}

func (m *responseMeta) snapshot() documentInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return documentInfo{requestID: m.requestID, statusCode: m.statusCode, mimeType: m.mimeType, url: m.url, crashed: m.crashed}
}
