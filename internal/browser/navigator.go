package browser

import (
	"context"
	"fmt"
	"iter"
	"net/http"
	"strings"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/llm-reader/internal/crawler"
)

const (
	cleanupTimeout = 5 * time.Second
	sampleScript   = `({
		text: document.body ? document.body.innerText : "",
		elements: document.getElementsByTagName("*").length,
		description: (document.querySelector('meta[name="description"]') || {}).content || ""
	})`
)

// Navigator loads pages in tabs opened by a Browser.
type Navigator struct {
	browser  *Browser
	interval time.Duration
	logger   *zap.Logger
}

var _ crawler.Navigator = (*Navigator)(nil)

// NewNavigator returns a Navigator for tabs of b.
func NewNavigator(b *Browser, logger *zap.Logger) *Navigator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Navigator{browser: b, interval: b.cfg.SampleInterval, logger: logger.Named("navigator")}
}

type pageSample struct {
	Text        string `json:"text"`
	Elements    int    `json:"elements"`
	Description string `json:"description"`
}

// Snapshots navigates the tab and yields a snapshot every sample interval
// until ctx ends or the consumer stops.
func (n *Navigator) Snapshots(ctx context.Context, handle any, target string, opts crawler.Options) iter.Seq2[crawler.Snapshot, error] {
	return func(yield func(crawler.Snapshot, error) bool) {
		t, err := n.tab(handle)
		if err != nil {
			yield(crawler.Snapshot{}, err)
			return
		}
		taskCtx, cancel := taskContext(ctx, t)
		defer cancel()
		defer n.cleanup(t)

		t.meta.reset()
		if err := chromedp.Run(taskCtx, prepare(target, opts, n.browser.cfg.UserAgent)...); err != nil {
			yield(crawler.Snapshot{}, n.classify(t, fmt.Errorf("prepare page: %w", err)))
			return
		}

		navErr := n.navigate(taskCtx, target, opts)
		if navErr != nil && taskCtx.Err() != nil {
			yield(crawler.Snapshot{}, n.classify(t, navErr))
			return
		}
		if navErr != nil {
			n.logger.Debug("navigation incomplete, sampling anyway", zap.String("url", target), zap.Error(navErr))
		}

		ticker := time.NewTicker(n.interval)
		defer ticker.Stop()
		for {
			snap, err := n.sample(taskCtx, t)
			if err != nil {
				yield(crawler.Snapshot{}, n.classify(t, err))
				return
			}
			if !yield(snap, nil) {
				return
			}
			if len(snap.PDF) > 0 {
				return
			}
			select {
			case <-taskCtx.Done():
				yield(crawler.Snapshot{}, n.classify(t, taskCtx.Err()))
				return
			case <-ticker.C:
			}
		}
	}
}

// Screenshot captures the current viewport, or the whole page.
func (n *Navigator) Screenshot(ctx context.Context, handle any, fullPage bool) ([]byte, error) {
	t, err := n.tab(handle)
	if err != nil {
		return nil, err
	}
	taskCtx, cancel := taskContext(ctx, t)
	defer cancel()

	var buf []byte
	action := chromedp.CaptureScreenshot(&buf)
	if fullPage {
		action = chromedp.FullScreenshot(&buf, 100)
	}
	if err := chromedp.Run(taskCtx, action); err != nil {
		return nil, n.classify(t, fmt.Errorf("screenshot: %w", err))
	}
	return buf, nil
}

func (n *Navigator) tab(handle any) (*tab, error) {
	t, ok := handle.(*tab)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected handle %T", crawler.ErrPageBroken, handle)
	}
	if t.ctx.Err() != nil {
		return nil, fmt.Errorf("%w: tab closed", crawler.ErrPageBroken)
	}
	if gen := n.browser.currentGeneration(); gen != t.generation {
		return nil, fmt.Errorf("%w: tab from browser generation %d, now %d", crawler.ErrPageBroken, t.generation, gen)
	}
	return t, nil
}

// classify marks err as fatal for the tab when the tab itself is gone.
func (n *Navigator) classify(t *tab, err error) error {
	if t.ctx.Err() != nil || t.meta.snapshot().crashed {
		return fmt.Errorf("%w: %w", crawler.ErrPageBroken, err)
	}
	return err
}

// navigate loads target with a share of the budget so a page that never
// fires load can still be sampled.
func (n *Navigator) navigate(ctx context.Context, target string, opts crawler.Options) error {
	navCtx, cancel := context.WithTimeout(ctx, navigationBudget(ctx, opts.Timeout))
	defer cancel()
	actions := []chromedp.Action{chromedp.Navigate(target)}
	for _, sel := range opts.WaitForSelector {
		actions = append(actions, chromedp.WaitVisible(sel, chromedp.ByQuery))
	}
	return chromedp.Run(navCtx, actions...)
}

func (n *Navigator) sample(ctx context.Context, t *tab) (crawler.Snapshot, error) {
	doc := t.meta.snapshot()
	snap := crawler.Snapshot{StatusCode: doc.statusCode, URL: doc.url, CapturedAt: time.Now()}

	if isPDF(doc.mimeType) && doc.requestID != "" {
		err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
			body, err := network.GetResponseBody(doc.requestID).Do(ctx)
			snap.PDF = body
			return err
		}))
		if err != nil {
			return crawler.Snapshot{}, fmt.Errorf("read pdf body: %w", err)
		}
		return snap, nil
	}

	var (
		location string
		html     string
		extra    pageSample
	)
	err := chromedp.Run(ctx,
		chromedp.Title(&snap.Title),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.Evaluate(sampleScript, &extra),
	)
	if err != nil {
		return crawler.Snapshot{}, fmt.Errorf("sample page: %w", err)
	}
	if location != "" {
		snap.URL = location
	}
	snap.HTML = html
	snap.Text = extra.Text
	snap.Description = extra.Description
	snap.ElementCount = extra.Elements
	return snap, nil
}

// cleanup resets the tab for its next lease.
func (n *Navigator) cleanup(t *tab) {
	if t.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(t.ctx, cleanupTimeout)
	defer cancel()
	err := chromedp.Run(ctx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			return network.ClearBrowserCookies().Do(ctx)
		}),
		chromedp.Navigate("about:blank"),
	)
	if err != nil {
		n.logger.Debug("tab cleanup failed", zap.Error(err))
	}
}

// prepare applies per-request emulation. The user agent falls back to
// defaultUA so an override from a previous lease does not leak.
func prepare(target string, opts crawler.Options, defaultUA string) []chromedp.Action {
	actions := []chromedp.Action{
		chromedp.ActionFunc(func(ctx context.Context) error {
			w, h := int64(opts.Viewport.Width), int64(opts.Viewport.Height)
			if w <= 0 || h <= 0 {
				return emulation.ClearDeviceMetricsOverride().Do(ctx)
			}
			return emulation.SetDeviceMetricsOverride(w, h, 1, false).Do(ctx)
		}),
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = defaultUA
	}
	if ua != "" {
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			return emulation.SetUserAgentOverride(ua).Do(ctx)
		}))
	}
	if len(opts.Cookies) > 0 {
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			for _, c := range opts.Cookies {
				if err := cookieParams(target, c).Do(ctx); err != nil {
					return fmt.Errorf("set cookie %q: %w", c.Name, err)
				}
			}
			return nil
		}))
	}
	return actions
}

func cookieParams(target string, c *http.Cookie) *network.SetCookieParams {
	p := network.SetCookie(c.Name, c.Value)
	if c.Domain != "" {
		p = p.WithDomain(c.Domain)
		if c.Path != "" {
			p = p.WithPath(c.Path)
		}
	} else {
		p = p.WithURL(target)
	}
	if c.Secure {
		p = p.WithSecure(true)
	}
	if c.HttpOnly {
		p = p.WithHTTPOnly(true)
	}
	return p
}

// taskContext derives a command context from the tab that also ends when
// ctx does.
func taskContext(ctx context.Context, t *tab) (context.Context, context.CancelFunc) {
	var (
		taskCtx context.Context
		cancel  context.CancelFunc
	)
	if deadline, ok := ctx.Deadline(); ok {
		taskCtx, cancel = context.WithDeadline(t.ctx, deadline)
	} else {
		taskCtx, cancel = context.WithCancel(t.ctx)
	}
	stop := forwardCancel(ctx, cancel)
	return taskCtx, func() {
		stop()
		cancel()
	}
}

// navigationBudget is three quarters of the time left, or of fallback when
// ctx has no deadline.
func navigationBudget(ctx context.Context, fallback time.Duration) time.Duration {
	remaining := fallback
	if deadline, ok := ctx.Deadline(); ok {
		remaining = time.Until(deadline)
	}
	if remaining <= 0 {
		return 0
	}
	return remaining * 3 / 4
}

func isPDF(mimeType string) bool {
	return strings.EqualFold(strings.TrimSpace(strings.Split(mimeType, ";")[0]), "application/pdf")
}

func (b *Browser) currentGeneration() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.generation
}
