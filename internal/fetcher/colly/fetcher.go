// Package collyfetcher loads pages over plain HTTP using gocolly. It backs
// the direct engine: no browser, no scripts, one snapshot per fetch.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/llm-reader/internal/crawler"
)

// ErrEmptyResponse is returned when the server answered without a usable body.
var ErrEmptyResponse = errors.New("empty response")

// Config controls collector behavior.
type Config struct {
	UserAgent string
	// Timeout bounds a fetch when the request context has no deadline.
	Timeout      time.Duration
	MaxBodyBytes int
}

// Fetcher implements crawler.DirectFetcher with a fresh collector per fetch
// over a shared transport.
type Fetcher struct {
	cfg       Config
	transport *http.Transport
	logger    *zap.Logger
}

var _ crawler.DirectFetcher = (*Fetcher)(nil)

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnHTML(string, colly.HTMLCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 10 << 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{cfg: cfg, transport: newHTTPTransport(), logger: logger.Named("direct")}
}

// Fetch issues a single GET for target.
func (f *Fetcher) Fetch(ctx context.Context, target string, opts crawler.Options) (crawler.Snapshot, error) {
	var (
		snap     crawler.Snapshot
		fetchErr error
	)
	collector, err := f.buildCollector(ctx, target, opts)
	if err != nil {
		return crawler.Snapshot{}, err
	}
	f.configureCollectorHooks(collector, &snap, &fetchErr)

	if err := collector.Visit(target); err != nil {
		if ctx.Err() != nil {
			return crawler.Snapshot{}, fmt.Errorf("direct fetch canceled: %w", ctx.Err())
		}
		return crawler.Snapshot{}, fmt.Errorf("direct fetch %s: %w", target, err)
	}
	if fetchErr != nil {
		return crawler.Snapshot{}, fmt.Errorf("direct response %s: %w", target, fetchErr)
	}
	if snap.HTML == "" && len(snap.PDF) == 0 {
		return crawler.Snapshot{}, fmt.Errorf("direct response %s: %w", target, ErrEmptyResponse)
	}
	snap.CapturedAt = time.Now()
	f.logger.Debug("direct fetch",
		zap.String("url", snap.URL),
		zap.Int("status", snap.StatusCode),
		zap.Int("bytes", len(snap.HTML)+len(snap.PDF)),
	)
	return snap, nil
}

func (f *Fetcher) buildCollector(ctx context.Context, target string, opts crawler.Options) (*colly.Collector, error) {
	collector := colly.NewCollector(
		colly.StdlibContext(ctx),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
		colly.MaxBodySize(f.cfg.MaxBodyBytes),
	)
	collector.IgnoreRobotsTxt = true
	collector.UserAgent = f.cfg.UserAgent
	if opts.UserAgent != "" {
		collector.UserAgent = opts.UserAgent
	}

	timeout := f.cfg.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	collector.SetRequestTimeout(timeout)

	if opts.ProxyURL != "" {
		collector.WithTransport(f.transport.Clone())
		if err := collector.SetProxy(opts.ProxyURL); err != nil {
			return nil, fmt.Errorf("proxy %q: %w", opts.ProxyURL, err)
		}
	} else {
		collector.WithTransport(f.transport)
	}

	if len(opts.Cookies) > 0 {
		if err := collector.SetCookies(target, opts.Cookies); err != nil {
			return nil, fmt.Errorf("set cookies: %w", err)
		}
	}
	return collector, nil
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, snap *crawler.Snapshot, fetchErr *error) {
	hooks.OnResponse(func(r *colly.Response) {
		snap.URL = r.Request.URL.String()
		snap.StatusCode = r.StatusCode
		if isPDF(r.Headers) {
			snap.PDF = append([]byte(nil), r.Body...)
			return
		}
		snap.HTML = string(r.Body)
	})

	hooks.OnHTML("html", func(e *colly.HTMLElement) {
		snap.ElementCount = e.DOM.Find("*").Length() + 1
		snap.Title = strings.TrimSpace(e.DOM.Find("head > title").First().Text())
		if desc, ok := e.DOM.Find(`meta[name="description"]`).Attr("content"); ok {
			snap.Description = strings.TrimSpace(desc)
		}
		snap.Text = strings.TrimSpace(e.DOM.Find("body").Text())
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			err = fmt.Errorf("status %d: %w", r.StatusCode, err)
		}
		*fetchErr = err
	})
}

func isPDF(h *http.Header) bool {
	if h == nil {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(h.Get("Content-Type"))
	return err == nil && mediaType == "application/pdf"
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
