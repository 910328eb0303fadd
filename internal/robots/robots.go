// Package robots evaluates robots.txt for crawl targets. Rules are cached per
// host for a TTL and every fetch or parse failure allows the crawl.
package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/llm-reader/internal/metrics"
)

// Config tunes the Gate.
type Config struct {
	// TTL is how long fetched rules are reused (default 1h).
	TTL time.Duration
	// FetchTimeout bounds a robots.txt download (default 10s).
	FetchTimeout time.Duration
	Client       *http.Client
}

// Decision is the outcome of a robots check.
type Decision struct {
	Allowed    bool
	CrawlDelay time.Duration
}

type entry struct {
	fetched time.Time
	rules   *robotstxt.RobotsData
}

// Gate checks robots.txt and paces hosts that declare a crawl delay.
type Gate struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	cache  map[string]entry
	pacers map[string]*rate.Limiter
}

// New builds a Gate.
func New(cfg Config, logger *zap.Logger) *Gate {
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.FetchTimeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		cfg:    cfg,
		logger: logger.Named("robots"),
		now:    time.Now,
		cache:  make(map[string]entry),
		pacers: make(map[string]*rate.Limiter),
	}
}

// Check evaluates target against the host's robots.txt for userAgent.
func (g *Gate) Check(ctx context.Context, target *url.URL, userAgent string) Decision {
	rules, err := g.rules(ctx, target, userAgent)
	if err != nil {
		g.logger.Warn("robots fetch failed; allowing access", zap.String("host", target.Host), zap.Error(err))
		return Decision{Allowed: true}
	}
	group := rules.FindGroup(userAgent)
	if group == nil {
		return Decision{Allowed: true}
	}
	path := target.EscapedPath()
	if path == "" {
		path = "/"
	}
	if target.RawQuery != "" {
		path += "?" + target.RawQuery
	}
	return Decision{Allowed: group.Test(path), CrawlDelay: group.CrawlDelay}
}

// Pace tracks the host's crawl-delay schedule without blocking. It returns how
// far ahead of that schedule the request runs, zero when it is on pace. The
// delay is advisory: callers log or meter it and carry on.
func (g *Gate) Pace(target *url.URL, delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	host := strings.ToLower(target.Host)

	g.mu.Lock()
	limiter, ok := g.pacers[host]
	if !ok || limiter.Limit() != rate.Every(delay) {
		limiter = rate.NewLimiter(rate.Every(delay), 1)
		g.pacers[host] = limiter
	}
	g.mu.Unlock()

	if limiter.Allow() {
		return 0
	}
	reservation := limiter.Reserve()
	ahead := reservation.Delay()
	reservation.Cancel()
	metrics.ObserveRobotsDelay(host, ahead)
	return ahead
}

func (g *Gate) rules(ctx context.Context, target *url.URL, userAgent string) (*robotstxt.RobotsData, error) {
	host := strings.ToLower(target.Host)

	g.mu.Lock()
	cached, ok := g.cache[host]
	g.mu.Unlock()
	if ok && g.now().Sub(cached.fetched) < g.cfg.TTL {
		return cached.rules, nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, g.cfg.FetchTimeout)
	defer cancel()
	robotsURL := url.URL{Scheme: target.Scheme, Host: target.Host, Path: "/robots.txt"}
	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, robotsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}
	resp, err := g.cfg.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			g.logger.Debug("close robots body", zap.Error(cerr))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	rules, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}

	g.mu.Lock()
	g.cache[host] = entry{fetched: g.now(), rules: rules}
	g.mu.Unlock()
	return rules, nil
}
