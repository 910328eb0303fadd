package crawler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/url"
	"path"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/llm-reader/internal/blockade"
	"github.com/JakeFAU/llm-reader/internal/cache"
	"github.com/JakeFAU/llm-reader/internal/events"
	"github.com/JakeFAU/llm-reader/internal/extract"
	"github.com/JakeFAU/llm-reader/internal/format"
	"github.com/JakeFAU/llm-reader/internal/metrics"
	"github.com/JakeFAU/llm-reader/internal/pagepool"
	"github.com/JakeFAU/llm-reader/internal/telemetry"
)

const screenshotTimeout = 15 * time.Second

// Settings are the orchestrator knobs that can change while serving.
type Settings struct {
	DeniedDomains   []string
	RespectRobots   bool
	RobotsUserAgent string
	CacheEnabled    bool
	Defaults        Defaults
}

// Deps are the collaborators an Orchestrator drives. Pages and Navigator are
// required for the browser engine, Direct for the direct engine; Cache,
// Robots, Detector and Blobs are optional.
type Deps struct {
	Pages     Pages
	Navigator Navigator
	Direct    DirectFetcher
	Cache     cache.Cache
	Blockades blockade.Store
	Robots    RobotsGate
	Detector  AbuseDetector
	Blobs     BlobStore
	Events    events.Emitter
	Logger    *zap.Logger
	Now       func() time.Time
}

type settingsState struct {
	Settings
	deny *denyList
}

// Orchestrator runs crawls. It is safe for concurrent use.
type Orchestrator struct {
	deps     Deps
	logger   *zap.Logger
	now      func() time.Time
	settings atomic.Pointer[settingsState]
	flight   singleflight.Group
}

// New validates deps and builds an Orchestrator.
func New(deps Deps, settings Settings) (*Orchestrator, error) {
	if deps.Navigator == nil && deps.Direct == nil {
		return nil, errors.New("crawler: a navigator or direct fetcher is required")
	}
	if deps.Navigator != nil && deps.Pages == nil {
		return nil, errors.New("crawler: navigator requires a page pool")
	}
	if deps.Blockades == nil {
		return nil, errors.New("crawler: blockade store is required")
	}
	if deps.Events == nil {
		deps.Events = events.Discard
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	o := &Orchestrator{
		deps:   deps,
		logger: deps.Logger.Named("crawler"),
		now:    deps.Now,
	}
	o.UpdateSettings(settings)
	return o, nil
}

// UpdateSettings swaps in new settings for crawls that start afterwards.
func (o *Orchestrator) UpdateSettings(s Settings) {
	o.settings.Store(&settingsState{Settings: s, deny: newDenyList(s.DeniedDomains)})
}

// Settings returns the active settings.
func (o *Orchestrator) Settings() Settings {
	return o.settings.Load().Settings
}

// outcome accumulates what the deferred report needs.
type outcome struct {
	url         string
	host        string
	engine      Engine
	fromCache   bool
	statusCode  int
	bytes       int
	abuseReason string
}

// Crawl loads rawURL and renders it per opts. Every returned error is an
// *Error. The leased page is always returned to the pool and a crawled event
// is always emitted.
func (o *Orchestrator) Crawl(ctx context.Context, rawURL string, opts Options) (res format.Result, err error) {
	st := o.settings.Load()
	opts = opts.withDefaults(st.Defaults)
	start := o.now()
	out := &outcome{url: rawURL, engine: o.engineFor(opts)}

	ctx, span := telemetry.Tracer().Start(ctx, "crawler.crawl", trace.WithAttributes(
		attribute.String("crawl.url", rawURL),
		attribute.String("crawl.format", string(opts.RespondWith)),
		attribute.String("crawl.engine", string(out.engine)),
	))
	defer func() {
		err = o.report(ctx, span, out, start, err)
		span.End()
	}()

	target, err := ValidateTarget(rawURL)
	if err != nil {
		return format.Result{}, err
	}
	out.url = target.String()
	out.host = blockade.NormalizeDomain(target.Host)

	if err := o.checkBlocked(ctx, st, out.host); err != nil {
		return format.Result{}, err
	}
	if err := o.checkRobots(ctx, st, target, opts); err != nil {
		return format.Result{}, err
	}
	span.AddEvent("admitted")

	var key string
	if st.CacheEnabled && o.deps.Cache != nil && opts.Cacheable() {
		key = cache.Key(NormalizeURL(target), string(opts.RespondWith), opts.UserAgent)
		if snap, ok := o.lookup(ctx, key, opts); ok {
			span.AddEvent("cache hit")
			out.fromCache = true
			out.statusCode, out.bytes = snap.StatusCode, len(snap.HTML)
			snap, err := o.extract(snap, opts)
			if err != nil {
				return format.Result{}, err
			}
			return o.render(ctx, snap, opts)
		}
	}

	snap, err := o.load(ctx, target, opts, out.engine, key)
	if err != nil {
		return format.Result{}, err
	}
	span.AddEvent("page loaded")
	if snap.URL == "" {
		snap.URL = out.url
	}
	out.statusCode, out.bytes = snap.StatusCode, len(snap.HTML)+len(snap.PDF)
	if out.url != snap.URL && snap.URL != "" {
		span.SetAttributes(attribute.String("crawl.final_url", snap.URL))
	}

	if o.deps.Detector != nil {
		if reason := o.deps.Detector.Inspect(snap); reason != "" {
			out.abuseReason = reason
			return format.Result{}, NewError(KindBlocked, fmt.Errorf("bot wall detected: %s", reason))
		}
	}

	snap, err = o.extract(snap, opts)
	if err != nil {
		return format.Result{}, err
	}
	res, err = o.render(ctx, snap, opts)
	if err != nil {
		return format.Result{}, err
	}
	if key != "" {
		o.store(ctx, key, snap)
	}
	return res, nil
}

func (o *Orchestrator) engineFor(opts Options) Engine {
	switch {
	case o.deps.Direct == nil:
		return EngineBrowser
	case o.deps.Navigator == nil:
		return EngineDirect
	case opts.RespondWith.IsImage():
		return EngineBrowser
	case opts.Engine == EngineDirect, opts.ProxyURL != "":
		// Pooled tabs share one browser process, so per-request proxies go
		// through the direct engine.
		return EngineDirect
	default:
		return EngineBrowser
	}
}

func (o *Orchestrator) checkBlocked(ctx context.Context, st *settingsState, host string) error {
	if st.deny.blocks(host) {
		return &Error{Kind: KindBlocked, Msg: "Domain is not allowed", Err: fmt.Errorf("%s is on the deny list", host)}
	}
	b, err := o.deps.Blockades.Active(ctx, host)
	if err != nil {
		o.logger.Warn("blockade lookup failed; allowing crawl", zap.String("host", host), zap.Error(err))
		return nil
	}
	if b != nil {
		return NewError(KindBlocked, fmt.Errorf("%s blocked until %s: %s", host, b.ExpireAt.Format(time.RFC3339), b.TriggerReason))
	}
	return nil
}

func (o *Orchestrator) checkRobots(ctx context.Context, st *settingsState, target *url.URL, opts Options) error {
	if o.deps.Robots == nil || (!st.RespectRobots && opts.RobotsUserAgent == "") {
		return nil
	}
	agent := opts.RobotsUserAgent
	if agent == "" {
		agent = st.RobotsUserAgent
	}
	decision := o.deps.Robots.Check(ctx, target, agent)
	if !decision.Allowed {
		return NewError(KindDisallowed, fmt.Errorf("%s disallowed for %q", target.String(), agent))
	}
	if decision.CrawlDelay <= 0 {
		return nil
	}
	if ahead := o.deps.Robots.Pace(target, decision.CrawlDelay); ahead > 0 {
		o.logger.Info("crawl runs ahead of robots crawl-delay",
			zap.String("host", target.Host),
			zap.Duration("crawl_delay", decision.CrawlDelay),
			zap.Duration("ahead", ahead),
		)
	}
	return nil
}

func (o *Orchestrator) lookup(ctx context.Context, key string, opts Options) (Snapshot, bool) {
	entry, ok, err := o.deps.Cache.Get(ctx, key)
	switch {
	case err != nil:
		o.logger.Warn("cache lookup failed", zap.String("key", key), zap.Error(err))
		metrics.ObserveCacheLookup("error")
		return Snapshot{}, false
	case !ok:
		metrics.ObserveCacheLookup("miss")
		return Snapshot{}, false
	case opts.CacheTolerance > 0 && entry.Age(o.now()) > opts.CacheTolerance:
		metrics.ObserveCacheLookup("stale")
		return Snapshot{}, false
	}
	var snap Snapshot
	if err := json.Unmarshal(entry.Payload, &snap); err != nil {
		o.logger.Warn("cache entry undecodable", zap.String("key", key), zap.Error(err))
		metrics.ObserveCacheLookup("error")
		return Snapshot{}, false
	}
	metrics.ObserveCacheLookup("hit")
	return snap, true
}

func (o *Orchestrator) store(ctx context.Context, key string, snap Snapshot) {
	payload, err := json.Marshal(snap)
	if err != nil {
		o.logger.Warn("encode cache entry", zap.Error(err))
		return
	}
	now := o.now()
	entry := cache.Entry{
		Payload:  payload,
		StoredAt: now,
		TTL:      cache.FreshnessTTL(now, snap.PublishedAt, snap.Title, snap.Text),
	}
	if err := o.deps.Cache.Set(ctx, key, entry); err != nil {
		o.logger.Warn("cache store failed", zap.String("key", key), zap.Error(err))
	}
}

// load captures the page, collapsing identical concurrent cacheable crawls.
func (o *Orchestrator) load(ctx context.Context, target *url.URL, opts Options, engine Engine, key string) (Snapshot, error) {
	if key == "" {
		return o.capture(ctx, target, opts, engine)
	}
	flightKey := fmt.Sprintf("%s|%s|%dx%d|%v", key, engine, opts.Viewport.Width, opts.Viewport.Height, opts.WaitForSelector)
	ch := o.flight.DoChan(flightKey, func() (any, error) {
		// The flight is shared, so it must not end with whichever caller
		// started it. capture bounds every stage with opts.Timeout.
		return o.capture(context.WithoutCancel(ctx), target, opts, engine)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return Snapshot{}, r.Err
		}
		return r.Val.(Snapshot), nil
	case <-ctx.Done():
		return Snapshot{}, NewError(KindQueueTimeout, ctx.Err())
	}
}

func (o *Orchestrator) capture(ctx context.Context, target *url.URL, opts Options, engine Engine) (Snapshot, error) {
	if engine == EngineDirect {
		fetchCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
		snap, err := o.deps.Direct.Fetch(fetchCtx, target.String(), opts)
		if err != nil {
			return Snapshot{}, NewError(KindNavigation, err)
		}
		return snap, nil
	}

	acquireCtx, cancelAcquire := context.WithTimeout(ctx, opts.Timeout)
	page, err := o.deps.Pages.Acquire(acquireCtx, opts.Priority, blockade.NormalizeDomain(target.Host))
	cancelAcquire()
	if err != nil {
		return Snapshot{}, AsError(err)
	}
	var pageErr error
	defer func() { o.giveBack(page, pageErr) }()

	navCtx, cancelNav := context.WithTimeout(ctx, opts.Timeout)
	defer cancelNav()
	snap, err := stabilize(navCtx, o.deps.Navigator.Snapshots(navCtx, page.Handle, target.String(), opts))
	if err != nil {
		pageErr = err
		return Snapshot{}, err
	}

	if opts.RespondWith.IsImage() {
		shotCtx, cancelShot := context.WithTimeout(ctx, screenshotTimeout)
		defer cancelShot()
		shot, err := o.deps.Navigator.Screenshot(shotCtx, page.Handle, opts.FullPage)
		if err != nil {
			pageErr = err
			return Snapshot{}, NewError(KindNavigation, fmt.Errorf("screenshot: %w", err))
		}
		snap.Screenshot = shot
	}
	return snap, nil
}

func (o *Orchestrator) giveBack(page *pagepool.Page, cause error) {
	if errors.Is(cause, ErrPageBroken) {
		if err := o.deps.Pages.Discard(page, cause); err != nil {
			o.logger.Warn("discard page", zap.Uint64("serial", page.Serial), zap.Error(err))
		}
		return
	}
	if err := o.deps.Pages.Release(page); err != nil {
		o.logger.Warn("release page", zap.Uint64("serial", page.Serial), zap.Error(err))
	}
}

// stabilize consumes samples until two consecutive ready snapshots share a
// fingerprint or the stream ends. When the deadline passes first, the last
// ready snapshot wins, then the last snapshot with any markup.
func stabilize(ctx context.Context, samples iter.Seq2[Snapshot, error]) (Snapshot, error) {
	var (
		ready, fallback         Snapshot
		haveReady, haveFallback bool
		prev                    fingerprint
		havePrev                bool
	)
	for snap, err := range samples {
		if err != nil {
			if !errors.Is(err, ErrPageBroken) && haveReady && ctx.Err() != nil {
				break
			}
			return Snapshot{}, NewError(KindNavigation, err)
		}
		if snap.HTML != "" || len(snap.PDF) > 0 {
			fallback, haveFallback = snap, true
		}
		if !snap.Ready() {
			havePrev = false
			continue
		}
		fp := snap.fingerprint()
		ready, haveReady = snap, true
		if havePrev && fp == prev {
			return ready, nil
		}
		prev, havePrev = fp, true
	}
	switch {
	case haveReady:
		return ready, nil
	case haveFallback:
		return fallback, nil
	case ctx.Err() != nil:
		return Snapshot{}, NewError(KindNavigation, fmt.Errorf("page not ready before deadline: %w", ctx.Err()))
	default:
		return Snapshot{}, NewError(KindNavigation, errors.New("navigation produced no snapshot"))
	}
}

// extract attaches the readable article to snap.
func (o *Orchestrator) extract(snap Snapshot, opts Options) (Snapshot, error) {
	if snap.HTML == "" {
		return snap, nil
	}
	art, err := extract.Parse(snap.HTML, snap.URL, extract.Options{
		TargetSelector: opts.TargetSelector,
		RemoveSelector: opts.RemoveSelector,
	})
	if err != nil {
		partial := snap
		return snap, &Error{Kind: KindExtraction, Err: err, Partial: &partial}
	}
	snap.Parsed = art
	if snap.Title == "" {
		snap.Title = art.Title
	}
	if snap.Description == "" {
		snap.Description = art.Description
	}
	if snap.PublishedAt == nil {
		snap.PublishedAt = art.PublishedAt
	}
	return snap, nil
}

func (o *Orchestrator) render(ctx context.Context, snap Snapshot, opts Options) (format.Result, error) {
	in := format.Input{
		Kind:         opts.RespondWith,
		URL:          snap.URL,
		Title:        snap.Title,
		Description:  snap.Description,
		HTML:         snap.HTML,
		Text:         snap.Text,
		Article:      snap.Parsed,
		PublishedAt:  snap.PublishedAt,
		Metadata:     map[string]string{},
		LinksSummary: opts.WithLinksSummary,
		ImageSummary: opts.WithImagesSummary,
	}
	if art := snap.Parsed; art != nil && (len(opts.TargetSelector) > 0 || len(opts.RemoveSelector) > 0) {
		in.HTML, in.Text = art.ContentHTML, art.Text
	}
	if len(snap.PDF) > 0 {
		in.Metadata["contentType"] = "application/pdf"
		if opts.PDFAction == "store" && o.deps.Blobs != nil {
			uri, err := o.deps.Blobs.PutObject(ctx, blobPath("pdf", "pdf"), "application/pdf", snap.PDF)
			if err != nil {
				return format.Result{}, o.extractionFailure(snap, fmt.Errorf("store pdf: %w", err))
			}
			in.Metadata["pdfUrl"] = uri
		}
	}
	if opts.RespondWith.IsImage() {
		if o.deps.Blobs == nil || len(snap.Screenshot) == 0 {
			return format.Result{}, o.extractionFailure(snap, errors.New("screenshot storage unavailable"))
		}
		uri, err := o.deps.Blobs.PutObject(ctx, blobPath(string(opts.RespondWith), "png"), "image/png", snap.Screenshot)
		if err != nil {
			return format.Result{}, o.extractionFailure(snap, fmt.Errorf("store screenshot: %w", err))
		}
		in.ScreenshotURL = uri
	}
	res, err := format.Render(in)
	if err != nil {
		return format.Result{}, o.extractionFailure(snap, err)
	}
	return res, nil
}

func (o *Orchestrator) extractionFailure(snap Snapshot, err error) *Error {
	partial := snap
	partial.Screenshot = nil
	return &Error{Kind: KindExtraction, Err: err, Partial: &partial}
}

func blobPath(kind, ext string) string {
	return path.Join(kind, time.Now().UTC().Format("2006/01/02"), uuid.NewString()+"."+ext)
}

// report emits the crawled event and records metrics and span status. It
// returns err normalized to *Error. A failure after the caller went away is
// reported as canceled, since it says nothing about the site.
func (o *Orchestrator) report(ctx context.Context, span trace.Span, out *outcome, start time.Time, err error) error {
	dur := o.now().Sub(start)
	label := events.OutcomeOK
	var cerr *Error
	if err != nil {
		cerr = AsError(err)
		label = string(cerr.Kind)
		if ctx.Err() != nil {
			label = events.OutcomeCanceled
		}
		span.RecordError(cerr)
		span.SetStatus(codes.Error, cerr.Message())
		fields := []zap.Field{zap.String("url", out.url), zap.String("kind", label), zap.Error(cerr)}
		switch {
		case label == events.OutcomeCanceled:
			o.logger.Info("crawl canceled by caller", fields...)
		case cerr.Kind == KindInvalidInput, cerr.Kind == KindNotFound, cerr.Kind == KindBlocked, cerr.Kind == KindDisallowed:
			o.logger.Info("crawl rejected", fields...)
		default:
			o.logger.Warn("crawl failed", fields...)
		}
	}

	evt := events.New(events.KindCrawled)
	evt.Host = out.host
	evt.URL = out.url
	evt.Engine = string(out.engine)
	evt.Outcome = label
	evt.AbuseReason = out.abuseReason
	evt.FromCache = out.fromCache
	evt.StatusCode = out.statusCode
	evt.Bytes = out.bytes
	evt.Dur = dur
	o.deps.Events.Emit(evt)

	metrics.ObserveCrawl(string(out.engine), label, metrics.SanitizeSite(out.url), out.bytes, dur)
	span.SetAttributes(attribute.String("crawl.outcome", label), attribute.Bool("crawl.from_cache", out.fromCache))
	if cerr == nil {
		return nil
	}
	return cerr
}
