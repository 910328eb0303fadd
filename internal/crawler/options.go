package crawler

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/llm-reader/internal/format"
)

// Engine selects how a page is loaded.
type Engine string

const (
	// EngineBrowser leases a pooled headless browser page.
	EngineBrowser Engine = "browser"
	// EngineDirect issues a plain HTTP request with no page lease.
	EngineDirect Engine = "direct"
)

// Viewport is the emulated browser window size in CSS pixels.
type Viewport struct {
	Width  int
	Height int
}

// Options is the per-request crawl configuration. Build it with ParseOptions
// or a literal; the orchestrator never mutates it.
type Options struct {
	RespondWith format.Kind
	// JSON wraps the response in the JSON envelope.
	JSON              bool
	Timeout           time.Duration
	Viewport          Viewport
	FullPage          bool
	WaitForSelector   []string
	TargetSelector    []string
	RemoveSelector    []string
	Cookies           []*http.Cookie
	ProxyURL          string
	UserAgent         string
	NoCache           bool
	CacheTolerance    time.Duration
	WithLinksSummary  bool
	WithImagesSummary bool
	// WithGeneratedAlt is accepted for compatibility and ignored.
	WithGeneratedAlt bool
	PDFAction        string
	Engine           Engine
	Priority         int
	// RobotsUserAgent forces a robots.txt check as this agent.
	RobotsUserAgent string
}

// Defaults fills in values a request leaves unset.
type Defaults struct {
	Timeout     time.Duration
	MaxTimeout  time.Duration
	MaxPriority int
	Viewport    Viewport
}

// Header names recognized by ParseOptions. The lowercase form is also
// accepted as a query or form parameter.
const (
	HeaderRespondWith     = "X-Respond-With"
	HeaderTimeout         = "X-Timeout"
	HeaderWaitForSelector = "X-Wait-For-Selector"
	HeaderTargetSelector  = "X-Target-Selector"
	HeaderRemoveSelector  = "X-Remove-Selector"
	HeaderSetCookie       = "X-Set-Cookie"
	HeaderProxyURL        = "X-Proxy-Url"
	HeaderUserAgent       = "X-User-Agent"
	HeaderViewportWidth   = "X-Viewport-Width"
	HeaderViewportHeight  = "X-Viewport-Height"
	HeaderFullPage        = "X-Full-Page"
	HeaderPDFAction       = "X-PDF-Action"
	HeaderNoCache         = "X-No-Cache"
	HeaderCacheTolerance  = "X-Cache-Tolerance"
	HeaderLinksSummary    = "X-With-Links-Summary"
	HeaderImagesSummary   = "X-With-Images-Summary"
	HeaderGeneratedAlt    = "X-With-Generated-Alt"
	HeaderEngine          = "X-Engine"
	HeaderPriority        = "X-Priority"
	HeaderRobotsTxt       = "X-Robots-Txt"
)

// OptionHeaders lists every header ParseOptions reads.
var OptionHeaders = []string{
	HeaderRespondWith, HeaderTimeout, HeaderWaitForSelector, HeaderTargetSelector,
	HeaderRemoveSelector, HeaderSetCookie, HeaderProxyURL, HeaderUserAgent,
	HeaderViewportWidth, HeaderViewportHeight, HeaderFullPage, HeaderPDFAction,
	HeaderNoCache, HeaderCacheTolerance, HeaderLinksSummary, HeaderImagesSummary,
	HeaderGeneratedAlt, HeaderEngine, HeaderPriority, HeaderRobotsTxt,
}

// ErrStreamingUnsupported is returned for Accept: text/event-stream.
var ErrStreamingUnsupported = errors.New("streaming responses are not supported")

// ParseOptions builds Options from request headers, falling back to query and
// form parameters named after the lowercase header. Invalid values yield an
// *Error of KindInvalidInput.
func ParseOptions(r *http.Request, d Defaults) (Options, error) {
	p := optionParser{r: r}
	opts := Options{
		Timeout:  d.Timeout,
		Viewport: d.Viewport,
		Engine:   EngineBrowser,
	}

	if accept := r.Header.Get("Accept"); accept != "" {
		for _, part := range strings.Split(accept, ",") {
			mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(part))
			if err != nil {
				continue
			}
			switch mediaType {
			case "application/json":
				opts.JSON = true
			case "text/event-stream":
				return Options{}, invalidOption(ErrStreamingUnsupported)
			}
		}
	}

	kind, err := format.ParseKind(p.get(HeaderRespondWith))
	if err != nil {
		return Options{}, invalidOption(err)
	}
	opts.RespondWith = kind
	if kind == format.KindJSON {
		opts.JSON = true
	}

	if raw := p.get(HeaderTimeout); raw != "" {
		secs, err := strconv.ParseFloat(raw, 64)
		if err != nil || secs <= 0 {
			return Options{}, invalidOption(fmt.Errorf("bad %s %q", HeaderTimeout, raw))
		}
		opts.Timeout = time.Duration(secs * float64(time.Second))
	}
	if d.MaxTimeout > 0 && opts.Timeout > d.MaxTimeout {
		opts.Timeout = d.MaxTimeout
	}

	opts.WaitForSelector = p.list(HeaderWaitForSelector)
	opts.TargetSelector = p.list(HeaderTargetSelector)
	opts.RemoveSelector = p.list(HeaderRemoveSelector)

	for _, raw := range p.all(HeaderSetCookie) {
		cookie, err := http.ParseSetCookie(raw)
		if err != nil {
			return Options{}, invalidOption(fmt.Errorf("bad %s: %w", HeaderSetCookie, err))
		}
		opts.Cookies = append(opts.Cookies, cookie)
	}

	if raw := p.get(HeaderProxyURL); raw != "" {
		proxy, err := url.Parse(raw)
		if err != nil || proxy.Scheme == "" || proxy.Host == "" {
			return Options{}, invalidOption(fmt.Errorf("bad %s %q", HeaderProxyURL, raw))
		}
		opts.ProxyURL = proxy.String()
	}
	opts.UserAgent = p.get(HeaderUserAgent)

	if opts.Viewport.Width, err = p.intOr(HeaderViewportWidth, opts.Viewport.Width); err != nil {
		return Options{}, invalidOption(err)
	}
	if opts.Viewport.Height, err = p.intOr(HeaderViewportHeight, opts.Viewport.Height); err != nil {
		return Options{}, invalidOption(err)
	}
	opts.FullPage = p.flag(HeaderFullPage) || kind == format.KindPageshot
	opts.PDFAction = strings.ToLower(p.get(HeaderPDFAction))
	opts.NoCache = p.flag(HeaderNoCache)

	if raw := p.get(HeaderCacheTolerance); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs < 0 {
			return Options{}, invalidOption(fmt.Errorf("bad %s %q", HeaderCacheTolerance, raw))
		}
		opts.CacheTolerance = time.Duration(secs) * time.Second
		opts.NoCache = opts.NoCache || secs == 0
	}
	opts.WithLinksSummary = p.flag(HeaderLinksSummary)
	opts.WithImagesSummary = p.flag(HeaderImagesSummary)
	opts.WithGeneratedAlt = p.flag(HeaderGeneratedAlt)

	switch engine := Engine(strings.ToLower(p.get(HeaderEngine))); engine {
	case "", EngineBrowser:
	case EngineDirect:
		opts.Engine = EngineDirect
	default:
		return Options{}, invalidOption(fmt.Errorf("unknown engine %q", engine))
	}

	if opts.Priority, err = p.intOr(HeaderPriority, 0); err != nil {
		return Options{}, invalidOption(err)
	}
	opts.Priority = min(max(opts.Priority, 0), d.MaxPriority)
	opts.RobotsUserAgent = p.get(HeaderRobotsTxt)
	return opts, nil
}

// Cacheable reports whether a crawl with these options may read or write the
// response cache.
func (o Options) Cacheable() bool {
	return !o.NoCache && len(o.Cookies) == 0 && !o.RespondWith.IsImage()
}

// withDefaults fills zero values for callers that build Options by hand.
func (o Options) withDefaults(d Defaults) Options {
	if o.RespondWith == "" {
		o.RespondWith = format.KindMarkdown
	}
	if o.Timeout <= 0 {
		o.Timeout = d.Timeout
	}
	if d.MaxTimeout > 0 && o.Timeout > d.MaxTimeout {
		o.Timeout = d.MaxTimeout
	}
	if o.Viewport.Width <= 0 || o.Viewport.Height <= 0 {
		o.Viewport = d.Viewport
	}
	if o.Engine == "" {
		o.Engine = EngineBrowser
	}
	o.WaitForSelector = slices.Clone(o.WaitForSelector)
	o.TargetSelector = slices.Clone(o.TargetSelector)
	o.RemoveSelector = slices.Clone(o.RemoveSelector)
	o.Cookies = slices.Clone(o.Cookies)
	return o
}

func invalidOption(err error) *Error {
	return &Error{Kind: KindInvalidInput, Msg: "Invalid request options: " + err.Error(), Err: err}
}

type optionParser struct {
	r *http.Request
}

func (p optionParser) all(header string) []string {
	if values := p.r.Header.Values(header); len(values) > 0 {
		return values
	}
	key := strings.ToLower(header)
	if values := p.r.URL.Query()[key]; len(values) > 0 {
		return values
	}
	if p.r.PostForm != nil {
		return p.r.PostForm[key]
	}
	return nil
}

func (p optionParser) get(header string) string {
	values := p.all(header)
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0])
}

func (p optionParser) list(header string) []string {
	var out []string
	for _, value := range p.all(header) {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (p optionParser) flag(header string) bool {
	switch strings.ToLower(p.get(header)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func (p optionParser) intOr(header string, fallback int) (int, error) {
	raw := p.get(header)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("bad %s %q", header, raw)
	}
	return n, nil
}
