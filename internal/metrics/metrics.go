// Package metrics exposes Prometheus collectors for the reader service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	poolPages = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reader_pool_pages",
			Help: "Browser pages held by the pool, labeled by state (idle, leased, creating).",
		},
		[]string{"state"},
	)

	poolQueued = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "reader_pool_queued_requests",
			Help: "Requests waiting for a browser page.",
		},
	)

	poolAcquireWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reader_pool_acquire_wait_seconds",
			Help:    "Time spent waiting for a browser page, labeled by outcome.",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60},
		},
		[]string{"outcome"},
	)

	poolPagesClosedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reader_pool_pages_closed_total",
			Help: "Browser pages closed, labeled by reason (idle, broken, crippled, shutdown).",
		},
		[]string{"reason"},
	)

	crawlsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reader_crawls_total",
			Help: "Crawl requests processed, labeled by engine and outcome.",
		},
		[]string{"engine", "outcome"},
	)

	crawlDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reader_crawl_duration_seconds",
			Help:    "End-to-end crawl latency, labeled by engine.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 180},
		},
		[]string{"engine"},
	)

	crawlBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reader_crawl_bytes_total",
			Help: "HTML bytes captured, labeled by site.",
		},
		[]string{"site"},
	)

	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reader_cache_lookups_total",
			Help: "Response cache lookups, labeled by result (hit, miss, stale, error).",
		},
		[]string{"result"},
	)

	blockadesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reader_blockades_recorded_total",
			Help: "Domain blockades recorded by the abuse monitor, labeled by trigger.",
		},
		[]string{"trigger"},
	)

	eventsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "reader_events_dropped_total",
			Help: "Events dropped because the hub buffer was full.",
		},
	)

	robotsDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reader_robots_delay_seconds",
			Help:    "How far requests ran ahead of a host's advisory robots.txt crawl-delay.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"site"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
		},
		[]string{"method", "route"},
	)
)

// SanitizeSite extracts a lowercase hostname from a URL.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetPoolState publishes the pool gauges.
func SetPoolState(idle, leased, creating, queued int) {
	poolPages.WithLabelValues("idle").Set(float64(idle))
	poolPages.WithLabelValues("leased").Set(float64(leased))
	poolPages.WithLabelValues("creating").Set(float64(creating))
	poolQueued.Set(float64(queued))
}

// ObserveAcquireWait records how long a caller waited for a page.
func ObserveAcquireWait(outcome string, wait time.Duration) {
	poolAcquireWaitSeconds.WithLabelValues(outcome).Observe(wait.Seconds())
}

// ObservePageClosed counts a page leaving the pool.
func ObservePageClosed(reason string) {
	poolPagesClosedTotal.WithLabelValues(reason).Inc()
}

// ObserveCrawl records one finished crawl.
func ObserveCrawl(engine, outcome, site string, htmlBytes int, duration time.Duration) {
	crawlsTotal.WithLabelValues(engine, outcome).Inc()
	crawlDurationSeconds.WithLabelValues(engine).Observe(duration.Seconds())
	if htmlBytes > 0 {
		crawlBytesTotal.WithLabelValues(SanitizeSite(site)).Add(float64(htmlBytes))
	}
}

// ObserveCacheLookup counts a cache lookup result.
func ObserveCacheLookup(result string) {
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveBlockade counts a blockade written by the abuse monitor.
func ObserveBlockade(trigger string) {
	blockadesTotal.WithLabelValues(trigger).Inc()
}

// ObserveEventDropped counts an event the hub could not buffer.
func ObserveEventDropped() {
	eventsDroppedTotal.Inc()
}

// ObserveRobotsDelay records a request that ran ahead of a crawl-delay.
func ObserveRobotsDelay(site string, d time.Duration) {
	robotsDelaySeconds.WithLabelValues(SanitizeSite(site)).Observe(d.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
