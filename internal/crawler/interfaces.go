package crawler

import (
	"context"
	"iter"
	"net/url"
	"time"

	"github.com/JakeFAU/llm-reader/internal/pagepool"
	"github.com/JakeFAU/llm-reader/internal/robots"
)

// Navigator drives a leased browser page.
type Navigator interface {
	// Snapshots loads target in the page behind handle and yields samples
	// until ctx is done or the consumer stops. Errors wrapping ErrPageBroken
	// mean the page must be discarded.
	Snapshots(ctx context.Context, handle any, target string, opts Options) iter.Seq2[Snapshot, error]
	// Screenshot captures the page as PNG.
	Screenshot(ctx context.Context, handle any, fullPage bool) ([]byte, error)
}

// DirectFetcher loads a page without a browser, producing a single snapshot.
type DirectFetcher interface {
	Fetch(ctx context.Context, target string, opts Options) (Snapshot, error)
}

// Pages leases browser pages. *pagepool.Pool satisfies it.
type Pages interface {
	Acquire(ctx context.Context, priority int, tag string) (*pagepool.Page, error)
	Release(page *pagepool.Page) error
	Discard(page *pagepool.Page, reason error) error
}

// RobotsGate answers robots.txt questions. *robots.Gate satisfies it.
type RobotsGate interface {
	Check(ctx context.Context, target *url.URL, userAgent string) robots.Decision
	Pace(target *url.URL, delay time.Duration) time.Duration
}

// AbuseDetector flags snapshots that look like bot walls. It returns the
// reason, or "" for a normal page.
type AbuseDetector interface {
	Inspect(snap Snapshot) string
}

// BlobStore writes artifacts and returns a URL clients can fetch.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}
