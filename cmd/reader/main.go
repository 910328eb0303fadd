// Command reader serves the URL-to-LLM-text API and crawls single pages from
// the command line.
//
// Architecture overview:
//   - HTTP API: internal/api exposes GET/POST /{url} plus health, readiness
//     and metrics. Request headers become crawler.Options.
//   - Orchestration: internal/crawler validates the target, consults the
//     deny list, blockades, robots.txt and the response cache, then loads the
//     page with the browser engine (pooled chromedp tabs) or the direct engine
//     (colly), extracts the article and renders the requested format.
//   - Scheduling: internal/pagepool leases a bounded set of tabs; waiters are
//     served by priority then arrival and fail fast while Chrome is down.
//   - Abuse handling: crawl events flow through internal/events; the abuse
//     monitor turns bot walls and failure streaks into domain blockades.
//   - Configuration: viper reads the --config file and READER_* variables.
//     Crawl settings follow file edits while serving.
//
// Quick checklist:
//   - Run locally: go run ./cmd/reader serve --config config.yaml
//   - One page: go run ./cmd/reader crawl --engine direct https://example.com
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
