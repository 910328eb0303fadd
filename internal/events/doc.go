// Package events carries crawl outcome events from the orchestrator to
// asynchronous consumers (abuse monitor, metrics, logs, Pub/Sub). Emit never
// blocks the crawl path; a background goroutine batches events and fans them
// out to registered sinks.
package events
