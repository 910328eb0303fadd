// Package crawler turns a URL into a formatted page. Orchestrator.Crawl runs
// the per-request pipeline: validate, deny list and blockade checks, robots,
// cache lookup, page lease, navigation until the page stabilizes, extraction,
// formatting and cache store. The lease is always returned and an outcome
// event is always emitted.
package crawler
