// Package api hosts the HTTP server, middleware, and the reader endpoint.
// Notable routes:
//   - GET /healthz and /readyz for probes; readyz fails while the browser is down.
//   - GET /metrics for Prometheus scraping.
//   - GET /blobs/* serves stored screenshots when the store is local or in memory.
//   - GET|POST /{target} crawls target and returns it in the requested format.
package api
