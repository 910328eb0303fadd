// Package sinks contains events.Sink implementations: structured logs,
// Prometheus counters and a Google Cloud Pub/Sub forwarder.
package sinks
