package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/llm-reader/internal/events"
)

// PrometheusSink counts events by kind and outcome and tracks per-kind latency.
type PrometheusSink struct {
	events       *prometheus.CounterVec
	cacheServed  prometheus.Counter
	abuseSignals prometheus.Counter
	statusClass  *prometheus.CounterVec
	duration     *prometheus.HistogramVec
}

// NewPrometheusSink registers the collectors against reg (default registerer when nil).
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reader_events_total",
			Help: "Events delivered by the hub, partitioned by kind and outcome.",
		}, []string{"kind", "outcome"}),
		cacheServed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reader_events_cache_served_total",
			Help: "Crawls answered from the response cache.",
		}),
		abuseSignals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reader_events_abuse_signals_total",
			Help: "Crawls whose page looked like a bot wall.",
		}),
		statusClass: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reader_events_upstream_status_total",
			Help: "Upstream HTTP status classes observed by crawls.",
		}, []string{"class"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reader_events_crawl_seconds",
			Help:    "Crawl duration as reported by crawled events, partitioned by outcome.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 180},
		}, []string{"outcome"}),
	}
	for _, collector := range []prometheus.Collector{
		s.events, s.cacheServed, s.abuseSignals, s.statusClass, s.duration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register event collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		outcome := evt.Outcome
		if outcome == "" {
			outcome = "none"
		}
		s.events.WithLabelValues(string(evt.Kind), outcome).Inc()
		if evt.Kind != events.KindCrawled {
			continue
		}
		if evt.FromCache {
			s.cacheServed.Inc()
		}
		if evt.AbuseReason != "" {
			s.abuseSignals.Inc()
		}
		if evt.StatusCode > 0 {
			s.statusClass.WithLabelValues(statusClass(evt.StatusCode)).Inc()
		}
		if evt.Dur > 0 {
			s.duration.WithLabelValues(outcome).Observe(evt.Dur.Seconds())
		}
	}
	return nil
}

// Close implements events.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "other"
	}
}
