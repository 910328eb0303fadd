package abuse

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/llm-reader/internal/blockade"
	"github.com/JakeFAU/llm-reader/internal/crawler"
	"github.com/JakeFAU/llm-reader/internal/events"
	"github.com/JakeFAU/llm-reader/internal/metrics"
)

// Config controls when a host gets blocked.
type Config struct {
	// BlockDuration is how long a blockade lasts.
	BlockDuration time.Duration
	// FailureThreshold consecutive navigation or extraction failures within
	// FailureWindow block the host.
	FailureThreshold int
	FailureWindow    time.Duration
}

// Rejecter fails queued page requests for a host. *pagepool.Pool satisfies it.
type Rejecter interface {
	RejectTagged(tag string, err error) int
}

type streak struct {
	first time.Time
	count int
}

// Monitor watches crawl outcomes and records blockades. It is an events.Sink.
type Monitor struct {
	cfg     Config
	store   blockade.Store
	pool    Rejecter
	emitter events.Emitter
	logger  *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	streaks map[string]*streak
}

// NewMonitor builds a Monitor. pool and emitter may be nil.
func NewMonitor(cfg Config, store blockade.Store, pool Rejecter, emitter events.Emitter, logger *zap.Logger) *Monitor {
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = time.Hour
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = 5 * time.Minute
	}
	if emitter == nil {
		emitter = events.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		cfg:     cfg,
		store:   store,
		pool:    pool,
		emitter: emitter,
		logger:  logger.Named("abuse"),
		now:     time.Now,
		streaks: make(map[string]*streak),
	}
}

// Consume implements events.Sink.
func (m *Monitor) Consume(ctx context.Context, batch []events.Event) error {
	for _, evt := range batch {
		m.Observe(ctx, evt)
	}
	return nil
}

// Close implements events.Sink.
func (m *Monitor) Close(context.Context) error {
	return nil
}

// Observe applies one event.
func (m *Monitor) Observe(ctx context.Context, evt events.Event) {
	if evt.Kind != events.KindCrawled || evt.Host == "" || evt.FromCache {
		return
	}
	if evt.AbuseReason != "" {
		m.reset(evt.Host)
		m.block(ctx, evt.Host, evt.URL, evt.AbuseReason, "abuse")
		return
	}
	// Canceled crawls and queue-side failures say nothing about the site.
	switch crawler.ErrorKind(evt.Outcome) {
	case crawler.ErrorKind(events.OutcomeOK):
		m.reset(evt.Host)
	case crawler.KindNavigation, crawler.KindExtraction:
		if n, tripped := m.fail(evt.Host); tripped {
			m.block(ctx, evt.Host, evt.URL, fmt.Sprintf("repeated failures: %d", n), "failures")
		}
	}
}

func (m *Monitor) reset(host string) {
	m.mu.Lock()
	delete(m.streaks, host)
	m.mu.Unlock()
}

func (m *Monitor) fail(host string) (int, bool) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streaks[host]
	if !ok || now.Sub(s.first) > m.cfg.FailureWindow {
		s = &streak{first: now}
		m.streaks[host] = s
	}
	s.count++
	if s.count < m.cfg.FailureThreshold {
		return s.count, false
	}
	delete(m.streaks, host)
	return s.count, true
}

func (m *Monitor) block(ctx context.Context, host, triggerURL, reason, trigger string) {
	m.logger.Warn("blocking domain",
		zap.String("host", host),
		zap.String("reason", reason),
		zap.String("url", triggerURL),
		zap.Duration("duration", m.cfg.BlockDuration),
	)
	if err := m.store.Record(ctx, host, reason, triggerURL, m.cfg.BlockDuration); err != nil {
		m.logger.Error("record blockade failed", zap.String("host", host), zap.Error(err))
	}
	metrics.ObserveBlockade(trigger)

	rejected := 0
	if m.pool != nil {
		rejected = m.pool.RejectTagged(host, crawler.NewError(crawler.KindBlocked, fmt.Errorf("%s blocked: %s", host, reason)))
	}

	evt := events.New(events.KindAbuse)
	evt.Host = host
	evt.URL = triggerURL
	evt.AbuseReason = reason
	evt.Note = fmt.Sprintf("rejected %d queued requests", rejected)
	m.emitter.Emit(evt)
}
