package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/llm-reader/internal/events"
)

// LogSink writes one structured log line per event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("events")}
}

// Consume logs each event. Failures and abuse are logged at warn.
func (s *LogSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("event_id", evt.ID.String()),
			zap.String("kind", string(evt.Kind)),
			zap.String("host", evt.Host),
			zap.String("url", evt.URL),
			zap.String("outcome", evt.Outcome),
			zap.Bool("from_cache", evt.FromCache),
			zap.Int("status", evt.StatusCode),
			zap.Duration("dur", evt.Dur),
		}
		if evt.AbuseReason != "" {
			fields = append(fields, zap.String("abuse_reason", evt.AbuseReason))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		if evt.Succeeded() {
			s.logger.Info("crawl event", fields...)
			continue
		}
		s.logger.Warn("crawl event", fields...)
	}
	return nil
}

// Close implements events.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
