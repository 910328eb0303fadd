package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"

	"github.com/JakeFAU/llm-reader/internal/events"
)

// publishFunc publishes one message and returns a function that waits for
// the server ack.
type publishFunc func(ctx context.Context, msg *pubsub.Message) func(context.Context) error

// PubSubSink forwards events as JSON messages to a Pub/Sub topic.
type PubSubSink struct {
	publish publishFunc
	stop    func()
}

// NewPubSubSink publishes through publisher. Close stops the publisher.
func NewPubSubSink(publisher *pubsub.Publisher) *PubSubSink {
	return &PubSubSink{
		publish: func(ctx context.Context, msg *pubsub.Message) func(context.Context) error {
			res := publisher.Publish(ctx, msg)
			return func(ctx context.Context) error {
				_, err := res.Get(ctx)
				return err
			}
		},
		stop: publisher.Stop,
	}
}

type wireEvent struct {
	ID          string `json:"id"`
	TS          string `json:"ts"`
	Kind        string `json:"kind"`
	Host        string `json:"host,omitempty"`
	URL         string `json:"url,omitempty"`
	Engine      string `json:"engine,omitempty"`
	Outcome     string `json:"outcome,omitempty"`
	AbuseReason string `json:"abuse_reason,omitempty"`
	FromCache   bool   `json:"from_cache,omitempty"`
	StatusCode  int    `json:"status_code,omitempty"`
	Bytes       int    `json:"bytes,omitempty"`
	DurationMs  int64  `json:"duration_ms,omitempty"`
	Note        string `json:"note,omitempty"`
}

// Consume publishes every event in batch and waits for all acks.
func (s *PubSubSink) Consume(ctx context.Context, batch []events.Event) error {
	waits := make([]func(context.Context) error, 0, len(batch))
	for _, evt := range batch {
		data, err := json.Marshal(wireEvent{
			ID:          evt.ID.String(),
			TS:          evt.TS.UTC().Format(time.RFC3339Nano),
			Kind:        string(evt.Kind),
			Host:        evt.Host,
			URL:         evt.URL,
			Engine:      evt.Engine,
			Outcome:     evt.Outcome,
			AbuseReason: evt.AbuseReason,
			FromCache:   evt.FromCache,
			StatusCode:  evt.StatusCode,
			Bytes:       evt.Bytes,
			DurationMs:  evt.Dur.Milliseconds(),
			Note:        evt.Note,
		})
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		msg := &pubsub.Message{
			Data:       data,
			Attributes: map[string]string{"kind": string(evt.Kind), "host": evt.Host},
		}
		otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})
		waits = append(waits, s.publish(ctx, msg))
	}

	var errs []error
	for _, wait := range waits {
		if err := wait(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("publish events: %w", errors.Join(errs...))
	}
	return nil
}

// Close flushes and stops the publisher.
func (s *PubSubSink) Close(context.Context) error {
	if s.stop != nil {
		s.stop()
	}
	return nil
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
