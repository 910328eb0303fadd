package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind identifies what happened.
type Kind string

// Supported event kinds.
const (
	// KindCrawled is emitted once per crawl request, success or failure.
	KindCrawled Kind = "crawled"
	// KindAbuse is emitted when the abuse monitor blocks a domain.
	KindAbuse Kind = "abuse"
	// KindCrippled is emitted when the browser is lost and the pool fails all waiters.
	KindCrippled Kind = "crippled"
	// KindRecovered is emitted when the browser is relaunched.
	KindRecovered Kind = "recovered"
)

// OutcomeOK marks a successful crawl; failures carry the error kind instead.
const OutcomeOK = "ok"

// OutcomeCanceled marks a crawl whose caller left before it finished.
const OutcomeCanceled = "canceled"

// Event is one crawl-lifecycle fact.
type Event struct {
	ID   uuid.UUID
	TS   time.Time
	Kind Kind
	// Host is the lowercase target host, empty when the URL never parsed.
	Host string
	URL  string
	// Engine is "browser" or "direct".
	Engine string
	// Outcome is OutcomeOK or the crawler error kind (e.g. "navigation_error").
	Outcome string
	// AbuseReason is set when the page looked like a bot wall.
	AbuseReason string
	FromCache   bool
	StatusCode  int
	Bytes       int
	Dur         time.Duration
	Note        string
}

// New stamps an event of the given kind with an ID and UTC timestamp.
func New(kind Kind) Event {
	return Event{ID: uuid.New(), TS: time.Now().UTC(), Kind: kind}
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.ID == uuid.Nil {
		return errors.New("event id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindCrawled:
		if e.Outcome == "" {
			return errors.New("crawled event requires outcome")
		}
	case KindAbuse:
		if e.Host == "" {
			return errors.New("abuse event requires host")
		}
	case KindCrippled, KindRecovered:
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Succeeded reports whether a crawled event finished without error.
func (e Event) Succeeded() bool {
	return e.Kind == KindCrawled && e.Outcome == OutcomeOK
}

// Sink consumes batches of events. Implementations must honor ctx deadlines.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events without blocking.
type Emitter interface {
	Emit(evt Event)
}

// Discard is an Emitter that drops everything.
var Discard Emitter = discard{}

type discard struct{}

func (discard) Emit(Event) {}
