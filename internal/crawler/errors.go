package crawler

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/JakeFAU/llm-reader/internal/pagepool"
)

// ErrorKind classifies crawl failures.
type ErrorKind string

// Crawl failure kinds. The string form is used as the event outcome.
const (
	KindInvalidInput    ErrorKind = "invalid_input"
	KindNotFound        ErrorKind = "not_found"
	KindBlocked         ErrorKind = "blocked"
	KindDisallowed      ErrorKind = "disallowed"
	KindQueueTimeout    ErrorKind = "queue_timeout"
	KindQueueFull       ErrorKind = "queue_full"
	KindNavigation      ErrorKind = "navigation_error"
	KindServiceCrippled ErrorKind = "service_crippled"
	KindExtraction      ErrorKind = "extraction_error"
)

var kindMessages = map[ErrorKind]string{
	KindInvalidInput:    "Invalid URL or TLD",
	KindNotFound:        "Favicon not available",
	KindBlocked:         "Domain blocked due to abuse",
	KindDisallowed:      "Disallowed by robots.txt",
	KindQueueTimeout:    "Timed out waiting for a browser page",
	KindQueueFull:       "Too many pending requests",
	KindNavigation:      "Failed to load page",
	KindServiceCrippled: "Browser unavailable",
	KindExtraction:      "Failed to extract content",
}

// Message is the stable client-facing text for the kind.
func (k ErrorKind) Message() string {
	if msg, ok := kindMessages[k]; ok {
		return msg
	}
	return "Internal error"
}

// HTTPStatus maps the kind onto a response code.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindBlocked, KindDisallowed:
		return http.StatusForbidden
	case KindQueueFull:
		return http.StatusTooManyRequests
	case KindQueueTimeout, KindServiceCrippled:
		return http.StatusServiceUnavailable
	case KindNavigation:
		return http.StatusBadGateway
	case KindExtraction:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the same request may succeed later unchanged.
func (k ErrorKind) Retryable() bool {
	return k == KindQueueTimeout || k == KindQueueFull || k == KindServiceCrippled
}

// ErrPageBroken is wrapped by navigators when the tab itself is unusable; the
// page is discarded instead of going back to the pool.
var ErrPageBroken = errors.New("browser page broken")

// Error is a classified crawl failure.
type Error struct {
	Kind ErrorKind
	// Msg overrides the kind's stable message when set.
	Msg string
	Err error
	// Partial is the last captured snapshot for extraction failures.
	Partial *Snapshot
}

// NewError builds an Error of kind wrapping err.
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Message is the client-facing text.
func (e *Error) Message() string {
	if e.Msg != "" {
		return e.Msg
	}
	return e.Kind.Message()
}

// KindOf classifies any error returned by the crawl pipeline.
func KindOf(err error) ErrorKind {
	var cerr *Error
	switch {
	case err == nil:
		return ""
	case errors.As(err, &cerr):
		return cerr.Kind
	case errors.Is(err, pagepool.ErrQueueFull):
		return KindQueueFull
	case errors.Is(err, pagepool.ErrServiceCrippled), errors.Is(err, pagepool.ErrClosed):
		return KindServiceCrippled
	case errors.Is(err, pagepool.ErrQueueTimeout):
		return KindQueueTimeout
	default:
		return KindNavigation
	}
}

// AsError returns err as an *Error, classifying it with KindOf when needed.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr
	}
	return NewError(KindOf(err), err)
}
