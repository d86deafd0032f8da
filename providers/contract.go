package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Adapter is implemented once per provider family. Adapters own
// authentication and the wire protocol, translate provider usage into
// TokenUsage, and normalise failures into ClassifiedError. They never touch
// the ledger.
type Adapter interface {
	// Name reports the provider name the adapter serves ("openai", "echo").
	Name() string

	// Invoke performs a blocking generation call.
	Invoke(ctx context.Context, req *Request) (*GenerationResponse, error)

	// Stream opens a streaming call. The caller must drain or Close the
	// handle; Close releases the underlying transport.
	Stream(ctx context.Context, req *Request) (StreamHandle, error)

	// EstimateTokens returns a best-effort input-token estimate for the
	// request, preferring to overestimate.
	EstimateTokens(req *Request) int
}

// StreamHandle is a pull iterator over StreamEvents. Recv returns io.EOF
// once the stream is exhausted; at most one event has IsFinal set. Closing
// an unfinished handle abandons the stream.
type StreamHandle interface {
	Recv() (StreamEvent, error)
	Close() error
}

// ErrorClass buckets provider failures for the retry engine.
type ErrorClass string

const (
	// ClassRetryable covers transport timeouts, connection resets and 5xx.
	ClassRetryable ErrorClass = "retryable"
	// ClassRateLimited covers 429 and provider-specific overload signals.
	ClassRateLimited ErrorClass = "rate_limited"
	// ClassFatal covers auth failures, invalid arguments and other 4xx.
	ClassFatal ErrorClass = "fatal"
	// ClassCancelled covers caller cancellation and expired deadlines.
	ClassCancelled ErrorClass = "cancelled"
)

// ClassifiedError wraps a provider failure with its retry classification.
// RetryAfter carries the provider's advisory delay in seconds when known.
type ClassifiedError struct {
	Err        error
	Class      ErrorClass
	RetryAfter int
}

func (e *ClassifiedError) Error() string { return e.Err.Error() }
func (e *ClassifiedError) Unwrap() error { return e.Err }

// Classify extracts the ErrorClass from an error chain. Context
// cancellation is recognised even when unwrapped; anything else
// unclassified is fatal.
func Classify(err error) ErrorClass {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassCancelled
	}
	return ClassFatal
}

// RetryAfterHint returns the provider's advisory retry delay, or zero.
func RetryAfterHint(err error) time.Duration {
	var ce *ClassifiedError
	if errors.As(err, &ce) && ce.RetryAfter > 0 {
		return time.Duration(ce.RetryAfter) * time.Second
	}
	return 0
}

// ClassifyTransport maps non-HTTP-status failures (cancellation, timeouts,
// connection resets) onto the taxonomy. Adapters call this after handling
// their status-code cases.
func ClassifyTransport(err error) *ClassifiedError {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &ClassifiedError{Err: err, Class: ClassCancelled}
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return &ClassifiedError{Err: err, Class: ClassRetryable}
	}
	var ue *url.Error
	if errors.As(err, &ue) {
		return &ClassifiedError{Err: err, Class: ClassRetryable}
	}
	return &ClassifiedError{Err: err, Class: ClassFatal}
}

// StatusError captures an HTTP status code from a provider response.
// Adapters inspect it to classify failures; RetryAfterSecs is populated
// from the Retry-After header when the provider sent one.
type StatusError struct {
	StatusCode     int
	Body           string
	RetryAfterSecs int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// ParseRetryAfter fills RetryAfterSecs from a Retry-After header value,
// accepting both delay-seconds and HTTP-date forms. Unparseable values are
// ignored.
func (e *StatusError) ParseRetryAfter(header string) {
	if header == "" {
		return
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs > 0 {
			e.RetryAfterSecs = secs
		}
		return
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			e.RetryAfterSecs = int(d.Seconds() + 0.5)
		}
	}
}
