package llmgate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jordanhubbard/llmgate/internal/ledger"
	"github.com/jordanhubbard/llmgate/internal/registry"
	"github.com/jordanhubbard/llmgate/internal/retry"
	"github.com/jordanhubbard/llmgate/providers"
)

// ConfigError reports configuration the client cannot act on: unreadable or
// invalid config files, an alias that resolves to no model spec, or a
// provider with no registered adapter.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return "llmgate: " + e.Err.Error() }

func (e *ConfigError) Unwrap() error { return e.Err }

// NoEndpointError is returned when alias resolution finds a model spec but
// no endpoint survives residency filtering for its provider.
type NoEndpointError struct {
	Alias    string
	Provider string
}

func (e *NoEndpointError) Error() string {
	return fmt.Sprintf("llmgate: no endpoint available for alias %q (provider %q)", e.Alias, e.Provider)
}

// QuotaExceededError is returned when admitting the call would cross the
// daily spend limit. No provider call was made.
type QuotaExceededError struct {
	TraceID     string
	SpentUSD    float64
	LimitUSD    float64
	EstimateUSD float64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("llmgate: daily spend limit reached: spent $%.4f, estimated $%.4f, limit $%.4f",
		e.SpentUSD, e.EstimateUSD, e.LimitUSD)
}

// RateLimitedError is returned when a call cannot proceed under the model's
// rate limits: the limiter reports an impossible reservation, waiting is
// disabled by policy, the wait would exceed the retry budget, or the
// provider kept answering 429 until retries ran out.
type RateLimitedError struct {
	TraceID  string
	Provider string
	Model    string
	Scope    string
	Wait     time.Duration
	Reason   string
	Err      error
}

func (e *RateLimitedError) Error() string {
	msg := fmt.Sprintf("llmgate: rate limited: %s/%s", e.Provider, e.Model)
	if e.Scope != "" {
		msg += " [" + e.Scope + "]"
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *RateLimitedError) Unwrap() error { return e.Err }

// TimeoutExceededError is returned when cumulative waiting (back-off plus
// quota waits) would cross max_wait_timeout_s. The call is abandoned rather
// than slept further.
type TimeoutExceededError struct {
	TraceID string
	Waited  time.Duration
	Limit   time.Duration
	Err     error
}

func (e *TimeoutExceededError) Error() string {
	return fmt.Sprintf("llmgate: wait ceiling exceeded: waited %s of %s allowed", e.Waited, e.Limit)
}

func (e *TimeoutExceededError) Unwrap() error { return e.Err }

// AuthError is returned when the provider rejects the request's credentials
// (HTTP 401 or 403). Retrying cannot help; it is raised after the retry
// runner classifies the failure as fatal.
type AuthError struct {
	TraceID  string
	Provider string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("llmgate: authentication failed for provider %q: %v", e.Provider, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ProviderError is returned for provider failures that are neither auth nor
// rate limiting: malformed requests the provider refused, 5xx responses
// that outlived the retry policy, or transport faults.
type ProviderError struct {
	TraceID  string
	Provider string
	Model    string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("llmgate: provider %q failed: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// CancelledError is returned when the caller's context ended before the
// call completed.
type CancelledError struct {
	TraceID string
	Err     error
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("llmgate: call cancelled: %v", e.Err)
}

func (e *CancelledError) Unwrap() error { return e.Err }

// resolveError converts registry resolution failures into their public
// forms. An unknown alias is a configuration problem; a known alias with no
// usable endpoint keeps its own type so callers can react to residency or
// outage filtering.
func resolveError(err error) error {
	var ne *registry.NoEndpointError
	if errors.As(err, &ne) {
		return &NoEndpointError{Alias: ne.Alias, Provider: ne.Provider}
	}
	return &ConfigError{Err: err}
}

// callError maps a terminal invocation failure onto the public error kinds.
// The retry runner has already decided the failure is final.
func callError(traceID, provider, model string, err error) error {
	var te *retry.TimeoutError
	if errors.As(err, &te) {
		return &TimeoutExceededError{TraceID: traceID, Waited: te.Waited, Limit: te.Limit, Err: te.Last}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &CancelledError{TraceID: traceID, Err: err}
	}

	switch providers.Classify(err) {
	case providers.ClassCancelled:
		return &CancelledError{TraceID: traceID, Err: err}
	case providers.ClassRateLimited:
		return &RateLimitedError{
			TraceID:  traceID,
			Provider: provider,
			Model:    model,
			Reason:   "provider kept rate limiting after retries",
			Err:      err,
		}
	default:
		if isAuthStatus(err) {
			return &AuthError{TraceID: traceID, Provider: provider, Err: err}
		}
		return &ProviderError{TraceID: traceID, Provider: provider, Model: model, Err: err}
	}
}

func isAuthStatus(err error) bool {
	var se *providers.StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden
	}
	return false
}

// errorKind names the failure class recorded in commit metadata.
func errorKind(err error) string {
	switch err.(type) {
	case *AuthError:
		return "auth"
	case *RateLimitedError:
		return "rate_limited"
	case *TimeoutExceededError:
		return "timeout"
	case *CancelledError:
		return "cancelled"
	case *QuotaExceededError:
		return "quota"
	default:
		return "provider"
	}
}

// commitStatus maps a public error onto the ledger status for its terminal
// commit.
func commitStatus(err error) ledger.Status {
	switch err.(type) {
	case *CancelledError:
		return ledger.StatusCancelled
	case *RateLimitedError:
		return ledger.StatusRateLimited
	default:
		return ledger.StatusError
	}
}
