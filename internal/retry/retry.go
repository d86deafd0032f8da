// Package retry implements the bounded back-off engine that supervises
// provider calls. A Runner belongs to a single call and meters every sleep,
// back-off and rate-limit alike, against the call's wait ceilings.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jordanhubbard/llmgate/providers"
)

// Policy bounds the retrying and waiting of one call.
type Policy struct {
	// MaxRetries is the number of re-attempts after the first; total
	// adapter attempts never exceed MaxRetries+1.
	MaxRetries int
	// BaseDelay seeds the exponential back-off.
	BaseDelay time.Duration
	// MaxDelay caps a single back-off sleep before jitter.
	MaxDelay time.Duration
	// RetryBudget caps the cumulative sleep of the call.
	RetryBudget time.Duration
	// WaitOnRateLimit makes rate-limited failures sleep instead of
	// surfacing immediately.
	WaitOnRateLimit bool
	// MaxWaitTimeout caps all waiting for the call; crossing it raises
	// TimeoutError. Unbounded waiting is never allowed.
	MaxWaitTimeout time.Duration
}

// ErrBudgetExhausted reports that the per-call retry budget cannot absorb
// another wait.
var ErrBudgetExhausted = errors.New("retry budget exhausted")

// TimeoutError reports that a call's cumulative waiting hit MaxWaitTimeout.
type TimeoutError struct {
	Waited time.Duration
	Limit  time.Duration
	Last   error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("cumulative wait %s would exceed the %s ceiling", e.Waited, e.Limit)
}

func (e *TimeoutError) Unwrap() error { return e.Last }

// Attempt describes a failed attempt about to be retried.
type Attempt struct {
	// Number is the 1-based attempt that failed.
	Number int
	Err    error
	Class  providers.ErrorClass
	// Wait is the sleep chosen before the next attempt.
	Wait time.Duration
}

// Observer is notified before each retry sleep, never for the failure that
// ends the call.
type Observer func(Attempt)

// Runner supervises one call.
type Runner struct {
	policy  Policy
	observe Observer
	sleep   func(context.Context, time.Duration) error
	jitter  func() float64

	attempts int
	waited   time.Duration
}

// NewRunner creates a Runner for a single call.
func NewRunner(p Policy, opts ...Option) *Runner {
	r := &Runner{
		policy: p,
		sleep:  ctxSleep,
		jitter: func() float64 { return rand.Float64() * 0.3 },
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Option configures a Runner.
type Option func(*Runner)

// WithObserver registers the per-retry callback.
func WithObserver(fn Observer) Option {
	return func(r *Runner) { r.observe = fn }
}

// WithSleep replaces the sleep function, for callers that meter or fake time.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(r *Runner) { r.sleep = fn }
}

// Attempts reports how many attempts have run.
func (r *Runner) Attempts() int { return r.attempts }

// Waited reports the cumulative sleep so far.
func (r *Runner) Waited() time.Duration { return r.waited }

// Do runs fn until it succeeds, fails unrecoverably, or a bound is hit.
// Retryable failures back off exponentially; rate-limited failures sleep
// max(provider hint, back-off) when the policy allows waiting. The last
// attempt's error is surfaced when retries run out.
func (r *Runner) Do(ctx context.Context, fn func(context.Context) error) error {
	for {
		r.attempts++
		err := fn(ctx)
		if err == nil {
			return nil
		}

		class := providers.Classify(err)
		switch class {
		case providers.ClassFatal, providers.ClassCancelled:
			return err
		case providers.ClassRateLimited:
			if !r.policy.WaitOnRateLimit {
				return err
			}
		}

		if r.attempts > r.policy.MaxRetries {
			return err
		}

		delay := r.backoffDelay(r.attempts - 1)
		if class == providers.ClassRateLimited {
			if hint := providers.RetryAfterHint(err); hint > delay {
				delay = hint
			}
		}
		if r.waited+delay > r.policy.RetryBudget {
			return err
		}
		if r.waited+delay > r.policy.MaxWaitTimeout {
			return &TimeoutError{Waited: r.waited + delay, Limit: r.policy.MaxWaitTimeout, Last: err}
		}

		if r.observe != nil {
			r.observe(Attempt{Number: r.attempts, Err: err, Class: class, Wait: delay})
		}
		if serr := r.sleep(ctx, delay); serr != nil {
			return serr
		}
		r.waited += delay
	}
}

// WaitQuota sleeps for a limiter hint before the caller re-reserves. The
// sleep charges the same ceilings as back-off.
func (r *Runner) WaitQuota(ctx context.Context, hint time.Duration) error {
	if r.waited+hint > r.policy.MaxWaitTimeout {
		return &TimeoutError{Waited: r.waited + hint, Limit: r.policy.MaxWaitTimeout}
	}
	if r.waited+hint > r.policy.RetryBudget {
		return ErrBudgetExhausted
	}
	if err := r.sleep(ctx, hint); err != nil {
		return err
	}
	r.waited += hint
	return nil
}

// backoffDelay computes min(maxDelay, base*2^i) inflated by jitter in
// [0, 0.3].
func (r *Runner) backoffDelay(i int) time.Duration {
	delay := r.policy.BaseDelay * time.Duration(1<<uint(i))
	if delay > r.policy.MaxDelay || delay <= 0 {
		delay = r.policy.MaxDelay
	}
	return time.Duration(float64(delay) * (1 + r.jitter()))
}

func ctxSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
