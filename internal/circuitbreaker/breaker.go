// Package circuitbreaker guards provider endpoints. After a run of
// consecutive failures an endpoint's breaker opens and selection routes
// around it for a cooldown period; a single probe request then decides
// whether it closes again.
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the current state of a breaker.
type State int

const (
	// Closed is the normal operating state: the endpoint receives traffic.
	Closed State = iota
	// Open means the breaker has tripped: the endpoint is skipped.
	Open
	// HalfOpen admits a single probe request to test recovery.
	HalfOpen
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

const (
	defaultThreshold = 3
	defaultCooldown  = 30 * time.Second
)

// Breaker is a goroutine-safe circuit breaker tracking consecutive failures
// against one endpoint.
type Breaker struct {
	mu               sync.Mutex
	state            State
	failureCount     int
	failureThreshold int
	cooldown         time.Duration
	openedAt         time.Time
	onStateChange    func(from, to State)

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithThreshold sets the number of consecutive failures required to trip the
// breaker from Closed to Open. The default is 3.
func WithThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.failureThreshold = n
		}
	}
}

// WithCooldown sets how long the breaker stays Open before a probe is
// allowed through. The default is 30 seconds.
func WithCooldown(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.cooldown = d
		}
	}
}

// WithOnStateChange registers a callback that fires on every state
// transition. The callback is invoked while the breaker's mutex is held, so
// it must not call back into the breaker.
func WithOnStateChange(fn func(from, to State)) Option {
	return func(b *Breaker) {
		b.onStateChange = fn
	}
}

// New creates a Breaker in the Closed state with the given options.
func New(opts ...Option) *Breaker {
	b := &Breaker{
		state:            Closed,
		failureThreshold: defaultThreshold,
		cooldown:         defaultCooldown,
		nowFunc:          time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Allow reports whether the endpoint should receive the next request.
//
// In Closed state it always returns true. In Open state it returns false
// unless the cooldown has elapsed, in which case it transitions to HalfOpen
// and returns true for a single probe request. In HalfOpen state it returns
// false (only one probe at a time).
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if b.nowFunc().After(b.openedAt.Add(b.cooldown)) {
			b.setState(HalfOpen)
			return true
		}
		return false
	case HalfOpen:
		// Only one probe at a time; reject additional requests while probing.
		return false
	default:
		return false
	}
}

// Probe forces an Open breaker into HalfOpen so a trial request can decide
// its fate. Selection uses this when every candidate endpoint is open and
// the oldest-opened one is tried anyway.
func (b *Breaker) Probe() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open {
		b.setState(HalfOpen)
	}
}

// RecordSuccess records a successful call. A HalfOpen breaker (probe
// succeeded) transitions back to Closed; a Closed breaker resets its
// consecutive failure counter.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
	if b.state == HalfOpen {
		b.setState(Closed)
	}
}

// RecordFailure records a failed call. In Closed state it increments the
// consecutive failure counter and trips the breaker at the threshold. In
// HalfOpen state (probe failed) it immediately reopens.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++

	switch b.state {
	case Closed:
		if b.failureCount >= b.failureThreshold {
			b.setState(Open)
			b.openedAt = b.nowFunc()
		}
	case HalfOpen:
		b.setState(Open)
		b.openedAt = b.nowFunc()
	}
}

// CurrentState returns the breaker state without consuming a probe slot.
// In Open state it does not check the cooldown timer; use Allow for that.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// OpenedAt returns when the breaker last tripped. Zero if it never has.
func (b *Breaker) OpenedAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openedAt
}

// setState transitions the breaker and fires the callback if registered.
// Caller must hold b.mu.
func (b *Breaker) setState(to State) {
	from := b.state
	b.state = to
	if b.onStateChange != nil && from != to {
		b.onStateChange(from, to)
	}
}
