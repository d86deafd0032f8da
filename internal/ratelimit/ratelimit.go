// Package ratelimit provides an in-memory sliding-window rate limiter keyed
// by (provider, model). Three windows are tracked per key: requests per
// minute, tokens per minute (including in-flight reservations), and requests
// per local day.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

const requestWindow = 60 * time.Second

// Limits holds the windows enforced for one key. A nil field means the
// window is unlimited; an explicit zero permanently exhausts it.
type Limits struct {
	RPM *int
	TPM *int
	RPD *int
}

// Scope names the window that bound a reservation decision.
const (
	ScopeRPM = "rpm"
	ScopeTPM = "tpm"
	ScopeRPD = "rpd"
)

// Verdict is the outcome of a reservation attempt.
type Verdict int

const (
	// Ready means the reservation was taken and the call may proceed.
	Ready Verdict = iota
	// Wait means a window is full but will free up; Result.Wait carries
	// the hint.
	Wait
	// Exhausted means no amount of waiting can admit the call.
	Exhausted
)

func (v Verdict) String() string {
	switch v {
	case Ready:
		return "ready"
	case Wait:
		return "wait"
	case Exhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Result reports a reservation decision. Scope and Reason are set for Wait
// and Exhausted; Wait carries the time until the binding window's oldest
// entry falls out (for rpd, the time until local midnight).
type Result struct {
	Verdict Verdict
	Wait    time.Duration
	Scope   string
	Reason  string
}

// Reservation is the handle returned with a Ready verdict. Commit finalises
// the in-flight token estimate with real usage; committing zero releases it.
type Reservation struct {
	l     *Limiter
	entry *tokenEntry
	once  sync.Once
}

// Commit replaces the reserved token estimate with the actual count. Safe to
// call once; later calls are ignored.
func (r *Reservation) Commit(actualTokens int64) {
	if r == nil {
		return
	}
	r.once.Do(func() {
		r.l.mu.Lock()
		defer r.l.mu.Unlock()
		r.entry.tokens = actualTokens
	})
}

type tokenEntry struct {
	ts     time.Time
	tokens int64
}

// window is the per-key sliding state. requests and tokens are pruned on
// access; the day counter resets when the local date changes.
type window struct {
	requests []time.Time
	tokens   []*tokenEntry
	dayKey   string
	dayCount int
}

// Limiter guards all windows with one mutex. The key set is bounded by the
// configured models, so entries are pruned inline rather than by a
// background sweeper.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	nowFunc func() time.Time
}

// New creates a Limiter.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		windows: make(map[string]*window),
		nowFunc: time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.nowFunc = now
	}
}

// Reserve attempts to admit a call for key (provider, model) with the given
// input-token estimate. Limits travel with the call so a config reload never
// affects in-flight decisions. The returned Reservation is non-nil only for
// a Ready verdict.
func (l *Limiter) Reserve(provider, model string, estTokens int64, lim Limits) (Result, *Reservation) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFunc()
	w := l.window(provider+"/"+model, now)
	w.prune(now)

	// Zero limits and oversized estimates can never be admitted.
	if lim.RPD != nil && *lim.RPD == 0 {
		return Result{Verdict: Exhausted, Scope: ScopeRPD, Reason: "rpd limit is zero"}, nil
	}
	if lim.RPM != nil && *lim.RPM == 0 {
		return Result{Verdict: Exhausted, Scope: ScopeRPM, Reason: "rpm limit is zero"}, nil
	}
	if lim.TPM != nil {
		if *lim.TPM == 0 {
			return Result{Verdict: Exhausted, Scope: ScopeTPM, Reason: "tpm limit is zero"}, nil
		}
		if estTokens > int64(*lim.TPM) {
			return Result{
				Verdict: Exhausted,
				Scope:   ScopeTPM,
				Reason:  fmt.Sprintf("estimated %d tokens exceeds tpm limit %d", estTokens, *lim.TPM),
			}, nil
		}
	}

	// Collect the waits of every full window; the binding one is the
	// longest, since re-reserving any earlier would just block again.
	var binding *Result
	consider := func(r Result) {
		if binding == nil || r.Wait > binding.Wait {
			binding = &r
		}
	}

	if lim.RPD != nil && w.dayCount >= *lim.RPD {
		consider(Result{
			Verdict: Wait,
			Wait:    nextLocalMidnight(now).Sub(now),
			Scope:   ScopeRPD,
			Reason:  fmt.Sprintf("rpd limit %d reached", *lim.RPD),
		})
	}
	if lim.RPM != nil && len(w.requests) >= *lim.RPM {
		consider(Result{
			Verdict: Wait,
			Wait:    w.requests[0].Add(requestWindow).Sub(now),
			Scope:   ScopeRPM,
			Reason:  fmt.Sprintf("rpm limit %d reached", *lim.RPM),
		})
	}
	if lim.TPM != nil {
		var sum int64
		for _, e := range w.tokens {
			sum += e.tokens
		}
		if sum+estTokens > int64(*lim.TPM) && len(w.tokens) > 0 {
			consider(Result{
				Verdict: Wait,
				Wait:    w.tokens[0].ts.Add(requestWindow).Sub(now),
				Scope:   ScopeTPM,
				Reason:  fmt.Sprintf("tpm limit %d reached (%d in window)", *lim.TPM, sum),
			})
		}
	}
	if binding != nil {
		if binding.Wait < 0 {
			binding.Wait = 0
		}
		return *binding, nil
	}

	// Admitted: count the request and reserve the estimate in-flight.
	entry := &tokenEntry{ts: now, tokens: estTokens}
	w.requests = append(w.requests, now)
	w.tokens = append(w.tokens, entry)
	w.dayCount++
	return Result{Verdict: Ready}, &Reservation{l: l, entry: entry}
}

// window returns the state for key, rolling the day counter when the local
// date has changed.
func (l *Limiter) window(key string, now time.Time) *window {
	day := now.Local().Format("2006-01-02")
	w, ok := l.windows[key]
	if !ok {
		w = &window{dayKey: day}
		l.windows[key] = w
	}
	if w.dayKey != day {
		w.dayKey = day
		w.dayCount = 0
	}
	return w
}

func (w *window) prune(now time.Time) {
	cutoff := now.Add(-requestWindow)
	i := 0
	for i < len(w.requests) && !w.requests[i].After(cutoff) {
		i++
	}
	w.requests = w.requests[i:]

	j := 0
	for j < len(w.tokens) && !w.tokens[j].ts.After(cutoff) {
		j++
	}
	w.tokens = w.tokens[j:]
}

func nextLocalMidnight(now time.Time) time.Time {
	local := now.Local()
	y, m, d := local.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, local.Location()).Add(24 * time.Hour)
}
