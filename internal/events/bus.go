package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Type identifies the kind of alert.
type Type string

const (
	// AlertBudgetWarning fires once per local day when spend first crosses
	// the warn ratio.
	AlertBudgetWarning Type = "budget_warning"
	// AlertBudgetExceeded fires for every request rejected by the cap.
	AlertBudgetExceeded Type = "budget_exceeded"
	AlertBreakerChange   Type = "breaker_change"
	AlertHealthChange    Type = "health_change"
	AlertLedgerDegraded  Type = "ledger_degraded"
	AlertLedgerRecovered Type = "ledger_recovered"
	AlertRateLimitWait   Type = "rate_limit_wait"
)

// Alert is a single operational event published on the bus.
type Alert struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`

	// Budget fields.
	SpentUSD    float64 `json:"spent_usd,omitempty"`
	LimitUSD    float64 `json:"limit_usd,omitempty"`
	EstimateUSD float64 `json:"estimate_usd,omitempty"`

	// Breaker fields.
	OldState string `json:"old_state,omitempty"`
	NewState string `json:"new_state,omitempty"`

	// Rate-limit fields. Scope is the exhausted window (rpm, tpm or rpd).
	WaitMs float64 `json:"wait_ms,omitempty"`
	Scope  string  `json:"scope,omitempty"`

	Reason string `json:"reason,omitempty"`
}

// JSON returns the alert as a JSON byte slice.
func (a *Alert) JSON() []byte {
	b, _ := json.Marshal(a)
	return b
}

// Subscriber receives alerts on a channel.
type Subscriber struct {
	C    chan Alert
	done chan struct{}
}

// Bus is an in-memory pub/sub bus for operational alerts. Publishing never
// blocks the request path; slow subscribers lose alerts.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
}

// NewBus creates a new alert bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[*Subscriber]struct{}),
	}
}

// Subscribe creates a new subscriber with a buffered channel.
func (b *Bus) Subscribe(bufSize int) *Subscriber {
	if bufSize <= 0 {
		bufSize = 64
	}
	s := &Subscriber{
		C:    make(chan Alert, bufSize),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.subscribers[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	delete(b.subscribers, s)
	b.mu.Unlock()
	close(s.done)
}

// Publish sends an alert to all subscribers (non-blocking).
func (b *Bus) Publish(a Alert) {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subscribers {
		select {
		case s.C <- a:
		default:
			// Drop alert if subscriber is slow (back-pressure).
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
