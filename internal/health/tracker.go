// Package health tracks per-provider runtime health: consecutive failures,
// EWMA latency, and a healthy/degraded/down state with cooldown. It feeds
// the report server's /healthz detail and the provider health report.
package health

import (
	"sort"
	"sync"
	"time"

	"github.com/jordanhubbard/llmgate/internal/events"
)

// State is the health state of a provider.
type State string

const (
	StateHealthy  State = "healthy"
	StateDegraded State = "degraded"
	StateDown     State = "down"
)

// Stats is the health snapshot of one provider.
type Stats struct {
	Provider      string    `json:"provider"`
	State         State     `json:"state"`
	TotalRequests int64     `json:"total_requests"`
	TotalErrors   int64     `json:"total_errors"`
	ConsecErrors  int       `json:"consec_errors"`
	AvgLatencyMs  float64   `json:"avg_latency_ms"`
	LastError     string    `json:"last_error,omitempty"`
	LastErrorTime time.Time `json:"last_error_time,omitempty"`
	LastSuccessAt time.Time `json:"last_success_at,omitempty"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
}

// ErrorRate returns the lifetime error fraction.
func (s Stats) ErrorRate() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.TotalErrors) / float64(s.TotalRequests)
}

// TrackerConfig sets the state-transition thresholds.
type TrackerConfig struct {
	// ConsecErrorsForDegraded: consecutive errors before the degraded state.
	ConsecErrorsForDegraded int
	// ConsecErrorsForDown: consecutive errors before the down state.
	ConsecErrorsForDown int
	// CooldownDuration: how long a down provider is reported unavailable.
	CooldownDuration time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() TrackerConfig {
	return TrackerConfig{
		ConsecErrorsForDegraded: 2,
		ConsecErrorsForDown:     5,
		CooldownDuration:        30 * time.Second,
	}
}

// Tracker tracks runtime health of all providers seen by the client.
type Tracker struct {
	cfg      TrackerConfig
	bus      *events.Bus
	onUpdate func(provider string, state State)

	mu    sync.RWMutex
	stats map[string]*Stats
}

// TrackerOption configures optional Tracker behaviour.
type TrackerOption func(*Tracker)

// WithAlertBus publishes a health_change alert on every state transition.
func WithAlertBus(bus *events.Bus) TrackerOption {
	return func(t *Tracker) { t.bus = bus }
}

// WithOnUpdate registers a callback invoked on every RecordSuccess and
// RecordError (not just transitions). Use it to keep external gauges current.
func WithOnUpdate(fn func(provider string, state State)) TrackerOption {
	return func(t *Tracker) { t.onUpdate = fn }
}

// NewTracker creates a health tracker with the given config.
func NewTracker(cfg TrackerConfig, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		cfg:   cfg,
		stats: make(map[string]*Stats),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RecordSuccess records a successful call to a provider.
func (t *Tracker) RecordSuccess(provider string, latencyMs float64) {
	t.mu.Lock()

	s := t.getOrCreate(provider)
	oldState := s.State

	s.TotalRequests++
	s.ConsecErrors = 0
	s.LastSuccessAt = time.Now()
	s.State = StateHealthy
	s.CooldownUntil = time.Time{}

	// EWMA, heavily weighted towards history.
	if s.TotalRequests == 1 {
		s.AvgLatencyMs = latencyMs
	} else {
		s.AvgLatencyMs = s.AvgLatencyMs*0.9 + latencyMs*0.1
	}

	newState := s.State
	t.mu.Unlock()

	t.notify(provider, oldState, newState, "success recorded")
}

// RecordError records a failed call to a provider.
func (t *Tracker) RecordError(provider string, errMsg string) {
	t.mu.Lock()

	s := t.getOrCreate(provider)
	oldState := s.State

	s.TotalRequests++
	s.TotalErrors++
	s.ConsecErrors++
	s.LastError = errMsg
	s.LastErrorTime = time.Now()

	if s.ConsecErrors >= t.cfg.ConsecErrorsForDown {
		s.State = StateDown
		s.CooldownUntil = time.Now().Add(t.cfg.CooldownDuration)
	} else if s.ConsecErrors >= t.cfg.ConsecErrorsForDegraded {
		s.State = StateDegraded
	}

	newState := s.State
	t.mu.Unlock()

	t.notify(provider, oldState, newState, errMsg)
}

func (t *Tracker) notify(provider string, oldState, newState State, reason string) {
	if t.onUpdate != nil {
		t.onUpdate(provider, newState)
	}
	if oldState != newState && t.bus != nil {
		t.bus.Publish(events.Alert{
			Type:     events.AlertHealthChange,
			Provider: provider,
			OldState: string(oldState),
			NewState: string(newState),
			Reason:   reason,
		})
	}
}

// IsAvailable reports whether a provider should receive requests. Unknown
// providers are assumed available.
func (t *Tracker) IsAvailable(provider string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.stats[provider]
	if !ok {
		return true
	}
	if s.State == StateDown && time.Now().Before(s.CooldownUntil) {
		return false
	}
	return true
}

// ProviderStats returns a copy of one provider's health snapshot.
func (t *Tracker) ProviderStats(provider string) Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.stats[provider]
	if !ok {
		return Stats{Provider: provider, State: StateHealthy}
	}
	return *s
}

// AllStats returns every known provider's snapshot, sorted by provider name.
func (t *Tracker) AllStats() []Stats {
	t.mu.RLock()
	result := make([]Stats, 0, len(t.stats))
	for _, s := range t.stats {
		result = append(result, *s)
	}
	t.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool { return result[i].Provider < result[j].Provider })
	return result
}

func (t *Tracker) getOrCreate(provider string) *Stats {
	s, ok := t.stats[provider]
	if !ok {
		s = &Stats{Provider: provider, State: StateHealthy}
		t.stats[provider] = s
	}
	return s
}
