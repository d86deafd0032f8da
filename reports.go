package llmgate

import (
	"context"
	"sync"
	"time"

	"github.com/jordanhubbard/llmgate/internal/events"
)

// BudgetSummary aggregates one local day of ledger commits.
type BudgetSummary struct {
	Date         string  `json:"date"`
	SpendUSD     float64 `json:"spend_usd"`
	Requests     int     `json:"requests"`
	Errors       int     `json:"errors"`
	Cancelled    int     `json:"cancelled"`
	RateLimited  int     `json:"rate_limited"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
}

// TopConsumer is one row of a spend ranking. Key is a model ID or provider
// name depending on the grouping.
type TopConsumer struct {
	Key      string  `json:"key"`
	SpendUSD float64 `json:"spend_usd"`
	Requests int     `json:"requests"`
}

// ProviderHealthStat is a provider's ledger-derived health over a window:
// request and error counts plus latency percentiles.
type ProviderHealthStat struct {
	Provider  string  `json:"provider"`
	Requests  int     `json:"requests"`
	Errors    int     `json:"errors"`
	ErrorRate float64 `json:"error_rate"`
	P50Ms     float64 `json:"p50_ms"`
	P95Ms     float64 `json:"p95_ms"`
}

// BudgetToday returns today's spend aggregate.
func (c *Client) BudgetToday(ctx context.Context) (BudgetSummary, error) {
	s, err := c.ledger.TodaySummary(ctx)
	if err != nil {
		return BudgetSummary{}, err
	}
	return BudgetSummary(s), nil
}

// BudgetReport returns per-day aggregates for the last days local days,
// oldest first, including empty days.
func (c *Client) BudgetReport(ctx context.Context, days int) ([]BudgetSummary, error) {
	trend, err := c.ledger.DailyTrend(ctx, days)
	if err != nil {
		return nil, err
	}
	out := make([]BudgetSummary, len(trend))
	for i, d := range trend {
		out[i] = BudgetSummary(d)
	}
	return out, nil
}

// BudgetTop ranks spend over the last days days grouped by "model" or
// "provider", highest spend first.
func (c *Client) BudgetTop(ctx context.Context, by string, days, limit int) ([]TopConsumer, error) {
	rows, err := c.ledger.TopConsumers(ctx, by, days, limit)
	if err != nil {
		return nil, err
	}
	out := make([]TopConsumer, len(rows))
	for i, r := range rows {
		out[i] = TopConsumer(r)
	}
	return out, nil
}

// ProviderHealth returns per-provider error rates and latency percentiles
// derived from ledger commits over the last days days.
func (c *Client) ProviderHealth(ctx context.Context, days int) ([]ProviderHealthStat, error) {
	rows, err := c.ledger.ProvidersHealth(ctx, days)
	if err != nil {
		return nil, err
	}
	out := make([]ProviderHealthStat, len(rows))
	for i, r := range rows {
		out[i] = ProviderHealthStat(r)
	}
	return out, nil
}

// EndpointStates reports the breaker state of every endpoint seen so far,
// keyed by endpoint name.
func (c *Client) EndpointStates() map[string]string {
	states := c.breakers.States()
	out := make(map[string]string, len(states))
	for name, s := range states {
		out[name] = s.String()
	}
	return out
}

// LedgerDegraded reports whether ledger writes are currently failing and
// events are buffered in memory.
func (c *Client) LedgerDegraded() bool { return c.ledger.Degraded() }

// Alert type values delivered by Alerts.
const (
	AlertBudgetWarning   = "budget_warning"
	AlertBudgetExceeded  = "budget_exceeded"
	AlertBreakerChange   = "breaker_change"
	AlertHealthChange    = "health_change"
	AlertLedgerDegraded  = "ledger_degraded"
	AlertLedgerRecovered = "ledger_recovered"
	AlertRateLimitWait   = "rate_limit_wait"
)

// Alert is one operational event: budget warnings and rejections, breaker
// transitions, provider health changes, ledger degradation, rate limit
// waits.
type Alert struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`

	SpentUSD    float64 `json:"spent_usd,omitempty"`
	LimitUSD    float64 `json:"limit_usd,omitempty"`
	EstimateUSD float64 `json:"estimate_usd,omitempty"`

	OldState string `json:"old_state,omitempty"`
	NewState string `json:"new_state,omitempty"`

	WaitMs float64 `json:"wait_ms,omitempty"`
	Scope  string  `json:"scope,omitempty"`

	Reason string `json:"reason,omitempty"`
}

// Alerts subscribes to the client's alert feed. buf bounds the
// subscription buffer (values at or below zero get a default); alerts
// beyond a full buffer are dropped rather than slowing calls. The returned
// cancel releases the subscription and closes the channel; it is safe to
// call more than once.
func (c *Client) Alerts(buf int) (<-chan Alert, func()) {
	sub := c.alerts.Subscribe(buf)
	if buf <= 0 {
		buf = 64
	}
	out := make(chan Alert, buf)
	done := make(chan struct{})

	go func() {
		defer close(out)
		for {
			select {
			case a, ok := <-sub.C:
				if !ok {
					return
				}
				select {
				case out <- publicAlert(a):
				case <-done:
					return
				}
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.alerts.Unsubscribe(sub)
			close(done)
		})
	}
	return out, cancel
}

func publicAlert(a events.Alert) Alert {
	return Alert{
		Type:        string(a.Type),
		Timestamp:   a.Timestamp,
		Provider:    a.Provider,
		Model:       a.Model,
		Endpoint:    a.Endpoint,
		TraceID:     a.TraceID,
		SpentUSD:    a.SpentUSD,
		LimitUSD:    a.LimitUSD,
		EstimateUSD: a.EstimateUSD,
		OldState:    a.OldState,
		NewState:    a.NewState,
		WaitMs:      a.WaitMs,
		Scope:       a.Scope,
		Reason:      a.Reason,
	}
}
