// Package budget enforces the daily USD spend cap. Spend is computed from
// the ledger: committed actuals plus the estimates of still-outstanding
// holds, over the local-midnight window.
package budget

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jordanhubbard/llmgate/config"
	"github.com/jordanhubbard/llmgate/internal/events"
	"github.com/jordanhubbard/llmgate/internal/ledger"
	"github.com/jordanhubbard/llmgate/internal/metrics"
)

// Outcome is the admission verdict for one request.
type Outcome int

const (
	// Allow admits the request.
	Allow Outcome = iota
	// Warn admits the request and marks the first warn-threshold crossing
	// of the day.
	Warn
	// Reject refuses the request: the cap would be exceeded.
	Reject
)

func (o Outcome) String() string {
	switch o {
	case Allow:
		return "allow"
	case Warn:
		return "warn"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

// Decision carries the verdict and the numbers it was based on.
type Decision struct {
	Outcome     Outcome
	SpentUSD    float64
	LimitUSD    float64
	EstimateUSD float64
}

// Option configures a Controller.
type Option func(*Controller)

func WithLogger(log *slog.Logger) Option {
	return func(c *Controller) { c.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

func WithAlerts(bus *events.Bus) Option {
	return func(c *Controller) { c.alerts = bus }
}

func WithMetrics(m *metrics.Registry) Option {
	return func(c *Controller) { c.metrics = m }
}

// Controller guards the daily spend cap in one of two modes. Best-effort
// checks read the ledger and admit; concurrent requests may slip past the
// cap together. Strict mode serialises admission and records a durable
// precheck hold before returning, so at most one request wins a contested
// last slice of budget.
type Controller struct {
	led     *ledger.Ledger
	cfg     config.Budget
	log     *slog.Logger
	now     func() time.Time
	alerts  *events.Bus
	metrics *metrics.Registry

	// strictMu serialises the read-decide-hold sequence in strict mode.
	strictMu sync.Mutex

	mu          sync.Mutex
	lastWarnDay string
}

// New creates a Controller over the given ledger.
func New(led *ledger.Ledger, cfg config.Budget, opts ...Option) *Controller {
	c := &Controller{
		led: led,
		cfg: cfg,
		log: slog.Default(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check decides whether a request with the given estimate may proceed.
// The returned error is non-nil only when ctx ends while waiting for a
// strict hold to become durable.
func (c *Controller) Check(ctx context.Context, traceID, provider, model string, estimateUSD float64) (Decision, error) {
	if c.cfg.Strict {
		c.strictMu.Lock()
		defer c.strictMu.Unlock()
	}

	d := Decision{LimitUSD: c.cfg.DailySpendLimitUSD, EstimateUSD: estimateUSD}

	spent, err := c.led.SpendToday(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return Decision{}, ctx.Err()
		}
		// Accounting reads failing must not fail the call. Admit and log.
		c.log.Warn("budget check could not read ledger, admitting", "error", err)
		d.Outcome = Allow
		return d, nil
	}
	d.SpentUSD = spent

	// A zero limit admits nothing, including free calls.
	if d.LimitUSD == 0 || spent+estimateUSD > d.LimitUSD {
		d.Outcome = Reject
		if c.metrics != nil {
			c.metrics.BudgetRejects.Inc()
		}
		if c.alerts != nil {
			c.alerts.Publish(events.Alert{
				Type:        events.AlertBudgetExceeded,
				Provider:    provider,
				Model:       model,
				TraceID:     traceID,
				SpentUSD:    spent,
				LimitUSD:    d.LimitUSD,
				EstimateUSD: estimateUSD,
			})
		}
		return d, nil
	}

	d.Outcome = Allow
	if (spent+estimateUSD)/d.LimitUSD >= c.cfg.WarnRatio && c.markWarned() {
		d.Outcome = Warn
		c.log.Warn("daily budget warning threshold crossed",
			"spent_usd", spent, "estimate_usd", estimateUSD, "limit_usd", d.LimitUSD)
		if c.alerts != nil {
			c.alerts.Publish(events.Alert{
				Type:        events.AlertBudgetWarning,
				Provider:    provider,
				Model:       model,
				TraceID:     traceID,
				SpentUSD:    spent,
				LimitUSD:    d.LimitUSD,
				EstimateUSD: estimateUSD,
			})
		}
	}

	if c.cfg.Strict {
		h := c.led.AppendSync(&ledger.Event{
			TraceID:  traceID,
			Type:     ledger.EventHold,
			Provider: provider,
			Model:    model,
			CostEst:  estimateUSD,
		})
		if err := h.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return Decision{}, ctx.Err()
			}
			// The ledger is degraded; strict admission proceeds without
			// its hold rather than failing the call.
			c.log.Warn("strict budget hold not durable", "trace_id", traceID, "error", err)
		}
	}
	// Best-effort mode records no hold.

	return d, nil
}

// markWarned reports whether this is the first warning of the local day.
func (c *Controller) markWarned() bool {
	day := c.now().Format("2006-01-02")
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastWarnDay == day {
		return false
	}
	c.lastWarnDay = day
	return true
}

// Commit records the terminal event of a finished call. It supersedes any
// hold for spend aggregation.
type Commit struct {
	TraceID   string
	Provider  string
	Model     string
	ActualUSD float64
	Usage     *ledger.Usage
	Status    ledger.Status
	Timing    *ledger.Timing
	Metadata  map[string]any
}

// Commit writes the terminal commit event and the cost/token metrics.
func (c *Controller) Commit(rec Commit) {
	c.led.Append(&ledger.Event{
		TraceID:    rec.TraceID,
		Type:       ledger.EventCommit,
		Provider:   rec.Provider,
		Model:      rec.Model,
		Usage:      rec.Usage,
		CostActual: rec.ActualUSD,
		Status:     rec.Status,
		Timing:     rec.Timing,
		Metadata:   rec.Metadata,
	})
	if c.metrics != nil {
		c.metrics.CostUSD.WithLabelValues(rec.Provider, rec.Model).Add(rec.ActualUSD)
		if rec.Usage != nil {
			c.metrics.TokensTotal.WithLabelValues(rec.Provider, rec.Model, "input").Add(float64(rec.Usage.InputTokens))
			c.metrics.TokensTotal.WithLabelValues(rec.Provider, rec.Model, "output").Add(float64(rec.Usage.OutputTokens))
		}
	}
}

// Cancel writes the terminal cancel event; aggregation drops the hold.
func (c *Controller) Cancel(traceID, provider, model, reason string) {
	c.led.Append(&ledger.Event{
		TraceID:  traceID,
		Type:     ledger.EventCancel,
		Provider: provider,
		Model:    model,
		Status:   ledger.StatusCancelled,
		Metadata: map[string]any{"reason": reason},
	})
}

// Adjust corrects a committed cost by a signed delta.
func (c *Controller) Adjust(traceID, provider, model string, deltaUSD float64) {
	c.led.Append(&ledger.Event{
		TraceID:    traceID,
		Type:       ledger.EventAdjust,
		Provider:   provider,
		Model:      model,
		CostActual: deltaUSD,
	})
	// Counters cannot go down; negative corrections live only in the ledger.
	if c.metrics != nil && deltaUSD > 0 {
		c.metrics.CostUSD.WithLabelValues(provider, model).Add(deltaUSD)
	}
}
