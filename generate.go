package llmgate

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jordanhubbard/llmgate/config"
	"github.com/jordanhubbard/llmgate/internal/budget"
	"github.com/jordanhubbard/llmgate/internal/events"
	"github.com/jordanhubbard/llmgate/internal/ledger"
	"github.com/jordanhubbard/llmgate/internal/ratelimit"
	"github.com/jordanhubbard/llmgate/internal/retry"
	"github.com/jordanhubbard/llmgate/internal/stats"
	"github.com/jordanhubbard/llmgate/providers"
)

// GenerateResult pairs a response with its error for the async surface.
type GenerateResult struct {
	Response *GenerationResponse
	Err      error
}

// call carries one request through the admission pipeline. It is built by
// prepare and finished exactly once, by commitSuccess or finishFailure.
type call struct {
	traceID  string
	t0       time.Time
	alias    string
	spec     config.ModelSpec
	endpoint config.Endpoint
	adapter  providers.Adapter
	req      *providers.Request

	estTokens int
	estimate  float64

	budget      *budget.Controller
	runner      *retry.Runner
	reservation *ratelimit.Reservation
}

// Generate performs one blocking generation call against the model behind
// alias. parts form the prompt; gcfg may be nil for defaults. The returned
// response carries the trace ID, reported usage, the charged cost, and
// timing.
//
// Admission can fail before any provider traffic: an unknown alias or
// missing adapter returns ConfigError, residency or outage filtering
// NoEndpointError, the daily cap QuotaExceededError, and an impossible
// reservation RateLimitedError. Everything admitted lands in the ledger
// with a terminal event, success or not.
func (c *Client) Generate(ctx context.Context, parts []ContentPart, alias string, gcfg *GenConfig) (*GenerationResponse, error) {
	ca, err := c.prepare(ctx, parts, alias, gcfg)
	if err != nil {
		return nil, err
	}

	ictx := providers.WithTraceID(ctx, ca.traceID)
	var resp *providers.GenerationResponse
	err = ca.runner.Do(ictx, func(ctx context.Context) error {
		r, ierr := ca.adapter.Invoke(ctx, ca.req)
		if ierr != nil {
			return ierr
		}
		resp = r
		return nil
	})
	if err != nil {
		mapped := callError(ca.traceID, ca.spec.Provider, ca.spec.ModelID, err)
		c.finishFailure(ca, mapped)
		return nil, mapped
	}

	timing := resp.Timing
	if timing.TotalMs == 0 {
		timing.TotalMs = c.sinceMs(ca.t0)
	}
	if timing.TTFTMs == 0 {
		timing.TTFTMs = timing.TotalMs
	}
	cost := actualCost(ca.spec, resp.Usage, ca.estimate, resp.CostUSD)

	resp.TraceID = ca.traceID
	resp.Provider = ca.spec.Provider
	resp.CostUSD = cost
	resp.Timing = timing

	c.commitSuccess(ca, resp.Usage, cost, timing, resp.FinishReason)
	return resp, nil
}

// GenerateText is the content-only form of Generate for plain text prompts.
func (c *Client) GenerateText(ctx context.Context, prompt, alias string, gcfg *GenConfig) (string, error) {
	resp, err := c.Generate(ctx, []ContentPart{providers.Text(prompt)}, alias, gcfg)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// GenerateAsync runs Generate on its own goroutine and delivers the single
// result on the returned channel, which is then closed.
func (c *Client) GenerateAsync(ctx context.Context, parts []ContentPart, alias string, gcfg *GenConfig) <-chan GenerateResult {
	ch := make(chan GenerateResult, 1)
	go func() {
		defer close(ch)
		resp, err := c.Generate(ctx, parts, alias, gcfg)
		ch <- GenerateResult{Response: resp, Err: err}
	}()
	return ch
}

// prepare runs the admission pipeline shared by Generate and Stream: trace
// allocation, alias resolution, cost estimation, budget check, and rate
// limit reservation. On a nil error the returned call holds a reservation
// and is cleared for provider traffic.
func (c *Client) prepare(ctx context.Context, parts []ContentPart, alias string, gcfg *GenConfig) (*call, error) {
	cfg := c.cfg.Load()

	ca := &call{
		traceID: uuid.NewString(),
		t0:      c.now(),
		alias:   alias,
		budget:  c.budget.Load(),
	}

	resolved, err := c.resolver.Resolve(cfg, alias)
	if err != nil {
		return nil, resolveError(err)
	}
	ca.spec = resolved.Spec
	ca.endpoint = resolved.Endpoint
	if resolved.Probe {
		c.log.Info("all endpoints open, probing the oldest",
			"trace_id", ca.traceID, "endpoint", ca.endpoint.Name)
	}

	adapter, err := c.adapterFor(cfg, ca.spec.Provider, ca.endpoint)
	if err != nil {
		return nil, err
	}
	ca.adapter = adapter

	var gc providers.GenConfig
	if gcfg != nil {
		gc = *gcfg
	}
	ca.req = &providers.Request{TraceID: ca.traceID, Model: ca.spec.ModelID, Parts: parts, Config: gc}

	ca.estTokens = adapter.EstimateTokens(ca.req)
	ca.estimate = estimateCost(ca.spec, ca.req, ca.estTokens)

	decision, err := ca.budget.Check(ctx, ca.traceID, ca.spec.Provider, ca.spec.ModelID, ca.estimate)
	if err != nil {
		return nil, &CancelledError{TraceID: ca.traceID, Err: err}
	}
	if decision.Outcome == budget.Reject {
		ca.budget.Cancel(ca.traceID, ca.spec.Provider, ca.spec.ModelID, "quota")
		c.log.Warn("request rejected by daily budget",
			"trace_id", ca.traceID, "alias", alias,
			"spent_usd", decision.SpentUSD, "estimate_usd", ca.estimate, "limit_usd", decision.LimitUSD)
		return nil, &QuotaExceededError{
			TraceID:     ca.traceID,
			SpentUSD:    decision.SpentUSD,
			LimitUSD:    decision.LimitUSD,
			EstimateUSD: ca.estimate,
		}
	}

	ca.runner = retry.NewRunner(retryPolicy(cfg.Resilience),
		retry.WithObserver(c.retryObserver(ca)),
		retry.WithSleep(c.sleep),
	)

	if err := c.reserve(ctx, cfg, ca); err != nil {
		return nil, err
	}
	return ca, nil
}

// reserve loops on the limiter until a reservation is taken or waiting is
// no longer allowed. Each wait is charged against the call's retry budget
// and wait ceiling, recorded in the ledger, and announced on the alert
// bus.
func (c *Client) reserve(ctx context.Context, cfg *config.MergedConfig, ca *call) error {
	provider, model := ca.spec.Provider, ca.spec.ModelID
	lim := ratelimit.Limits{RPM: ca.spec.Limits.RPM, TPM: ca.spec.Limits.TPM, RPD: ca.spec.Limits.RPD}

	for {
		res, reservation := c.limiter.Reserve(provider, model, int64(ca.estTokens), lim)
		switch res.Verdict {
		case ratelimit.Ready:
			ca.reservation = reservation
			return nil

		case ratelimit.Exhausted:
			err := &RateLimitedError{
				TraceID: ca.traceID, Provider: provider, Model: model,
				Scope: res.Scope, Reason: res.Reason,
			}
			c.finishFailure(ca, err)
			return err

		default: // a full window; wait for its oldest entry to expire
			if !cfg.Resilience.WaitOnRateLimit {
				err := &RateLimitedError{
					TraceID: ca.traceID, Provider: provider, Model: model,
					Scope: res.Scope, Wait: res.Wait,
					Reason: "waiting disabled by resilience policy",
				}
				c.finishFailure(ca, err)
				return err
			}

			waitMs := durationMs(res.Wait)
			c.metrics.RateLimitWaits.WithLabelValues(provider, model, res.Scope).Inc()
			c.alerts.Publish(events.Alert{
				Type: events.AlertRateLimitWait,
				Provider: provider, Model: model, TraceID: ca.traceID,
				WaitMs: waitMs, Scope: res.Scope,
			})
			c.ledger.Append(&ledger.Event{
				TraceID:  ca.traceID,
				Type:     ledger.EventRetryAttempt,
				Provider: provider,
				Model:    model,
				Metadata: map[string]any{"reason": "rate_limit_wait", "scope": res.Scope, "wait_ms": waitMs},
			})
			c.log.Info("rate limit window full, waiting",
				"trace_id", ca.traceID, "provider", provider, "model", model,
				"scope", res.Scope, "wait", res.Wait)

			if err := ca.runner.WaitQuota(ctx, res.Wait); err != nil {
				mapped := c.waitError(ca, res, err)
				c.finishFailure(ca, mapped)
				return mapped
			}
		}
	}
}

// waitError maps a WaitQuota failure: ceiling crossings keep their own
// types, everything else means the caller's context ended.
func (c *Client) waitError(ca *call, res ratelimit.Result, err error) error {
	var te *retry.TimeoutError
	switch {
	case errors.As(err, &te):
		return &TimeoutExceededError{TraceID: ca.traceID, Waited: te.Waited, Limit: te.Limit}
	case errors.Is(err, retry.ErrBudgetExhausted):
		return &RateLimitedError{
			TraceID: ca.traceID, Provider: ca.spec.Provider, Model: ca.spec.ModelID,
			Scope: res.Scope, Wait: res.Wait,
			Reason: "retry budget exhausted before a window opened",
		}
	default:
		return &CancelledError{TraceID: ca.traceID, Err: err}
	}
}

// commitSuccess finalizes an admitted call that produced a response:
// reservation settles on real tokens, the ledger gets the terminal commit,
// and the endpoint's breaker, health tracker, stats window, and metrics
// all record the outcome.
func (c *Client) commitSuccess(ca *call, usage providers.TokenUsage, cost float64, timing providers.Timing, finish providers.FinishReason) {
	provider, model := ca.spec.Provider, ca.spec.ModelID

	if ca.reservation != nil {
		actual := int64(ca.estTokens)
		if usage.Known && usage.TotalTokens > 0 {
			actual = usage.TotalTokens
		}
		ca.reservation.Commit(actual)
	}

	ca.budget.Commit(budget.Commit{
		TraceID:   ca.traceID,
		Provider:  provider,
		Model:     model,
		ActualUSD: cost,
		Usage:     toLedgerUsage(usage),
		Status:    ledger.StatusOK,
		Timing:    &ledger.Timing{TTFTMs: timing.TTFTMs, TotalMs: timing.TotalMs},
		Metadata: map[string]any{
			"alias":         ca.alias,
			"endpoint":      ca.endpoint.Name,
			"finish_reason": string(finish),
			"attempts":      ca.runner.Attempts(),
		},
	})

	c.breakers.Get(ca.endpoint.Name).RecordSuccess()
	c.tracker.RecordSuccess(provider, timing.TotalMs)
	c.stats.Record(stats.Snapshot{
		Timestamp:    c.now().UTC(),
		Model:        model,
		Provider:     provider,
		LatencyMs:    timing.TotalMs,
		CostUSD:      cost,
		Success:      true,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
	})
	c.metrics.RequestsTotal.WithLabelValues(provider, model, string(ledger.StatusOK)).Inc()
	c.metrics.RequestDuration.WithLabelValues(provider, model).Observe(timing.TotalMs / 1000)

	c.log.Info("call completed",
		"trace_id", ca.traceID, "alias", ca.alias, "provider", provider, "model", model,
		"cost_usd", cost, "total_ms", timing.TotalMs, "finish_reason", string(finish),
		"attempts", ca.runner.Attempts())
}

// finishFailure records the terminal event of an admitted call that will
// not produce a response. Cancellations release the hold without charging;
// every other failure commits with its error kind so reports can break
// failures down.
func (c *Client) finishFailure(ca *call, err error) {
	provider, model := ca.spec.Provider, ca.spec.ModelID
	totalMs := c.sinceMs(ca.t0)
	attempts := ca.runner.Attempts()

	if ca.reservation != nil {
		ca.reservation.Commit(int64(ca.estTokens))
	}

	status := commitStatus(err)
	if status == ledger.StatusCancelled {
		ca.budget.Cancel(ca.traceID, provider, model, "cancelled")
	} else {
		ca.budget.Commit(budget.Commit{
			TraceID:  ca.traceID,
			Provider: provider,
			Model:    model,
			Status:   status,
			Timing:   &ledger.Timing{TotalMs: totalMs},
			Metadata: map[string]any{
				"alias":    ca.alias,
				"endpoint": ca.endpoint.Name,
				"kind":     errorKind(err),
				"error":    truncated(err.Error()),
				"attempts": attempts,
			},
		})
	}

	// Local admission failures never reached the provider; only real
	// provider trouble feeds the breaker and health signals.
	if attempts > 0 {
		switch err.(type) {
		case *ProviderError, *TimeoutExceededError:
			c.breakers.Get(ca.endpoint.Name).RecordFailure()
			c.tracker.RecordError(provider, err.Error())
		case *AuthError, *RateLimitedError:
			c.tracker.RecordError(provider, err.Error())
		}
		c.stats.Record(stats.Snapshot{
			Timestamp: c.now().UTC(),
			Model:     model,
			Provider:  provider,
			LatencyMs: totalMs,
			Success:   false,
		})
	}
	c.metrics.RequestsTotal.WithLabelValues(provider, model, string(status)).Inc()
	c.metrics.RequestDuration.WithLabelValues(provider, model).Observe(totalMs / 1000)

	c.log.Warn("call failed",
		"trace_id", ca.traceID, "alias", ca.alias, "provider", provider, "model", model,
		"status", string(status), "kind", errorKind(err), "attempts", attempts, "error", err)
}

// retryObserver records each retried attempt in the ledger and metrics
// before the runner sleeps.
func (c *Client) retryObserver(ca *call) retry.Observer {
	return func(a retry.Attempt) {
		provider, model := ca.spec.Provider, ca.spec.ModelID
		c.metrics.RetriesTotal.WithLabelValues(provider, model, string(a.Class)).Inc()
		c.ledger.Append(&ledger.Event{
			TraceID:  ca.traceID,
			Type:     ledger.EventRetryAttempt,
			Provider: provider,
			Model:    model,
			Metadata: map[string]any{
				"attempt":  a.Number,
				"class":    string(a.Class),
				"delay_ms": durationMs(a.Wait),
				"error":    truncated(a.Err.Error()),
			},
		})
		c.log.Warn("provider call failed, backing off",
			"trace_id", ca.traceID, "provider", provider, "model", model,
			"attempt", a.Number, "class", string(a.Class), "backoff", a.Wait, "error", a.Err)
	}
}

func retryPolicy(r config.Resilience) retry.Policy {
	return retry.Policy{
		MaxRetries:      r.MaxRetries,
		BaseDelay:       secondsDuration(r.BaseDelayS),
		MaxDelay:        secondsDuration(r.MaxDelayS),
		RetryBudget:     secondsDuration(r.RetryBudgetS),
		WaitOnRateLimit: r.WaitOnRateLimit,
		MaxWaitTimeout:  secondsDuration(r.MaxWaitTimeoutS),
	}
}

func toLedgerUsage(u providers.TokenUsage) *ledger.Usage {
	return &ledger.Usage{
		InputTokens:   u.InputTokens,
		OutputTokens:  u.OutputTokens,
		TotalTokens:   u.TotalTokens,
		Images:        u.Images,
		AudioSeconds:  u.AudioSeconds,
		TTSCharacters: u.TTSCharacters,
		Known:         u.Known,
	}
}

func (c *Client) sinceMs(t0 time.Time) float64 {
	return float64(c.now().Sub(t0)) / float64(time.Millisecond)
}

func secondsDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func truncated(s string) string {
	const max = 200
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
