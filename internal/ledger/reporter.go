package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// DaySummary aggregates one local day of accounting.
type DaySummary struct {
	Date         string  `json:"date"`
	SpendUSD     float64 `json:"spend_usd"`
	Requests     int     `json:"requests"`
	Errors       int     `json:"errors"`
	Cancelled    int     `json:"cancelled"`
	RateLimited  int     `json:"rate_limited"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
}

// Consumer is one row of a top-spenders report.
type Consumer struct {
	Key      string  `json:"key"`
	SpendUSD float64 `json:"spend_usd"`
	Requests int     `json:"requests"`
}

// ProviderHealth summarises commit outcomes for one provider.
type ProviderHealth struct {
	Provider  string  `json:"provider"`
	Requests  int     `json:"requests"`
	Errors    int     `json:"errors"`
	ErrorRate float64 `json:"error_rate"`
	P50Ms     float64 `json:"p50_ms"`
	P95Ms     float64 `json:"p95_ms"`
}

// TodaySummary reports the current local day from midnight to now.
func (l *Ledger) TodaySummary(ctx context.Context) (DaySummary, error) {
	now := l.now()
	return l.daySummary(ctx, localMidnight(now), now)
}

// DailyTrend reports the last `days` local days, oldest first, today last.
func (l *Ledger) DailyTrend(ctx context.Context, days int) ([]DaySummary, error) {
	if days < 1 {
		days = 1
	}
	now := l.now()
	out := make([]DaySummary, 0, days)
	for i := days - 1; i >= 0; i-- {
		start := localMidnight(now.AddDate(0, 0, -i))
		end := start.AddDate(0, 0, 1)
		if end.After(now) {
			end = now
		}
		s, err := l.daySummary(ctx, start, end)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (l *Ledger) daySummary(ctx context.Context, start, end time.Time) (DaySummary, error) {
	s := DaySummary{Date: start.Format("2006-01-02")}

	spend, err := l.spendBetween(ctx, start, end)
	if err != nil {
		return s, err
	}
	s.SpendUSD = spend

	const q = `
		SELECT status, usage_json FROM events
		WHERE event_type = 'commit' AND timestamp >= ? AND timestamp < ?`
	rows, err := l.store.db.QueryContext(ctx, q, unixSeconds(start), unixSeconds(end))
	if err != nil {
		return s, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var status, usageJSON string
		if err := rows.Scan(&status, &usageJSON); err != nil {
			return s, err
		}
		s.Requests++
		switch Status(status) {
		case StatusError:
			s.Errors++
		case StatusCancelled:
			s.Cancelled++
		case StatusRateLimited:
			s.RateLimited++
		}
		if u := parseUsage(usageJSON); u != nil {
			s.InputTokens += u.InputTokens
			s.OutputTokens += u.OutputTokens
		}
	}
	return s, rows.Err()
}

// TopConsumers ranks spend over the last `days` local days grouped by
// "model" or "provider".
func (l *Ledger) TopConsumers(ctx context.Context, by string, days, limit int) ([]Consumer, error) {
	var group string
	switch by {
	case "model":
		group = "model"
	case "provider":
		group = "provider"
	default:
		return nil, fmt.Errorf("ledger: top consumers by %q (want model or provider)", by)
	}
	if days < 1 {
		days = 1
	}
	if limit < 1 {
		limit = 5
	}
	now := l.now()
	start := localMidnight(now.AddDate(0, 0, -(days - 1)))

	q := fmt.Sprintf(`
		SELECT %s,
		       SUM(cost_actual_usd),
		       SUM(CASE WHEN event_type = 'commit' THEN 1 ELSE 0 END)
		FROM events
		WHERE event_type IN ('commit', 'adjust') AND timestamp >= ? AND timestamp < ?
		GROUP BY %s
		ORDER BY 2 DESC
		LIMIT ?`, group, group)
	rows, err := l.store.db.QueryContext(ctx, q, unixSeconds(start), unixSeconds(now), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Consumer
	for rows.Next() {
		var c Consumer
		if err := rows.Scan(&c.Key, &c.SpendUSD, &c.Requests); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ProvidersHealth summarises commit latency and error rates per provider
// over the last `days` local days.
func (l *Ledger) ProvidersHealth(ctx context.Context, days int) ([]ProviderHealth, error) {
	if days < 1 {
		days = 1
	}
	now := l.now()
	start := localMidnight(now.AddDate(0, 0, -(days - 1)))

	const q = `
		SELECT provider, status, timing_json FROM events
		WHERE event_type = 'commit' AND timestamp >= ? AND timestamp < ?`
	rows, err := l.store.db.QueryContext(ctx, q, unixSeconds(start), unixSeconds(now))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	type acc struct {
		requests  int
		errors    int
		latencies []float64
	}
	byProvider := map[string]*acc{}
	var order []string
	for rows.Next() {
		var provider, status, timingJSON string
		if err := rows.Scan(&provider, &status, &timingJSON); err != nil {
			return nil, err
		}
		a := byProvider[provider]
		if a == nil {
			a = &acc{}
			byProvider[provider] = a
			order = append(order, provider)
		}
		a.requests++
		if Status(status) == StatusError {
			a.errors++
		}
		if tm := parseTiming(timingJSON); tm != nil && tm.TotalMs > 0 {
			a.latencies = append(a.latencies, tm.TotalMs)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Strings(order)
	out := make([]ProviderHealth, 0, len(order))
	for _, provider := range order {
		a := byProvider[provider]
		h := ProviderHealth{Provider: provider, Requests: a.requests, Errors: a.errors}
		if a.requests > 0 {
			h.ErrorRate = float64(a.errors) / float64(a.requests)
		}
		sort.Float64s(a.latencies)
		h.P50Ms = percentileOf(a.latencies, 0.50)
		h.P95Ms = percentileOf(a.latencies, 0.95)
		out = append(out, h)
	}
	return out, nil
}

// percentileOf expects a sorted slice.
func percentileOf(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func parseUsage(raw string) *Usage {
	if raw == "" {
		return nil
	}
	var u Usage
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return nil
	}
	return &u
}

func parseTiming(raw string) *Timing {
	if raw == "" {
		return nil
	}
	var tm Timing
	if err := json.Unmarshal([]byte(raw), &tm); err != nil {
		return nil
	}
	return &tm
}
