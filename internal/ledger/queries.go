package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// SpendToday returns the local-day spend: actual cost of commits and
// adjusts plus the estimates of holds that have no terminal event yet.
// The query runs on the caller's goroutine; under WAL it does not block
// the writer, and it may lag unflushed events by one batch window.
func (l *Ledger) SpendToday(ctx context.Context) (float64, error) {
	now := l.now()
	return l.spendBetween(ctx, localMidnight(now), now)
}

func (l *Ledger) spendBetween(ctx context.Context, since, until time.Time) (float64, error) {
	const q = `
		SELECT
			COALESCE(SUM(CASE
				WHEN event_type IN ('commit', 'adjust') THEN cost_actual_usd
				WHEN event_type = 'precheck_hold' AND NOT EXISTS (
					SELECT 1 FROM events t
					WHERE t.trace_id = events.trace_id
					  AND t.event_type IN ('commit', 'cancel')
				) THEN cost_est_usd
				ELSE 0
			END), 0)
		FROM events
		WHERE timestamp >= ? AND timestamp < ?`
	var spend float64
	err := l.store.db.QueryRowContext(ctx, q, unixSeconds(since), unixSeconds(until)).Scan(&spend)
	return spend, err
}

// CountInWindow counts events of one type for a (provider, model) pair in
// [since, until).
func (l *Ledger) CountInWindow(ctx context.Context, provider, model string, typ EventType, since, until time.Time) (int, error) {
	const q = `
		SELECT COUNT(*) FROM events
		WHERE provider = ? AND model = ? AND event_type = ?
		  AND timestamp >= ? AND timestamp < ?`
	var n int
	err := l.store.db.QueryRowContext(ctx, q, provider, model, string(typ),
		unixSeconds(since), unixSeconds(until)).Scan(&n)
	return n, err
}

// TraceEvents returns all events of a trace in timestamp order.
func (l *Ledger) TraceEvents(ctx context.Context, traceID string) ([]Event, error) {
	const q = `
		SELECT event_id, trace_id, event_type, provider, model,
		       usage_json, cost_est_usd, cost_actual_usd, status,
		       timing_json, metadata_json, timestamp
		FROM events WHERE trace_id = ? ORDER BY timestamp ASC, rowid ASC`
	rows, err := l.store.db.QueryContext(ctx, q, traceID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEvent(rows *sql.Rows) (Event, error) {
	var e Event
	var typ, status, usageJSON, timingJSON, metaJSON string
	if err := rows.Scan(&e.EventID, &e.TraceID, &typ, &e.Provider, &e.Model,
		&usageJSON, &e.CostEst, &e.CostActual, &status,
		&timingJSON, &metaJSON, &e.Timestamp); err != nil {
		return Event{}, err
	}
	e.Type = EventType(typ)
	e.Status = Status(status)
	if usageJSON != "" {
		var u Usage
		if err := json.Unmarshal([]byte(usageJSON), &u); err == nil {
			e.Usage = &u
		}
	}
	if timingJSON != "" {
		var tm Timing
		if err := json.Unmarshal([]byte(timingJSON), &tm); err == nil {
			e.Timing = &tm
		}
	}
	if metaJSON != "" {
		_ = json.Unmarshal([]byte(metaJSON), &e.Metadata)
	}
	return e, nil
}
