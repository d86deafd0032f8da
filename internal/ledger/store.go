package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// store wraps the SQLite handle. modernc.org/sqlite is pure Go, no CGO.
type store struct {
	db *sql.DB
}

func openStore(path string) (*store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	// One writer at a time; keep a small idle pool for read concurrency.
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	s := &store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *store) migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			trace_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			provider TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			usage_json TEXT NOT NULL DEFAULT '',
			cost_est_usd REAL NOT NULL DEFAULT 0,
			cost_actual_usd REAL NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT '',
			timing_json TEXT NOT NULL DEFAULT '',
			metadata_json TEXT NOT NULL DEFAULT '',
			timestamp REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_events_trace ON events(trace_id)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// insertBatch writes one batch inside a single transaction.
func (s *store) insertBatch(ctx context.Context, batch []*Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO events (event_id, trace_id, event_type, provider, model,
			usage_json, cost_est_usd, cost_actual_usd, status,
			timing_json, metadata_json, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, e := range batch {
		if _, err := stmt.ExecContext(ctx,
			e.EventID, e.TraceID, string(e.Type), e.Provider, e.Model,
			e.usageJSON(), e.CostEst, e.CostActual, string(e.Status),
			e.timingJSON(), e.metadataJSON(), e.Timestamp); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert event %s: %w", e.EventID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *store) Close() error {
	return s.db.Close()
}
