package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// tsLayout is fixed width so string comparison orders timestamps.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements Store using modernc.org/sqlite (pure-Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens or creates a SQLite database at the given DSN.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serializes writers and keeps ":memory:" databases
	// from splitting across pool connections.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS route_logs (
			id TEXT PRIMARY KEY,
			timestamp TEXT NOT NULL,
			request_id TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			model TEXT NOT NULL,
			caller TEXT NOT NULL,
			provider_id TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL DEFAULT '',
			sticky INTEGER NOT NULL DEFAULT 0,
			attempts INTEGER NOT NULL DEFAULT 0,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			outcome TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_route_logs_timestamp ON route_logs(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_route_logs_provider ON route_logs(provider_id)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// LogRoute inserts entry. A missing ID or timestamp is filled in.
func (s *SQLiteStore) LogRoute(ctx context.Context, entry RouteLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO route_logs (id, timestamp, request_id, kind, model, caller, provider_id, provider, sticky, attempts, latency_ms, outcome, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Timestamp.UTC().Format(tsLayout), entry.RequestID,
		entry.Kind, entry.Model, entry.Caller, entry.ProviderID, entry.Provider,
		entry.Sticky, entry.Attempts, entry.LatencyMs, entry.Outcome, entry.Error)
	if err != nil {
		return fmt.Errorf("insert route log: %w", err)
	}
	return nil
}

// ListRouteLogs returns entries newest first.
func (s *SQLiteStore) ListRouteLogs(ctx context.Context, limit int, offset int) ([]RouteLog, error) {
	if limit <= 0 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, request_id, kind, model, caller, provider_id, provider, sticky, attempts, latency_ms, outcome, error
		 FROM route_logs ORDER BY timestamp DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	logs := make([]RouteLog, 0)
	for rows.Next() {
		var l RouteLog
		var ts string
		if err := rows.Scan(&l.ID, &ts, &l.RequestID, &l.Kind, &l.Model, &l.Caller,
			&l.ProviderID, &l.Provider, &l.Sticky, &l.Attempts, &l.LatencyMs, &l.Outcome, &l.Error); err != nil {
			return nil, err
		}
		l.Timestamp, _ = time.Parse(tsLayout, ts)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (s *SQLiteStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM route_logs WHERE timestamp < ?`, cutoff.UTC().Format(tsLayout))
	if err != nil {
		return 0, fmt.Errorf("prune route logs: %w", err)
	}
	return res.RowsAffected()
}
