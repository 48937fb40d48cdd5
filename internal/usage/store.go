// Package usage records token consumption of completion calls. Records
// are append-only and aggregated by model or by the purpose of the
// call (planner, classifier, synthesis, reply).
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Record is the token usage of one completion call.
type Record struct {
	ID           string
	Timestamp    time.Time
	Model        string
	Purpose      string
	InputTokens  int
	OutputTokens int
	Duration     time.Duration
}

// Summary holds aggregated token totals.
type Summary struct {
	Calls        int   `json:"calls"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	AvgLatencyMs int64 `json:"avg_latency_ms"`
}

// Store is an append-only SQLite store for usage records.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the usage database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}
	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore creates a store on an existing connection.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS llm_usage (
		id            TEXT PRIMARY KEY,
		ts            INTEGER NOT NULL,
		model         TEXT NOT NULL,
		purpose       TEXT NOT NULL,
		input_tokens  INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		duration_ms   INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_llm_usage_ts ON llm_usage(ts);
	`)
	return err
}

// Record persists rec. An empty ID gets a UUIDv7 and a zero Timestamp
// becomes now.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage id: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO llm_usage (id, ts, model, purpose, input_tokens, output_tokens, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Timestamp.UnixMilli(), rec.Model, rec.Purpose,
		rec.InputTokens, rec.OutputTokens, rec.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// Summary returns totals for records within [start, end).
func (s *Store) Summary(ctx context.Context, start, end time.Time) (Summary, error) {
	var sum Summary
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0),
		       CAST(COALESCE(AVG(duration_ms), 0) AS INTEGER)
		FROM llm_usage
		WHERE ts >= ? AND ts < ?
	`, start.UnixMilli(), end.UnixMilli()).Scan(&sum.Calls, &sum.InputTokens, &sum.OutputTokens, &sum.AvgLatencyMs)
	if err != nil {
		return Summary{}, fmt.Errorf("query usage summary: %w", err)
	}
	return sum, nil
}

// SummaryByModel returns per-model totals for records within [start, end).
func (s *Store) SummaryByModel(ctx context.Context, start, end time.Time) (map[string]Summary, error) {
	return s.summaryGroupedBy(ctx, "model", start, end)
}

// SummaryByPurpose returns per-purpose totals for records within [start, end).
func (s *Store) SummaryByPurpose(ctx context.Context, start, end time.Time) (map[string]Summary, error) {
	return s.summaryGroupedBy(ctx, "purpose", start, end)
}

// summaryGroupedBy aggregates on column, which is always one of the
// constants above.
func (s *Store) summaryGroupedBy(ctx context.Context, column string, start, end time.Time) (map[string]Summary, error) {
	query := fmt.Sprintf(`
		SELECT %s, COUNT(*), SUM(input_tokens), SUM(output_tokens), CAST(AVG(duration_ms) AS INTEGER)
		FROM llm_usage
		WHERE ts >= ? AND ts < ?
		GROUP BY %s
	`, column, column)

	rows, err := s.db.QueryContext(ctx, query, start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query usage by %s: %w", column, err)
	}
	defer rows.Close()

	out := make(map[string]Summary)
	for rows.Next() {
		var (
			key string
			sum Summary
		)
		if err := rows.Scan(&key, &sum.Calls, &sum.InputTokens, &sum.OutputTokens, &sum.AvgLatencyMs); err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", column, err)
		}
		out[key] = sum
	}
	return out, rows.Err()
}

// Report is the usage overview for a window.
type Report struct {
	Start     time.Time          `json:"start"`
	End       time.Time          `json:"end"`
	Total     Summary            `json:"total"`
	ByModel   map[string]Summary `json:"by_model"`
	ByPurpose map[string]Summary `json:"by_purpose"`
}

// Report aggregates the window ending at end and spanning window.
func (s *Store) Report(ctx context.Context, end time.Time, window time.Duration) (Report, error) {
	r := Report{Start: end.Add(-window), End: end}
	var err error
	if r.Total, err = s.Summary(ctx, r.Start, r.End); err != nil {
		return Report{}, err
	}
	if r.ByModel, err = s.SummaryByModel(ctx, r.Start, r.End); err != nil {
		return Report{}, err
	}
	if r.ByPurpose, err = s.SummaryByPurpose(ctx, r.Start, r.End); err != nil {
		return Report{}, err
	}
	return r, nil
}
