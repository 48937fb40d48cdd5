// Package preference provides the durable learning layer: an
// append-only action log, confidence-weighted preferences, user
// profiles and proactive suggestion history, all in SQLite.
package preference

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Confidence bounds for learned preferences.
const (
	InitialConfidence = 0.5
	ConfidenceStep    = 0.05
	MaxConfidence     = 0.95
)

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("not found")

// Store manages preference persistence.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the SQLite database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore creates a store using an existing database connection.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate preferences: %w", err)
	}
	return s, nil
}

// SetClock replaces the time source. For tests.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Now returns the time the store stamps new rows with.
func (s *Store) Now() time.Time { return s.now() }

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS user_profiles (
			user_id            TEXT PRIMARY KEY,
			home_location      TEXT NOT NULL DEFAULT '',
			preferred_airports TEXT NOT NULL DEFAULT '[]',
			budget_min         REAL,
			budget_max         REAL,
			favorite_brands    TEXT NOT NULL DEFAULT '[]',
			frequent_cities    TEXT NOT NULL DEFAULT '[]',
			tone_preference    TEXT NOT NULL DEFAULT 'auto',
			notification_prefs TEXT NOT NULL DEFAULT '{}',
			created_at         INTEGER NOT NULL,
			updated_at         INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS action_events (
			id          TEXT PRIMARY KEY,
			user_id     TEXT NOT NULL,
			event_type  TEXT NOT NULL,
			intent      TEXT NOT NULL DEFAULT '',
			entities    TEXT NOT NULL DEFAULT '{}',
			status      TEXT NOT NULL,
			confidence  REAL NOT NULL,
			source      TEXT NOT NULL,
			dedupe_hash TEXT NOT NULL,
			latency_ms  INTEGER NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_action_events_dedupe ON action_events(dedupe_hash, created_at);
		CREATE INDEX IF NOT EXISTS idx_action_events_user ON action_events(user_id, created_at);

		CREATE TABLE IF NOT EXISTS preferences (
			user_id        TEXT NOT NULL,
			pref_key       TEXT NOT NULL,
			value          TEXT NOT NULL,
			meta           TEXT NOT NULL DEFAULT '{}',
			confidence     REAL NOT NULL,
			evidence_count INTEGER NOT NULL,
			last_seen      INTEGER NOT NULL,
			PRIMARY KEY (user_id, pref_key)
		);

		CREATE TABLE IF NOT EXISTS suggestion_history (
			id              TEXT PRIMARY KEY,
			user_id         TEXT NOT NULL,
			suggestion_type TEXT NOT NULL,
			payload         TEXT NOT NULL DEFAULT '{}',
			dismissed       INTEGER NOT NULL DEFAULT 0,
			created_at      INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_suggestion_history_user ON suggestion_history(user_id, suggestion_type, created_at);
	`)
	return err
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// Action is one persisted ActionEvent row.
type Action struct {
	ID         string         `json:"id"`
	UserID     string         `json:"user_id"`
	EventType  string         `json:"event_type"`
	Intent     string         `json:"intent"`
	Entities   map[string]any `json:"entities"`
	Status     Status         `json:"status"`
	Confidence float64        `json:"confidence"`
	Source     Source         `json:"source"`
	DedupeHash string         `json:"dedupe_hash"`
	Latency    time.Duration  `json:"latency"`
	CreatedAt  time.Time      `json:"created_at"`
}

// insertAction appends a row unless one with the same hash exists
// inside window. The check and the insert are one statement. It
// reports whether a row was written.
func (s *Store) insertAction(ctx context.Context, a Action, entitiesJSON string, window time.Duration) (bool, error) {
	id, _ := uuid.NewV7()
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO action_events
			(id, user_id, event_type, intent, entities, status, confidence, source, dedupe_hash, latency_ms, created_at)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM action_events WHERE dedupe_hash = ? AND created_at > ?
		)
	`, id.String(), a.UserID, a.EventType, a.Intent, entitiesJSON, string(a.Status), a.Confidence,
		string(a.Source), a.DedupeHash, a.Latency.Milliseconds(), millis(now),
		a.DedupeHash, millis(now.Add(-window)))
	if err != nil {
		return false, fmt.Errorf("insert action: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert action: %w", err)
	}
	return n == 1, nil
}

// Actions returns a user's logged actions, newest first.
func (s *Store) Actions(ctx context.Context, userID string, limit int) ([]Action, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, event_type, intent, entities, status, confidence, source, dedupe_hash, latency_ms, created_at
		FROM action_events WHERE user_id = ?
		ORDER BY created_at DESC LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	defer rows.Close()

	var out []Action
	for rows.Next() {
		var (
			a         Action
			entities  string
			status    string
			source    string
			latencyMs int64
			createdMs int64
		)
		if err := rows.Scan(&a.ID, &a.UserID, &a.EventType, &a.Intent, &entities, &status,
			&a.Confidence, &source, &a.DedupeHash, &latencyMs, &createdMs); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		a.Entities = decodeMap(entities)
		a.Status, a.Source = Status(status), Source(source)
		a.Latency = time.Duration(latencyMs) * time.Millisecond
		a.CreatedAt = fromMillis(createdMs)
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountActions returns how many actions are logged for a user.
func (s *Store) CountActions(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM action_events WHERE user_id = ?`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count actions: %w", err)
	}
	return n, nil
}

// DeleteActionsBefore removes actions older than cutoff.
func (s *Store) DeleteActionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM action_events WHERE created_at < ?`, millis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete old actions: %w", err)
	}
	return res.RowsAffected()
}

// Preference is one learned preference.
type Preference struct {
	UserID        string            `json:"user_id"`
	Key           string            `json:"key"`
	Value         string            `json:"value"`
	Meta          map[string]string `json:"meta,omitempty"`
	Confidence    float64           `json:"confidence"`
	EvidenceCount int               `json:"evidence_count"`
	LastSeen      time.Time         `json:"last_seen"`
}

// Float returns the value parsed as a number.
func (p Preference) Float() (float64, bool) {
	f, err := strconv.ParseFloat(p.Value, 64)
	return f, err == nil
}

const preferenceColumns = `user_id, pref_key, value, meta, confidence, evidence_count, last_seen`

func scanPreference(row interface{ Scan(...any) error }) (Preference, error) {
	var (
		p      Preference
		meta   string
		seenMs int64
	)
	if err := row.Scan(&p.UserID, &p.Key, &p.Value, &meta, &p.Confidence, &p.EvidenceCount, &seenMs); err != nil {
		return Preference{}, err
	}
	p.Meta = decodeStringMap(meta)
	p.LastSeen = fromMillis(seenMs)
	return p, nil
}

// UpsertPreference records one piece of evidence for key: a new row
// starts at [InitialConfidence], an existing one gains [ConfidenceStep]
// up to [MaxConfidence]. The read and write are a single statement.
func (s *Store) UpsertPreference(ctx context.Context, userID, key, value string) (Preference, error) {
	return s.upsert(ctx, userID, key, value, nil)
}

func (s *Store) upsert(ctx context.Context, userID, key, value string, meta map[string]string) (Preference, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO preferences (user_id, pref_key, value, meta, confidence, evidence_count, last_seen)
		VALUES (?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT(user_id, pref_key) DO UPDATE SET
			value          = excluded.value,
			meta           = excluded.meta,
			confidence     = ROUND(MIN(?, preferences.confidence + ?), 4),
			evidence_count = preferences.evidence_count + 1,
			last_seen      = excluded.last_seen
		RETURNING `+preferenceColumns,
		userID, key, value, encodeJSON(meta, "{}"), InitialConfidence, millis(s.now()),
		MaxConfidence, ConfidenceStep)
	p, err := scanPreference(row)
	if err != nil {
		return Preference{}, fmt.Errorf("upsert preference %s: %w", key, err)
	}
	return p, nil
}

// AddToMean folds sample into the running mean stored under key:
// (old*count + sample) / (count+1), with the same confidence rules as
// UpsertPreference. The mean is computed in float64 and stored with
// full precision. The write is conditional on the evidence count read,
// so a concurrent update makes this one retry rather than overwrite.
func (s *Store) AddToMean(ctx context.Context, userID, key string, sample float64) (Preference, error) {
	for {
		old, err := s.GetPreference(ctx, userID, key)
		if errors.Is(err, ErrNotFound) {
			row := s.db.QueryRowContext(ctx, `
				INSERT INTO preferences (user_id, pref_key, value, meta, confidence, evidence_count, last_seen)
				VALUES (?, ?, ?, '{}', ?, 1, ?)
				ON CONFLICT(user_id, pref_key) DO NOTHING
				RETURNING `+preferenceColumns,
				userID, key, formatMean(sample), InitialConfidence, millis(s.now()))
			p, err := scanPreference(row)
			if errors.Is(err, sql.ErrNoRows) {
				continue // inserted concurrently
			}
			if err != nil {
				return Preference{}, fmt.Errorf("update mean %s: %w", key, err)
			}
			return p, nil
		}
		if err != nil {
			return Preference{}, err
		}

		mean, ok := old.Float()
		if !ok {
			return Preference{}, fmt.Errorf("update mean %s: stored value %q is not a number", key, old.Value)
		}
		n := float64(old.EvidenceCount)
		mean = (mean*n + sample) / (n + 1)

		row := s.db.QueryRowContext(ctx, `
			UPDATE preferences SET
				value          = ?,
				confidence     = ROUND(MIN(?, confidence + ?), 4),
				evidence_count = evidence_count + 1,
				last_seen      = ?
			WHERE user_id = ? AND pref_key = ? AND evidence_count = ?
			RETURNING `+preferenceColumns,
			formatMean(mean), MaxConfidence, ConfidenceStep, millis(s.now()),
			userID, key, old.EvidenceCount)
		p, err := scanPreference(row)
		if errors.Is(err, sql.ErrNoRows) {
			continue // lost the race; fold into the newer mean
		}
		if err != nil {
			return Preference{}, fmt.Errorf("update mean %s: %w", key, err)
		}
		return p, nil
	}
}

// formatMean renders v with the fewest digits that parse back to v.
func formatMean(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// GetPreference returns one preference.
func (s *Store) GetPreference(ctx context.Context, userID, key string) (Preference, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+preferenceColumns+` FROM preferences WHERE user_id = ? AND pref_key = ?`, userID, key)
	p, err := scanPreference(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Preference{}, ErrNotFound
	}
	if err != nil {
		return Preference{}, fmt.Errorf("get preference: %w", err)
	}
	return p, nil
}

// Preferences returns a user's preferences at or above minConfidence,
// strongest first.
func (s *Store) Preferences(ctx context.Context, userID string, minConfidence float64) ([]Preference, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+preferenceColumns+` FROM preferences
		WHERE user_id = ? AND confidence >= ?
		ORDER BY confidence DESC, evidence_count DESC, last_seen DESC
	`, userID, minConfidence)
	if err != nil {
		return nil, fmt.Errorf("query preferences: %w", err)
	}
	defer rows.Close()

	var out []Preference
	for rows.Next() {
		p, err := scanPreference(rows)
		if err != nil {
			return nil, fmt.Errorf("scan preference: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Users returns every user id known to the store.
func (s *Store) Users(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM user_profiles
		UNION
		SELECT user_id FROM preferences
		ORDER BY 1
	`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ResetUser deletes everything stored about a user.
func (s *Store) ResetUser(ctx context.Context, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reset: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"user_profiles", "action_events", "preferences", "suggestion_history"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE user_id = ?`, userID); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	return tx.Commit()
}
