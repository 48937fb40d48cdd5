package preference

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// LogSuggestion records a suggestion shown to (or dismissed by) a
// user and returns its id.
func (s *Store) LogSuggestion(ctx context.Context, userID, kind string, payload any, dismissed bool) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate suggestion id: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO suggestion_history (id, user_id, suggestion_type, payload, dismissed, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id.String(), userID, kind, encodeJSON(payload, "{}"), dismissed, millis(s.now()))
	if err != nil {
		return "", fmt.Errorf("log suggestion: %w", err)
	}
	return id.String(), nil
}

// DismissSuggestion marks a logged suggestion as dismissed.
func (s *Store) DismissSuggestion(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE suggestion_history SET dismissed = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("dismiss suggestion: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountSuggestionsSince counts suggestions logged for a user at or
// after since.
func (s *Store) CountSuggestionsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM suggestion_history WHERE user_id = ? AND created_at >= ?
	`, userID, millis(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count suggestions: %w", err)
	}
	return n, nil
}

// LastSuggestion returns when a suggestion of kind was last logged for
// the user. ok is false when there is none.
func (s *Store) LastSuggestion(ctx context.Context, userID, kind string) (at time.Time, ok bool, err error) {
	var ms sql.NullInt64
	err = s.db.QueryRowContext(ctx, `
		SELECT MAX(created_at) FROM suggestion_history WHERE user_id = ? AND suggestion_type = ?
	`, userID, kind).Scan(&ms)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("last suggestion: %w", err)
	}
	if !ms.Valid {
		return time.Time{}, false, nil
	}
	return fromMillis(ms.Int64), true, nil
}

// DismissalRate returns dismissed/total for a user's suggestions of
// kind, and the total. The rate is 0 when nothing was logged.
func (s *Store) DismissalRate(ctx context.Context, userID, kind string) (float64, int, error) {
	var total, dismissed int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(dismissed), 0)
		FROM suggestion_history WHERE user_id = ? AND suggestion_type = ?
	`, userID, kind).Scan(&total, &dismissed)
	if err != nil {
		return 0, 0, fmt.Errorf("dismissal rate: %w", err)
	}
	if total == 0 {
		return 0, 0, nil
	}
	return float64(dismissed) / float64(total), total, nil
}
