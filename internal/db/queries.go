package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/j-veylop/agent-dashboard/internal/logger"
	"github.com/j-veylop/agent-dashboard/internal/models"
)

const messageColumns = `id, session_id, role, content, status, created_at`

const sessionColumns = `id, title, created_at, updated_at`

// CreateSession inserts a new session.
func (db *DB) CreateSession(ctx context.Context, s *models.Session) error {
	query := `INSERT INTO chat_sessions (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`

	_, err := db.ExecContext(ctx, query, s.ID, s.Title, formatTime(s.CreatedAt), formatTime(s.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// GetSession returns one session.
func (db *DB) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM chat_sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return s, nil
}

// ListSessions returns the most recently updated sessions first.
func (db *DB) ListSessions(ctx context.Context, limit int) ([]models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM chat_sessions ORDER BY updated_at DESC LIMIT ?`

	rows, err := db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	return collectSessions(rows)
}

// RecentSessions returns sessions updated within the last days days.
func (db *DB) RecentSessions(ctx context.Context, days int) ([]models.Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM chat_sessions
		WHERE updated_at >= datetime('now', ?)
		ORDER BY updated_at DESC
	`

	rows, err := db.QueryContext(ctx, query, fmt.Sprintf("-%d days", ClampDays(days)))
	if err != nil {
		return nil, fmt.Errorf("failed to query recent sessions: %w", err)
	}
	return collectSessions(rows)
}

// DeleteSession removes a session and its turns.
func (db *DB) DeleteSession(ctx context.Context, id string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_messages WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM chat_sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// AppendTurns adds turns to a session in order and advances its updated_at,
// all in one transaction.
func (db *DB) AppendTurns(ctx context.Context, sessionID string, turns ...*models.Turn) error {
	if len(turns) == 0 {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	updatedAt := latestCreatedAt(turns)
	result, err := tx.ExecContext(ctx,
		`UPDATE chat_sessions SET updated_at = ? WHERE id = ?`, formatTime(updatedAt), sessionID)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	insert := `INSERT INTO chat_messages (` + messageColumns + `) VALUES (?, ?, ?, ?, ?, ?)`
	for _, t := range turns {
		_, err := tx.ExecContext(ctx, insert,
			t.ID, sessionID, string(t.Role), t.Content, string(t.Status), formatTime(t.CreatedAt))
		if err != nil {
			return fmt.Errorf("failed to insert turn: %w", err)
		}
	}

	return tx.Commit()
}

// ListTurns returns a session's turns in conversation order.
func (db *DB) ListTurns(ctx context.Context, sessionID string) ([]models.Turn, error) {
	query := `SELECT ` + messageColumns + ` FROM chat_messages WHERE session_id = ? ORDER BY seq`

	rows, err := db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			logger.Error("failed to close rows", "error", err)
		}
	}()

	var turns []models.Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		turns = append(turns, *t)
	}
	return turns, rows.Err()
}

// GetTurn returns one turn by id.
func (db *DB) GetTurn(ctx context.Context, id string) (*models.Turn, error) {
	row := db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM chat_messages WHERE id = ?`, id)
	t, err := scanTurn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get turn: %w", err)
	}
	return t, nil
}

// FinishTurn moves a processing turn to a terminal status. It succeeds at
// most once per turn; later calls return ErrTurnTerminal.
func (db *DB) FinishTurn(ctx context.Context, id string, status models.TurnStatus, content string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}

	result, err := db.ExecContext(ctx,
		`UPDATE chat_messages SET status = ?, content = ? WHERE id = ? AND status = ?`,
		string(status), content, id, string(models.StatusProcessing))
	if err != nil {
		return fmt.Errorf("failed to finish turn: %w", err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		return nil
	}

	if _, err := db.GetTurn(ctx, id); err != nil {
		return err
	}
	return ErrTurnTerminal
}

// FailStaleTurns marks turns still processing since before cutoff as failed.
func (db *DB) FailStaleTurns(ctx context.Context, cutoff time.Time, content string) (int64, error) {
	result, err := db.ExecContext(ctx,
		`UPDATE chat_messages SET status = ?, content = ? WHERE status = ? AND created_at < ?`,
		string(models.StatusFailed), content, string(models.StatusProcessing), formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to fail stale turns: %w", err)
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTurn(row rowScanner) (*models.Turn, error) {
	var t models.Turn
	var role, status, createdAt string
	if err := row.Scan(&t.ID, &t.SessionID, &role, &t.Content, &status, &createdAt); err != nil {
		return nil, err
	}
	t.Role = models.Role(role)
	t.Status = models.TurnStatus(status)
	t.CreatedAt, _ = parseTimeString(createdAt)
	return &t, nil
}

func scanSession(row rowScanner) (*models.Session, error) {
	var s models.Session
	var createdAt, updatedAt string
	if err := row.Scan(&s.ID, &s.Title, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	s.CreatedAt, _ = parseTimeString(createdAt)
	s.UpdatedAt, _ = parseTimeString(updatedAt)
	return &s, nil
}

func collectSessions(rows *sql.Rows) ([]models.Session, error) {
	defer func() { _ = rows.Close() }()

	var sessions []models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

func latestCreatedAt(turns []*models.Turn) time.Time {
	var latest time.Time
	for _, t := range turns {
		if t.CreatedAt.After(latest) {
			latest = t.CreatedAt
		}
	}
	if latest.IsZero() {
		latest = time.Now()
	}
	return latest
}
