package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/j-veylop/agent-dashboard/internal/models"
)

// CredentialFunc resolves the credential for a store operation.
type CredentialFunc func(ctx context.Context) *models.Credential

// PGStore is the Postgres turn store. Every method runs on its own scoped
// connection authenticated with the credential resolved from ctx.
type PGStore struct {
	connector   *Connector
	credentials CredentialFunc
}

// NewPGStore creates a Postgres store.
func NewPGStore(connector *Connector, credentials CredentialFunc) *PGStore {
	return &PGStore{connector: connector, credentials: credentials}
}

var pgSchema = []string{
	`CREATE TABLE IF NOT EXISTS chat_sessions (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_sessions_updated ON chat_sessions(updated_at)`,
	`CREATE TABLE IF NOT EXISTS chat_messages (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		session_id TEXT NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
		role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
		content TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL CHECK (status IN ('pending', 'processing', 'completed', 'failed')),
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_messages_session ON chat_messages(session_id, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_messages_status ON chat_messages(status, created_at)`,
}

// EnsureSchema creates the tables if they do not exist.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	return s.connector.WithTx(ctx, s.credentials(ctx), func(ctx context.Context, q Querier) error {
		for _, stmt := range pgSchema {
			if _, err := q.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to create schema: %w", err)
			}
		}
		return nil
	})
}

func (s *PGStore) withConn(ctx context.Context, fn func(ctx context.Context, q Querier) error) error {
	return s.connector.WithConnection(ctx, s.credentials(ctx), fn)
}

func (s *PGStore) withTx(ctx context.Context, fn func(ctx context.Context, q Querier) error) error {
	return s.connector.WithTx(ctx, s.credentials(ctx), fn)
}

// CreateSession inserts a new session.
func (s *PGStore) CreateSession(ctx context.Context, sess *models.Session) error {
	return s.withConn(ctx, func(ctx context.Context, q Querier) error {
		_, err := q.Exec(ctx,
			`INSERT INTO chat_sessions (id, title, created_at, updated_at) VALUES ($1, $2, $3, $4)`,
			sess.ID, sess.Title, sess.CreatedAt.UTC(), sess.UpdatedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert session: %w", err)
		}
		return nil
	})
}

// GetSession returns one session.
func (s *PGStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var sess *models.Session
	err := s.withConn(ctx, func(ctx context.Context, q Querier) error {
		row := q.QueryRow(ctx, `SELECT `+sessionColumns+` FROM chat_sessions WHERE id = $1`, id)
		var err error
		sess, err = scanPGSession(row)
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// ListSessions returns the most recently updated sessions first.
func (s *PGStore) ListSessions(ctx context.Context, limit int) ([]models.Session, error) {
	var sessions []models.Session
	err := s.withConn(ctx, func(ctx context.Context, q Querier) error {
		rows, err := q.Query(ctx,
			`SELECT `+sessionColumns+` FROM chat_sessions ORDER BY updated_at DESC LIMIT $1`, limit)
		if err != nil {
			return fmt.Errorf("failed to query sessions: %w", err)
		}
		sessions, err = collectPGSessions(rows)
		return err
	})
	return sessions, err
}

// recentSessionsQuery builds the window query. days is clamped and is the
// only value interpolated into the statement text.
func recentSessionsQuery(days int) string {
	return fmt.Sprintf(`
		SELECT %s
		FROM chat_sessions
		WHERE updated_at >= NOW() - INTERVAL '%d days'
		ORDER BY updated_at DESC
	`, sessionColumns, ClampDays(days))
}

// RecentSessions returns sessions updated within the last days days.
func (s *PGStore) RecentSessions(ctx context.Context, days int) ([]models.Session, error) {
	var sessions []models.Session
	err := s.withConn(ctx, func(ctx context.Context, q Querier) error {
		rows, err := q.Query(ctx, recentSessionsQuery(days))
		if err != nil {
			return fmt.Errorf("failed to query recent sessions: %w", err)
		}
		sessions, err = collectPGSessions(rows)
		return err
	})
	return sessions, err
}

// DeleteSession removes a session and its turns.
func (s *PGStore) DeleteSession(ctx context.Context, id string) error {
	return s.withTx(ctx, func(ctx context.Context, q Querier) error {
		if _, err := q.Exec(ctx, `DELETE FROM chat_messages WHERE session_id = $1`, id); err != nil {
			return fmt.Errorf("failed to delete messages: %w", err)
		}
		tag, err := q.Exec(ctx, `DELETE FROM chat_sessions WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("failed to delete session: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// AppendTurns adds turns to a session in order and advances its updated_at
// in one transaction.
func (s *PGStore) AppendTurns(ctx context.Context, sessionID string, turns ...*models.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	return s.withTx(ctx, func(ctx context.Context, q Querier) error {
		tag, err := q.Exec(ctx, `UPDATE chat_sessions SET updated_at = $1 WHERE id = $2`,
			latestCreatedAt(turns).UTC(), sessionID)
		if err != nil {
			return fmt.Errorf("failed to touch session: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}

		for _, t := range turns {
			_, err := q.Exec(ctx,
				`INSERT INTO chat_messages (`+messageColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
				t.ID, sessionID, string(t.Role), t.Content, string(t.Status), t.CreatedAt.UTC())
			if err != nil {
				return fmt.Errorf("failed to insert turn: %w", err)
			}
		}
		return nil
	})
}

// ListTurns returns a session's turns in conversation order.
func (s *PGStore) ListTurns(ctx context.Context, sessionID string) ([]models.Turn, error) {
	var turns []models.Turn
	err := s.withConn(ctx, func(ctx context.Context, q Querier) error {
		rows, err := q.Query(ctx,
			`SELECT `+messageColumns+` FROM chat_messages WHERE session_id = $1 ORDER BY seq`, sessionID)
		if err != nil {
			return fmt.Errorf("failed to query turns: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			t, err := scanPGTurn(rows)
			if err != nil {
				return fmt.Errorf("failed to scan turn: %w", err)
			}
			turns = append(turns, *t)
		}
		return rows.Err()
	})
	return turns, err
}

// GetTurn returns one turn by id.
func (s *PGStore) GetTurn(ctx context.Context, id string) (*models.Turn, error) {
	var turn *models.Turn
	err := s.withConn(ctx, func(ctx context.Context, q Querier) error {
		var err error
		turn, err = scanPGTurn(q.QueryRow(ctx, `SELECT `+messageColumns+` FROM chat_messages WHERE id = $1`, id))
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return turn, nil
}

// FinishTurn moves a processing turn to a terminal status at most once.
func (s *PGStore) FinishTurn(ctx context.Context, id string, status models.TurnStatus, content string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}
	return s.withConn(ctx, func(ctx context.Context, q Querier) error {
		tag, err := q.Exec(ctx,
			`UPDATE chat_messages SET status = $1, content = $2 WHERE id = $3 AND status = $4`,
			string(status), content, id, string(models.StatusProcessing))
		if err != nil {
			return fmt.Errorf("failed to finish turn: %w", err)
		}
		if tag.RowsAffected() > 0 {
			return nil
		}

		var exists bool
		if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM chat_messages WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check turn: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrTurnTerminal
	})
}

// FailStaleTurns marks turns still processing since before cutoff as failed.
func (s *PGStore) FailStaleTurns(ctx context.Context, cutoff time.Time, content string) (int64, error) {
	var n int64
	err := s.withConn(ctx, func(ctx context.Context, q Querier) error {
		tag, err := q.Exec(ctx,
			`UPDATE chat_messages SET status = $1, content = $2 WHERE status = $3 AND created_at < $4`,
			string(models.StatusFailed), content, string(models.StatusProcessing), cutoff.UTC())
		if err != nil {
			return fmt.Errorf("failed to fail stale turns: %w", err)
		}
		n = tag.RowsAffected()
		return nil
	})
	return n, err
}

func scanPGTurn(row pgx.Row) (*models.Turn, error) {
	var t models.Turn
	var role, status string
	if err := row.Scan(&t.ID, &t.SessionID, &role, &t.Content, &status, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.Role = models.Role(role)
	t.Status = models.TurnStatus(status)
	return &t, nil
}

func scanPGSession(row pgx.Row) (*models.Session, error) {
	var s models.Session
	if err := row.Scan(&s.ID, &s.Title, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

func collectPGSessions(rows pgx.Rows) ([]models.Session, error) {
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		s, err := scanPGSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}
