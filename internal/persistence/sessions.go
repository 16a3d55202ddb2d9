package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/teamlead/internal/agent"
	"github.com/google/uuid"
)

// ArchivedSession is one row of the session archive.
type ArchivedSession struct {
	ID         string
	Session    agent.Session
	Reason     string
	ArchivedAt time.Time
}

// GetSession returns the live session for key, or nil if there is none.
func (s *SQLiteStore) GetSession(ctx context.Context, key string) (*agent.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		sess             agent.Session
		created, updated string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT session_key, session_id, model, call_count, created_at, updated_at
		FROM sessions WHERE session_key = ?
	`, key).Scan(&sess.Key, &sess.SessionID, &sess.Model, &sess.CallCount, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session %s: %w", key, err)
	}
	if sess.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if sess.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &sess, nil
}

// SaveSession upserts the live session.
// Uses ON CONFLICT to upsert - handles both first-save and resume scenarios.
func (s *SQLiteStore) SaveSession(ctx context.Context, sess *agent.Session) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (session_key, session_id, model, call_count, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_key) DO UPDATE SET
				session_id = excluded.session_id,
				model = excluded.model,
				call_count = excluded.call_count,
				updated_at = excluded.updated_at
		`, sess.Key, sess.SessionID, sess.Model, sess.CallCount, formatTime(sess.CreatedAt), formatTime(sess.UpdatedAt))
		if err != nil {
			return fmt.Errorf("failed to save session %s: %w", sess.Key, err)
		}
		return nil
	})
}

// ArchiveSession copies sess into the archive and removes the live row.
func (s *SQLiteStore) ArchiveSession(ctx context.Context, sess *agent.Session, reason string) error {
	archivedAt := s.now()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO session_archive (id, session_key, session_id, model, call_count, created_at, archived_at, reason)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, uuid.NewString(), sess.Key, sess.SessionID, sess.Model, sess.CallCount,
			formatTime(sess.CreatedAt), formatTime(archivedAt), reason)
		if err != nil {
			return fmt.Errorf("failed to archive session %s: %w", sess.Key, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_key = ?`, sess.Key); err != nil {
			return fmt.Errorf("failed to delete session %s: %w", sess.Key, err)
		}
		return nil
	})
}

// ListArchivedSessions returns the archive for key, oldest first.
func (s *SQLiteStore) ListArchivedSessions(ctx context.Context, key string) ([]ArchivedSession, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_key, session_id, model, call_count, created_at, archived_at, reason
		FROM session_archive WHERE session_key = ?
		ORDER BY archived_at, id
	`, key)
	if err != nil {
		return nil, fmt.Errorf("failed to list archived sessions: %w", err)
	}
	defer rows.Close()

	var out []ArchivedSession
	for rows.Next() {
		var (
			a                 ArchivedSession
			created, archived string
		)
		if err := rows.Scan(&a.ID, &a.Session.Key, &a.Session.SessionID, &a.Session.Model,
			&a.Session.CallCount, &created, &archived, &a.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan archived session: %w", err)
		}
		if a.Session.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		if a.ArchivedAt, err = parseTime(archived); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
