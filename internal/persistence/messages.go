package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/teamlead/internal/backend"
)

// StoreMessage records an inbound chat message. Duplicate IDs are ignored.
func (s *SQLiteStore) StoreMessage(ctx context.Context, msg backend.Message) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO messages (chat_id, id, sender, content, timestamp)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(chat_id, id) DO NOTHING
		`, msg.ChatID, msg.ID, msg.Sender, msg.Content, formatTime(msg.Timestamp))
		if err != nil {
			return fmt.Errorf("failed to store message %s: %w", msg.ID, err)
		}
		return nil
	})
}

// MessagesSince returns the chat's messages strictly newer than since, oldest
// first.
func (s *SQLiteStore) MessagesSince(ctx context.Context, chatID string, since time.Time) ([]backend.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT chat_id, id, sender, content, timestamp
		FROM messages
		WHERE chat_id = ? AND timestamp > ?
		ORDER BY timestamp, id
	`, chatID, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []backend.Message
	for rows.Next() {
		var m backend.Message
		var ts string
		if err := rows.Scan(&m.ChatID, &m.ID, &m.Sender, &m.Content, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if m.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetCursor returns the chat's processing cursor, or the zero time if the chat
// has never been processed.
func (s *SQLiteStore) GetCursor(ctx context.Context, chatID string) (time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var cursor string
	err := s.db.QueryRowContext(ctx, `SELECT cursor FROM cursors WHERE chat_id = ?`, chatID).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get cursor for %s: %w", chatID, err)
	}
	return parseTime(cursor)
}

// SetCursor moves the chat's cursor to at. Moving it backwards is allowed;
// rollback depends on it.
func (s *SQLiteStore) SetCursor(ctx context.Context, chatID string, at time.Time) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO cursors (chat_id, cursor) VALUES (?, ?)
			ON CONFLICT(chat_id) DO UPDATE SET cursor = excluded.cursor
		`, chatID, formatTime(at))
		if err != nil {
			return fmt.Errorf("failed to set cursor for %s: %w", chatID, err)
		}
		return nil
	})
}
