package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/aristath/teamlead/internal/breaker"
)

func scanCircuit(row rowScanner) (breaker.State, error) {
	var (
		st                  breaker.State
		openUntil, failedAt string
		err                 error
	)
	if err = row.Scan(&st.Key, &st.Failures, &openUntil, &st.LastError, &failedAt); err != nil {
		return breaker.State{}, err
	}
	if st.OpenUntil, err = parseTime(openUntil); err != nil {
		return breaker.State{}, err
	}
	if st.LastFailureAt, err = parseTime(failedAt); err != nil {
		return breaker.State{}, err
	}
	return st, nil
}

// LoadCircuit returns the breaker row or breaker.ErrNotFound.
func (s *SQLiteStore) LoadCircuit(ctx context.Context, kind breaker.Kind, key string) (breaker.State, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		SELECT key, failures, open_until, last_error, last_failure_at
		FROM circuits WHERE kind = ? AND key = ?
	`, string(kind), key)
	st, err := scanCircuit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return breaker.State{}, breaker.ErrNotFound
	}
	if err != nil {
		return breaker.State{}, fmt.Errorf("failed to load %s circuit %s: %w", kind, key, err)
	}
	return st, nil
}

// SaveCircuit upserts the breaker row.
func (s *SQLiteStore) SaveCircuit(ctx context.Context, kind breaker.Kind, st breaker.State) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO circuits (kind, key, failures, open_until, last_error, last_failure_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(kind, key) DO UPDATE SET
				failures = excluded.failures,
				open_until = excluded.open_until,
				last_error = excluded.last_error,
				last_failure_at = excluded.last_failure_at
		`, string(kind), st.Key, st.Failures, formatTime(st.OpenUntil), st.LastError, formatTime(st.LastFailureAt))
		if err != nil {
			return fmt.Errorf("failed to save %s circuit %s: %w", kind, st.Key, err)
		}
		return nil
	})
}

// DeleteCircuit removes the breaker row.
func (s *SQLiteStore) DeleteCircuit(ctx context.Context, kind breaker.Kind, key string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM circuits WHERE kind = ? AND key = ?`, string(kind), key)
		if err != nil {
			return fmt.Errorf("failed to delete %s circuit %s: %w", kind, key, err)
		}
		return nil
	})
}

// ListCircuits returns every row of kind ordered by key.
func (s *SQLiteStore) ListCircuits(ctx context.Context, kind breaker.Kind) ([]breaker.State, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT key, failures, open_until, last_error, last_failure_at
		FROM circuits WHERE kind = ? ORDER BY key
	`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s circuits: %w", kind, err)
	}
	defer rows.Close()

	var out []breaker.State
	for rows.Next() {
		st, err := scanCircuit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan circuit: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
