package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/aristath/teamlead/internal/lanes"
)

const laneColumns = `group_folder, task_id, role, state, updated_at, detail, summary, dependency`

func scanLane(row rowScanner) (lanes.Snapshot, error) {
	var (
		l           lanes.Snapshot
		role, state string
		updated     string
	)
	if err := row.Scan(&l.GroupFolder, &l.TaskID, &role, &state, &updated, &l.Detail, &l.Summary, &l.Dependency); err != nil {
		return lanes.Snapshot{}, err
	}
	l.Role = lanes.Role(role)
	l.State = lanes.State(state)
	t, err := parseTime(updated)
	if err != nil {
		return lanes.Snapshot{}, err
	}
	l.UpdatedAt = t
	return l, nil
}

func laneArgs(l lanes.Snapshot) []any {
	return []any{l.GroupFolder, l.TaskID, string(l.Role), string(l.State), formatTime(l.UpdatedAt), l.Detail, l.Summary, l.Dependency}
}

// GetLane returns the lane or lanes.ErrLaneNotFound.
func (s *SQLiteStore) GetLane(ctx context.Context, group, taskID string, role lanes.Role) (lanes.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `SELECT `+laneColumns+`
		FROM lanes WHERE group_folder = ? AND task_id = ? AND role = ?`, group, taskID, string(role))
	l, err := scanLane(row)
	if errors.Is(err, sql.ErrNoRows) {
		return lanes.Snapshot{}, lanes.ErrLaneNotFound
	}
	if err != nil {
		return lanes.Snapshot{}, fmt.Errorf("failed to get lane %s/%s: %w", taskID, role, err)
	}
	return l, nil
}

// ListLanes returns every lane in group ordered by task then role.
func (s *SQLiteStore) ListLanes(ctx context.Context, group string) ([]lanes.Snapshot, error) {
	return s.queryLanes(ctx, `SELECT `+laneColumns+` FROM lanes WHERE group_folder = ?`, group)
}

// ListTaskLanes returns the lanes of one task in role order.
func (s *SQLiteStore) ListTaskLanes(ctx context.Context, group, taskID string) ([]lanes.Snapshot, error) {
	return s.queryLanes(ctx, `SELECT `+laneColumns+` FROM lanes WHERE group_folder = ? AND task_id = ?`, group, taskID)
}

func (s *SQLiteStore) queryLanes(ctx context.Context, query string, args ...any) ([]lanes.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list lanes: %w", err)
	}
	defer rows.Close()

	var out []lanes.Snapshot
	for rows.Next() {
		l, err := scanLane(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lane: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Role order is domain order, not lexical.
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TaskID != out[j].TaskID {
			return out[i].TaskID < out[j].TaskID
		}
		return rolePosition(out[i].Role) < rolePosition(out[j].Role)
	})
	return out, nil
}

func rolePosition(r lanes.Role) int {
	if i := slices.Index(lanes.Roles, r); i >= 0 {
		return i
	}
	return len(lanes.Roles)
}

// SaveLane upserts the lane.
func (s *SQLiteStore) SaveLane(ctx context.Context, lane lanes.Snapshot) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO lanes (`+laneColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(group_folder, task_id, role) DO UPDATE SET
				state = excluded.state,
				updated_at = excluded.updated_at,
				detail = excluded.detail,
				summary = excluded.summary,
				dependency = excluded.dependency
		`, laneArgs(lane)...)
		if err != nil {
			return fmt.Errorf("failed to save lane %s/%s: %w", lane.TaskID, lane.Role, err)
		}
		return nil
	})
}

// InsertLane creates the lane unless it already exists.
func (s *SQLiteStore) InsertLane(ctx context.Context, lane lanes.Snapshot) (bool, error) {
	var created bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO lanes (`+laneColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(group_folder, task_id, role) DO NOTHING`, laneArgs(lane)...)
		if err != nil {
			return fmt.Errorf("failed to insert lane %s/%s: %w", lane.TaskID, lane.Role, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		created = n > 0
		return nil
	})
	return created, err
}

// DeleteLane removes one lane. Missing lanes are not an error.
func (s *SQLiteStore) DeleteLane(ctx context.Context, group, taskID string, role lanes.Role) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM lanes WHERE group_folder = ? AND task_id = ? AND role = ?`,
			group, taskID, string(role))
		if err != nil {
			return fmt.Errorf("failed to delete lane %s/%s: %w", taskID, role, err)
		}
		return nil
	})
}
