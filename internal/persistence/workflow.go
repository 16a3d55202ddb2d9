package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aristath/teamlead/internal/workflow"
)

const workflowColumns = `group_folder, task_id, stage, status, retries, pending_questions, decisions,
	last_error, blocked_reason, tokens_used, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflowTask(row rowScanner) (*workflow.Task, error) {
	var (
		t                    workflow.Task
		stage, status        string
		questions, decisions string
		created, updated     string
	)
	err := row.Scan(&t.GroupFolder, &t.TaskID, &stage, &status, &t.Retries, &questions, &decisions,
		&t.LastError, &t.BlockedReason, &t.TokensUsed, &created, &updated)
	if err != nil {
		return nil, err
	}
	t.Stage = workflow.Stage(stage)
	t.Status = workflow.Status(status)

	if err := json.Unmarshal([]byte(questions), &t.PendingQuestions); err != nil {
		return nil, fmt.Errorf("decoding pending questions for %s: %w", t.TaskID, err)
	}
	if err := json.Unmarshal([]byte(decisions), &t.Decisions); err != nil {
		return nil, fmt.Errorf("decoding decisions for %s: %w", t.TaskID, err)
	}
	if t.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &t, nil
}

func encodeList(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	data, _ := json.Marshal(items)
	return string(data)
}

// GetWorkflowTask returns the row or workflow.ErrTaskNotFound.
func (s *SQLiteStore) GetWorkflowTask(ctx context.Context, group, taskID string) (*workflow.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+`
		FROM workflow_tasks WHERE group_folder = ? AND task_id = ?`, group, taskID)
	t, err := scanWorkflowTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, workflow.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow task %s: %w", taskID, err)
	}
	return t, nil
}

// ListWorkflowTasks returns every row in group, oldest first.
func (s *SQLiteStore) ListWorkflowTasks(ctx context.Context, group string) ([]*workflow.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT `+workflowColumns+`
		FROM workflow_tasks WHERE group_folder = ? ORDER BY created_at, task_id`, group)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*workflow.Task
	for rows.Next() {
		t, err := scanWorkflowTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// InsertWorkflowTask creates the row unless one exists.
func (s *SQLiteStore) InsertWorkflowTask(ctx context.Context, task *workflow.Task) (bool, error) {
	var created bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO workflow_tasks (`+workflowColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(group_folder, task_id) DO NOTHING`, workflowArgs(task)...)
		if err != nil {
			return fmt.Errorf("failed to insert workflow task: %w", err)
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

// SaveWorkflowTask upserts the row.
func (s *SQLiteStore) SaveWorkflowTask(ctx context.Context, task *workflow.Task) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return upsertWorkflowTask(ctx, tx, task)
	})
}

// SaveTransition upserts task and appends tr in one transaction.
func (s *SQLiteStore) SaveTransition(ctx context.Context, task *workflow.Task, tr workflow.Transition) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := upsertWorkflowTask(ctx, tx, task); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO workflow_transitions (group_folder, task_id, from_stage, to_stage, reason, at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, tr.GroupFolder, tr.TaskID, string(tr.From), string(tr.To), tr.Reason, formatTime(tr.At))
		if err != nil {
			return fmt.Errorf("failed to append transition: %w", err)
		}
		return nil
	})
}

// ListTransitions returns the task's transition log, oldest first.
func (s *SQLiteStore) ListTransitions(ctx context.Context, group, taskID string) ([]workflow.Transition, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT group_folder, task_id, from_stage, to_stage, reason, at
		FROM workflow_transitions
		WHERE group_folder = ? AND task_id = ?
		ORDER BY id
	`, group, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	defer rows.Close()

	var out []workflow.Transition
	for rows.Next() {
		var tr workflow.Transition
		var from, to, at string
		if err := rows.Scan(&tr.GroupFolder, &tr.TaskID, &from, &to, &tr.Reason, &at); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		tr.From, tr.To = workflow.Stage(from), workflow.Stage(to)
		if tr.At, err = parseTime(at); err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// DeleteWorkflowTask removes the row and, by cascade, its transitions.
func (s *SQLiteStore) DeleteWorkflowTask(ctx context.Context, group, taskID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM workflow_tasks WHERE group_folder = ? AND task_id = ?`, group, taskID)
		if err != nil {
			return fmt.Errorf("failed to delete workflow task: %w", err)
		}
		return nil
	})
}

func workflowArgs(t *workflow.Task) []any {
	return []any{
		t.GroupFolder, t.TaskID, string(t.Stage), string(t.Status), t.Retries,
		encodeList(t.PendingQuestions), encodeList(t.Decisions),
		t.LastError, t.BlockedReason, t.TokensUsed,
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
	}
}

func upsertWorkflowTask(ctx context.Context, tx *sql.Tx, t *workflow.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO workflow_tasks (`+workflowColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(group_folder, task_id) DO UPDATE SET
			stage = excluded.stage,
			status = excluded.status,
			retries = excluded.retries,
			pending_questions = excluded.pending_questions,
			decisions = excluded.decisions,
			last_error = excluded.last_error,
			blocked_reason = excluded.blocked_reason,
			tokens_used = excluded.tokens_used,
			updated_at = excluded.updated_at
	`, workflowArgs(t)...)
	if err != nil {
		return fmt.Errorf("failed to upsert workflow task %s: %w", t.TaskID, err)
	}
	return nil
}
