// Package workflow tracks each task's stage through the role pipeline.
//
// All mutations go through Machine so that stage changes are always paired
// with a transition log row and the status invariants hold:
//
//	status == blocked  =>  pending questions or a blocked reason
//	stage  == DONE     =>  status == done
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aristath/teamlead/internal/scheduler"
)

// TransitionRequest asks for a stage change.
type TransitionRequest struct {
	TaskID string
	To     string
	Reason string
}

// TransitionResult reports the outcome of TransitionTaskStage.
type TransitionResult struct {
	OK    bool
	State *Task
}

// BudgetStatus is the result of CheckBudget.
type BudgetStatus struct {
	Used     int
	Budget   int
	Exceeded bool
}

// Machine mutates workflow rows. Safe for concurrent use; writes to the same
// task are serialized.
type Machine struct {
	store  Store
	locks  *scheduler.KeyedMutex
	logger *slog.Logger
	now    func() time.Time
}

// NewMachine creates a Machine over store.
func NewMachine(store Store, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		store:  store,
		locks:  scheduler.NewKeyedMutex(),
		logger: logger,
		now:    time.Now,
	}
}

// SetClock replaces the time source. Intended for tests.
func (m *Machine) SetClock(now func() time.Time) { m.now = now }

func lockKey(group, taskID string) string { return group + "/" + taskID }

// Get returns the row for taskID or ErrTaskNotFound.
func (m *Machine) Get(ctx context.Context, group, taskID string) (*Task, error) {
	return m.store.GetWorkflowTask(ctx, group, taskID)
}

// List returns every row in group.
func (m *Machine) List(ctx context.Context, group string) ([]*Task, error) {
	return m.store.ListWorkflowTasks(ctx, group)
}

// EnsureWorkflowTasks creates missing rows at TEAMLEAD/running. Existing rows
// are never touched. Returns the IDs that were created.
func (m *Machine) EnsureWorkflowTasks(ctx context.Context, group string, ids []string) ([]string, error) {
	var created []string
	now := m.now()
	for _, id := range ids {
		ok, err := m.store.InsertWorkflowTask(ctx, &Task{
			GroupFolder: group,
			TaskID:      id,
			Stage:       StageTeamlead,
			Status:      StatusRunning,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
		if err != nil {
			return created, fmt.Errorf("ensuring workflow task %s: %w", id, err)
		}
		if ok {
			created = append(created, id)
		}
	}
	return created, nil
}

// TransitionTaskStage moves a task to req.To, appending a transition row.
// An unknown target stage is a no-op with OK=false and a nil error. A missing
// row is created. Store failures are returned.
func (m *Machine) TransitionTaskStage(ctx context.Context, group string, req TransitionRequest) (TransitionResult, error) {
	to, ok := ParseStage(req.To)
	if !ok {
		m.logger.Warn("invalid workflow transition",
			"group", group, "task_id", req.TaskID, "to", req.To)
		return TransitionResult{OK: false}, nil
	}

	release := m.locks.Acquire(lockKey(group, req.TaskID))
	defer release()

	task, err := m.loadOrNew(ctx, group, req.TaskID)
	if err != nil {
		return TransitionResult{}, err
	}

	now := m.now()
	from := task.Stage
	task.Stage = to
	task.UpdatedAt = now

	switch to {
	case StageDone:
		task.Status = StatusDone
		task.BlockedReason = ""
	case StageBlocked:
		task.Status = StatusBlocked
		task.BlockedReason = req.Reason
		if task.BlockedReason == "" {
			task.BlockedReason = "blocked"
		}
	default:
		task.BlockedReason = ""
		if len(task.PendingQuestions) > 0 {
			task.Status = StatusBlocked
		} else {
			task.Status = StatusRunning
		}
	}

	tr := Transition{
		GroupFolder: group,
		TaskID:      task.TaskID,
		From:        from,
		To:          to,
		Reason:      req.Reason,
		At:          now,
	}
	if err := m.store.SaveTransition(ctx, task, tr); err != nil {
		return TransitionResult{}, fmt.Errorf("transitioning %s to %s: %w", req.TaskID, to, err)
	}

	m.logger.Info("workflow transition",
		"group", group, "task_id", task.TaskID, "from", from, "to", to, "reason", req.Reason)
	return TransitionResult{OK: true, State: task}, nil
}

// AdvanceForRole moves the task forward to the stage role drives. It never
// moves backwards, and leaves DONE and BLOCKED tasks alone.
func (m *Machine) AdvanceForRole(ctx context.Context, group, taskID, role, reason string) (TransitionResult, error) {
	target, ok := StageForRole(role)
	if !ok {
		return TransitionResult{OK: false}, nil
	}
	task, err := m.store.GetWorkflowTask(ctx, group, taskID)
	if err != nil && !errors.Is(err, ErrTaskNotFound) {
		return TransitionResult{}, err
	}
	if task != nil {
		if task.Stage == StageBlocked || task.Stage == StageDone || task.Stage.AtLeast(target) {
			return TransitionResult{OK: false, State: task}, nil
		}
	}
	return m.TransitionTaskStage(ctx, group, TransitionRequest{TaskID: taskID, To: string(target), Reason: reason})
}

// GetBlockedTasks returns every row in group with pending questions.
func (m *Machine) GetBlockedTasks(ctx context.Context, group string) ([]*Task, error) {
	tasks, err := m.store.ListWorkflowTasks(ctx, group)
	if err != nil {
		return nil, err
	}
	var blocked []*Task
	for _, t := range tasks {
		if len(t.PendingQuestions) > 0 {
			blocked = append(blocked, t)
		}
	}
	return blocked, nil
}

// AddPendingQuestions records open questions and blocks the task until they
// are resolved. Duplicate questions are ignored.
func (m *Machine) AddPendingQuestions(ctx context.Context, group, taskID string, questions []string) (*Task, error) {
	if len(questions) == 0 {
		return nil, nil
	}
	return m.update(ctx, group, taskID, func(t *Task) {
		seen := make(map[string]bool, len(t.PendingQuestions))
		for _, q := range t.PendingQuestions {
			seen[q] = true
		}
		for _, q := range questions {
			if !seen[q] {
				t.PendingQuestions = append(t.PendingQuestions, q)
				seen[q] = true
			}
		}
		if t.Stage != StageDone {
			t.Status = StatusBlocked
		}
	})
}

// ResolveTaskQuestions appends decision, clears pending questions and the
// blocked reason, and makes the task dispatchable again. A task parked in
// BLOCKED returns to the stage it was blocked from.
func (m *Machine) ResolveTaskQuestions(ctx context.Context, group, taskID, decision string) (*Task, error) {
	release := m.locks.Acquire(lockKey(group, taskID))
	defer release()

	task, err := m.store.GetWorkflowTask(ctx, group, taskID)
	if err != nil {
		return nil, err
	}

	now := m.now()
	if decision != "" {
		task.Decisions = append(task.Decisions, decision)
	}
	task.PendingQuestions = nil
	task.BlockedReason = ""
	task.UpdatedAt = now

	if task.Stage != StageBlocked {
		if task.Stage == StageDone {
			task.Status = StatusDone
		} else {
			task.Status = StatusRunning
		}
		if err := m.store.SaveWorkflowTask(ctx, task); err != nil {
			return nil, fmt.Errorf("resolving %s: %w", taskID, err)
		}
		return task, nil
	}

	restore, err := m.stageBeforeBlocked(ctx, group, taskID)
	if err != nil {
		return nil, err
	}
	tr := Transition{
		GroupFolder: group,
		TaskID:      taskID,
		From:        StageBlocked,
		To:          restore,
		Reason:      "questions resolved",
		At:          now,
	}
	task.Stage = restore
	task.Status = StatusRunning
	if err := m.store.SaveTransition(ctx, task, tr); err != nil {
		return nil, fmt.Errorf("resolving %s: %w", taskID, err)
	}
	return task, nil
}

// stageBeforeBlocked finds the stage a task had when it last entered BLOCKED.
func (m *Machine) stageBeforeBlocked(ctx context.Context, group, taskID string) (Stage, error) {
	history, err := m.store.ListTransitions(ctx, group, taskID)
	if err != nil {
		return "", fmt.Errorf("loading history for %s: %w", taskID, err)
	}
	for i := len(history) - 1; i >= 0; i-- {
		tr := history[i]
		if tr.To == StageBlocked && tr.From != StageBlocked && tr.From != "" {
			return tr.From, nil
		}
	}
	return StageTeamlead, nil
}

// MarkTaskValidationFailure counts a contract violation against the task.
// The stage is left alone.
func (m *Machine) MarkTaskValidationFailure(ctx context.Context, group, taskID, reason string) (*Task, error) {
	return m.update(ctx, group, taskID, func(t *Task) {
		t.Retries++
		t.LastError = reason
	})
}

// RecordError stores the last dispatch error without counting a retry.
func (m *Machine) RecordError(ctx context.Context, group, taskID, reason string) (*Task, error) {
	return m.update(ctx, group, taskID, func(t *Task) {
		t.LastError = reason
	})
}

// AddTokens adds n to the task's token usage.
func (m *Machine) AddTokens(ctx context.Context, group, taskID string, n int) error {
	if n <= 0 {
		return nil
	}
	_, err := m.update(ctx, group, taskID, func(t *Task) {
		t.TokensUsed += n
	})
	return err
}

// CheckBudget compares the task's token usage against budget. A budget of
// zero or less disables the check. Unknown tasks have used nothing.
func (m *Machine) CheckBudget(ctx context.Context, group, taskID string, budget int) (BudgetStatus, error) {
	status := BudgetStatus{Budget: budget}
	if budget <= 0 {
		return status, nil
	}
	task, err := m.store.GetWorkflowTask(ctx, group, taskID)
	if errors.Is(err, ErrTaskNotFound) {
		return status, nil
	}
	if err != nil {
		return status, fmt.Errorf("checking budget for %s: %w", taskID, err)
	}
	status.Used = task.TokensUsed
	status.Exceeded = task.TokensUsed >= budget
	return status, nil
}

// History returns the transition log for a task, oldest first.
func (m *Machine) History(ctx context.Context, group, taskID string) ([]Transition, error) {
	return m.store.ListTransitions(ctx, group, taskID)
}

// CancelTask hard-deletes the row. This is the only deletion path.
func (m *Machine) CancelTask(ctx context.Context, group, taskID string) error {
	release := m.locks.Acquire(lockKey(group, taskID))
	defer release()

	if err := m.store.DeleteWorkflowTask(ctx, group, taskID); err != nil {
		return fmt.Errorf("cancelling %s: %w", taskID, err)
	}
	m.logger.Info("workflow task cancelled", "group", group, "task_id", taskID)
	return nil
}

// update applies fn to the row under the task lock, creating it if missing.
func (m *Machine) update(ctx context.Context, group, taskID string, fn func(*Task)) (*Task, error) {
	release := m.locks.Acquire(lockKey(group, taskID))
	defer release()

	task, err := m.loadOrNew(ctx, group, taskID)
	if err != nil {
		return nil, err
	}
	fn(task)
	task.UpdatedAt = m.now()
	if err := m.store.SaveWorkflowTask(ctx, task); err != nil {
		return nil, fmt.Errorf("saving workflow task %s: %w", taskID, err)
	}
	return task, nil
}

func (m *Machine) loadOrNew(ctx context.Context, group, taskID string) (*Task, error) {
	task, err := m.store.GetWorkflowTask(ctx, group, taskID)
	if errors.Is(err, ErrTaskNotFound) {
		now := m.now()
		return &Task{
			GroupFolder: group,
			TaskID:      taskID,
			Stage:       StageTeamlead,
			Status:      StatusRunning,
			CreatedAt:   now,
			UpdatedAt:   now,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading workflow task %s: %w", taskID, err)
	}
	return task, nil
}
