// Package lanes tracks per-role progress for every task and projects it into
// lanes.json and the backlog's Lanes line.
package lanes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aristath/teamlead/internal/backlog"
	"github.com/aristath/teamlead/internal/events"
	"github.com/aristath/teamlead/internal/fsutil"
	"github.com/aristath/teamlead/internal/scheduler"
	"github.com/aristath/teamlead/internal/workflow"
)

// Update is a requested lane change. Next is validated against the lane
// states; Detail, Summary and Dependency replace the stored values.
type Update struct {
	TaskID     string
	Role       Role
	Next       State
	Detail     string
	Summary    string
	Dependency string
}

// WorkflowSource looks up workflow rows. *workflow.Machine satisfies it.
type WorkflowSource interface {
	Get(ctx context.Context, group, taskID string) (*workflow.Task, error)
}

// Manager owns lane rows and their file projections.
type Manager struct {
	store     Store
	workflow  WorkflowSource
	groupsDir string
	locks     *scheduler.KeyedMutex // Shared per-group file lock
	bus       *events.EventBus
	logger    *slog.Logger
	now       func() time.Time
}

// NewManager creates a lane manager. locks must be the same KeyedMutex every
// other writer of the group's files uses.
func NewManager(store Store, wf WorkflowSource, groupsDir string, locks *scheduler.KeyedMutex, bus *events.EventBus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if locks == nil {
		locks = scheduler.NewKeyedMutex()
	}
	return &Manager{
		store:     store,
		workflow:  wf,
		groupsDir: groupsDir,
		locks:     locks,
		bus:       bus,
		logger:    logger,
		now:       time.Now,
	}
}

// SetClock replaces the time source. Intended for tests.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// GroupDir returns the folder holding a group's files.
func (m *Manager) GroupDir(group string) string {
	return filepath.Join(m.groupsDir, group)
}

// BacklogPath returns the group's BACKLOG.md path.
func (m *Manager) BacklogPath(group string) string {
	return filepath.Join(m.GroupDir(group), "BACKLOG.md")
}

// MirrorPath returns the group's lanes.json path.
func (m *Manager) MirrorPath(group string) string {
	return filepath.Join(m.GroupDir(group), "lanes.json")
}

// SummaryPath returns the merge summary path for a task.
func (m *Manager) SummaryPath(group, taskID string) string {
	return filepath.Join(m.GroupDir(group), "merge", taskID+"-teamlead.md")
}

// EnsureTask creates any missing role rows for taskID as idle.
func (m *Manager) EnsureTask(ctx context.Context, group, taskID string) error {
	now := m.now()
	created := 0
	for _, role := range Roles {
		ok, err := m.store.InsertLane(ctx, Snapshot{
			GroupFolder: group,
			TaskID:      taskID,
			Role:        role,
			State:       StateIdle,
			UpdatedAt:   now,
		})
		if err != nil {
			return fmt.Errorf("initializing lane %s/%s: %w", taskID, role, err)
		}
		if ok {
			created++
		}
	}
	if created > 0 {
		m.writeMirror(ctx, group)
	}
	return nil
}

// SetLaneState applies u. An unknown Next state is rejected with a logged
// diagnostic and a false result; nothing is written. Persisting the row is
// load-bearing and its error is returned. The JSON mirror and the backlog
// Lanes line are advisory: failures are logged and swallowed.
func (m *Manager) SetLaneState(ctx context.Context, group string, u Update) (bool, error) {
	if !u.Next.Valid() {
		m.logger.Warn("invalid lane transition",
			"group", group, "task_id", u.TaskID, "role", u.Role, "next", u.Next)
		return false, nil
	}
	if _, ok := ParseRole(string(u.Role)); !ok {
		m.logger.Warn("invalid lane transition",
			"group", group, "task_id", u.TaskID, "role", u.Role, "next", u.Next, "error", "unknown role")
		return false, nil
	}

	prev, err := m.store.GetLane(ctx, group, u.TaskID, u.Role)
	if err != nil && !errors.Is(err, ErrLaneNotFound) {
		return false, fmt.Errorf("loading lane %s/%s: %w", u.TaskID, u.Role, err)
	}

	now := m.now()
	lane := Snapshot{
		GroupFolder: group,
		TaskID:      u.TaskID,
		Role:        u.Role,
		State:       u.Next,
		UpdatedAt:   now,
		Detail:      u.Detail,
		Summary:     u.Summary,
		Dependency:  u.Dependency,
	}
	if u.Summary == "" {
		lane.Summary = prev.Summary
	}
	if err := m.store.SaveLane(ctx, lane); err != nil {
		return false, fmt.Errorf("saving lane %s/%s: %w", u.TaskID, u.Role, err)
	}

	m.writeMirror(ctx, group)
	m.mirrorBacklog(ctx, group, u.TaskID)

	m.bus.Publish(events.TopicLane, events.LaneChangedEvent{
		Group:     group,
		Task:      u.TaskID,
		Role:      string(u.Role),
		From:      string(prev.State),
		To:        string(u.Next),
		Detail:    u.Detail,
		Timestamp: now,
	})
	return true, nil
}

// SetRoles applies the same state to several roles of one task.
func (m *Manager) SetRoles(ctx context.Context, group, taskID string, roles []Role, next State, detail string) error {
	for _, role := range roles {
		if _, err := m.SetLaneState(ctx, group, Update{TaskID: taskID, Role: role, Next: next, Detail: detail}); err != nil {
			return err
		}
	}
	return nil
}

// Lanes returns a task's lanes keyed by role.
func (m *Manager) Lanes(ctx context.Context, group, taskID string) (map[Role]Snapshot, error) {
	rows, err := m.store.ListTaskLanes(ctx, group, taskID)
	if err != nil {
		return nil, fmt.Errorf("listing lanes for %s: %w", taskID, err)
	}
	out := make(map[Role]Snapshot, len(rows))
	for _, r := range rows {
		out[r.Role] = r
	}
	return out, nil
}

// HasActiveLane reports whether any lane of taskID other than except is
// working, queued or waiting. Pass an empty except to consider every role.
func (m *Manager) HasActiveLane(ctx context.Context, group, taskID string, except Role) (bool, error) {
	rows, err := m.store.ListTaskLanes(ctx, group, taskID)
	if err != nil {
		return false, fmt.Errorf("listing lanes for %s: %w", taskID, err)
	}
	for _, r := range rows {
		if r.Role != except && r.State.Active() {
			return true, nil
		}
	}
	return false, nil
}

// IsArchitectureReadyForDev reports whether DEV may start. It requires SPEC
// done, plus ARQ done off the frontend track, unless the workflow stage is
// already DEV or later. missing names the first prerequisite not yet done.
func (m *Manager) IsArchitectureReadyForDev(ctx context.Context, group, taskID string, frontend bool) (ready bool, missing Role, err error) {
	task, err := m.workflow.Get(ctx, group, taskID)
	if err != nil && !errors.Is(err, workflow.ErrTaskNotFound) {
		return false, "", fmt.Errorf("loading workflow for %s: %w", taskID, err)
	}
	if task != nil && task.Stage.AtLeast(workflow.StageDev) {
		return true, "", nil
	}

	lanes, err := m.Lanes(ctx, group, taskID)
	if err != nil {
		return false, "", err
	}
	required := []Role{RoleSpec}
	if !frontend {
		required = append(required, RoleArq)
	}
	for _, role := range required {
		if lanes[role].State != StateDone {
			return false, role, nil
		}
	}
	return true, "", nil
}

// writeMirror regenerates lanes.json for the whole group. Advisory.
func (m *Manager) writeMirror(ctx context.Context, group string) {
	rows, err := m.store.ListLanes(ctx, group)
	if err != nil {
		m.logger.Warn("lane mirror skipped", "group", group, "error", err)
		return
	}

	data, err := renderMirror(group, rows, m.now())
	if err != nil {
		m.logger.Warn("lane mirror skipped", "group", group, "error", err)
		return
	}

	release := m.locks.Acquire(group)
	defer release()
	if err := fsutil.WriteFileAtomic(m.MirrorPath(group), data, 0644); err != nil {
		m.logger.Warn("lane mirror write failed", "group", group, "error", err)
	}
}

type mirrorDoc struct {
	Group     string                         `json:"group"`
	UpdatedAt time.Time                      `json:"updatedAt"`
	Tasks     map[string]map[string]Snapshot `json:"tasks"`
	Order     []string                       `json:"order"`
}

func renderMirror(group string, rows []Snapshot, now time.Time) ([]byte, error) {
	doc := mirrorDoc{
		Group:     group,
		UpdatedAt: now,
		Tasks:     make(map[string]map[string]Snapshot),
	}
	for _, r := range rows {
		if doc.Tasks[r.TaskID] == nil {
			doc.Tasks[r.TaskID] = make(map[string]Snapshot)
			doc.Order = append(doc.Order, r.TaskID)
		}
		doc.Tasks[r.TaskID][string(r.Role)] = r
	}
	sort.Strings(doc.Order)
	return json.MarshalIndent(doc, "", "  ")
}

// mirrorBacklog writes the task's Lanes line into BACKLOG.md. Advisory.
func (m *Manager) mirrorBacklog(ctx context.Context, group, taskID string) {
	rows, err := m.store.ListTaskLanes(ctx, group, taskID)
	if err != nil {
		m.logger.Warn("backlog lanes mirror skipped", "group", group, "task_id", taskID, "error", err)
		return
	}
	line := FormatLanesLine(rows)

	release := m.locks.Acquire(group)
	defer release()
	if _, err := backlog.SetLanesLine(m.BacklogPath(group), taskID, line); err != nil {
		m.logger.Warn("backlog lanes mirror failed", "group", group, "task_id", taskID, "error", err)
	}
}

// FormatLanesLine renders "ROLE=state@HH:MM | ..." in role order.
func FormatLanesLine(rows []Snapshot) string {
	byRole := make(map[Role]Snapshot, len(rows))
	for _, r := range rows {
		byRole[r.Role] = r
	}
	parts := make([]string, 0, len(Roles))
	for _, role := range Roles {
		r, ok := byRole[role]
		if !ok {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%s@%s", role, r.State, r.UpdatedAt.Local().Format("15:04")))
	}
	return strings.Join(parts, " | ")
}
