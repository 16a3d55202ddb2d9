package workflow

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Stage is the workflow-level phase of a task.
type Stage string

const (
	StageTeamlead Stage = "TEAMLEAD"
	StagePM       Stage = "PM"
	StageSpec     Stage = "SPEC"
	StageDev      Stage = "DEV"
	StageQA       Stage = "QA"
	StageDone     Stage = "DONE"
	StageBlocked  Stage = "BLOCKED"
)

// stageRank orders the forward stages. BLOCKED has no rank.
var stageRank = map[Stage]int{
	StageTeamlead: 0,
	StagePM:       1,
	StageSpec:     2,
	StageDev:      3,
	StageQA:       4,
	StageDone:     5,
}

// ParseStage validates s against the seven known stages.
func ParseStage(s string) (Stage, bool) {
	st := Stage(strings.ToUpper(strings.TrimSpace(s)))
	if st == StageBlocked {
		return st, true
	}
	_, ok := stageRank[st]
	return st, ok
}

// Rank returns the forward position of s, or -1 for BLOCKED and unknown stages.
func (s Stage) Rank() int {
	if r, ok := stageRank[s]; ok {
		return r
	}
	return -1
}

// AtLeast reports whether s is at or past other in the forward order.
func (s Stage) AtLeast(other Stage) bool {
	return s.Rank() >= 0 && s.Rank() >= other.Rank()
}

// StageForRole maps a lane role onto the workflow stage it drives.
func StageForRole(role string) (Stage, bool) {
	switch strings.ToUpper(role) {
	case "PM":
		return StagePM, true
	case "SPEC", "ARQ", "UX":
		return StageSpec, true
	case "DEV", "DEV2", "DEVOPS":
		return StageDev, true
	case "QA":
		return StageQA, true
	default:
		return "", false
	}
}

// Status is the dispatchability of a task.
type Status string

const (
	StatusRunning Status = "running"
	StatusBlocked Status = "blocked"
	StatusDone    Status = "done"
)

// Task is the durable workflow row keyed by (GroupFolder, TaskID).
type Task struct {
	GroupFolder      string
	TaskID           string
	Stage            Stage
	Status           Status
	Retries          int
	PendingQuestions []string
	Decisions        []string
	LastError        string
	BlockedReason    string // Set when a circuit breaker blocked the task
	TokensUsed       int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Blocked reports whether the task must not be dispatched.
func (t *Task) Blocked() bool {
	return t.Status == StatusBlocked
}

// Transition is one row of the append-only stage log.
type Transition struct {
	GroupFolder string
	TaskID      string
	From        Stage
	To          Stage
	Reason      string
	At          time.Time
}

// ErrTaskNotFound is returned by Store lookups for missing rows.
var ErrTaskNotFound = errors.New("workflow task not found")

// Store persists workflow rows and the transition log.
type Store interface {
	GetWorkflowTask(ctx context.Context, group, taskID string) (*Task, error)
	ListWorkflowTasks(ctx context.Context, group string) ([]*Task, error)
	// InsertWorkflowTask creates the row unless it already exists.
	InsertWorkflowTask(ctx context.Context, task *Task) (created bool, err error)
	SaveWorkflowTask(ctx context.Context, task *Task) error
	// SaveTransition appends tr and upserts task in one transaction.
	SaveTransition(ctx context.Context, task *Task, tr Transition) error
	ListTransitions(ctx context.Context, group, taskID string) ([]Transition, error)
	DeleteWorkflowTask(ctx context.Context, group, taskID string) error
}
