package lanes

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Role is one of the eight specialist tracks.
type Role string

const (
	RolePM     Role = "PM"
	RoleSpec   Role = "SPEC"
	RoleArq    Role = "ARQ"
	RoleUX     Role = "UX"
	RoleDev    Role = "DEV"
	RoleDev2   Role = "DEV2"
	RoleDevops Role = "DEVOPS"
	RoleQA     Role = "QA"
)

// Roles lists every role in pipeline order.
var Roles = []Role{RolePM, RoleSpec, RoleArq, RoleUX, RoleDev, RoleDev2, RoleDevops, RoleQA}

// ParseRole validates s against the known roles.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Roles {
		if r == known {
			return r, true
		}
	}
	return "", false
}

// State is a lane's progress.
type State string

const (
	StateIdle    State = "idle"
	StateQueued  State = "queued"
	StateWorking State = "working"
	StateWaiting State = "waiting"
	StateDone    State = "done"
	StateError   State = "error"
	StateFailed  State = "failed"
)

var validStates = map[State]bool{
	StateIdle: true, StateQueued: true, StateWorking: true, StateWaiting: true,
	StateDone: true, StateError: true, StateFailed: true,
}

// Valid reports whether s is one of the seven lane states.
func (s State) Valid() bool { return validStates[s] }

// Active reports whether the lane holds in-flight context.
func (s State) Active() bool {
	return s == StateWorking || s == StateQueued || s == StateWaiting
}

// Snapshot is the durable lane row keyed by (GroupFolder, TaskID, Role).
type Snapshot struct {
	GroupFolder string    `json:"-"`
	TaskID      string    `json:"-"`
	Role        Role      `json:"-"`
	State       State     `json:"state"`
	UpdatedAt   time.Time `json:"updatedAt"`
	Detail      string    `json:"detail,omitempty"`
	Summary     string    `json:"summary,omitempty"`
	Dependency  string    `json:"dependency,omitempty"`
}

// ErrLaneNotFound is returned by Store.GetLane for missing rows.
var ErrLaneNotFound = errors.New("lane not found")

// Store persists lane rows.
type Store interface {
	GetLane(ctx context.Context, group, taskID string, role Role) (Snapshot, error)
	ListLanes(ctx context.Context, group string) ([]Snapshot, error)
	ListTaskLanes(ctx context.Context, group, taskID string) ([]Snapshot, error)
	SaveLane(ctx context.Context, lane Snapshot) error
	// InsertLane creates the row unless it exists.
	InsertLane(ctx context.Context, lane Snapshot) (created bool, err error)
	DeleteLane(ctx context.Context, group, taskID string, role Role) error
}
