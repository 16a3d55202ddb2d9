package scheduler

import "strings"

// DagState is the backlog-level state of a task as seen by the DAG evaluator.
type DagState string

const (
	DagPlanning DagState = "planning" // Being scoped, schedulable once deps are done
	DagTodo     DagState = "todo"     // Ready to start once deps are done
	DagDoing    DagState = "doing"    // Currently in progress
	DagBlocked  DagState = "blocked"  // Waiting on a human or an external event
	DagDone     DagState = "done"     // Finished
)

// ParseDagState maps a free-form backlog "Estado" value onto a DagState.
// Unrecognised values are treated as todo.
func ParseDagState(s string) DagState {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "planning", "plan", "planificando", "backlog":
		return DagPlanning
	case "doing", "in progress", "in_progress", "en progreso", "wip", "working":
		return DagDoing
	case "blocked", "bloqueada", "bloqueado", "waiting":
		return DagBlocked
	case "done", "hecho", "hecha", "completed", "completada", "completado", "terminada", "terminado":
		return DagDone
	default:
		return DagTodo
	}
}

// DagTask is the transient view of a task used for one evaluation. It has no
// identity beyond the backlog block it was derived from.
type DagTask struct {
	ID    string   // Task identifier, e.g. "ECOM-001"
	State DagState // Current backlog state
	Deps  []string // IDs this task depends on
}

// Evaluation partitions a task set. A task appears in exactly one bucket.
type Evaluation struct {
	Ready     []DagTask // Schedulable now
	Active    []DagTask // Already in progress
	Waiting   []DagTask // Blocked or with unfinished dependencies
	Completed []DagTask // Done
	Cycles    []DagTask // Part of (or stacked on) a dependency cycle; never schedulable
}
