package scheduler

import (
	"sort"

	"github.com/gammazero/toposort"
)

// DFS colours for cycle detection.
const (
	white = iota // Not yet visited
	gray         // On the current DFS stack
	black        // Fully explored
)

// EvaluateDag partitions tasks into ready/active/waiting/completed/cycles.
//
// Dependencies naming IDs outside the task set are treated as satisfied. Any
// task found on the DFS stack when a back-edge is hit is reported as cyclic
// and excluded from every other bucket. This can over-report tasks that only
// lead into a cycle, which errs on the side of never scheduling them.
func EvaluateDag(tasks []DagTask) Evaluation {
	index := make(map[string]DagTask, len(tasks))
	for _, task := range tasks {
		index[task.ID] = task
	}

	cyclic := detectCycles(tasks, index)

	done := make(map[string]bool)
	for _, task := range tasks {
		if task.State == DagDone && !cyclic[task.ID] {
			done[task.ID] = true
		}
	}

	eval := Evaluation{
		Ready:     []DagTask{},
		Active:    []DagTask{},
		Waiting:   []DagTask{},
		Completed: []DagTask{},
		Cycles:    []DagTask{},
	}

	for _, task := range tasks {
		if cyclic[task.ID] {
			eval.Cycles = append(eval.Cycles, cloneDagTask(task))
			continue
		}

		switch task.State {
		case DagDone:
			eval.Completed = append(eval.Completed, cloneDagTask(task))
		case DagDoing:
			eval.Active = append(eval.Active, cloneDagTask(task))
		case DagBlocked:
			eval.Waiting = append(eval.Waiting, cloneDagTask(task))
		default:
			if depsSatisfied(task, index, done) {
				eval.Ready = append(eval.Ready, cloneDagTask(task))
			} else {
				eval.Waiting = append(eval.Waiting, cloneDagTask(task))
			}
		}
	}

	return eval
}

// GetNextTasks returns the ready tasks that fit into the remaining concurrency
// budget: at most max(0, maxConcurrent - len(active)).
func GetNextTasks(tasks []DagTask, maxConcurrent int) []DagTask {
	eval := EvaluateDag(tasks)
	slots := maxConcurrent - len(eval.Active)
	if slots <= 0 {
		return []DagTask{}
	}
	if len(eval.Ready) > slots {
		return eval.Ready[:slots]
	}
	return eval.Ready
}

// TopologicalSort orders task IDs so that dependencies come first. It is best
// effort: members of a cycle are still emitted, after the acyclic tasks, in ID
// order. It never returns an error.
func TopologicalSort(tasks []DagTask) []string {
	index := make(map[string]DagTask, len(tasks))
	for _, task := range tasks {
		index[task.ID] = task
	}
	cyclic := detectCycles(tasks, index)

	// Edge (dep, task) means dep must come before task. Tasks with no
	// in-set dependencies hang off nil so they are included.
	var edges []toposort.Edge
	for _, task := range tasks {
		if cyclic[task.ID] {
			continue
		}
		linked := false
		for _, depID := range task.Deps {
			if _, known := index[depID]; !known || cyclic[depID] {
				continue
			}
			edges = append(edges, toposort.Edge{depID, task.ID})
			linked = true
		}
		if !linked {
			edges = append(edges, toposort.Edge{nil, task.ID})
		}
	}

	order := make([]string, 0, len(tasks))
	seen := make(map[string]bool, len(tasks))

	sorted, err := toposort.Toposort(edges)
	if err == nil {
		for _, id := range sorted {
			if id == nil {
				continue
			}
			s := id.(string)
			if !seen[s] {
				seen[s] = true
				order = append(order, s)
			}
		}
	}

	// Anything left over (cycle members, or everything if the sort failed)
	// goes at the end in a stable order.
	var rest []string
	for _, task := range tasks {
		if !seen[task.ID] {
			seen[task.ID] = true
			rest = append(rest, task.ID)
		}
	}
	sort.Strings(rest)

	return append(order, rest...)
}

// detectCycles runs a 3-colour DFS and returns the set of task IDs that were
// on the stack whenever a back-edge was found.
func detectCycles(tasks []DagTask, index map[string]DagTask) map[string]bool {
	colour := make(map[string]int, len(tasks))
	cyclic := make(map[string]bool)
	var stack []string

	var visit func(id string)
	visit = func(id string) {
		colour[id] = gray
		stack = append(stack, id)

		for _, depID := range index[id].Deps {
			if _, known := index[depID]; !known {
				continue
			}
			switch colour[depID] {
			case white:
				visit(depID)
			case gray:
				for _, onStack := range stack {
					cyclic[onStack] = true
				}
			}
		}

		stack = stack[:len(stack)-1]
		colour[id] = black
	}

	for _, task := range tasks {
		if colour[task.ID] == white {
			visit(task.ID)
		}
	}

	return cyclic
}

func depsSatisfied(task DagTask, index map[string]DagTask, done map[string]bool) bool {
	for _, depID := range task.Deps {
		if _, known := index[depID]; !known {
			continue
		}
		if !done[depID] {
			return false
		}
	}
	return true
}

func cloneDagTask(task DagTask) DagTask {
	cp := task
	if task.Deps != nil {
		cp.Deps = append([]string(nil), task.Deps...)
	}
	return cp
}
