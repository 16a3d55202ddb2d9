// Package trace carries correlation identifiers through a processing cycle.
//
// A Trace is passed explicitly to every core operation instead of living in
// ambient storage, so nested calls log with the same trace_id without any
// goroutine-local state.
package trace

import (
	"log/slog"

	"github.com/google/uuid"
)

// Trace identifies one unit of work (normally one pipeline cycle).
type Trace struct {
	ID          string // Random identifier shared by every log line of the cycle
	TaskID      string // Optional task the work is scoped to
	GroupFolder string // Group the cycle runs for
}

// New starts a fresh trace for group.
func New(group string) Trace {
	return Trace{
		ID:          uuid.NewString(),
		GroupFolder: group,
	}
}

// WithTask returns a copy of t scoped to taskID.
func (t Trace) WithTask(taskID string) Trace {
	t.TaskID = taskID
	return t
}

// Attrs returns the trace as structured log attributes. Empty fields are
// omitted.
func (t Trace) Attrs() []any {
	attrs := make([]any, 0, 6)
	if t.ID != "" {
		attrs = append(attrs, "trace_id", t.ID)
	}
	if t.GroupFolder != "" {
		attrs = append(attrs, "group", t.GroupFolder)
	}
	if t.TaskID != "" {
		attrs = append(attrs, "task_id", t.TaskID)
	}
	return attrs
}

// Logger derives a logger carrying the trace attributes. A nil base falls
// back to slog.Default().
func (t Trace) Logger(base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With(t.Attrs()...)
}
