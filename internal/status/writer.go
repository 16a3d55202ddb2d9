package status

import (
	"encoding/json"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/aristath/teamlead/internal/fsutil"
	"github.com/aristath/teamlead/internal/scheduler"
)

// Activity is the coarse state shown for a group.
type Activity string

const (
	Idle    Activity = "idle"
	Working Activity = "working"
	Failed  Activity = "error"
)

// Status is the content of status.json.
type Status struct {
	Group     string           `json:"group"`
	Activity  Activity         `json:"activity"`
	Role      string           `json:"role,omitempty"`
	Tasks     []string         `json:"tasks,omitempty"`
	Detail    string           `json:"detail,omitempty"`
	TraceID   string           `json:"traceId,omitempty"`
	UpdatedAt time.Time        `json:"updatedAt"`
	Metrics   map[string]int64 `json:"metrics"`
}

// Writer renders status.json files. Writes are advisory: errors are logged
// and never returned.
type Writer struct {
	groupsDir string
	locks     *scheduler.KeyedMutex
	metrics   *Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewWriter creates a Writer rooted at groupsDir.
func NewWriter(groupsDir string, locks *scheduler.KeyedMutex, metrics *Metrics, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	if locks == nil {
		locks = scheduler.NewKeyedMutex()
	}
	return &Writer{
		groupsDir: groupsDir,
		locks:     locks,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// SetClock replaces the time source. Intended for tests.
func (w *Writer) SetClock(now func() time.Time) { w.now = now }

// Path returns the status file for group.
func (w *Writer) Path(group string) string {
	return filepath.Join(w.groupsDir, group, "status.json")
}

// Write stamps s with the current time and the group's counters and writes it.
func (w *Writer) Write(s Status) {
	s.UpdatedAt = w.now()
	if w.metrics != nil {
		s.Metrics = w.metrics.Snapshot(s.Group)
	}
	if s.Metrics == nil {
		s.Metrics = map[string]int64{}
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		w.logger.Warn("status encode failed", "group", s.Group, "error", err)
		return
	}

	release := w.locks.Acquire(s.Group)
	defer release()
	if err := fsutil.WriteFileAtomic(w.Path(s.Group), data, 0644); err != nil {
		w.logger.Warn("status write failed", "group", s.Group, "error", err)
	}
}
