package lanes

import (
	"context"
	"fmt"
	"strings"

	"github.com/aristath/teamlead/internal/fsutil"
)

// MaybeWriteTeamleadSummary writes merge/<TASK>-teamlead.md once the
// contributing lanes (PM, SPEC, and ARQ off the frontend track) are done.
// An existing file means the summary was already written.
func (m *Manager) MaybeWriteTeamleadSummary(ctx context.Context, group, taskID string, frontend bool) (bool, error) {
	path := m.SummaryPath(group, taskID)
	if fsutil.Exists(path) {
		return false, nil
	}

	lanes, err := m.Lanes(ctx, group, taskID)
	if err != nil {
		return false, err
	}

	roles := []Role{RolePM, RoleSpec}
	if !frontend {
		roles = append(roles, RoleArq)
	}
	for _, role := range roles {
		if lanes[role].State != StateDone {
			return false, nil
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s teamlead summary\n", taskID)
	for _, role := range roles {
		lane := lanes[role]
		text := strings.TrimSpace(lane.Summary)
		if text == "" {
			text = strings.TrimSpace(lane.Detail)
		}
		if text == "" {
			text = "-"
		}
		fmt.Fprintf(&b, "\n## %s\n\n%s\n", role, text)
	}

	release := m.locks.Acquire(group)
	defer release()

	if err := fsutil.WriteFileAtomic(path, []byte(b.String()), 0644); err != nil {
		return false, fmt.Errorf("writing teamlead summary: %w", err)
	}
	m.logger.Info("teamlead summary written", "group", group, "task_id", taskID, "path", path)
	return true, nil
}
