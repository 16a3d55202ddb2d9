package lanes

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aristath/teamlead/internal/events"
	"github.com/aristath/teamlead/internal/workflow"
)

// ReconcileReport summarises a boot reconciliation pass.
type ReconcileReport struct {
	Orphaned int
	Failed   int
	TaskIDs  []string // Distinct tasks touched, sorted
}

// ReconcileLaneStateOnBoot repairs lanes left working by a previous process.
// Working lanes whose workflow row is gone are deleted. Working lanes not
// updated within staleAfter are forced to failed.
func (m *Manager) ReconcileLaneStateOnBoot(ctx context.Context, group string, staleAfter time.Duration) (ReconcileReport, error) {
	var report ReconcileReport

	rows, err := m.store.ListLanes(ctx, group)
	if err != nil {
		return report, fmt.Errorf("listing lanes: %w", err)
	}

	now := m.now()
	touched := make(map[string]bool)
	exists := make(map[string]bool)

	for _, lane := range rows {
		if lane.State != StateWorking {
			continue
		}

		known, seen := exists[lane.TaskID]
		if !seen {
			_, err := m.workflow.Get(ctx, group, lane.TaskID)
			switch {
			case err == nil:
				known = true
			case errors.Is(err, workflow.ErrTaskNotFound):
				known = false
			default:
				return report, fmt.Errorf("loading workflow for %s: %w", lane.TaskID, err)
			}
			exists[lane.TaskID] = known
		}

		if !known {
			if err := m.store.DeleteLane(ctx, group, lane.TaskID, lane.Role); err != nil {
				return report, fmt.Errorf("deleting orphaned lane %s/%s: %w", lane.TaskID, lane.Role, err)
			}
			report.Orphaned++
			touched[lane.TaskID] = true
			continue
		}

		if now.Sub(lane.UpdatedAt) <= staleAfter {
			continue
		}
		lane.State = StateFailed
		lane.Detail = fmt.Sprintf("boot-recovery: stale working lane (last update %s)", lane.UpdatedAt.UTC().Format(time.RFC3339))
		lane.UpdatedAt = now
		if err := m.store.SaveLane(ctx, lane); err != nil {
			return report, fmt.Errorf("failing stale lane %s/%s: %w", lane.TaskID, lane.Role, err)
		}
		report.Failed++
		touched[lane.TaskID] = true
	}

	for id := range touched {
		report.TaskIDs = append(report.TaskIDs, id)
	}
	sort.Strings(report.TaskIDs)

	if len(touched) > 0 {
		m.writeMirror(ctx, group)
		for _, id := range report.TaskIDs {
			m.mirrorBacklog(ctx, group, id)
		}
		m.logger.Info("lanes reconciled on boot",
			"action", "lane_reconciled",
			"group", group,
			"orphaned", report.Orphaned,
			"failed", report.Failed,
			"tasks", report.TaskIDs)
		m.bus.Publish(events.TopicLane, events.LaneReconciledEvent{
			Group:     group,
			Orphaned:  report.Orphaned,
			Failed:    report.Failed,
			TaskIDs:   report.TaskIDs,
			Timestamp: now,
		})
	}

	return report, nil
}
