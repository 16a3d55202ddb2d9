package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aristath/teamlead/internal/breaker"
	"github.com/aristath/teamlead/internal/events"
	"github.com/aristath/teamlead/internal/status"
	"github.com/aristath/teamlead/internal/trace"
	"github.com/aristath/teamlead/internal/workflow"
)

// CircuitHandler applies the task+role breaker around dispatch: it refuses
// and blocks quarantined tasks, notifies the chat once per open period and
// feeds worker and validation failures into the breaker.
type CircuitHandler struct {
	breaker  *breaker.Breaker
	workflow *workflow.Machine
	channel  Channel
	metrics  *status.Metrics
	bus      *events.EventBus
	logger   *slog.Logger

	mu       sync.Mutex
	notified map[string]time.Time // breaker key -> OpenUntil already announced
}

// NewCircuitHandler creates a handler over a KindTaskRole breaker.
func NewCircuitHandler(b *breaker.Breaker, wf *workflow.Machine, ch Channel, metrics *status.Metrics, bus *events.EventBus, logger *slog.Logger) *CircuitHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CircuitHandler{
		breaker:  b,
		workflow: wf,
		channel:  ch,
		metrics:  metrics,
		bus:      bus,
		logger:   logger,
		notified: make(map[string]time.Time),
	}
}

// CheckCircuitBeforeDispatch reports whether taskID may not be dispatched to
// role. A blocked task is moved to BLOCKED with the breaker's last error as
// the reason. Store errors are returned.
func (h *CircuitHandler) CheckCircuitBeforeDispatch(ctx context.Context, tr trace.Trace, group, chatID, taskID, role string) (bool, error) {
	key := breaker.TaskRoleKey(taskID, role)
	open, err := h.breaker.IsOpen(ctx, key)
	if err != nil {
		return false, err
	}
	if !open {
		return false, nil
	}

	st, _, err := h.breaker.Get(ctx, key)
	if err != nil {
		return false, err
	}
	reason := st.LastError
	if reason == "" {
		reason = "circuit breaker open"
	}

	log := tr.WithTask(taskID).Logger(h.logger)

	task, err := h.workflow.Get(ctx, group, taskID)
	if err != nil && !errors.Is(err, workflow.ErrTaskNotFound) {
		return true, err
	}
	if task == nil || task.Stage != workflow.StageBlocked {
		if _, err := h.workflow.TransitionTaskStage(ctx, group, workflow.TransitionRequest{
			TaskID: taskID,
			To:     string(workflow.StageBlocked),
			Reason: reason,
		}); err != nil {
			return true, err
		}
	}

	log.Warn("dispatch refused by open circuit",
		"action", "circuit_blocked",
		"role", role,
		"reason", reason,
		"open_until", st.OpenUntil)
	h.metrics.Inc(group, status.CircuitBlocks)
	h.bus.Publish(events.TopicCircuit, events.CircuitBlockedEvent{
		Group:     group,
		Task:      taskID,
		Role:      role,
		Reason:    reason,
		Timestamp: time.Now(),
	})

	if h.markNotified(key, st.OpenUntil) {
		msg := fmt.Sprintf("⛔ %s bloqueada: el rol %s falló repetidamente (circuit breaker abierto). Motivo: %s", taskID, role, reason)
		if err := h.channel.SendMessage(ctx, chatID, msg); err != nil {
			log.Warn("circuit notification failed", "error", err)
		}
	}
	return true, nil
}

// IsOpen reports whether the task+role breaker is open.
func (h *CircuitHandler) IsOpen(ctx context.Context, taskID, role string) (bool, error) {
	return h.breaker.IsOpen(ctx, breaker.TaskRoleKey(taskID, role))
}

// markNotified records that the open period ending at openUntil has been
// announced for key. It reports whether this is the first announcement.
func (h *CircuitHandler) markNotified(key string, openUntil time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if prev, ok := h.notified[key]; ok && prev.Equal(openUntil) {
		return false
	}
	h.notified[key] = openUntil
	return true
}

// RecordAgentFailure counts a failed dispatch against every task for role.
func (h *CircuitHandler) RecordAgentFailure(ctx context.Context, tr trace.Trace, taskIDs []string, role, reason string) {
	for _, id := range taskIDs {
		h.recordFailure(ctx, tr, id, role, reason)
	}
}

// RecordAgentSuccess clears the breaker of every task for role.
func (h *CircuitHandler) RecordAgentSuccess(ctx context.Context, tr trace.Trace, taskIDs []string, role string) {
	for _, id := range taskIDs {
		key := breaker.TaskRoleKey(id, role)
		if err := h.breaker.RecordSuccess(ctx, key); err != nil {
			tr.WithTask(id).Logger(h.logger).Error("recording circuit success", "key", key, "error", err)
		}
		h.mu.Lock()
		delete(h.notified, key)
		h.mu.Unlock()
	}
}

// MarkValidationFailure records a claim violation on the workflow row and
// counts it against the task+role breaker.
func (h *CircuitHandler) MarkValidationFailure(ctx context.Context, tr trace.Trace, group, taskID, role, reason string) error {
	if _, err := h.workflow.MarkTaskValidationFailure(ctx, group, taskID, reason); err != nil {
		return err
	}
	h.recordFailure(ctx, tr, taskID, role, reason)
	return nil
}

func (h *CircuitHandler) recordFailure(ctx context.Context, tr trace.Trace, taskID, role, reason string) {
	log := tr.WithTask(taskID).Logger(h.logger)
	key := breaker.TaskRoleKey(taskID, role)

	opened, err := h.breaker.RecordFailure(ctx, key, reason)
	if err != nil {
		log.Error("recording circuit failure", "key", key, "error", err)
		return
	}
	if !opened {
		return
	}

	st, _, _ := h.breaker.Get(ctx, key)
	log.Warn("task circuit opened",
		"action", "circuit_opened",
		"key", key,
		"reason", reason,
		"open_until", st.OpenUntil)
	h.bus.Publish(events.TopicCircuit, events.CircuitOpenedEvent{
		Kind:      string(breaker.KindTaskRole),
		Key:       key,
		Reason:    reason,
		OpenUntil: st.OpenUntil,
		Timestamp: time.Now(),
	})
}
