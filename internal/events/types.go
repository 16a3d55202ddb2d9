package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicLane       = "lane"
	TopicCircuit    = "circuit"
	TopicValidation = "validation"
	TopicCycle      = "cycle"
	TopicAgent      = "agent"
)

// Event type constants
const (
	EventTypeLaneChanged      = "lane.changed"
	EventTypeLaneReconciled   = "lane.reconciled"
	EventTypeCircuitOpened    = "circuit.opened"
	EventTypeCircuitBlocked   = "circuit.blocked"
	EventTypeValidationFailed = "validation.failed"
	EventTypeCycleStarted     = "cycle.started"
	EventTypeCycleCompleted   = "cycle.completed"
	EventTypeCycleFailed      = "cycle.failed"
	EventTypeAgentOutput      = "agent.output"
)

// LaneChangedEvent is published after a lane row is persisted.
type LaneChangedEvent struct {
	Group     string
	Task      string
	Role      string
	From      string
	To        string
	Detail    string
	Timestamp time.Time
}

func (e LaneChangedEvent) EventType() string { return EventTypeLaneChanged }
func (e LaneChangedEvent) TaskID() string    { return e.Task }

// LaneReconciledEvent is published once per group after boot reconciliation.
type LaneReconciledEvent struct {
	Group     string
	Orphaned  int
	Failed    int
	TaskIDs   []string
	Timestamp time.Time
}

func (e LaneReconciledEvent) EventType() string { return EventTypeLaneReconciled }
func (e LaneReconciledEvent) TaskID() string    { return "" }

// CircuitOpenedEvent is published the moment a breaker trips.
type CircuitOpenedEvent struct {
	Kind      string // "model" or "task_role"
	Key       string
	Reason    string
	OpenUntil time.Time
	Timestamp time.Time
}

func (e CircuitOpenedEvent) EventType() string { return EventTypeCircuitOpened }
func (e CircuitOpenedEvent) TaskID() string    { return "" }

// CircuitBlockedEvent is published when a dispatch is refused by an open
// task+role breaker and the task is moved to BLOCKED.
type CircuitBlockedEvent struct {
	Group     string
	Task      string
	Role      string
	Reason    string
	Timestamp time.Time
}

func (e CircuitBlockedEvent) EventType() string { return EventTypeCircuitBlocked }
func (e CircuitBlockedEvent) TaskID() string    { return e.Task }

// ValidationFailedEvent is published for each failed claim check.
type ValidationFailedEvent struct {
	Group     string
	Tasks     []string
	Role      string
	Claim     string
	Reason    string
	Timestamp time.Time
}

func (e ValidationFailedEvent) EventType() string { return EventTypeValidationFailed }
func (e ValidationFailedEvent) TaskID() string {
	if len(e.Tasks) == 0 {
		return ""
	}
	return e.Tasks[0]
}

// CycleStartedEvent is published when a pipeline cycle dispatches a role.
type CycleStartedEvent struct {
	TraceID   string
	Group     string
	ChatID    string
	Role      string
	Tasks     []string
	Timestamp time.Time
}

func (e CycleStartedEvent) EventType() string { return EventTypeCycleStarted }
func (e CycleStartedEvent) TaskID() string {
	if len(e.Tasks) == 0 {
		return ""
	}
	return e.Tasks[0]
}

// CycleCompletedEvent is published when a cycle finishes successfully.
type CycleCompletedEvent struct {
	TraceID   string
	Group     string
	Role      string
	Tasks     []string
	Model     string
	Duration  time.Duration
	Timestamp time.Time
}

func (e CycleCompletedEvent) EventType() string { return EventTypeCycleCompleted }
func (e CycleCompletedEvent) TaskID() string {
	if len(e.Tasks) == 0 {
		return ""
	}
	return e.Tasks[0]
}

// CycleFailedEvent is published when a cycle ends in the error branch.
type CycleFailedEvent struct {
	TraceID    string
	Group      string
	Role       string
	Tasks      []string
	Err        error
	RolledBack bool
	Duration   time.Duration
	Timestamp  time.Time
}

func (e CycleFailedEvent) EventType() string { return EventTypeCycleFailed }
func (e CycleFailedEvent) TaskID() string {
	if len(e.Tasks) == 0 {
		return ""
	}
	return e.Tasks[0]
}

// AgentOutputEvent carries one streamed chunk of worker output.
type AgentOutputEvent struct {
	Group     string
	Role      string
	Task      string
	Line      string
	Timestamp time.Time
}

func (e AgentOutputEvent) EventType() string { return EventTypeAgentOutput }
func (e AgentOutputEvent) TaskID() string    { return e.Task }
