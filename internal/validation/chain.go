package validation

import (
	"context"
	"log/slog"
	"time"

	"github.com/aristath/teamlead/internal/events"
	"github.com/aristath/teamlead/internal/status"
	"github.com/aristath/teamlead/internal/trace"
)

// Scope names the tasks and role the validated output belongs to.
type Scope struct {
	Group   string
	TaskIDs []string
	Role    string
}

// FailureSink records a validation failure against one task. The circuit
// handler implements it by marking the workflow row and feeding the
// task+role breaker.
type FailureSink interface {
	MarkValidationFailure(ctx context.Context, tr trace.Trace, group, taskID, role, reason string) error
}

// Counter bumps a named per-group metric.
type Counter interface {
	Inc(group, name string)
}

// Outcome pairs a claim with its result.
type Outcome struct {
	Claim string
	Result
}

// Report is the result of running every claim.
type Report struct {
	Outcomes []Outcome
}

// Failed returns the names of the claims that failed, in table order.
func (r Report) Failed() []string {
	var out []string
	for _, o := range r.Outcomes {
		if o.Checked && !o.OK {
			out = append(out, o.Claim)
		}
	}
	return out
}

// OK reports whether no claim failed.
func (r Report) OK() bool { return len(r.Failed()) == 0 }

// Chain runs Claims and applies the failure side effects.
type Chain struct {
	env     Env
	claims  []Claim
	sink    FailureSink
	metrics Counter
	bus     *events.EventBus
	logger  *slog.Logger
}

// NewChain creates a chain over the default claim table. sink, metrics and
// bus may be nil.
func NewChain(env Env, sink FailureSink, metrics Counter, bus *events.EventBus, logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{
		env:     env,
		claims:  Claims,
		sink:    sink,
		metrics: metrics,
		bus:     bus,
		logger:  logger,
	}
}

// Run checks text against every claim. Each failure publishes an event, logs
// a claim_validation_failed action, bumps contractFailures plus the claim's
// own counter and marks every task in scope. Claims with a Nudge reason also
// call nudge, when non-nil.
func (c *Chain) Run(ctx context.Context, tr trace.Trace, scope Scope, text string, nudge func(reason string)) Report {
	log := tr.Logger(c.logger)
	report := Report{Outcomes: make([]Outcome, 0, len(c.claims))}

	for _, claim := range c.claims {
		res := claim.Check(c.env, text)
		report.Outcomes = append(report.Outcomes, Outcome{Claim: claim.Name, Result: res})
		if !res.Checked || res.OK {
			continue
		}

		c.bus.Publish(events.TopicValidation, events.ValidationFailedEvent{
			Group:     scope.Group,
			Tasks:     scope.TaskIDs,
			Role:      scope.Role,
			Claim:     claim.Name,
			Reason:    res.Reason,
			Timestamp: time.Now(),
		})
		log.Warn("claim validation failed",
			"action", "claim_validation_failed",
			"claim", claim.Name,
			"role", scope.Role,
			"tasks", scope.TaskIDs,
			"reason", res.Reason)

		if c.metrics != nil {
			c.metrics.Inc(scope.Group, status.ContractFailures)
			c.metrics.Inc(scope.Group, claim.Metric)
		}

		if c.sink != nil {
			for _, id := range scope.TaskIDs {
				reason := claim.Name + ": " + res.Reason
				if err := c.sink.MarkValidationFailure(ctx, tr, scope.Group, id, scope.Role, reason); err != nil {
					log.Error("marking validation failure", "task_id", id, "error", err)
				}
			}
		}

		if claim.Nudge != "" && nudge != nil {
			nudge(claim.Nudge)
		}
	}
	return report
}
