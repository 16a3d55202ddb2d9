// Package agent dispatches a single role invocation to a worker. It owns the
// session lifecycle, the model fallback loop, the token budget gate and
// hard-failure session resets.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aristath/teamlead/internal/backend"
	"github.com/aristath/teamlead/internal/breaker"
	"github.com/aristath/teamlead/internal/lanes"
	"github.com/aristath/teamlead/internal/trace"
	"github.com/aristath/teamlead/internal/workflow"
)

// LaneActivity reports in-flight lanes. *lanes.Manager satisfies it.
type LaneActivity interface {
	HasActiveLane(ctx context.Context, group, taskID string, except lanes.Role) (bool, error)
}

// TaskLedger tracks per-task token usage. *workflow.Machine satisfies it.
type TaskLedger interface {
	CheckBudget(ctx context.Context, group, taskID string, budget int) (workflow.BudgetStatus, error)
	AddTokens(ctx context.Context, group, taskID string, n int) error
}

// Config holds the runner settings.
type Config struct {
	Primary          string
	Fallbacks        []string
	SessionMaxCycles int           // Rotate after this many calls; 0 disables
	SessionMaxAge    time.Duration // Rotate sessions older than this; 0 disables
	TokenBudget      int           // Per-task budget; 0 disables
	DefaultTimeout   time.Duration
	RoleTimeouts     map[string]time.Duration
}

// Request is one dispatch.
type Request struct {
	Group      string
	ChatID     string
	Role       string
	TaskIDs    []string
	Prompt     string
	SessionKey string
	OnOutput   func(backend.Output)
}

// Result describes a successful dispatch.
type Result struct {
	Outcome   backend.Outcome
	Model     string
	SessionID string
	Attempts  int
	Degraded  bool // Every model breaker was open; the primary was tried anyway
	Rotated   bool // The previous session was rotated before dispatch
}

// Runner dispatches role invocations.
type Runner struct {
	worker   backend.Worker
	sessions SessionStore
	models   *breaker.Breaker
	ledger   TaskLedger
	lanes    LaneActivity
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewRunner creates a Runner. ledger and lanes may be nil, which disables the
// budget gate and the rotation deferral respectively.
func NewRunner(worker backend.Worker, sessions SessionStore, models *breaker.Breaker, ledger TaskLedger, activity LaneActivity, cfg Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		worker:   worker,
		sessions: sessions,
		models:   models,
		ledger:   ledger,
		lanes:    activity,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock replaces the time source. Intended for tests.
func (r *Runner) SetClock(now func() time.Time) { r.now = now }

// Run dispatches req, trying each model of the attempt plan in order until
// one succeeds or a non-retryable error stops the loop. Failures are
// returned as *DispatchError.
func (r *Runner) Run(ctx context.Context, tr trace.Trace, req Request) (Result, error) {
	log := tr.Logger(r.logger).With("role", req.Role, "session_key", req.SessionKey)

	if err := r.checkBudget(ctx, req); err != nil {
		log.Warn("dispatch refused", "error", err)
		return Result{}, err
	}

	sess, rotated, err := r.loadSession(ctx, log, req)
	if err != nil {
		return Result{}, err
	}

	plan, degraded := breaker.ModelAttemptPlan(ctx, r.models, r.cfg.Primary, r.cfg.Fallbacks)
	if degraded {
		log.Warn("all model breakers open, trying primary anyway", "model", plan[0])
	}

	var (
		lastErr   error
		lastModel string
		attempts  int
	)
	for _, model := range plan {
		if !degraded {
			// Another group may have opened it since the plan was built.
			if open, _ := r.models.IsOpen(ctx, model); open {
				log.Info("skipping model with open breaker", "model", model)
				continue
			}
		}

		attempts++
		inv := backend.Invocation{
			Group:      req.Group,
			Role:       req.Role,
			TaskIDs:    req.TaskIDs,
			Prompt:     req.Prompt,
			Model:      model,
			SessionKey: req.SessionKey,
			Timeout:    r.timeout(req.Role),
		}
		if sess != nil {
			inv.SessionID = sess.SessionID
		}

		start := r.now()
		outcome, err := r.worker.Invoke(ctx, inv, req.OnOutput)
		if err == nil && outcome.Status == backend.StatusError {
			err = errors.New(outcome.Error)
		}
		r.addTokens(ctx, log, req, outcome.TokensUsed)

		if err == nil {
			if rerr := r.models.RecordSuccess(ctx, model); rerr != nil {
				log.Error("recording model success", "model", model, "error", rerr)
			}
			sess = r.saveSession(ctx, log, req.SessionKey, sess, outcome.NewSessionID, model)
			log.Info("dispatch succeeded",
				"model", model,
				"attempts", attempts,
				"duration", r.now().Sub(start),
				"tokens", outcome.TokensUsed)
			return Result{
				Outcome:   outcome,
				Model:     model,
				SessionID: sess.SessionID,
				Attempts:  attempts,
				Degraded:  degraded,
				Rotated:   rotated,
			}, nil
		}

		lastErr, lastModel = err, model
		opened, rerr := r.models.RecordFailure(ctx, model, err.Error())
		if rerr != nil {
			log.Error("recording model failure", "model", model, "error", rerr)
		}
		if opened {
			log.Warn("model circuit opened", "action", "circuit_opened", "model", model, "reason", err.Error())
		}

		if IsHardFailure(err.Error()) && sess != nil {
			r.archive(ctx, log, sess, ReasonHardFailure)
			sess = nil
		}

		if !IsRetryable(err.Error()) {
			log.Error("dispatch failed", "model", model, "error", err)
			return Result{Attempts: attempts}, &DispatchError{Kind: KindPermanent, Model: model, Err: err}
		}
		if ctx.Err() != nil {
			return Result{Attempts: attempts}, &DispatchError{Kind: KindTransient, Model: model, Err: err}
		}
		log.Warn("retryable worker failure", "model", model, "error", err)
	}

	if attempts == 0 {
		return Result{}, &DispatchError{Kind: KindCircuitOpen, Err: ErrCircuitOpen}
	}
	return Result{Attempts: attempts}, &DispatchError{Kind: KindTransient, Model: lastModel, Err: lastErr}
}

// ResetSession archives and clears the session for key, if any.
func (r *Runner) ResetSession(ctx context.Context, tr trace.Trace, key, reason string) error {
	sess, err := r.sessions.GetSession(ctx, key)
	if err != nil {
		return fmt.Errorf("loading session %s: %w", key, err)
	}
	if sess == nil {
		return nil
	}
	return r.archive(ctx, tr.Logger(r.logger), sess, reason)
}

func (r *Runner) timeout(role string) time.Duration {
	if d, ok := r.cfg.RoleTimeouts[role]; ok && d > 0 {
		return d
	}
	return r.cfg.DefaultTimeout
}

// budgetTask picks the task the budget gate checks: the first ID in the
// prompt, else the first scoped task.
func budgetTask(req Request) string {
	if ids := workflow.ExtractTaskIDs(req.Prompt); len(ids) > 0 {
		return ids[0]
	}
	if len(req.TaskIDs) > 0 {
		return req.TaskIDs[0]
	}
	return ""
}

func (r *Runner) checkBudget(ctx context.Context, req Request) error {
	if r.ledger == nil || r.cfg.TokenBudget <= 0 {
		return nil
	}
	taskID := budgetTask(req)
	if taskID == "" {
		return nil
	}
	status, err := r.ledger.CheckBudget(ctx, req.Group, taskID, r.cfg.TokenBudget)
	if err != nil {
		return &DispatchError{Kind: KindTransient, Err: err}
	}
	if status.Exceeded {
		return &DispatchError{
			Kind: KindBudget,
			Err:  fmt.Errorf("%w: %s used %d of %d tokens", ErrBudgetExceeded, taskID, status.Used, status.Budget),
		}
	}
	return nil
}

// loadSession returns the live session for the request, rotating it first
// when it is over the call or age ceiling and no scoped task has an active
// lane besides the dispatching role.
func (r *Runner) loadSession(ctx context.Context, log *slog.Logger, req Request) (*Session, bool, error) {
	sess, err := r.sessions.GetSession(ctx, req.SessionKey)
	if err != nil {
		return nil, false, &DispatchError{Kind: KindTransient, Err: fmt.Errorf("loading session: %w", err)}
	}
	if sess == nil || !r.expired(sess) {
		return sess, false, nil
	}

	if r.lanes != nil {
		for _, id := range req.TaskIDs {
			active, err := r.lanes.HasActiveLane(ctx, req.Group, id, lanes.Role(req.Role))
			if err != nil {
				log.Warn("lane check failed, deferring rotation", "task_id", id, "error", err)
				return sess, false, nil
			}
			if active {
				log.Info("session rotation deferred", "task_id", id, "calls", sess.CallCount)
				return sess, false, nil
			}
		}
	}

	if err := r.archive(ctx, log, sess, ReasonRotation); err != nil {
		return nil, false, &DispatchError{Kind: KindTransient, Err: err}
	}
	return nil, true, nil
}

func (r *Runner) expired(s *Session) bool {
	if r.cfg.SessionMaxCycles > 0 && s.CallCount >= r.cfg.SessionMaxCycles {
		return true
	}
	if r.cfg.SessionMaxAge > 0 && r.now().Sub(s.CreatedAt) >= r.cfg.SessionMaxAge {
		return true
	}
	return false
}

func (r *Runner) archive(ctx context.Context, log *slog.Logger, s *Session, reason string) error {
	if err := r.sessions.ArchiveSession(ctx, s, reason); err != nil {
		log.Error("archiving session", "error", err)
		return fmt.Errorf("archiving session %s: %w", s.Key, err)
	}
	action := "session_reset"
	if reason == ReasonRotation {
		action = "session_rotated"
	}
	log.Info("session cleared", "action", action, "reason", reason, "calls", s.CallCount, "session_id", s.SessionID)
	return nil
}

func (r *Runner) saveSession(ctx context.Context, log *slog.Logger, key string, sess *Session, newID, model string) *Session {
	now := r.now()
	if sess == nil {
		sess = &Session{Key: key, CreatedAt: now}
	}
	if newID != "" {
		sess.SessionID = newID
	}
	sess.Model = model
	sess.CallCount++
	sess.UpdatedAt = now
	if err := r.sessions.SaveSession(ctx, sess); err != nil {
		log.Error("saving session", "error", err)
	}
	return sess
}

// addTokens splits n across the scoped tasks, the remainder going to the
// first one.
func (r *Runner) addTokens(ctx context.Context, log *slog.Logger, req Request, n int) {
	if r.ledger == nil || n <= 0 {
		return
	}
	ids := req.TaskIDs
	if len(ids) == 0 {
		if id := budgetTask(req); id != "" {
			ids = []string{id}
		}
	}
	if len(ids) == 0 {
		return
	}
	share := n / len(ids)
	for i, id := range ids {
		amount := share
		if i == 0 {
			amount += n % len(ids)
		}
		if err := r.ledger.AddTokens(ctx, req.Group, id, amount); err != nil {
			log.Error("recording token usage", "task_id", id, "error", err)
		}
	}
}
