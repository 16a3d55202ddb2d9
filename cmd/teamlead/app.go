package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aristath/teamlead/internal/agent"
	"github.com/aristath/teamlead/internal/backend"
	"github.com/aristath/teamlead/internal/breaker"
	"github.com/aristath/teamlead/internal/config"
	"github.com/aristath/teamlead/internal/events"
	"github.com/aristath/teamlead/internal/lanes"
	"github.com/aristath/teamlead/internal/orchestrator"
	"github.com/aristath/teamlead/internal/persistence"
	"github.com/aristath/teamlead/internal/scheduler"
	"github.com/aristath/teamlead/internal/status"
	"github.com/aristath/teamlead/internal/workflow"
)

// stores is the persistent state shared by every command.
type stores struct {
	db       *persistence.SQLiteStore
	locks    *scheduler.KeyedMutex
	workflow *workflow.Machine
	lanes    *lanes.Manager
}

// openStores opens the database and the state machines over it. bus may be
// nil.
func openStores(ctx context.Context, cfg *config.Config, bus *events.EventBus, logger *slog.Logger) (*stores, error) {
	db, err := persistence.NewSQLiteStore(ctx, cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", cfg.DBPath, err)
	}
	locks := scheduler.NewKeyedMutex()
	wf := workflow.NewMachine(db, logger)
	return &stores{
		db:       db,
		locks:    locks,
		workflow: wf,
		lanes:    lanes.NewManager(db, wf, cfg.GroupsDir, locks, bus, logger),
	}, nil
}

func (s *stores) Close() error { return s.db.Close() }

// app is the fully wired engine used by run and reconcile.
type app struct {
	*stores
	cfg      *config.Config
	logger   *slog.Logger
	bus      *events.EventBus
	pm       *backend.ProcessManager
	channel  orchestrator.Channel
	metrics  *status.Metrics
	pipeline *orchestrator.Pipeline
	loop     *orchestrator.Loop
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	bus := events.NewEventBus()

	st, err := openStores(ctx, cfg, bus, logger)
	if err != nil {
		bus.Close()
		return nil, err
	}

	pm := backend.NewProcessManager()
	worker, err := backend.New(backend.Config{
		Type:    cfg.Worker.Type,
		Command: cfg.Worker.Command,
		Args:    cfg.Worker.Args,
		WorkDir: cfg.Worker.WorkDir,
	}, pm, logger)
	if err != nil {
		st.Close()
		bus.Close()
		return nil, fmt.Errorf("creating worker: %w", err)
	}

	models := breaker.New(breaker.KindModel, breaker.Settings{
		Threshold: cfg.Breakers.Model.Threshold,
		OpenFor:   cfg.Breakers.Model.OpenFor,
	}, st.db)
	taskRoles := breaker.New(breaker.KindTaskRole, breaker.Settings{
		Threshold: cfg.Breakers.TaskRole.Threshold,
		OpenFor:   cfg.Breakers.TaskRole.OpenFor,
	}, st.db)

	runner := agent.NewRunner(worker, st.db, models, st.workflow, st.lanes, agent.Config{
		Primary:          cfg.Models.Primary,
		Fallbacks:        cfg.Models.Fallbacks,
		SessionMaxCycles: cfg.Session.MaxCycles,
		SessionMaxAge:    cfg.Session.MaxAge,
		TokenBudget:      cfg.Budget.TokensPerTask,
		DefaultTimeout:   cfg.Timeouts.Default,
		RoleTimeouts:     cfg.Timeouts.Roles,
	}, logger)

	channel := orchestrator.NewNotifier(orchestrator.NewLogChannel(logger), orchestrator.DefaultRetryConfig(), logger)
	metrics := status.NewMetrics()

	pipeline := orchestrator.NewPipeline(orchestrator.Deps{
		Config:   cfg,
		Messages: st.db,
		Cursors:  st.db,
		Workflow: st.workflow,
		Lanes:    st.lanes,
		Runner:   runner,
		Worker:   worker,
		Circuits: orchestrator.NewCircuitHandler(taskRoles, st.workflow, channel, metrics, bus, logger),
		Recovery: orchestrator.NewRecovery(cfg.Recovery, channel, logger),
		Channel:  channel,
		Status:   status.NewWriter(cfg.GroupsDir, st.locks, metrics, logger),
		Metrics:  metrics,
		Bus:      bus,
		Locks:    st.locks,
		Logger:   logger,
	})

	return &app{
		stores:   st,
		cfg:      cfg,
		logger:   logger,
		bus:      bus,
		pm:       pm,
		channel:  channel,
		metrics:  metrics,
		pipeline: pipeline,
		loop:     orchestrator.NewLoop(cfg, pipeline, st.lanes, channel, logger),
	}, nil
}

// Close kills leftover workers and releases the store and the bus.
func (a *app) Close() error {
	if err := a.pm.KillAll(); err != nil {
		a.logger.Warn("killing workers", "error", err)
	}
	a.bus.Close()
	return a.stores.Close()
}
