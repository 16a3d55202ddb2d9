package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/aristath/teamlead/internal/tui"
)

// shutdownTimeout bounds how long run waits for in-flight cycles and the TUI.
const shutdownTimeout = 10 * time.Second

// newRunCmd creates the "teamlead run" subcommand.
func newRunCmd(opts *options) *cobra.Command {
	var withTUI bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process every registered group until interrupted",
		Long:  "Reconcile lanes left over from the previous run, then poll each group for\nnew messages and run one cycle per group at a time.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return fmt.Errorf("run: %w", err)
			}
			if len(cfg.Groups) == 0 {
				return errors.New("run: no groups configured")
			}

			var logOut io.Writer = cmd.ErrOrStderr()
			if withTUI {
				// The alt screen owns the terminal; logs go to a file instead.
				if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
					return fmt.Errorf("run: %w", err)
				}
				f, err := os.OpenFile(filepath.Join(cfg.DataDir, "teamlead.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
				if err != nil {
					return fmt.Errorf("run: opening log file: %w", err)
				}
				defer f.Close()
				logOut = f
			}
			logger, err := opts.newLogger(logOut)
			if err != nil {
				return fmt.Errorf("run: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("run: %w", err)
			}
			defer a.Close()

			if !withTUI {
				err := a.loop.Run(ctx)
				if errors.Is(err, context.Canceled) {
					logger.Info("shutdown complete")
					return nil
				}
				return err
			}
			return runWithTUI(ctx, stop, a)
		},
	}

	cmd.Flags().BoolVar(&withTUI, "tui", false, "show the terminal dashboard")
	return cmd
}

// runWithTUI runs the loop beside the dashboard. Quitting the dashboard or
// receiving a signal stops both.
func runWithTUI(ctx context.Context, stop context.CancelFunc, a *app) error {
	loopCtx, cancelLoop := context.WithCancel(ctx)
	defer cancelLoop()

	loopDone := make(chan error, 1)
	go func() {
		loopDone <- a.loop.Run(loopCtx)
	}()

	p := tea.NewProgram(tui.New(a.bus, len(a.cfg.Groups)), tea.WithAltScreen())
	tuiDone := make(chan error, 1)
	go func() {
		_, err := p.Run()
		tuiDone <- err
	}()

	var tuiErr error
	select {
	case tuiErr = <-tuiDone:
		// User quit the dashboard.
		cancelLoop()
	case <-ctx.Done():
		// Restore default handling so a second Ctrl+C forces exit.
		stop()
		a.logger.Info("shutdown signal received, cleaning up")
		if err := a.pm.KillAll(); err != nil {
			a.logger.Warn("killing workers", "error", err)
		}
		p.Quit()
		select {
		case tuiErr = <-tuiDone:
		case <-time.After(shutdownTimeout):
			a.logger.Warn("dashboard did not exit in time")
		}
	}

	select {
	case err := <-loopDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	case <-time.After(shutdownTimeout):
		a.logger.Warn("shutdown timeout exceeded, forcing exit")
	}

	a.logger.Info("shutdown complete")
	return tuiErr
}
