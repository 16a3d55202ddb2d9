package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newReconcileCmd creates the "teamlead reconcile" subcommand.
func newReconcileCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Fail stale lanes left by an interrupted run",
		Long:  "Run boot lane reconciliation for every group without starting the loop.\nWorking lanes older than lanes.stale_after and orphaned lanes are marked failed.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return fmt.Errorf("reconcile: %w", err)
			}
			logger, err := opts.newLogger(cmd.ErrOrStderr())
			if err != nil {
				return fmt.Errorf("reconcile: %w", err)
			}

			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("reconcile: %w", err)
			}
			defer a.Close()

			if err := a.loop.Reconcile(cmd.Context()); err != nil {
				return fmt.Errorf("reconcile: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reconciled %d groups\n", len(cfg.Groups))
			return nil
		},
	}
}
