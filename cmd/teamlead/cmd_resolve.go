package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aristath/teamlead/internal/workflow"
)

// newResolveCmd creates the "teamlead resolve" subcommand.
func newResolveCmd(opts *options) *cobra.Command {
	var group, taskID, decision string

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Answer a task's pending questions and unblock it",
		Long:  "Record a decision for a task, clear its pending questions and blocked reason,\nand return a BLOCKED task to the stage it was blocked from.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return fmt.Errorf("resolve: %w", err)
			}
			g, err := findGroup(cfg, group)
			if err != nil {
				return fmt.Errorf("resolve: %w", err)
			}
			logger, err := opts.newLogger(cmd.ErrOrStderr())
			if err != nil {
				return fmt.Errorf("resolve: %w", err)
			}

			ctx := cmd.Context()
			st, err := openStores(ctx, cfg, nil, logger)
			if err != nil {
				return fmt.Errorf("resolve: %w", err)
			}
			defer st.Close()

			id := strings.ToUpper(strings.TrimSpace(taskID))
			task, err := st.workflow.ResolveTaskQuestions(ctx, g.Folder, id, strings.TrimSpace(decision))
			if errors.Is(err, workflow.ErrTaskNotFound) {
				return fmt.Errorf("resolve: task %s is not tracked in %s", id, g.Folder)
			}
			if err != nil {
				return fmt.Errorf("resolve: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Resolved %s in %s: stage %s, status %s\n", task.TaskID, g.Folder, task.Stage, task.Status)
			return nil
		},
	}

	cmd.Flags().StringVar(&group, "group", "", "group folder or chat ID")
	cmd.Flags().StringVar(&taskID, "task", "", "task ID, e.g. ECOM-001")
	cmd.Flags().StringVar(&decision, "decision", "", "decision recorded on the task")
	_ = cmd.MarkFlagRequired("group")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}
