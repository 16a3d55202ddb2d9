package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aristath/teamlead/internal/backlog"
	"github.com/aristath/teamlead/internal/scheduler"
	"github.com/aristath/teamlead/internal/workflow"
)

// newDagCmd creates the "teamlead dag" subcommand.
func newDagCmd(opts *options) *cobra.Command {
	var group string

	cmd := &cobra.Command{
		Use:   "dag",
		Short: "Show the dependency graph of a group's backlog",
		Long:  "Evaluate BACKLOG.md of a group and print the ready, active, waiting,\ncompleted and cyclic tasks, a dependency order and each task's workflow stage.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return fmt.Errorf("dag: %w", err)
			}
			g, err := findGroup(cfg, group)
			if err != nil {
				return fmt.Errorf("dag: %w", err)
			}
			logger, err := opts.newLogger(cmd.ErrOrStderr())
			if err != nil {
				return fmt.Errorf("dag: %w", err)
			}

			ctx := cmd.Context()
			st, err := openStores(ctx, cfg, nil, logger)
			if err != nil {
				return fmt.Errorf("dag: %w", err)
			}
			defer st.Close()

			doc, err := backlog.Load(st.lanes.BacklogPath(g.Folder))
			if err != nil {
				return fmt.Errorf("dag: %w", err)
			}
			tasks := doc.DagTasks()
			if len(tasks) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No tasks in %s backlog\n", g.Folder)
				return nil
			}

			tracked, err := st.workflow.List(ctx, g.Folder)
			if err != nil {
				return fmt.Errorf("dag: %w", err)
			}
			stages := make(map[string]*workflow.Task, len(tracked))
			for _, t := range tracked {
				stages[t.TaskID] = t
			}

			printDag(cmd.OutOrStdout(), tasks, stages)
			return nil
		},
	}

	cmd.Flags().StringVar(&group, "group", "", "group folder or chat ID")
	_ = cmd.MarkFlagRequired("group")
	return cmd
}

func printDag(w io.Writer, tasks []scheduler.DagTask, stages map[string]*workflow.Task) {
	eval := scheduler.EvaluateDag(tasks)
	buckets := []struct {
		name  string
		tasks []scheduler.DagTask
	}{
		{"Ready", eval.Ready},
		{"Active", eval.Active},
		{"Waiting", eval.Waiting},
		{"Completed", eval.Completed},
		{"Cycles", eval.Cycles},
	}
	for _, b := range buckets {
		fmt.Fprintf(w, "%-10s %s\n", b.name+":", joinIDs(b.tasks))
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Order:")
	index := make(map[string]scheduler.DagTask, len(tasks))
	for _, t := range tasks {
		index[t.ID] = t
	}
	for i, id := range scheduler.TopologicalSort(tasks) {
		t := index[id]
		line := fmt.Sprintf("%3d. %-12s %-9s", i+1, id, t.State)
		if wt, ok := stages[id]; ok {
			line += " stage=" + string(wt.Stage)
			if wt.Blocked() {
				line += " (blocked)"
			}
		}
		if len(t.Deps) > 0 {
			line += " deps=" + strings.Join(t.Deps, ",")
		}
		fmt.Fprintln(w, strings.TrimRight(line, " "))
	}
}

func joinIDs(tasks []scheduler.DagTask) string {
	if len(tasks) == 0 {
		return "-"
	}
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return strings.Join(ids, " ")
}
