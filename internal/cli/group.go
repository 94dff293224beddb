// Copyright 2025 The Soliplex Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func (a *App) newGroupCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group",
		Short: "Inspect and manage run groups",
	}
	cmd.AddCommand(
		a.newGroupStatusCommand(),
		a.newGroupHistoryCommand(),
		a.newGroupRunsCommand(),
		a.newGroupResetCommand(),
		a.newGroupDeleteCommand(),
	)
	return cmd
}

func (a *App) newGroupRunsCommand() *cobra.Command {
	var page, perPage int
	cmd := &cobra.Command{
		Use:   "runs ID",
		Short: "List a run group's workflow runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "group")
			if err != nil {
				return err
			}
			st, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			runs, total, err := st.ListWorkflowRuns(cmd.Context(), id, page, perPage)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(map[string]any{"runs": runs, "total": total})
			}
			tw, flush := a.table()
			defer flush()
			fmt.Fprintln(tw, "RUN\tDOCUMENT\tPRIORITY\tSTATUS\tCOMPLETED")
			for _, r := range runs {
				fmt.Fprintf(tw, "%d\t%.19s\t%d\t%s\t%s\n",
					r.ID, r.DocumentHash, r.Priority, r.Status, formatTime(r.CompletedAt))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "Page number")
	cmd.Flags().IntVar(&perPage, "per-page", 50, "Runs per page")
	return cmd
}

func parseID(arg, what string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s id %q", what, arg)
	}
	return id, nil
}

func (a *App) newGroupStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status ID",
		Short: "Show a run group and its per-status run counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "group")
			if err != nil {
				return err
			}
			st, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			group, err := st.GetRunGroup(cmd.Context(), id)
			if err != nil {
				return err
			}
			stats, err := st.GroupStats(cmd.Context(), id)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(map[string]any{"group": group, "stats": stats})
			}
			fmt.Fprintf(a.out, "group %d: %s\n  workflow: %s/%s\n  batch: %d\n  status: %s\n",
				group.ID, group.Name, group.WorkflowID, group.ParamsID, group.BatchID, group.Status)
			if group.StatusMessage != "" {
				fmt.Fprintf(a.out, "  message: %s\n", group.StatusMessage)
			}
			fmt.Fprintf(a.out, "  runs: %d total, %d pending, %d running, %d completed, %d error, %d failed\n",
				stats.Total(), stats.Pending, stats.Running, stats.Completed, stats.Error, stats.Failed)
			return nil
		},
	}
}

func (a *App) newGroupHistoryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "history ID",
		Short: "Show a run group's lifecycle event trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "group")
			if err != nil {
				return err
			}
			st, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			events, err := st.LifecycleHistory(cmd.Context(), id)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(events)
			}
			tw, flush := a.table()
			defer flush()
			fmt.Fprintln(tw, "TIME\tEVENT\tRUN\tSTEP\tSTATUS\tMESSAGE")
			for _, ev := range events {
				run, step := "-", "-"
				if ev.RunID != nil {
					run = strconv.FormatInt(*ev.RunID, 10)
				}
				if ev.StepID != nil {
					step = strconv.FormatInt(*ev.StepID, 10)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					ev.CreatedAt.Format("15:04:05.000"), ev.Event, run, step, ev.Status, ev.Message)
			}
			return nil
		},
	}
}

func (a *App) newGroupResetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reset ID",
		Short: "Reset a group's failed steps to PENDING for another attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "group")
			if err != nil {
				return err
			}
			st, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			n, err := st.ResetFailedSteps(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "reset %d failed steps in group %d\n", n, id)
			return nil
		},
	}
}

func (a *App) newGroupDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a run group and its runs, steps, and history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "group")
			if err != nil {
				return err
			}
			st, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			counts, err := st.DeleteRunGroup(cmd.Context(), id)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(counts)
			}
			fmt.Fprintf(a.out, "deleted group %d: %d rows removed\n", id, counts.Total())
			return nil
		},
	}
}
