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
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

func (a *App) newWorkflowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Manage and start workflow definitions",
	}
	cmd.AddCommand(
		a.newWorkflowListCommand(),
		a.newWorkflowStartCommand(),
		a.newWorkflowUploadCommand(),
		a.newWorkflowDeleteCommand(),
	)
	return cmd
}

func (a *App) newWorkflowListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List workflow definitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := a.openRegistry()
			if err != nil {
				return err
			}
			defs := reg.Workflows()
			if a.jsonOut {
				return a.printJSON(defs)
			}
			tw, flush := a.table()
			defer flush()
			fmt.Fprintln(tw, "ID\tNAME\tSTEPS\tORIGIN")
			for _, d := range defs {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", d.ID, d.Name, len(d.Steps), d.Origin)
			}
			return nil
		},
	}
}

func (a *App) newWorkflowStartCommand() *cobra.Command {
	var (
		workflow string
		params   string
		priority int
	)
	cmd := &cobra.Command{
		Use:   "start BATCH_ID",
		Short: "Start workflows for every document in a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			batchID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid batch id %q", args[0])
			}
			eng, closeEngine, err := a.openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer closeEngine()

			group, err := eng.StartWorkflows(cmd.Context(), batchID, workflow, params, priority)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(group)
			}
			fmt.Fprintf(a.out, "group %d started: %s/%s over batch %d\n",
				group.ID, group.WorkflowID, group.ParamsID, group.BatchID)
			return nil
		},
	}
	cmd.Flags().StringVar(&workflow, "workflow", "", "Workflow id (default from settings)")
	cmd.Flags().StringVar(&params, "params", "", "Parameter set id (default from settings)")
	cmd.Flags().IntVar(&priority, "priority", 0, "Run priority, higher first")
	return cmd
}

func (a *App) newWorkflowUploadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "upload FILE",
		Short: "Upload a user workflow definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			reg, err := a.openRegistry()
			if err != nil {
				return err
			}
			def, err := reg.UploadWorkflow(string(raw))
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(def)
			}
			fmt.Fprintf(a.out, "workflow %s uploaded (%d steps)\n", def.ID, len(def.Steps))
			return nil
		},
	}
}

func (a *App) newWorkflowDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a user workflow definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := a.openRegistry()
			if err != nil {
				return err
			}
			if err := reg.DeleteWorkflow(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "workflow %s deleted\n", args[0])
			return nil
		},
	}
}
