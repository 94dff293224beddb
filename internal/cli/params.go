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

	"github.com/spf13/cobra"
)

func (a *App) newParamsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "params",
		Short: "Manage workflow parameter sets",
	}
	cmd.AddCommand(
		a.newParamsListCommand(),
		a.newParamsUploadCommand(),
		a.newParamsDeleteCommand(),
	)
	return cmd
}

func (a *App) newParamsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List parameter sets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := a.openRegistry()
			if err != nil {
				return err
			}
			sets := reg.ParamSets()
			if a.jsonOut {
				return a.printJSON(sets)
			}
			tw, flush := a.table()
			defer flush()
			fmt.Fprintln(tw, "ID\tNAME\tSTEPS\tORIGIN")
			for _, ps := range sets {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", ps.ID, ps.Name, len(ps.Config), ps.Origin)
			}
			return nil
		},
	}
}

func (a *App) newParamsUploadCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "upload FILE",
		Short: "Upload a user parameter set",
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
			ps, err := reg.UploadParamSet(string(raw))
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(ps)
			}
			fmt.Fprintf(a.out, "params %s uploaded\n", ps.ID)
			return nil
		},
	}
}

func (a *App) newParamsDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a user parameter set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := a.openRegistry()
			if err != nil {
				return err
			}
			if err := reg.DeleteParamSet(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "params %s deleted\n", args[0])
			return nil
		},
	}
}
