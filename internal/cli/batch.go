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

func (a *App) newBatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Manage ingestion batches",
	}
	cmd.AddCommand(a.newBatchCreateCommand(), a.newBatchListCommand(), a.newBatchGetCommand())
	return cmd
}

func (a *App) newBatchCreateCommand() *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create an empty batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			b, err := st.CreateBatch(cmd.Context(), args[0], source, nil)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(b)
			}
			fmt.Fprintf(a.out, "batch %d created (%s)\n", b.ID, b.Name)
			return nil
		},
	}
	cmd.Flags().StringVar(&source, "source", "cli", "Source system the batch ingests from")
	return cmd
}

func (a *App) newBatchListCommand() *cobra.Command {
	var page, perPage int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List batches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			batches, total, err := st.ListBatches(cmd.Context(), page, perPage)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(map[string]any{"batches": batches, "total": total})
			}
			tw, flush := a.table()
			defer flush()
			fmt.Fprintln(tw, "ID\tNAME\tSOURCE\tSTARTED\tCOMPLETED")
			for _, b := range batches {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
					b.ID, b.Name, b.Source, b.StartedAt.Format("2006-01-02 15:04:05"),
					formatTime(b.CompletedAt))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "Page number")
	cmd.Flags().IntVar(&perPage, "per-page", 50, "Batches per page")
	return cmd
}

func (a *App) newBatchGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Show one batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid batch id %q", args[0])
			}
			st, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			b, err := st.GetBatch(cmd.Context(), id)
			if err != nil {
				return err
			}
			hashes, err := st.HashesForBatch(cmd.Context(), id)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(map[string]any{"batch": b, "documents": len(hashes)})
			}
			fmt.Fprintf(a.out, "batch %d: %s\n  source: %s\n  documents: %d\n  started: %s\n  completed: %s\n",
				b.ID, b.Name, b.Source, len(hashes),
				b.StartedAt.Format("2006-01-02 15:04:05"), formatTime(b.CompletedAt))
			return nil
		},
	}
}
