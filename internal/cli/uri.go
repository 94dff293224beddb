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
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func (a *App) newURICommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "uri",
		Short: "Manage document URIs",
	}
	cmd.AddCommand(a.newURIDeleteCommand(), a.newURIHistoryCommand(), a.newURISweepCommand())
	return cmd
}

func (a *App) newURISweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete documents no URI references anymore, with their artifacts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()
			artifacts, err := a.openArtifacts(ctx, st)
			if err != nil {
				return err
			}

			n, err := st.DeleteOrphanedDocuments(ctx, artifacts.DeleteAllFor)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "swept %d orphaned documents\n", n)
			return nil
		},
	}
}

func (a *App) newURIDeleteCommand() *cobra.Command {
	var source string
	var keepArtifacts bool
	cmd := &cobra.Command{
		Use:   "delete URI",
		Short: "Delete a URI, cascading to orphaned documents and artifacts",
		Long: `delete removes the URI and its history. When the URI was the last
reference to its document, the document, its runs, and its artifacts are
removed as well. --keep-artifacts leaves stored bytes in place.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			deleter := func(ctx context.Context, hash string) (int64, error) { return 0, nil }
			if !keepArtifacts {
				artifacts, err := a.openArtifacts(ctx, st)
				if err != nil {
					return err
				}
				deleter = artifacts.DeleteAllFor
			}

			counts, err := st.DeleteDocumentURI(ctx, args[0], source, deleter)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(counts)
			}
			fmt.Fprintf(a.out, "deleted %s: %d rows, %d documents, %d artifacts\n",
				args[0], counts.Total(), counts.Documents, counts.Artifacts)
			return nil
		},
	}
	cmd.Flags().StringVar(&source, "source", "cli", "Source system name")
	cmd.Flags().BoolVar(&keepArtifacts, "keep-artifacts", false, "Keep stored artifact bytes")
	return cmd
}

func (a *App) newURIHistoryCommand() *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "history URI",
		Short: "Show a URI's version history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			uri, err := st.GetDocumentURI(ctx, args[0], source)
			if err != nil {
				return err
			}
			history, err := st.URIHistory(ctx, uri.ID)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(map[string]any{"uri": uri, "history": history})
			}
			tw, flush := a.table()
			defer flush()
			fmt.Fprintln(tw, "VERSION\tACTION\tHASH\tBATCH\tTIME")
			for _, h := range history {
				fmt.Fprintf(tw, "%d\t%s\t%.19s\t%d\t%s\n",
					h.Version, h.Action, h.Hash, h.BatchID,
					h.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&source, "source", "cli", "Source system name")
	return cmd
}
