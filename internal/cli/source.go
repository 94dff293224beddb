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
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func (a *App) newSourceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "source",
		Short: "Compare source systems against persisted state",
	}
	cmd.AddCommand(a.newSourceStatusCommand())
	return cmd
}

func (a *App) newSourceStatusCommand() *cobra.Command {
	var manifest string
	cmd := &cobra.Command{
		Use:   "status SOURCE",
		Short: "Diff a source manifest against the database",
		Long: `status reads a JSON manifest mapping URI to content hash (the ingest
agent's current view of the source) and reports which URIs are new, changed,
or missing relative to what has been ingested.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(manifest)
			if err != nil {
				return fmt.Errorf("reading manifest: %w", err)
			}
			var input map[string]string
			if err := json.Unmarshal(data, &input); err != nil {
				return fmt.Errorf("parsing manifest: %w", err)
			}

			st, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			diff, err := st.SourceStatus(cmd.Context(), args[0], input)
			if err != nil {
				return err
			}
			if a.jsonOut {
				return a.printJSON(diff)
			}
			fmt.Fprintf(a.out, "source %s: %d new, %d changed, %d missing\n",
				args[0], len(diff.New), len(diff.Changed), len(diff.Missing))
			for _, uri := range diff.New {
				fmt.Fprintf(a.out, "  new      %s\n", uri)
			}
			for _, uri := range diff.Changed {
				fmt.Fprintf(a.out, "  changed  %s\n", uri)
			}
			for _, uri := range diff.Missing {
				fmt.Fprintf(a.out, "  missing  %s\n", uri)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&manifest, "manifest", "", "Path to JSON manifest of uri → hash")
	cmd.MarkFlagRequired("manifest")
	return cmd
}
