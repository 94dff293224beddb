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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/soliplex/ingester/internal/artifact"
	"github.com/soliplex/ingester/internal/handlers"
	"github.com/soliplex/ingester/internal/store"
)

func (a *App) newIngestCommand() *cobra.Command {
	var (
		source    string
		batchName string
		start     bool
		workflow  string
		params    string
		priority  int
	)
	cmd := &cobra.Command{
		Use:   "ingest FILE...",
		Short: "Register documents into a new batch",
		Long: `ingest hashes each file, writes its raw artifact, and registers the
document under its file path. Identical content registered twice shares one
document row and one raw artifact. With --start, workflows are started for
the batch immediately.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			eng, closeEngine, err := a.openEngine(ctx)
			if err != nil {
				return err
			}
			defer closeEngine()
			st := eng.Store()
			artifacts, err := a.openArtifacts(ctx, st)
			if err != nil {
				return err
			}

			if batchName == "" {
				batchName = "cli-" + time.Now().UTC().Format("20060102-150405")
			}
			b, err := st.CreateBatch(ctx, batchName, source, nil)
			if err != nil {
				return err
			}

			var created, unchanged int
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("reading %s: %w", path, err)
				}
				sum := sha256.Sum256(data)
				hash := store.HashPrefix + hex.EncodeToString(sum[:])

				exists, err := artifacts.Exists(ctx, hash, artifact.KindRaw)
				if err != nil {
					return err
				}
				if !exists {
					if err := artifacts.Put(ctx, hash, artifact.KindRaw, data); err != nil {
						return fmt.Errorf("storing %s: %w", path, err)
					}
				}

				res, err := st.RegisterDocument(ctx, store.DocumentRegistration{
					BatchID:  b.ID,
					URI:      path,
					Source:   source,
					Hash:     hash,
					MimeType: handlers.DetectMime(path, data),
					Size:     int64(len(data)),
				})
				if err != nil {
					return fmt.Errorf("registering %s: %w", path, err)
				}
				if res.URIAction == store.RegisterUnchanged {
					unchanged++
				} else {
					created++
				}
				if !a.jsonOut {
					fmt.Fprintf(a.out, "%s %s (%s)\n", res.URIAction, path, hash[:19])
				}
			}

			result := map[string]any{
				"batch_id":  b.ID,
				"batch":     b.Name,
				"changed":   created,
				"unchanged": unchanged,
			}
			if start {
				group, err := eng.StartWorkflows(ctx, b.ID, workflow, params, priority)
				if err != nil {
					return err
				}
				result["group_id"] = group.ID
				if !a.jsonOut {
					fmt.Fprintf(a.out, "started group %d (%s/%s)\n",
						group.ID, group.WorkflowID, group.ParamsID)
				}
			}
			if a.jsonOut {
				return a.printJSON(result)
			}
			fmt.Fprintf(a.out, "batch %d: %d changed, %d unchanged\n", b.ID, created, unchanged)
			return nil
		},
	}
	cmd.Flags().StringVar(&source, "source", "cli", "Source system name")
	cmd.Flags().StringVar(&batchName, "batch", "", "Batch name (default: timestamped)")
	cmd.Flags().BoolVar(&start, "start", false, "Start workflows after registering")
	cmd.Flags().StringVar(&workflow, "workflow", "", "Workflow id (default from settings)")
	cmd.Flags().StringVar(&params, "params", "", "Parameter set id (default from settings)")
	cmd.Flags().IntVar(&priority, "priority", 0, "Run priority, higher first")
	return cmd
}
