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

// Package cli implements the ingester command line. Commands talk straight
// to the database and artifact store, so the CLI works with or without a
// running worker daemon.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/soliplex/ingester/internal/artifact"
	"github.com/soliplex/ingester/internal/config"
	"github.com/soliplex/ingester/internal/engine"
	"github.com/soliplex/ingester/internal/handlers"
	"github.com/soliplex/ingester/internal/log"
	"github.com/soliplex/ingester/internal/registry"
	"github.com/soliplex/ingester/internal/store"
)

// App carries the global flags and lazily-opened components shared by every
// subcommand.
type App struct {
	Version string
	Commit  string

	cfgPath string
	jsonOut bool
	out     io.Writer
	logger  *slog.Logger

	cfg *config.Settings
}

// NewRootCommand builds the ingester root command with all subcommands
// attached.
func NewRootCommand(version, commit string, out io.Writer) *cobra.Command {
	app := &App{
		Version: version,
		Commit:  commit,
		out:     out,
		logger:  log.New(log.FromEnv()),
	}

	cmd := &cobra.Command{
		Use:   "ingester",
		Short: "Soliplex document ingestion pipeline",
		Long: `ingester manages the Soliplex document ingestion pipeline: register
documents into batches, start workflows over them, and inspect run groups,
sources, and workers. State lives in the shared database; any number of
worker daemons (ingesterd) execute the steps.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&app.cfgPath, "config", "", "Path to settings YAML (env INGESTER_* overrides apply)")
	cmd.PersistentFlags().BoolVar(&app.jsonOut, "json", false, "Output JSON instead of tables")

	cmd.AddCommand(
		app.newBatchCommand(),
		app.newIngestCommand(),
		app.newWorkflowCommand(),
		app.newParamsCommand(),
		app.newGroupCommand(),
		app.newURICommand(),
		app.newSourceCommand(),
		app.newWorkersCommand(),
		app.newVersionCommand(),
	)
	return cmd
}

// settings loads configuration once per invocation.
func (a *App) settings() (*config.Settings, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		return nil, err
	}
	a.cfg = cfg
	return cfg, nil
}

// openStore opens the database; the caller owns the returned Close.
func (a *App) openStore(ctx context.Context) (*store.Store, error) {
	cfg, err := a.settings()
	if err != nil {
		return nil, err
	}
	return store.Open(ctx, cfg.DatabaseURL)
}

// openRegistry loads workflow definitions and parameter sets.
func (a *App) openRegistry() (*registry.Registry, error) {
	cfg, err := a.settings()
	if err != nil {
		return nil, err
	}
	return registry.New(cfg.WorkflowDir, cfg.ParamDir, a.logger)
}

// openEngine assembles a store-backed engine with the built-in handler set
// registered, enough for starting workflows and validating definitions. The
// collaborator clients stay nil; the CLI never executes steps.
func (a *App) openEngine(ctx context.Context) (*engine.Engine, func(), error) {
	cfg, err := a.settings()
	if err != nil {
		return nil, nil, err
	}
	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	reg, err := registry.New(cfg.WorkflowDir, cfg.ParamDir, a.logger)
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	artifacts, err := artifact.Open(ctx, cfg, st)
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	eng := engine.New(st, reg, engine.NewHandlerRegistry(), nil, cfg, a.logger)
	hs := handlers.New(st, artifacts, nil, handlers.TextChunker{}, nil, nil, a.logger)
	if err := hs.Register(eng.Handlers()); err != nil {
		st.Close()
		return nil, nil, err
	}
	return eng, func() { st.Close() }, nil
}

// openArtifacts opens the configured artifact backend.
func (a *App) openArtifacts(ctx context.Context, st *store.Store) (artifact.Store, error) {
	cfg, err := a.settings()
	if err != nil {
		return nil, err
	}
	return artifact.Open(ctx, cfg, st)
}

// printJSON writes v as indented JSON.
func (a *App) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// table starts a tabwriter; callers Flush via the returned function.
func (a *App) table() (*tabwriter.Writer, func()) {
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	return tw, func() { tw.Flush() }
}

func (a *App) newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.jsonOut {
				return a.printJSON(map[string]string{"version": a.Version, "commit": a.Commit})
			}
			fmt.Fprintf(a.out, "ingester %s (commit %s)\n", a.Version, a.Commit)
			return nil
		},
	}
}

// formatTime renders a nullable timestamp for table output.
func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}
