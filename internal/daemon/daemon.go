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

// Package daemon assembles the ingester worker process: store, registry,
// artifact backend, step handlers, engine, worker loop, and the metrics
// endpoint, with one lifecycle shared by all of them.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/soliplex/ingester/internal/artifact"
	"github.com/soliplex/ingester/internal/config"
	"github.com/soliplex/ingester/internal/engine"
	"github.com/soliplex/ingester/internal/handlers"
	"github.com/soliplex/ingester/internal/log"
	"github.com/soliplex/ingester/internal/metrics"
	"github.com/soliplex/ingester/internal/registry"
	"github.com/soliplex/ingester/internal/store"
	"github.com/soliplex/ingester/internal/tracing"
)

// Options carries build-time identity into the daemon.
type Options struct {
	Version   string
	Commit    string
	BuildDate string
}

// Daemon owns every long-lived component of one worker process.
type Daemon struct {
	cfg    *config.Settings
	opts   Options
	logger *slog.Logger

	store     *store.Store
	registry  *registry.Registry
	artifacts artifact.Store
	engine    *engine.Engine
	worker    *engine.Worker
	metrics   *metrics.Metrics
	tracing   *tracing.Provider
	server    *http.Server
}

// New wires the daemon. Collaborator clients (parser, embedder) are built
// only when configured; steps that need a missing one fail fatally at
// execution, which surfaces the misconfiguration in the run history.
func New(ctx context.Context, cfg *config.Settings, opts Options, logger *slog.Logger) (*Daemon, error) {
	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	reg, err := registry.New(cfg.WorkflowDir, cfg.ParamDir, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("loading registry: %w", err)
	}

	artifacts, err := artifact.Open(ctx, cfg, st)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("opening artifact store: %w", err)
	}

	var parser handlers.Parser
	if cfg.ParserURL != "" {
		parser, err = handlers.NewHTTPParser(cfg.ParserURL, cfg.HTTPTimeout, cfg.ParserRPS)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("building parser client: %w", err)
		}
	}
	var embedder handlers.Embedder
	if cfg.EmbedderURL != "" {
		embedder, err = handlers.NewOllamaEmbedder(cfg.EmbedderURL, cfg.HTTPTimeout)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("building embedder client: %w", err)
		}
	}
	vectors, err := handlers.NewLocalVectorStore(cfg.VectorStoreRoot)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("opening vector store: %w", err)
	}

	m := metrics.New()
	eng := engine.New(st, reg, engine.NewHandlerRegistry(), m, cfg, logger)
	hs := handlers.New(st, artifacts, parser, handlers.TextChunker{}, embedder, vectors, logger)
	if err := hs.Register(eng.Handlers()); err != nil {
		st.Close()
		return nil, fmt.Errorf("registering handlers: %w", err)
	}

	tp, err := tracing.New("soliplex-ingester", opts.Version, cfg.TracingEnabled)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}

	d := &Daemon{
		cfg:       cfg,
		opts:      opts,
		logger:    log.WithComponent(logger, "daemon"),
		store:     st,
		registry:  reg,
		artifacts: artifacts,
		engine:    eng,
		worker:    engine.NewWorker(eng),
		metrics:   m,
		tracing:   tp,
	}
	d.server = &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           d.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return d, nil
}

func (d *Daemon) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", d.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := d.store.Ping(r.Context()); err != nil {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "ok")
	})
	mux.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "soliplex-ingester %s (commit %s, built %s)\n",
			d.opts.Version, d.opts.Commit, d.opts.BuildDate)
	})
	return mux
}

// Run starts the registry watcher, the metrics endpoint, and the worker
// loop, and blocks until ctx is cancelled or a component fails. Shutdown is
// graceful: the worker drains before the store closes.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.logger.Info("daemon starting",
		slog.String("version", d.opts.Version),
		slog.String("worker_id", d.worker.ID()),
		slog.String("metrics_addr", d.cfg.MetricsAddr))

	errCh := make(chan error, 3)

	go func() {
		if err := d.registry.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("registry watcher: %w", err)
		}
	}()

	go func() {
		if err := d.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	workerDone := make(chan error, 1)
	go func() { workerDone <- d.worker.Run(ctx) }()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		cancel()
	case runErr = <-workerDone:
		cancel()
		workerDone = nil
	}

	if workerDone != nil {
		// Give the worker its drain window before tearing everything down.
		select {
		case err := <-workerDone:
			if runErr == nil {
				runErr = err
			}
		case <-time.After(d.cfg.DrainDeadline + 10*time.Second):
			d.logger.Error("worker did not stop within drain deadline")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := d.server.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("metrics server shutdown", slog.String("error", err.Error()))
	}
	if err := d.tracing.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("tracer shutdown", slog.String("error", err.Error()))
	}
	if err := d.store.Close(); err != nil {
		d.logger.Warn("store close", slog.String("error", err.Error()))
	}

	d.logger.Info("daemon stopped")
	return runErr
}

// Engine exposes the assembled engine, used by the CLI when it runs
// in-process operations against the same configuration.
func (d *Daemon) Engine() *engine.Engine {
	return d.engine
}
