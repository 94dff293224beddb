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

package engine

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/soliplex/ingester/internal/config"
	"github.com/soliplex/ingester/internal/metrics"
	"github.com/soliplex/ingester/internal/registry"
	"github.com/soliplex/ingester/internal/store"
	"github.com/soliplex/ingester/pkg/errors"
)

// Engine binds the store, the registry, and the handler set into the
// workflow executor.
type Engine struct {
	store    *store.Store
	registry *registry.Registry
	handlers *HandlerRegistry
	metrics  *metrics.Metrics
	tracer   trace.Tracer
	logger   *slog.Logger
	cfg      *config.Settings
	backoff  Backoff
}

// New builds an engine. metrics may be nil in tests.
func New(st *store.Store, reg *registry.Registry, handlers *HandlerRegistry, m *metrics.Metrics, cfg *config.Settings, logger *slog.Logger) *Engine {
	return &Engine{
		store:    st,
		registry: reg,
		handlers: handlers,
		metrics:  m,
		tracer:   otel.Tracer("soliplex.ingester/engine"),
		logger:   logger.With("component", "engine"),
		cfg:      cfg,
		backoff:  Backoff{Base: cfg.RetryBaseBackoff, Cap: cfg.RetryCap},
	}
}

// StartWorkflows materializes a run group for a batch: one workflow run per
// distinct document hash, each seeded with step 1 PENDING. Empty workflow or
// parameter set ids fall back to the configured defaults. Workflow handler
// names and parameter options are validated before anything is written.
func (e *Engine) StartWorkflows(ctx context.Context, batchID int64, workflowID, paramsID string, priority int) (*store.RunGroup, error) {
	if workflowID == "" {
		workflowID = e.cfg.DefaultWorkflow
	}
	if paramsID == "" {
		paramsID = e.cfg.DefaultParams
	}

	def, err := e.registry.Workflow(workflowID)
	if err != nil {
		return nil, err
	}
	ps, err := e.registry.ParamSet(paramsID)
	if err != nil {
		return nil, err
	}
	if err := registry.ValidateParamsFor(def, ps); err != nil {
		return nil, err
	}
	if err := e.handlers.ValidateWorkflow(def); err != nil {
		return nil, err
	}

	hashes, err := e.store.HashesForBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if len(hashes) == 0 {
		return nil, &errors.ValidationError{
			Field:      "batch_id",
			Message:    fmt.Sprintf("batch %d has no documents", batchID),
			Suggestion: "ingest documents before starting workflows",
		}
	}

	first, err := registry.Seed(def, ps, 1, nil)
	if err != nil {
		return nil, err
	}

	runs := make([]store.NewWorkflowRun, 0, len(hashes))
	for _, hash := range hashes {
		runs = append(runs, store.NewWorkflowRun{
			DocumentHash: hash,
			Priority:     priority,
			FirstStep:    first,
		})
	}

	name := fmt.Sprintf("%s-batch-%d", def.ID, batchID)
	group, err := e.store.CreateRunGroup(ctx, name, def.ID, ps.ID, batchID, runs)
	if err != nil {
		return nil, err
	}

	e.logger.Info("workflows started",
		slog.Int64("group_id", group.ID),
		slog.Int64("batch_id", batchID),
		slog.String("workflow", def.ID),
		slog.String("params", ps.ID),
		slog.Int("runs", len(runs)))
	return group, nil
}

// Store exposes the underlying store for callers that compose engine
// operations with direct reads.
func (e *Engine) Store() *store.Store {
	return e.store
}

// Registry exposes the workflow registry.
func (e *Engine) Registry() *registry.Registry {
	return e.registry
}

// Handlers exposes the handler registry so callers can bind step
// implementations after construction.
func (e *Engine) Handlers() *HandlerRegistry {
	return e.handlers
}
