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
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/soliplex/ingester/internal/log"
	"github.com/soliplex/ingester/internal/registry"
	"github.com/soliplex/ingester/internal/store"
	"github.com/soliplex/ingester/pkg/errors"
)

// ExecuteStep dispatches one claimed step to its handler and advances the
// step through the store. The handler's classified error decides between
// retry and permanent failure; unclassified errors retry.
func (e *Engine) ExecuteStep(ctx context.Context, cs *store.ClaimedStep, workerID string) (*store.AdvanceResult, error) {
	ctx, span := e.tracer.Start(ctx, "step.execute", trace.WithAttributes(
		attribute.Int64("run_id", cs.RunID),
		attribute.Int64("step_id", cs.Step.ID),
		attribute.String("step", cs.Step.Name),
		attribute.String("step_type", cs.Step.Type),
		attribute.String("document", cs.DocumentHash),
		attribute.Int("retry", cs.Step.Retry),
	))
	defer span.End()

	def, err := e.registry.Workflow(cs.WorkflowID)
	if err != nil {
		return nil, err
	}
	ps, err := e.registry.ParamSet(cs.ParamsID)
	if err != nil {
		return nil, err
	}
	handlerName, err := handlerFor(def, cs.Step.Name)
	if err != nil {
		return nil, err
	}
	handler, err := e.handlers.Resolve(handlerName)
	if err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.StepsClaimed.WithLabelValues(cs.Step.Type).Inc()
	}

	var meta map[string]any
	start := time.Now()
	mw := log.NewStepMiddleware(e.logger)
	handlerErr := mw.Handler(&log.StepExecution{
		RunID:    cs.RunID,
		StepID:   cs.Step.ID,
		Name:     handlerName,
		WorkerID: workerID,
		Retry:    cs.Step.Retry,
	}, errors.IsRetryable, func() error {
		var err error
		meta, err = handler(ctx, Request{
			BatchID:      cs.BatchID,
			RunID:        cs.RunID,
			DocumentHash: cs.DocumentHash,
			Source:       cs.Source,
			Config:       cs.Config,
		})
		return err
	})
	elapsed := time.Since(start)

	if e.metrics != nil {
		e.metrics.StepDuration.WithLabelValues(cs.Step.Type).Observe(elapsed.Seconds())
	}

	adv := store.Advance{
		StepID:   cs.Step.ID,
		WorkerID: workerID,
		Meta:     meta,
	}

	if handlerErr == nil {
		adv.Success = true
		if !cs.Step.IsLast {
			next, err := registry.Seed(def, ps, cs.Step.StepNum+1, cs.Config)
			if err != nil {
				return nil, err
			}
			adv.NextStep = &next
		}
	} else {
		span.RecordError(handlerErr)
		span.SetStatus(codes.Error, handlerErr.Error())
		adv.Message = handlerErr.Error()
		adv.Fatal = !errors.IsRetryable(handlerErr)
		// Attempt number for backoff is the retry counter after this failure.
		adv.NotBefore = time.Now().Add(e.backoff.Duration(cs.Step.Retry + 1))
	}

	res, err := e.store.AdvanceStep(ctx, adv)
	if err != nil {
		return nil, err
	}

	if e.metrics != nil {
		switch {
		case res.StepStatus == store.StatusCompleted:
			e.metrics.StepsCompleted.WithLabelValues(cs.Step.Type).Inc()
		case res.Retried:
			e.metrics.StepsRetried.WithLabelValues(cs.Step.Type).Inc()
		default:
			e.metrics.StepsFailed.WithLabelValues(cs.Step.Type).Inc()
		}
		if res.RunStatus == store.StatusCompleted {
			e.metrics.RunsCompleted.Inc()
		}
		if res.RunStatus == store.StatusFailed {
			e.metrics.RunsFailed.Inc()
		}
	}
	return res, nil
}

// handlerFor finds the handler key for a step name in a definition.
func handlerFor(def *registry.Definition, stepName string) (string, error) {
	for _, step := range def.Steps {
		if step.Name == stepName {
			return step.Handler, nil
		}
	}
	return "", &errors.NotFoundError{Resource: "workflow step", ID: def.ID + "/" + stepName}
}
