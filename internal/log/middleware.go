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

package log

import (
	"log/slog"
	"time"
)

// StepExecution carries the identifying fields of a step dispatch for
// logging purposes.
type StepExecution struct {
	// RunID is the workflow run the step belongs to.
	RunID int64

	// StepID is the run step being executed.
	StepID int64

	// Name is the registry key of the step handler.
	Name string

	// WorkerID identifies the worker executing the step.
	WorkerID string

	// Retry is the zero-based attempt counter.
	Retry int
}

// StepResult records the outcome of a step dispatch for logging purposes.
type StepResult struct {
	// Success indicates whether the handler returned without error.
	Success bool

	// Retryable indicates the failure will be rescheduled.
	Retryable bool

	// Error is the error message if the step failed.
	Error string

	// DurationMs is the handler execution time in milliseconds.
	DurationMs int64
}

// LogStepStart logs the beginning of a step execution.
func LogStepStart(logger *slog.Logger, exec *StepExecution) {
	logger.Info("step started",
		EventKey, "step_start",
		RunIDKey, exec.RunID,
		StepIDKey, exec.StepID,
		"step", exec.Name,
		WorkerIDKey, exec.WorkerID,
		"retry", exec.Retry,
	)
}

// LogStepResult logs the completion of a step execution at a level matching
// its outcome.
func LogStepResult(logger *slog.Logger, exec *StepExecution, res *StepResult) {
	attrs := []any{
		RunIDKey, exec.RunID,
		StepIDKey, exec.StepID,
		"step", exec.Name,
		WorkerIDKey, exec.WorkerID,
		"retry", exec.Retry,
		DurationKey, res.DurationMs,
	}

	switch {
	case res.Success:
		attrs = append([]any{EventKey, "step_end"}, attrs...)
		logger.Info("step completed", attrs...)
	case res.Retryable:
		attrs = append([]any{EventKey, "step_failed"}, attrs...)
		attrs = append(attrs, "error", res.Error)
		logger.Warn("step failed, will retry", attrs...)
	default:
		attrs = append([]any{EventKey, "step_failed"}, attrs...)
		attrs = append(attrs, "error", res.Error)
		logger.Error("step failed permanently", attrs...)
	}
}

// StepMiddleware wraps step handler invocations with start/result logging.
type StepMiddleware struct {
	logger *slog.Logger
}

// NewStepMiddleware creates a new step logging middleware.
func NewStepMiddleware(logger *slog.Logger) *StepMiddleware {
	return &StepMiddleware{
		logger: logger,
	}
}

// Handler wraps a function that executes one step. It logs the start and the
// outcome, classifying the failure with the supplied predicate.
func (m *StepMiddleware) Handler(exec *StepExecution, retryable func(error) bool, handler func() error) error {
	start := time.Now()

	LogStepStart(m.logger, exec)

	err := handler()

	res := &StepResult{
		Success:    err == nil,
		DurationMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		res.Error = err.Error()
		res.Retryable = retryable(err)
	}

	LogStepResult(m.logger, exec, res)

	return err
}
