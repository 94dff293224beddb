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

package errors

import (
	"fmt"
)

// ValidationError represents caller input validation failures.
// Use this for invalid arguments, malformed data, or constraint violations
// detected before any state is changed.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// ErrorType implements ErrorClassifier.
func (e *ValidationError) ErrorType() string { return "validation" }

// IsRetryable implements ErrorClassifier. Bad input never heals on retry.
func (e *ValidationError) IsRetryable() bool { return false }

// NotFoundError represents a resource not found error.
// Use this when a requested resource does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "batch", "document", "run_group")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrorType implements ErrorClassifier.
func (e *NotFoundError) ErrorType() string { return "not_found" }

// IsRetryable implements ErrorClassifier.
func (e *NotFoundError) IsRetryable() bool { return false }

// ConflictError represents a lost race or uniqueness violation.
// Use this when a write collides with concurrent state: a claim that another
// worker won, or an insert that would duplicate a unique key.
type ConflictError struct {
	// Resource is the type of resource in conflict
	Resource string

	// ID is the identifier of the conflicting resource
	ID string

	// Message describes the conflict
	Message string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("conflict on %s %s: %s", e.Resource, e.ID, e.Message)
	}
	return fmt.Sprintf("conflict on %s: %s", e.Resource, e.Message)
}

// ErrorType implements ErrorClassifier.
func (e *ConflictError) ErrorType() string { return "conflict" }

// IsRetryable implements ErrorClassifier.
func (e *ConflictError) IsRetryable() bool { return false }

// RetryableError marks a step failure as transient. The scheduler reschedules
// the step with backoff instead of failing the run.
type RetryableError struct {
	// Operation describes what failed (e.g., "parse request", "embed batch")
	Operation string

	// Message is the human-readable error description
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *RetryableError) Error() string {
	msg := fmt.Sprintf("%s failed", e.Operation)
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *RetryableError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *RetryableError) ErrorType() string { return "retryable" }

// IsRetryable implements ErrorClassifier.
func (e *RetryableError) IsRetryable() bool { return true }

// FatalError marks a step failure as permanent. The scheduler fails the run
// immediately without consuming remaining retry budget.
type FatalError struct {
	// Operation describes what failed
	Operation string

	// Message is the human-readable error description
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *FatalError) Error() string {
	msg := fmt.Sprintf("%s failed permanently", e.Operation)
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *FatalError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *FatalError) ErrorType() string { return "fatal" }

// IsRetryable implements ErrorClassifier.
func (e *FatalError) IsRetryable() bool { return false }

// InvariantError reports a broken internal invariant: state that the data
// model forbids (two RUNNING steps on one run, a step without a run). These
// indicate a bug, not bad input.
type InvariantError struct {
	// Invariant names the violated rule
	Invariant string

	// Message describes the observed state
	Message string
}

// Error implements the error interface.
func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant %s violated: %s", e.Invariant, e.Message)
}

// ErrorType implements ErrorClassifier.
func (e *InvariantError) ErrorType() string { return "invariant" }

// IsRetryable implements ErrorClassifier.
func (e *InvariantError) IsRetryable() bool { return false }

// ConfigError represents configuration problems.
// Use this for missing settings or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "db_url", "artifacts")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// ErrorType implements ErrorClassifier.
func (e *ConfigError) ErrorType() string { return "config" }

// IsRetryable implements ErrorClassifier.
func (e *ConfigError) IsRetryable() bool { return false }
