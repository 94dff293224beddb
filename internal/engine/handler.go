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

// Package engine is the durable workflow executor: it starts run groups,
// claims eligible steps, dispatches them to handlers, and advances run state
// through the store.
package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/soliplex/ingester/internal/registry"
	"github.com/soliplex/ingester/pkg/errors"
)

// Request carries a claimed step's context into a handler. Config is the
// cumulative option map of the run up to and including this step.
type Request struct {
	BatchID      int64
	RunID        int64
	DocumentHash string
	Source       string
	Config       map[string]any
}

// Handler executes one step. The returned metadata map is published on the
// step's lifecycle event. A handler fails with a RetryableError or
// FatalError; unclassified errors are treated as retryable.
//
// Handlers must be idempotent: rerunning with the same inputs must produce
// the same artifact or find and reuse the existing one.
type Handler func(ctx context.Context, req Request) (map[string]any, error)

// HandlerRegistry resolves fully-qualified handler names to callables.
// Resolution is validated when workflows are started, not at dispatch, so an
// unknown name fails fast.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewHandlerRegistry returns an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: map[string]Handler{}}
}

// Register binds a fully-qualified name to a handler. Rebinding a name is a
// conflict.
func (r *HandlerRegistry) Register(name string, h Handler) error {
	if name == "" {
		return &errors.ValidationError{Field: "name", Message: "handler name is required"}
	}
	if h == nil {
		return &errors.ValidationError{Field: "handler", Message: "handler cannot be nil"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[name]; dup {
		return &errors.ConflictError{Resource: "handler", ID: name, Message: "handler already registered"}
	}
	r.handlers[name] = h
	return nil
}

// Resolve returns the handler bound to name.
func (r *HandlerRegistry) Resolve(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "handler", ID: name}
	}
	return h, nil
}

// Names lists registered handler names sorted.
func (r *HandlerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ValidateWorkflow checks that every step of def names a registered handler.
func (r *HandlerRegistry) ValidateWorkflow(def *registry.Definition) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, step := range def.Steps {
		if _, ok := r.handlers[step.Handler]; !ok {
			return &errors.ValidationError{
				Field:      "steps." + step.Name + ".handler",
				Message:    "no handler registered for " + step.Handler,
				Suggestion: "register the handler before starting workflows",
			}
		}
	}
	return nil
}
