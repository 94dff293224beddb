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

package handlers

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/soliplex/ingester/internal/engine"
	"github.com/soliplex/ingester/pkg/errors"
)

// routeEnv is what route predicates evaluate against.
type routeEnv struct {
	Hash   string         `expr:"hash"`
	Source string         `expr:"source"`
	Mime   string         `expr:"mime_type"`
	Size   int64          `expr:"size"`
	Meta   map[string]any `expr:"meta"`
}

// Route evaluates the step's predicate against the document and records the
// outcome in the step metadata. Steps always advance linearly; the recorded
// branch name is advisory, consumed by downstream steps through metadata
// rather than by the scheduler.
func (h *Handlers) Route(ctx context.Context, req engine.Request) (map[string]any, error) {
	predicate := configString(req.Config, "predicate", "")
	if predicate == "" {
		return nil, &errors.ConfigError{Key: "route.predicate", Reason: "predicate is required"}
	}

	doc, err := h.store.GetDocument(ctx, req.DocumentHash)
	if err != nil {
		return nil, err
	}
	env := routeEnv{
		Hash:   req.DocumentHash,
		Source: req.Source,
		Mime:   doc.MimeType,
		Size:   doc.Size,
		Meta:   doc.Meta,
	}

	program, err := compilePredicate(predicate)
	if err != nil {
		return nil, err
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return nil, &errors.FatalError{Operation: "route", Message: "evaluating predicate", Cause: err}
	}
	matched, ok := out.(bool)
	if !ok {
		return nil, &errors.FatalError{Operation: "route",
			Message: "predicate did not evaluate to a boolean"}
	}

	branch := configString(req.Config, "false_step", "")
	if matched {
		branch = configString(req.Config, "true_step", "")
	}
	meta := map[string]any{"matched": matched}
	if branch != "" {
		meta["branch"] = branch
	}
	return meta, nil
}

// compilePredicate compiles the expression against the route environment.
// Compile errors are fatal: the definition is wrong, not the document.
func compilePredicate(src string) (*vm.Program, error) {
	program, err := expr.Compile(src, expr.Env(routeEnv{}), expr.AsBool())
	if err != nil {
		return nil, &errors.FatalError{Operation: "route", Message: "compiling predicate", Cause: err}
	}
	return program, nil
}
