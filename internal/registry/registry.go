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

// Package registry loads workflow definitions and parameter sets from YAML
// directories and serves them to the engine. Built-in entries ship with the
// binary's config tree and cannot be deleted; user uploads live alongside
// them under a user_ filename prefix.
package registry

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/soliplex/ingester/pkg/errors"
)

// Origin distinguishes shipped entries from user uploads.
type Origin string

const (
	OriginBuiltin Origin = "builtin"
	OriginUser    Origin = "user"
)

// userPrefix marks user-uploaded files on disk.
const userPrefix = "user_"

// StepDef is one step of a workflow definition.
type StepDef struct {
	// Name identifies the step within the workflow and keys its entry in
	// a parameter set.
	Name string `yaml:"name"`

	// Type is one of the recognized step types (parse, chunk, ...).
	Type string `yaml:"type"`

	// Handler is the fully-qualified handler name the engine resolves.
	Handler string `yaml:"handler"`

	// Retries is the per-step retry limit.
	Retries int `yaml:"retries"`
}

// Definition is a declarative workflow: an ordered list of steps.
type Definition struct {
	ID    string            `yaml:"id"`
	Name  string            `yaml:"name"`
	Meta  map[string]string `yaml:"meta,omitempty"`
	Steps []StepDef         `yaml:"steps"`

	// Origin and Raw are filled by the loader, not the YAML.
	Origin Origin `yaml:"-"`
	Raw    string `yaml:"-"`
}

// ParamSet maps step names to option values for one workflow configuration.
type ParamSet struct {
	ID     string                    `yaml:"id"`
	Name   string                    `yaml:"name,omitempty"`
	Meta   map[string]string         `yaml:"meta,omitempty"`
	Config map[string]map[string]any `yaml:"config"`

	Origin Origin `yaml:"-"`
	Raw    string `yaml:"-"`
}

// StepConfig returns the option map for a step name, or an empty map.
func (p *ParamSet) StepConfig(stepName string) map[string]any {
	if cfg, ok := p.Config[stepName]; ok {
		return cfg
	}
	return map[string]any{}
}

// recognizedOptions enumerates the allowed option keys per step type. A nil
// set means the type takes handler-specific options and any key is accepted.
var recognizedOptions = map[string]map[string]bool{
	"ingest":   nil,
	"validate": {"mime_types": true, "max_size": true},
	"parse":    {"ocr": true, "language": true, "backend": true, "table_mode": true, "split_workers": true, "use_serve": true},
	"chunk":    {"chunker": true, "chunk_size": true, "overlap": true, "strategy": true},
	"embed":    {"provider": true, "model": true, "dimension": true, "batch_size": true},
	"store":    {"target": true, "upsert": true},
	"enrich":   nil,
	"route":    {"predicate": true, "true_step": true, "false_step": true},
}

// Registry holds the loaded definitions and parameter sets. Safe for
// concurrent use; Reload swaps the maps atomically under the lock.
type Registry struct {
	workflowDir string
	paramDir    string
	logger      *slog.Logger

	mu        sync.RWMutex
	workflows map[string]*Definition
	params    map[string]*ParamSet
}

// New builds a registry over the two directories and performs the initial
// load. Duplicate ids across files are a hard error.
func New(workflowDir, paramDir string, logger *slog.Logger) (*Registry, error) {
	r := &Registry{
		workflowDir: workflowDir,
		paramDir:    paramDir,
		logger:      logger.With("component", "registry"),
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-reads both directories. On error the previous state is kept.
func (r *Registry) Reload() error {
	workflows := map[string]*Definition{}
	if err := eachYAML(r.workflowDir, func(path, raw string) error {
		def := &Definition{}
		if err := yaml.Unmarshal([]byte(raw), def); err != nil {
			return &errors.ConfigError{Key: path, Reason: "cannot parse workflow definition", Cause: err}
		}
		def.Origin = originOf(path)
		def.Raw = raw
		if err := validateDefinition(def); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if _, dup := workflows[def.ID]; dup {
			return &errors.ConflictError{Resource: "workflow definition", ID: def.ID,
				Message: "duplicate workflow id across definition files"}
		}
		workflows[def.ID] = def
		return nil
	}); err != nil {
		return err
	}

	params := map[string]*ParamSet{}
	if err := eachYAML(r.paramDir, func(path, raw string) error {
		ps := &ParamSet{}
		if err := yaml.Unmarshal([]byte(raw), ps); err != nil {
			return &errors.ConfigError{Key: path, Reason: "cannot parse parameter set", Cause: err}
		}
		ps.Origin = originOf(path)
		ps.Raw = raw
		if err := validateParamSet(ps); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if _, dup := params[ps.ID]; dup {
			return &errors.ConflictError{Resource: "parameter set", ID: ps.ID,
				Message: "duplicate parameter set id across files"}
		}
		params[ps.ID] = ps
		return nil
	}); err != nil {
		return err
	}

	r.mu.Lock()
	r.workflows = workflows
	r.params = params
	r.mu.Unlock()

	r.logger.Info("registry loaded",
		slog.Int("workflows", len(workflows)),
		slog.Int("param_sets", len(params)))
	return nil
}

// Workflow returns a definition by id.
func (r *Registry) Workflow(id string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.workflows[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "workflow definition", ID: id}
	}
	return def, nil
}

// ParamSet returns a parameter set by id.
func (r *Registry) ParamSet(id string) (*ParamSet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ps, ok := r.params[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "parameter set", ID: id}
	}
	return ps, nil
}

// Workflows lists all definitions sorted by id.
func (r *Registry) Workflows() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, 0, len(r.workflows))
	for _, def := range r.workflows {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ParamSets lists all parameter sets sorted by id.
func (r *Registry) ParamSets() []*ParamSet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ParamSet, 0, len(r.params))
	for _, ps := range r.params {
		out = append(out, ps)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// UploadParamSet parses, validates, and persists a user parameter set from
// its verbatim YAML text. Uploading over a built-in id is rejected.
func (r *Registry) UploadParamSet(raw string) (*ParamSet, error) {
	ps := &ParamSet{}
	if err := yaml.Unmarshal([]byte(raw), ps); err != nil {
		return nil, &errors.ValidationError{Field: "body", Message: "cannot parse parameter set YAML: " + err.Error()}
	}
	ps.Origin = OriginUser
	ps.Raw = raw
	if err := validateParamSet(ps); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.params[ps.ID]; ok && existing.Origin == OriginBuiltin {
		return nil, &errors.ConflictError{Resource: "parameter set", ID: ps.ID,
			Message: "id is taken by a built-in parameter set"}
	}
	path := filepath.Join(r.paramDir, userPrefix+ps.ID+".yaml")
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		return nil, fmt.Errorf("writing parameter set: %w", err)
	}
	r.params[ps.ID] = ps
	r.logger.Info("parameter set uploaded", slog.String("id", ps.ID))
	return ps, nil
}

// DeleteParamSet removes a user-uploaded parameter set. Built-ins cannot be
// deleted.
func (r *Registry) DeleteParamSet(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ps, ok := r.params[id]
	if !ok {
		return &errors.NotFoundError{Resource: "parameter set", ID: id}
	}
	if ps.Origin != OriginUser {
		return &errors.ValidationError{Field: "id",
			Message:    "cannot delete built-in parameter set " + id,
			Suggestion: "only user-uploaded parameter sets can be deleted"}
	}
	path := filepath.Join(r.paramDir, userPrefix+id+".yaml")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing parameter set file: %w", err)
	}
	delete(r.params, id)
	r.logger.Info("parameter set deleted", slog.String("id", id))
	return nil
}

// UploadWorkflow parses, validates, and persists a user workflow definition.
func (r *Registry) UploadWorkflow(raw string) (*Definition, error) {
	def := &Definition{}
	if err := yaml.Unmarshal([]byte(raw), def); err != nil {
		return nil, &errors.ValidationError{Field: "body", Message: "cannot parse workflow YAML: " + err.Error()}
	}
	def.Origin = OriginUser
	def.Raw = raw
	if err := validateDefinition(def); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.workflows[def.ID]; ok && existing.Origin == OriginBuiltin {
		return nil, &errors.ConflictError{Resource: "workflow definition", ID: def.ID,
			Message: "id is taken by a built-in workflow"}
	}
	path := filepath.Join(r.workflowDir, userPrefix+def.ID+".yaml")
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		return nil, fmt.Errorf("writing workflow definition: %w", err)
	}
	r.workflows[def.ID] = def
	r.logger.Info("workflow uploaded", slog.String("id", def.ID))
	return def, nil
}

// DeleteWorkflow removes a user-uploaded workflow definition.
func (r *Registry) DeleteWorkflow(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	def, ok := r.workflows[id]
	if !ok {
		return &errors.NotFoundError{Resource: "workflow definition", ID: id}
	}
	if def.Origin != OriginUser {
		return &errors.ValidationError{Field: "id",
			Message:    "cannot delete built-in workflow " + id,
			Suggestion: "only user-uploaded workflows can be deleted"}
	}
	path := filepath.Join(r.workflowDir, userPrefix+id+".yaml")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing workflow file: %w", err)
	}
	delete(r.workflows, id)
	r.logger.Info("workflow deleted", slog.String("id", id))
	return nil
}

func validateDefinition(def *Definition) error {
	if def.ID == "" {
		return &errors.ValidationError{Field: "id", Message: "workflow id is required"}
	}
	if len(def.Steps) == 0 {
		return &errors.ValidationError{Field: "steps", Message: "workflow must have at least one step"}
	}
	seen := map[string]bool{}
	for i, step := range def.Steps {
		if step.Name == "" {
			return &errors.ValidationError{Field: fmt.Sprintf("steps[%d].name", i), Message: "step name is required"}
		}
		if seen[step.Name] {
			return &errors.ValidationError{Field: fmt.Sprintf("steps[%d].name", i),
				Message: "duplicate step name " + step.Name}
		}
		seen[step.Name] = true
		if _, ok := recognizedOptions[step.Type]; !ok {
			return &errors.ValidationError{Field: fmt.Sprintf("steps[%d].type", i),
				Message:    "unknown step type " + step.Type,
				Suggestion: "one of: " + strings.Join(stepTypes(), ", ")}
		}
		if step.Handler == "" {
			return &errors.ValidationError{Field: fmt.Sprintf("steps[%d].handler", i), Message: "handler name is required"}
		}
		if step.Retries < 0 {
			return &errors.ValidationError{Field: fmt.Sprintf("steps[%d].retries", i), Message: "retries cannot be negative"}
		}
	}
	return nil
}

func validateParamSet(ps *ParamSet) error {
	if ps.ID == "" {
		return &errors.ValidationError{Field: "id", Message: "parameter set id is required"}
	}
	return nil
}

// ValidateParamsFor checks that every configured step in ps names a step of
// def and only uses options the step's type recognizes.
func ValidateParamsFor(def *Definition, ps *ParamSet) error {
	byName := map[string]StepDef{}
	for _, step := range def.Steps {
		byName[step.Name] = step
	}
	for stepName, cfg := range ps.Config {
		step, ok := byName[stepName]
		if !ok {
			return &errors.ValidationError{Field: "config." + stepName,
				Message: "parameter set configures a step the workflow does not have"}
		}
		allowed := recognizedOptions[step.Type]
		if allowed == nil {
			continue
		}
		for opt := range cfg {
			if !allowed[opt] {
				return &errors.ValidationError{Field: "config." + stepName + "." + opt,
					Message: fmt.Sprintf("option not recognized by step type %s", step.Type)}
			}
		}
	}
	return nil
}

func stepTypes() []string {
	out := make([]string, 0, len(recognizedOptions))
	for t := range recognizedOptions {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func originOf(path string) Origin {
	if strings.HasPrefix(filepath.Base(path), userPrefix) {
		return OriginUser
	}
	return OriginBuiltin
}

// eachYAML invokes fn for every *.yaml file in dir, in name order. A missing
// directory is treated as empty.
func eachYAML(dir string, fn func(path, raw string) error) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading directory %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".yaml") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		if err := fn(path, string(data)); err != nil {
			return err
		}
	}
	return nil
}
