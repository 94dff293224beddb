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

package registry

import (
	"github.com/soliplex/ingester/internal/store"
	"github.com/soliplex/ingester/pkg/errors"
)

// Seed materializes the StepSeed for stepNum (1-based) of def, drawing the
// step's config from ps and building the cumulative snapshot by merging the
// step's config over prevCumulative. prevCumulative is nil for step 1.
func Seed(def *Definition, ps *ParamSet, stepNum int, prevCumulative map[string]any) (store.StepSeed, error) {
	if stepNum < 1 || stepNum > len(def.Steps) {
		return store.StepSeed{}, &errors.ValidationError{
			Field:   "step_num",
			Message: "step number out of range for workflow " + def.ID,
		}
	}
	step := def.Steps[stepNum-1]
	cfg := ps.StepConfig(step.Name)

	cumulative := make(map[string]any, len(prevCumulative)+len(cfg))
	for k, v := range prevCumulative {
		cumulative[k] = v
	}
	for k, v := range cfg {
		cumulative[k] = v
	}

	return store.StepSeed{
		Name:       step.Name,
		Type:       step.Type,
		StepNum:    stepNum,
		Retries:    step.Retries,
		IsLast:     stepNum == len(def.Steps),
		Config:     cfg,
		Cumulative: cumulative,
	}, nil
}
