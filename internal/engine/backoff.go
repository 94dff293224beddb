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
	"math/rand"
	"time"
)

// jitterFraction spreads retries of steps that failed together.
const jitterFraction = 0.2

// Backoff computes the retry delay schedule: base·2^(k-1) with ±20% uniform
// jitter, where k is the attempt number starting at 1. The result never
// exceeds Cap.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// Duration returns the delay before attempt k may be claimed again.
func (b Backoff) Duration(k int) time.Duration {
	if k < 1 {
		k = 1
	}
	d := b.Base
	for i := 1; i < k; i++ {
		d *= 2
		if d >= b.Cap {
			d = b.Cap
			break
		}
	}

	jitter := 1 + jitterFraction*(2*rand.Float64()-1)
	d = time.Duration(float64(d) * jitter)
	if d > b.Cap {
		d = b.Cap
	}
	return d
}
