/*
Copyright 2025 The Djl Serving Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package wlm

import "math"

// ScaleSpec bounds how fast the backlog scaler may move the worker target
// between reconciliation passes. A zero spec disables rate limiting.
type ScaleSpec struct {
	// MaxScaleUpRate caps the target at rate*current per pass, e.g. 2.0
	// allows at most doubling.
	MaxScaleUpRate float64
	// MaxScaleDownRate caps the target at current/rate per pass.
	MaxScaleDownRate float64
}

// backlogTarget derives a desired worker count from queue backlog: enough
// workers to drain the backlog in one batch round each, clamped into
// [min, max]. With an empty queue the target falls back to min, so idle
// models shed extra workers over subsequent passes.
func backlogTarget(backlog, batchSize, current, min, max int, spec ScaleSpec) int {
	if batchSize < 1 {
		batchSize = 1
	}
	desired := int(math.Ceil(float64(backlog) / float64(batchSize)))

	if spec.MaxScaleUpRate > 1 && current > 0 {
		up := int(math.Ceil(spec.MaxScaleUpRate * float64(current)))
		if desired > up {
			desired = up
		}
	}
	if spec.MaxScaleDownRate > 1 && current > 0 {
		down := int(math.Floor(float64(current) / spec.MaxScaleDownRate))
		if desired < down {
			desired = down
		}
	}

	return clamp(desired, min, max)
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
