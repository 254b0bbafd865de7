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

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBacklogTarget(t *testing.T) {
	noLimit := ScaleSpec{}

	t.Run("empty queue falls back to min", func(t *testing.T) {
		assert.Equal(t, 2, backlogTarget(0, 4, 3, 2, 8, noLimit))
	})

	t.Run("one worker per batch round", func(t *testing.T) {
		assert.Equal(t, 3, backlogTarget(12, 4, 1, 1, 8, noLimit))
		assert.Equal(t, 4, backlogTarget(13, 4, 1, 1, 8, noLimit))
	})

	t.Run("clamped to max", func(t *testing.T) {
		assert.Equal(t, 8, backlogTarget(1000, 4, 1, 1, 8, noLimit))
	})

	t.Run("scale up rate bounds the step", func(t *testing.T) {
		spec := ScaleSpec{MaxScaleUpRate: 2}
		// Backlog wants 10, but at most double the current 2 workers.
		assert.Equal(t, 4, backlogTarget(40, 4, 2, 1, 16, spec))
	})

	t.Run("scale down rate bounds the step", func(t *testing.T) {
		spec := ScaleSpec{MaxScaleDownRate: 2}
		// Backlog wants 0, but shrink at most by half of the current 8.
		assert.Equal(t, 4, backlogTarget(0, 4, 8, 1, 16, spec))
	})

	t.Run("degenerate batch size", func(t *testing.T) {
		assert.Equal(t, 5, backlogTarget(5, 0, 1, 1, 16, noLimit))
	})
}
