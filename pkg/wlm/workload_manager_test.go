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
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScaleUpToMinWorkers(t *testing.T) {
	manager := NewWorkLoadManager(NewDeviceAllocator(nil))
	info, _ := newTestModel(t, "scaleup", 1, 0)
	info.SetWorkers(3, 5)

	manager.ModelChanged(info)

	assert.Equal(t, 3, manager.GetNumRunningWorkers("scaleup"))
	assert.True(t, manager.HasWorker("scaleup"))
	assert.Len(t, manager.GetWorkers("scaleup"), 3)

	manager.DrainAll(5 * time.Second)
}

func TestScaleDownDrainsOldestFirst(t *testing.T) {
	manager := NewWorkLoadManager(NewDeviceAllocator(nil))
	info, _ := newTestModel(t, "scaledown", 1, 0)
	info.SetWorkers(3, 3)
	manager.ModelChanged(info)
	require.Equal(t, 3, manager.GetNumRunningWorkers("scaledown"))

	info.SetWorkers(1, 1)
	manager.ModelChanged(info)

	// The two oldest (lowest id) workers are drained; the newest survives.
	require.Eventually(t, func() bool {
		return manager.GetNumRunningWorkers("scaledown") == 1
	}, 5*time.Second, 10*time.Millisecond)

	workers := manager.GetWorkers("scaledown")
	require.Len(t, workers, 1)
	assert.Equal(t, 2, workers[0].ID)

	manager.DrainAll(5 * time.Second)
}

func TestScaleToZeroRemovesPool(t *testing.T) {
	manager := NewWorkLoadManager(NewDeviceAllocator(nil))
	info, _ := newTestModel(t, "gone", 1, 0)
	info.SetWorkers(2, 2)
	manager.ModelChanged(info)
	require.True(t, manager.HasWorker("gone"))

	info.SetWorkers(0, 0)
	manager.ModelChanged(info)

	assert.Equal(t, 0, manager.GetNumRunningWorkers("gone"))
	assert.False(t, manager.HasWorker("gone"))
	assert.Empty(t, manager.GetWorkers("gone"))
}

func TestScaleToZeroFailsPendingJobs(t *testing.T) {
	manager := NewWorkLoadManager(NewDeviceAllocator(nil))
	info, fake := newTestModel(t, "stopping", 1, 0)
	info.SetWorkers(1, 1)

	inferStarted := make(chan struct{})
	releaseInfer := make(chan struct{})
	fake.inferFn = func(inputs [][]byte) ([][]byte, error) {
		close(inferStarted)
		<-releaseInfer
		return echoBatches(inputs)
	}

	manager.ModelChanged(info)

	inFlight := NewJob("stopping", []byte("in-flight"))
	require.True(t, info.AddJob(inFlight))
	<-inferStarted

	pending := make([]*Job, 5)
	for i := range pending {
		pending[i] = NewJob("stopping", nil)
		require.True(t, info.AddJob(pending[i]))
	}

	info.SetWorkers(0, 0)
	manager.ModelChanged(info)
	close(releaseInfer)

	// Queued jobs fail right away instead of stranding their callers; the
	// batch already executing still completes normally.
	for _, job := range pending {
		assert.ErrorIs(t, awaitResult(t, job).Err, ErrModelStopped)
	}
	require.NoError(t, awaitResult(t, inFlight).Err)
	assert.False(t, manager.HasWorker("stopping"))
}

func TestExplicitScaleTargetClampedToBounds(t *testing.T) {
	manager := NewWorkLoadManager(NewDeviceAllocator(nil))
	info, _ := newTestModel(t, "clamped", 1, 0)
	info.SetWorkers(1, 3)
	manager.ModelChanged(info)
	require.Equal(t, 1, manager.GetNumRunningWorkers("clamped"))

	manager.ScaleModel(info, 10)
	assert.Equal(t, 3, manager.GetNumRunningWorkers("clamped"))

	// Negative target reverts to tracking minWorkers.
	manager.ScaleModel(info, -1)
	require.Eventually(t, func() bool {
		return manager.GetNumRunningWorkers("clamped") == 1
	}, 5*time.Second, 10*time.Millisecond)

	manager.DrainAll(5 * time.Second)
}

func TestReconcileRetriesAfterDeviceExhaustion(t *testing.T) {
	allocator := NewDeviceAllocator([]int{1})
	manager := NewWorkLoadManager(allocator)

	hog, _ := newTestModel(t, "hog", 1, 0)
	hog.SetWorkers(1, 1)
	manager.ModelChanged(hog)
	require.Equal(t, 1, manager.GetNumRunningWorkers("hog"))

	// The only device slot is taken, so this model cannot scale yet.
	starved, _ := newTestModel(t, "starved", 1, 0)
	starved.SetWorkers(1, 1)
	manager.ModelChanged(starved)
	assert.Equal(t, 0, manager.GetNumRunningWorkers("starved"))

	// Freeing the slot and re-reconciling converges the starved model.
	hog.SetWorkers(0, 0)
	manager.ModelChanged(hog)
	require.Eventually(t, func() bool {
		manager.reconcileAll()
		return manager.GetNumRunningWorkers("starved") == 1
	}, 5*time.Second, 10*time.Millisecond)

	manager.DrainAll(5 * time.Second)
}

func TestBacklogScalingGrowsAndShrinksWithQueue(t *testing.T) {
	manager := NewWorkLoadManager(NewDeviceAllocator(nil), WithBacklogScaling(ScaleSpec{}))
	info, fake := newTestModel(t, "auto", 2, 5*time.Millisecond)
	info.SetWorkers(1, 4)

	block := make(chan struct{})
	fake.inferFn = func(inputs [][]byte) ([][]byte, error) {
		<-block
		return echoBatches(inputs)
	}

	manager.ModelChanged(info)
	require.Equal(t, 1, manager.GetNumRunningWorkers("auto"))

	// Pile up backlog while the single worker is stuck in inference.
	jobs := make([]*Job, 0, 9)
	for i := 0; i < 9; i++ {
		job := NewJob("auto", []byte("x"))
		require.True(t, info.AddJob(job))
		jobs = append(jobs, job)
	}

	require.Eventually(t, func() bool {
		manager.reconcileAll()
		return manager.GetNumRunningWorkers("auto") == 4
	}, 5*time.Second, 10*time.Millisecond)

	close(block)
	for _, job := range jobs {
		awaitResult(t, job)
	}

	// With the queue drained the target falls back to minWorkers.
	require.Eventually(t, func() bool {
		manager.reconcileAll()
		return manager.GetNumRunningWorkers("auto") == 1
	}, 5*time.Second, 10*time.Millisecond)

	manager.DrainAll(5 * time.Second)
}

func TestGetWorkersSnapshotsDescriptors(t *testing.T) {
	allocator := NewDeviceAllocator([]int{2})
	manager := NewWorkLoadManager(allocator)
	info, _ := newTestModel(t, "described", 1, 0)
	info.SetWorkers(2, 2)
	manager.ModelChanged(info)

	workers := manager.GetWorkers("described")
	require.Len(t, workers, 2)
	for _, w := range workers {
		assert.True(t, w.Running)
		assert.Equal(t, 0, w.DeviceID)
		assert.False(t, w.StartTime.IsZero())
	}

	assert.Nil(t, manager.GetWorkers("unknown"))
	assert.Equal(t, 0, manager.GetNumRunningWorkers("unknown"))

	manager.DrainAll(5 * time.Second)
}
