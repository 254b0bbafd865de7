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
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"k8s.io/klog/v2"

	"github.com/waicool20/djl/pkg/metrics"
)

// WorkerState tracks where a worker is in its lifecycle.
type WorkerState int32

const (
	WorkerStarting WorkerState = iota
	WorkerIdle
	WorkerBatching
	WorkerExecuting
	WorkerDraining
	WorkerStopped
	WorkerFailed
)

func (s WorkerState) String() string {
	switch s {
	case WorkerStarting:
		return "starting"
	case WorkerIdle:
		return "idle"
	case WorkerBatching:
		return "batching"
	case WorkerExecuting:
		return "executing"
	case WorkerDraining:
		return "draining"
	case WorkerStopped:
		return "stopped"
	case WorkerFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// WorkerDescriptor is a point-in-time snapshot of one worker, as reported by
// describe-model calls.
type WorkerDescriptor struct {
	ID        int       `json:"id"`
	StartTime time.Time `json:"startTime"`
	Running   bool      `json:"running"`
	DeviceID  int       `json:"gpu"`
}

// Worker executes micro-batches of jobs for exactly one model, bound to one
// device slot. Its loop is: wait for the first job, collect partners until
// the batch is full or maxBatchDelay elapses, run inference, fulfill every
// job of the batch in order, repeat. A drain signal lets the current batch
// finish, then releases the device slot and stops the goroutine.
type Worker struct {
	id        int
	model     *ModelInfo
	deviceID  int
	allocator *DeviceAllocator
	startTime time.Time

	state   atomic.Int32
	running atomic.Bool
	drainCh chan struct{}
	drained atomic.Bool
	doneCh  chan struct{}
}

// startWorker reserves a device slot, binds the worker to the model and
// starts its loop. It fails without spawning a goroutine when no device slot
// is available.
func startWorker(id int, model *ModelInfo, allocator *DeviceAllocator) (*Worker, error) {
	deviceID, err := allocator.Acquire()
	if err != nil {
		return nil, fmt.Errorf("starting worker %d for model %s: %w", id, model.Name(), err)
	}

	w := &Worker{
		id:        id,
		model:     model,
		deviceID:  deviceID,
		allocator: allocator,
		startTime: time.Now(),
		drainCh:   make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	w.state.Store(int32(WorkerStarting))
	w.running.Store(true)

	go w.run()
	klog.Infof("worker %d started for model %s on device %d", id, model.Name(), deviceID)
	return w, nil
}

// ID returns the worker id, unique within its model.
func (w *Worker) ID() int { return w.id }

// StartTime returns when the worker was started.
func (w *Worker) StartTime() time.Time { return w.startTime }

// DeviceID returns the device the worker is bound to, CPUDevice if none.
func (w *Worker) DeviceID() int { return w.deviceID }

// State returns the worker's current lifecycle state.
func (w *Worker) State() WorkerState {
	return WorkerState(w.state.Load())
}

// IsRunning reports whether the worker still participates in dispatch.
func (w *Worker) IsRunning() bool {
	return w.running.Load()
}

// Describe snapshots the worker for reporting.
func (w *Worker) Describe() WorkerDescriptor {
	return WorkerDescriptor{
		ID:        w.id,
		StartTime: w.startTime,
		Running:   w.running.Load(),
		DeviceID:  w.deviceID,
	}
}

// Drain signals the worker to finish its current batch, refuse further work
// and stop. Safe to call more than once.
func (w *Worker) Drain() {
	if w.drained.CompareAndSwap(false, true) {
		close(w.drainCh)
	}
}

// Done is closed once the worker released its device slot and stopped.
func (w *Worker) Done() <-chan struct{} {
	return w.doneCh
}

func (w *Worker) run() {
	defer close(w.doneCh)
	defer w.retire()

	queue := w.model.Queue()
	for {
		w.state.Store(int32(WorkerIdle))

		first, ok := queue.Take(w.drainCh)
		if !ok {
			w.state.Store(int32(WorkerDraining))
			w.state.Store(int32(WorkerStopped))
			return
		}

		w.state.Store(int32(WorkerBatching))
		batch := w.collectBatch(first)

		w.state.Store(int32(WorkerExecuting))
		if err := w.execute(batch); err != nil {
			if IsFatalModelError(err) {
				klog.Errorf("worker %d for model %s hit fatal error, retiring: %v",
					w.id, w.model.Name(), err)
				w.state.Store(int32(WorkerFailed))
				return
			}
			klog.Warningf("batch of %d failed on model %s: %v", len(batch), w.model.Name(), err)
		}
	}
}

// collectBatch keeps pulling jobs after the first one until the batch is
// full, maxBatchDelay has elapsed since the first job was taken, or a drain
// was requested.
func (w *Worker) collectBatch(first *Job) []*Job {
	batchSize := w.model.BatchSize()
	batch := make([]*Job, 0, batchSize)
	batch = append(batch, first)
	if batchSize <= 1 {
		return batch
	}

	timer := time.NewTimer(w.model.MaxBatchDelay())
	defer timer.Stop()

	queue := w.model.Queue()
	for len(batch) < batchSize {
		select {
		case job := <-queue.C():
			batch = append(batch, job)
		case <-timer.C:
			return batch
		case <-w.drainCh:
			return batch
		}
	}
	return batch
}

// execute runs one inference call and distributes the results back in batch
// order. Any failure fails every job of the batch with the same error.
func (w *Worker) execute(batch []*Job) error {
	modelName := w.model.Name()
	metrics.ObserveBatchSize(modelName, len(batch))
	metrics.SetGauge(metrics.QueueDepth, float64(w.model.Queue().Len()), modelName)

	inputs := make([][]byte, len(batch))
	for i, job := range batch {
		inputs[i] = job.Input
	}

	start := time.Now()
	outputs, err := w.model.Model().Infer(context.Background(), inputs)
	metrics.ObserveInferenceSeconds(modelName, time.Since(start).Seconds())

	if err == nil && len(outputs) != len(batch) {
		err = fmt.Errorf("model %s returned %d outputs for a batch of %d",
			modelName, len(outputs), len(batch))
	}
	if err != nil {
		metrics.IncCounter(metrics.InferenceErrorsTotal, modelName)
		batchErr := fmt.Errorf("inference failed on model %s: %w", modelName, err)
		for _, job := range batch {
			job.Finish(nil, batchErr)
		}
		return err
	}

	for i, job := range batch {
		job.Finish(outputs[i], nil)
	}
	return nil
}

// retire flips the running flag and frees the device slot. Runs exactly once
// on the worker goroutine's way out, whatever the exit reason.
func (w *Worker) retire() {
	w.running.Store(false)
	w.allocator.Release(w.deviceID)
	klog.Infof("worker %d for model %s stopped (%s)", w.id, w.model.Name(), w.State())
}
