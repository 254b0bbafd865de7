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
	"sync"
	"time"

	"github.com/waicool20/djl/pkg/metrics"
)

// ModelInfo is the per-model entry the workload manager operates on: the
// loaded model handle, the batching policy, the desired worker bounds and the
// bounded job queue feeding the model's workers.
//
// Batch policy and worker bounds may be mutated concurrently with workers
// reading them; all accessors are safe for concurrent use. The queue capacity
// is fixed at creation time.
type ModelInfo struct {
	name  string
	url   string
	model Model
	queue *JobQueue

	mu            sync.RWMutex
	batchSize     int
	maxBatchDelay time.Duration
	minWorkers    int
	maxWorkers    int
}

// NewModelInfo creates the entry for a freshly loaded model with an empty
// worker set and a queue of the given capacity.
func NewModelInfo(name, url string, model Model, queueSize int) *ModelInfo {
	return &ModelInfo{
		name:          name,
		url:           url,
		model:         model,
		queue:         NewJobQueue(queueSize),
		batchSize:     1,
		maxBatchDelay: 100 * time.Millisecond,
	}
}

// Name returns the registry key of the model.
func (m *ModelInfo) Name() string { return m.name }

// URL returns the source location the model was loaded from.
func (m *ModelInfo) URL() string { return m.url }

// Model returns the executable handle.
func (m *ModelInfo) Model() Model { return m.model }

// Queue returns the model's job queue.
func (m *ModelInfo) Queue() *JobQueue { return m.queue }

// BatchSize returns the current maximum micro-batch size.
func (m *ModelInfo) BatchSize() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.batchSize
}

// SetBatchSize updates the micro-batch size. Values below 1 are clamped to 1.
func (m *ModelInfo) SetBatchSize(size int) {
	if size < 1 {
		size = 1
	}
	m.mu.Lock()
	m.batchSize = size
	m.mu.Unlock()
}

// MaxBatchDelay returns how long a batch may wait for partner jobs after its
// first job was taken.
func (m *ModelInfo) MaxBatchDelay() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maxBatchDelay
}

// SetMaxBatchDelay updates the batching delay. Negative values are clamped
// to zero, which dispatches singleton batches immediately under light load.
func (m *ModelInfo) SetMaxBatchDelay(delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	m.mu.Lock()
	m.maxBatchDelay = delay
	m.mu.Unlock()
}

// MinWorkers returns the lower desired worker bound.
func (m *ModelInfo) MinWorkers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.minWorkers
}

// MaxWorkers returns the upper desired worker bound.
func (m *ModelInfo) MaxWorkers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maxWorkers
}

// SetWorkers updates the desired worker bounds. The caller validates
// min <= max; reconciliation picks the change up on its next pass.
func (m *ModelInfo) SetWorkers(min, max int) {
	m.mu.Lock()
	m.minWorkers = min
	m.maxWorkers = max
	m.mu.Unlock()
}

// AddJob submits a job to the model's queue. It never blocks; false means
// the queue is full and the caller must surface backpressure.
func (m *ModelInfo) AddJob(job *Job) bool {
	accepted := m.queue.Offer(job)
	if accepted {
		metrics.IncCounter(metrics.JobsAcceptedTotal, m.name)
		metrics.SetGauge(metrics.QueueDepth, float64(m.queue.Len()), m.name)
	} else {
		metrics.IncCounter(metrics.JobsRejectedTotal, m.name)
	}
	return accepted
}

// Close releases the model handle. Called once when the model is
// unregistered, after all workers were drained.
func (m *ModelInfo) Close() error {
	return m.model.Close()
}
