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
	"errors"
	"fmt"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/waicool20/djl/pkg/metrics"
)

// ErrModelStopped fails jobs still queued when a model scales to zero
// workers, so their callers are not left waiting on a result that can never
// arrive.
var ErrModelStopped = errors.New("model stopped")

// workerPool holds the live worker set of one model. The mutex serializes
// reconciliation per model; pools of different models reconcile in parallel.
type workerPool struct {
	mu      sync.Mutex
	model   *ModelInfo
	workers []*Worker
	nextID  int
	// target overrides minWorkers as the desired count when >= 0. Set by
	// ScaleModel and by the backlog scaler, always clamped to the model's
	// bounds at reconcile time.
	target int
}

// WorkLoadManager owns the worker fleet: it converges each model's worker
// count to its desired bounds, answers worker queries and runs cross-model
// scans asynchronously. One instance serves the whole process; construct it
// explicitly and pass it where needed.
type WorkLoadManager struct {
	mu        sync.RWMutex
	pools     map[string]*workerPool
	allocator *DeviceAllocator
	scaleSpec ScaleSpec
	autoScale bool
}

// Option configures a WorkLoadManager.
type Option func(*WorkLoadManager)

// WithBacklogScaling makes the periodic reconciler derive per-model worker
// targets from queue backlog instead of pinning them to minWorkers.
func WithBacklogScaling(spec ScaleSpec) Option {
	return func(wlm *WorkLoadManager) {
		wlm.autoScale = true
		wlm.scaleSpec = spec
	}
}

// NewWorkLoadManager creates a manager allocating device slots from the
// given allocator.
func NewWorkLoadManager(allocator *DeviceAllocator, opts ...Option) *WorkLoadManager {
	wlm := &WorkLoadManager{
		pools:     make(map[string]*workerPool),
		allocator: allocator,
	}
	for _, opt := range opts {
		opt(wlm)
	}
	return wlm
}

func (wlm *WorkLoadManager) poolFor(model *ModelInfo) *workerPool {
	wlm.mu.Lock()
	defer wlm.mu.Unlock()
	pool, ok := wlm.pools[model.Name()]
	if !ok {
		pool = &workerPool{model: model, target: -1}
		wlm.pools[model.Name()] = pool
	}
	return pool
}

func (wlm *WorkLoadManager) lookup(modelName string) *workerPool {
	wlm.mu.RLock()
	defer wlm.mu.RUnlock()
	return wlm.pools[modelName]
}

// ModelChanged reconciles the model's worker count after its bounds or batch
// policy changed. When the bounds dropped to [0, 0] all workers are drained
// and the pool is removed once empty.
func (wlm *WorkLoadManager) ModelChanged(model *ModelInfo) {
	wlm.reconcile(wlm.poolFor(model))
}

// ScaleModel sets an explicit worker target for the model, clamped into its
// [min, max] bounds, and reconciles. A negative target reverts to tracking
// minWorkers.
func (wlm *WorkLoadManager) ScaleModel(model *ModelInfo, target int) {
	pool := wlm.poolFor(model)
	pool.mu.Lock()
	pool.target = target
	pool.mu.Unlock()
	wlm.reconcile(pool)
}

// reconcile converges one pool toward its desired worker count. Spawns may
// fail individually when devices are exhausted; the remaining spawns still
// run and failed ones are retried on the next pass. Scale-down drains the
// oldest workers first.
func (wlm *WorkLoadManager) reconcile(pool *workerPool) {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	model := pool.model
	pool.prune()

	desired := model.MinWorkers()
	if pool.target >= 0 {
		desired = clamp(pool.target, model.MinWorkers(), model.MaxWorkers())
	}
	metrics.SetGauge(metrics.DesiredWorkers, float64(desired), model.Name())

	active := len(pool.workers)
	switch {
	case active < desired:
		for i := active; i < desired; i++ {
			worker, err := startWorker(pool.nextID, model, wlm.allocator)
			if err != nil {
				metrics.IncCounter(metrics.WorkerSpawnFailsTotal, model.Name())
				if errors.Is(err, ErrDeviceExhausted) {
					klog.Warningf("cannot scale model %s now: %v", model.Name(), err)
					continue
				}
				klog.Errorf("failed to start worker for model %s: %v", model.Name(), err)
				continue
			}
			pool.nextID++
			pool.workers = append(pool.workers, worker)
		}
	case active > desired:
		// Workers are appended in start order, so the head of the slice is
		// the oldest.
		for _, worker := range pool.workers[:active-desired] {
			worker.Drain()
		}
		pool.workers = pool.workers[active-desired:]
	}

	metrics.SetGauge(metrics.RunningWorkers, float64(len(pool.workers)), model.Name())

	if desired == 0 && len(pool.workers) == 0 {
		failPendingJobs(model)
		wlm.mu.Lock()
		delete(wlm.pools, model.Name())
		wlm.mu.Unlock()
	}
}

// failPendingJobs fails every job still queued for a model whose last worker
// was just drained. Jobs already collected into a batch are untouched; the
// draining worker fulfills those itself.
func failPendingJobs(model *ModelInfo) {
	failed := 0
	for {
		select {
		case job := <-model.Queue().C():
			job.Finish(nil, fmt.Errorf("%w: %s", ErrModelStopped, model.Name()))
			failed++
		default:
			if failed > 0 {
				klog.Warningf("failed %d pending jobs for stopped model %s", failed, model.Name())
			}
			return
		}
	}
}

// prune drops workers that stopped or failed on their own so the next spawn
// pass replaces them. Caller holds pool.mu.
func (p *workerPool) prune() {
	live := p.workers[:0]
	for _, worker := range p.workers {
		if worker.IsRunning() {
			live = append(live, worker)
		}
	}
	p.workers = live
}

// HasWorker reports whether at least one running worker serves the model.
func (wlm *WorkLoadManager) HasWorker(modelName string) bool {
	return wlm.GetNumRunningWorkers(modelName) > 0
}

// GetNumRunningWorkers returns the count of workers with the running flag
// set for the model, zero for unknown models.
func (wlm *WorkLoadManager) GetNumRunningWorkers(modelName string) int {
	pool := wlm.lookup(modelName)
	if pool == nil {
		return 0
	}
	pool.mu.Lock()
	defer pool.mu.Unlock()
	n := 0
	for _, worker := range pool.workers {
		if worker.IsRunning() {
			n++
		}
	}
	return n
}

// GetWorkers returns descriptor snapshots for the model's workers, empty for
// unknown models.
func (wlm *WorkLoadManager) GetWorkers(modelName string) []WorkerDescriptor {
	pool := wlm.lookup(modelName)
	if pool == nil {
		return nil
	}
	pool.mu.Lock()
	defer pool.mu.Unlock()
	descs := make([]WorkerDescriptor, 0, len(pool.workers))
	for _, worker := range pool.workers {
		descs = append(descs, worker.Describe())
	}
	return descs
}

// ScheduleAsync runs a cross-cutting task, e.g. a fleet health scan, without
// blocking the caller.
func (wlm *WorkLoadManager) ScheduleAsync(task func()) {
	go task()
}

// RunReconciler re-reconciles every pool each interval until the stop
// channel closes. This retries device-exhausted spawns and, with backlog
// scaling enabled, moves worker targets with queue depth.
func (wlm *WorkLoadManager) RunReconciler(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			wlm.reconcileAll()
		case <-stop:
			return
		}
	}
}

func (wlm *WorkLoadManager) reconcileAll() {
	wlm.mu.RLock()
	pools := make([]*workerPool, 0, len(wlm.pools))
	for _, pool := range wlm.pools {
		pools = append(pools, pool)
	}
	wlm.mu.RUnlock()

	for _, pool := range pools {
		if wlm.autoScale {
			model := pool.model
			pool.mu.Lock()
			pool.target = backlogTarget(
				model.Queue().Len(), model.BatchSize(), len(pool.workers),
				model.MinWorkers(), model.MaxWorkers(), wlm.scaleSpec)
			pool.mu.Unlock()
		}
		wlm.reconcile(pool)
	}
}

// DrainAll drains every worker of every model and waits for them to stop,
// bounded by the timeout. Used on process shutdown.
func (wlm *WorkLoadManager) DrainAll(timeout time.Duration) {
	wlm.mu.RLock()
	pools := make([]*workerPool, 0, len(wlm.pools))
	for _, pool := range wlm.pools {
		pools = append(pools, pool)
	}
	wlm.mu.RUnlock()

	var workers []*Worker
	for _, pool := range pools {
		pool.mu.Lock()
		workers = append(workers, pool.workers...)
		pool.mu.Unlock()
	}

	for _, worker := range workers {
		worker.Drain()
	}
	deadline := time.After(timeout)
	for _, worker := range workers {
		select {
		case <-worker.Done():
		case <-deadline:
			klog.Warningf("timed out waiting for workers to drain")
			return
		}
	}
}
