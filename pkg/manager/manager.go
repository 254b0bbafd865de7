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

// Package manager is the thin orchestration layer over the workload manager:
// it owns the model name registry and drives load, scale and teardown of
// models, leaving queueing and worker lifecycle to pkg/wlm.
package manager

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/waicool20/djl/pkg/loader"
	"github.com/waicool20/djl/pkg/wlm"
)

// Non-alphanumeric characters (and a leading underscore) are replaced with
// an underscore when deriving the registry key from a model name.
var nameSanitizer = regexp.MustCompile(`\W|^_`)

func sanitizeModelName(name string) string {
	return nameSanitizer.ReplaceAllString(name, "_")
}

// HealthStatus is the aggregate health of the worker fleet.
type HealthStatus string

const (
	// Healthy: every model runs at least its minimum worker count.
	Healthy HealthStatus = "Healthy"
	// PartialHealthy: some workers are running but fewer than desired.
	PartialHealthy HealthStatus = "Partial Healthy"
	// Unhealthy: workers are desired but none are running.
	Unhealthy HealthStatus = "Unhealthy"
)

// RegisterRequest describes one model registration.
type RegisterRequest struct {
	// Name is the registry key; when empty the loaded model's own name is
	// used. Either way the key is sanitized before installation.
	Name          string
	URL           string
	BatchSize     int
	MaxBatchDelay time.Duration
	MinWorkers    int
	MaxWorkers    int
	// Startup marks the model as loaded at process startup, reported by
	// DescribeModel.
	Startup bool
}

// RegisterResult resolves a registration future: exactly one of Model or Err
// is set.
type RegisterResult struct {
	Model *wlm.ModelInfo
	Err   error
}

// ModelManager maps model names to entries and delegates worker scaling to
// the workload manager. All methods are safe for concurrent use.
type ModelManager struct {
	loader       loader.ModelLoader
	wlm          *wlm.WorkLoadManager
	registry     *modelRegistry
	jobQueueSize int

	startupMu sync.Mutex
	startup   map[string]struct{}
}

// New creates a manager loading models through the given loader and sizing
// every model's job queue to jobQueueSize.
func New(l loader.ModelLoader, w *wlm.WorkLoadManager, jobQueueSize int) *ModelManager {
	return &ModelManager{
		loader:       l,
		wlm:          w,
		registry:     newModelRegistry(),
		jobQueueSize: jobQueueSize,
		startup:      make(map[string]struct{}),
	}
}

// Wlm returns the underlying workload manager.
func (mm *ModelManager) Wlm() *wlm.WorkLoadManager {
	return mm.wlm
}

func validateBounds(min, max int) error {
	if min < 0 || max < 0 {
		return fmt.Errorf("%w: worker bounds must not be negative", ErrInvalidConfiguration)
	}
	if max < min {
		return fmt.Errorf("%w: maxWorkers %d < minWorkers %d", ErrInvalidConfiguration, max, min)
	}
	return nil
}

// RegisterModel loads and installs a model asynchronously. Configuration
// errors are returned synchronously; load failures and name conflicts
// resolve through the returned channel. On conflict the freshly loaded
// handle is closed so it does not leak.
func (mm *ModelManager) RegisterModel(ctx context.Context, req RegisterRequest) (<-chan RegisterResult, error) {
	if req.BatchSize < 1 {
		return nil, fmt.Errorf("%w: batch size must be at least 1", ErrInvalidConfiguration)
	}
	if req.MaxBatchDelay < 0 {
		return nil, fmt.Errorf("%w: max batch delay must not be negative", ErrInvalidConfiguration)
	}
	if err := validateBounds(req.MinWorkers, req.MaxWorkers); err != nil {
		return nil, err
	}

	ch := make(chan RegisterResult, 1)
	go func() {
		model, err := mm.loader.Load(ctx, req.URL)
		if err != nil {
			ch <- RegisterResult{Err: fmt.Errorf("%w: %s: %v", ErrModelLoad, req.URL, err)}
			return
		}

		name := req.Name
		if name == "" {
			name = model.Name()
		}
		name = sanitizeModelName(name)

		info := wlm.NewModelInfo(name, req.URL, model, mm.jobQueueSize)
		info.SetBatchSize(req.BatchSize)
		info.SetMaxBatchDelay(req.MaxBatchDelay)
		info.SetWorkers(req.MinWorkers, req.MaxWorkers)

		if _, installed := mm.registry.putIfAbsent(name, info); !installed {
			if cerr := model.Close(); cerr != nil {
				klog.Warningf("closing duplicate model %s: %v", name, cerr)
			}
			ch <- RegisterResult{Err: fmt.Errorf("%w: %s", ErrModelAlreadyRegistered, name)}
			return
		}

		if req.Startup {
			mm.startupMu.Lock()
			mm.startup[name] = struct{}{}
			mm.startupMu.Unlock()
		}

		mm.wlm.ModelChanged(info)
		klog.Infof("model %s loaded from %s", name, req.URL)
		ch <- RegisterResult{Model: info}
	}()
	return ch, nil
}

// UnregisterModel scales the model to zero workers, removes it from the
// registry and releases its handle. Returns false for unknown names.
func (mm *ModelManager) UnregisterModel(name string) bool {
	model, ok := mm.registry.remove(name)
	if !ok {
		klog.Warningf("model not found: %s", name)
		return false
	}

	model.SetWorkers(0, 0)
	mm.wlm.ModelChanged(model)

	mm.startupMu.Lock()
	delete(mm.startup, name)
	mm.startupMu.Unlock()

	if err := model.Close(); err != nil {
		klog.Warningf("closing model %s: %v", name, err)
	}
	klog.Infof("model %s unregistered", name)
	return true
}

// UpdateModel changes the model's desired worker bounds and reconciles.
func (mm *ModelManager) UpdateModel(name string, minWorkers, maxWorkers int) error {
	if err := validateBounds(minWorkers, maxWorkers); err != nil {
		return err
	}
	model, ok := mm.registry.get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrModelNotFound, name)
	}
	model.SetWorkers(minWorkers, maxWorkers)
	klog.V(2).Infof("updateModel: %s, workers [%d, %d]", name, minWorkers, maxWorkers)
	mm.wlm.ModelChanged(model)
	return nil
}

// ScaleModel sets an explicit worker target for the model within its
// configured bounds.
func (mm *ModelManager) ScaleModel(name string, target int) error {
	model, ok := mm.registry.get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrModelNotFound, name)
	}
	mm.wlm.ScaleModel(model, target)
	return nil
}

// AddJob admits a job for its target model. It rejects unknown models,
// models without a running worker and full queues, never blocking.
func (mm *ModelManager) AddJob(job *wlm.Job) error {
	model, ok := mm.registry.get(job.ModelName)
	if !ok {
		return fmt.Errorf("%w: %s", ErrModelNotFound, job.ModelName)
	}
	if !mm.wlm.HasWorker(job.ModelName) {
		return fmt.Errorf("%w: %s", ErrNoWorkerAvailable, job.ModelName)
	}
	if !model.AddJob(job) {
		return fmt.Errorf("%w: %s", ErrQueueFull, job.ModelName)
	}
	return nil
}

// ModelStatus is the describe-model response.
type ModelStatus struct {
	ModelName       string                 `json:"modelName"`
	ModelURL        string                 `json:"modelUrl"`
	BatchSize       int                    `json:"batchSize"`
	MaxBatchDelay   time.Duration          `json:"maxBatchDelay"`
	MinWorkers      int                    `json:"minWorkers"`
	MaxWorkers      int                    `json:"maxWorkers"`
	QueueSize       int                    `json:"queueSize"`
	QueueDepth      int                    `json:"queueDepth"`
	LoadedAtStartup bool                   `json:"loadedAtStartup"`
	Status          string                 `json:"status"`
	Workers         []wlm.WorkerDescriptor `json:"workers"`
}

// DescribeModel reports the model's configuration, per-model health and a
// snapshot of its workers.
func (mm *ModelManager) DescribeModel(name string) (*ModelStatus, error) {
	model, ok := mm.registry.get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, name)
	}

	mm.startupMu.Lock()
	_, atStartup := mm.startup[name]
	mm.startupMu.Unlock()

	status := "Unhealthy"
	if mm.wlm.GetNumRunningWorkers(name) >= model.MinWorkers() {
		status = "Healthy"
	}

	return &ModelStatus{
		ModelName:       name,
		ModelURL:        model.URL(),
		BatchSize:       model.BatchSize(),
		MaxBatchDelay:   model.MaxBatchDelay(),
		MinWorkers:      model.MinWorkers(),
		MaxWorkers:      model.MaxWorkers(),
		QueueSize:       model.Queue().Cap(),
		QueueDepth:      model.Queue().Len(),
		LoadedAtStartup: atStartup,
		Status:          status,
		Workers:         mm.wlm.GetWorkers(name),
	}, nil
}

// ListModels returns the registered model names, sorted.
func (mm *ModelManager) ListModels() []string {
	return mm.registry.names()
}

// StartupModels returns the names of models registered at process startup.
func (mm *ModelManager) StartupModels() []string {
	mm.startupMu.Lock()
	defer mm.startupMu.Unlock()
	names := make([]string, 0, len(mm.startup))
	for name := range mm.startup {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WorkerStatus computes aggregate fleet health off the caller's path. The
// scan runs as an async task so it does not block request handling while it
// walks every model.
func (mm *ModelManager) WorkerStatus() <-chan HealthStatus {
	ch := make(chan HealthStatus, 1)
	mm.wlm.ScheduleAsync(func() {
		numWorking := 0
		numScaled := 0
		for _, model := range mm.registry.snapshot() {
			numScaled += model.MinWorkers()
			numWorking += mm.wlm.GetNumRunningWorkers(model.Name())
		}

		status := Healthy
		if numWorking > 0 && numWorking < numScaled {
			status = PartialHealthy
		} else if numWorking == 0 && numScaled > 0 {
			status = Unhealthy
		}
		ch <- status
	})
	return ch
}
