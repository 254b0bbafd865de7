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

// Package metrics exposes the serving core's Prometheus metrics. Metric
// vectors are registered lazily on first use so packages can emit metrics
// without an init ordering dance.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric names emitted by the workload manager. All per-model metrics carry
// a single "model" label.
const (
	QueueDepth            = "wlm_queue_depth"
	JobsAcceptedTotal     = "wlm_jobs_accepted_total"
	JobsRejectedTotal     = "wlm_jobs_rejected_total"
	BatchSize             = "wlm_batch_size"
	InferenceSeconds      = "wlm_inference_seconds"
	InferenceErrorsTotal  = "wlm_inference_errors_total"
	RunningWorkers        = "wlm_running_workers"
	DesiredWorkers        = "wlm_desired_workers"
	WorkerSpawnFailsTotal = "wlm_worker_spawn_failures_total"
)

var help = map[string]string{
	QueueDepth:            "Number of jobs pending in the model's queue",
	JobsAcceptedTotal:     "Total jobs admitted to a model's queue",
	JobsRejectedTotal:     "Total jobs rejected due to a full queue",
	BatchSize:             "Number of jobs per dispatched micro-batch",
	InferenceSeconds:      "Wall time of one batch inference call",
	InferenceErrorsTotal:  "Total failed batch inference calls",
	RunningWorkers:        "Current number of running workers per model",
	DesiredWorkers:        "Reconciliation target worker count per model",
	WorkerSpawnFailsTotal: "Total worker spawns that failed, e.g. no device slot",
}

var (
	mu         sync.Mutex
	gauges     = make(map[string]*prometheus.GaugeVec)
	counters   = make(map[string]*prometheus.CounterVec)
	histograms = make(map[string]*prometheus.HistogramVec)
)

func helpFor(name string) string {
	if h, ok := help[name]; ok {
		return h
	}
	return name
}

func gauge(name string) *prometheus.GaugeVec {
	mu.Lock()
	defer mu.Unlock()
	g, ok := gauges[name]
	if !ok {
		g = promauto.NewGaugeVec(
			prometheus.GaugeOpts{Name: name, Help: helpFor(name)},
			[]string{"model"},
		)
		gauges[name] = g
	}
	return g
}

func counter(name string) *prometheus.CounterVec {
	mu.Lock()
	defer mu.Unlock()
	c, ok := counters[name]
	if !ok {
		c = promauto.NewCounterVec(
			prometheus.CounterOpts{Name: name, Help: helpFor(name)},
			[]string{"model"},
		)
		counters[name] = c
	}
	return c
}

func histogram(name string, buckets []float64) *prometheus.HistogramVec {
	mu.Lock()
	defer mu.Unlock()
	h, ok := histograms[name]
	if !ok {
		h = promauto.NewHistogramVec(
			prometheus.HistogramOpts{Name: name, Help: helpFor(name), Buckets: buckets},
			[]string{"model"},
		)
		histograms[name] = h
	}
	return h
}

// SetGauge sets a per-model gauge.
func SetGauge(name string, value float64, model string) {
	gauge(name).WithLabelValues(model).Set(value)
}

// IncCounter increments a per-model counter by one.
func IncCounter(name string, model string) {
	counter(name).WithLabelValues(model).Add(1)
}

// ObserveBatchSize records the size of one dispatched batch.
func ObserveBatchSize(model string, size int) {
	histogram(BatchSize, []float64{1, 2, 4, 8, 16, 32, 64}).
		WithLabelValues(model).Observe(float64(size))
}

// ObserveInferenceSeconds records the wall time of one batch inference.
func ObserveInferenceSeconds(model string, seconds float64) {
	histogram(InferenceSeconds, prometheus.DefBuckets).
		WithLabelValues(model).Observe(seconds)
}
