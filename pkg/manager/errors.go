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

package manager

import "errors"

// Error categories surfaced to the front-end layer. Operation errors wrap
// one of these sentinels; match with errors.Is.
var (
	// ErrModelNotFound is returned when an operation references a model
	// name that is not registered.
	ErrModelNotFound = errors.New("model not found")

	// ErrModelAlreadyRegistered is returned when a registration resolves to
	// a name that is already in use.
	ErrModelAlreadyRegistered = errors.New("model already registered")

	// ErrModelLoad wraps failures of the model loader; the model is never
	// installed in the registry.
	ErrModelLoad = errors.New("failed to load model")

	// ErrQueueFull signals backpressure: the model's job queue is at
	// capacity and the request should be surfaced as service-busy.
	ErrQueueFull = errors.New("job queue is full")

	// ErrNoWorkerAvailable rejects submission for a model that currently
	// has no running worker, instead of queueing indefinitely.
	ErrNoWorkerAvailable = errors.New("no worker available for model")

	// ErrInvalidConfiguration rejects malformed worker bounds, batch sizes
	// or delays at the register/update boundary.
	ErrInvalidConfiguration = errors.New("invalid configuration")
)
