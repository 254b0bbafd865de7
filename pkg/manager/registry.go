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

import (
	"sort"
	"sync"

	"github.com/waicool20/djl/pkg/wlm"
)

// modelRegistry maps model name to its entry. Registration uses an atomic
// put-if-absent so two concurrent registers of the same resolved name yield
// exactly one installed entry; reads never block writes for other keys.
type modelRegistry struct {
	mu     sync.RWMutex
	models map[string]*wlm.ModelInfo
}

func newModelRegistry() *modelRegistry {
	return &modelRegistry{models: make(map[string]*wlm.ModelInfo)}
}

// putIfAbsent installs the entry unless the name is taken. It returns the
// previously installed entry and false on conflict.
func (r *modelRegistry) putIfAbsent(name string, model *wlm.ModelInfo) (*wlm.ModelInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.models[name]; ok {
		return existing, false
	}
	r.models[name] = model
	return model, true
}

func (r *modelRegistry) get(name string) (*wlm.ModelInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	model, ok := r.models[name]
	return model, ok
}

func (r *modelRegistry) remove(name string) (*wlm.ModelInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	model, ok := r.models[name]
	if ok {
		delete(r.models, name)
	}
	return model, ok
}

// names returns all registered model names, sorted.
func (r *modelRegistry) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// snapshot returns the current entries; the slice is a copy, the entries are
// shared.
func (r *modelRegistry) snapshot() []*wlm.ModelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	models := make([]*wlm.ModelInfo, 0, len(r.models))
	for _, model := range r.models {
		models = append(models, model)
	}
	return models
}
