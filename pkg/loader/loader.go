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

// Package loader resolves a model source URL into an executable model
// handle. Artifact fetching and runtime binding live behind the ModelLoader
// interface; the serving core only depends on this boundary.
package loader

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/waicool20/djl/pkg/wlm"
)

// ErrUnsupportedScheme is returned when no loader is registered for the
// URL's scheme.
var ErrUnsupportedScheme = errors.New("unsupported model url scheme")

// ModelLoader loads a model from a source location. Load may be slow (it can
// involve a network fetch) and is always invoked off the caller's critical
// path.
type ModelLoader interface {
	Load(ctx context.Context, sourceURL string) (wlm.Model, error)
}

// LoaderFunc adapts a plain function to the ModelLoader interface.
type LoaderFunc func(ctx context.Context, sourceURL string) (wlm.Model, error)

func (f LoaderFunc) Load(ctx context.Context, sourceURL string) (wlm.Model, error) {
	return f(ctx, sourceURL)
}

// SchemeLoader dispatches to a registered loader based on the URL scheme.
type SchemeLoader struct {
	loaders map[string]ModelLoader
}

// NewSchemeLoader creates an empty dispatcher.
func NewSchemeLoader() *SchemeLoader {
	return &SchemeLoader{loaders: make(map[string]ModelLoader)}
}

// Register binds a loader to a URL scheme, e.g. "s3" or "file".
func (s *SchemeLoader) Register(scheme string, loader ModelLoader) {
	s.loaders[strings.ToLower(scheme)] = loader
}

// Load parses the URL and delegates to the loader registered for its scheme.
func (s *SchemeLoader) Load(ctx context.Context, sourceURL string) (wlm.Model, error) {
	u, err := url.Parse(sourceURL)
	if err != nil {
		return nil, fmt.Errorf("parsing model url %q: %w", sourceURL, err)
	}
	loader, ok := s.loaders[strings.ToLower(u.Scheme)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	return loader.Load(ctx, sourceURL)
}

// echoModel is a trivial model handle that returns each input unchanged.
// Useful for smoke-testing the serving path without a real runtime.
type echoModel struct {
	name string
}

func (m *echoModel) Name() string { return m.name }

func (m *echoModel) Infer(_ context.Context, inputs [][]byte) ([][]byte, error) {
	outputs := make([][]byte, len(inputs))
	for i, input := range inputs {
		out := make([]byte, len(input))
		copy(out, input)
		outputs[i] = out
	}
	return outputs, nil
}

func (m *echoModel) Close() error { return nil }

// NewEchoLoader returns a loader for "echo://<name>" URLs producing models
// that echo their input payloads.
func NewEchoLoader() ModelLoader {
	return LoaderFunc(func(_ context.Context, sourceURL string) (wlm.Model, error) {
		u, err := url.Parse(sourceURL)
		if err != nil {
			return nil, err
		}
		name := u.Host
		if name == "" {
			name = path.Base(u.Path)
		}
		if name == "" || name == "." || name == "/" {
			return nil, fmt.Errorf("echo model url %q carries no model name", sourceURL)
		}
		return &echoModel{name: name}, nil
	})
}
