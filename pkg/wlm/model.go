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
	"errors"
	"fmt"
)

// Model is the executable handle produced by the model loader. Infer runs one
// micro-batch and must return exactly one output per input, in input order.
// Close releases underlying resources and is called once at unregister.
type Model interface {
	Name() string
	Infer(ctx context.Context, inputs [][]byte) ([][]byte, error)
	Close() error
}

// FatalModelError marks an inference failure as fatal to the worker that hit
// it, e.g. a device fault. The worker is retired instead of returning to the
// pool; plain inference errors only fail the batch.
type FatalModelError struct {
	Err error
}

func (e *FatalModelError) Error() string {
	return fmt.Sprintf("fatal model error: %v", e.Err)
}

func (e *FatalModelError) Unwrap() error {
	return e.Err
}

// IsFatalModelError reports whether err carries a FatalModelError anywhere in
// its chain.
func IsFatalModelError(err error) bool {
	var fatal *FatalModelError
	return errors.As(err, &fatal)
}
