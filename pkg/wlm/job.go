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
	"time"

	"github.com/google/uuid"
)

// JobResult carries the outcome of a single inference job. Exactly one of
// Output or Err is meaningful.
type JobResult struct {
	Output []byte
	Err    error
}

// Job is one inference request bound to a target model. A job is delivered to
// exactly one worker and fulfilled exactly once; callers block on Await until
// the owning worker writes the result.
type Job struct {
	ID        string
	ModelName string
	Input     []byte
	Submitted time.Time

	resultCh chan JobResult
}

// NewJob creates a job for the given model with the raw request payload.
func NewJob(modelName string, input []byte) *Job {
	return &Job{
		ID:        uuid.NewString(),
		ModelName: modelName,
		Input:     input,
		Submitted: time.Now(),
		resultCh:  make(chan JobResult, 1),
	}
}

// Finish fulfills the job. Calling Finish twice on the same job is a
// programming error and panics on the second send.
func (j *Job) Finish(output []byte, err error) {
	j.resultCh <- JobResult{Output: output, Err: err}
	close(j.resultCh)
}

// Await blocks until the job is fulfilled or the context is cancelled.
func (j *Job) Await(ctx context.Context) (JobResult, error) {
	select {
	case res := <-j.resultCh:
		return res, nil
	case <-ctx.Done():
		return JobResult{}, ctx.Err()
	}
}
