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

// JobQueue is a bounded FIFO queue shared by all workers of one model.
// Offer is non-blocking and fails fast once the queue holds Cap() jobs; the
// capacity check and the enqueue are a single atomic step. Take suspends the
// calling worker until a job or a stop signal arrives.
type JobQueue struct {
	jobs chan *Job
}

// NewJobQueue creates a queue with the given fixed capacity.
func NewJobQueue(capacity int) *JobQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &JobQueue{jobs: make(chan *Job, capacity)}
}

// Offer enqueues the job if the queue has room, otherwise returns false.
// A false return is backpressure, not an error.
func (q *JobQueue) Offer(job *Job) bool {
	select {
	case q.jobs <- job:
		return true
	default:
		return false
	}
}

// Take blocks until a job is available or stop is closed. The second return
// is false iff the wait was interrupted by stop. A stop that was already
// signalled wins over pending jobs, so a drained worker never starts a new
// batch off a backed-up queue.
func (q *JobQueue) Take(stop <-chan struct{}) (*Job, bool) {
	select {
	case <-stop:
		return nil, false
	default:
	}
	select {
	case job := <-q.jobs:
		return job, true
	case <-stop:
		return nil, false
	}
}

// C exposes the receive side of the queue for select-based batch collection.
func (q *JobQueue) C() <-chan *Job {
	return q.jobs
}

// Len returns the number of jobs currently pending.
func (q *JobQueue) Len() int {
	return len(q.jobs)
}

// Cap returns the fixed capacity the queue was created with.
func (q *JobQueue) Cap() int {
	return cap(q.jobs)
}
