// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package memory

import (
	"time"

	"github.com/nofx/nofx/internal/queue"
)

type queuedJob struct {
	job     *queue.Job
	readyAt time.Time
	seq     uint64
}

// readyHeap orders deliverable jobs by priority (higher first), then
// insertion order. Ready time plays no part: a high-priority job
// enqueued late still beats older low-priority work.
type readyHeap []*queuedJob

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority > h[j].job.Priority
	}
	return h[i].seq < h[j].seq
}

func (h readyHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *readyHeap) Push(x any) { *h = append(*h, x.(*queuedJob)) }

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// delayedHeap orders held-back jobs by ready time so the head is always
// the next job to promote.
type delayedHeap []*queuedJob

func (h delayedHeap) Len() int { return len(h) }

func (h delayedHeap) Less(i, j int) bool {
	if !h[i].readyAt.Equal(h[j].readyAt) {
		return h[i].readyAt.Before(h[j].readyAt)
	}
	return h[i].seq < h[j].seq
}

func (h delayedHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *delayedHeap) Push(x any) { *h = append(*h, x.(*queuedJob)) }

func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

func (h delayedHeap) peek() *queuedJob { return h[0] }

// ring is a bounded FIFO that drops its oldest entry when full.
type ring struct {
	jobs []*queue.Job
	cap  int
}

func newRing(capacity int) *ring {
	return &ring{cap: capacity}
}

func (r *ring) push(job *queue.Job) {
	if len(r.jobs) >= r.cap {
		r.jobs = r.jobs[1:]
	}
	r.jobs = append(r.jobs, job)
}

func (r *ring) list(limit int) []*queue.Job {
	n := len(r.jobs)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*queue.Job, n)
	copy(out, r.jobs[:n])
	return out
}

func (r *ring) drain(limit int) []*queue.Job {
	n := len(r.jobs)
	if limit > 0 && limit < n {
		n = limit
	}
	out := r.jobs[:n]
	r.jobs = append([]*queue.Job(nil), r.jobs[n:]...)
	return out
}
