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

// Package memory provides the in-memory queue driver used in tests and
// single-box mode. Deliverable jobs sit in a heap ordered by priority
// then insertion; delayed jobs wait in a second heap keyed on ready
// time until promoted. There is no durability, and the DLQ is a bounded
// ring.
package memory

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nofx/nofx/internal/queue"
)

var _ queue.Queue = (*Driver)(nil)

// dlqCapacity bounds each topic's dead-letter ring.
const dlqCapacity = 1024

// defaultJobTimeout is the hard deadline per delivery.
const defaultJobTimeout = 10 * time.Minute

// Driver is the in-memory queue driver.
type Driver struct {
	mu     sync.Mutex
	topics map[string]*topicState

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	closed     bool
	jobTimeout time.Duration
}

type topicState struct {
	ready     readyHeap
	delayed   delayedHeap
	seq       uint64
	signal    chan struct{}
	dlq       *ring
	active    int64
	completed int64
	failed    int64
}

// Option configures the driver.
type Option func(*Driver)

// WithJobTimeout overrides the per-delivery hard deadline.
func WithJobTimeout(d time.Duration) Option {
	return func(q *Driver) { q.jobTimeout = d }
}

// New creates an in-memory queue driver.
func New(opts ...Option) *Driver {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Driver{
		topics:     make(map[string]*topicState),
		ctx:        ctx,
		cancel:     cancel,
		jobTimeout: defaultJobTimeout,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Driver) topic(name string) *topicState {
	t, ok := q.topics[name]
	if !ok {
		t = &topicState{
			signal: make(chan struct{}, 1),
			dlq:    newRing(dlqCapacity),
		}
		q.topics[name] = t
	}
	return t
}

// Enqueue adds a job to the topic.
func (q *Driver) Enqueue(ctx context.Context, topic string, payload map[string]any, opts *Options) error {
	return q.enqueue(topic, payload, opts, 0)
}

// Options aliases queue.Options so call sites read naturally.
type Options = queue.Options

func (q *Driver) enqueue(topic string, payload map[string]any, opts *Options, attempt int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return fmt.Errorf("queue is closed")
	}

	var o Options
	if opts != nil {
		o = *opts
	}
	attempts := o.Attempts
	if attempts <= 0 {
		attempts = queue.DefaultAttempts
	}

	now := time.Now()
	job := &queue.Job{
		ID:          uuid.NewString(),
		Topic:       topic,
		Payload:     payload,
		Attempt:     attempt,
		MaxAttempts: attempts,
		Priority:    o.Priority,
		EnqueuedAt:  now,
	}

	t := q.topic(topic)
	t.pushLocked(job, now.Add(o.Delay), now)
	q.notify(t)

	queue.RecordEnqueue(topic, int64(len(t.ready)+len(t.delayed)), q.oldestLocked(t, now))
	return nil
}

// pushLocked routes a job to the ready or delayed heap. Caller holds mu.
func (t *topicState) pushLocked(job *queue.Job, readyAt, now time.Time) {
	t.seq++
	qj := &queuedJob{job: job, readyAt: readyAt, seq: t.seq}
	if readyAt.After(now) {
		heap.Push(&t.delayed, qj)
		return
	}
	heap.Push(&t.ready, qj)
}

// promoteLocked moves every delayed job whose ready time has passed onto
// the ready heap. Caller holds mu.
func (t *topicState) promoteLocked(now time.Time) {
	for len(t.delayed) > 0 && !t.delayed.peek().readyAt.After(now) {
		heap.Push(&t.ready, heap.Pop(&t.delayed).(*queuedJob))
	}
}

// requeue puts a failed job back with a backoff delay, preserving its
// attempt counter and original enqueue time.
func (q *Driver) requeue(job *queue.Job, delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	t := q.topic(job.Topic)
	now := time.Now()
	t.pushLocked(job, now.Add(delay), now)
	q.notify(t)
}

func (q *Driver) notify(t *topicState) {
	select {
	case t.signal <- struct{}{}:
	default:
	}
}

// Subscribe starts concurrency workers for the topic.
func (q *Driver) Subscribe(topic string, concurrency int, handler queue.Handler) error {
	if concurrency < 1 {
		concurrency = 1
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return fmt.Errorf("queue is closed")
	}
	q.topic(topic) // materialise state before workers race to it
	q.mu.Unlock()

	for i := 0; i < concurrency; i++ {
		q.wg.Add(1)
		go q.worker(topic, handler)
	}
	return nil
}

func (q *Driver) worker(topic string, handler queue.Handler) {
	defer q.wg.Done()
	for {
		job, ok := q.claim(topic)
		if !ok {
			return
		}
		q.handle(job, handler)
	}
}

// claim blocks until a job is ready or the queue closes.
func (q *Driver) claim(topic string) (*queue.Job, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}

		t := q.topic(topic)
		now := time.Now()
		t.promoteLocked(now)

		if len(t.ready) > 0 {
			qj := heap.Pop(&t.ready).(*queuedJob)
			qj.job.Attempt++
			t.active++
			queue.RecordStart(topic, int64(len(t.ready)))
			q.mu.Unlock()
			return qj.job, true
		}

		var wait time.Duration
		if len(t.delayed) > 0 {
			wait = t.delayed.peek().readyAt.Sub(now)
		}
		signal := t.signal
		q.mu.Unlock()

		if wait <= 0 {
			// Empty topic: wait for an enqueue or shutdown.
			select {
			case <-q.ctx.Done():
				return nil, false
			case <-signal:
			}
			continue
		}
		select {
		case <-q.ctx.Done():
			return nil, false
		case <-signal:
		case <-time.After(wait):
		}
	}
}

func (q *Driver) handle(job *queue.Job, handler queue.Handler) {
	ctx, cancel := context.WithTimeout(q.ctx, q.jobTimeout)
	err := handler(ctx, job)
	cancel()

	q.mu.Lock()
	t := q.topic(job.Topic)
	t.active--
	if err == nil {
		t.completed++
		q.mu.Unlock()
		queue.RecordSuccess(job.Topic)
		return
	}

	t.failed++
	job.LastError = err.Error()
	exhausted := job.Attempt >= job.MaxAttempts
	if exhausted {
		now := time.Now()
		job.FailedAt = &now
		t.dlq.push(job)
	}
	q.mu.Unlock()

	queue.RecordFailure(job.Topic, exhausted)
	if !exhausted {
		q.requeue(job, queue.RetryDelay(job.Attempt))
	}
}

// Counts reports the topic's census.
func (q *Driver) Counts(ctx context.Context, topic string) (queue.Counts, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t := q.topic(topic)
	t.promoteLocked(time.Now())
	return queue.Counts{
		Waiting:   int64(len(t.ready)),
		Active:    t.active,
		Completed: t.completed,
		Failed:    t.failed,
		Delayed:   int64(len(t.delayed)),
	}, nil
}

// OldestAge returns the age of the oldest waiting job.
func (q *Driver) OldestAge(ctx context.Context, topic string) (time.Duration, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.oldestLocked(q.topic(topic), time.Now()), nil
}

func (q *Driver) oldestLocked(t *topicState, now time.Time) time.Duration {
	t.promoteLocked(now)
	var oldest time.Duration
	for _, qj := range t.ready {
		if age := now.Sub(qj.job.EnqueuedAt); age > oldest {
			oldest = age
		}
	}
	return oldest
}

// ListDLQ returns up to limit dead-lettered jobs, oldest first.
func (q *Driver) ListDLQ(ctx context.Context, topic string, limit int) ([]*queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.topic(topic).dlq.list(limit), nil
}

// RehydrateDLQ re-enqueues up to limit DLQ jobs with a fresh attempt
// counter.
func (q *Driver) RehydrateDLQ(ctx context.Context, topic string, limit int) (int, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0, fmt.Errorf("queue is closed")
	}
	t := q.topic(topic)
	jobs := t.dlq.drain(limit)
	q.mu.Unlock()

	for _, job := range jobs {
		job.Attempt = 0
		job.FailedAt = nil
		job.LastError = ""
		q.requeue(job, 0)
	}
	return len(jobs), nil
}

// Close stops all workers and rejects further enqueues.
func (q *Driver) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
	return nil
}
