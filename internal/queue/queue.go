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

// Package queue provides the topic-addressed job queue with retries,
// dead-lettering, and backpressure probing. Two drivers implement the
// interface: an in-memory scheduler for tests and single-box mode, and
// a Redis-backed broker for production.
package queue

import (
	"context"
	"time"
)

// Job is one queued unit of work.
type Job struct {
	ID      string         `json:"id"`
	Topic   string         `json:"topic"`
	Payload map[string]any `json:"payload"`

	// Attempt counts deliveries, starting at 1 on first handling.
	Attempt int `json:"attempt"`

	// MaxAttempts is the retry budget before dead-lettering.
	MaxAttempts int `json:"max_attempts"`

	// Priority orders ready jobs; higher runs first.
	Priority int `json:"priority,omitempty"`

	// EnqueuedAt is when the job first entered the topic.
	EnqueuedAt time.Time `json:"enqueued_at"`

	// FailedAt and LastError are set when the job lands in the DLQ.
	FailedAt  *time.Time `json:"failed_at,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

// Options tune a single enqueue.
type Options struct {
	// Delay postpones the job's first delivery.
	Delay time.Duration

	// Priority orders ready jobs; higher runs first.
	Priority int

	// Attempts overrides the retry budget (default DefaultAttempts).
	Attempts int
}

// Handler processes one job delivery. A non-nil error triggers the
// retry policy; exhausting the budget moves the job to the DLQ.
type Handler func(ctx context.Context, job *Job) error

// Counts is a point-in-time census of one topic.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Paused    int64 `json:"paused"`
}

// Queue is the driver interface.
type Queue interface {
	// Enqueue adds a job to the topic. opts may be nil.
	Enqueue(ctx context.Context, topic string, payload map[string]any, opts *Options) error

	// Subscribe starts long-running workers for the topic. It returns
	// once the workers are installed; they stop when the queue closes.
	Subscribe(topic string, concurrency int, handler Handler) error

	// Counts reports the topic's census.
	Counts(ctx context.Context, topic string) (Counts, error)

	// OldestAge returns the age of the oldest waiting job, or zero
	// when the topic is empty. Producers use this for backpressure.
	OldestAge(ctx context.Context, topic string) (time.Duration, error)

	// ListDLQ returns up to limit dead-lettered jobs, oldest first.
	ListDLQ(ctx context.Context, topic string, limit int) ([]*Job, error)

	// RehydrateDLQ re-enqueues up to limit DLQ jobs onto the live
	// topic with a fresh attempt counter, returning how many moved.
	RehydrateDLQ(ctx context.Context, topic string, limit int) (int, error)

	// Close stops workers and releases broker connections.
	Close() error
}

// DLQTopic returns the dead-letter companion of a topic.
func DLQTopic(topic string) string {
	return topic + ".dlq"
}
