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
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nofx/nofx/internal/queue"
)

func TestEnqueueDeliver(t *testing.T) {
	q := New()
	defer q.Close()

	got := make(chan map[string]any, 1)
	require.NoError(t, q.Subscribe("work", 1, func(ctx context.Context, job *queue.Job) error {
		got <- job.Payload
		return nil
	}))
	require.NoError(t, q.Enqueue(context.Background(), "work", map[string]any{"runId": "r1"}, nil))

	select {
	case payload := <-got:
		assert.Equal(t, "r1", payload["runId"])
	case <-time.After(2 * time.Second):
		t.Fatal("job was not delivered")
	}
}

func TestPriorityOrdering(t *testing.T) {
	q := New()
	defer q.Close()

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, "work", map[string]any{"n": "low"}, &Options{Priority: 0}))
	require.NoError(t, q.Enqueue(ctx, "work", map[string]any{"n": "high"}, &Options{Priority: 10}))
	require.NoError(t, q.Enqueue(ctx, "work", map[string]any{"n": "mid"}, &Options{Priority: 5}))

	order := make(chan string, 3)
	require.NoError(t, q.Subscribe("work", 1, func(ctx context.Context, job *queue.Job) error {
		order <- job.Payload["n"].(string)
		return nil
	}))

	want := []string{"high", "mid", "low"}
	for _, expected := range want {
		select {
		case n := <-order:
			assert.Equal(t, expected, n)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for jobs")
		}
	}
}

func TestDelayedJobWaits(t *testing.T) {
	q := New()
	defer q.Close()

	delivered := make(chan time.Time, 1)
	require.NoError(t, q.Subscribe("work", 1, func(ctx context.Context, job *queue.Job) error {
		delivered <- time.Now()
		return nil
	}))

	start := time.Now()
	require.NoError(t, q.Enqueue(context.Background(), "work", nil, &Options{Delay: 100 * time.Millisecond}))

	select {
	case at := <-delivered:
		assert.GreaterOrEqual(t, at.Sub(start), 100*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("delayed job never delivered")
	}
}

func TestExhaustionDeadLetters(t *testing.T) {
	q := New()
	defer q.Close()

	done := make(chan struct{}, 1)
	require.NoError(t, q.Subscribe("work", 1, func(ctx context.Context, job *queue.Job) error {
		done <- struct{}{}
		return errors.New("boom")
	}))
	require.NoError(t, q.Enqueue(context.Background(), "work", map[string]any{"runId": "r1"}, &Options{Attempts: 1}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job never attempted")
	}

	// DLQ push happens after the handler returns; poll briefly.
	var jobs []*queue.Job
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var err error
		jobs, err = q.ListDLQ(context.Background(), "work", 10)
		require.NoError(t, err)
		if len(jobs) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Len(t, jobs, 1)
	assert.Equal(t, "boom", jobs[0].LastError)
	assert.NotNil(t, jobs[0].FailedAt)
	assert.Equal(t, 1, jobs[0].Attempt)
}

func TestRehydrateDLQ(t *testing.T) {
	q := New()
	defer q.Close()

	var mu sync.Mutex
	attempts := 0
	redelivered := make(chan *queue.Job, 1)
	require.NoError(t, q.Subscribe("work", 1, func(ctx context.Context, job *queue.Job) error {
		mu.Lock()
		attempts++
		first := attempts == 1
		mu.Unlock()
		if first {
			return errors.New("boom")
		}
		redelivered <- job
		return nil
	}))
	require.NoError(t, q.Enqueue(context.Background(), "work", map[string]any{"runId": "r1"}, &Options{Attempts: 1}))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		jobs, err := q.ListDLQ(context.Background(), "work", 1)
		require.NoError(t, err)
		if len(jobs) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	n, err := q.RehydrateDLQ(context.Background(), "work", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	select {
	case job := <-redelivered:
		assert.Equal(t, "r1", job.Payload["runId"])
		assert.Equal(t, 1, job.Attempt)
		assert.Empty(t, job.LastError)
	case <-time.After(2 * time.Second):
		t.Fatal("rehydrated job never redelivered")
	}

	jobs, err := q.ListDLQ(context.Background(), "work", 10)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestCounts(t *testing.T) {
	q := New()
	defer q.Close()

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, "work", nil, nil))
	require.NoError(t, q.Enqueue(ctx, "work", nil, &Options{Delay: time.Hour}))

	counts, err := q.Counts(ctx, "work")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Waiting)
	assert.Equal(t, int64(1), counts.Delayed)
	assert.Equal(t, int64(0), counts.Active)
}

func TestOldestAge(t *testing.T) {
	q := New()
	defer q.Close()

	ctx := context.Background()
	age, err := q.OldestAge(ctx, "work")
	require.NoError(t, err)
	assert.Zero(t, age)

	require.NoError(t, q.Enqueue(ctx, "work", nil, nil))
	time.Sleep(20 * time.Millisecond)

	age, err = q.OldestAge(ctx, "work")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, age, 20*time.Millisecond)
}

func TestCloseStopsWorkers(t *testing.T) {
	q := New()
	require.NoError(t, q.Subscribe("work", 2, func(ctx context.Context, job *queue.Job) error {
		return nil
	}))
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	err := q.Enqueue(context.Background(), "work", nil, nil)
	assert.Error(t, err)
}

func TestConcurrentWorkersDrain(t *testing.T) {
	q := New()
	defer q.Close()

	const total = 50
	var mu sync.Mutex
	seen := make(map[string]bool)
	done := make(chan struct{})
	require.NoError(t, q.Subscribe("work", 4, func(ctx context.Context, job *queue.Job) error {
		mu.Lock()
		seen[job.Payload["id"].(string)] = true
		if len(seen) == total {
			close(done)
		}
		mu.Unlock()
		return nil
	}))

	for i := 0; i < total; i++ {
		require.NoError(t, q.Enqueue(context.Background(), "work", map[string]any{"id": strconv.Itoa(i)}, nil))
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		mu.Lock()
		defer mu.Unlock()
		t.Fatalf("only %d of %d jobs delivered", len(seen), total)
	}
}
