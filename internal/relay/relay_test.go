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

package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nofx/nofx/internal/queue"
	"github.com/nofx/nofx/internal/store"
	"github.com/nofx/nofx/internal/store/fs"
)

type captured struct {
	topic   string
	payload map[string]any
}

// stubQueue records enqueues and can be told to fail.
type stubQueue struct {
	mu   sync.Mutex
	jobs []captured
	fail bool
}

func (s *stubQueue) Enqueue(ctx context.Context, topic string, payload map[string]any, opts *queue.Options) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("queue unavailable")
	}
	s.jobs = append(s.jobs, captured{topic: topic, payload: payload})
	return nil
}

func (s *stubQueue) Subscribe(topic string, concurrency int, handler queue.Handler) error {
	return nil
}

func (s *stubQueue) Counts(ctx context.Context, topic string) (queue.Counts, error) {
	return queue.Counts{}, nil
}

func (s *stubQueue) OldestAge(ctx context.Context, topic string) (time.Duration, error) {
	return 0, nil
}

func (s *stubQueue) ListDLQ(ctx context.Context, topic string, limit int) ([]*queue.Job, error) {
	return nil, nil
}

func (s *stubQueue) RehydrateDLQ(ctx context.Context, topic string, limit int) (int, error) {
	return 0, nil
}

func (s *stubQueue) Close() error { return nil }

func (s *stubQueue) captured() []captured {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]captured, len(s.jobs))
	copy(out, s.jobs)
	return out
}

func newStore(t *testing.T) *fs.Driver {
	t.Helper()
	d, err := fs.New(t.TempDir())
	require.NoError(t, err)
	return d
}

func TestFlushRelaysEventRows(t *testing.T) {
	st := newStore(t)
	q := &stubQueue{}
	r := New(st, q, nil, Disabled())

	ctx := context.Background()
	require.NoError(t, st.OutboxAdd(ctx, store.TopicOutbox, map[string]any{
		"runId": "r1", "type": "run.created",
	}))
	require.NoError(t, st.OutboxAdd(ctx, store.TopicOutbox, map[string]any{
		"runId": "r1", "type": "step.started", "stepId": "s1",
	}))

	sent, err := r.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sent)

	jobs := q.captured()
	require.Len(t, jobs, 2)
	assert.Equal(t, store.TopicOutbox, jobs[0].topic)
	assert.Equal(t, "run.created", jobs[0].payload["type"])
	assert.Equal(t, "step.started", jobs[1].payload["type"])

	// All rows marked sent; nothing left to relay.
	rows, err := st.OutboxListUnsent(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestFlushAddsAttemptMarkerForWorkTopics(t *testing.T) {
	st := newStore(t)
	q := &stubQueue{}
	r := New(st, q, nil, Disabled())

	ctx := context.Background()
	require.NoError(t, st.OutboxAdd(ctx, store.TopicStepReady, map[string]any{
		"runId": "r1", "stepId": "s1",
	}))

	sent, err := r.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sent)

	jobs := q.captured()
	require.Len(t, jobs, 1)
	assert.Equal(t, store.TopicStepReady, jobs[0].topic)
	assert.Equal(t, 1, jobs[0].payload["__attempt"])
	assert.Equal(t, "s1", jobs[0].payload["stepId"])
}

func TestMalformedEventRowSkippedNotMarked(t *testing.T) {
	st := newStore(t)
	q := &stubQueue{}
	r := New(st, q, nil, Disabled())

	ctx := context.Background()
	require.NoError(t, st.OutboxAdd(ctx, store.TopicOutbox, map[string]any{
		"type": "run.created", // missing runId
	}))

	sent, err := r.Flush(ctx)
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Empty(t, q.captured())

	// Row stays unsent for operator inspection.
	rows, err := st.OutboxListUnsent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestEnqueueFailureLeavesRowUnsent(t *testing.T) {
	st := newStore(t)
	q := &stubQueue{fail: true}
	r := New(st, q, nil, Disabled())

	ctx := context.Background()
	require.NoError(t, st.OutboxAdd(ctx, store.TopicOutbox, map[string]any{
		"runId": "r1", "type": "run.created",
	}))

	sent, err := r.Flush(ctx)
	require.NoError(t, err)
	assert.Zero(t, sent)

	rows, err := st.OutboxListUnsent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	// Once the queue recovers, the same row relays.
	q.fail = false
	sent, err = r.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
}

func TestRunFlushesOnShutdown(t *testing.T) {
	st := newStore(t)
	q := &stubQueue{}
	r := New(st, q, nil, WithInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, st.OutboxAdd(ctx, store.TopicOutbox, map[string]any{
		"runId": "r1", "type": "run.created",
	}))

	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not stop")
	}
	assert.Len(t, q.captured(), 1)
}

func TestOrderPreserved(t *testing.T) {
	st := newStore(t)
	q := &stubQueue{}
	r := New(st, q, nil, Disabled(), WithBatch(2))

	ctx := context.Background()
	types := []string{"run.created", "step.started", "step.succeeded", "run.succeeded"}
	for _, typ := range types {
		require.NoError(t, st.OutboxAdd(ctx, store.TopicOutbox, map[string]any{
			"runId": "r1", "type": typ,
		}))
	}

	sent, err := r.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(types), sent)

	jobs := q.captured()
	require.Len(t, jobs, len(types))
	for i, typ := range types {
		assert.Equal(t, typ, jobs[i].payload["type"])
	}
}
