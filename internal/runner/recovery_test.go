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

package runner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nofx/nofx/internal/queue"
	"github.com/nofx/nofx/internal/store"
	nofxerrors "github.com/nofx/nofx/pkg/errors"
)

// recordingQueue captures enqueues without delivering them.
type recordingQueue struct {
	mu   sync.Mutex
	jobs []*queue.Job
}

func (r *recordingQueue) Enqueue(ctx context.Context, topic string, payload map[string]any, opts *queue.Options) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, &queue.Job{Topic: topic, Payload: payload})
	return nil
}

func (r *recordingQueue) Subscribe(string, int, queue.Handler) error { return nil }
func (r *recordingQueue) Counts(context.Context, string) (queue.Counts, error) {
	return queue.Counts{}, nil
}
func (r *recordingQueue) OldestAge(context.Context, string) (time.Duration, error) { return 0, nil }
func (r *recordingQueue) ListDLQ(context.Context, string, int) ([]*queue.Job, error) {
	return nil, nil
}
func (r *recordingQueue) RehydrateDLQ(context.Context, string, int) (int, error) { return 0, nil }
func (r *recordingQueue) Close() error                                           { return nil }

func (r *recordingQueue) captured() []*queue.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*queue.Job, len(r.jobs))
	copy(out, r.jobs)
	return out
}

func TestRetryStepRequeuesFailedStep(t *testing.T) {
	r, st := newHarness(t)
	run, step := seedRunStep(t, st, "fail", map[string]any{"x": 1.0})

	ctx := context.Background()
	require.Error(t, r.RunStep(ctx, run.ID, step.ID))

	q := &recordingQueue{}
	rec := NewRecovery(st, q, nil)
	require.NoError(t, rec.RetryStep(ctx, run.ID, step.ID))

	got, err := st.GetStep(ctx, step.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StepStatusQueued, got.Status)
	assert.Nil(t, got.EndedAt)
	assert.Empty(t, got.Outputs)

	types := eventTypes(t, st, run.ID)
	assert.Contains(t, types, store.EventStepRetry)
	assert.Contains(t, types, store.EventRunResumed)

	jobs := q.captured()
	require.Len(t, jobs, 1)
	assert.Equal(t, store.TopicStepReady, jobs[0].Topic)
	assert.Equal(t, run.ID, jobs[0].Payload["runId"])
	assert.Equal(t, step.ID, jobs[0].Payload["stepId"])
	assert.Equal(t, 2, jobs[0].Payload["__attempt"])
}

func TestRetryStepAttemptCounterGrows(t *testing.T) {
	r, st := newHarness(t)
	run, step := seedRunStep(t, st, "fail", nil)

	ctx := context.Background()
	q := &recordingQueue{}
	rec := NewRecovery(st, q, nil)

	require.Error(t, r.RunStep(ctx, run.ID, step.ID))
	require.NoError(t, rec.RetryStep(ctx, run.ID, step.ID))
	require.Error(t, r.RunStep(ctx, run.ID, step.ID))
	require.NoError(t, rec.RetryStep(ctx, run.ID, step.ID))

	jobs := q.captured()
	require.Len(t, jobs, 2)
	assert.Equal(t, 2, jobs[0].Payload["__attempt"])
	assert.Equal(t, 3, jobs[1].Payload["__attempt"])
}

func TestRetryStepWrongRun(t *testing.T) {
	r, st := newHarness(t)
	run, step := seedRunStep(t, st, "fail", nil)
	other, _ := seedRunStep(t, st, "echo", nil)

	ctx := context.Background()
	require.Error(t, r.RunStep(ctx, run.ID, step.ID))

	rec := NewRecovery(st, &recordingQueue{}, nil)
	err := rec.RetryStep(ctx, other.ID, step.ID)

	var notFound *nofxerrors.NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "step", notFound.Resource)
}

func TestRetryStepNotRetryable(t *testing.T) {
	r, st := newHarness(t)
	run, step := seedRunStep(t, st, "echo", nil)

	ctx := context.Background()
	require.NoError(t, r.RunStep(ctx, run.ID, step.ID))

	rec := NewRecovery(st, &recordingQueue{}, nil)
	err := rec.RetryStep(ctx, run.ID, step.ID)

	var notRetryable *nofxerrors.NotRetryableError
	require.ErrorAs(t, err, &notRetryable)
	assert.Equal(t, string(store.StepStatusSucceeded), notRetryable.State)
}

func TestResumeRunRetriesAllFailures(t *testing.T) {
	r, st := newHarness(t)
	run, first := seedRunStep(t, st, "fail", map[string]any{"n": 1.0})

	ctx := context.Background()
	second := &store.Step{
		RunID:  run.ID,
		Name:   "second",
		Tool:   "fail",
		Inputs: map[string]any{"n": 2.0},
		Status: store.StepStatusQueued,
	}
	require.NoError(t, st.CreateStep(ctx, second))

	require.Error(t, r.RunStep(ctx, run.ID, first.ID))
	require.Error(t, r.RunStep(ctx, run.ID, second.ID))

	gotRun, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, store.RunStatusFailed, gotRun.Status)

	q := &recordingQueue{}
	rec := NewRecovery(st, q, nil)
	retried, err := rec.ResumeRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, retried)

	gotRun, err = st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusRunning, gotRun.Status)
	assert.Nil(t, gotRun.EndedAt)
	assert.Len(t, q.captured(), 2)
}

func TestWorkerDeduplicatesDeliveries(t *testing.T) {
	r, st := newHarness(t)
	run, step := seedRunStep(t, st, "echo", map[string]any{"message": "hi"})

	ctx := context.Background()
	w := NewWorker(r, &recordingQueue{}, nil)

	key, err := store.NaturalKey(run.ID, step.Name, step.Inputs)
	require.NoError(t, err)
	fresh, err := st.InboxMarkIfNew(ctx, key)
	require.NoError(t, err)
	require.True(t, fresh)

	// The key is taken, so this delivery is acknowledged untouched.
	job := &queue.Job{Topic: store.TopicStepReady, Payload: map[string]any{
		"runId": run.ID, "stepId": step.ID,
	}}
	require.NoError(t, w.Handle(ctx, job))

	got, err := st.GetStep(ctx, step.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StepStatusQueued, got.Status)
}

func TestWorkerProcessesAndClearsInbox(t *testing.T) {
	r, st := newHarness(t)
	run, step := seedRunStep(t, st, "echo", map[string]any{"message": "hi"})

	ctx := context.Background()
	w := NewWorker(r, &recordingQueue{}, nil)

	job := &queue.Job{Topic: store.TopicStepReady, Payload: map[string]any{
		"runId": run.ID, "stepId": step.ID,
	}}
	require.NoError(t, w.Handle(ctx, job))

	got, err := st.GetStep(ctx, step.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StepStatusSucceeded, got.Status)

	// Inbox entry was cleared, so the same key is free again.
	key, err := store.NaturalKey(run.ID, step.Name, step.Inputs)
	require.NoError(t, err)
	fresh, err := st.InboxMarkIfNew(ctx, key)
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestWorkerAcksMalformedJob(t *testing.T) {
	r, _ := newHarness(t)
	w := NewWorker(r, &recordingQueue{}, nil)

	job := &queue.Job{Topic: store.TopicStepReady, Payload: map[string]any{"runId": "only"}}
	assert.NoError(t, w.Handle(context.Background(), job))
}

func TestWorkerExplicitIdempotencyKey(t *testing.T) {
	r, st := newHarness(t)
	run, step := seedRunStep(t, st, "echo", nil)

	ctx := context.Background()
	w := NewWorker(r, &recordingQueue{}, nil)

	fresh, err := st.InboxMarkIfNew(ctx, "explicit-key")
	require.NoError(t, err)
	require.True(t, fresh)

	job := &queue.Job{Topic: store.TopicStepReady, Payload: map[string]any{
		"runId": run.ID, "stepId": step.ID, "idempotencyKey": "explicit-key",
	}}
	require.NoError(t, w.Handle(ctx, job))

	got, err := st.GetStep(ctx, step.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StepStatusQueued, got.Status)
}
