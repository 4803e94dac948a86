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
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nofx/nofx/internal/plan"
	"github.com/nofx/nofx/internal/queue"
	"github.com/nofx/nofx/internal/queue/memory"
	"github.com/nofx/nofx/internal/store"
	"github.com/nofx/nofx/internal/store/fs"
	"github.com/nofx/nofx/internal/tool"
)

// flaky fails a fixed number of times, then succeeds.
type flaky struct {
	failures int32
}

func (f *flaky) Run(ctx context.Context, step *store.Step, rc *tool.RunContext) (*tool.Result, error) {
	if atomic.AddInt32(&f.failures, -1) >= 0 {
		return nil, errors.New("boom")
	}
	return &tool.Result{Outputs: map[string]any{"recovered": true}}, nil
}

func waitForRun(t *testing.T, st store.Store, runID string, want store.RunStatus, timeout time.Duration) *store.Run {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		run, err := st.GetRun(context.Background(), runID)
		require.NoError(t, err)
		if run.Status == want {
			return run
		}
		time.Sleep(20 * time.Millisecond)
	}
	run, _ := st.GetRun(context.Background(), runID)
	t.Fatalf("run %s never reached %s (currently %s)", runID, want, run.Status)
	return nil
}

func TestPipelineHappyPath(t *testing.T) {
	st, err := fs.New(t.TempDir())
	require.NoError(t, err)
	defer st.Close()

	q := memory.New()
	defer q.Close()

	r := New(st, tool.Builtins(), nil)
	w := NewWorker(r, q, nil)
	require.NoError(t, w.Start(1))

	p, err := plan.Parse([]byte(`{
		"goal": "hello",
		"steps": [{"name": "s1", "tool": "echo", "inputs": {"text": "hi"}}]
	}`))
	require.NoError(t, err)

	ctx := context.Background()
	run, err := plan.NewMaterializer(st, q, nil).Submit(ctx, p, "")
	require.NoError(t, err)

	waitForRun(t, st, run.ID, store.RunStatusSucceeded, 5*time.Second)

	steps, err := st.ListSteps(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, store.StepStatusSucceeded, steps[0].Status)
	assert.Equal(t, "hi", steps[0].Outputs["text"])

	assert.Equal(t, []string{
		store.EventRunCreated,
		store.EventRunStarted,
		store.EventStepStarted,
		store.EventStepSucceeded,
		store.EventRunSucceeded,
	}, eventTypes(t, st, run.ID))
}

func TestPipelineDLQAndRehydrate(t *testing.T) {
	st, err := fs.New(t.TempDir())
	require.NoError(t, err)
	defer st.Close()

	q := memory.New()
	defer q.Close()

	registry := tool.Builtins()
	registry.Register("flaky", &flaky{failures: 1})

	r := New(st, registry, nil)
	w := NewWorker(r, q, nil)
	require.NoError(t, w.Start(1))

	ctx := context.Background()
	run := &store.Run{Status: store.RunStatusQueued, Title: "dlq round trip"}
	require.NoError(t, st.CreateRun(ctx, run))
	step := &store.Step{
		RunID:  run.ID,
		Name:   "main",
		Tool:   "flaky",
		Status: store.StepStatusQueued,
	}
	require.NoError(t, st.CreateStep(ctx, step))

	// A single attempt sends the first failure straight to the DLQ.
	require.NoError(t, q.Enqueue(ctx, store.TopicStepReady, map[string]any{
		"runId": run.ID, "stepId": step.ID, "__attempt": 1,
	}, &queue.Options{Attempts: 1}))

	var dead []*queue.Job
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		dead, err = q.ListDLQ(ctx, store.TopicStepReady, 10)
		require.NoError(t, err)
		if len(dead) == 1 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0].LastError, "boom")

	waitForRun(t, st, run.ID, store.RunStatusFailed, 5*time.Second)

	n, err := q.RehydrateDLQ(ctx, store.TopicStepReady, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	waitForRun(t, st, run.ID, store.RunStatusSucceeded, 5*time.Second)

	// Exactly one success despite the redeliveries.
	succeeded := 0
	for _, typ := range eventTypes(t, st, run.ID) {
		if typ == store.EventStepSucceeded {
			succeeded++
		}
	}
	assert.Equal(t, 1, succeeded)
}
