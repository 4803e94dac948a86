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

package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nofx/nofx/internal/store"
	nofxerrors "github.com/nofx/nofx/pkg/errors"
)

func newDriver(t *testing.T) *Driver {
	t.Helper()
	d, err := New(Config{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestRunCRUD(t *testing.T) {
	d := newDriver(t)
	ctx := context.Background()

	run := &store.Run{Title: "migrate db", ProjectID: "proj-1", Plan: map[string]any{"goal": "ship"}}
	require.NoError(t, d.CreateRun(ctx, run))
	require.NotEmpty(t, run.ID)

	got, err := d.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "migrate db", got.Title)
	assert.Equal(t, "proj-1", got.ProjectID)
	assert.Equal(t, "ship", got.Plan["goal"])

	got.Status = store.RunStatusSucceeded
	require.NoError(t, d.UpdateRun(ctx, got))
	got, err = d.GetRun(ctx, got.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusSucceeded, got.Status)

	_, err = d.GetRun(ctx, "missing")
	var notFound *nofxerrors.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestListRunsFilters(t *testing.T) {
	d := newDriver(t)
	ctx := context.Background()

	require.NoError(t, d.CreateRun(ctx, &store.Run{ProjectID: "a", Status: store.RunStatusQueued}))
	require.NoError(t, d.CreateRun(ctx, &store.Run{ProjectID: "a", Status: store.RunStatusFailed}))
	require.NoError(t, d.CreateRun(ctx, &store.Run{ProjectID: "b", Status: store.RunStatusQueued}))

	all, err := d.ListRuns(ctx, store.RunFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	projA, err := d.ListRuns(ctx, store.RunFilter{ProjectID: "a"})
	require.NoError(t, err)
	assert.Len(t, projA, 2)

	failed, err := d.ListRuns(ctx, store.RunFilter{Status: store.RunStatusFailed})
	require.NoError(t, err)
	assert.Len(t, failed, 1)
}

func TestDeleteRunCascades(t *testing.T) {
	d := newDriver(t)
	ctx := context.Background()

	run := &store.Run{}
	require.NoError(t, d.CreateRun(ctx, run))
	step := &store.Step{RunID: run.ID, Name: "build", Tool: "echo"}
	require.NoError(t, d.CreateStep(ctx, step))
	_, err := d.RecordEvent(ctx, run.ID, store.EventRunStarted, nil, "")
	require.NoError(t, err)

	require.NoError(t, d.DeleteRun(ctx, run.ID))

	_, err = d.GetStep(ctx, step.ID)
	var notFound *nofxerrors.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestStepStatusRoundTrip(t *testing.T) {
	d := newDriver(t)
	ctx := context.Background()

	run := &store.Run{}
	require.NoError(t, d.CreateRun(ctx, run))

	step := &store.Step{
		RunID:  run.ID,
		Name:   "transform",
		Tool:   "transform",
		Inputs: map[string]any{"query": ".x"},
	}
	require.NoError(t, d.CreateStep(ctx, step))

	step.Status = store.StepStatusRunning
	step.Outputs = map[string]any{"value": float64(3)}
	require.NoError(t, d.UpdateStep(ctx, step))

	got, err := d.GetStep(ctx, step.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StepStatusRunning, got.Status)
	assert.Equal(t, map[string]any{"value": float64(3)}, got.Outputs)
	assert.Equal(t, map[string]any{"query": ".x"}, got.Inputs)

	remaining, err := d.CountRemainingSteps(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)
}

func TestRecordEventWritesOutboxInSameTransaction(t *testing.T) {
	d := newDriver(t)
	ctx := context.Background()

	run := &store.Run{}
	require.NoError(t, d.CreateRun(ctx, run))

	_, err := d.RecordEvent(ctx, run.ID, store.EventStepSucceeded, map[string]any{"ok": true}, "step-1")
	require.NoError(t, err)

	rows, err := d.OutboxListUnsent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, store.TopicOutbox, rows[0].Topic)
	assert.Equal(t, run.ID, rows[0].Payload["runId"])
	assert.Equal(t, "step-1", rows[0].Payload["stepId"])
}

func TestWithTransactionRollsBack(t *testing.T) {
	d := newDriver(t)
	ctx := context.Background()

	sentinel := errors.New("abort")
	err := d.WithTransaction(ctx, func(ctx context.Context) error {
		if err := d.CreateRun(ctx, &store.Run{ID: "tx-run"}); err != nil {
			return err
		}
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	_, err = d.GetRun(ctx, "tx-run")
	var notFound *nofxerrors.NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestWithTransactionNestedJoins(t *testing.T) {
	d := newDriver(t)
	ctx := context.Background()

	err := d.WithTransaction(ctx, func(ctx context.Context) error {
		return d.WithTransaction(ctx, func(ctx context.Context) error {
			return d.CreateRun(ctx, &store.Run{ID: "nested"})
		})
	})
	require.NoError(t, err)

	_, err = d.GetRun(ctx, "nested")
	require.NoError(t, err)
}

func TestInboxDuplicateDetection(t *testing.T) {
	d := newDriver(t)
	ctx := context.Background()

	first, err := d.InboxMarkIfNew(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, first)

	dup, err := d.InboxMarkIfNew(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, dup)

	require.NoError(t, d.InboxDelete(ctx, "abc"))
	fresh, err := d.InboxMarkIfNew(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestOutboxMarkSentTwiceFails(t *testing.T) {
	d := newDriver(t)
	ctx := context.Background()

	require.NoError(t, d.OutboxAdd(ctx, store.TopicStepReady, map[string]any{"runId": "r"}))
	rows, err := d.OutboxListUnsent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	require.NoError(t, d.OutboxMarkSent(ctx, rows[0].ID))
	require.Error(t, d.OutboxMarkSent(ctx, rows[0].ID))
}

func TestGatesUniquePerType(t *testing.T) {
	d := newDriver(t)
	ctx := context.Background()

	run := &store.Run{}
	require.NoError(t, d.CreateRun(ctx, run))

	gate, err := d.CreateOrGetGate(ctx, run.ID, "expr")
	require.NoError(t, err)
	again, err := d.CreateOrGetGate(ctx, run.ID, "expr")
	require.NoError(t, err)
	assert.Equal(t, gate.ID, again.ID)

	other, err := d.CreateOrGetGate(ctx, run.ID, "manual")
	require.NoError(t, err)
	assert.NotEqual(t, gate.ID, other.ID)
}

func TestArtifactRoundTrip(t *testing.T) {
	d := newDriver(t)
	ctx := context.Background()

	run := &store.Run{}
	require.NoError(t, d.CreateRun(ctx, run))

	art := &store.Artifact{
		RunID: run.ID, StepID: "s1",
		Name: "out.bin", Kind: "blob",
		Path: "artifacts/r/s1/out.bin", Data: []byte{1, 2, 3},
	}
	require.NoError(t, d.AddArtifact(ctx, art))

	arts, err := d.ListArtifacts(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, arts, 1)
	assert.Equal(t, []byte{1, 2, 3}, arts[0].Data)
	assert.Equal(t, "artifacts/r/s1/out.bin", arts[0].Path)
}
