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

// Package fs provides the filesystem store driver. The on-disk layout
// is a public contract consumed by backup/restore:
//
//	<root>/runs/<runId>/run.json
//	<root>/runs/<runId>/steps/<stepId>.json
//	<root>/runs/<runId>/events/<eventId>.json
//	<root>/runs/<runId>/artifacts/<artifactId>.json
//	<root>/runs/<runId>/gates/<gateId>.json
//	<root>/inbox/<hash-of-key>.json
//	<root>/outbox/<outboxRowId>.json
//
// Every JSON file is written with temp-sibling + fsync + rename so a
// crash never leaves a partial document. IDs are ULIDs, which keeps
// directory listings in insertion order.
package fs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/nofx/nofx/internal/store"
	nofxerrors "github.com/nofx/nofx/pkg/errors"
)

// Compile-time interface assertions.
var (
	_ store.RunStore  = (*Driver)(nil)
	_ store.StepStore = (*Driver)(nil)
	_ store.Inbox     = (*Driver)(nil)
	_ store.Outbox    = (*Driver)(nil)
	_ store.Store     = (*Driver)(nil)
)

// Driver is the filesystem store driver.
type Driver struct {
	root  string
	locks *runLocks
}

// New creates a filesystem driver rooted at root, creating the data
// tree when absent.
func New(root string) (*Driver, error) {
	for _, dir := range []string{
		filepath.Join(root, "runs"),
		filepath.Join(root, "inbox"),
		filepath.Join(root, "outbox"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data tree: %w", err)
		}
	}
	return &Driver{root: root, locks: newRunLocks()}, nil
}

// Root returns the data tree root. Backup stages a copy of it.
func (d *Driver) Root() string { return d.root }

func (d *Driver) runDir(runID string) string {
	return filepath.Join(d.root, "runs", runID)
}

// CreateRun persists a new run, assigning its ID when empty.
func (d *Driver) CreateRun(ctx context.Context, run *store.Run) error {
	if run.ID == "" {
		run.ID = newULID()
	}
	if run.Status == "" {
		run.Status = store.RunStatusQueued
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	dir := d.runDir(run.ID)
	if _, err := os.Stat(filepath.Join(dir, "run.json")); err == nil {
		return &nofxerrors.ConflictError{Resource: "run", Key: run.ID}
	}
	for _, sub := range []string{"steps", "events", "artifacts", "gates"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return fmt.Errorf("failed to create run tree: %w", err)
		}
	}
	return writeJSON(filepath.Join(dir, "run.json"), run)
}

// GetRun retrieves a run by ID.
func (d *Driver) GetRun(ctx context.Context, id string) (*store.Run, error) {
	var run store.Run
	if err := readJSON(filepath.Join(d.runDir(id), "run.json"), &run); err != nil {
		if os.IsNotExist(err) {
			return nil, &nofxerrors.NotFoundError{Resource: "run", ID: id}
		}
		return nil, err
	}
	return &run, nil
}

// UpdateRun updates an existing run.
func (d *Driver) UpdateRun(ctx context.Context, run *store.Run) error {
	path := filepath.Join(d.runDir(run.ID), "run.json")
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return &nofxerrors.NotFoundError{Resource: "run", ID: run.ID}
		}
		return err
	}
	return writeJSON(path, run)
}

// ListRuns lists runs with optional filtering, newest first.
func (d *Driver) ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error) {
	entries, err := os.ReadDir(filepath.Join(d.root, "runs"))
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	var runs []*store.Run
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		run, err := d.GetRun(ctx, entry.Name())
		if err != nil {
			continue // torn run directory, skip
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if filter.ProjectID != "" && run.ProjectID != filter.ProjectID {
			continue
		}
		runs = append(runs, run)
	}

	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })

	if filter.Offset > 0 {
		if filter.Offset >= len(runs) {
			return nil, nil
		}
		runs = runs[filter.Offset:]
	}
	if filter.Limit > 0 && len(runs) > filter.Limit {
		runs = runs[:filter.Limit]
	}
	return runs, nil
}

// DeleteRun removes the run directory and everything under it.
func (d *Driver) DeleteRun(ctx context.Context, id string) error {
	if _, err := os.Stat(d.runDir(id)); err != nil {
		if os.IsNotExist(err) {
			return &nofxerrors.NotFoundError{Resource: "run", ID: id}
		}
		return err
	}
	return os.RemoveAll(d.runDir(id))
}

// CreateStep persists a new step, assigning its ID when empty.
func (d *Driver) CreateStep(ctx context.Context, step *store.Step) error {
	if step.ID == "" {
		step.ID = newULID()
	}
	if step.Status == "" {
		step.Status = store.StepStatusPending
	}
	if step.CreatedAt.IsZero() {
		step.CreatedAt = time.Now().UTC()
	}
	path := filepath.Join(d.runDir(step.RunID), "steps", step.ID+".json")
	if _, err := os.Stat(path); err == nil {
		return &nofxerrors.ConflictError{Resource: "step", Key: step.ID}
	}
	return writeJSON(path, step)
}

// GetStep retrieves a step by ID, scanning run directories.
func (d *Driver) GetStep(ctx context.Context, id string) (*store.Step, error) {
	runs, err := os.ReadDir(filepath.Join(d.root, "runs"))
	if err != nil {
		return nil, fmt.Errorf("failed to scan runs: %w", err)
	}
	for _, entry := range runs {
		path := filepath.Join(d.runDir(entry.Name()), "steps", id+".json")
		var step store.Step
		if err := readJSON(path, &step); err == nil {
			return &step, nil
		}
	}
	return nil, &nofxerrors.NotFoundError{Resource: "step", ID: id}
}

// UpdateStep updates an existing step.
func (d *Driver) UpdateStep(ctx context.Context, step *store.Step) error {
	path := filepath.Join(d.runDir(step.RunID), "steps", step.ID+".json")
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return &nofxerrors.NotFoundError{Resource: "step", ID: step.ID}
		}
		return err
	}
	return writeJSON(path, step)
}

// ListSteps lists a run's steps in creation (ULID) order.
func (d *Driver) ListSteps(ctx context.Context, runID string) ([]*store.Step, error) {
	dir := filepath.Join(d.runDir(runID), "steps")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &nofxerrors.NotFoundError{Resource: "run", ID: runID}
		}
		return nil, err
	}

	steps := make([]*store.Step, 0, len(entries))
	for _, entry := range entries {
		var step store.Step
		if err := readJSON(filepath.Join(dir, entry.Name()), &step); err != nil {
			continue
		}
		steps = append(steps, &step)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].ID < steps[j].ID })
	return steps, nil
}

// CountRemainingSteps counts a run's non-terminal steps.
func (d *Driver) CountRemainingSteps(ctx context.Context, runID string) (int, error) {
	steps, err := d.ListSteps(ctx, runID)
	if err != nil {
		return 0, err
	}
	remaining := 0
	for _, step := range steps {
		if !step.Status.Terminal() {
			remaining++
		}
	}
	return remaining, nil
}

// RecordEvent appends an event file, then performs a best-effort outbox
// append. An outbox failure is swallowed: FS mode is at-most-once for
// downstream effects.
func (d *Driver) RecordEvent(ctx context.Context, runID, eventType string, payload map[string]any, stepID string) (*store.Event, error) {
	event := &store.Event{
		ID:        newULID(),
		RunID:     runID,
		StepID:    stepID,
		Type:      eventType,
		Payload:   store.SanitizePayload(payload),
		CreatedAt: time.Now().UTC(),
	}

	dir := filepath.Join(d.runDir(runID), "events")
	if _, err := os.Stat(d.runDir(runID)); err != nil {
		if os.IsNotExist(err) {
			return nil, &nofxerrors.NotFoundError{Resource: "run", ID: runID}
		}
		return nil, err
	}
	if err := writeJSON(filepath.Join(dir, event.ID+".json"), event); err != nil {
		return nil, err
	}

	outboxPayload := map[string]any{
		"runId": runID,
		"type":  eventType,
	}
	if stepID != "" {
		outboxPayload["stepId"] = stepID
	}
	if event.Payload != nil {
		outboxPayload["payload"] = event.Payload
	}
	_ = d.OutboxAdd(ctx, store.TopicOutbox, outboxPayload)

	return event, nil
}

// ListEvents returns a run's events ordered by (created_at, id).
func (d *Driver) ListEvents(ctx context.Context, runID string) ([]*store.Event, error) {
	dir := filepath.Join(d.runDir(runID), "events")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &nofxerrors.NotFoundError{Resource: "run", ID: runID}
		}
		return nil, err
	}

	events := make([]*store.Event, 0, len(entries))
	for _, entry := range entries {
		var event store.Event
		if err := readJSON(filepath.Join(dir, entry.Name()), &event); err != nil {
			continue
		}
		events = append(events, &event)
	}
	sort.Slice(events, func(i, j int) bool {
		if !events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].CreatedAt.Before(events[j].CreatedAt)
		}
		return events[i].ID < events[j].ID
	})
	return events, nil
}

// CreateOrGetGate returns the run's gate of the given type, creating a
// pending one when absent. Callers inside the runner already hold the
// run lock, which makes the scan-then-create race-free.
func (d *Driver) CreateOrGetGate(ctx context.Context, runID, gateType string) (*store.Gate, error) {
	gates, err := d.ListGates(ctx, runID)
	if err != nil {
		return nil, err
	}
	for _, gate := range gates {
		if gate.GateType == gateType {
			return gate, nil
		}
	}

	now := time.Now().UTC()
	gate := &store.Gate{
		ID:        newULID(),
		RunID:     runID,
		GateType:  gateType,
		Status:    store.GateStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	path := filepath.Join(d.runDir(runID), "gates", gate.ID+".json")
	if err := writeJSON(path, gate); err != nil {
		return nil, err
	}
	return gate, nil
}

// UpdateGate updates an existing gate.
func (d *Driver) UpdateGate(ctx context.Context, gate *store.Gate) error {
	path := filepath.Join(d.runDir(gate.RunID), "gates", gate.ID+".json")
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return &nofxerrors.NotFoundError{Resource: "gate", ID: gate.ID}
		}
		return err
	}
	gate.UpdatedAt = time.Now().UTC()
	return writeJSON(path, gate)
}

// ListGates lists a run's gates.
func (d *Driver) ListGates(ctx context.Context, runID string) ([]*store.Gate, error) {
	dir := filepath.Join(d.runDir(runID), "gates")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &nofxerrors.NotFoundError{Resource: "run", ID: runID}
		}
		return nil, err
	}
	gates := make([]*store.Gate, 0, len(entries))
	for _, entry := range entries {
		var gate store.Gate
		if err := readJSON(filepath.Join(dir, entry.Name()), &gate); err != nil {
			continue
		}
		gates = append(gates, &gate)
	}
	sort.Slice(gates, func(i, j int) bool { return gates[i].ID < gates[j].ID })
	return gates, nil
}

// AddArtifact persists an artifact record.
func (d *Driver) AddArtifact(ctx context.Context, artifact *store.Artifact) error {
	if artifact.ID == "" {
		artifact.ID = newULID()
	}
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now().UTC()
	}
	path := filepath.Join(d.runDir(artifact.RunID), "artifacts", artifact.ID+".json")
	return writeJSON(path, artifact)
}

// ListArtifacts lists a run's artifacts.
func (d *Driver) ListArtifacts(ctx context.Context, runID string) ([]*store.Artifact, error) {
	dir := filepath.Join(d.runDir(runID), "artifacts")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &nofxerrors.NotFoundError{Resource: "run", ID: runID}
		}
		return nil, err
	}
	artifacts := make([]*store.Artifact, 0, len(entries))
	for _, entry := range entries {
		var artifact store.Artifact
		if err := readJSON(filepath.Join(dir, entry.Name()), &artifact); err != nil {
			continue
		}
		artifacts = append(artifacts, &artifact)
	}
	sort.Slice(artifacts, func(i, j int) bool { return artifacts[i].ID < artifacts[j].ID })
	return artifacts, nil
}

// InboxMarkIfNew atomically records the key via O_EXCL file creation.
func (d *Driver) InboxMarkIfNew(ctx context.Context, key string) (bool, error) {
	path := filepath.Join(d.root, "inbox", store.HashKey(key)+".json")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to mark inbox: %w", err)
	}
	defer f.Close()

	entry := map[string]any{"key": key, "created_at": time.Now().UTC().Format(time.RFC3339Nano)}
	data, err := marshalJSON(entry)
	if err != nil {
		return false, err
	}
	if _, err := f.Write(data); err != nil {
		return false, fmt.Errorf("failed to write inbox entry: %w", err)
	}
	return true, nil
}

// InboxDelete removes an inbox entry; absence is not an error.
func (d *Driver) InboxDelete(ctx context.Context, key string) error {
	err := os.Remove(filepath.Join(d.root, "inbox", store.HashKey(key)+".json"))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete inbox entry: %w", err)
	}
	return nil
}

// OutboxAdd appends an unsent outbox row.
func (d *Driver) OutboxAdd(ctx context.Context, topic string, payload map[string]any) error {
	row := &store.OutboxRow{
		ID:        newULID(),
		Topic:     topic,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	return writeJSON(filepath.Join(d.root, "outbox", row.ID+".json"), row)
}

// OutboxListUnsent returns up to limit unsent rows in insertion order.
func (d *Driver) OutboxListUnsent(ctx context.Context, limit int) ([]*store.OutboxRow, error) {
	dir := filepath.Join(d.root, "outbox")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox: %w", err)
	}

	// ReadDir sorts by name; ULID names sort by insertion time.
	var rows []*store.OutboxRow
	for _, entry := range entries {
		var row store.OutboxRow
		if err := readJSON(filepath.Join(dir, entry.Name()), &row); err != nil {
			continue
		}
		if row.SentAt != nil {
			continue
		}
		rows = append(rows, &row)
		if limit > 0 && len(rows) >= limit {
			break
		}
	}
	return rows, nil
}

// OutboxMarkSent stamps sent_at on a row exactly once.
func (d *Driver) OutboxMarkSent(ctx context.Context, id string) error {
	path := filepath.Join(d.root, "outbox", id+".json")
	var row store.OutboxRow
	if err := readJSON(path, &row); err != nil {
		if os.IsNotExist(err) {
			return &nofxerrors.NotFoundError{Resource: "outbox row", ID: id}
		}
		return err
	}
	if row.SentAt != nil {
		return &nofxerrors.ConflictError{Resource: "outbox row", Key: id}
	}
	now := time.Now().UTC()
	row.SentAt = &now
	return writeJSON(path, &row)
}

// RunAtomically runs fn while holding the run's advisory lock: a
// process-local mutex plus a flock on the run directory's lock file, so
// coordination holds across worker processes sharing the data tree.
func (d *Driver) RunAtomically(ctx context.Context, runID string, fn func(ctx context.Context) error) error {
	unlock := d.locks.lock(runID)
	defer unlock()

	release, err := acquireFileLock(ctx, filepath.Join(d.runDir(runID), ".lock"))
	if err != nil {
		return err
	}
	defer release()

	return fn(ctx)
}

// Close implements io.Closer. The driver holds no long-lived handles.
func (d *Driver) Close() error { return nil }
