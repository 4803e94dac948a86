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

// Package sqlite provides the relational store driver for single-node
// deployments. Event recording and the paired outbox insert share one
// transaction, which is what makes downstream effects exactly-once.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/nofx/nofx/internal/store"
	nofxerrors "github.com/nofx/nofx/pkg/errors"
)

// Compile-time interface assertions.
var (
	_ store.Store         = (*Driver)(nil)
	_ store.Transactional = (*Driver)(nil)
)

// Driver is the sqlite store driver.
type Driver struct {
	db    *sql.DB
	locks *runLocks
}

// Config contains sqlite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New creates a sqlite driver, running migrations on open.
func New(cfg Config) (*Driver, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// sqlite serialises writes, so a single connection avoids
	// SQLITE_BUSY churn under concurrent workers.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	d := &Driver{db: db, locks: newRunLocks()}

	if err := d.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}
	if err := d.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return d, nil
}

// DB exposes the underlying handle for backup table dumps.
func (d *Driver) DB() *sql.DB { return d.db }

func (d *Driver) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := d.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (d *Driver) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			project_id TEXT,
			title TEXT,
			status TEXT NOT NULL,
			plan TEXT,
			metadata TEXT,
			created_at TEXT NOT NULL,
			ended_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at)`,
		`CREATE TABLE IF NOT EXISTS steps (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			name TEXT NOT NULL,
			tool TEXT NOT NULL,
			inputs TEXT,
			status TEXT NOT NULL,
			outputs TEXT,
			idempotency_key TEXT,
			created_at TEXT NOT NULL,
			started_at TEXT,
			ended_at TEXT,
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_run_id ON steps(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_status ON steps(status)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_idempotency ON steps(run_id, idempotency_key)`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			step_id TEXT,
			type TEXT NOT NULL,
			payload TEXT,
			created_at TEXT NOT NULL,
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_run_id ON events(run_id, created_at, id)`,
		`CREATE TABLE IF NOT EXISTS gates (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			gate_type TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE (run_id, gate_type),
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			path TEXT,
			data BLOB,
			created_at TEXT NOT NULL,
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS inbox (
			key TEXT PRIMARY KEY,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS outbox (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			topic TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at TEXT NOT NULL,
			sent_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_unsent ON outbox(sent_at) WHERE sent_at IS NULL`,
	}
	for _, migration := range migrations {
		if _, err := d.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// txKey carries the active transaction through context so nested store
// calls inside WithTransaction share it.
type txKey struct{}

// querier is the subset of *sql.DB / *sql.Tx the driver uses.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (d *Driver) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return d.db
}

// WithTransaction runs fn inside a transaction. A nested call joins the
// ambient transaction instead of opening a second one.
func (d *Driver) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return &nofxerrors.TransientError{Op: "store.begin", Message: "failed to begin transaction", Cause: err}
	}
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return &nofxerrors.TransientError{Op: "store.commit", Message: "failed to commit transaction", Cause: err}
	}
	return nil
}

// RunAtomically serialises mutations per run with a process-local lock.
// The DB driver assumes one coordinator process per database file; the
// sqlite busy timeout covers stray cross-process writers.
func (d *Driver) RunAtomically(ctx context.Context, runID string, fn func(ctx context.Context) error) error {
	unlock := d.locks.lock(runID)
	defer unlock()
	return fn(ctx)
}

// CreateRun persists a new run, assigning its ID when empty.
func (d *Driver) CreateRun(ctx context.Context, run *store.Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = store.RunStatusQueued
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	planJSON, err := marshalField(run.Plan)
	if err != nil {
		return fmt.Errorf("failed to marshal plan: %w", err)
	}
	metaJSON, err := marshalField(run.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = d.q(ctx).ExecContext(ctx, `
		INSERT INTO runs (id, project_id, title, status, plan, metadata, created_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, nullString(run.ProjectID), nullString(run.Title), string(run.Status),
		planJSON, metaJSON, formatTime(run.CreatedAt), formatTimePtr(run.EndedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return &nofxerrors.ConflictError{Resource: "run", Key: run.ID}
		}
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (d *Driver) GetRun(ctx context.Context, id string) (*store.Run, error) {
	row := d.q(ctx).QueryRowContext(ctx, `
		SELECT id, project_id, title, status, plan, metadata, created_at, ended_at
		FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, &nofxerrors.NotFoundError{Resource: "run", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// UpdateRun updates an existing run. When the schema predates the
// ended_at column the write transparently falls back to completed_at.
func (d *Driver) UpdateRun(ctx context.Context, run *store.Run) error {
	planJSON, err := marshalField(run.Plan)
	if err != nil {
		return fmt.Errorf("failed to marshal plan: %w", err)
	}
	metaJSON, err := marshalField(run.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	update := func(endedCol string) (sql.Result, error) {
		return d.q(ctx).ExecContext(ctx, `
			UPDATE runs SET project_id = ?, title = ?, status = ?, plan = ?, metadata = ?, `+endedCol+` = ?
			WHERE id = ?`,
			nullString(run.ProjectID), nullString(run.Title), string(run.Status),
			planJSON, metaJSON, formatTimePtr(run.EndedAt), run.ID,
		)
	}

	result, err := update("ended_at")
	if isMissingColumn(err, "ended_at") {
		result, err = update("completed_at")
	}
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &nofxerrors.NotFoundError{Resource: "run", ID: run.ID}
	}
	return nil
}

// ListRuns lists runs with optional filtering, newest first.
func (d *Driver) ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error) {
	query := `
		SELECT id, project_id, title, status, plan, metadata, created_at, ended_at
		FROM runs WHERE 1=1`
	args := []any{}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.ProjectID != "" {
		query += " AND project_id = ?"
		args = append(args, filter.ProjectID)
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := d.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*store.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// DeleteRun deletes a run; child rows cascade.
func (d *Driver) DeleteRun(ctx context.Context, id string) error {
	result, err := d.q(ctx).ExecContext(ctx, "DELETE FROM runs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &nofxerrors.NotFoundError{Resource: "run", ID: id}
	}
	return nil
}

// CreateStep persists a new step, assigning its ID when empty.
func (d *Driver) CreateStep(ctx context.Context, step *store.Step) error {
	if step.ID == "" {
		step.ID = uuid.NewString()
	}
	if step.Status == "" {
		step.Status = store.StepStatusPending
	}
	if step.CreatedAt.IsZero() {
		step.CreatedAt = time.Now().UTC()
	}

	inputsJSON, err := marshalField(step.Inputs)
	if err != nil {
		return fmt.Errorf("failed to marshal inputs: %w", err)
	}
	outputsJSON, err := marshalField(step.Outputs)
	if err != nil {
		return fmt.Errorf("failed to marshal outputs: %w", err)
	}

	_, err = d.q(ctx).ExecContext(ctx, `
		INSERT INTO steps (id, run_id, name, tool, inputs, status, outputs, idempotency_key, created_at, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.RunID, step.Name, step.Tool, inputsJSON, string(step.Status),
		outputsJSON, nullString(step.IdempotencyKey), formatTime(step.CreatedAt),
		formatTimePtr(step.StartedAt), formatTimePtr(step.EndedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return &nofxerrors.ConflictError{Resource: "step", Key: step.ID}
		}
		return fmt.Errorf("failed to create step: %w", err)
	}
	return nil
}

// GetStep retrieves a step by ID.
func (d *Driver) GetStep(ctx context.Context, id string) (*store.Step, error) {
	row := d.q(ctx).QueryRowContext(ctx, `
		SELECT id, run_id, name, tool, inputs, status, outputs, idempotency_key, created_at, started_at, ended_at
		FROM steps WHERE id = ?`, id)
	step, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, &nofxerrors.NotFoundError{Resource: "step", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get step: %w", err)
	}
	return step, nil
}

// UpdateStep updates an existing step, with the same ended_at →
// completed_at fallback as UpdateRun.
func (d *Driver) UpdateStep(ctx context.Context, step *store.Step) error {
	inputsJSON, err := marshalField(step.Inputs)
	if err != nil {
		return fmt.Errorf("failed to marshal inputs: %w", err)
	}
	outputsJSON, err := marshalField(step.Outputs)
	if err != nil {
		return fmt.Errorf("failed to marshal outputs: %w", err)
	}

	update := func(endedCol string) (sql.Result, error) {
		return d.q(ctx).ExecContext(ctx, `
			UPDATE steps SET name = ?, tool = ?, inputs = ?, status = ?, outputs = ?,
				idempotency_key = ?, started_at = ?, `+endedCol+` = ?
			WHERE id = ?`,
			step.Name, step.Tool, inputsJSON, string(step.Status), outputsJSON,
			nullString(step.IdempotencyKey), formatTimePtr(step.StartedAt),
			formatTimePtr(step.EndedAt), step.ID,
		)
	}

	result, err := update("ended_at")
	if isMissingColumn(err, "ended_at") {
		result, err = update("completed_at")
	}
	if err != nil {
		return fmt.Errorf("failed to update step: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &nofxerrors.NotFoundError{Resource: "step", ID: step.ID}
	}
	return nil
}

// ListSteps lists a run's steps in creation order.
func (d *Driver) ListSteps(ctx context.Context, runID string) ([]*store.Step, error) {
	rows, err := d.q(ctx).QueryContext(ctx, `
		SELECT id, run_id, name, tool, inputs, status, outputs, idempotency_key, created_at, started_at, ended_at
		FROM steps WHERE run_id = ? ORDER BY created_at ASC, id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	var steps []*store.Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// CountRemainingSteps counts a run's non-terminal steps.
func (d *Driver) CountRemainingSteps(ctx context.Context, runID string) (int, error) {
	var count int
	err := d.q(ctx).QueryRowContext(ctx, `
		SELECT COUNT(*) FROM steps
		WHERE run_id = ? AND status NOT IN (?, ?, ?, ?)`,
		runID,
		string(store.StepStatusSucceeded), string(store.StepStatusFailed),
		string(store.StepStatusTimedOut), string(store.StepStatusCancelled),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count remaining steps: %w", err)
	}
	return count, nil
}

// RecordEvent appends an event and its outbox row in one transaction.
func (d *Driver) RecordEvent(ctx context.Context, runID, eventType string, payload map[string]any, stepID string) (*store.Event, error) {
	event := &store.Event{
		RunID:     runID,
		StepID:    stepID,
		Type:      eventType,
		Payload:   store.SanitizePayload(payload),
		CreatedAt: time.Now().UTC(),
	}

	err := d.WithTransaction(ctx, func(ctx context.Context) error {
		payloadJSON, err := marshalField(event.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}

		result, err := d.q(ctx).ExecContext(ctx, `
			INSERT INTO events (run_id, step_id, type, payload, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			runID, nullString(stepID), eventType, payloadJSON, formatTime(event.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert event: %w", err)
		}
		eventID, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read event id: %w", err)
		}
		event.ID = strconv.FormatInt(eventID, 10)

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
		return d.OutboxAdd(ctx, store.TopicOutbox, outboxPayload)
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}

// ListEvents returns a run's events ordered by (created_at, id).
func (d *Driver) ListEvents(ctx context.Context, runID string) ([]*store.Event, error) {
	rows, err := d.q(ctx).QueryContext(ctx, `
		SELECT id, run_id, step_id, type, payload, created_at
		FROM events WHERE run_id = ? ORDER BY created_at ASC, id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*store.Event
	for rows.Next() {
		var event store.Event
		var id int64
		var stepID, payloadJSON sql.NullString
		var createdAt string
		if err := rows.Scan(&id, &event.RunID, &stepID, &event.Type, &payloadJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.ID = strconv.FormatInt(id, 10)
		if stepID.Valid {
			event.StepID = stepID.String
		}
		if payloadJSON.Valid && payloadJSON.String != "" {
			if err := json.Unmarshal([]byte(payloadJSON.String), &event.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
			}
		}
		event.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		events = append(events, &event)
	}
	return events, rows.Err()
}

// CreateOrGetGate returns the run's gate of the given type, creating a
// pending one when absent. The UNIQUE(run_id, gate_type) constraint
// arbitrates concurrent creates.
func (d *Driver) CreateOrGetGate(ctx context.Context, runID, gateType string) (*store.Gate, error) {
	now := time.Now().UTC()
	gate := &store.Gate{
		ID:        uuid.NewString(),
		RunID:     runID,
		GateType:  gateType,
		Status:    store.GateStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := d.q(ctx).ExecContext(ctx, `
		INSERT INTO gates (id, run_id, gate_type, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, gate_type) DO NOTHING`,
		gate.ID, runID, gateType, string(gate.Status), formatTime(now), formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gate: %w", err)
	}

	row := d.q(ctx).QueryRowContext(ctx, `
		SELECT id, run_id, gate_type, status, created_at, updated_at
		FROM gates WHERE run_id = ? AND gate_type = ?`, runID, gateType)
	var createdAt, updatedAt string
	var status string
	if err := row.Scan(&gate.ID, &gate.RunID, &gate.GateType, &status, &createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("failed to get gate: %w", err)
	}
	gate.Status = store.GateStatus(status)
	gate.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	gate.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return gate, nil
}

// UpdateGate updates an existing gate.
func (d *Driver) UpdateGate(ctx context.Context, gate *store.Gate) error {
	gate.UpdatedAt = time.Now().UTC()
	result, err := d.q(ctx).ExecContext(ctx, `
		UPDATE gates SET status = ?, updated_at = ? WHERE id = ?`,
		string(gate.Status), formatTime(gate.UpdatedAt), gate.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update gate: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &nofxerrors.NotFoundError{Resource: "gate", ID: gate.ID}
	}
	return nil
}

// ListGates lists a run's gates.
func (d *Driver) ListGates(ctx context.Context, runID string) ([]*store.Gate, error) {
	rows, err := d.q(ctx).QueryContext(ctx, `
		SELECT id, run_id, gate_type, status, created_at, updated_at
		FROM gates WHERE run_id = ? ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list gates: %w", err)
	}
	defer rows.Close()

	var gates []*store.Gate
	for rows.Next() {
		var gate store.Gate
		var status, createdAt, updatedAt string
		if err := rows.Scan(&gate.ID, &gate.RunID, &gate.GateType, &status, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan gate: %w", err)
		}
		gate.Status = store.GateStatus(status)
		gate.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		gate.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		gates = append(gates, &gate)
	}
	return gates, rows.Err()
}

// AddArtifact persists an artifact record.
func (d *Driver) AddArtifact(ctx context.Context, artifact *store.Artifact) error {
	if artifact.ID == "" {
		artifact.ID = uuid.NewString()
	}
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now().UTC()
	}
	_, err := d.q(ctx).ExecContext(ctx, `
		INSERT INTO artifacts (id, run_id, step_id, name, kind, path, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		artifact.ID, artifact.RunID, artifact.StepID, artifact.Name, artifact.Kind,
		nullString(artifact.Path), artifact.Data, formatTime(artifact.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to add artifact: %w", err)
	}
	return nil
}

// ListArtifacts lists a run's artifacts.
func (d *Driver) ListArtifacts(ctx context.Context, runID string) ([]*store.Artifact, error) {
	rows, err := d.q(ctx).QueryContext(ctx, `
		SELECT id, run_id, step_id, name, kind, path, data, created_at
		FROM artifacts WHERE run_id = ? ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []*store.Artifact
	for rows.Next() {
		var artifact store.Artifact
		var path sql.NullString
		var createdAt string
		if err := rows.Scan(&artifact.ID, &artifact.RunID, &artifact.StepID, &artifact.Name,
			&artifact.Kind, &path, &artifact.Data, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		if path.Valid {
			artifact.Path = path.String
		}
		artifact.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		artifacts = append(artifacts, &artifact)
	}
	return artifacts, rows.Err()
}

// InboxMarkIfNew atomically records the key with insert-or-ignore.
func (d *Driver) InboxMarkIfNew(ctx context.Context, key string) (bool, error) {
	result, err := d.q(ctx).ExecContext(ctx, `
		INSERT OR IGNORE INTO inbox (key, created_at) VALUES (?, ?)`,
		key, formatTime(time.Now().UTC()),
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark inbox: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read inbox result: %w", err)
	}
	return n > 0, nil
}

// InboxDelete removes an inbox entry; absence is not an error.
func (d *Driver) InboxDelete(ctx context.Context, key string) error {
	if _, err := d.q(ctx).ExecContext(ctx, "DELETE FROM inbox WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to delete inbox entry: %w", err)
	}
	return nil
}

// OutboxAdd appends an unsent outbox row.
func (d *Driver) OutboxAdd(ctx context.Context, topic string, payload map[string]any) error {
	payloadJSON, err := marshalField(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal outbox payload: %w", err)
	}
	_, err = d.q(ctx).ExecContext(ctx, `
		INSERT INTO outbox (topic, payload, created_at) VALUES (?, ?, ?)`,
		topic, payloadJSON, formatTime(time.Now().UTC()),
	)
	if err != nil {
		return fmt.Errorf("failed to add outbox row: %w", err)
	}
	return nil
}

// OutboxListUnsent returns up to limit unsent rows in insertion order.
func (d *Driver) OutboxListUnsent(ctx context.Context, limit int) ([]*store.OutboxRow, error) {
	query := `
		SELECT id, topic, payload, created_at, sent_at
		FROM outbox WHERE sent_at IS NULL ORDER BY id ASC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox: %w", err)
	}
	defer rows.Close()

	var result []*store.OutboxRow
	for rows.Next() {
		var row store.OutboxRow
		var id int64
		var payloadJSON, createdAt string
		var sentAt sql.NullString
		if err := rows.Scan(&id, &row.Topic, &payloadJSON, &createdAt, &sentAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		row.ID = strconv.FormatInt(id, 10)
		if err := json.Unmarshal([]byte(payloadJSON), &row.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal outbox payload: %w", err)
		}
		row.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		result = append(result, &row)
	}
	return result, rows.Err()
}

// OutboxMarkSent stamps sent_at exactly once.
func (d *Driver) OutboxMarkSent(ctx context.Context, id string) error {
	result, err := d.q(ctx).ExecContext(ctx, `
		UPDATE outbox SET sent_at = ? WHERE id = ? AND sent_at IS NULL`,
		formatTime(time.Now().UTC()), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark outbox row sent: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		var exists int
		if err := d.q(ctx).QueryRowContext(ctx, "SELECT COUNT(*) FROM outbox WHERE id = ?", id).Scan(&exists); err == nil && exists > 0 {
			return &nofxerrors.ConflictError{Resource: "outbox row", Key: id}
		}
		return &nofxerrors.NotFoundError{Resource: "outbox row", ID: id}
	}
	return nil
}

// Close closes the database connection.
func (d *Driver) Close() error {
	return d.db.Close()
}
