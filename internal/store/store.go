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

// Package store defines the persistent state of runs, steps, events,
// artifacts, gates, and the idempotency inbox / outbox.
//
// # Interface Hierarchy
//
// The package uses interface segregation so components depend only on
// the capabilities they exercise:
//
//   - RunStore / StepStore (core, required)
//   - EventStore: append-only event log with outbox pairing
//   - GateStore, ArtifactStore (optional entity stores)
//   - Inbox / Outbox: idempotency and relay surfaces
//   - Locker: per-run advisory locking
//
// The Store interface composes all of these. The DB driver additionally
// implements Transactional; detect it with a type assertion:
//
//	if tx, ok := s.(store.Transactional); ok {
//	    err = tx.WithTransaction(ctx, fn)
//	}
package store

import (
	"context"
	"io"
)

// RunStore is the core interface for run persistence.
type RunStore interface {
	// CreateRun persists a new run, assigning its ID when empty.
	CreateRun(ctx context.Context, run *Run) error

	// GetRun retrieves a run by ID.
	GetRun(ctx context.Context, id string) (*Run, error)

	// UpdateRun updates an existing run.
	UpdateRun(ctx context.Context, run *Run) error

	// ListRuns lists runs with optional filtering.
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// DeleteRun deletes a run and everything hanging off it.
	DeleteRun(ctx context.Context, id string) error
}

// StepStore is the core interface for step persistence.
type StepStore interface {
	// CreateStep persists a new step, assigning its ID when empty.
	CreateStep(ctx context.Context, step *Step) error

	// GetStep retrieves a step by ID.
	GetStep(ctx context.Context, id string) (*Step, error)

	// UpdateStep updates an existing step.
	UpdateStep(ctx context.Context, step *Step) error

	// ListSteps lists a run's steps in creation order.
	ListSteps(ctx context.Context, runID string) ([]*Step, error)

	// CountRemainingSteps counts steps whose status is not terminal.
	// The runner uses this to decide run termination.
	CountRemainingSteps(ctx context.Context, runID string) (int, error)
}

// EventStore appends to the per-run event log. Under the DB driver each
// record is paired with an outbox row in the same transaction; under the
// FS driver the outbox append is best-effort.
type EventStore interface {
	// RecordEvent appends an event. stepID may be empty for run-level
	// events. The payload is sanitised before it is persisted.
	RecordEvent(ctx context.Context, runID, eventType string, payload map[string]any, stepID string) (*Event, error)

	// ListEvents returns a run's events ordered by (created_at, id).
	ListEvents(ctx context.Context, runID string) ([]*Event, error)
}

// GateStore persists gates keyed by (run, gate type).
type GateStore interface {
	// CreateOrGetGate returns the run's gate of the given type,
	// creating a pending one when absent.
	CreateOrGetGate(ctx context.Context, runID, gateType string) (*Gate, error)

	// UpdateGate updates an existing gate.
	UpdateGate(ctx context.Context, gate *Gate) error

	// ListGates lists a run's gates.
	ListGates(ctx context.Context, runID string) ([]*Gate, error)
}

// ArtifactStore persists artifact records.
type ArtifactStore interface {
	// AddArtifact persists an artifact record, assigning its ID when
	// empty.
	AddArtifact(ctx context.Context, artifact *Artifact) error

	// ListArtifacts lists a run's artifacts.
	ListArtifacts(ctx context.Context, runID string) ([]*Artifact, error)
}

// Inbox is the at-most-once processing set.
type Inbox interface {
	// InboxMarkIfNew atomically records the key. It returns true on
	// first observation and false for duplicates.
	InboxMarkIfNew(ctx context.Context, key string) (bool, error)

	// InboxDelete removes an inbox entry so the key can be processed
	// again. Deleting an absent key is not an error.
	InboxDelete(ctx context.Context, key string) error
}

// Outbox is the durable publication buffer drained by the relay.
type Outbox interface {
	// OutboxAdd appends an unsent row.
	OutboxAdd(ctx context.Context, topic string, payload map[string]any) error

	// OutboxListUnsent returns up to limit unsent rows in insertion
	// order.
	OutboxListUnsent(ctx context.Context, limit int) ([]*OutboxRow, error)

	// OutboxMarkSent stamps sent_at on a row. It is an error to mark
	// a row twice.
	OutboxMarkSent(ctx context.Context, id string) error
}

// Locker provides the per-run advisory lock, the only coordination
// primitive between workers mutating the same run.
type Locker interface {
	// RunAtomically runs fn while holding the run's advisory lock.
	// Transitions made inside fn are observed atomically by any
	// concurrent reader going through the same store.
	RunAtomically(ctx context.Context, runID string, fn func(ctx context.Context) error) error
}

// Transactional is the optional capability of drivers that can execute
// a function inside a storage transaction. The FS driver does not
// implement it; callers fall back to plain execution.
type Transactional interface {
	// WithTransaction runs fn inside a transaction, rolling back when
	// fn returns an error.
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Store composes the full capability set.
type Store interface {
	RunStore
	StepStore
	EventStore
	GateStore
	ArtifactStore
	Inbox
	Outbox
	Locker
	io.Closer
}

// RunFilter contains filtering options for listing runs.
type RunFilter struct {
	Status    RunStatus
	ProjectID string
	Limit     int
	Offset    int
}
