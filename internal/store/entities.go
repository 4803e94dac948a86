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

package store

import "time"

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is final. A terminal run always
// has EndedAt set.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// StepStatus is the lifecycle state of a step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusQueued    StepStatus = "queued"
	StepStatusRunning   StepStatus = "running"
	StepStatusSucceeded StepStatus = "succeeded"
	StepStatusFailed    StepStatus = "failed"
	StepStatusTimedOut  StepStatus = "timed_out"
	StepStatusCancelled StepStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepStatusSucceeded, StepStatusFailed, StepStatusTimedOut, StepStatusCancelled:
		return true
	}
	return false
}

// Retryable reports whether recovery may move the step back to queued.
func (s StepStatus) Retryable() bool {
	switch s {
	case StepStatusFailed, StepStatusTimedOut, StepStatusCancelled:
		return true
	}
	return false
}

// GateStatus is the lifecycle state of a gate.
type GateStatus string

const (
	GateStatusPending GateStatus = "pending"
	GateStatusPassed  GateStatus = "passed"
	GateStatusFailed  GateStatus = "failed"
	GateStatusWaived  GateStatus = "waived"
)

// Run is an execution of a plan.
type Run struct {
	ID        string         `json:"id"`
	ProjectID string         `json:"project_id,omitempty"`
	Title     string         `json:"title,omitempty"`
	Status    RunStatus      `json:"status"`
	Plan      map[string]any `json:"plan,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
}

// Step is an individually addressable unit of work within a run.
// Steps reference their run by ID only; no cross-entity pointers.
type Step struct {
	ID             string         `json:"id"`
	RunID          string         `json:"run_id"`
	Name           string         `json:"name"`
	Tool           string         `json:"tool"`
	Inputs         map[string]any `json:"inputs,omitempty"`
	Status         StepStatus     `json:"status"`
	Outputs        map[string]any `json:"outputs,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	EndedAt        *time.Time     `json:"ended_at,omitempty"`
}

// Event is one record of the append-only per-run log. Events are never
// modified; they disappear only with a whole-run delete or restore.
type Event struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	StepID    string         `json:"step_id,omitempty"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// OutboxRow is a pending downstream publication. SentAt transitions
// from nil to a timestamp exactly once.
type OutboxRow struct {
	ID        string         `json:"id"`
	Topic     string         `json:"topic"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
	SentAt    *time.Time     `json:"sent_at,omitempty"`
}

// Artifact is a step output persisted outside the step record, either
// in blob storage (Path is the object key) or on the local run tree.
type Artifact struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	StepID    string    `json:"step_id"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	Path      string    `json:"path,omitempty"`
	Data      []byte    `json:"data,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Gate is a named checkpoint within a run, unique per (run, gate type).
type Gate struct {
	ID        string     `json:"id"`
	RunID     string     `json:"run_id"`
	GateType  string     `json:"gate_type"`
	Status    GateStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Stable event types consumed downstream.
const (
	EventRunCreated       = "run.created"
	EventRunStarted       = "run.started"
	EventRunSucceeded     = "run.succeeded"
	EventRunFailed        = "run.failed"
	EventRunResumed       = "run.resumed"
	EventStepStarted      = "step.started"
	EventStepSucceeded    = "step.succeeded"
	EventStepFailed       = "step.failed"
	EventStepTimeout      = "step.timeout"
	EventStepRetry        = "step.retry"
	EventStepPolicyDenied = "step.policy_denied"

	EventArtifactAdded     = "artifact.added"
	EventGateUpdated       = "gate.updated"
	EventQueueBackpressure = "queue.backpressure"
)

// Stable queue topics.
const (
	TopicStepReady = "step.ready"
	TopicOutbox    = "outbox"
)
