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

// Package tool defines the handler contract steps execute against and
// the process-local registry that resolves tool names to handlers.
package tool

import (
	"context"
	"log/slog"

	"github.com/nofx/nofx/internal/store"
)

// Result is what a handler hands back to the runner.
type Result struct {
	// Outputs becomes the step's outputs. Non-object values are
	// coerced to {"value": v} before persisting.
	Outputs any

	// Artifacts are persisted via the store after the step succeeds.
	Artifacts []ArtifactSpec

	// Gates are created or updated after the step succeeds.
	Gates []GateSpec
}

// ArtifactSpec describes an artifact a handler produced.
type ArtifactSpec struct {
	Name string
	Kind string
	Path string
	Data []byte
}

// GateSpec describes a gate decision a handler produced.
type GateSpec struct {
	Type   string
	Status store.GateStatus
}

// RunContext carries the ambient state a handler may consult. Handlers
// must not mutate the run or step through it.
type RunContext struct {
	Run    *store.Run
	Logger *slog.Logger

	// Env holds only the variables the step's policy envelope allows.
	Env map[string]string
}

// Handler executes one tool. Implementations are stateless; the same
// handler instance serves concurrent steps.
type Handler interface {
	Run(ctx context.Context, step *store.Step, rc *RunContext) (*Result, error)
}

// InputValidator is optionally implemented by handlers that can reject
// malformed inputs before execution.
type InputValidator interface {
	ValidateInputs(inputs map[string]any) error
}
