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

package tool

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"

	"github.com/nofx/nofx/internal/store"
)

// ManualGate opens a pending gate of inputs.gate_type and succeeds.
// A human (or a later step) flips the gate through the store.
type ManualGate struct{}

func (g *ManualGate) ValidateInputs(inputs map[string]any) error {
	if t, _ := inputs["gate_type"].(string); t == "" {
		return fmt.Errorf("gate_type must be a non-empty string")
	}
	return nil
}

func (g *ManualGate) Run(ctx context.Context, step *store.Step, rc *RunContext) (*Result, error) {
	gateType, _ := step.Inputs["gate_type"].(string)
	if gateType == "" {
		return nil, fmt.Errorf("gate_type must be a non-empty string")
	}
	return &Result{
		Outputs: map[string]any{"gateType": gateType, "status": string(store.GateStatusPending)},
		Gates:   []GateSpec{{Type: gateType, Status: store.GateStatusPending}},
	}, nil
}

// ExprGate evaluates a boolean expression (inputs.when) over
// inputs.data and passes or fails a gate of inputs.gate_type.
type ExprGate struct{}

func (g *ExprGate) ValidateInputs(inputs map[string]any) error {
	if t, _ := inputs["gate_type"].(string); t == "" {
		return fmt.Errorf("gate_type must be a non-empty string")
	}
	when, _ := inputs["when"].(string)
	if when == "" {
		return fmt.Errorf("when must be a non-empty expression")
	}
	if _, err := expr.Compile(when, expr.AsBool()); err != nil {
		return fmt.Errorf("compiling expression: %w", err)
	}
	return nil
}

func (g *ExprGate) Run(ctx context.Context, step *store.Step, rc *RunContext) (*Result, error) {
	gateType, _ := step.Inputs["gate_type"].(string)
	when, _ := step.Inputs["when"].(string)
	if gateType == "" || when == "" {
		return nil, fmt.Errorf("gate_type and when are required")
	}

	env := map[string]any{}
	if data, ok := step.Inputs["data"].(map[string]any); ok {
		env = data
	}
	program, err := expr.Compile(when, expr.Env(env), expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compiling expression: %w", err)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("evaluating expression: %w", err)
	}

	status := store.GateStatusFailed
	if passed, _ := out.(bool); passed {
		status = store.GateStatusPassed
	}
	return &Result{
		Outputs: map[string]any{"gateType": gateType, "status": string(status)},
		Gates:   []GateSpec{{Type: gateType, Status: status}},
	}, nil
}
