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
	"time"

	"github.com/nofx/nofx/internal/store"
)

// Echo reflects the step's inputs back as outputs. Useful for wiring
// tests and as the simplest possible tool.
type Echo struct{}

func (e *Echo) Run(ctx context.Context, step *store.Step, rc *RunContext) (*Result, error) {
	outputs := make(map[string]any, len(step.Inputs))
	for k, v := range step.Inputs {
		if k == store.PolicyKey {
			continue
		}
		outputs[k] = v
	}
	return &Result{Outputs: outputs}, nil
}

// Sleep blocks for inputs.duration_ms, honouring cancellation. It
// exists to exercise timeouts and concurrency in anger.
type Sleep struct{}

func (s *Sleep) ValidateInputs(inputs map[string]any) error {
	if _, ok := durationMillis(inputs); !ok {
		return fmt.Errorf("duration_ms must be a non-negative number")
	}
	return nil
}

func (s *Sleep) Run(ctx context.Context, step *store.Step, rc *RunContext) (*Result, error) {
	ms, ok := durationMillis(step.Inputs)
	if !ok {
		return nil, fmt.Errorf("duration_ms must be a non-negative number")
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Duration(ms) * time.Millisecond):
	}
	return &Result{Outputs: map[string]any{"slept_ms": ms}}, nil
}

func durationMillis(inputs map[string]any) (int64, bool) {
	raw, ok := inputs["duration_ms"]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case int:
		if v < 0 {
			return 0, false
		}
		return int64(v), true
	case int64:
		if v < 0 {
			return 0, false
		}
		return v, true
	case float64:
		if v < 0 {
			return 0, false
		}
		return int64(v), true
	default:
		return 0, false
	}
}
