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

	"github.com/itchyny/gojq"

	"github.com/nofx/nofx/internal/store"
)

// Transform applies a jq expression (inputs.query) to inputs.data and
// returns the results. Multiple jq outputs become a "results" array, a
// single output is returned as-is.
type Transform struct{}

func (t *Transform) ValidateInputs(inputs map[string]any) error {
	query, _ := inputs["query"].(string)
	if query == "" {
		return fmt.Errorf("query must be a non-empty jq expression")
	}
	if _, err := gojq.Parse(query); err != nil {
		return fmt.Errorf("parsing jq expression: %w", err)
	}
	return nil
}

func (t *Transform) Run(ctx context.Context, step *store.Step, rc *RunContext) (*Result, error) {
	query, _ := step.Inputs["query"].(string)
	if query == "" {
		return nil, fmt.Errorf("query must be a non-empty jq expression")
	}
	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, fmt.Errorf("parsing jq expression: %w", err)
	}

	var results []any
	iter := parsed.RunWithContext(ctx, step.Inputs["data"])
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, fmt.Errorf("evaluating jq expression: %w", err)
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return &Result{Outputs: map[string]any{}}, nil
	case 1:
		return &Result{Outputs: results[0]}, nil
	default:
		return &Result{Outputs: map[string]any{"results": results}}, nil
	}
}
