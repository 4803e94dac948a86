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

// Package plan parses submitted plans and materialises them into runs
// and steps.
package plan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	nofxerrors "github.com/nofx/nofx/pkg/errors"
)

// Plan is the submission contract with the API layer.
type Plan struct {
	Goal     string         `json:"goal"`
	Steps    []StepSpec     `json:"steps"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// StepSpec names one step of a plan.
type StepSpec struct {
	Name   string         `json:"name"`
	Tool   string         `json:"tool"`
	Inputs map[string]any `json:"inputs"`
}

const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["goal", "steps"],
  "properties": {
    "goal": { "type": "string", "minLength": 1 },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name", "tool"],
        "properties": {
          "name": { "type": "string", "minLength": 1 },
          "tool": { "type": "string", "minLength": 1 },
          "inputs": { "type": "object" }
        }
      }
    },
    "metadata": { "type": "object" }
  }
}`

var schema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		panic(fmt.Sprintf("plan schema is not valid JSON: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("plan.json", doc); err != nil {
		panic(fmt.Sprintf("plan schema rejected: %v", err))
	}
	compiled, err := compiler.Compile("plan.json")
	if err != nil {
		panic(fmt.Sprintf("plan schema does not compile: %v", err))
	}
	return compiled
}

// Parse decodes and validates a submitted plan. Structural violations
// come back as ValidationError.
func Parse(raw []byte) (*Plan, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, &nofxerrors.ValidationError{Field: "plan", Message: fmt.Sprintf("not valid JSON: %v", err)}
	}
	if err := schema.Validate(doc); err != nil {
		return nil, &nofxerrors.ValidationError{Field: "plan", Message: err.Error()}
	}

	var p Plan
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &nofxerrors.ValidationError{Field: "plan", Message: err.Error()}
	}

	// Step names must be unique or natural idempotency keys collide.
	seen := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		if seen[s.Name] {
			return nil, &nofxerrors.ValidationError{
				Field:   "steps",
				Message: fmt.Sprintf("duplicate step name %q", s.Name),
			}
		}
		seen[s.Name] = true
	}
	return &p, nil
}
