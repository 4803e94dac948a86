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

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// PolicyKey is the sidecar key carrying the policy envelope inside step
// inputs. It is enforced by the runner and excluded from idempotency
// hashing; it never appears in outputs.
const PolicyKey = "_policy"

// CanonicalJSON serialises v deterministically: object keys sorted
// lexicographically, RFC 8259 escaping, no HTML escaping, UTF-8 bytes.
// Two structurally equal values always produce identical bytes.
func CanonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("canonical encode: %w", err)
	}
	// Encoder appends a newline; strip it so hashes are stable.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// NaturalKey derives the deterministic idempotency key for a step:
// SHA-256 hex of "step:<runId>:<name>:<canonical(inputs)>", with the
// policy sidecar removed from inputs first.
func NaturalKey(runID, stepName string, inputs map[string]any) (string, error) {
	canonical, err := CanonicalJSON(StripPolicy(inputs))
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte("step:" + runID + ":" + stepName + ":" + string(canonical)))
	return hex.EncodeToString(sum[:]), nil
}

// StripPolicy returns inputs without the policy sidecar. The original
// map is not modified.
func StripPolicy(inputs map[string]any) map[string]any {
	if inputs == nil {
		return map[string]any{}
	}
	if _, ok := inputs[PolicyKey]; !ok {
		return inputs
	}
	out := make(map[string]any, len(inputs)-1)
	for k, v := range inputs {
		if k == PolicyKey {
			continue
		}
		out[k] = v
	}
	return out
}

// HashKey returns the filename-safe SHA-256 hex digest of an inbox key.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
