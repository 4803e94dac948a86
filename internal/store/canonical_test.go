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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalJSONSortsKeys(t *testing.T) {
	data, err := CanonicalJSON(map[string]any{"b": 2, "a": 1, "c": []any{"x"}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2,"c":["x"]}`, string(data))
}

func TestCanonicalJSONDoesNotEscapeHTML(t *testing.T) {
	data, err := CanonicalJSON(map[string]any{"url": "a<b>&c"})
	require.NoError(t, err)
	assert.Equal(t, `{"url":"a<b>&c"}`, string(data))
}

func TestNaturalKeyStableAcrossKeyOrder(t *testing.T) {
	a, err := NaturalKey("run-1", "build", map[string]any{"x": 1, "y": "z"})
	require.NoError(t, err)
	b, err := NaturalKey("run-1", "build", map[string]any{"y": "z", "x": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestNaturalKeyIgnoresPolicySidecar(t *testing.T) {
	plain, err := NaturalKey("run-1", "build", map[string]any{"x": 1})
	require.NoError(t, err)
	withPolicy, err := NaturalKey("run-1", "build", map[string]any{
		"x":       1,
		PolicyKey: map[string]any{"tools_allowed": []any{"echo"}},
	})
	require.NoError(t, err)
	assert.Equal(t, plain, withPolicy)
}

func TestNaturalKeyVariesByRunAndName(t *testing.T) {
	a, err := NaturalKey("run-1", "build", nil)
	require.NoError(t, err)
	b, err := NaturalKey("run-2", "build", nil)
	require.NoError(t, err)
	c, err := NaturalKey("run-1", "test", nil)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestStripPolicyLeavesOriginalIntact(t *testing.T) {
	inputs := map[string]any{"x": 1, PolicyKey: map[string]any{}}
	out := StripPolicy(inputs)
	assert.NotContains(t, out, PolicyKey)
	assert.Contains(t, inputs, PolicyKey)
}
