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

package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitCodeMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"nil", nil, ExitOK},
		{"plain error", errors.New("boom"), ExitError},
		{"validation", &ValidationError{Message: "bad plan"}, ExitInvalidArgs},
		{"not found", &NotFoundError{Resource: "run", ID: "r1"}, ExitNotFound},
		{"not retryable", &NotRetryableError{Resource: "step", ID: "s1", State: "succeeded"}, ExitNotPermitted},
		{"policy", &PolicyError{Tool: "shell"}, ExitNotPermitted},
		{"conflict", &ConflictError{Resource: "run", Key: "r1"}, ExitNotPermitted},
		{"transient", &TransientError{Op: "queue.enqueue", Message: "down"}, ExitUnavailable},
		{"wrapped", fmt.Errorf("context: %w", &NotFoundError{Resource: "backup", ID: "b"}), ExitNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, ExitCode(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&TransientError{Op: "x"}))
	assert.False(t, IsRetryable(&ValidationError{}))
	assert.False(t, IsRetryable(errors.New("unclassified")))
	assert.True(t, IsRetryable(fmt.Errorf("wrap: %w", &TransientError{Op: "x"})))
}

func TestCode(t *testing.T) {
	assert.Equal(t, "validation", Code(&ValidationError{}))
	assert.Equal(t, "transient", Code(&TransientError{}))
	assert.Equal(t, "internal", Code(errors.New("anything")))
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, "validation failed on goal: required", (&ValidationError{Field: "goal", Message: "required"}).Error())
	assert.Equal(t, "run not found: r1", (&NotFoundError{Resource: "run", ID: "r1"}).Error())

	cause := errors.New("dial tcp")
	te := &TransientError{Op: "queue.open", Message: "cannot reach broker", Cause: cause}
	assert.ErrorIs(t, te, cause)
	assert.Contains(t, te.Error(), "queue.open")
}
