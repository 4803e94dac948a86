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

// Package errors defines the domain error kinds surfaced by the run
// pipeline. Every error carries a stable machine code and maps to a CLI
// exit code; handler stack traces never cross these boundaries.
package errors

import (
	"fmt"
	"time"
)

// ValidationError represents a structural problem with user input.
// Use this for malformed plans, bad CLI arguments, or constraint violations.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// ErrorType implements ErrorClassifier.
func (e *ValidationError) ErrorType() string { return "validation" }

// IsRetryable implements ErrorClassifier.
func (e *ValidationError) IsRetryable() bool { return false }

// NotFoundError represents an addressed entity that does not exist.
type NotFoundError struct {
	// Resource is the type of entity (e.g., "run", "step", "backup")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrorType implements ErrorClassifier.
func (e *NotFoundError) ErrorType() string { return "not_found" }

// IsRetryable implements ErrorClassifier.
func (e *NotFoundError) IsRetryable() bool { return false }

// NotRetryableError represents an operation disallowed in the entity's
// current state, such as retrying a step that already succeeded.
type NotRetryableError struct {
	// Resource is the type of entity the operation addressed
	Resource string

	// ID identifies the entity
	ID string

	// State is the entity state that blocked the operation
	State string
}

// Error implements the error interface.
func (e *NotRetryableError) Error() string {
	return fmt.Sprintf("%s %s is not retryable in state %q", e.Resource, e.ID, e.State)
}

// ErrorType implements ErrorClassifier.
func (e *NotRetryableError) ErrorType() string { return "not_retryable" }

// IsRetryable implements ErrorClassifier.
func (e *NotRetryableError) IsRetryable() bool { return false }

// ConflictError represents an idempotency or uniqueness violation.
type ConflictError struct {
	// Resource is the type of entity
	Resource string

	// Key is the conflicting key or identifier
	Key string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s conflict on %s", e.Resource, e.Key)
}

// ErrorType implements ErrorClassifier.
func (e *ConflictError) ErrorType() string { return "conflict" }

// IsRetryable implements ErrorClassifier.
func (e *ConflictError) IsRetryable() bool { return false }

// TransientError represents a network, queue, or store failure that is
// expected to resolve on retry.
type TransientError struct {
	// Op names the operation that failed (e.g., "queue.enqueue")
	Op string

	// Message is the human-readable error description
	Message string

	// RetryAfter suggests a minimum wait before retrying (0 = unspecified)
	RetryAfter time.Duration

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *TransientError) Error() string {
	msg := fmt.Sprintf("transient failure in %s: %s", e.Op, e.Message)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TransientError) Unwrap() error { return e.Cause }

// ErrorType implements ErrorClassifier.
func (e *TransientError) ErrorType() string { return "transient" }

// IsRetryable implements ErrorClassifier.
func (e *TransientError) IsRetryable() bool { return true }

// PolicyError represents a tool or resource disallowed by the step's
// policy envelope. A policy denial fails the step and is never retried.
type PolicyError struct {
	// Tool is the tool name that was denied
	Tool string

	// Allowed is the policy's allow-list at the time of denial
	Allowed []string
}

// Error implements the error interface.
func (e *PolicyError) Error() string {
	return fmt.Sprintf("policy: tool not allowed: %s", e.Tool)
}

// ErrorType implements ErrorClassifier.
func (e *PolicyError) ErrorType() string { return "policy" }

// IsRetryable implements ErrorClassifier.
func (e *PolicyError) IsRetryable() bool { return false }

// FatalError represents unrecoverable local state. The outer loop logs
// it and exits the process.
type FatalError struct {
	// Message describes the unrecoverable condition
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *FatalError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("fatal: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("fatal: %s", e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *FatalError) Unwrap() error { return e.Cause }

// ErrorType implements ErrorClassifier.
func (e *FatalError) ErrorType() string { return "fatal" }

// IsRetryable implements ErrorClassifier.
func (e *FatalError) IsRetryable() bool { return false }
