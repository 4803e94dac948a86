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

import "errors"

// CLI exit codes. These are part of the operational contract: scripts key
// off them to distinguish bad arguments from missing entities and outages.
const (
	ExitOK           = 0
	ExitError        = 1
	ExitInvalidArgs  = 2
	ExitNotFound     = 3
	ExitNotPermitted = 4
	ExitUnavailable  = 5
)

// ExitCode maps an error to its CLI exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	var classifier ErrorClassifier
	if !errors.As(err, &classifier) {
		return ExitError
	}

	switch classifier.ErrorType() {
	case "validation":
		return ExitInvalidArgs
	case "not_found":
		return ExitNotFound
	case "not_retryable", "policy", "conflict":
		return ExitNotPermitted
	case "transient":
		return ExitUnavailable
	default:
		return ExitError
	}
}

// IsRetryable reports whether err (or any error in its chain) is marked
// retryable. Unclassified errors are treated as non-retryable.
func IsRetryable(err error) bool {
	var classifier ErrorClassifier
	if errors.As(err, &classifier) {
		return classifier.IsRetryable()
	}
	return false
}

// Code returns the machine code for an error, or "internal" when the
// error does not implement ErrorClassifier.
func Code(err error) string {
	var classifier ErrorClassifier
	if errors.As(err, &classifier) {
		return classifier.ErrorType()
	}
	return "internal"
}
