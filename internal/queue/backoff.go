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

package queue

import (
	"math/rand"
	"time"
)

// Retry policy shared by both drivers.
const (
	// DefaultAttempts is the retry budget when Options.Attempts is 0.
	DefaultAttempts = 5

	// backoffBase is the first retry delay.
	backoffBase = time.Second

	// backoffCap bounds the exponential growth.
	backoffCap = 60 * time.Second

	// jitterFraction is the full-jitter spread around the delay.
	jitterFraction = 0.25
)

// RetryDelay computes the delay before attempt n (1-based):
// min(cap, base * 2^(n-1)) with full jitter of ±25 %.
func RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := backoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= backoffCap {
			delay = backoffCap
			break
		}
	}

	spread := float64(delay) * jitterFraction
	jittered := float64(delay) - spread + rand.Float64()*2*spread
	return time.Duration(jittered)
}
