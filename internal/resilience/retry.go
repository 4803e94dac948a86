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

// Package resilience carries the retry, circuit breaker, and rate
// limiting utilities used by adapters that call external services. The
// store and queue internals do not use them.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"

	nofxerrors "github.com/nofx/nofx/pkg/errors"
)

// RetryConfig controls ExecuteWithRetry.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// Retryable decides whether an error is worth another attempt.
	// Nil means DefaultRetryable.
	Retryable func(error) bool
}

// DefaultRetryConfig matches the queue's backoff shape.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    60 * time.Second,
	}
}

// DefaultRetryable retries transient classifications, HTTP 429/5xx
// style failures, and common network errors. Validation and policy
// failures are permanent.
func DefaultRetryable(err error) bool {
	if err == nil {
		return false
	}

	var classifier nofxerrors.ErrorClassifier
	if errors.As(err, &classifier) {
		return classifier.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, hint := range []string{
		"429", "too many requests",
		"500", "502", "503", "504",
		"connection refused", "connection reset",
		"timeout", "temporarily unavailable", "eof",
	} {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

// ExecuteWithRetry runs fn until it succeeds, exhausts attempts, or
// hits a non-retryable error. Backoff is exponential with ±25% jitter.
func ExecuteWithRetry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 60 * time.Second
	}
	retryable := cfg.Retryable
	if retryable == nil {
		retryable = DefaultRetryable
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		delay := cfg.BaseDelay << (attempt - 1)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
		spread := float64(delay) * 0.25
		jittered := time.Duration(float64(delay) - spread + rand.Float64()*2*spread)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered):
		}
	}
	return fmt.Errorf("retries exhausted after %d attempts: %w", cfg.MaxAttempts, lastErr)
}
