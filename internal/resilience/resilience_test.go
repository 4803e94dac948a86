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

package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	nofxerrors "github.com/nofx/nofx/pkg/errors"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}
}

func TestExecuteWithRetryEventualSuccess(t *testing.T) {
	calls := 0
	err := ExecuteWithRetry(context.Background(), fastRetry(5), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &nofxerrors.TransientError{Op: "fetch", Message: "503"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestExecuteWithRetryPermanentErrorStops(t *testing.T) {
	calls := 0
	verr := &nofxerrors.ValidationError{Field: "x", Message: "bad"}
	err := ExecuteWithRetry(context.Background(), fastRetry(5), func(ctx context.Context) error {
		calls++
		return verr
	})
	assert.ErrorIs(t, err, verr)
	assert.Equal(t, 1, calls)
}

func TestExecuteWithRetryExhaustion(t *testing.T) {
	calls := 0
	err := ExecuteWithRetry(context.Background(), fastRetry(3), func(ctx context.Context) error {
		calls++
		return errors.New("connection refused")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retries exhausted")
	assert.Equal(t, 3, calls)
}

func TestDefaultRetryable(t *testing.T) {
	assert.True(t, DefaultRetryable(errors.New("HTTP 429 too many requests")))
	assert.True(t, DefaultRetryable(errors.New("dial tcp: connection refused")))
	assert.True(t, DefaultRetryable(&nofxerrors.TransientError{Op: "x", Message: "y"}))
	assert.False(t, DefaultRetryable(&nofxerrors.ValidationError{Field: "x", Message: "y"}))
	assert.False(t, DefaultRetryable(&nofxerrors.PolicyError{Tool: "bash"}))
	assert.False(t, DefaultRetryable(nil))
	assert.False(t, DefaultRetryable(errors.New("no such file")))
}

func TestCircuitBreakerLifecycle(t *testing.T) {
	now := time.Now()
	b := NewCircuitBreaker("svc", BreakerConfig{
		FailureThreshold: 2,
		Cooldown:         time.Minute,
		SuccessThreshold: 2,
	})
	b.now = func() time.Time { return now }

	boom := errors.New("boom")
	fail := func(ctx context.Context) error { return boom }
	ok := func(ctx context.Context) error { return nil }
	ctx := context.Background()

	// Two consecutive failures trip it open.
	assert.ErrorIs(t, b.Execute(ctx, fail), boom)
	assert.Equal(t, StateClosed, b.State())
	assert.ErrorIs(t, b.Execute(ctx, fail), boom)
	assert.Equal(t, StateOpen, b.State())

	// Open circuit rejects with a transient error.
	err := b.Execute(ctx, ok)
	var terr *nofxerrors.TransientError
	require.ErrorAs(t, err, &terr)
	assert.Greater(t, terr.RetryAfter, time.Duration(0))

	// After the cooldown it half-opens and probes.
	now = now.Add(2 * time.Minute)
	assert.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, b.Execute(ctx, ok))
	assert.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, b.Execute(ctx, ok))
	assert.Equal(t, StateClosed, b.State())
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	b := NewCircuitBreaker("svc", BreakerConfig{
		FailureThreshold: 1,
		Cooldown:         time.Minute,
		SuccessThreshold: 1,
	})
	b.now = func() time.Time { return now }

	boom := errors.New("boom")
	ctx := context.Background()
	assert.Error(t, b.Execute(ctx, func(ctx context.Context) error { return boom }))
	assert.Equal(t, StateOpen, b.State())

	now = now.Add(2 * time.Minute)
	assert.Equal(t, StateHalfOpen, b.State())
	assert.Error(t, b.Execute(ctx, func(ctx context.Context) error { return boom }))
	assert.Equal(t, StateOpen, b.State())
}

func TestRateLimiterBlocksUntilCapacity(t *testing.T) {
	// 2 per second with burst 2: the third call has to wait.
	rl := NewRateLimiter(2, rate.Limit(2))
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, rl.CheckAndTrack(ctx))
	require.NoError(t, rl.CheckAndTrack(ctx))
	require.NoError(t, rl.CheckAndTrack(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
}

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(1, rate.Limit(1))
	assert.True(t, rl.Allow())
	assert.False(t, rl.Allow())
}
