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

	"golang.org/x/time/rate"
)

// RateLimiter admits events at a sustained rate with a burst
// allowance. CheckAndTrack blocks until capacity is available.
type RateLimiter struct {
	limiter *rate.Limiter
}

// NewRateLimiter allows eventsPerWindow events each window, smoothed
// by a token bucket whose burst equals the window quota.
func NewRateLimiter(eventsPerWindow int, window rate.Limit) *RateLimiter {
	if eventsPerWindow < 1 {
		eventsPerWindow = 1
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(window, eventsPerWindow),
	}
}

// CheckAndTrack waits until capacity is available, then records one
// event. It returns early only when ctx is cancelled.
func (r *RateLimiter) CheckAndTrack(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// Allow records an event if capacity is available right now.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}
