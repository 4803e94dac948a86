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
	"sync"
	"time"

	nofxerrors "github.com/nofx/nofx/pkg/errors"
)

// BreakerState is the circuit's position.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// BreakerConfig tunes a CircuitBreaker.
type BreakerConfig struct {
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int

	// Cooldown is how long the circuit stays open before probing.
	Cooldown time.Duration

	// SuccessThreshold consecutive half-open successes close it.
	SuccessThreshold int
}

// DefaultBreakerConfig opens after 5 failures, probes after 30s, and
// closes after 2 good probes.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		SuccessThreshold: 2,
	}
}

// CircuitBreaker trips after consecutive failures and probes its way
// back. A rejected call returns TransientError with RetryAfter set to
// the remaining cooldown.
type CircuitBreaker struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	name     string
	state    BreakerState
	failures int
	probes   int
	openedAt time.Time
	now      func() time.Time
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(name string, cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 1
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &CircuitBreaker{cfg: cfg, name: name, now: time.Now}
}

// State reports the current position, accounting for cooldown expiry.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

func (b *CircuitBreaker) maybeHalfOpen() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		b.state = StateHalfOpen
		b.probes = 0
	}
}

// Execute runs fn if the circuit admits it and records the outcome.
func (b *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	b.mu.Lock()
	b.maybeHalfOpen()
	if b.state == StateOpen {
		remaining := b.cfg.Cooldown - b.now().Sub(b.openedAt)
		b.mu.Unlock()
		return &nofxerrors.TransientError{
			Op:         b.name,
			Message:    "circuit breaker is open",
			RetryAfter: remaining,
		}
	}
	b.mu.Unlock()

	err := fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.failures++
		b.probes = 0
		// A half-open failure reopens immediately; closed trips at
		// the threshold.
		if b.state == StateHalfOpen || b.failures >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.openedAt = b.now()
			b.failures = 0
		}
		return err
	}

	switch b.state {
	case StateHalfOpen:
		b.probes++
		if b.probes >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.probes = 0
			b.failures = 0
		}
	default:
		b.failures = 0
	}
	return nil
}
