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

package plan

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nofx/nofx/internal/log"
	"github.com/nofx/nofx/internal/queue"
	"github.com/nofx/nofx/internal/store"
)

// DefaultBackpressureAge is the queue age beyond which new steps are
// delayed instead of enqueued hot.
const DefaultBackpressureAge = 5 * time.Second

// Materializer turns parsed plans into runs, steps, and step.ready
// jobs.
type Materializer struct {
	store           store.Store
	queue           queue.Queue
	logger          *slog.Logger
	backpressureAge time.Duration
}

// Option configures the materializer.
type Option func(*Materializer)

// WithBackpressureAge overrides the delay threshold.
func WithBackpressureAge(d time.Duration) Option {
	return func(m *Materializer) {
		if d > 0 {
			m.backpressureAge = d
		}
	}
}

// NewMaterializer creates a materializer.
func NewMaterializer(st store.Store, q queue.Queue, logger *slog.Logger, opts ...Option) *Materializer {
	m := &Materializer{
		store:           st,
		queue:           q,
		logger:          logger,
		backpressureAge: DefaultBackpressureAge,
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Submit creates the run and its steps and enqueues every step. The
// run is observable (run.created recorded) before the first job can be
// claimed.
func (m *Materializer) Submit(ctx context.Context, p *Plan, projectID string) (*store.Run, error) {
	run := &store.Run{
		ProjectID: projectID,
		Title:     p.Goal,
		Status:    store.RunStatusQueued,
		Plan: map[string]any{
			"goal":  p.Goal,
			"steps": len(p.Steps),
		},
		Metadata: p.Metadata,
	}
	if err := m.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}
	ctx = log.WithRun(ctx, run.ID)

	if _, err := m.store.RecordEvent(ctx, run.ID, store.EventRunCreated,
		map[string]any{"goal": p.Goal, "stepCount": len(p.Steps)}, ""); err != nil {
		return nil, fmt.Errorf("recording run.created: %w", err)
	}

	for _, spec := range p.Steps {
		step := &store.Step{
			RunID:  run.ID,
			Name:   spec.Name,
			Tool:   spec.Tool,
			Inputs: spec.Inputs,
			Status: store.StepStatusQueued,
		}
		if err := m.store.CreateStep(ctx, step); err != nil {
			return nil, fmt.Errorf("creating step %s: %w", spec.Name, err)
		}
		if err := m.enqueueStep(ctx, run.ID, step.ID); err != nil {
			return nil, err
		}
	}

	m.logger.InfoContext(ctx, "plan materialised",
		"goal", p.Goal, "steps", len(p.Steps))
	return run, nil
}

// enqueueStep probes queue age and applies a backpressure delay when
// the oldest waiting job is older than the threshold.
func (m *Materializer) enqueueStep(ctx context.Context, runID, stepID string) error {
	var opts *queue.Options
	if age, err := m.queue.OldestAge(ctx, store.TopicStepReady); err == nil && age > m.backpressureAge {
		delay := age - m.backpressureAge
		opts = &queue.Options{Delay: delay}
		if _, err := m.store.RecordEvent(ctx, runID, store.EventQueueBackpressure,
			map[string]any{"ageMs": age.Milliseconds(), "delayMs": delay.Milliseconds()}, stepID); err != nil {
			return fmt.Errorf("recording queue.backpressure: %w", err)
		}
		m.logger.WarnContext(ctx, "queue backpressure, delaying step",
			log.Duration("age", age.Milliseconds()),
			log.Duration("delay", delay.Milliseconds()))
	}

	if err := m.queue.Enqueue(ctx, store.TopicStepReady, map[string]any{
		"runId":     runID,
		"stepId":    stepID,
		"__attempt": 1,
	}, opts); err != nil {
		return fmt.Errorf("enqueueing step %s: %w", stepID, err)
	}
	return nil
}
