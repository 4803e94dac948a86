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

package runner

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nofx/nofx/internal/log"
	"github.com/nofx/nofx/internal/queue"
	"github.com/nofx/nofx/internal/store"
	nofxerrors "github.com/nofx/nofx/pkg/errors"
)

// Recovery re-queues failed work. It shares the runner's store but
// talks to the queue directly.
type Recovery struct {
	store  store.Store
	queue  queue.Queue
	logger *slog.Logger
}

// NewRecovery creates a recovery surface.
func NewRecovery(st store.Store, q queue.Queue, logger *slog.Logger) *Recovery {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recovery{store: st, queue: q, logger: logger}
}

// RetryStep moves a failed, timed out, or cancelled step back to queued
// and re-enqueues it. The step's previous inbox entry is cleared so the
// redelivery is not treated as a duplicate.
func (r *Recovery) RetryStep(ctx context.Context, runID, stepID string) error {
	ctx = log.WithStep(ctx, runID, stepID)

	step, err := r.store.GetStep(ctx, stepID)
	if err != nil {
		return err
	}
	if step.RunID != runID {
		return &nofxerrors.NotFoundError{Resource: "step", ID: stepID}
	}
	if !step.Status.Retryable() {
		return &nofxerrors.NotRetryableError{
			Resource: "step",
			ID:       stepID,
			State:    string(step.Status),
		}
	}

	key, err := store.NaturalKey(runID, step.Name, step.Inputs)
	if err != nil {
		return fmt.Errorf("deriving natural key: %w", err)
	}
	previousStatus := string(step.Status)
	attempt := r.priorAttempts(ctx, runID, stepID)

	err = r.store.RunAtomically(ctx, runID, func(ctx context.Context) error {
		if err := r.store.InboxDelete(ctx, key); err != nil {
			return fmt.Errorf("clearing inbox entry: %w", err)
		}

		step.Status = store.StepStatusQueued
		step.EndedAt = nil
		step.Outputs = nil
		if err := r.store.UpdateStep(ctx, step); err != nil {
			return fmt.Errorf("re-queueing step: %w", err)
		}

		if _, err := r.store.RecordEvent(ctx, runID, store.EventStepRetry,
			map[string]any{"previousStatus": previousStatus}, stepID); err != nil {
			return fmt.Errorf("recording step.retry: %w", err)
		}
		if _, err := r.store.RecordEvent(ctx, runID, store.EventRunResumed,
			map[string]any{"resumedBy": stepID}, ""); err != nil {
			return fmt.Errorf("recording run.resumed: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.logger.InfoContext(ctx, "step re-queued",
		"previousStatus", previousStatus, "attempt", attempt+1)
	return r.queue.Enqueue(ctx, store.TopicStepReady, map[string]any{
		"runId":     runID,
		"stepId":    stepID,
		"__attempt": attempt + 1,
	}, nil)
}

// ResumeRun retries every failed or timed out step of the run. A
// terminal run is moved back to running first.
func (r *Recovery) ResumeRun(ctx context.Context, runID string) (int, error) {
	ctx = log.WithRun(ctx, runID)

	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return 0, err
	}
	if run.Status.Terminal() {
		run.Status = store.RunStatusRunning
		run.EndedAt = nil
		if err := r.store.UpdateRun(ctx, run); err != nil {
			return 0, fmt.Errorf("reopening run: %w", err)
		}
	}

	steps, err := r.store.ListSteps(ctx, runID)
	if err != nil {
		return 0, err
	}

	retried := 0
	for _, step := range steps {
		switch step.Status {
		case store.StepStatusFailed, store.StepStatusTimedOut:
			if err := r.RetryStep(ctx, runID, step.ID); err != nil {
				return retried, fmt.Errorf("retrying step %s: %w", step.ID, err)
			}
			retried++
		}
	}
	r.logger.InfoContext(ctx, "run resumed", "stepsRetried", retried)
	return retried, nil
}

// priorAttempts reconstructs the step's attempt count from its retry
// events. The initial enqueue is attempt 1; each recorded step.retry
// added one. Event log trouble degrades to the floor of 1.
func (r *Recovery) priorAttempts(ctx context.Context, runID, stepID string) int {
	events, err := r.store.ListEvents(ctx, runID)
	if err != nil {
		r.logger.WarnContext(ctx, "could not reconstruct attempt count", "error", err)
		return 1
	}
	attempts := 1
	for _, ev := range events {
		if ev.Type == store.EventStepRetry && ev.StepID == stepID {
			attempts++
		}
	}
	return attempts
}
